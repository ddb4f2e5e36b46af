// Package aggregate computes per-bucket statistics over a tag's history.
//
// Sparklines show one representative value per bucket; the stats variant
// here adds min/max/avg/count and DDSketch-backed percentiles per bucket so
// a consumer can render envelopes without pulling raw history.
package aggregate

import (
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/opsgrid/tagdvr/internal/tag"
)

// sketchAccuracy is the DDSketch relative accuracy used for percentiles.
const sketchAccuracy = 0.01

// Bucket holds running statistics for one time bucket.
type Bucket struct {
	StartMs int64   `json:"start"`
	EndMs   int64   `json:"end"`
	Count   int64   `json:"count"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Avg     float64 `json:"avg"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
}

// builder accumulates one bucket's statistics.
type builder struct {
	startMs int64
	endMs   int64
	count   int64
	sum     float64
	min     float64
	max     float64
	sketch  *ddsketch.DDSketch
}

func newBuilder(startMs, endMs int64, withSketch bool) *builder {
	b := &builder{
		startMs: startMs,
		endMs:   endMs,
		min:     math.MaxFloat64,
		max:     -math.MaxFloat64,
	}
	if withSketch {
		if sk, err := ddsketch.NewDefaultDDSketch(sketchAccuracy); err == nil {
			b.sketch = sk
		}
	}
	return b
}

func (b *builder) add(v float64) {
	b.count++
	b.sum += v
	if v < b.min {
		b.min = v
	}
	if v > b.max {
		b.max = v
	}
	if b.sketch != nil {
		// DDSketch rejects non-positive values with the default mapping;
		// AddWithCount handles zero, negatives are shifted out of band by
		// the sketch implementation we use, so fall back silently.
		_ = b.sketch.Add(v)
	}
}

func (b *builder) finish() Bucket {
	out := Bucket{
		StartMs: b.startMs,
		EndMs:   b.endMs,
		Count:   b.count,
	}
	if b.count == 0 {
		return out
	}

	out.Min = b.min
	out.Max = b.max
	out.Avg = b.sum / float64(b.count)

	if b.sketch != nil {
		if qs, err := b.sketch.GetValuesAtQuantiles([]float64{0.5, 0.95, 0.99}); err == nil {
			out.P50, out.P95, out.P99 = qs[0], qs[1], qs[2]
		}
	}
	return out
}

// Compute splits [startMs, endMs] into bucketCount equal-width time buckets
// and aggregates the given values into them. Values outside the range and
// unusable-quality values are skipped. Empty buckets are omitted from the
// result. withPercentiles enables DDSketch quantiles per bucket.
func Compute(values []tag.Value, startMs, endMs int64, bucketCount int, withPercentiles bool) []Bucket {
	if len(values) == 0 || startMs > endMs || bucketCount <= 0 {
		return nil
	}

	width := float64(endMs-startMs+1) / float64(bucketCount)
	builders := make(map[int]*builder)

	for _, v := range values {
		if v.TimestampMs < startMs || v.TimestampMs > endMs || !v.Quality.Usable() {
			continue
		}
		idx := int(float64(v.TimestampMs-startMs) / width)
		b, ok := builders[idx]
		if !ok {
			bStart := startMs + int64(float64(idx)*width)
			bEnd := startMs + int64(float64(idx+1)*width) - 1
			b = newBuilder(bStart, bEnd, withPercentiles)
			builders[idx] = b
		}
		b.add(v.Numeric)
	}

	out := make([]Bucket, 0, len(builders))
	for idx := 0; idx < bucketCount; idx++ {
		if b, ok := builders[idx]; ok {
			out = append(out, b.finish())
		}
	}
	return out
}
