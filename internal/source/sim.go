// Simulated value source: lets the daemon run and demo without devices.
// Each tag's address selects a waveform, e.g. "sine:50:10" for a sine wave
// around 50 with amplitude 10.
package source

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opsgrid/tagdvr/internal/errors"
	"github.com/opsgrid/tagdvr/internal/tag"
)

// SimSource generates synthetic tag values. Waveform addresses:
//
//	sine:<center>:<amplitude>    sine wave, 60s period
//	walk:<start>:<step>          random walk
//	step:<low>:<high>            square wave, 30s period
//	const:<value>                constant
//	fail                         always fails (for exercising throttling)
//
// An empty or unrecognized address behaves like walk:50:1.
type SimSource struct {
	mu    sync.Mutex
	walks map[string]float64
	start time.Time
	rng   *rand.Rand
}

// NewSimSource creates a simulated source.
func NewSimSource() *SimSource {
	return &SimSource{
		walks: make(map[string]float64),
		start: time.Now(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Read implements scheduler.ValueSource.
func (s *SimSource) Read(ctx context.Context, t tag.Tag) (tag.Value, error) {
	if err := ctx.Err(); err != nil {
		return tag.Value{}, err
	}

	kind, args := parseAddress(t.Address)
	if kind == "fail" {
		return tag.Value{}, errors.Wrapf(errors.ErrReadFailed, "tag %s: simulated failure", t.ID)
	}

	v := tag.Value{
		TagID:       t.ID,
		TimestampMs: time.Now().UnixMilli(),
		Quality:     tag.QualityGood,
	}

	elapsed := time.Since(s.start).Seconds()

	switch kind {
	case "sine":
		center, amp := argOr(args, 0, 50), argOr(args, 1, 10)
		v.Numeric = center + amp*math.Sin(2*math.Pi*elapsed/60)

	case "step":
		low, high := argOr(args, 0, 0), argOr(args, 1, 1)
		v.Numeric = low
		if int(elapsed/30)%2 == 1 {
			v.Numeric = high
		}

	case "const":
		v.Numeric = argOr(args, 0, 0)

	default: // walk
		start, step := argOr(args, 0, 50), argOr(args, 1, 1)
		s.mu.Lock()
		cur, ok := s.walks[t.ID]
		if !ok {
			cur = start
		}
		cur += (s.rng.Float64()*2 - 1) * step
		s.walks[t.ID] = cur
		s.mu.Unlock()
		v.Numeric = cur
	}

	if t.Type == tag.DataTypeBoolean {
		if v.Numeric >= 0.5 {
			v.Numeric = 1
		} else {
			v.Numeric = 0
		}
	}
	if t.Type == tag.DataTypeString {
		v.Text = strconv.FormatFloat(v.Numeric, 'f', -1, 64)
	}
	return v, nil
}

func parseAddress(addr string) (kind string, args []float64) {
	parts := strings.Split(addr, ":")
	kind = parts[0]
	for _, p := range parts[1:] {
		if f, err := strconv.ParseFloat(p, 64); err == nil {
			args = append(args, f)
		}
	}
	return kind, args
}

func argOr(args []float64, i int, def float64) float64 {
	if i < len(args) {
		return args[i]
	}
	return def
}
