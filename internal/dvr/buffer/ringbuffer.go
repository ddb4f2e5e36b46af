// Package buffer implements the bounded per-tag history ring.
//
// Each tag owns exactly one RingBuffer. The scheduler's poll loop is the
// only writer; DVR queries, sparklines and live projections read
// concurrently. A RWMutex keeps reads consistent with the single writer
// without a lock spanning multiple tags.
package buffer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsgrid/tagdvr/internal/metrics"
	"github.com/opsgrid/tagdvr/internal/tag"
)

// RingBuffer is a fixed-capacity circular series of tag values with
// oldest-first eviction. Timestamps within the buffer are non-decreasing.
type RingBuffer struct {
	mu       sync.RWMutex
	data     []tag.Value
	head     int64 // next write position (monotonic)
	tail     int64 // oldest data position (monotonic)
	capacity int64

	// Statistics
	appendCount atomic.Int64
	evictCount  atomic.Int64
}

// New creates a RingBuffer with the given capacity.
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RingBuffer{
		data:     make([]tag.Value, capacity),
		capacity: int64(capacity),
	}
}

// Append adds a value at the tail of the series, evicting the oldest entry
// when the buffer is full. Out-of-order timestamps are clamped forward so
// the non-decreasing invariant holds even if the wall clock steps back.
func (rb *RingBuffer) Append(v tag.Value) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if count := rb.head - rb.tail; count > 0 {
		last := rb.data[(rb.head-1)%rb.capacity]
		if v.TimestampMs < last.TimestampMs {
			v.TimestampMs = last.TimestampMs
		}
		if count >= rb.capacity {
			rb.tail++
			rb.evictCount.Add(1)
			metrics.BufferEvictions.Inc()
		}
	}

	rb.data[rb.head%rb.capacity] = v
	rb.head++
	rb.appendCount.Add(1)
}

// at returns the value at logical index i (0 = oldest). Caller holds a lock.
func (rb *RingBuffer) at(i int64) tag.Value {
	return rb.data[(rb.tail+i)%rb.capacity]
}

// LatestAsOf returns the entry with the greatest timestamp <= ts, or false
// if no entry qualifies. This is the last-known-value lookup behind DVR
// seeks; no interpolation is performed.
func (rb *RingBuffer) LatestAsOf(ts int64) (tag.Value, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	count := rb.head - rb.tail
	if count == 0 || rb.at(0).TimestampMs > ts {
		return tag.Value{}, false
	}

	// First index whose timestamp exceeds ts; the answer is just before it.
	idx := sort.Search(int(count), func(i int) bool {
		return rb.at(int64(i)).TimestampMs > ts
	})

	return rb.at(int64(idx - 1)), true
}

// Latest returns the newest entry, or false if the buffer is empty.
func (rb *RingBuffer) Latest() (tag.Value, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.head == rb.tail {
		return tag.Value{}, false
	}
	return rb.data[(rb.head-1)%rb.capacity], true
}

// Range returns the oldest and newest timestamps and the entry count.
// An empty buffer reports (0, 0, 0).
func (rb *RingBuffer) Range() (oldest, newest int64, count int) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.head - rb.tail
	if n == 0 {
		return 0, 0, 0
	}
	return rb.at(0).TimestampMs, rb.at(n - 1).TimestampMs, int(n)
}

// CopyRange returns a copy of all entries with startMs <= timestamp <= endMs,
// oldest first. The copy lets callers work without holding the lock.
func (rb *RingBuffer) CopyRange(startMs, endMs int64) []tag.Value {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	count := rb.head - rb.tail
	if count == 0 || startMs > endMs {
		return nil
	}

	lo := sort.Search(int(count), func(i int) bool {
		return rb.at(int64(i)).TimestampMs >= startMs
	})
	hi := sort.Search(int(count), func(i int) bool {
		return rb.at(int64(i)).TimestampMs > endMs
	})
	if lo >= hi {
		return nil
	}

	out := make([]tag.Value, hi-lo)
	for i := range out {
		out[i] = rb.at(int64(lo + i))
	}
	return out
}

// Recent returns copies of the newest n entries, oldest first.
func (rb *RingBuffer) Recent(n int) []tag.Value {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	count := rb.head - rb.tail
	if count == 0 || n <= 0 {
		return nil
	}
	take := int64(n)
	if take > count {
		take = count
	}

	out := make([]tag.Value, take)
	for i := int64(0); i < take; i++ {
		out[i] = rb.at(count - take + i)
	}
	return out
}

// Series is a downsampled view of one tag's history.
type Series struct {
	Timestamps []int64
	Values     []float64
}

// Empty reports whether the series carries no points.
func (s Series) Empty() bool {
	return len(s.Timestamps) == 0
}

// Downsample returns at most maxPoints samples over [startMs, endMs].
// When the raw points in range already fit, they are returned unchanged.
// Otherwise the range is split into maxPoints equal-width time buckets and
// the last value in each bucket is kept.
// An empty range yields an empty Series, never an error.
func (rb *RingBuffer) Downsample(startMs, endMs int64, maxPoints int) Series {
	raw := rb.CopyRange(startMs, endMs)
	if len(raw) == 0 {
		return Series{}
	}
	if maxPoints <= 0 {
		maxPoints = 1
	}

	if len(raw) <= maxPoints {
		s := Series{
			Timestamps: make([]int64, len(raw)),
			Values:     make([]float64, len(raw)),
		}
		for i, v := range raw {
			s.Timestamps[i] = v.TimestampMs
			s.Values[i] = v.Numeric
		}
		return s
	}

	width := float64(endMs-startMs+1) / float64(maxPoints)
	s := Series{
		Timestamps: make([]int64, 0, maxPoints),
		Values:     make([]float64, 0, maxPoints),
	}

	bucket := -1
	for _, v := range raw {
		b := int(float64(v.TimestampMs-startMs) / width)
		if b == bucket {
			// Same bucket: replace with the later value.
			s.Timestamps[len(s.Timestamps)-1] = v.TimestampMs
			s.Values[len(s.Values)-1] = v.Numeric
			continue
		}
		bucket = b
		s.Timestamps = append(s.Timestamps, v.TimestampMs)
		s.Values = append(s.Values, v.Numeric)
	}
	return s
}

// Len returns the current number of entries.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return int(rb.head - rb.tail)
}

// Cap returns the buffer capacity.
func (rb *RingBuffer) Cap() int {
	return int(rb.capacity)
}

// Duration returns the time span covered by buffered entries.
func (rb *RingBuffer) Duration() time.Duration {
	oldest, newest, count := rb.Range()
	if count == 0 {
		return 0
	}
	return time.Duration(newest-oldest) * time.Millisecond
}

// Stats returns buffer statistics.
func (rb *RingBuffer) Stats() Stats {
	rb.mu.RLock()
	count := rb.head - rb.tail
	rb.mu.RUnlock()

	return Stats{
		Capacity:    int(rb.capacity),
		Count:       int(count),
		UsageRatio:  float64(count) / float64(rb.capacity),
		AppendCount: rb.appendCount.Load(),
		EvictCount:  rb.evictCount.Load(),
	}
}

// Stats holds buffer statistics.
type Stats struct {
	Capacity    int
	Count       int
	UsageRatio  float64
	AppendCount int64
	EvictCount  int64
}
