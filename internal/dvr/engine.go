// Package dvr implements the time-travel engine over per-tag ring buffers.
//
// The engine owns one ring buffer per tag and answers range, seek and
// sparkline queries purely from stored data, independent of poll timing.
// Locking is sharded: the engine lock only guards the tag table, each
// buffer carries its own lock, so one slow tag never stalls another's
// reads or writes.
package dvr

import (
	"sort"
	"sync"
	"time"

	"github.com/opsgrid/tagdvr/config"
	"github.com/opsgrid/tagdvr/internal/dvr/aggregate"
	"github.com/opsgrid/tagdvr/internal/dvr/buffer"
	"github.com/opsgrid/tagdvr/internal/logging"
	"github.com/opsgrid/tagdvr/internal/tag"
)

var log = logging.Component("dvr")

// Mode is the engine's playback mode.
type Mode int

const (
	// ModeLive follows incoming values; the playback time is "now".
	ModeLive Mode = iota
	// ModeHistorical is entered by Seek; the playback time is frozen at
	// the last seek target until GoLive.
	ModeHistorical
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	if m == ModeHistorical {
		return "historical"
	}
	return "live"
}

// RangeInfo reports the queryable bounds across all tag buffers.
// Bounds are the union: earliest oldest and latest newest across tags, so
// scrubbing is possible anywhere any tag has data.
type RangeInfo struct {
	StartMs int64 `json:"startTimestamp"`
	EndMs   int64 `json:"endTimestamp"`
	Count   int   `json:"dataPointCount"`
}

// Snapshot is an as-of reconstruction at one point in time. Tags with no
// qualifying entry map to nil, not an error.
type Snapshot struct {
	TimestampMs int64                 `json:"timestamp"`
	Values      map[string]*tag.Value `json:"values"`
}

// Engine owns all tags' ring buffers and the Live/Historical state machine.
type Engine struct {
	mu       sync.RWMutex
	buffers  map[string]*buffer.RingBuffer
	capacity int

	modeMu     sync.RWMutex
	mode       Mode
	playbackMs int64
}

// Options configures the engine.
type Options struct {
	// MemoryBudgetBytes caps total in-memory history across all tags.
	MemoryBudgetBytes int64

	// ExpectedTags sizes per-tag capacity; tags registered later share
	// the same capacity, so register the full tag set up front where
	// possible.
	ExpectedTags int
}

// New creates an engine with per-tag capacity derived from the memory
// budget.
func New(opts Options) *Engine {
	capacity := config.BufferCapacity(opts.MemoryBudgetBytes, opts.ExpectedTags)

	log.Info("engine created",
		"per_tag_capacity", capacity,
		"expected_tags", opts.ExpectedTags)

	return &Engine{
		buffers:  make(map[string]*buffer.RingBuffer),
		capacity: capacity,
		mode:     ModeLive,
	}
}

// bufferFor returns the tag's buffer, creating it on first use.
func (e *Engine) bufferFor(tagID string) *buffer.RingBuffer {
	e.mu.RLock()
	rb, ok := e.buffers[tagID]
	e.mu.RUnlock()
	if ok {
		return rb
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if rb, ok = e.buffers[tagID]; ok {
		return rb
	}
	rb = buffer.New(e.capacity)
	e.buffers[tagID] = rb
	return rb
}

// lookup returns the tag's buffer without creating it.
func (e *Engine) lookup(tagID string) (*buffer.RingBuffer, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rb, ok := e.buffers[tagID]
	return rb, ok
}

// RegisterTags pre-creates buffers for the given tag IDs so capacity and
// range reporting are stable before the first poll lands.
func (e *Engine) RegisterTags(tagIDs []string) {
	for _, id := range tagIDs {
		e.bufferFor(id)
	}
}

// TagIDs returns all known tag IDs, sorted.
func (e *Engine) TagIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.buffers))
	for id := range e.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Append records a poll outcome into the owning tag's buffer. This is the
// single write path; the scheduler is the only caller during operation.
func (e *Engine) Append(v tag.Value) {
	e.bufferFor(v.TagID).Append(v)
}

// AppendBatch records a batch of values, e.g. one connection tick's output
// or a mirror restore.
func (e *Engine) AppendBatch(values []tag.Value) {
	for _, v := range values {
		e.Append(v)
	}
}

// Latest returns the newest stored value for a tag.
func (e *Engine) Latest(tagID string) (tag.Value, bool) {
	rb, ok := e.lookup(tagID)
	if !ok {
		return tag.Value{}, false
	}
	return rb.Latest()
}

// Recent returns copies of the newest n values for a tag, oldest first.
// Used by the display projection for trend computation.
func (e *Engine) Recent(tagID string, n int) []tag.Value {
	rb, ok := e.lookup(tagID)
	if !ok {
		return nil
	}
	return rb.Recent(n)
}

// =============================================================================
// Playback State Machine
// =============================================================================

// Mode returns the current playback mode.
func (e *Engine) Mode() Mode {
	e.modeMu.RLock()
	defer e.modeMu.RUnlock()
	return e.mode
}

// PlaybackMs returns the current playback time: the seek target when
// historical, or "now" when live.
func (e *Engine) PlaybackMs() int64 {
	e.modeMu.RLock()
	defer e.modeMu.RUnlock()
	if e.mode == ModeHistorical {
		return e.playbackMs
	}
	return time.Now().UnixMilli()
}

// Seek switches to Historical mode and reconstructs the state of the
// requested tags (default: all known tags) as of ts. Tags with no entry at
// or before ts appear with a nil value.
func (e *Engine) Seek(ts int64, tagIDs []string) Snapshot {
	e.modeMu.Lock()
	e.mode = ModeHistorical
	e.playbackMs = ts
	e.modeMu.Unlock()

	if len(tagIDs) == 0 {
		tagIDs = e.TagIDs()
	}

	snap := Snapshot{
		TimestampMs: ts,
		Values:      make(map[string]*tag.Value, len(tagIDs)),
	}

	for _, id := range tagIDs {
		rb, ok := e.lookup(id)
		if !ok {
			// Unknown tag: null entry, never a batch failure.
			snap.Values[id] = nil
			continue
		}
		if v, ok := rb.LatestAsOf(ts); ok {
			vv := v
			snap.Values[id] = &vv
		} else {
			snap.Values[id] = nil
		}
	}
	return snap
}

// GoLive switches back to Live mode and resets playback time to now.
func (e *Engine) GoLive() {
	e.modeMu.Lock()
	defer e.modeMu.Unlock()
	e.mode = ModeLive
	e.playbackMs = 0
}

// =============================================================================
// Queries
// =============================================================================

// Range reports union bounds across all tags: the earliest oldest and the
// latest newest timestamp, plus the total stored point count.
func (e *Engine) Range() RangeInfo {
	e.mu.RLock()
	buffers := make([]*buffer.RingBuffer, 0, len(e.buffers))
	for _, rb := range e.buffers {
		buffers = append(buffers, rb)
	}
	e.mu.RUnlock()

	var info RangeInfo
	for _, rb := range buffers {
		oldest, newest, count := rb.Range()
		if count == 0 {
			continue
		}
		if info.Count == 0 || oldest < info.StartMs {
			info.StartMs = oldest
		}
		if newest > info.EndMs {
			info.EndMs = newest
		}
		info.Count += count
	}
	return info
}

// Sparkline returns a downsampled series for one tag over [startMs, endMs],
// at most maxPoints samples. An unknown tag or empty range yields an empty
// series, never an error.
func (e *Engine) Sparkline(tagID string, startMs, endMs int64, maxPoints int) buffer.Series {
	if maxPoints <= 0 {
		maxPoints = config.DefaultSparklineMaxPoints
	}
	rb, ok := e.lookup(tagID)
	if !ok {
		return buffer.Series{}
	}
	return rb.Downsample(startMs, endMs, maxPoints)
}

// History returns the raw stored values for one tag over [startMs, endMs].
// An unknown tag yields nil.
func (e *Engine) History(tagID string, startMs, endMs int64) []tag.Value {
	rb, ok := e.lookup(tagID)
	if !ok {
		return nil
	}
	return rb.CopyRange(startMs, endMs)
}

// SparklineStats returns per-bucket aggregates (min/max/avg and optional
// percentiles) for one tag over [startMs, endMs].
func (e *Engine) SparklineStats(tagID string, startMs, endMs int64, buckets int, withPercentiles bool) []aggregate.Bucket {
	rb, ok := e.lookup(tagID)
	if !ok {
		return nil
	}
	return aggregate.Compute(rb.CopyRange(startMs, endMs), startMs, endMs, buckets, withPercentiles)
}

// =============================================================================
// Stats
// =============================================================================

// Stats holds engine-wide statistics.
type Stats struct {
	Mode           string
	PlaybackMs     int64
	TagCount       int
	TotalPoints    int
	TotalCapacity  int
	TotalAppends   int64
	TotalEvictions int64
}

// Stats returns engine-wide statistics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	buffers := make([]*buffer.RingBuffer, 0, len(e.buffers))
	for _, rb := range e.buffers {
		buffers = append(buffers, rb)
	}
	e.mu.RUnlock()

	st := Stats{
		Mode:       e.Mode().String(),
		PlaybackMs: e.PlaybackMs(),
		TagCount:   len(buffers),
	}
	for _, rb := range buffers {
		bs := rb.Stats()
		st.TotalPoints += bs.Count
		st.TotalCapacity += bs.Capacity
		st.TotalAppends += bs.AppendCount
		st.TotalEvictions += bs.EvictCount
	}
	return st
}

// TagStats returns per-tag buffer statistics keyed by tag ID.
func (e *Engine) TagStats() map[string]buffer.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]buffer.Stats, len(e.buffers))
	for id, rb := range e.buffers {
		out[id] = rb.Stats()
	}
	return out
}

// Capacity returns the per-tag buffer capacity.
func (e *Engine) Capacity() int {
	return e.capacity
}
