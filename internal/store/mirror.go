package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/opsgrid/tagdvr/internal/live"
	"github.com/opsgrid/tagdvr/internal/metrics"
	"github.com/opsgrid/tagdvr/internal/tag"
)

// MirrorConfig tunes the async mirror writer.
type MirrorConfig struct {
	// BatchSize flushes when this many samples are buffered.
	BatchSize int

	// FlushInterval is the max hold time for buffered samples.
	FlushInterval time.Duration

	// PruneInterval is how often expired rows are deleted.
	PruneInterval time.Duration
}

// Mirror consumes live poll events and batches them into the store. It is
// a bus subscriber like any other: if it falls behind, events are dropped
// by the bus rather than stalling the poll loop, and the in-memory buffers
// remain authoritative.
type Mirror struct {
	store *Store
	sub   *live.Subscription
	cfg   MirrorConfig

	flushed atomic.Int64
	failed  atomic.Int64
}

// NewMirror creates a mirror writer over an existing bus subscription.
func NewMirror(store *Store, sub *live.Subscription, cfg MirrorConfig) *Mirror {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = 15 * time.Minute
	}
	return &Mirror{store: store, sub: sub, cfg: cfg}
}

// Run consumes events until the context is cancelled or the subscription
// closes. Pending samples are flushed on the way out.
func (m *Mirror) Run(ctx context.Context) {
	flushTicker := time.NewTicker(m.cfg.FlushInterval)
	defer flushTicker.Stop()
	pruneTicker := time.NewTicker(m.cfg.PruneInterval)
	defer pruneTicker.Stop()

	pending := make([]tag.Value, 0, m.cfg.BatchSize)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := m.store.InsertBatch(pending); err != nil {
			m.failed.Add(int64(len(pending)))
			metrics.MirrorFlushes.WithLabelValues("error").Inc()
			log.Error("mirror flush failed", "samples", len(pending), "error", err)
		} else {
			m.flushed.Add(int64(len(pending)))
			metrics.MirrorFlushes.WithLabelValues("ok").Inc()
		}
		pending = pending[:0]
	}
	defer flush()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-m.sub.Events():
			if !ok {
				return
			}
			pending = append(pending, ev.Values...)
			if len(pending) >= m.cfg.BatchSize {
				flush()
			}

		case <-flushTicker.C:
			flush()

		case <-pruneTicker.C:
			flush()
			if _, err := m.store.Prune(ctx); err != nil {
				log.Error("mirror prune failed", "error", err)
			}
		}
	}
}

// MirrorStats holds mirror counters.
type MirrorStats struct {
	SamplesFlushed int64
	SamplesFailed  int64
	EventsDropped  int64
}

// Stats returns mirror counters.
func (m *Mirror) Stats() MirrorStats {
	return MirrorStats{
		SamplesFlushed: m.flushed.Load(),
		SamplesFailed:  m.failed.Load(),
		EventsDropped:  m.sub.Dropped(),
	}
}
