// Package scheduler drives periodic tag polling per connection.
//
// Each started connection runs one tick loop. A tick reads every enabled
// tag whose own cadence is due, with bounded read concurrency. Successful
// reads land in the DVR engine and fan out to live subscribers; failures
// feed a per-tag throttle that stretches that tag's cadence after repeated
// errors, so a dead point stops burning poll cycles without affecting its
// neighbors.
//
// Key behaviors:
//   - Intervals are clamped to [MinPollIntervalMs, MaxPollIntervalMs], never rejected
//   - A repeated Start atomically replaces the prior tag set and interval
//   - An overlapping tick is skipped, not queued
//   - Stop cancels ticking but keeps accumulated throttle state
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsgrid/tagdvr/config"
	"github.com/opsgrid/tagdvr/internal/errors"
	"github.com/opsgrid/tagdvr/internal/logging"
	"github.com/opsgrid/tagdvr/internal/metrics"
	"github.com/opsgrid/tagdvr/internal/tag"
)

var log = logging.Component("scheduler")

// tickJitterMs absorbs ticker drift when deciding whether a tag's cadence
// is due.
const tickJitterMs = 20

// =============================================================================
// Types
// =============================================================================

// TagState tracks one tag's failure/throttle bookkeeping. It survives
// Stop/Start cycles; only ClearTagState/ClearAllTagStates reset it.
type TagState struct {
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	IsThrottled         bool   `json:"isThrottled"`
	LastError           string `json:"lastError,omitempty"`
	LastAttemptMs       int64  `json:"lastAttempt,omitempty"`
}

// Status is the synchronous state report for one connection.
type Status struct {
	ConnectionID string              `json:"connectionId"`
	IsPolling    bool                `json:"isPolling"`
	IntervalMs   int64               `json:"intervalMs"`
	LastPollMs   int64               `json:"lastPollTimestamp"`
	TagCount     int                 `json:"tagCount"`
	LastError    string              `json:"lastError,omitempty"`
	TagStates    map[string]TagState `json:"tagStates"`
}

// Config holds scheduler configuration.
type Config struct {
	// ReadWorkers bounds concurrent tag reads within one tick.
	ReadWorkers int

	// ReadTimeout is the deadline for a single tag read.
	ReadTimeout time.Duration

	// DrainTimeout is how long Stop waits for an in-flight tick.
	DrainTimeout time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		ReadWorkers:  config.DefaultReadWorkers,
		ReadTimeout:  config.DefaultReadTimeoutMs * time.Millisecond,
		DrainTimeout: config.DefaultDrainTimeout,
	}
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler manages poll loops for all connections.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	loops map[string]*connLoop

	// Failure/throttle state outlives loops: keyed connection -> tag.
	states map[string]map[string]*TagState

	// Connection-level last error, also outliving loops.
	connErrors map[string]string

	sources  SourceProvider
	recorder Recorder
	pub      Publisher

	// onConnectionError is invoked once per tick when a whole connection
	// fails, so an external reconnect flow can react.
	onConnectionError func(connectionID string, err error)

	cfg *Config

	// Metrics
	ticksRun     atomic.Int64
	ticksSkipped atomic.Int64
	readsOK      atomic.Int64
	readsFailed  atomic.Int64
}

// connLoop is one connection's active tick loop.
type connLoop struct {
	connectionID string
	intervalMs   int64
	tags         []tag.Tag

	cancel context.CancelFunc
	done   chan struct{}

	inFlight   atomic.Bool
	lastPollMs atomic.Int64
}

// New creates a Scheduler.
func New(cfg *Config, sources SourceProvider, recorder Recorder, pub Publisher) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		loops:      make(map[string]*connLoop),
		states:     make(map[string]map[string]*TagState),
		connErrors: make(map[string]string),
		sources:    sources,
		recorder:   recorder,
		pub:        pub,
		cfg:        cfg,
	}
}

// SetOnConnectionError registers the connection failure callback.
func (s *Scheduler) SetOnConnectionError(fn func(connectionID string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnectionError = fn
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start begins polling the given tags on a connection. The interval is
// clamped, never rejected. If the connection is already polling, the prior
// loop is replaced atomically; accumulated failure/throttle state is kept.
func (s *Scheduler) Start(connectionID string, tags []tag.Tag, intervalMs int64) error {
	if connectionID == "" {
		return errors.NewMissingField("connectionId")
	}
	if len(tags) == 0 {
		return errors.ErrEmptyTagSet
	}
	if _, ok := s.sources.Source(connectionID); !ok {
		return errors.NewNotFound("connection", connectionID)
	}

	intervalMs = config.ClampInterval(intervalMs)

	s.mu.Lock()
	prior := s.loops[connectionID]
	if prior != nil {
		prior.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &connLoop{
		connectionID: connectionID,
		intervalMs:   intervalMs,
		tags:         tags,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	s.loops[connectionID] = loop

	if s.states[connectionID] == nil {
		s.states[connectionID] = make(map[string]*TagState)
	}
	s.mu.Unlock()

	// Wait out the prior loop so two loops never tick one connection.
	if prior != nil {
		s.awaitLoop(prior)
	}

	go s.run(ctx, loop)

	log.Info("polling started",
		"connection", connectionID,
		"tags", len(tags),
		"interval_ms", intervalMs)
	return nil
}

// Stop cancels a connection's tick loop. Accumulated failure/throttle
// state is deliberately kept: a stop/start cycle must not erase throttle
// memory. Use ClearTagState/ClearAllTagStates for that.
func (s *Scheduler) Stop(connectionID string) error {
	s.mu.Lock()
	loop, ok := s.loops[connectionID]
	if ok {
		delete(s.loops, connectionID)
	}
	s.mu.Unlock()

	if !ok {
		return errors.NewNotFound("connection", connectionID)
	}

	loop.cancel()
	s.awaitLoop(loop)

	log.Info("polling stopped", "connection", connectionID)
	return nil
}

// StopAll stops every active loop.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	loops := make([]*connLoop, 0, len(s.loops))
	for id, loop := range s.loops {
		loops = append(loops, loop)
		delete(s.loops, id)
	}
	s.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
		s.awaitLoop(loop)
	}
}

// awaitLoop waits for a cancelled loop to drain, bounded by DrainTimeout.
func (s *Scheduler) awaitLoop(loop *connLoop) {
	select {
	case <-loop.done:
	case <-time.After(s.cfg.DrainTimeout):
		log.Warn("drain timeout waiting for poll loop",
			"connection", loop.connectionID)
	}
}

// =============================================================================
// Tick Loop
// =============================================================================

func (s *Scheduler) run(ctx context.Context, loop *connLoop) {
	defer close(loop.done)

	interval := time.Duration(loop.intervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First tick immediately; subsequent ticks on the interval.
	s.tick(ctx, loop)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, loop)
			// A tick that outlasted the interval leaves a buffered
			// fire behind; drain it so the backlog stays bounded.
			select {
			case <-ticker.C:
				s.ticksSkipped.Add(1)
				metrics.PollTicks.WithLabelValues(loop.connectionID, "skipped").Inc()
			default:
			}
		}
	}
}

// tick polls every enabled tag whose cadence is due. A tag's own failures
// never abort the rest of the batch.
func (s *Scheduler) tick(ctx context.Context, loop *connLoop) {
	if !loop.inFlight.CompareAndSwap(false, true) {
		s.ticksSkipped.Add(1)
		metrics.PollTicks.WithLabelValues(loop.connectionID, "skipped").Inc()
		return
	}
	defer loop.inFlight.Store(false)

	source, ok := s.sources.Source(loop.connectionID)
	if !ok {
		return
	}

	now := time.Now().UnixMilli()
	s.ticksRun.Add(1)
	metrics.PollTicks.WithLabelValues(loop.connectionID, "run").Inc()
	loop.lastPollMs.Store(now)

	due := s.dueTags(loop, now)
	if len(due) == 0 {
		return
	}

	type outcome struct {
		t   tag.Tag
		val tag.Value
		err error
	}
	outcomes := make([]outcome, len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ReadWorkers)
	for i, t := range due {
		i, t := i, t
		g.Go(func() error {
			readCtx, cancel := context.WithTimeout(gctx, s.cfg.ReadTimeout)
			defer cancel()

			started := time.Now()
			val, err := source.Read(readCtx, t)
			metrics.ReadDuration.WithLabelValues(loop.connectionID).Observe(time.Since(started).Seconds())
			outcomes[i] = outcome{t: t, val: val, err: err}
			return nil // per-tag errors never fail the batch
		})
	}
	_ = g.Wait()

	// A loop cancelled mid-tick discards its outcomes: shutdown noise
	// must not feed throttle counters.
	if ctx.Err() != nil {
		return
	}

	var (
		appended []tag.Value
		connErr  error
	)
	for _, o := range outcomes {
		switch {
		case o.err == nil:
			s.recordTagSuccess(loop.connectionID, o.t.ID, now)
			appended = append(appended, o.val)
			s.readsOK.Add(1)
		case errors.IsConnectionError(o.err):
			// Surfaced once for the whole connection; does not feed
			// per-tag throttling.
			if connErr == nil {
				connErr = o.err
			}
			s.markAttempt(loop.connectionID, o.t.ID, now)
			s.readsFailed.Add(1)
			metrics.ReadFailures.WithLabelValues(loop.connectionID, "connection").Inc()
		default:
			s.recordTagFailure(loop.connectionID, o.t.ID, now, o.err)
			s.readsFailed.Add(1)
			kind := "read"
			if errors.Is(o.err, errors.ErrTimeout) {
				kind = "timeout"
			}
			metrics.ReadFailures.WithLabelValues(loop.connectionID, kind).Inc()
		}
	}

	if connErr != nil {
		s.mu.Lock()
		s.connErrors[loop.connectionID] = connErr.Error()
		cb := s.onConnectionError
		s.mu.Unlock()

		log.Warn("connection failed",
			"connection", loop.connectionID,
			"error", connErr)
		if cb != nil {
			cb(loop.connectionID, connErr)
		}
	}

	if len(appended) > 0 {
		s.recorder.AppendBatch(appended)
		s.pub.PublishValues(loop.connectionID, now, appended)
		metrics.SamplesIngested.WithLabelValues(loop.connectionID).Add(float64(len(appended)))
	}
	s.updateThrottleGauge(loop.connectionID)
}

// updateThrottleGauge publishes the connection's current throttled-tag
// count.
func (s *Scheduler) updateThrottleGauge(connectionID string) {
	s.mu.Lock()
	n := 0
	for _, st := range s.states[connectionID] {
		if st.IsThrottled {
			n++
		}
	}
	s.mu.Unlock()
	metrics.ThrottledTags.WithLabelValues(connectionID).Set(float64(n))
}

// dueTags returns the enabled tags whose elapsed time since the last
// attempt meets their (possibly throttled) cadence.
func (s *Scheduler) dueTags(loop *connLoop, now int64) []tag.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := s.states[loop.connectionID]
	due := make([]tag.Tag, 0, len(loop.tags))
	for _, t := range loop.tags {
		if !t.Enabled {
			continue
		}
		st := states[t.ID]
		if st == nil {
			due = append(due, t)
			continue
		}
		cadence := loop.intervalMs
		if st.IsThrottled {
			cadence *= config.ThrottleMultiplier
		}
		// Small tolerance absorbs ticker jitter so a tag is not pushed
		// a whole tick late by a few milliseconds of drift.
		if now-st.LastAttemptMs >= cadence-tickJitterMs {
			due = append(due, t)
		}
	}
	return due
}

// =============================================================================
// Failure / Throttle State
// =============================================================================

func (s *Scheduler) tagState(connectionID, tagID string) *TagState {
	states := s.states[connectionID]
	if states == nil {
		states = make(map[string]*TagState)
		s.states[connectionID] = states
	}
	st := states[tagID]
	if st == nil {
		st = &TagState{}
		states[tagID] = st
	}
	return st
}

// recordTagSuccess resets a tag's failure counter and throttle flag.
func (s *Scheduler) recordTagSuccess(connectionID, tagID string, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.tagState(connectionID, tagID)
	if st.IsThrottled {
		log.Info("tag recovered", "connection", connectionID, "tag", tagID)
	}
	st.ConsecutiveFailures = 0
	st.IsThrottled = false
	st.LastError = ""
	st.LastAttemptMs = now
}

// recordTagFailure increments a tag's failure counter and throttles it
// once the threshold is reached.
func (s *Scheduler) recordTagFailure(connectionID, tagID string, now int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.tagState(connectionID, tagID)
	st.ConsecutiveFailures++
	st.LastError = err.Error()
	st.LastAttemptMs = now

	if !st.IsThrottled && st.ConsecutiveFailures >= config.ThrottleAfterFailures {
		st.IsThrottled = true
		log.Warn("tag throttled",
			"connection", connectionID,
			"tag", tagID,
			"failures", st.ConsecutiveFailures,
			"error", err)
	}
}

// markAttempt records cadence bookkeeping without touching failure counts.
// Used for connection-level failures, which do not feed per-tag throttling.
func (s *Scheduler) markAttempt(connectionID, tagID string, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tagState(connectionID, tagID).LastAttemptMs = now
}

// ClearTagState resets one tag's failure/throttle state.
func (s *Scheduler) ClearTagState(connectionID, tagID string) {
	s.mu.Lock()
	if states := s.states[connectionID]; states != nil {
		delete(states, tagID)
	}
	s.mu.Unlock()
	s.updateThrottleGauge(connectionID)
}

// ClearAllTagStates resets all tag state for a connection.
func (s *Scheduler) ClearAllTagStates(connectionID string) {
	s.mu.Lock()
	delete(s.states, connectionID)
	delete(s.connErrors, connectionID)
	s.mu.Unlock()
	s.updateThrottleGauge(connectionID)
}

// =============================================================================
// Introspection
// =============================================================================

// GetStatus reports a connection's polling state synchronously from
// in-memory state. A never-started connection reports IsPolling=false with
// whatever throttle state has accumulated.
func (s *Scheduler) GetStatus(connectionID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ConnectionID: connectionID,
		LastError:    s.connErrors[connectionID],
		TagStates:    make(map[string]TagState),
	}

	if loop, ok := s.loops[connectionID]; ok {
		st.IsPolling = true
		st.IntervalMs = loop.intervalMs
		st.LastPollMs = loop.lastPollMs.Load()
		st.TagCount = len(loop.tags)
	}

	for id, ts := range s.states[connectionID] {
		st.TagStates[id] = *ts
	}
	return st
}

// Connections returns the IDs of all actively polling connections.
func (s *Scheduler) Connections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	return ids
}

// Stats holds scheduler-wide counters.
type Stats struct {
	ActiveLoops  int
	TicksRun     int64
	TicksSkipped int64
	ReadsOK      int64
	ReadsFailed  int64
}

// Stats returns scheduler-wide counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	active := len(s.loops)
	s.mu.Unlock()

	return Stats{
		ActiveLoops:  active,
		TicksRun:     s.ticksRun.Load(),
		TicksSkipped: s.ticksSkipped.Load(),
		ReadsOK:      s.readsOK.Load(),
		ReadsFailed:  s.readsFailed.Load(),
	}
}
