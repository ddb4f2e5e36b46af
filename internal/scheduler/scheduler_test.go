package scheduler

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opsgrid/tagdvr/config"
	"github.com/opsgrid/tagdvr/internal/errors"
	"github.com/opsgrid/tagdvr/internal/tag"
	tdtest "github.com/opsgrid/tagdvr/internal/testing"
)

// captureRecorder collects appended values.
type captureRecorder struct {
	mu     sync.Mutex
	values []tag.Value
}

func (r *captureRecorder) AppendBatch(values []tag.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, values...)
}

func (r *captureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

// capturePublisher collects published events.
type capturePublisher struct {
	mu     sync.Mutex
	events int
	values int
}

func (p *capturePublisher) PublishValues(connectionID string, timestampMs int64, values []tag.Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events++
	p.values += len(values)
}

func (p *capturePublisher) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events, p.values
}

func testTags(ids ...string) []tag.Tag {
	out := make([]tag.Tag, len(ids))
	for i, id := range ids {
		out[i] = tag.Tag{ID: id, Address: "1.3.6.1." + id, Enabled: true}
	}
	return out
}

func newTestScheduler(src ValueSource) (*Scheduler, *captureRecorder, *capturePublisher) {
	rec := &captureRecorder{}
	pub := &capturePublisher{}
	s := New(&Config{
		ReadWorkers:  4,
		ReadTimeout:  time.Second,
		DrainTimeout: 2 * time.Second,
	}, SourceMap{"plc-1": src}, rec, pub)
	return s, rec, pub
}

func TestStart_Validation(t *testing.T) {
	s, _, _ := newTestScheduler(tdtest.NewFakeSource())

	if err := s.Start("", testTags("a"), 500); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("empty connection id should fail validation, got %v", err)
	}
	if err := s.Start("plc-1", nil, 500); !errors.Is(err, errors.ErrEmptyTagSet) {
		t.Errorf("empty tag set should fail validation, got %v", err)
	}
	if err := s.Start("ghost", testTags("a"), 500); !errors.IsNotFound(err) {
		t.Errorf("unknown connection should be not-found, got %v", err)
	}
}

func TestStart_ClampsInterval(t *testing.T) {
	tests := []struct {
		requested int64
		want      int64
	}{
		{50, 100},
		{100, 100},
		{500, 500},
		{60000, 60000},
		{120000, 60000},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.requested), func(t *testing.T) {
			s, _, _ := newTestScheduler(tdtest.NewFakeSource())
			if err := s.Start("plc-1", testTags("a"), tt.requested); err != nil {
				t.Fatalf("start: %v", err)
			}
			defer s.StopAll()

			if got := s.GetStatus("plc-1").IntervalMs; got != tt.want {
				t.Errorf("interval clamped to %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTick_AppendsAndPublishes(t *testing.T) {
	src := tdtest.NewFakeSource()
	s, rec, pub := newTestScheduler(src)

	if err := s.Start("plc-1", testTags("a", "b"), 100); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(350 * time.Millisecond)
	s.StopAll()

	if rec.count() < 4 {
		t.Errorf("expected at least 4 appended values, got %d", rec.count())
	}
	events, values := pub.counts()
	if events == 0 || values != rec.count() {
		t.Errorf("published %d events / %d values, appended %d", events, values, rec.count())
	}

	st := s.GetStatus("plc-1")
	if st.LastPollMs == 0 {
		t.Error("lastPollTimestamp not recorded")
	}
}

func TestTick_DisabledTagSkipped(t *testing.T) {
	src := tdtest.NewFakeSource()
	s, rec, _ := newTestScheduler(src)

	tags := testTags("a", "b")
	tags[1].Enabled = false

	if err := s.Start("plc-1", tags, 100); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	s.StopAll()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, v := range rec.values {
		if v.TagID == "b" {
			t.Fatal("disabled tag was polled")
		}
	}
}

func TestThrottle_AfterFiveFailures(t *testing.T) {
	s, _, _ := newTestScheduler(tdtest.NewFakeSource())

	now := time.Now().UnixMilli()
	readErr := errors.Wrap(errors.ErrReadFailed, "device says no")

	for i := 1; i <= 4; i++ {
		s.recordTagFailure("plc-1", "a", now, readErr)
		if st := s.GetStatus("plc-1").TagStates["a"]; st.IsThrottled {
			t.Fatalf("throttled after only %d failures", i)
		}
	}

	s.recordTagFailure("plc-1", "a", now, readErr)
	st := s.GetStatus("plc-1").TagStates["a"]
	if !st.IsThrottled {
		t.Fatal("expected throttle after 5 consecutive failures")
	}
	if st.ConsecutiveFailures != 5 {
		t.Errorf("expected 5 failures, got %d", st.ConsecutiveFailures)
	}
	if st.LastError == "" {
		t.Error("lastError not recorded")
	}

	// One success resets everything.
	s.recordTagSuccess("plc-1", "a", now)
	st = s.GetStatus("plc-1").TagStates["a"]
	if st.ConsecutiveFailures != 0 || st.IsThrottled {
		t.Errorf("success should reset throttle state, got %+v", st)
	}
}

func TestThrottle_StretchesCadence(t *testing.T) {
	s, _, _ := newTestScheduler(tdtest.NewFakeSource())

	loop := &connLoop{
		connectionID: "plc-1",
		intervalMs:   500,
		tags:         testTags("a"),
	}

	now := time.Now().UnixMilli()
	s.mu.Lock()
	s.states["plc-1"] = map[string]*TagState{
		"a": {IsThrottled: true, LastAttemptMs: now - 600},
	}
	s.mu.Unlock()

	// 600ms elapsed: past the base interval but inside the throttled
	// cadence of interval * multiplier.
	if due := s.dueTags(loop, now); len(due) != 0 {
		t.Errorf("throttled tag due after one interval, cadence not stretched")
	}

	s.mu.Lock()
	s.states["plc-1"]["a"].LastAttemptMs = now - 500*config.ThrottleMultiplier
	s.mu.Unlock()

	if due := s.dueTags(loop, now); len(due) != 1 {
		t.Error("throttled tag should be due after interval * multiplier")
	}
}

func TestStop_PreservesThrottleState(t *testing.T) {
	src := tdtest.NewFakeSource()
	src.FailTag("a", errors.ErrReadFailed)
	s, _, _ := newTestScheduler(src)

	if err := s.Start("plc-1", testTags("a"), 100); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(350 * time.Millisecond)
	if err := s.Stop("plc-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	before := s.GetStatus("plc-1").TagStates["a"].ConsecutiveFailures
	if before == 0 {
		t.Fatal("expected accumulated failures before restart")
	}

	// Restart must not erase throttle memory.
	if err := s.Start("plc-1", testTags("a"), 100); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.StopAll()

	after := s.GetStatus("plc-1").TagStates["a"].ConsecutiveFailures
	if after < before {
		t.Errorf("stop/start erased failure count: before=%d after=%d", before, after)
	}
}

func TestClearTagState(t *testing.T) {
	s, _, _ := newTestScheduler(tdtest.NewFakeSource())

	now := time.Now().UnixMilli()
	s.recordTagFailure("plc-1", "a", now, errors.ErrReadFailed)
	s.recordTagFailure("plc-1", "b", now, errors.ErrReadFailed)

	s.ClearTagState("plc-1", "a")
	st := s.GetStatus("plc-1")
	if _, ok := st.TagStates["a"]; ok {
		t.Error("cleared tag state still present")
	}
	if _, ok := st.TagStates["b"]; !ok {
		t.Error("uncleared tag state lost")
	}

	s.ClearAllTagStates("plc-1")
	if len(s.GetStatus("plc-1").TagStates) != 0 {
		t.Error("ClearAllTagStates left state behind")
	}
}

func TestTick_OneFailureDoesNotAbortBatch(t *testing.T) {
	src := tdtest.NewFakeSource()
	src.FailTag("a", errors.ErrReadFailed)
	s, rec, _ := newTestScheduler(src)

	if err := s.Start("plc-1", testTags("a", "b"), 100); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	s.StopAll()

	if rec.count() == 0 {
		t.Fatal("healthy tag starved by failing neighbor")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, v := range rec.values {
		if v.TagID != "b" {
			t.Fatalf("unexpected value for failing tag %s", v.TagID)
		}
	}

	if s.GetStatus("plc-1").TagStates["a"].ConsecutiveFailures == 0 {
		t.Error("failing tag not counted")
	}
}

func TestTick_ConnectionErrorSurfacedOnce(t *testing.T) {
	src := tdtest.NewFakeSource()
	src.FailConnection(errors.Wrap(errors.ErrConnectionFailed, "port unreachable"))
	s, _, _ := newTestScheduler(src)

	var mu sync.Mutex
	calls := 0
	s.SetOnConnectionError(func(connectionID string, err error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if connectionID != "plc-1" {
			t.Errorf("unexpected connection id %s", connectionID)
		}
		if !errors.IsConnectionError(err) {
			t.Errorf("expected connection error, got %v", err)
		}
	})

	if err := s.Start("plc-1", testTags("a", "b", "c"), 100); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	s.StopAll()

	mu.Lock()
	gotCalls := calls
	mu.Unlock()
	if gotCalls == 0 {
		t.Fatal("connection error callback never invoked")
	}

	// Connection failures bypass per-tag throttling.
	st := s.GetStatus("plc-1")
	if st.LastError == "" {
		t.Error("connection lastError not recorded")
	}
	for id, ts := range st.TagStates {
		if ts.ConsecutiveFailures != 0 {
			t.Errorf("tag %s accumulated failures from connection error: %d", id, ts.ConsecutiveFailures)
		}
	}
}

func TestTick_OverlapSkippedNotQueued(t *testing.T) {
	src := tdtest.NewFakeSource()
	src.SetDelay(250 * time.Millisecond)
	s, _, _ := newTestScheduler(src)

	if err := s.Start("plc-1", testTags("a"), 100); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(900 * time.Millisecond)
	s.StopAll()

	st := s.Stats()
	if st.TicksSkipped == 0 {
		t.Error("slow ticks should be skipped, none recorded")
	}
	// With 250ms reads on a 100ms interval, a queued backlog would run
	// ~9 ticks; skipping bounds it near elapsed/readTime.
	if st.TicksRun > 5 {
		t.Errorf("backlog not bounded: %d ticks ran", st.TicksRun)
	}
}

func TestStart_ReplacesPriorLoop(t *testing.T) {
	src := tdtest.NewFakeSource()
	s, _, _ := newTestScheduler(src)

	if err := s.Start("plc-1", testTags("a"), 200); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start("plc-1", testTags("a", "b", "c"), 300); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.StopAll()

	st := s.GetStatus("plc-1")
	if st.IntervalMs != 300 {
		t.Errorf("interval = %d, want 300", st.IntervalMs)
	}
	if st.TagCount != 3 {
		t.Errorf("tagCount = %d, want 3", st.TagCount)
	}
	if got := len(s.Connections()); got != 1 {
		t.Errorf("expected exactly one loop, got %d", got)
	}
}

func TestStop_UnknownConnection(t *testing.T) {
	s, _, _ := newTestScheduler(tdtest.NewFakeSource())
	if err := s.Stop("ghost"); !errors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}
