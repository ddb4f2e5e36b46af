package dvr

import (
	"testing"

	"github.com/opsgrid/tagdvr/internal/tag"
)

func newTestEngine() *Engine {
	return New(Options{
		MemoryBudgetBytes: 1 << 20,
		ExpectedTags:      4,
	})
}

func appendSeries(e *Engine, tagID string, startTs int64, stepMs int64, vals ...float64) {
	for i, v := range vals {
		e.Append(tag.Value{
			TagID:       tagID,
			TimestampMs: startTs + int64(i)*stepMs,
			Quality:     tag.QualityGood,
			Numeric:     v,
		})
	}
}

func TestEngine_ModeTransitions(t *testing.T) {
	e := newTestEngine()

	if e.Mode() != ModeLive {
		t.Errorf("engine should start live, got %s", e.Mode())
	}

	e.Seek(5000, nil)
	if e.Mode() != ModeHistorical {
		t.Errorf("seek should enter historical mode, got %s", e.Mode())
	}
	if e.PlaybackMs() != 5000 {
		t.Errorf("playback time should be the seek target, got %d", e.PlaybackMs())
	}

	e.GoLive()
	if e.Mode() != ModeLive {
		t.Errorf("goLive should return to live mode, got %s", e.Mode())
	}
	if e.PlaybackMs() < 5000 {
		t.Error("live playback time should be current time")
	}
}

func TestEngine_SeekSnapshot(t *testing.T) {
	e := newTestEngine()
	appendSeries(e, "temp-01", 1000, 1000, 10, 11, 12) // ts 1000..3000
	appendSeries(e, "flow-02", 2500, 1000, 50, 51)     // ts 2500..3500

	snap := e.Seek(2600, nil)

	if snap.TimestampMs != 2600 {
		t.Errorf("snapshot timestamp = %d, want 2600", snap.TimestampMs)
	}
	if len(snap.Values) != 2 {
		t.Fatalf("expected 2 tags in snapshot, got %d", len(snap.Values))
	}

	v := snap.Values["temp-01"]
	if v == nil || v.TimestampMs != 2000 || v.Numeric != 11 {
		t.Errorf("temp-01 as-of 2600 should be (2000, 11), got %+v", v)
	}
	v = snap.Values["flow-02"]
	if v == nil || v.TimestampMs != 2500 || v.Numeric != 50 {
		t.Errorf("flow-02 as-of 2600 should be (2500, 50), got %+v", v)
	}

	// No value may postdate the seek target.
	for id, v := range snap.Values {
		if v != nil && v.TimestampMs > 2600 {
			t.Errorf("%s: snapshot value postdates seek target: %d", id, v.TimestampMs)
		}
	}
}

func TestEngine_SeekGapAndUnknownTag(t *testing.T) {
	e := newTestEngine()
	appendSeries(e, "temp-01", 5000, 1000, 10)

	snap := e.Seek(1000, []string{"temp-01", "ghost-99"})

	if v, ok := snap.Values["temp-01"]; !ok || v != nil {
		t.Errorf("tag with no data before seek target should map to nil, got %+v", v)
	}
	if v, ok := snap.Values["ghost-99"]; !ok || v != nil {
		t.Errorf("unknown tag should map to nil without failing the batch, got %+v", v)
	}
}

func TestEngine_SeekSubset(t *testing.T) {
	e := newTestEngine()
	appendSeries(e, "temp-01", 1000, 1000, 10)
	appendSeries(e, "flow-02", 1000, 1000, 20)

	snap := e.Seek(2000, []string{"flow-02"})
	if len(snap.Values) != 1 {
		t.Fatalf("expected 1 tag, got %d", len(snap.Values))
	}
	if _, ok := snap.Values["flow-02"]; !ok {
		t.Error("requested tag missing from snapshot")
	}
}

func TestEngine_RangeUnion(t *testing.T) {
	e := newTestEngine()

	if r := e.Range(); r.Count != 0 {
		t.Errorf("empty engine range should be zero, got %+v", r)
	}

	appendSeries(e, "temp-01", 1000, 1000, 1, 2, 3)  // 1000..3000
	appendSeries(e, "flow-02", 500, 1000, 1, 2)      // 500..1500
	appendSeries(e, "lvl-03", 8000, 1000, 1, 2, 3, 4) // 8000..11000

	r := e.Range()
	if r.StartMs != 500 {
		t.Errorf("union start = %d, want 500", r.StartMs)
	}
	if r.EndMs != 11000 {
		t.Errorf("union end = %d, want 11000", r.EndMs)
	}
	if r.Count != 9 {
		t.Errorf("total count = %d, want 9", r.Count)
	}
}

func TestEngine_Sparkline(t *testing.T) {
	e := newTestEngine()
	appendSeries(e, "temp-01", 0, 100, make([]float64, 500)...)

	s := e.Sparkline("temp-01", 0, 50000, 50)
	if len(s.Timestamps) > 50 {
		t.Errorf("expected <=50 points, got %d", len(s.Timestamps))
	}
	if s.Empty() {
		t.Error("expected non-empty sparkline")
	}

	// Unknown tag degrades to an empty series.
	if s := e.Sparkline("ghost-99", 0, 50000, 50); !s.Empty() {
		t.Error("unknown tag should yield empty series")
	}
}

func TestEngine_SparklineStats(t *testing.T) {
	e := newTestEngine()
	appendSeries(e, "temp-01", 0, 100, 1, 2, 3, 4, 5, 6, 7, 8)

	buckets := e.SparklineStats("temp-01", 0, 799, 2, false)
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	if buckets[0].Min != 1 || buckets[0].Max != 4 {
		t.Errorf("bucket 0 min/max = %f/%f, want 1/4", buckets[0].Min, buckets[0].Max)
	}
	if buckets[1].Min != 5 || buckets[1].Max != 8 {
		t.Errorf("bucket 1 min/max = %f/%f, want 5/8", buckets[1].Min, buckets[1].Max)
	}

	if got := e.SparklineStats("ghost-99", 0, 799, 2, false); got != nil {
		t.Error("unknown tag should yield nil buckets")
	}
}

func TestEngine_LatestAndRecent(t *testing.T) {
	e := newTestEngine()
	appendSeries(e, "temp-01", 1000, 1000, 10, 20, 30)

	v, ok := e.Latest("temp-01")
	if !ok || v.Numeric != 30 {
		t.Errorf("Latest = %+v ok=%v, want value 30", v, ok)
	}

	recent := e.Recent("temp-01", 2)
	if len(recent) != 2 || recent[0].Numeric != 20 || recent[1].Numeric != 30 {
		t.Errorf("Recent(2) = %+v, want [20 30]", recent)
	}

	if _, ok := e.Latest("ghost-99"); ok {
		t.Error("Latest on unknown tag should report false")
	}
}

func TestEngine_QueriesIndependentOfMode(t *testing.T) {
	e := newTestEngine()
	appendSeries(e, "temp-01", 1000, 1000, 10, 20)

	e.Seek(1500, nil)

	// Appends continue in historical mode; queries see stored data.
	appendSeries(e, "temp-01", 3000, 1000, 30)

	r := e.Range()
	if r.EndMs != 3000 || r.Count != 3 {
		t.Errorf("range should reflect appends during historical mode, got %+v", r)
	}
}

func TestEngine_StatsAndRegister(t *testing.T) {
	e := newTestEngine()
	e.RegisterTags([]string{"a", "b", "c"})

	st := e.Stats()
	if st.TagCount != 3 {
		t.Errorf("expected 3 tags, got %d", st.TagCount)
	}
	if st.TotalPoints != 0 {
		t.Errorf("expected 0 points, got %d", st.TotalPoints)
	}

	ids := e.TagIDs()
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("TagIDs = %v, want [a b c]", ids)
	}
}
