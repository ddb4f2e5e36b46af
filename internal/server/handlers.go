package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsgrid/tagdvr/config"
	"github.com/opsgrid/tagdvr/internal/alarm"
	"github.com/opsgrid/tagdvr/internal/archive"
	"github.com/opsgrid/tagdvr/internal/errors"
	"github.com/opsgrid/tagdvr/internal/metrics"
	"github.com/opsgrid/tagdvr/internal/scheduler"
	"github.com/opsgrid/tagdvr/internal/tag"
)

// respondError maps the error taxonomy onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsValidation(err):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// =============================================================================
// Health
// =============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	st := s.engine.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"mode":        st.Mode,
		"tagCount":    st.TagCount,
		"totalPoints": st.TotalPoints,
	})
}

// =============================================================================
// Connections and polling control
// =============================================================================

type connectionSummary struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	IntervalMs  int64  `json:"intervalMs"`
	TagCount    int    `json:"tagCount"`
	IsPolling   bool   `json:"isPolling"`
}

func (s *Server) handleListConnections(c *gin.Context) {
	out := make([]connectionSummary, 0)
	for _, id := range s.registry.Connections() {
		conn, _ := s.registry.Connection(id)
		st := s.sched.GetStatus(id)
		out = append(out, connectionSummary{
			ID:          id,
			Description: conn.Description,
			IntervalMs:  conn.IntervalMs,
			TagCount:    len(conn.Tags),
			IsPolling:   st.IsPolling,
		})
	}
	c.JSON(http.StatusOK, gin.H{"connections": out})
}

func (s *Server) handlePollingOverview(c *gin.Context) {
	out := make([]scheduler.Status, 0)
	for _, id := range s.registry.Connections() {
		out = append(out, s.sched.GetStatus(id))
	}
	c.JSON(http.StatusOK, gin.H{"polling": out})
}

type startRequest struct {
	IntervalMs int64 `json:"intervalMs"`
}

func (s *Server) handleStartPolling(c *gin.Context) {
	connID := c.Param("connectionId")
	conn, ok := s.registry.Connection(connID)
	if !ok {
		respondError(c, errors.NewNotFound("connection", connID))
		return
	}

	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, errors.NewValidation("body", err.Error()))
			return
		}
	}

	intervalMs := req.IntervalMs
	if intervalMs == 0 {
		intervalMs = conn.IntervalMs
	}
	if intervalMs == 0 {
		intervalMs = config.DefaultPollIntervalMs
	}

	if err := s.sched.Start(connID, conn.Tags, intervalMs); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.sched.GetStatus(connID))
}

func (s *Server) handleStopPolling(c *gin.Context) {
	connID := c.Param("connectionId")
	if err := s.sched.Stop(connID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.sched.GetStatus(connID))
}

func (s *Server) handlePollingStatus(c *gin.Context) {
	connID := c.Param("connectionId")
	if _, ok := s.registry.Connection(connID); !ok {
		respondError(c, errors.NewNotFound("connection", connID))
		return
	}
	c.JSON(http.StatusOK, s.sched.GetStatus(connID))
}

func (s *Server) handleClearTagState(c *gin.Context) {
	connID := c.Param("connectionId")
	if _, ok := s.registry.Connection(connID); !ok {
		respondError(c, errors.NewNotFound("connection", connID))
		return
	}

	if tagID := c.Query("tagId"); tagID != "" {
		s.sched.ClearTagState(connID, tagID)
	} else {
		s.sched.ClearAllTagStates(connID)
	}
	c.JSON(http.StatusOK, s.sched.GetStatus(connID))
}

// =============================================================================
// DVR queries
// =============================================================================

func (s *Server) handleRange(c *gin.Context) {
	defer observeQuery("range", time.Now())
	c.JSON(http.StatusOK, s.engine.Range())
}

func (s *Server) handleMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"mode":              s.engine.Mode().String(),
		"playbackTimestamp": s.engine.PlaybackMs(),
	})
}

type seekRequest struct {
	Timestamp int64    `json:"timestamp"`
	TagIDs    []string `json:"tagIds"`
}

func (s *Server) handleSeek(c *gin.Context) {
	defer observeQuery("seek", time.Now())

	var req seekRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.NewValidation("body", err.Error()))
		return
	}
	if req.Timestamp <= 0 {
		respondError(c, errors.NewValidation("timestamp", "must be positive"))
		return
	}

	c.JSON(http.StatusOK, s.engine.Seek(req.Timestamp, req.TagIDs))
}

func (s *Server) handleGoLive(c *gin.Context) {
	s.engine.GoLive()
	c.JSON(http.StatusOK, gin.H{"mode": s.engine.Mode().String()})
}

// parseWindow reads start/end query params, defaulting to the engine's
// full queryable range.
func (s *Server) parseWindow(c *gin.Context) (startMs, endMs int64, err error) {
	info := s.engine.Range()
	startMs, endMs = info.StartMs, info.EndMs

	if v := c.Query("start"); v != "" {
		startMs, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, 0, errors.NewValidation("start", "must be a millisecond timestamp")
		}
	}
	if v := c.Query("end"); v != "" {
		endMs, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, 0, errors.NewValidation("end", "must be a millisecond timestamp")
		}
	}
	if endMs < startMs {
		return 0, 0, errors.Wrapf(errors.ErrInvalidRange, "start %d after end %d", startMs, endMs)
	}
	return startMs, endMs, nil
}

type sparklineResponse struct {
	TagID      string    `json:"tagId"`
	StartMs    int64     `json:"startTimestamp"`
	EndMs      int64     `json:"endTimestamp"`
	Timestamps []int64   `json:"timestamps"`
	Values     []float64 `json:"values"`
}

func (s *Server) handleSparkline(c *gin.Context) {
	defer observeQuery("sparkline", time.Now())

	tagID := c.Param("tagId")
	startMs, endMs, err := s.parseWindow(c)
	if err != nil {
		respondError(c, err)
		return
	}

	maxPoints := s.opts.SparklineMaxPoints
	if v := c.Query("maxPoints"); v != "" {
		maxPoints, err = strconv.Atoi(v)
		if err != nil || maxPoints <= 0 {
			respondError(c, errors.NewValidation("maxPoints", "must be a positive integer"))
			return
		}
	}

	key := fmt.Sprintf("%s:%d:%d:%d", tagID, startMs, endMs, maxPoints)
	out, _, _ := s.sparkGroup.Do(key, func() (interface{}, error) {
		series := s.engine.Sparkline(tagID, startMs, endMs, maxPoints)
		return sparklineResponse{
			TagID:      tagID,
			StartMs:    startMs,
			EndMs:      endMs,
			Timestamps: series.Timestamps,
			Values:     series.Values,
		}, nil
	})
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSparklineStats(c *gin.Context) {
	defer observeQuery("sparkline", time.Now())

	tagID := c.Param("tagId")
	startMs, endMs, err := s.parseWindow(c)
	if err != nil {
		respondError(c, err)
		return
	}

	buckets := 10
	if v := c.Query("buckets"); v != "" {
		buckets, err = strconv.Atoi(v)
		if err != nil || buckets <= 0 {
			respondError(c, errors.NewValidation("buckets", "must be a positive integer"))
			return
		}
	}
	withPercentiles := c.Query("percentiles") == "true"

	c.JSON(http.StatusOK, gin.H{
		"tagId":   tagID,
		"buckets": s.engine.SparklineStats(tagID, startMs, endMs, buckets, withPercentiles),
	})
}

// =============================================================================
// Export
// =============================================================================

func (s *Server) handleExport(c *gin.Context) {
	defer observeQuery("export", time.Now())

	startMs, endMs, err := s.parseWindow(c)
	if err != nil {
		respondError(c, err)
		return
	}

	tagIDs := s.engine.TagIDs()
	if v := c.Query("tags"); v != "" {
		tagIDs = strings.Split(v, ",")
	}

	filename := fmt.Sprintf("tagdvr-%d-%d.parquet", startMs, endMs)
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)

	opts := archive.DefaultOptions()
	opts.Compression = archive.ParseCompressionType(s.opts.ArchiveCompression)

	w := archive.NewWriter(c.Writer, opts)
	for _, tagID := range tagIDs {
		if err := w.Write(s.engine.History(tagID, startMs, endMs)); err != nil {
			log.Error("export write failed", "tag", tagID, "error", err)
			return
		}
	}
	if err := w.Close(); err != nil {
		log.Error("export close failed", "error", err)
	}
}

// =============================================================================
// Tags
// =============================================================================

func (s *Server) handleListTags(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tags": s.registry.Tags()})
}

func (s *Server) handleLatest(c *gin.Context) {
	tagID := c.Param("tagId")
	v, ok := s.engine.Latest(tagID)
	if !ok {
		respondError(c, errors.NewNotFound("tag", tagID))
		return
	}
	c.JSON(http.StatusOK, v)
}

type projectionResponse struct {
	TagID  string     `json:"tagId"`
	State  string     `json:"alarmState"`
	Trend  string     `json:"trend"`
	Latest *tag.Value `json:"latest,omitempty"`
}

func (s *Server) handleProjection(c *gin.Context) {
	tagID := c.Param("tagId")
	def, ok := s.registry.Tag(tagID)
	if !ok {
		respondError(c, errors.NewNotFound("tag", tagID))
		return
	}

	recent := s.engine.Recent(tagID, alarm.TrendWindow)
	proj := alarm.Project(def.Thresholds, recent)

	resp := projectionResponse{
		TagID: tagID,
		State: proj.State.String(),
		Trend: proj.Trend.String(),
	}
	if v, ok := s.engine.Latest(tagID); ok {
		resp.Latest = &v
	}
	c.JSON(http.StatusOK, resp)
}

func observeQuery(op string, start time.Time) {
	metrics.QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
