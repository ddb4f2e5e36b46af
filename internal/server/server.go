// Package server exposes the HTTP API: polling control, DVR queries,
// Parquet export, a WebSocket push feed and Prometheus metrics.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/opsgrid/tagdvr/config"
	"github.com/opsgrid/tagdvr/internal/dvr"
	"github.com/opsgrid/tagdvr/internal/live"
	"github.com/opsgrid/tagdvr/internal/logging"
	"github.com/opsgrid/tagdvr/internal/scheduler"
	"github.com/opsgrid/tagdvr/internal/store"
)

var log = logging.Component("server")

// Options configures the server.
type Options struct {
	// Listen is the HTTP listen address.
	Listen string

	// SparklineMaxPoints is the default downsample width.
	SparklineMaxPoints int

	// ArchiveCompression selects the Parquet export codec.
	ArchiveCompression string

	// AuthToken, when set, requires a matching bearer token on the API
	// and the WebSocket feed.
	AuthToken string
}

// Server wires the HTTP surface to the runtime components. The mirror is
// optional; all other collaborators are required.
type Server struct {
	opts     Options
	registry *Registry
	engine   *dvr.Engine
	sched    *scheduler.Scheduler
	bus      *live.Bus
	mirror   *store.Store

	// sparkGroup dedups identical concurrent sparkline queries, which
	// dashboards tend to issue in bursts on refresh.
	sparkGroup singleflight.Group

	httpSrv *http.Server
}

// New creates a server over the given components. mirror may be nil.
func New(opts Options, registry *Registry, engine *dvr.Engine, sched *scheduler.Scheduler, bus *live.Bus, mirror *store.Store) *Server {
	if opts.Listen == "" {
		opts.Listen = config.DefaultListenAddress
	}
	if opts.SparklineMaxPoints <= 0 {
		opts.SparklineMaxPoints = config.DefaultSparklineMaxPoints
	}

	return &Server{
		opts:     opts,
		registry: registry,
		engine:   engine,
		sched:    sched,
		bus:      bus,
		mirror:   mirror,
	}
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", s.requireAuth, s.handleWebSocket)

	api := r.Group("/api/v1")
	api.Use(s.requireAuth)
	{
		api.GET("/connections", s.handleListConnections)

		polling := api.Group("/polling")
		{
			polling.GET("", s.handlePollingOverview)
			polling.POST("/:connectionId/start", s.handleStartPolling)
			polling.POST("/:connectionId/stop", s.handleStopPolling)
			polling.GET("/:connectionId/status", s.handlePollingStatus)
			polling.POST("/:connectionId/clear", s.handleClearTagState)
		}

		dvrGroup := api.Group("/dvr")
		{
			dvrGroup.GET("/range", s.handleRange)
			dvrGroup.GET("/mode", s.handleMode)
			dvrGroup.POST("/seek", s.handleSeek)
			dvrGroup.POST("/live", s.handleGoLive)
			dvrGroup.GET("/sparkline/:tagId", s.handleSparkline)
			dvrGroup.GET("/sparkline/:tagId/stats", s.handleSparklineStats)
			dvrGroup.GET("/export", s.handleExport)
		}

		tags := api.Group("/tags")
		{
			tags.GET("", s.handleListTags)
			tags.GET("/:tagId/latest", s.handleLatest)
			tags.GET("/:tagId/projection", s.handleProjection)
		}
	}

	return r
}

// requireAuth enforces the bearer token when one is configured.
// Comparison is constant-time so the token cannot be probed byte-wise.
func (s *Server) requireAuth(c *gin.Context) {
	if s.opts.AuthToken == "" {
		return
	}

	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AuthToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
	}
}

// Run serves HTTP until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", s.opts.Listen)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		config.DefaultShutdownTimeoutSec*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}
