// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SamplesIngested counts values appended to the DVR buffers.
	// Labels: connection
	SamplesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagdvr",
		Subsystem: "dvr",
		Name:      "samples_ingested_total",
		Help:      "Total samples appended to ring buffers",
	}, []string{"connection"})

	// PollTicks counts scheduler ticks by outcome.
	// Labels: connection, outcome (run, skipped)
	PollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagdvr",
		Subsystem: "poll",
		Name:      "ticks_total",
		Help:      "Total poll ticks by outcome",
	}, []string{"connection", "outcome"})

	// ReadFailures counts failed tag reads.
	// Labels: connection, kind (read, timeout, connection)
	ReadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagdvr",
		Subsystem: "poll",
		Name:      "read_failures_total",
		Help:      "Total failed tag reads by kind",
	}, []string{"connection", "kind"})

	// ReadDuration measures the wall time of individual tag reads.
	// Labels: connection
	ReadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tagdvr",
		Subsystem: "poll",
		Name:      "read_duration_seconds",
		Help:      "Tag read latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"connection"})

	// ThrottledTags tracks how many tags are currently throttled.
	// Labels: connection
	ThrottledTags = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tagdvr",
		Subsystem: "poll",
		Name:      "throttled_tags",
		Help:      "Tags currently in throttled cadence",
	}, []string{"connection"})

	// BufferUsage tracks ring buffer fill ratio per tag.
	// Labels: tag
	BufferUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tagdvr",
		Subsystem: "dvr",
		Name:      "buffer_usage_ratio",
		Help:      "Ring buffer fill ratio (0..1)",
	}, []string{"tag"})

	// BufferEvictions counts oldest-sample evictions from full buffers.
	BufferEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagdvr",
		Subsystem: "dvr",
		Name:      "buffer_evictions_total",
		Help:      "Total samples evicted from full ring buffers",
	})

	// Subscribers tracks live bus subscriber count.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tagdvr",
		Subsystem: "live",
		Name:      "subscribers",
		Help:      "Active live event subscribers",
	})

	// EventsDropped counts events shed by slow subscribers.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagdvr",
		Subsystem: "live",
		Name:      "events_dropped_total",
		Help:      "Total events dropped for slow subscribers",
	})

	// MirrorFlushes counts mirror batch flushes by status.
	// Labels: status (ok, error)
	MirrorFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagdvr",
		Subsystem: "mirror",
		Name:      "flushes_total",
		Help:      "Total mirror batch flushes by status",
	}, []string{"status"})

	// QueryDuration measures DVR query handler latency.
	// Labels: operation (range, seek, sparkline, export)
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tagdvr",
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "DVR query latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}, []string{"operation"})
)
