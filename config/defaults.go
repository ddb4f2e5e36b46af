// Package config provides configuration defaults and utilities
// for the tagdvr application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default HTTP API listen address.
	// Override via config: server.listen
	DefaultListenAddress = "0.0.0.0:9460"

	// DefaultShutdownTimeoutSec is how long to wait for in-flight HTTP
	// requests during shutdown.
	// Override via config: server.shutdown_timeout_sec
	DefaultShutdownTimeoutSec = 10
)

// =============================================================================
// Polling Defaults
// =============================================================================

const (
	// MinPollIntervalMs is the floor for polling intervals. Requested
	// intervals below this are clamped, never rejected.
	MinPollIntervalMs = 100

	// MaxPollIntervalMs is the ceiling for polling intervals. Requested
	// intervals above this are clamped, never rejected.
	MaxPollIntervalMs = 60000

	// DefaultPollIntervalMs is used when a connection specifies no interval.
	// Override via config: polling.interval_ms
	DefaultPollIntervalMs = 500

	// ThrottleAfterFailures is the number of consecutive read failures
	// after which a tag is throttled.
	ThrottleAfterFailures = 5

	// ThrottleMultiplier stretches a throttled tag's poll cadence.
	// A throttled tag polls at interval * ThrottleMultiplier until a
	// successful read resets it.
	ThrottleMultiplier = 4

	// DefaultReadWorkers bounds concurrent tag reads within one tick.
	// Override via config: polling.read_workers
	DefaultReadWorkers = 8

	// DefaultReadTimeoutMs is the timeout for a single tag read.
	// Override via config: polling.read_timeout_ms
	DefaultReadTimeoutMs = 5000
)

// =============================================================================
// DVR Defaults
// =============================================================================

const (
	// DefaultMemoryBudgetBytes caps the total in-memory history across all
	// tags. Sized for roughly 100 tags at a 500ms poll interval.
	// Override via config: dvr.memory_budget_mb
	DefaultMemoryBudgetBytes = 200 * 1024 * 1024

	// SampleSizeEstimate is the per-sample memory estimate used to derive
	// ring buffer capacity from the memory budget. Covers the struct plus
	// amortized string header overhead.
	SampleSizeEstimate = 128

	// MinBufferCapacity is the floor for a per-tag ring buffer, so a very
	// large tag count still leaves a usable history window.
	MinBufferCapacity = 64

	// MaxBufferCapacity caps a per-tag ring buffer regardless of budget.
	MaxBufferCapacity = 1 << 20

	// DefaultSparklineMaxPoints is used when a sparkline query specifies
	// no point limit.
	DefaultSparklineMaxPoints = 100
)

// =============================================================================
// Live Fan-Out Defaults
// =============================================================================

const (
	// DefaultSubscriberBufferSize is the capacity of a per-subscriber event
	// channel. When full, the oldest queued event is dropped so the poll
	// loop never blocks on a slow consumer.
	// Override via config: live.subscriber_buffer_size
	DefaultSubscriberBufferSize = 256
)

// =============================================================================
// Mirror (Persistence) Defaults
// =============================================================================

const (
	// DefaultMirrorBatchSize is the number of samples buffered before a
	// mirror flush.
	// Override via config: mirror.batch_size
	DefaultMirrorBatchSize = 500

	// DefaultMirrorFlushIntervalSec is the max hold time for mirror samples.
	// Override via config: mirror.flush_interval_sec
	DefaultMirrorFlushIntervalSec = 5

	// DefaultRetentionHours is how long mirrored samples are kept on disk.
	// Override via config: mirror.retention_hours
	DefaultRetentionHours = 24

	// DefaultPruneIntervalMin is how often the mirror prunes expired rows.
	// Override via config: mirror.prune_interval_min
	DefaultPruneIntervalMin = 15
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long to wait for an in-flight tick when a
	// connection's poll loop stops.
	DefaultDrainTimeout = 10 * time.Second
)

// BufferCapacity derives the per-tag ring buffer capacity from a global
// memory budget and tag count, clamped to [MinBufferCapacity,
// MaxBufferCapacity]. The sum of all per-tag capacities stays within
// budgetBytes / SampleSizeEstimate.
func BufferCapacity(budgetBytes int64, tagCount int) int {
	if tagCount <= 0 {
		tagCount = 1
	}
	if budgetBytes <= 0 {
		budgetBytes = DefaultMemoryBudgetBytes
	}

	capacity := budgetBytes / SampleSizeEstimate / int64(tagCount)
	if capacity < MinBufferCapacity {
		return MinBufferCapacity
	}
	if capacity > MaxBufferCapacity {
		return MaxBufferCapacity
	}
	return int(capacity)
}

// ClampInterval clamps a polling interval into the supported range.
// Out-of-range intervals are corrected rather than rejected so a
// misconfigured client still polls at a sane cadence.
func ClampInterval(intervalMs int64) int64 {
	if intervalMs < MinPollIntervalMs {
		return MinPollIntervalMs
	}
	if intervalMs > MaxPollIntervalMs {
		return MaxPollIntervalMs
	}
	return intervalMs
}
