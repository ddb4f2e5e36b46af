// Package loader - Configuration Types
//
// Defines the YAML configuration structure for tagdvrd.
package loader

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opsgrid/tagdvr/config"
	"github.com/opsgrid/tagdvr/internal/source"
	"github.com/opsgrid/tagdvr/internal/tag"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for tagdvrd.
type Config struct {
	// Listen is the HTTP server listen address.
	// Format: "host:port" or ":port"
	// Default: "0.0.0.0:9460"
	Listen string `yaml:"listen"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// Auth configures API authentication.
	Auth AuthConfig `yaml:"auth"`

	// DVR configures the in-memory time-series engine.
	DVR DVRConfig `yaml:"dvr"`

	// Live configures push fan-out to subscribers.
	Live LiveConfig `yaml:"live"`

	// Polling configures the scheduler's worker pool and timeouts.
	Polling PollingConfig `yaml:"polling"`

	// Mirror configures the optional on-disk persistence mirror (DuckDB).
	Mirror MirrorConfig `yaml:"mirror"`

	// Archive configures Parquet range exports.
	Archive ArchiveConfig `yaml:"archive"`

	// Connections defines the data sources and their tag sets.
	Connections map[string]*ConnectionConfig `yaml:"connections"`

	// Include lists additional config files to load.
	// Supports glob patterns. Relative to this file's directory.
	Include []string `yaml:"include"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// Token is the bearer token required on the API and WebSocket feed.
	// Empty disables authentication.
	// Use environment variables: "${TAGDVR_TOKEN}"
	Token string `yaml:"token"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of: debug, info, warn, error. Default: info
	Level string `yaml:"level"`

	// JSON switches output from text to JSON format. Default: false
	JSON bool `yaml:"json"`
}

// DVRConfig configures the time-series engine.
type DVRConfig struct {
	// MemoryBudget caps in-memory history across all tags.
	// Supports: "200MB", "1GB", or plain bytes. Default: 200MB
	MemoryBudget ByteSize `yaml:"memory_budget"`

	// SparklineMaxPoints is the default downsample width.
	// Default: 100
	SparklineMaxPoints int `yaml:"sparkline_max_points"`
}

// LiveConfig configures subscriber fan-out.
type LiveConfig struct {
	// SubscriberBuffer is the per-subscriber event queue depth. A slow
	// subscriber sheds its oldest events beyond this. Default: 256
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// PollingConfig configures the scheduler.
type PollingConfig struct {
	// ReadWorkers bounds concurrent tag reads within one tick.
	// Default: 8
	ReadWorkers int `yaml:"read_workers"`

	// ReadTimeout is the deadline for a single tag read.
	// Default: 5s
	ReadTimeout Duration `yaml:"read_timeout"`

	// DrainTimeout is how long Stop waits for an in-flight tick.
	// Default: 10s
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// MirrorConfig configures the persistence mirror.
type MirrorConfig struct {
	// Enabled enables mirroring. If false, history lives only in memory.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Path is the database file path. Default: "tagdvr.db"
	Path string `yaml:"path"`

	// RetentionHours is how long mirrored samples are kept. Default: 24
	RetentionHours int `yaml:"retention_hours"`

	// BatchSize flushes when this many samples are buffered. Default: 500
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the max hold time for buffered samples. Default: 5s
	FlushInterval Duration `yaml:"flush_interval"`

	// PruneInterval is how often expired rows are deleted. Default: 15m
	PruneInterval Duration `yaml:"prune_interval"`
}

// ArchiveConfig configures Parquet exports.
type ArchiveConfig struct {
	// Compression is one of: zstd, snappy, lz4, gzip, none.
	// Default: zstd
	Compression string `yaml:"compression"`
}

// =============================================================================
// Connection Configuration
// =============================================================================

// ConnectionConfig defines one data source and its tag set.
type ConnectionConfig struct {
	Description string `yaml:"description"`

	// Source selects the protocol driver: "snmp" or "sim".
	Source string `yaml:"source"`

	// IntervalMs is the poll cadence in milliseconds. Values outside
	// [100, 60000] are clamped at start. Default: 500
	IntervalMs int64 `yaml:"interval_ms"`

	// Autostart starts polling this connection at daemon boot.
	Autostart bool `yaml:"autostart"`

	// SNMP holds the agent settings when Source is "snmp".
	SNMP source.SNMPConfig `yaml:"snmp"`

	// Tags maps tag ID to its definition.
	Tags map[string]*TagConfig `yaml:"tags"`
}

// TagConfig defines one tag within a connection.
type TagConfig struct {
	// Address is the protocol address (OID for snmp, waveform for sim).
	Address string `yaml:"address"`

	// Type is one of: numeric, boolean, string. Default: numeric
	Type string `yaml:"type"`

	Display    tag.Format     `yaml:"display"`
	Thresholds tag.Thresholds `yaml:"thresholds"`

	// Disabled excludes the tag from polling while keeping its history
	// queryable.
	Disabled bool `yaml:"disabled"`
}

// TagList converts the connection's tag map into the scheduler's tag set,
// sorted by ID for deterministic iteration.
func (c *ConnectionConfig) TagList() []tag.Tag {
	ids := make([]string, 0, len(c.Tags))
	for id := range c.Tags {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tags := make([]tag.Tag, 0, len(ids))
	for _, id := range ids {
		tc := c.Tags[id]
		tags = append(tags, tag.Tag{
			ID:         id,
			Address:    tc.Address,
			Type:       tag.ParseDataType(tc.Type),
			Display:    tc.Display,
			Thresholds: tc.Thresholds,
			Enabled:    !tc.Disabled,
		})
	}
	return tags
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: config.DefaultListenAddress,

		Log: LogConfig{
			Level: "info",
		},

		DVR: DVRConfig{
			MemoryBudget:       ByteSize(config.DefaultMemoryBudgetBytes),
			SparklineMaxPoints: config.DefaultSparklineMaxPoints,
		},

		Live: LiveConfig{
			SubscriberBuffer: config.DefaultSubscriberBufferSize,
		},

		Polling: PollingConfig{
			ReadWorkers:  config.DefaultReadWorkers,
			ReadTimeout:  Duration(config.DefaultReadTimeoutMs * time.Millisecond),
			DrainTimeout: Duration(config.DefaultDrainTimeout),
		},

		Mirror: MirrorConfig{
			Path:           "tagdvr.db",
			RetentionHours: config.DefaultRetentionHours,
			BatchSize:      config.DefaultMirrorBatchSize,
			FlushInterval:  Duration(config.DefaultMirrorFlushIntervalSec * time.Second),
			PruneInterval:  Duration(config.DefaultPruneIntervalMin * time.Minute),
		},

		Archive: ArchiveConfig{
			Compression: "zstd",
		},
	}
}

// TagCount returns the total number of tags across all connections.
func (c *Config) TagCount() int {
	n := 0
	for _, conn := range c.Connections {
		n += len(conn.Tags)
	}
	return n
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int (seconds)
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "100MB", "1GB", "500KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int64
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// parseByteSize parses a size string like "100MB" or "1GB".
func parseByteSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	s = strings.TrimSpace(s)
	s = strings.ToUpper(s)

	// Longest suffix first: "MB" must match before "B" strips it.
	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSuffix(s, u.suffix)
			numStr = strings.TrimSpace(numStr)
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.multiplier, nil
		}
	}

	// Try as plain number
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
