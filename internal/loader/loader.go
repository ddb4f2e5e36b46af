// Package loader handles configuration file loading, validation, and
// conversion into the runtime's component configs.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsgrid/tagdvr/internal/errors"
	"github.com/opsgrid/tagdvr/internal/store"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Process includes (load additional connection files)
	baseDir := filepath.Dir(path)
	if err := processIncludes(cfg, baseDir); err != nil {
		return nil, err
	}

	return cfg, nil
}

// processIncludes loads and merges included configuration files.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}

	return nil
}

// loadInclude loads a single include file and merges its connections.
func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	expanded := os.ExpandEnv(string(data))

	var partial Config
	if err := yaml.Unmarshal([]byte(expanded), &partial); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	if cfg.Connections == nil {
		cfg.Connections = make(map[string]*ConnectionConfig)
	}
	for name, conn := range partial.Connections {
		cfg.Connections[name] = conn
	}

	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if cfg.Listen == "" {
		errs.AddField("listen", "cannot be empty")
	}

	if cfg.DVR.MemoryBudget < 0 {
		errs.AddField("dvr.memory_budget", "cannot be negative")
	}

	if cfg.Mirror.Enabled && cfg.Mirror.Path == "" {
		errs.AddField("mirror.path", "cannot be empty when enabled")
	}

	for name, conn := range cfg.Connections {
		if name == "" {
			errs.AddField("connections.name", "cannot be empty")
			continue
		}

		switch conn.Source {
		case "snmp":
			if err := conn.SNMP.Validate(); err != nil {
				errs.AddField(fmt.Sprintf("connections.%s.snmp", name), err.Error())
			}
		case "sim":
		case "":
			errs.AddMissing(fmt.Sprintf("connections.%s.source", name))
		default:
			errs.AddField(fmt.Sprintf("connections.%s.source", name),
				fmt.Sprintf("unknown source %q", conn.Source))
		}

		if conn.IntervalMs < 0 {
			errs.AddField(fmt.Sprintf("connections.%s.interval_ms", name), "cannot be negative")
		}

		if len(conn.Tags) == 0 {
			errs.AddField(fmt.Sprintf("connections.%s.tags", name), "at least one tag is required")
		}
		for id, tc := range conn.Tags {
			if id == "" {
				errs.AddField(fmt.Sprintf("connections.%s.tags.id", name), "cannot be empty")
				continue
			}
			if tc.Address == "" {
				errs.AddMissing(fmt.Sprintf("connections.%s.tags.%s.address", name, id))
			}
		}
	}

	return errs.Err()
}

// =============================================================================
// Conversion: Config → component configs
// =============================================================================

// ToMirrorConfig converts the mirror section to the store's config.
func ToMirrorConfig(cfg *MirrorConfig) store.Config {
	return store.Config{
		Path:           cfg.Path,
		RetentionHours: cfg.RetentionHours,
		QueryTimeout:   30 * time.Second,
	}
}

// ToMirrorWriterConfig converts the mirror section to the writer's config.
func ToMirrorWriterConfig(cfg *MirrorConfig) store.MirrorConfig {
	return store.MirrorConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval.Duration(),
		PruneInterval: cfg.PruneInterval.Duration(),
	}
}
