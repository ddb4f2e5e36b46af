package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsgrid/tagdvr/internal/tag"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "listen: \":9999\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Listen != ":9999" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.DVR.MemoryBudget.Bytes() != 200*1024*1024 {
		t.Errorf("memory budget default = %d", cfg.DVR.MemoryBudget.Bytes())
	}
	if cfg.Polling.ReadWorkers != 8 {
		t.Errorf("read workers default = %d", cfg.Polling.ReadWorkers)
	}
	if cfg.Mirror.FlushInterval.Duration() != 5*time.Second {
		t.Errorf("flush interval default = %v", cfg.Mirror.FlushInterval.Duration())
	}
}

func TestLoad_Full(t *testing.T) {
	const doc = `
listen: "0.0.0.0:9460"
log:
  level: debug
  json: true
dvr:
  memory_budget: 64MB
  sparkline_max_points: 50
polling:
  read_workers: 4
  read_timeout: 2s
mirror:
  enabled: true
  path: /tmp/dvr.db
  retention_hours: 12
connections:
  plant-a:
    source: sim
    interval_ms: 250
    autostart: true
    tags:
      boiler.temp:
        address: "sine:70:5"
        display:
          decimals: 1
          unit: "C"
        thresholds:
          alarm_low: 10
          warning_low: 20
          warning_high: 80
          alarm_high: 90
      boiler.enabled:
        address: "const:1"
        type: boolean
        disabled: true
`
	cfg, err := Load(writeFile(t, t.TempDir(), "config.yaml", doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.DVR.MemoryBudget.Bytes() != 64*1024*1024 {
		t.Errorf("memory budget = %d", cfg.DVR.MemoryBudget.Bytes())
	}
	if cfg.Polling.ReadTimeout.Duration() != 2*time.Second {
		t.Errorf("read timeout = %v", cfg.Polling.ReadTimeout.Duration())
	}

	conn := cfg.Connections["plant-a"]
	if conn == nil {
		t.Fatal("missing connection plant-a")
	}
	if !conn.Autostart || conn.IntervalMs != 250 {
		t.Errorf("connection = %+v", conn)
	}

	tags := conn.TagList()
	if len(tags) != 2 {
		t.Fatalf("got %d tags", len(tags))
	}
	// Sorted by ID.
	if tags[0].ID != "boiler.enabled" || tags[1].ID != "boiler.temp" {
		t.Errorf("tag order = %s, %s", tags[0].ID, tags[1].ID)
	}
	if tags[0].Type != tag.DataTypeBoolean || tags[0].Enabled {
		t.Errorf("boiler.enabled = %+v", tags[0])
	}
	temp := tags[1]
	if !temp.Enabled || temp.Type != tag.DataTypeNumeric {
		t.Errorf("boiler.temp = %+v", temp)
	}
	if temp.Thresholds.AlarmHigh == nil || *temp.Thresholds.AlarmHigh != 90 {
		t.Errorf("thresholds = %+v", temp.Thresholds)
	}
	if cfg.TagCount() != 2 {
		t.Errorf("tag count = %d", cfg.TagCount())
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_COMMUNITY", "public-ro")

	const doc = `
connections:
  switch-1:
    source: snmp
    snmp:
      host: 192.0.2.10
      community: "${TEST_COMMUNITY}"
    tags:
      uptime:
        address: "1.3.6.1.2.1.1.3.0"
`
	cfg, err := Load(writeFile(t, t.TempDir(), "config.yaml", doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Connections["switch-1"].SNMP.Community; got != "public-ro" {
		t.Errorf("community = %q", got)
	}
}

func TestLoad_Includes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "conn-b.yaml", `
connections:
  plant-b:
    source: sim
    tags:
      pump.flow:
        address: "walk:10:1"
`)
	main := writeFile(t, dir, "config.yaml", `
include:
  - "conn-*.yaml"
connections:
  plant-a:
    source: sim
    tags:
      boiler.temp:
        address: "sine:70:5"
`)

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Connections) != 2 {
		t.Fatalf("got %d connections, want 2", len(cfg.Connections))
	}
	if cfg.Connections["plant-b"] == nil {
		t.Error("included connection missing")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "empty listen",
			mutate:  func(c *Config) { c.Listen = "" },
			wantErr: true,
		},
		{
			name: "unknown source",
			mutate: func(c *Config) {
				c.Connections["plant-a"].Source = "modbus"
			},
			wantErr: true,
		},
		{
			name: "missing source",
			mutate: func(c *Config) {
				c.Connections["plant-a"].Source = ""
			},
			wantErr: true,
		},
		{
			name: "no tags",
			mutate: func(c *Config) {
				c.Connections["plant-a"].Tags = nil
			},
			wantErr: true,
		},
		{
			name: "tag without address",
			mutate: func(c *Config) {
				c.Connections["plant-a"].Tags["boiler.temp"].Address = ""
			},
			wantErr: true,
		},
		{
			name: "snmp without host",
			mutate: func(c *Config) {
				c.Connections["plant-a"].Source = "snmp"
			},
			wantErr: true,
		},
		{
			name: "mirror enabled without path",
			mutate: func(c *Config) {
				c.Mirror.Enabled = true
				c.Mirror.Path = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Connections = map[string]*ConnectionConfig{
				"plant-a": {
					Source: "sim",
					Tags: map[string]*TagConfig{
						"boiler.temp": {Address: "sine:70:5"},
					},
				},
			}
			tt.mutate(cfg)

			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"100MB", 100 * 1024 * 1024},
		{"200MB", 200 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
		{"2TB", 2 * 1024 * 1024 * 1024 * 1024},
		{"500KB", 500 * 1024},
		{"512B", 512},
		{"64mb", 64 * 1024 * 1024},
		{" 16 MB ", 16 * 1024 * 1024},
		{"1024", 1024},
		{"", 0},
	}
	for _, tt := range tests {
		got, err := parseByteSize(tt.in)
		if err != nil {
			t.Errorf("parseByteSize(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseByteSize_Deterministic(t *testing.T) {
	// Multi-letter suffixes share a trailing "B"; matching must pick the
	// longest suffix every time, not whichever the unit table yields first.
	for i := 0; i < 200; i++ {
		got, err := parseByteSize("200MB")
		if err != nil {
			t.Fatalf("iteration %d: parseByteSize(\"200MB\"): %v", i, err)
		}
		if want := int64(200 * 1024 * 1024); got != want {
			t.Fatalf("iteration %d: parseByteSize(\"200MB\") = %d, want %d", i, got, want)
		}
	}
}
