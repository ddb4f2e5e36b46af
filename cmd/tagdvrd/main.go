// tagdvrd is the tag polling and DVR daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsgrid/tagdvr/internal/dvr"
	"github.com/opsgrid/tagdvr/internal/live"
	"github.com/opsgrid/tagdvr/internal/loader"
	"github.com/opsgrid/tagdvr/internal/logging"
	"github.com/opsgrid/tagdvr/internal/metrics"
	"github.com/opsgrid/tagdvr/internal/scheduler"
	"github.com/opsgrid/tagdvr/internal/server"
	"github.com/opsgrid/tagdvr/internal/source"
	"github.com/opsgrid/tagdvr/internal/store"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dbPath := flag.String("db", "", "mirror database path (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	jsonLog := flag.Bool("json-log", false, "JSON log output")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tagdvrd %s\n", Version)
		return
	}

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "no config file at %s, using defaults\n", *cfgPath)
			cfg = loader.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Mirror.Path = *dbPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *jsonLog {
		cfg.Log.JSON = true
	}

	if err := loader.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	log := logging.Component("main")
	log.Info("tagdvrd starting", "version", Version, "connections", len(cfg.Connections))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =========================================================================
	// DVR engine
	// =========================================================================

	engine := dvr.New(dvr.Options{
		MemoryBudgetBytes: cfg.DVR.MemoryBudget.Bytes(),
		ExpectedTags:      cfg.TagCount(),
	})

	// =========================================================================
	// Value sources and registry
	// =========================================================================

	sources := scheduler.SourceMap{}
	conns := make([]server.Connection, 0, len(cfg.Connections))
	for id, cc := range cfg.Connections {
		var src scheduler.ValueSource
		switch cc.Source {
		case "snmp":
			src, err = source.NewSNMPSource(cc.SNMP)
			if err != nil {
				log.Error("configure snmp source", "connection", id, "error", err)
				os.Exit(1)
			}
		case "sim":
			src = source.NewSimSource()
		}
		sources[id] = src

		tags := cc.TagList()
		conns = append(conns, server.Connection{
			ID:          id,
			Description: cc.Description,
			IntervalMs:  cc.IntervalMs,
			Tags:        tags,
		})
		ids := make([]string, len(tags))
		for i, t := range tags {
			ids[i] = t.ID
		}
		engine.RegisterTags(ids)
	}
	registry := server.NewRegistry(conns)

	// =========================================================================
	// Live fan-out and scheduler
	// =========================================================================

	bus := live.NewBus(cfg.Live.SubscriberBuffer)

	sched := scheduler.New(&scheduler.Config{
		ReadWorkers:  cfg.Polling.ReadWorkers,
		ReadTimeout:  cfg.Polling.ReadTimeout.Duration(),
		DrainTimeout: cfg.Polling.DrainTimeout.Duration(),
	}, sources, engine, bus)

	// =========================================================================
	// Persistence mirror (optional)
	// =========================================================================

	var mirrorStore *store.Store
	if cfg.Mirror.Enabled {
		mirrorStore, err = store.Open(loader.ToMirrorConfig(&cfg.Mirror))
		if err != nil {
			log.Error("open mirror", "error", err)
			os.Exit(1)
		}

		// Replay mirrored history so restarts keep the DVR scrubbable.
		sinceMs := time.Now().Add(-time.Duration(cfg.Mirror.RetentionHours) * time.Hour).UnixMilli()
		restored, err := mirrorStore.RestoreRecent(ctx, sinceMs)
		if err != nil {
			log.Warn("mirror restore failed", "error", err)
		} else if len(restored) > 0 {
			engine.AppendBatch(restored)
			log.Info("history restored", "samples", len(restored))
		}

		mirror := store.NewMirror(mirrorStore, bus.Subscribe(), loader.ToMirrorWriterConfig(&cfg.Mirror))
		go mirror.Run(ctx)
	}

	// Periodic buffer usage gauge refresh.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for id, st := range engine.TagStats() {
					metrics.BufferUsage.WithLabelValues(id).Set(st.UsageRatio)
				}
			}
		}
	}()

	// =========================================================================
	// Autostart connections
	// =========================================================================

	for id, cc := range cfg.Connections {
		if !cc.Autostart {
			continue
		}
		if err := sched.Start(id, cc.TagList(), cc.IntervalMs); err != nil {
			log.Error("autostart failed", "connection", id, "error", err)
		}
	}

	// =========================================================================
	// HTTP server, signals, shutdown
	// =========================================================================

	srv := server.New(server.Options{
		Listen:             cfg.Listen,
		SparklineMaxPoints: cfg.DVR.SparklineMaxPoints,
		ArchiveCompression: cfg.Archive.Compression,
		AuthToken:          cfg.Auth.Token,
	}, registry, engine, sched, bus, mirrorStore)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Info("shutting down", "signal", s.String())
		cancel()
	}()

	err = srv.Run(ctx)

	// Stop poll loops first so nothing publishes into a closing bus.
	sched.StopAll()
	bus.Close()
	if mirrorStore != nil {
		mirrorStore.Close()
	}

	if err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
