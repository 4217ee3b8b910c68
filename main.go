// Package main provides the BioLink gateway daemon that supervises a wearable
// biosignal sensor: device discovery and connection, live signal streaming,
// recording sessions with local/S3 persistence, and a web dashboard.
//
// Usage:
//
//	biolink-gateway [-config path/to/config.json]
//
// If -config is not specified, the gateway looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/halcyonbio/biolink-gateway/internal/capture"
	"github.com/halcyonbio/biolink-gateway/internal/config"
	"github.com/halcyonbio/biolink-gateway/internal/journal"
	"github.com/halcyonbio/biolink-gateway/internal/notify"
	"github.com/halcyonbio/biolink-gateway/internal/orchestrator"
	"github.com/halcyonbio/biolink-gateway/internal/pipeline"
	"github.com/halcyonbio/biolink-gateway/internal/session"
	"github.com/halcyonbio/biolink-gateway/internal/transport"
	"github.com/halcyonbio/biolink-gateway/internal/util"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel())

	snap := cfg.Snapshot()

	jl, err := journal.NewLogger(journal.DefaultLogPath(snap.WebPort))
	if err != nil {
		slog.Warn("journal disabled", "error", err)
		jl = nil
	}

	link := transport.NewLink()
	router := pipeline.NewRouter()
	hub := newStatusHub()

	store := session.NewStore("", func() session.S3Config {
		s := cfg.Snapshot()
		return session.S3Config{
			Endpoint:        s.S3Endpoint,
			Region:          s.S3Region,
			Bucket:          s.S3Bucket,
			AccessKeyID:     s.S3AccessKeyID,
			SecretAccessKey: s.S3SecretAccessKey,
			Prefix:          s.S3Prefix,
		}
	})
	store.SetRetentionDays(snap.StorageRetentionDays)
	store.SetJournal(jl)
	store.SetUploadCallback(func(session.UploadResult) {
		// Refresh dashboards so the pending-uploads count tracks reality.
		hub.broadcast()
	})

	notifier := notify.NewAlertNotifier(cfg)

	dumps := capture.NewManager(snap.DumpDir, func(result *capture.DumpResult) {
		notifier.NotifyDumpReady(*result)
		if jl == nil {
			return
		}
		errMsg := ""
		if result.Error != nil {
			errMsg = result.Error.Error()
		}
		_ = jl.LogDump(link.DeviceID(), result.Filename, &journal.DumpDetails{
			Path:       result.FilePath,
			SizeBytes:  result.FileSize,
			DurationMs: result.Duration.Milliseconds(),
			Batches:    result.BatchCount,
			Error:      errMsg,
		})
	})
	dumps.SetRetentionDays(snap.DumpRetentionDays)

	orch := orchestrator.New(link, router, store, hub)
	orch.SetJournal(jl)
	orch.SetNotifier(notifier)
	orch.SetStorageResolver(cfg.StorageDestination)

	router.SetFlatlineConfigFunc(func() pipeline.FlatlineConfig {
		s := cfg.Snapshot()
		return pipeline.FlatlineConfig{
			ThresholdDB:   s.FlatlineThresholdDB,
			MinDurationMs: s.FlatlineMinDurationMs,
			RecoveryMs:    s.FlatlineRecoveryMs,
		}
	})
	router.SetDropoutCapture(dumps)
	router.SetFlatlineHandler(func(event pipeline.FlatlineEvent) {
		notifier.HandleFlatlineEvent(event)
		if jl == nil {
			return
		}
		threshold := cfg.Snapshot().FlatlineThresholdDB
		switch {
		case event.JustEntered:
			_ = jl.LogFlatlineStart(link.DeviceID(), event.CurrentLevelDB, threshold)
		case event.JustRecovered:
			_ = jl.LogFlatlineEnd(link.DeviceID(), event.TotalDurationMs, event.CurrentLevelDB, threshold)
		}
	})

	if err := orch.Initialize(); err != nil {
		slog.Error("failed to initialize orchestrator", "error", err)
	}

	store.Start()
	dumps.Start()

	srv := NewServer(cfg, orch, router, store, dumps, notifier, jl, hub)

	// Start web server.
	httpServer := srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	<-sigChan

	slog.Info("shutting down")

	// Stop version checker goroutine
	srv.version.Stop()

	// Shut down HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := orch.Cleanup(shutdownCtx); err != nil {
		slog.Error("error cleaning up orchestrator", "error", err)
	}

	dumps.Stop()
	store.Stop()

	if jl != nil {
		if err := jl.Close(); err != nil {
			slog.Error("error closing journal", "error", err)
		}
	}

	slog.Info("shutdown complete")
}

// setupLogging installs the default slog handler at the configured level.
func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
