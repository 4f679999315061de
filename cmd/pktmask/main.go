// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/pktmask/pkg/config"
	"github.com/mbeema/pktmask/pkg/export"
	"github.com/mbeema/pktmask/pkg/health"
	"github.com/mbeema/pktmask/pkg/metrics"
	"github.com/mbeema/pktmask/pkg/pipeline"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitFlagged = 2
)

type options struct {
	configPath string
	configDir  string
	envFile    string
	logLevel   string

	in      string
	out     string
	outDir  string
	feed    string
	replay  string
	report  string
	watch   bool
	recipe  bool
	dryRun  bool
	version bool
}

func main() {
	os.Exit(run())
}

func run() int {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to configuration file")
	flag.StringVar(&o.configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	flag.StringVar(&o.envFile, "env-file", ".env", "environment file loaded before the config")
	flag.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&o.in, "in", "", "input capture (pcap or pcapng)")
	flag.StringVar(&o.out, "out", "", "output capture for -in")
	flag.StringVar(&o.outDir, "out-dir", "", "output directory for captures given as arguments")
	flag.StringVar(&o.feed, "feed", "", "JSON Lines record feed for -in")
	flag.StringVar(&o.replay, "replay", "", "apply this recipe to -in instead of masking")
	flag.StringVar(&o.report, "report", "", "write JSON file reports to this path (- for stdout)")
	flag.BoolVar(&o.watch, "watch", false, "process captures dropped into watch.dir")
	flag.BoolVar(&o.recipe, "recipe", false, "write a recipe next to every output")
	flag.BoolVar(&o.dryRun, "dry-run", false, "compute decisions and reports without modifying payloads")
	flag.BoolVar(&o.version, "version", false, "show version and exit")
	flag.Parse()

	if o.version {
		fmt.Printf("pktmask %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return exitOK
	}

	if err := config.LoadDotEnv(o.envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
		return exitFailed
	}
	cfg, err := loadConfig(o.configPath, o.configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitFailed
	}
	applyFlags(cfg, &o)

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return exitFailed
	}
	defer logger.Sync()

	logger.Info("starting pktmask",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("tiers", cfg.Fallback.Tiers),
	)

	proc, err := pipeline.New(cfg, logger)
	if err != nil {
		logger.Error("invalid masking policy", zap.Error(err))
		return exitFailed
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stats := health.NewStats()
	proc.SetStats(stats)

	exporter := export.NewManager(&export.ManagerConfig{
		Exporters:      &cfg.Exporters,
		ServiceName:    "pktmask",
		ServiceVersion: version,
		Stats:          stats,
	}, logger)
	if exporter.Enabled() {
		if err := exporter.Start(ctx); err != nil {
			logger.Error("failed to start exporters", zap.Error(err))
			return exitFailed
		}
		defer exporter.Stop()
		proc.OnReport(func(r *pipeline.FileReport) {
			exporter.ExportMetrics(r.Metrics(time.Now()))
		})
	}

	reports, closeReports, err := openReportSink(o.report)
	if err != nil {
		logger.Error("failed to open report output", zap.Error(err))
		return exitFailed
	}
	defer closeReports()
	if reports != nil {
		var mu sync.Mutex
		proc.OnReport(func(r *pipeline.FileReport) {
			mu.Lock()
			defer mu.Unlock()
			if err := r.WriteJSON(reports); err != nil {
				logger.Warn("failed to write report", zap.String("input", r.Input), zap.Error(err))
			}
		})
	}

	switch {
	case o.watch:
		return runWatch(ctx, proc, stats, exporter, &o, logger)
	case o.replay != "":
		if o.in == "" || o.out == "" {
			logger.Error("-replay needs -in and -out")
			return exitFailed
		}
		rep, err := proc.ReplayFile(ctx, o.in, o.replay, o.out)
		return exitCode(rep, err)
	case o.in != "":
		if o.out == "" {
			logger.Error("-in needs -out")
			return exitFailed
		}
		rep, err := proc.Process(ctx, pipeline.Job{Input: o.in, Output: o.out, Feed: o.feed})
		return exitCode(rep, err)
	case flag.NArg() > 0:
		if o.outDir == "" {
			logger.Error("captures given as arguments need -out-dir")
			return exitFailed
		}
		if err := os.MkdirAll(o.outDir, 0o755); err != nil {
			logger.Error("failed to create output directory", zap.Error(err))
			return exitFailed
		}
		jobs := make([]pipeline.Job, 0, flag.NArg())
		for _, in := range flag.Args() {
			jobs = append(jobs, pipeline.Job{Input: in, Output: filepath.Join(o.outDir, filepath.Base(in))})
		}
		reps, err := proc.RunBatch(ctx, jobs)
		if err != nil {
			logger.Error("batch interrupted", zap.Error(err))
			return exitFailed
		}
		code := exitOK
		for _, r := range reps {
			if c := exitCode(r, nil); c > code {
				code = c
			}
		}
		return code
	default:
		flag.Usage()
		return exitFailed
	}
}

// runWatch serves the inbox until a shutdown signal arrives.
func runWatch(ctx context.Context, proc *pipeline.Processor, stats *health.Stats, exporter *export.Manager, o *options, logger *zap.Logger) int {
	cfg := proc.Config()

	var hs *health.Server
	if cfg.Health.Enabled {
		hs = health.NewServer(cfg.Health.Port, version, stats, logger)
		if err := hs.Start(ctx); err != nil {
			logger.Error("failed to start health server", zap.Error(err))
			return exitFailed
		}
		defer hs.Stop()
	}

	if exporter.Enabled() {
		pc := metrics.NewProcessCollector(logger)
		pc.OnMetric(exporter.ExportMetric)
		pc.WatchFilesystems(cfg.Watch.Dir, cfg.Watch.OutDir)
		if err := pc.Start(ctx, 30*time.Second); err != nil {
			logger.Warn("process metrics unavailable", zap.Error(err))
		} else {
			defer pc.Stop()
		}
	}

	w, err := pipeline.NewWatcher(proc, logger)
	if err != nil {
		logger.Error("failed to create inbox watcher", zap.Error(err))
		return exitFailed
	}
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start inbox watcher", zap.Error(err))
		return exitFailed
	}

	var cw *config.Watcher
	if path := reloadPath(o); path != "" {
		cw = config.NewWatcher(path, func(newCfg *config.Config, changed string) {
			applyFlags(newCfg, o)
			if err := proc.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config",
					zap.String("file", changed),
					zap.Error(err),
				)
			}
		}, logger)
		if err := cw.Start(ctx); err != nil {
			logger.Warn("config reload disabled", zap.Error(err))
			cw = nil
		}
	}

	if hs != nil {
		hs.SetReady(true)
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			if hs != nil {
				hs.SetReady(false)
			}
			if cw != nil {
				cw.Stop()
			}

			done := make(chan struct{})
			go func() {
				w.Stop()
				close(done)
			}()
			select {
			case <-done:
				logger.Info("pktmask stopped")
				return exitOK
			case <-time.After(30 * time.Second):
				logger.Error("shutdown timed out after 30s, forcing exit")
				return exitFailed
			}

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadConfig(o.configPath, o.configDir)
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			applyFlags(newCfg, o)
			if err := proc.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			}
		}
	}
}

func reloadPath(o *options) string {
	if o.configDir != "" {
		return o.configDir
	}
	return o.configPath
}

// applyFlags lets command-line flags win over the config file.
func applyFlags(cfg *config.Config, o *options) {
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.recipe {
		cfg.Recipe.Write = true
	}
	if o.dryRun {
		cfg.Masking.DryRun = true
	}
}

func exitCode(rep *pipeline.FileReport, err error) int {
	switch {
	case err != nil || rep == nil:
		return exitFailed
	case rep.Status == pipeline.StatusFlagged:
		return exitFlagged
	default:
		return exitOK
	}
}

func openReportSink(path string) (io.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func loadConfig(path, dir string) (*config.Config, error) {
	if dir != "" {
		return config.LoadDir(dir)
	}
	if path != "" {
		return config.Load(path)
	}

	// Try default locations
	defaults := []string{
		"configs/pktmask.yaml",
		"/etc/pktmask/pktmask.yaml",
		"/etc/pktmask.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
