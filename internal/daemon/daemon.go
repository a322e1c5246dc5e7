// Package daemon implements the meter process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"firestige.xyz/dmgmeter/internal/api"
	"firestige.xyz/dmgmeter/internal/buff"
	"firestige.xyz/dmgmeter/internal/capture"
	"firestige.xyz/dmgmeter/internal/config"
	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/core/decoder"
	"firestige.xyz/dmgmeter/internal/enemy"
	"firestige.xyz/dmgmeter/internal/export"
	logpkg "firestige.xyz/dmgmeter/internal/log"
	"firestige.xyz/dmgmeter/internal/metrics"
	"firestige.xyz/dmgmeter/internal/pipeline"
	"firestige.xyz/dmgmeter/internal/router"
	"firestige.xyz/dmgmeter/internal/session"
	"firestige.xyz/dmgmeter/internal/stats"
	"firestige.xyz/dmgmeter/internal/store"
)

const defaultDrainTimeout = 5 * time.Second

// Daemon manages the meter process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string

	// Core components
	writer    *store.AsyncWriter
	combatLog *stats.CombatLog
	history   *stats.History
	engine    *pipeline.Engine
	exporter  *export.Exporter // nil if export disabled
	apiServer *api.Server      // nil if api disabled
	metrics   *metrics.Server  // nil if metrics disabled

	// source overrides capture.New, for replays driven by tests.
	source capture.Source

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	sigChan      chan os.Signal
	drainTimeout time.Duration
	stopped      bool
}

// New creates a daemon for an already loaded configuration. configPath is
// re-read on SIGHUP; it may be empty.
func New(cfg *config.GlobalConfig, configPath string) *Daemon {
	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		drainTimeout: defaultDrainTimeout,
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Engine returns the running engine, nil before Start.
func (d *Daemon) Engine() *pipeline.Engine { return d.engine }

// APIAddr returns the API listen address once started.
func (d *Daemon) APIAddr() string {
	if d.apiServer == nil {
		return ""
	}
	return d.apiServer.Addr()
}

// Start initializes and starts all components. On failure everything
// already started is torn down again.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting dmgmeter",
		"version", d.config.Stats.Version,
		"config", d.configPath,
		"source", d.config.Capture.Source,
		"decoder", d.config.Decoder.Name,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := d.startComponents(); err != nil {
		d.Stop()
		return err
	}

	slog.Info("dmgmeter started successfully")
	return nil
}

func (d *Daemon) startComponents() error {
	cfg := d.config

	// 3. Persistence and reference tables
	d.writer = store.NewAsyncWriter()

	skills, err := stats.LoadSkillNames(cfg.SkillNamesFile())
	if err != nil {
		return fmt.Errorf("failed to load skill names: %w", err)
	}
	identity := stats.NewIdentityCache(cfg.UsersFile(), cfg.Stats.IdentityFlushDelay, d.writer)
	if err := identity.Load(); err != nil {
		slog.Warn("identity cache not loaded, starting empty", "path", cfg.UsersFile(), "error", err)
	}
	buffs := buff.New(buff.DefaultPaths(cfg.TablesDir, cfg.DataDir), d.writer)
	if err := buffs.Load(); err != nil {
		return fmt.Errorf("failed to load buff tables: %w", err)
	}

	// 4. Capture source and decoding chain
	src := d.source
	if src == nil {
		src, err = capture.New(capture.Config{
			Source:      cfg.Capture.Source,
			Device:      cfg.Capture.Device,
			BPFFilter:   cfg.Capture.BPFFilter,
			SnapLen:     cfg.Capture.SnapLen,
			BufferMB:    cfg.Capture.BufferMB,
			Promiscuous: cfg.Capture.Promiscuous,
			File:        cfg.Capture.File,
			BlockSize:   cfg.Capture.AFPacket.BlockSize,
			NumBlocks:   cfg.Capture.AFPacket.NumBlocks,
		})
		if err != nil {
			return fmt.Errorf("failed to open capture source: %w", err)
		}
	}
	dec, err := decoder.New(src.LinkType(), decoder.NewDefragmenter(decoder.DefragConfig{
		Timeout:      cfg.Session.FragmentTimeout,
		MaxFragments: cfg.Session.MaxFragments,
	}), core.SystemClock)
	if err != nil {
		return fmt.Errorf("capture %s: %w", src.Name(), err)
	}
	policy, err := session.ParseCorruptionPolicy(cfg.Session.CorruptionPolicy)
	if err != nil {
		return err
	}
	sessions := session.NewTracker(session.Config{
		IdleTimeout:      cfg.Session.SessionTimeout,
		MaxFrameLen:      cfg.Session.MaxFrameLen,
		MaxOutOfOrder:    cfg.Session.MaxOOOSegments,
		CorruptionPolicy: policy,
	}, nil)
	frames, err := router.NewDecoder(cfg.Decoder.Name, cfg.Decoder.Options)
	if err != nil {
		return fmt.Errorf("failed to create frame decoder: %w", err)
	}

	// 5. Statistics
	enemies := enemy.New(cfg.Enemy.TTL)
	d.history = stats.NewHistory(cfg.LogsDir())
	d.combatLog = stats.NewCombatLog(cfg.LogsDir(), cfg.Stats.CombatLogQueue)
	agg := stats.New(stats.Config{
		Version:           cfg.Stats.Version,
		EliteDummyID:      cfg.Stats.EliteDummyID,
		InactivityTimeout: cfg.Stats.InactivityTimeout,
		SettingsPath:      cfg.SettingsFile(),
		Settings: stats.Settings{
			AutoClearOnServerChange: cfg.Stats.AutoClearOnServerChange,
			AutoClearOnTimeout:      cfg.Stats.AutoClearOnTimeout,
			OnlyRecordEliteDummy:    cfg.Stats.OnlyRecordEliteDummy,
		},
	}, identity, skills, d.history, d.combatLog, d.writer, enemies)
	if err := agg.LoadSettings(); err != nil {
		slog.Warn("persisted settings not loaded, using config", "path", cfg.SettingsFile(), "error", err)
	}

	// 6. Export
	if cfg.Export.Kafka.Enabled {
		d.exporter, err = export.New(export.Config{
			Brokers:      cfg.Export.Kafka.Brokers,
			Topic:        cfg.Export.Kafka.Topic,
			Compression:  cfg.Export.Kafka.Compression,
			BatchTimeout: cfg.Export.Kafka.BatchTimeout,
			MaxAttempts:  cfg.Export.Kafka.MaxAttempts,
		})
		if err != nil {
			return fmt.Errorf("failed to create exporter: %w", err)
		}
		agg.OnArchive(d.exporter.Submit)
		slog.Info("session export enabled", "brokers", cfg.Export.Kafka.Brokers, "topic", cfg.Export.Kafka.Topic)
	}

	// 7. Engine
	d.engine = pipeline.New(pipeline.Config{
		QueueSize:            cfg.Capture.QueueSize,
		HousekeepingInterval: cfg.Session.SweepInterval,
		RealtimeInterval:     cfg.Stats.RealtimeInterval,
		BuffFlushInterval:    cfg.Buff.FlushInterval,
		AutosaveInterval:     cfg.Stats.AutosaveInterval,
	}, pipeline.Components{
		Source:   src,
		Decoder:  dec,
		Sessions: sessions,
		Router:   router.New(frames),
		Stats:    agg,
		Buffs:    buffs,
		Enemies:  enemies,
	})
	if err := d.engine.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// 8. API server
	if cfg.API.Enabled {
		d.apiServer = api.NewServer(api.Config{
			Listen:            cfg.API.Listen,
			BroadcastInterval: cfg.API.BroadcastInterval,
		}, d.engine, d.history)
		if err := d.apiServer.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start api server: %w", err)
		}
		slog.Info("api server started", "addr", d.apiServer.Addr())
	}

	// 9. Metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

// Run blocks until shutdown is triggered, then drains. Shutdown can be
// triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. the engine stopping on its own (stream corruption, capture failure)
//  3. a capture file being fully replayed
//
// SIGHUP reloads the log settings. The returned error is the engine's
// failure, if any.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("dmgmeter running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				return d.Stop()

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.engine.SourceDone():
			slog.Info("capture source exhausted", "stats", d.engine.Stats())
			return d.Stop()

		case <-d.engine.Done():
			slog.Warn("engine stopped", "error", d.engine.Err())
			return d.Stop()

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			return d.Stop()
		}
	}
}

// Stop performs the bounded drain: the engine archives and flushes its
// state, then log streams, the exporter and the async writer are closed,
// and finally the servers stop. It returns the engine's failure, if any,
// and is safe to call more than once.
func (d *Daemon) Stop() error {
	if d.stopped {
		return d.engineErr()
	}
	d.stopped = true
	slog.Info("initiating graceful shutdown", "timeout", d.drainTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	// 1. Stop the API first so no command races the final archive
	if d.apiServer != nil {
		slog.Info("stopping api server")
		if err := d.apiServer.Stop(ctx); err != nil {
			slog.Error("error stopping api server", "error", err)
		}
	}

	// 2. Stop capture, archive the session, flush identity and buff state
	if d.engine != nil {
		slog.Info("stopping engine")
		if err := d.engine.Stop(ctx); err != nil {
			slog.Error("error stopping engine", "error", err)
		}
	}

	// 3. Close combat log streams
	if d.combatLog != nil {
		if err := d.combatLog.Close(ctx); err != nil {
			slog.Error("error closing combat log", "error", err)
		}
	}

	// 4. Publish what the final archive queued
	if d.exporter != nil {
		if err := d.exporter.Close(ctx); err != nil {
			slog.Error("error closing exporter", "error", err)
		}
	}

	// 5. Drain pending file writes
	if d.writer != nil {
		if err := d.writer.Close(ctx); err != nil {
			slog.Error("error draining async writer", "error", err)
		}
	}

	// 6. Stop metrics server
	if d.metrics != nil {
		slog.Info("stopping metrics server")
		if err := d.metrics.Stop(ctx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	// 7. Cancel context to signal all goroutines
	d.cancel()

	// 8. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 9. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	err := d.engineErr()
	if err != nil {
		slog.Error("dmgmeter stopped after failure", "error", err)
	} else {
		slog.Info("dmgmeter stopped gracefully")
	}

	// 10. Release the log file
	if cerr := logpkg.Close(); cerr != nil {
		fmt.Fprintf(os.Stderr, "error closing log file: %v\n", cerr)
	}
	return err
}

func (d *Daemon) engineErr() error {
	if d.engine == nil {
		return nil
	}
	select {
	case <-d.engine.Done():
		return d.engine.Err()
	default:
		return nil
	}
}

// Reload re-reads the configuration file. Only the log settings are hot
// reloadable; changes elsewhere are reported and need a restart.
func (d *Daemon) Reload() error {
	if d.configPath == "" {
		return fmt.Errorf("no config file to reload: %w", core.ErrConfigInvalid)
	}
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath, false)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	var requiresRestart []string
	if newConfig.Capture != d.config.Capture {
		requiresRestart = append(requiresRestart, "capture")
	}
	if newConfig.API != d.config.API {
		requiresRestart = append(requiresRestart, "api")
	}
	if newConfig.Metrics != d.config.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.DataDir != d.config.DataDir {
		requiresRestart = append(requiresRestart, "data_dir")
	}

	old := d.config.Log
	d.config.Log = newConfig.Log
	if err := d.initLogging(); err != nil {
		d.config.Log = old
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}

	slog.Info("configuration reloaded",
		"log_level", newConfig.Log.Level,
		"requires_restart", requiresRestart,
	)
	return nil
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metrics = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path,
		metrics.WithHealth(d.health))
	if err := d.metrics.Start(d.ctx); err != nil {
		d.metrics = nil
		return err
	}

	slog.Info("metrics server started",
		"addr", d.metrics.Addr(),
		"path", d.config.Metrics.Path,
	)
	return nil
}

// health fails once the engine has stopped.
func (d *Daemon) health() error {
	select {
	case <-d.engine.Done():
		if err := d.engine.Err(); err != nil {
			return err
		}
		return core.ErrPipelineStopped
	default:
		return nil
	}
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.config.PIDFile == "" {
		return nil
	}

	if err := checkNotRunning(d.config.PIDFile); err != nil {
		return err
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.config.PIDFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.config.PIDFile, err)
	}

	slog.Debug("PID file written", "path", d.config.PIDFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.config.PIDFile == "" {
		return nil
	}

	if err := os.Remove(d.config.PIDFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.config.PIDFile, err)
	}

	slog.Debug("PID file removed", "path", d.config.PIDFile)
	return nil
}
