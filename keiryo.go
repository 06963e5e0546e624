// Package keiryo is the public API for embedding the Keiryo metrics
// engine: a device-side daemon core that ingests structured log events
// and, under runtime-installed configurations, produces bucketed metric
// reports.
//
// Embedders construct an App and feed it events and configuration
// documents:
//
//	app, err := keiryo.New(
//	    keiryo.WithLogger(logger),
//	    keiryo.WithReportSink(mySink),
//	)
//	if err != nil { ... }
//	go app.Run(ctx)
//	app.SubmitEvent(ev)
//
// The import graph enforces a strict no-cycle rule: keiryo (root)
// imports internal/*, but internal/* never imports keiryo (root).
package keiryo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/keiryo/internal/checkpoint"
	"github.com/ashita-ai/keiryo/internal/config"
	"github.com/ashita-ai/keiryo/internal/engine"
	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/puller"
	"github.com/ashita-ai/keiryo/internal/telemetry"
	"github.com/ashita-ai/keiryo/internal/uidmap"
)

// App is the engine lifecycle. Construct with New(), run with Run().
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	engine      *engine.Engine
	checkpoints *checkpoint.Store
	sinks       []ReportSink

	shutdownOTEL telemetry.Shutdown
}

// New builds an App from environment configuration plus options.
func New(opts ...Option) (*App, error) {
	resolved := resolvedOptions{}
	for _, o := range opts {
		o(&resolved)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applyOverrides(&cfg, &resolved)

	logger := resolved.logger
	if logger == nil {
		logger = slog.Default()
	}

	um := uidmap.New(logger, cfg.UidMapMaxBytes)
	eng := engine.New(engine.Options{
		Logger:          logger,
		UidMap:          um,
		EventQueueDepth: cfg.EventQueueDepth,
		Seed:            cfg.Seed,
	})

	app := &App{
		cfg:     cfg,
		logger:  logger,
		version: resolved.version,
		engine:  eng,
		sinks:   resolved.sinks,
	}

	if cfg.CheckpointPath != "" {
		store, err := checkpoint.Open(cfg.CheckpointPath, logger)
		if err != nil {
			return nil, err
		}
		app.checkpoints = store
	}

	for _, reg := range resolved.pullers {
		eng.Pullers().Register(reg.atom, reg.puller, reg.timeout)
	}

	return app, nil
}

// Run initializes telemetry and drives the ingest loop, the alarm
// monitor, the config-directory watcher and the periodic report dump
// until ctx is done.
func (a *App) Run(ctx context.Context) error {
	shutdown, err := telemetry.Init(ctx, a.cfg.OTELEndpoint, a.cfg.ServiceName, a.version, a.cfg.OTELInsecure)
	if err != nil {
		return err
	}
	a.shutdownOTEL = shutdown
	if a.cfg.OTELEndpoint != "" {
		if err := telemetry.RegisterGuardrailGauges(a.engine.Counters()); err != nil {
			a.logger.Warn("keiryo: guardrail gauges", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(a.engine.Run(gctx)) })
	g.Go(func() error {
		a.engine.AlarmMonitor().Run(gctx)
		return nil
	})
	g.Go(func() error { return a.watchConfigDir(gctx) })
	g.Go(func() error { return a.reportLoop(gctx) })
	if a.checkpoints != nil {
		g.Go(func() error { return a.checkpointLoop(gctx) })
	}

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := a.shutdownOTEL(shutdownCtx); serr != nil {
		a.logger.Warn("keiryo: telemetry shutdown", "error", serr)
	}
	if a.checkpoints != nil {
		if cerr := a.checkpoints.Close(); cerr != nil {
			a.logger.Warn("keiryo: checkpoint close", "error", cerr)
		}
	}
	return err
}

func ignoreCancel(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

// SubmitEvent queues one parsed event for ingest.
func (a *App) SubmitEvent(ev *Event) {
	a.engine.Submit(ev.toModel())
}

// SubmitRawEvent decodes and queues a wire-format event buffer.
func (a *App) SubmitRawEvent(buf []byte, elapsedNs, wallNs int64, uid int32) error {
	return a.engine.SubmitRaw(buf, elapsedNs, wallNs, uid)
}

// InstallConfig parses and installs (or hot-updates) a configuration
// document for the key.
func (a *App) InstallConfig(key ConfigKey, document []byte, nowNs int64) error {
	cfg, err := model.ParseConfig(document)
	if err != nil {
		return err
	}
	return a.engine.InstallConfig(model.ConfigKey(key), cfg, nowNs)
}

// RemoveConfig uninstalls a configuration and emits its final report to
// the sinks.
func (a *App) RemoveConfig(ctx context.Context, key ConfigKey, nowNs int64) error {
	rep, err := a.engine.RemoveConfig(model.ConfigKey(key), nowNs)
	if err != nil {
		return err
	}
	return a.emit(ctx, key, rep)
}

// DumpReport emits one config's snapshot report to the sinks now.
func (a *App) DumpReport(ctx context.Context, key ConfigKey, dumpTimeNs int64, includePartial bool) error {
	rep, err := a.engine.DumpReport(model.ConfigKey(key), dumpTimeNs, includePartial)
	if err != nil {
		return err
	}
	if err := a.emit(ctx, key, rep); err != nil {
		return err
	}
	if a.checkpoints != nil {
		if err := a.checkpoints.Prune(ctx, model.ConfigKey(key)); err != nil {
			a.logger.Warn("keiryo: checkpoint prune", "error", err)
		}
	}
	return nil
}

// NotifyBoot promotes queued on-boot activations.
func (a *App) NotifyBoot(bootTimeNs int64) {
	a.engine.OnBoot(bootTimeNs)
}

// NotifyAppUpgrade forwards a package upgrade to the engine, splitting
// open buckets of configs that opted in, and records it in the uid map.
func (a *App) NotifyAppUpgrade(timestampNs int64, pkg string, uid int32, version int64, versionString, installer string) {
	a.engine.UidMap().UpdateApp(timestampNs, pkg, uid, version, versionString, installer, nil)
	a.engine.NotifyAppUpgrade(timestampNs)
}

// PrintUidMap dumps live uid-map entries to w.
func (a *App) PrintUidMap(w io.Writer, includeCertHash bool) error {
	return a.engine.PrintUidMap(w, includeCertHash)
}

// UidMap exposes the process-wide uid map for package lifecycle feeds.
func (a *App) UidMap() *uidmap.Map { return a.engine.UidMap() }

// SubscribeAlert attaches a callback to an anomaly alert.
func (a *App) SubscribeAlert(key ConfigKey, alertID int64, fn func(alertID int64, dimension string, fireTimeNs int64)) {
	a.engine.SubscribeAlert(model.ConfigKey(key), alertID, func(id int64, dim model.DimensionKey, fireNs int64) {
		fn(id, dim.String(), fireNs)
	})
}

// emit serializes the report and hands it to every sink; with no sinks
// configured, reports go to the report dir or stdout.
func (a *App) emit(ctx context.Context, key ConfigKey, rep any) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("keiryo: marshal report: %w", err)
	}
	if len(a.sinks) == 0 {
		return a.writeDefault(key, payload)
	}
	for _, s := range a.sinks {
		if err := s.WriteReport(ctx, key, payload); err != nil {
			// Sink failures surface to the caller; no internal retry.
			return fmt.Errorf("keiryo: report sink: %w", err)
		}
	}
	return nil
}

func (a *App) writeDefault(key ConfigKey, payload []byte) error {
	if a.cfg.ReportDir == "" {
		_, err := fmt.Fprintf(os.Stdout, "%s\n", payload)
		return err
	}
	name := fmt.Sprintf("report-%d-%d-%d.json", key.UID, key.ID, time.Now().UnixNano())
	path := filepath.Join(a.cfg.ReportDir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("keiryo: write report: %w", err)
	}
	return nil
}

// reportLoop dumps every installed config on the configured cadence.
func (a *App) reportLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now().UnixNano()
			for _, key := range a.engine.ConfigKeys() {
				if err := a.DumpReport(ctx, ConfigKey(key), now, false); err != nil {
					a.logger.Warn("keiryo: periodic report", "config", key.String(), "error", err)
				}
			}
		}
	}
}

// checkpointLoop persists open-bucket state on the configured cadence.
func (a *App) checkpointLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now().UnixNano()
			for _, key := range a.engine.ConfigKeys() {
				blobs, err := a.engine.CheckpointBlobs(key)
				if err != nil {
					continue
				}
				for metricID, blob := range blobs {
					if err := a.checkpoints.Save(ctx, key, metricID, now, blob); err != nil {
						a.logger.Warn("keiryo: checkpoint save", "error", err)
					}
				}
			}
		}
	}
}

// interface guard
var _ puller.Puller = puller.PullFunc(nil)
