package keiryo

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashita-ai/keiryo/internal/config"
	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/puller"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger         *slog.Logger
	version        string
	configDir      string
	reportDir      string
	reportInterval time.Duration
	checkpointPath string
	seed           int64
	sinks          []ReportSink
	pullers        []pullerRegistration
}

type pullerRegistration struct {
	atom    int32
	puller  puller.Puller
	timeout time.Duration
}

// WithLogger sets the structured logger for the App. If not set, the
// default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in telemetry and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithConfigDir overrides the watched configuration directory
// (KEIRYO_CONFIG_DIR env var).
func WithConfigDir(dir string) Option {
	return func(o *resolvedOptions) { o.configDir = dir }
}

// WithReportDir overrides the report output directory (KEIRYO_REPORT_DIR
// env var).
func WithReportDir(dir string) Option {
	return func(o *resolvedOptions) { o.reportDir = dir }
}

// WithReportInterval overrides the periodic dump cadence
// (KEIRYO_REPORT_INTERVAL env var).
func WithReportInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.reportInterval = d }
}

// WithCheckpointPath overrides the checkpoint database path
// (KEIRYO_CHECKPOINT_PATH env var).
func WithCheckpointPath(path string) Option {
	return func(o *resolvedOptions) { o.checkpointPath = path }
}

// WithSeed fixes the sampling seed for reproducible runs.
func WithSeed(seed int64) Option {
	return func(o *resolvedOptions) { o.seed = seed }
}

// WithReportSink adds a report sink; multiple sinks all receive every
// report. With none configured, reports go to the report dir or stdout.
func WithReportSink(s ReportSink) Option {
	return func(o *resolvedOptions) { o.sinks = append(o.sinks, s) }
}

// WithPuller registers a snapshot-atom puller. timeout <= 0 selects the
// default per-pull timeout.
func WithPuller(atom int32, fn func(ctx context.Context, atom int32) ([]*Event, error), timeout time.Duration) Option {
	return func(o *resolvedOptions) {
		o.pullers = append(o.pullers, pullerRegistration{
			atom:    atom,
			timeout: timeout,
			puller: puller.PullFunc(func(ctx context.Context, a int32) ([]*model.LogEvent, error) {
				evs, err := fn(ctx, a)
				if err != nil {
					return nil, err
				}
				out := make([]*model.LogEvent, 0, len(evs))
				for _, ev := range evs {
					out = append(out, ev.toModel())
				}
				return out, nil
			}),
		})
	}
}

func applyOverrides(cfg *config.Config, o *resolvedOptions) {
	if o.configDir != "" {
		cfg.ConfigDir = o.configDir
	}
	if o.reportDir != "" {
		cfg.ReportDir = o.reportDir
	}
	if o.reportInterval > 0 {
		cfg.ReportInterval = o.reportInterval
	}
	if o.checkpointPath != "" {
		cfg.CheckpointPath = o.checkpointPath
	}
	if o.seed != 0 {
		cfg.Seed = o.seed
	}
}
