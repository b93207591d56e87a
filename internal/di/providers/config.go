// Package providers contains dependency injection providers for the filenotify tool.
package providers

import (
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/listenupapp/filenotify/internal/config"
	"github.com/listenupapp/filenotify/internal/logger"
	"github.com/listenupapp/filenotify/internal/watcher"
)

// ProvideLogger provides the structured logger.
func ProvideLogger(i do.Injector) (*logger.Logger, error) {
	cfg := do.MustInvoke[*config.Config](i)

	level := logger.ParseLevel(cfg.Logger.Level)
	if cfg.Logger.Verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	level = logger.LevelFromDebug(level, cfg.Logger.DebugLevel)

	log := logger.New(logger.Config{
		Level:     level,
		Format:    cfg.Logger.Format,
		AddSource: cfg.Logger.DebugLevel > 1,
	})

	log.Info("Starting filenotify",
		"backend", cfg.Watch.Backend,
		"poll_interval", cfg.Watch.PollInterval,
		"paths", len(cfg.Watch.Paths),
		"recursive_paths", len(cfg.Watch.RecursivePaths),
	)

	return log, nil
}

// WatchOptions maps the configuration onto service options.
func WatchOptions(cfg *config.Config) watcher.Options {
	opts := watcher.Options{
		Backend:      watcher.BackendAuto,
		PollInterval: cfg.Watch.PollInterval,
		BatchSize:    cfg.Watch.BatchSize,
		QueueSize:    cfg.Watch.QueueSize,

		IgnorePatterns: cfg.Watch.Ignore,
		IgnoreHidden:   cfg.Watch.IgnoreHidden,
	}
	if cfg.Watch.Backend == config.BackendPolling {
		opts.Backend = watcher.BackendPolling
	}
	if cfg.Watch.Native == string(watcher.NativeFsnotify) {
		opts.Native = watcher.NativeFsnotify
	}
	return opts
}
