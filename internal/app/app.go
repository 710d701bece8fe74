package app

import (
	"context"
	"io"
	"log/slog"

	"github.com/vk/cubegrid/internal/config"
	"github.com/vk/cubegrid/internal/ctxlog"
	"github.com/vk/cubegrid/internal/cube"
	"github.com/vk/cubegrid/internal/executor"
	"github.com/vk/cubegrid/internal/format"
	"github.com/vk/cubegrid/internal/gdalio"
	"github.com/vk/cubegrid/internal/raster"
	"github.com/vk/cubegrid/internal/swarm"
)

// Version is the engine version, set at build time with
// -ldflags "-X github.com/vk/cubegrid/internal/app.Version=...".
var Version = "dev"

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	logger   *slog.Logger
	settings *config.Settings
	backend  raster.Backend
	registry *format.Registry
}

// Option customizes an App.
type Option func(*App)

// WithBackend replaces the backend selected by the settings.
func WithBackend(b raster.Backend) Option {
	return func(a *App) { a.backend = b }
}

// New is the constructor for the main application. Logs are written to logW.
func New(logW io.Writer, settings *config.Settings, opts ...Option) *App {
	a := &App{
		logger:   newLogger(settings.Level(), settings.LogFormat, logW),
		settings: settings,
		registry: format.NewRegistry(settings.FormatDirs...),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.backend == nil {
		switch settings.Backend {
		case config.BackendMem:
			a.backend = raster.NewMem()
		default:
			a.backend = gdalio.New()
		}
	}
	a.logger.Debug("Application configured.", "backend", a.backend.Version(), "threads", settings.Threads, "swarm", len(settings.Swarm))
	return a
}

// Logger returns the application's logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Registry returns the format registry.
func (a *App) Registry() *format.Registry { return a.registry }

func (a *App) context(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, a.logger)
}

func (a *App) cubeEnv() cube.Env {
	return cube.Env{Reader: a.backend, Warper: a.backend, Transformer: a.backend}
}

// executor builds the chunk executor. With swarm peers configured, chunk
// tasks are evaluated remotely and the returned release func disconnects
// them.
func (a *App) executor(ctx context.Context) (*executor.Executor, func(), error) {
	opts := executor.Options{
		Workers:  a.settings.Threads,
		MemoSize: a.settings.MemoSize,
		FailFast: a.settings.FailFast,
	}
	if len(a.settings.Swarm) == 0 {
		return executor.New(opts), func() {}, nil
	}
	pool, err := swarm.Dial(ctx, a.settings.Swarm, swarm.PoolOptions{
		ConnectTimeout: a.settings.ConnectTimeout,
		TaskTimeout:    a.settings.SwarmTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	a.logger.Info("🐝 Connected to swarm", "workers", pool.Size())
	opts.Remote = pool
	release := func() {
		if err := pool.Close(); err != nil {
			a.logger.Warn("Closing swarm connections failed.", "error", err)
		}
	}
	return executor.New(opts), release, nil
}
