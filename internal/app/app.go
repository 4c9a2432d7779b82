package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/specialistvlad/scenegrid/internal/cache"
	"github.com/specialistvlad/scenegrid/internal/cache/fsbackend"
	"github.com/specialistvlad/scenegrid/internal/cache/httpbackend"
	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/events"
	"github.com/specialistvlad/scenegrid/internal/events/socketio"
	"github.com/specialistvlad/scenegrid/internal/executor"
	"github.com/specialistvlad/scenegrid/internal/registry"
	"github.com/specialistvlad/scenegrid/internal/scheduler"
	"github.com/specialistvlad/scenegrid/internal/steps"
	"github.com/specialistvlad/scenegrid/internal/steps/httpport"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx        context.Context
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	registry   *registry.Registry
	cache      *cache.Store
	scheduler  *scheduler.Scheduler
	sink       events.Sink
	httpServer *http.Server
	closers    []func() error
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App with its own isolated logger and registry. With no
// modules given, the satellite steps are registered.
func NewApp(ctx context.Context, outW io.Writer, cfg *Config, modules ...registry.Module) (*App, error) {
	logger, err := newLogger(cfg, outW)
	if err != nil {
		return nil, err
	}
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	a := &App{ctx: ctx, outW: outW, logger: logger, config: cfg}
	if len(modules) == 0 {
		mods, err := a.defaultModules()
		if err != nil {
			return nil, err
		}
		modules = mods
	}
	a.registry = registry.New(modules...)
	logger.Debug("All step modules registered.", "modules", len(modules), "steps", a.registry.Len())

	backend, err := a.openBackend()
	if err != nil {
		return nil, err
	}
	a.cache, err = cache.New(ctx, backend, cache.Options{MaxBytes: cfg.Cache.MaxBytes})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	exec, err := executor.New(executor.Config{Retry: cfg.Retry, Timeout: cfg.StepTimeout})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.sink = events.Log
	if cfg.Events.URL != "" {
		live, err := socketio.Dial(ctx, cfg.Events)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to connect event sink: %w", err)
		}
		a.closers = append(a.closers, live.Close)
		a.sink = events.Multi(events.Log, live)
	}

	a.scheduler, err = scheduler.New(scheduler.Config{Workers: cfg.Workers}, a.cache, exec, a.sink)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// defaultModules returns the satellite steps, backed by the processing
// service when one is configured. Uploads work either way.
func (a *App) defaultModules() ([]registry.Module, error) {
	if a.config.ServiceURL == "" {
		a.logger.Warn("No processing service configured, satellite steps will fail when run.")
		return []registry.Module{steps.Module{Publisher: httpport.NewUploader(nil)}}, nil
	}
	client, err := httpport.New(a.config.ServiceURL, nil)
	if err != nil {
		return nil, err
	}
	return []registry.Module{client.Module()}, nil
}

func (a *App) openBackend() (cache.Backend, error) {
	if a.config.Cache.URL != "" {
		a.logger.Debug("Using HTTP cache backend.", "url", a.config.Cache.URL)
		b, err := httpbackend.New(a.config.Cache.URL, nil)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	a.logger.Debug("Using filesystem cache backend.", "dir", a.config.Cache.Dir)
	b, err := fsbackend.New(a.config.Cache.Dir)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, b.Close)
	return b, nil
}

// Context returns the application context carrying its logger.
func (a *App) Context() context.Context { return a.ctx }

// Registry returns the application's registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Cache returns the application's cache store.
func (a *App) Cache() *cache.Store { return a.cache }

// Close stops the health check server and releases the cache backend and
// event sink.
func (a *App) Close() error {
	var errList []error
	if err := a.closeHealthCheckServer(); err != nil {
		errList = append(errList, err)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}
