package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Webinfinity/embedly/internal/config"
	"github.com/Webinfinity/embedly/internal/provider"
	"github.com/Webinfinity/embedly/internal/store"
	"github.com/Webinfinity/embedly/internal/ws"
)

// app wires the components shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.SQLiteStore // nil when the cache is disabled
	recorder *store.Recorder    // nil when the cache is disabled
	hub      *ws.Hub            // nil unless serving
	registry *provider.Registry

	stopRecorder context.CancelFunc
	recorderDone chan struct{}
}

// newApp builds the registry and its collaborators from cfg. The hub is
// only created for long-running commands.
func newApp(cfg *config.Config, logger *slog.Logger, withHub bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var observers []provider.Observer
	if cfg.Cache.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Cache.DBPath), 0700); err != nil {
			return nil, storeOpenError(cfg.Cache.DBPath, err)
		}
		st, err := store.NewSQLiteStore(cfg.Cache.DBPath)
		if err != nil {
			return nil, storeOpenError(cfg.Cache.DBPath, err)
		}
		st.SetLogger(logger)
		a.store = st

		a.recorder = store.NewRecorder(st, store.DefaultRecorderQueueSize, logger)
		observers = append(observers, a.recorder)
		ctx, cancel := context.WithCancel(context.Background())
		a.stopRecorder = cancel
		a.recorderDone = make(chan struct{})
		go func() {
			defer close(a.recorderDone)
			a.recorder.Run(ctx)
		}()
	}
	if withHub {
		a.hub = ws.NewHub(logger)
		observers = append(observers, a.hub)
	}

	a.registry = provider.NewRegistry(provider.RegistryConfig{
		Fetcher:   a.fetcher(),
		Timeout:   cfg.Services.Timeout(),
		Logger:    logger,
		Observers: observers,
	})
	return a, nil
}

// fetcher returns the manifest source, backed by the snapshot cache when
// one is configured.
func (a *app) fetcher() provider.Fetcher {
	httpFetcher := provider.NewHTTPFetcher(a.cfg.Services.URL, a.cfg.Services.Timeout())
	httpFetcher.Logger = a.logger
	if a.cfg.Services.UserAgent != "" {
		httpFetcher.UserAgent = a.cfg.Services.UserAgent
	}
	if a.store == nil {
		return httpFetcher
	}
	return &provider.CachedFetcher{
		Primary: httpFetcher,
		Store:   a.store,
		MaxAge:  a.cfg.Cache.MaxAge(),
		Logger:  a.logger,
	}
}

// commands returns the subcommand runner bound to this app.
func (a *app) commands(stdout, stderr io.Writer) *commands {
	return &commands{
		registry:    a.registry,
		servicesURL: a.cfg.Services.URL,
		stdout:      stdout,
		stderr:      stderr,
	}
}

// Close writes pending load records and releases the store.
func (a *app) Close() error {
	if a.store == nil {
		return nil
	}
	a.stopRecorder()
	<-a.recorderDone
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("closing provider cache: %w", err)
	}
	return nil
}
