package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/Webinfinity/embedly/internal/api"
	"github.com/Webinfinity/embedly/internal/config"
	"github.com/Webinfinity/embedly/internal/redact"
	"github.com/Webinfinity/embedly/internal/refresh"
)

const (
	// listenAttempts is how many consecutive ports serve tries.
	listenAttempts  = 10
	shutdownTimeout = 5 * time.Second
)

// runServe runs the local API until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config, a *app, logger *slog.Logger) int {
	go a.hub.Run(ctx)

	var history api.LoadHistory
	if a.store != nil {
		history = a.store
	}
	server := api.NewServer(a.registry, history, logger)
	server.HandleWebSocket(a.hub.Handler())

	sched, err := refresh.New(cfg.Services.RefreshSchedule, a.registry, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	if sched != nil {
		sched.SetTimeout(cfg.Services.RefreshTimeout())
	}
	if sched != nil && a.store != nil && cfg.Cache.KeepSnapshots > 0 {
		keep := cfg.Cache.KeepSnapshots
		sched.After(func(ctx context.Context, _ error) {
			n, err := a.store.Prune(ctx, keep)
			if err != nil {
				logger.Warn("failed to prune provider cache", "error", err)
				return
			}
			if n > 0 {
				logger.Debug("pruned provider cache", "rows", n)
			}
		})
	}

	ln, addr, err := listenWithFallback(cfg.API.Listen, listenAttempts)
	if err != nil {
		if isAddrInUse(err) {
			printError("Failed to start API server", err, portInUseFix(cfg.API.Listen, listenAttempts))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	if addr != cfg.API.Listen {
		logger.Warn("configured port in use, using fallback", "configured", cfg.API.Listen, "listen", addr)
	}

	// Load in the background so the first request does not wait for the fetch.
	go a.registry.EnsureLoaded(ctx)

	if sched != nil {
		sched.Start()
	}

	stateStore, err := NewFileStateStore()
	if err == nil {
		err = stateStore.Write(ServerState{
			APIAddr:     addr,
			ServicesURL: redact.URL(cfg.Services.URL),
			DBPath:      dbPathIfEnabled(cfg),
			PID:         os.Getpid(),
			StartedAt:   time.Now(),
		})
	}
	if err != nil {
		logger.Warn("failed to write server state", "error", err)
	} else {
		defer func() {
			if err := stateStore.Delete(); err != nil {
				logger.Warn("failed to remove server state", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	slog.Info("starting embedly api", "listen", addr, "services", redact.URL(cfg.Services.URL))
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  API:       http://%s/api\n", addr)
	fmt.Fprintf(os.Stderr, "  Events:    ws://%s/ws\n", addr)
	fmt.Fprintf(os.Stderr, "  Services:  %s\n", redact.URL(cfg.Services.URL))
	if a.store != nil {
		fmt.Fprintf(os.Stderr, "  Cache:     %s\n", cfg.Cache.DBPath)
	}
	if sched != nil {
		fmt.Fprintf(os.Stderr, "  Refresh:   %s (next %s)\n", cfg.Services.RefreshSchedule, sched.Next().Format(time.RFC3339))
	}
	fmt.Fprintf(os.Stderr, "\n")

	code := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api server shutdown", "error", err)
	}

	slog.Info("embedly shutdown complete")
	return code
}

// listenWithFallback listens on addr, moving to the next port while the
// current one is in use. It returns the address actually bound.
func listenWithFallback(addr string, attempts int) (net.Listener, string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	if attempts < 1 {
		attempts = 1
	}
	// Port 0 lets the kernel choose, so there is nothing to fall back to.
	if port == 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		candidate := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", candidate)
		if err == nil {
			if port == 0 {
				candidate = ln.Addr().String()
			}
			return ln, candidate, nil
		}
		if !isAddrInUse(err) {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", lastErr
}

func dbPathIfEnabled(cfg *config.Config) string {
	if !cfg.Cache.Enabled {
		return ""
	}
	return cfg.Cache.DBPath
}
