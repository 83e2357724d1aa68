package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Webinfinity/embedly/internal/api"
)

// HealthChecker fetches the health report of a running server.
type HealthChecker interface {
	Check(ctx context.Context, apiAddr string) (*api.HealthResponse, error)
}

// StatusCommand reports on a running serve process.
type StatusCommand struct {
	stateReader   StateReader
	healthChecker HealthChecker
	stdout        io.Writer
	stderr        io.Writer
}

// NewStatusCommand creates a StatusCommand with production dependencies.
func NewStatusCommand() (*StatusCommand, error) {
	stateStore, err := NewFileStateStore()
	if err != nil {
		return nil, err
	}
	return &StatusCommand{
		stateReader:   stateStore,
		healthChecker: &HTTPHealthChecker{Client: &http.Client{}},
		stdout:        os.Stdout,
		stderr:        os.Stderr,
	}, nil
}

// Execute runs the command and returns the exit code. The exit code is 0
// only when the server answers and its provider list is loaded.
func (s *StatusCommand) Execute(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(s.stderr)
	asJSON := fs.Bool("json", false, "Print the raw health report")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	state, err := s.stateReader.Read()
	if err != nil {
		if errors.Is(err, ErrServerNotRunning) {
			fmt.Fprintln(s.stderr, "embedly server is not running.")
			fmt.Fprintln(s.stderr, "\nStart it with:")
			fmt.Fprintln(s.stderr, "    embedly serve")
		} else {
			fmt.Fprintln(s.stderr, "Error:", err)
		}
		return 1
	}

	// Health check with timeout
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	health, err := s.healthChecker.Check(healthCtx, state.APIAddr)
	if err != nil {
		fmt.Fprintln(s.stderr, "Error: embedly server is not responding.")
		fmt.Fprintln(s.stderr, "\nThe state file exists but the server may have crashed.")
		fmt.Fprintln(s.stderr, "Restart the server and try again.")
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(s.stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(health)
	} else {
		reg := health.Registry
		fmt.Fprintf(s.stdout, "Server:     http://%s (pid %d, up %s)\n", state.APIAddr, state.PID, health.Uptime)
		fmt.Fprintf(s.stdout, "Services:   %s\n", state.ServicesURL)
		if state.DBPath != "" {
			fmt.Fprintf(s.stdout, "Cache:      %s\n", state.DBPath)
		}
		fmt.Fprintf(s.stdout, "Registry:   %s\n", reg.State)
		if reg.LoadedAt != nil {
			fmt.Fprintf(s.stdout, "Loaded at:  %s\n", reg.LoadedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(s.stdout, "Providers:  %d (%d patterns)\n", reg.Providers, reg.Patterns)
		if reg.Error != "" {
			fmt.Fprintf(s.stdout, "Last error: %s\n", reg.Error)
		}
	}

	if health.Registry.State != "loaded" {
		return 1
	}
	return 0
}

// handleStatusCommand is the entry point called from main.go.
func handleStatusCommand(args []string) int {
	cmd, err := NewStatusCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return cmd.Execute(context.Background(), args)
}

// HTTPHealthChecker checks server health via HTTP.
type HTTPHealthChecker struct {
	Client *http.Client
}

// Check hits the health endpoint and decodes the report.
func (h *HTTPHealthChecker) Check(ctx context.Context, apiAddr string) (*api.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://"+apiAddr+"/api/health", nil)
	if err != nil {
		return nil, err
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decoding health report: %w", err)
	}
	return &health, nil
}
