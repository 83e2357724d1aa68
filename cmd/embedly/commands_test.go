package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Webinfinity/embedly/internal/config"
	"github.com/Webinfinity/embedly/internal/provider"
	"github.com/Webinfinity/embedly/internal/testutil"
)

func newTestCommands(t *testing.T, fetcher provider.Fetcher) (*commands, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	reg := provider.NewRegistry(provider.RegistryConfig{
		Fetcher: fetcher,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	var stdout, stderr bytes.Buffer
	return &commands{
		registry:    reg,
		servicesURL: "http://services.test/1/services",
		stdout:      &stdout,
		stderr:      &stderr,
	}, &stdout, &stderr
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  []string
	}{
		{
			name:     "all supported",
			args:     []string{"http://www.youtube.com/watch?v=dQw4w9WgXcQ", "https://gist.github.com/user/abc"},
			wantCode: 0,
			wantOut:  []string{"supported", "youtube", "github"},
		},
		{
			name:     "one unsupported",
			args:     []string{"http://vimeo.com/1234", "http://example.com/"},
			wantCode: 1,
			wantOut:  []string{"vimeo", "unsupported", "http://example.com/"},
		},
		{
			name:     "quiet",
			args:     []string{"-q", "http://example.com/"},
			wantCode: 1,
		},
		{
			name:     "no urls",
			args:     nil,
			wantCode: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, stdout, _ := newTestCommands(t, testutil.NewStubFetcher(testutil.ServicesProviders(t)...))

			if code := c.check(context.Background(), tt.args); code != tt.wantCode {
				t.Errorf("check() = %d, want %d", code, tt.wantCode)
			}
			for _, want := range tt.wantOut {
				if !strings.Contains(stdout.String(), want) {
					t.Errorf("output missing %q:\n%s", want, stdout.String())
				}
			}
			if len(tt.wantOut) == 0 && stdout.Len() != 0 {
				t.Errorf("unexpected output: %q", stdout.String())
			}
		})
	}
}

func TestCheck_FetchFailureReportsUnsupported(t *testing.T) {
	fetcher := testutil.NewStubFetcher()
	fetcher.Set(nil, &provider.FetchError{Kind: provider.KindStatus, Err: io.ErrUnexpectedEOF})
	c, stdout, stderr := newTestCommands(t, fetcher)

	code := c.check(context.Background(), []string{"http://www.youtube.com/watch?v=x"})
	if code != 1 {
		t.Errorf("check() = %d, want 1", code)
	}
	if !strings.Contains(stdout.String(), "unsupported") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "Provider list unavailable") ||
		!strings.Contains(stderr.String(), "error status") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestProviders(t *testing.T) {
	t.Run("table", func(t *testing.T) {
		c, stdout, _ := newTestCommands(t, testutil.NewStubFetcher(testutil.ServicesProviders(t)...))
		if code := c.providers(context.Background(), nil); code != 0 {
			t.Fatalf("providers() = %d", code)
		}
		lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
		if len(lines) != 8 {
			t.Errorf("got %d lines, want header + 7", len(lines))
		}
		if !strings.HasPrefix(lines[0], "NAME") {
			t.Errorf("header = %q", lines[0])
		}
	})

	t.Run("type filter", func(t *testing.T) {
		c, stdout, _ := newTestCommands(t, testutil.NewStubFetcher(testutil.ServicesProviders(t)...))
		if code := c.providers(context.Background(), []string{"-type", "VIDEO"}); code != 0 {
			t.Fatalf("providers() = %d", code)
		}
		out := stdout.String()
		if !strings.Contains(out, "youtube") || !strings.Contains(out, "vimeo") || strings.Contains(out, "flickr") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("host filter", func(t *testing.T) {
		c, stdout, _ := newTestCommands(t, testutil.NewStubFetcher(testutil.ServicesProviders(t)...))
		if code := c.providers(context.Background(), []string{"-host", "m.youtube.com:443", "-format", "csv"}); code != 0 {
			t.Fatalf("providers() = %d", code)
		}
		records, err := csv.NewReader(stdout).ReadAll()
		if err != nil {
			t.Fatalf("invalid CSV: %v", err)
		}
		if len(records) != 2 || records[1][0] != "youtube" {
			t.Errorf("records = %v", records)
		}
	})

	t.Run("csv", func(t *testing.T) {
		c, stdout, _ := newTestCommands(t, testutil.NewStubFetcher(testutil.ServicesProviders(t)...))
		if code := c.providers(context.Background(), []string{"-format", "csv", "-type", "photo"}); code != 0 {
			t.Fatalf("providers() = %d", code)
		}
		records, err := csv.NewReader(stdout).ReadAll()
		if err != nil {
			t.Fatalf("invalid CSV: %v", err)
		}
		if len(records) != 2 || records[1][0] != "flickr" {
			t.Errorf("records = %v", records)
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		c, _, stderr := newTestCommands(t, testutil.NewStubFetcher(testutil.ServicesProviders(t)...))
		if code := c.providers(context.Background(), []string{"-format", "xml"}); code != 2 {
			t.Errorf("providers() = %d, want 2", code)
		}
		if !strings.Contains(stderr.String(), "unknown format") {
			t.Errorf("stderr = %q", stderr.String())
		}
	})

	t.Run("fetch failure", func(t *testing.T) {
		fetcher := testutil.NewStubFetcher()
		fetcher.Set(nil, &provider.FetchError{Kind: provider.KindNetwork, Err: io.ErrUnexpectedEOF})
		c, _, stderr := newTestCommands(t, fetcher)
		if code := c.providers(context.Background(), nil); code != 1 {
			t.Errorf("providers() = %d, want 1", code)
		}
		if !strings.Contains(stderr.String(), "Cannot reach the services endpoint") {
			t.Errorf("stderr = %q", stderr.String())
		}
	})
}

func TestParseQueryFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"none", nil, "", false},
		{"sizes", []string{"-maxwidth", "500", "-maxheight", "300"}, "&maxwidth=500&maxheight=300", false},
		{"flags", []string{"-autoplay", "-secure"}, "&autoplay=true&secure=true", false},
		{"wmode", []string{"-wmode", "opaque", "-words", "20"}, "&words=20&wmode=opaque", false},
		{"zero is unset", []string{"-width", "0"}, "", false},
		{"bad wmode", []string{"-wmode", "fullscreen"}, "", true},
		{"negative", []string{"-chars", "-1"}, "", true},
		{"not a number", []string{"-maxwidth", "wide"}, "", true},
		{"stray argument", []string{"http://example.com"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseQueryFlags(tt.args, io.Discard)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseQueryFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && opts.QueryString() != tt.want {
				t.Errorf("QueryString() = %q, want %q", opts.QueryString(), tt.want)
			}
		})
	}
}

func TestRunQuery(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runQuery([]string{"-maxwidth", "640", "-frame"}, &stdout, &stderr); code != 0 {
		t.Fatalf("runQuery() = %d, stderr = %q", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "&maxwidth=640&frame=true" {
		t.Errorf("output = %q", got)
	}

	stdout.Reset()
	if code := runQuery([]string{"-wmode", "bogus"}, &stdout, &stderr); code != 2 {
		t.Errorf("runQuery() with bad wmode = %d, want 2", code)
	}
}

func TestRunInitConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("APPDATA", t.TempDir())
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	var stdout, stderr bytes.Buffer
	if code := runInitConfig(path, []string{"-cache"}, &stdout, &stderr); code != 0 {
		t.Fatalf("runInitConfig() = %d, stderr = %q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), path) {
		t.Errorf("stdout = %q", stdout.String())
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if !cfg.Cache.Enabled || cfg.Cache.DBPath == "" {
		t.Errorf("cache = %+v, want enabled with a path", cfg.Cache)
	}

	// Refuses to overwrite without -force.
	stderr.Reset()
	if code := runInitConfig(path, nil, &stdout, &stderr); code != 1 {
		t.Errorf("second runInitConfig() = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "-force") {
		t.Errorf("stderr = %q", stderr.String())
	}

	if code := runInitConfig(path, []string{"-force"}, &stdout, &stderr); code != 0 {
		t.Errorf("runInitConfig(-force) = %d", code)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config missing after -force: %v", err)
	}
}
