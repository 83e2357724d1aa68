package main

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/Webinfinity/embedly/internal/provider"
)

func TestActionableError_Format(t *testing.T) {
	err := &ActionableError{
		What:  "Port binding failed",
		Cause: errors.New("address already in use"),
		Fix:   "Kill the existing process",
	}

	formatted := err.Format()
	if !strings.Contains(formatted, "Error: Port binding failed") {
		t.Error("Format should contain what failed")
	}
	if !strings.Contains(formatted, "Cause: address already in use") {
		t.Error("Format should contain the cause")
	}
	if !strings.Contains(formatted, "Fix:   Kill the existing process") {
		t.Error("Format should contain the fix")
	}
}

func TestActionableError_Error(t *testing.T) {
	cause := errors.New("address already in use")
	err := &ActionableError{
		What:  "Port binding failed",
		Cause: cause,
		Fix:   "Kill the existing process",
	}

	if err.Error() != "Port binding failed: address already in use" {
		t.Errorf("Error() = %q, want %q", err.Error(), "Port binding failed: address already in use")
	}
	if !errors.Is(err, cause) {
		t.Error("ActionableError should unwrap to its cause")
	}

	var ae *ActionableError
	if !asActionable(fmt.Errorf("wrapped: %w", err), &ae) || ae != err {
		t.Error("asActionable should find a wrapped ActionableError")
	}
}

func TestPortInUseFix(t *testing.T) {
	fix := portInUseFix("localhost:9191", 10)

	// Should contain port range
	if !strings.Contains(fix, "9191") || !strings.Contains(fix, "9200") {
		t.Error("Fix should contain the port range")
	}

	// Should contain kill/stop instructions
	if !strings.Contains(fix, "kill") && !strings.Contains(fix, "taskkill") {
		t.Error("Fix should contain kill instructions")
	}

	// Should point at the listen override
	if !strings.Contains(fix, "EMBEDLY_LISTEN") {
		t.Error("Fix should mention EMBEDLY_LISTEN")
	}
}

func TestPortNum(t *testing.T) {
	tests := []struct {
		port string
		want int
	}{
		{"9191", 9191},
		{"8080", 8080},
		{"abc", 0},
		{"", 0},
	}

	for _, tt := range tests {
		if got := portNum(tt.port); got != tt.want {
			t.Errorf("portNum(%q) = %d, want %d", tt.port, got, tt.want)
		}
	}
}

func TestDbLockedFix(t *testing.T) {
	fix := dbLockedFix("/path/to/embedly.db")

	if !strings.Contains(fix, "/path/to/embedly.db") {
		t.Error("Fix should contain the database path")
	}
	if !strings.Contains(fix, "embedly") {
		t.Error("Fix should mention other embedly instances")
	}
}

func TestDbPathFix(t *testing.T) {
	fix := dbPathFix("/data/embedly.db")
	if !strings.Contains(fix, "/data/embedly.db") || !strings.Contains(fix, "EMBEDLY_DB_PATH") {
		t.Errorf("unexpected fix: %s", fix)
	}
}

func TestConfigLoadFix(t *testing.T) {
	if fix := configLoadFix(""); !strings.Contains(fix, "init-config") {
		t.Errorf("default-path fix should suggest init-config: %s", fix)
	}
	if fix := configLoadFix("/etc/embedly.yaml"); !strings.Contains(fix, "/etc/embedly.yaml") {
		t.Errorf("explicit-path fix should name the file: %s", fix)
	}
}

func TestConfigWriteFix(t *testing.T) {
	fix := configWriteFix("/etc/embedly/config.yaml", errors.New("open: permission denied"))
	if !strings.Contains(fix, "permissions") {
		t.Errorf("permission fix = %s", fix)
	}
	fix = configWriteFix("/etc/embedly/config.yaml", errors.New("disk full"))
	if !strings.Contains(fix, "-config") {
		t.Errorf("generic fix = %s", fix)
	}
}

func TestFetchFix(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"status", &provider.FetchError{Kind: provider.KindStatus, StatusCode: 503}, "error status"},
		{"decode", &provider.FetchError{Kind: provider.KindDecode, Err: errors.New("bad json")}, "provider list"},
		{"network", &provider.FetchError{Kind: provider.KindNetwork, Err: errors.New("refused")}, "EMBEDLY_TIMEOUT_SECONDS"},
		{"unclassified", errors.New("boom"), "Cannot reach"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fix := fetchFix("http://services.test?key=s3cr3t", tt.err)
			if !strings.Contains(fix, tt.want) || !strings.Contains(fix, "http://services.test?key=[REDACTED]") {
				t.Errorf("fetchFix() = %s, want mention of %q", fix, tt.want)
			}
		})
	}
}

func TestIsDBLocked(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked"), true},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("cannot start a transaction within a transaction"), true},
		{errors.New("file not found"), false},
	}

	for _, tt := range tests {
		if got := isDBLocked(tt.err); got != tt.want {
			t.Errorf("isDBLocked(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsPermissionError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("permission denied"), true},
		{errors.New("access is denied"), true},
		{errors.New("Access is denied"), true},
		{errors.New("file not found"), false},
	}

	for _, tt := range tests {
		if got := isPermissionError(tt.err); got != tt.want {
			t.Errorf("isPermissionError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestStoreOpenError(t *testing.T) {
	locked := storeOpenError("/tmp/e.db", errors.New("database is locked"))
	if !strings.Contains(locked.Fix, "locked") {
		t.Errorf("locked fix = %s", locked.Fix)
	}
	other := storeOpenError("/tmp/e.db", errors.New("unable to open database file"))
	if !strings.Contains(other.Fix, "Cannot open database") {
		t.Errorf("path fix = %s", other.Fix)
	}
}
