package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/Webinfinity/embedly/internal/provider"
	"github.com/Webinfinity/embedly/internal/redact"
)

// ActionableError represents an error with user-friendly guidance.
type ActionableError struct {
	What  string // What failed (short summary)
	Cause error  // Technical error details
	Fix   string // Actionable guidance
}

func (e *ActionableError) Error() string {
	return fmt.Sprintf("%s: %v", e.What, e.Cause)
}

func (e *ActionableError) Unwrap() error { return e.Cause }

// Format returns the full actionable error message for display.
func (e *ActionableError) Format() string {
	var sb strings.Builder
	sb.WriteString("Error: ")
	sb.WriteString(e.What)
	sb.WriteString("\nCause: ")
	sb.WriteString(e.Cause.Error())
	sb.WriteString("\nFix:   ")
	sb.WriteString(e.Fix)
	return sb.String()
}

func asActionable(err error, target **ActionableError) bool {
	return errors.As(err, target)
}

// printError prints an actionable error to stderr and exits.
func printError(what string, cause error, fix string) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Error:", what)
	fmt.Fprintln(os.Stderr, "Cause:", cause)
	fmt.Fprintln(os.Stderr, "Fix:  ", fix)
	fmt.Fprintln(os.Stderr)
	os.Exit(1)
}

// portInUseFix returns OS-specific instructions for freeing a port.
func portInUseFix(baseAddr string, attempts int) string {
	// Extract port from address (e.g., "localhost:9191" -> "9191")
	port := baseAddr
	if idx := strings.LastIndex(baseAddr, ":"); idx != -1 {
		port = baseAddr[idx+1:]
	}
	last := portNum(port) + attempts - 1

	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Ports %s-%d are all in use. Find and stop the process:
       netstat -ano | findstr :%s
       taskkill /PID <pid> /F

       Or use a different port:
       set EMBEDLY_LISTEN=localhost:9200`, port, last, port)

	case "darwin":
		return fmt.Sprintf(`Ports %s-%d are all in use. Find and stop the process:
       lsof -i :%s
       kill <pid>

       Or use a different port:
       EMBEDLY_LISTEN=localhost:9200 embedly serve`, port, last, port)

	default: // linux and others
		return fmt.Sprintf(`Ports %s-%d are all in use. Find and stop the process:
       ss -tlnp | grep :%s
       # or: lsof -i :%s
       kill <pid>

       Or use a different port:
       EMBEDLY_LISTEN=localhost:9200 embedly serve`, port, last, port, port)
	}
}

// portNum converts port string to int, returns 0 on error.
func portNum(port string) int {
	var n int
	_, _ = fmt.Sscanf(port, "%d", &n)
	return n
}

// dbLockedFix returns instructions for fixing database lock issues.
func dbLockedFix(dbPath string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Database is locked by another process. Check for:
       1. Another embedly instance running:
          tasklist | findstr embedly
          taskkill /IM embedly.exe /F

       2. Database viewer with file open:
          Close any SQLite browser tools

       Database: %s`, dbPath)

	default:
		return fmt.Sprintf(`Database is locked by another process. Check for:
       1. Another embedly instance running:
          pgrep -f "embedly serve"
          pkill -f "embedly serve"

       2. Database viewer with file open:
          lsof "%s"

       Database: %s`, dbPath, dbPath)
	}
}

// dbPathFix returns instructions for fixing database path issues.
func dbPathFix(dbPath string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Cannot open database. Check the path exists and is writable:
       if not exist "%s" mkdir "%s"

       Or specify a different path:
       set EMBEDLY_DB_PATH=C:\Users\%%USERNAME%%\embedly.db`, dbPath, dbPath)

	default:
		return fmt.Sprintf(`Cannot open database. Check the path exists and is writable:
       mkdir -p "$(dirname '%s')"
       touch "%s"

       Or specify a different path:
       export EMBEDLY_DB_PATH=~/embedly.db`, dbPath, dbPath)
	}
}

// configLoadFix returns instructions for fixing config loading issues.
func configLoadFix(configPath string) string {
	if configPath == "" {
		switch runtime.GOOS {
		case "windows":
			return `Config file is invalid. Recreate it:
       embedly init-config -force

       Or check the default location:
       %APPDATA%\embedly\config.yaml`

		default:
			return `Config file is invalid. Recreate it:
       embedly init-config -force

       Or check the default location:
       ~/.config/embedly/config.yaml`
		}
	}
	return fmt.Sprintf(`Config file not found or invalid:
       %s

       Check the file exists and contains valid YAML.
       See 'embedly init-config' for a starting point.`, configPath)
}

// fetchFix returns guidance for a failed manifest download.
func fetchFix(servicesURL string, err error) string {
	servicesURL = redact.URL(servicesURL)
	switch provider.ErrorKind(err) {
	case provider.KindStatus:
		return fmt.Sprintf(`The services endpoint answered with an error status:
       %s

       The service may be down. Retry later or point at a mirror:
       export EMBEDLY_SERVICES_URL=<url>`, servicesURL)
	case provider.KindDecode:
		return fmt.Sprintf(`The services endpoint returned something other than a provider list:
       %s

       Check the URL points at the services JSON endpoint.`, servicesURL)
	default:
		return fmt.Sprintf(`Cannot reach the services endpoint:
       %s

       Check network access, or raise the timeout:
       export EMBEDLY_TIMEOUT_SECONDS=30`, servicesURL)
	}
}

// configWriteFix returns instructions for a config file that cannot be written.
func configWriteFix(configPath string, err error) string {
	if isPermissionError(err) {
		if runtime.GOOS == "windows" {
			return fmt.Sprintf(`Cannot write the config file. Check permissions:
       icacls "%s"`, configPath)
		}
		return fmt.Sprintf(`Cannot write the config file. Fix permissions:
       chmod 700 "$(dirname '%s')"
       chown $USER "$(dirname '%s')"`, configPath, configPath)
	}
	return fmt.Sprintf(`Cannot write the config file:
       %s

       Pass a different location with -config.`, configPath)
}

// isDBLocked checks if an error indicates a database lock.
func isDBLocked(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "cannot start a transaction within a transaction")
}

// isPermissionError checks if an error is permission-related.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "access is denied") ||
		strings.Contains(errStr, "Access is denied")
}

// isAddrInUse checks if a listen error means the port is taken.
func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "address already in use") ||
		strings.Contains(errStr, "Only one usage of each socket address") ||
		strings.Contains(errStr, "EADDRINUSE")
}

// storeOpenError wraps a store open failure with guidance.
func storeOpenError(dbPath string, err error) *ActionableError {
	fix := dbPathFix(dbPath)
	if isDBLocked(err) {
		fix = dbLockedFix(dbPath)
	}
	return &ActionableError{What: "Failed to open provider cache", Cause: err, Fix: fix}
}
