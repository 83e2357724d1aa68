package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Webinfinity/embedly/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

const usage = `Usage: embedly [flags] <command> [args]

Commands:
  check <url>...   Report whether each URL is supported (exit 1 if any is not)
  providers        List supported providers
  query [flags]    Print the embed query string for the given options
  serve            Run the local API with scheduled refresh
  status           Show the registry status of a running server
  init-config      Write a default config file

Flags:
`

func main() {
	configPath := flag.String("config", "", "Path to config file")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("embedly %s (%s)\n", version, commit)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, cmdArgs := args[0], args[1:]

	// init-config and status do not need a working config
	switch cmd {
	case "init-config":
		os.Exit(runInitConfig(*configPath, cmdArgs, os.Stdout, os.Stderr))
	case "status":
		os.Exit(handleStatusCommand(cmdArgs))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		printError("Failed to load configuration", err, configLoadFix(*configPath))
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := newLogger(os.Stderr, cfg.Log.Level)
	if err != nil {
		printError("Invalid log level", err, "Use one of: debug, info, warn, error")
	}
	slog.SetDefault(logger)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	var code int
	switch cmd {
	case "check":
		code = withApp(cfg, logger, false, func(a *app) int {
			return a.commands(os.Stdout, os.Stderr).check(ctx, cmdArgs)
		})
	case "providers":
		code = withApp(cfg, logger, false, func(a *app) int {
			return a.commands(os.Stdout, os.Stderr).providers(ctx, cmdArgs)
		})
	case "query":
		code = runQuery(cmdArgs, os.Stdout, os.Stderr)
	case "serve":
		code = withApp(cfg, logger, true, func(a *app) int {
			return runServe(ctx, cfg, a, logger)
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		code = 2
	}
	os.Exit(code)
}

// newLogger builds the text logger used by every command.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// withApp builds the application, runs fn and releases resources.
func withApp(cfg *config.Config, logger *slog.Logger, withHub bool, fn func(a *app) int) int {
	a, err := newApp(cfg, logger, withHub)
	if err != nil {
		var ae *ActionableError
		if asActionable(err, &ae) {
			fmt.Fprintln(os.Stderr, ae.Format())
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return 1
	}
	defer a.Close()
	return fn(a)
}
