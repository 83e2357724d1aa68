package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/Webinfinity/embedly/internal/api"
	"github.com/Webinfinity/embedly/internal/config"
	"github.com/Webinfinity/embedly/internal/oembed"
	"github.com/Webinfinity/embedly/internal/provider"
)

// providerRegistry is the part of provider.Registry the commands use.
type providerRegistry interface {
	EnsureLoaded(ctx context.Context) provider.State
	Match(ctx context.Context, rawURL string) (provider.Provider, bool)
	Providers(ctx context.Context) []provider.Provider
	Status() provider.Status
}

// commands runs the one-shot subcommands against a registry.
type commands struct {
	registry    providerRegistry
	servicesURL string
	stdout      io.Writer
	stderr      io.Writer
}

// warnIfFailed explains a failed load. Lookups still answer, reporting
// every URL as unsupported.
func (c *commands) warnIfFailed(ctx context.Context) {
	if c.registry.EnsureLoaded(ctx) != provider.StateFailed {
		return
	}
	st := c.registry.Status()
	ae := &ActionableError{
		What:  "Provider list unavailable, every URL will be reported unsupported",
		Cause: st.Err,
		Fix:   fetchFix(c.servicesURL, st.Err),
	}
	fmt.Fprintln(c.stderr, ae.Format())
	fmt.Fprintln(c.stderr)
}

// check reports whether each URL argument is supported. It exits 0 only
// when every URL is.
func (c *commands) check(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	quiet := fs.Bool("q", false, "Print nothing, only set the exit status")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	urls := fs.Args()
	if len(urls) == 0 {
		fmt.Fprintln(c.stderr, "Usage: embedly check [-q] <url>...")
		return 2
	}

	c.warnIfFailed(ctx)

	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	allSupported := true
	for _, u := range urls {
		p, ok := c.registry.Match(ctx, u)
		if !ok {
			allSupported = false
		}
		if *quiet {
			continue
		}
		if ok {
			fmt.Fprintf(tw, "supported\t%s\t%s\n", u, p.Name)
		} else {
			fmt.Fprintf(tw, "unsupported\t%s\t\n", u)
		}
	}
	tw.Flush()

	if !allSupported {
		return 1
	}
	return 0
}

// providers lists the loaded providers as a table or in an export format.
func (c *commands) providers(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("providers", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	typ := fs.String("type", "", "Only list providers of this type (video, photo, rich, ...)")
	host := fs.String("host", "", "Only list providers whose domain covers this host or URL")
	format := fs.String("format", "table", "Output format: table, json, ndjson, csv")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	c.warnIfFailed(ctx)
	providers := c.registry.Providers(ctx)
	if *host != "" {
		providers = provider.ServingHost(providers, *host)
	}

	switch *format {
	case "table":
		tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tTYPE\tPATTERNS\tDOMAIN")
		for _, p := range providers {
			if *typ != "" && !strings.EqualFold(p.Type, *typ) {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.Name, p.Type, len(p.Patterns), p.Domain)
		}
		tw.Flush()
	case string(api.FormatJSON), string(api.FormatNDJSON), string(api.FormatCSV):
		exp := api.NewExporter(api.ExportFormat(*format))
		if err := api.WriteProviders(c.stdout, exp, providers, api.ExportConfig{Type: *typ}); err != nil {
			fmt.Fprintln(c.stderr, "Error:", err)
			return 1
		}
	default:
		fmt.Fprintf(c.stderr, "unknown format %q (want table, json, ndjson or csv)\n", *format)
		return 2
	}

	if c.registry.Status().State == provider.StateFailed {
		return 1
	}
	return 0
}

// runQuery prints the query string for the given embed options.
func runQuery(args []string, stdout, stderr io.Writer) int {
	opts, err := parseQueryFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, "Error:", err)
		}
		return 2
	}
	fmt.Fprintln(stdout, opts.QueryString())
	return 0
}

// parseQueryFlags maps query subcommand flags to request options.
func parseQueryFlags(args []string, stderr io.Writer) (oembed.RequestOptions, error) {
	var opts oembed.RequestOptions
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.IntVar(&opts.MaxWidth, "maxwidth", 0, "Maximum embed width")
	fs.IntVar(&opts.MaxHeight, "maxheight", 0, "Maximum embed height")
	fs.IntVar(&opts.Width, "width", 0, "Embed width")
	fs.BoolVar(&opts.NoStyle, "nostyle", false, "Strip provider styling")
	fs.BoolVar(&opts.AutoPlay, "autoplay", false, "Autoplay media")
	fs.IntVar(&opts.Words, "words", 0, "Limit the description to this many words")
	fs.IntVar(&opts.Chars, "chars", 0, "Limit the description to this many characters")
	fs.BoolVar(&opts.Force, "force", false, "Force the service to re-evaluate the link")
	fs.BoolVar(&opts.Secure, "secure", false, "Embed over SSL")
	fs.BoolVar(&opts.Frame, "frame", false, "Wrap the embed in an iframe")
	wmode := fs.String("wmode", "", "Flash window mode: window, opaque, transparent")

	if err := fs.Parse(args); err != nil {
		return oembed.RequestOptions{}, err
	}
	if fs.NArg() > 0 {
		return oembed.RequestOptions{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	for name, v := range map[string]int{
		"maxwidth": opts.MaxWidth, "maxheight": opts.MaxHeight, "width": opts.Width,
		"words": opts.Words, "chars": opts.Chars,
	} {
		if v < 0 {
			return oembed.RequestOptions{}, fmt.Errorf("-%s must not be negative", name)
		}
	}
	wm, err := oembed.ParseWmode(*wmode)
	if err != nil {
		return oembed.RequestOptions{}, err
	}
	opts.Wmode = wm
	return opts, nil
}

// runInitConfig writes the default configuration to path (or the default
// location) unless a file already exists there.
func runInitConfig(path string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	force := fs.Bool("force", false, "Overwrite an existing config file")
	enableCache := fs.Bool("cache", false, "Enable the SQLite provider cache")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if path == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintln(stderr, "Error:", err)
			return 1
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(stderr, "Config file already exists: %s\nUse -force to overwrite it.\n", path)
		return 1
	}

	cfg := config.DefaultConfig()
	if dbPath, err := config.DefaultDBPath(); err == nil {
		cfg.Cache.DBPath = dbPath
	}
	cfg.Cache.Enabled = *enableCache

	if err := cfg.Save(path); err != nil {
		ae := &ActionableError{What: "Failed to write config file", Cause: err, Fix: configWriteFix(path, err)}
		fmt.Fprintln(stderr, ae.Format())
		return 1
	}
	fmt.Fprintln(stdout, "Wrote", path)
	return 0
}
