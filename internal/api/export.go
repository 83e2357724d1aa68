package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Webinfinity/embedly/internal/provider"
)

// ExportFormat represents supported export formats.
type ExportFormat string

const (
	FormatNDJSON ExportFormat = "ndjson"
	FormatJSON   ExportFormat = "json"
	FormatCSV    ExportFormat = "csv"
)

// ExportConfig holds export configuration parsed from query params.
type ExportConfig struct {
	Format   ExportFormat
	Type     string // only providers of this type
	Host     string // only providers whose domain covers this host
	MaxRows  int    // 0 = unlimited
	Download bool   // send Content-Disposition
}

// ParseExportConfig parses export configuration from request query params.
func ParseExportConfig(r *http.Request) ExportConfig {
	cfg := ExportConfig{Format: FormatNDJSON}

	switch r.URL.Query().Get("format") {
	case "json":
		cfg.Format = FormatJSON
	case "csv":
		cfg.Format = FormatCSV
	}
	cfg.Type = strings.TrimSpace(r.URL.Query().Get("type"))
	cfg.Host = strings.TrimSpace(r.URL.Query().Get("host"))
	if v := r.URL.Query().Get("max_rows"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRows = n
		}
	}
	cfg.Download = r.URL.Query().Get("download") == "true"
	return cfg
}

// ProviderExporter writes providers in a specific format.
type ProviderExporter interface {
	// ContentType returns the MIME type for this format.
	ContentType() string
	// FileExtension returns the file extension for downloads.
	FileExtension() string
	// WriteHeader writes any header/preamble needed.
	WriteHeader(w io.Writer) error
	// WriteProvider writes a single provider.
	WriteProvider(w io.Writer, p provider.Provider) error
	// WriteFooter writes any footer/closing needed.
	WriteFooter(w io.Writer, rowCount int) error
}

// NDJSONExporter exports providers as newline-delimited JSON.
type NDJSONExporter struct {
	encoder *json.Encoder
}

func NewNDJSONExporter() *NDJSONExporter {
	return &NDJSONExporter{}
}

func (e *NDJSONExporter) ContentType() string   { return "application/x-ndjson" }
func (e *NDJSONExporter) FileExtension() string { return "ndjson" }

func (e *NDJSONExporter) WriteHeader(w io.Writer) error {
	e.encoder = json.NewEncoder(w)
	return nil
}

func (e *NDJSONExporter) WriteProvider(w io.Writer, p provider.Provider) error {
	return e.encoder.Encode(toProviderResponse(p))
}

func (e *NDJSONExporter) WriteFooter(w io.Writer, rowCount int) error {
	return nil // NDJSON has no footer
}

// JSONExporter exports providers as a JSON object with metadata.
type JSONExporter struct {
	providers []ProviderResponse
}

func NewJSONExporter() *JSONExporter {
	return &JSONExporter{providers: make([]ProviderResponse, 0)}
}

func (e *JSONExporter) ContentType() string   { return "application/json" }
func (e *JSONExporter) FileExtension() string { return "json" }

func (e *JSONExporter) WriteHeader(w io.Writer) error {
	return nil // JSON writes everything in footer
}

func (e *JSONExporter) WriteProvider(w io.Writer, p provider.Provider) error {
	e.providers = append(e.providers, toProviderResponse(p))
	return nil
}

func (e *JSONExporter) WriteFooter(w io.Writer, rowCount int) error {
	response := map[string]interface{}{
		"providers": e.providers,
		"meta": map[string]interface{}{
			"row_count":   rowCount,
			"exported_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// CSVExporter exports one row per provider; patterns are joined with spaces.
type CSVExporter struct {
	writer *csv.Writer
}

func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

func (e *CSVExporter) ContentType() string   { return "text/csv" }
func (e *CSVExporter) FileExtension() string { return "csv" }

func (e *CSVExporter) WriteHeader(w io.Writer) error {
	e.writer = csv.NewWriter(w)
	return e.writer.Write([]string{"name", "displayname", "type", "domain", "pattern_count", "patterns"})
}

func (e *CSVExporter) WriteProvider(w io.Writer, p provider.Provider) error {
	return e.writer.Write([]string{
		p.Name,
		p.DisplayName,
		p.Type,
		p.Domain,
		strconv.Itoa(len(p.Patterns)),
		strings.Join(p.Patterns, " "),
	})
}

func (e *CSVExporter) WriteFooter(w io.Writer, rowCount int) error {
	e.writer.Flush()
	return e.writer.Error()
}

// NewExporter creates an exporter for the given format.
func NewExporter(format ExportFormat) ProviderExporter {
	switch format {
	case FormatJSON:
		return NewJSONExporter()
	case FormatCSV:
		return NewCSVExporter()
	default:
		return NewNDJSONExporter()
	}
}

// exportProviders streams the provider list in the requested format.
func (s *Server) exportProviders(w http.ResponseWriter, r *http.Request) {
	cfg := ParseExportConfig(r)
	exp := NewExporter(cfg.Format)

	w.Header().Set("Content-Type", exp.ContentType())
	if cfg.Download {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf(`attachment; filename="providers-%s.%s"`, time.Now().UTC().Format("20060102"), exp.FileExtension()))
	}

	if err := WriteProviders(w, exp, s.registry.Providers(r.Context()), cfg); err != nil {
		s.logger.Error("provider export failed", "format", cfg.Format, "error", err)
	}
}

// WriteProviders writes providers through exp, honoring cfg's type and host
// filters and row limit.
func WriteProviders(w io.Writer, exp ProviderExporter, providers []provider.Provider, cfg ExportConfig) error {
	if cfg.Host != "" {
		providers = provider.ServingHost(providers, cfg.Host)
	}
	if err := exp.WriteHeader(w); err != nil {
		return err
	}
	rows := 0
	for _, p := range providers {
		if cfg.MaxRows > 0 && rows >= cfg.MaxRows {
			break
		}
		if cfg.Type != "" && !strings.EqualFold(p.Type, cfg.Type) {
			continue
		}
		if err := exp.WriteProvider(w, p); err != nil {
			return err
		}
		rows++
	}
	return exp.WriteFooter(w, rows)
}
