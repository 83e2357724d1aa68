package api

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Webinfinity/embedly/internal/provider"
	"github.com/Webinfinity/embedly/internal/testutil"
)

func TestParseExportConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		query        string
		wantFormat   ExportFormat
		wantType     string
		wantMaxRows  int
		wantDownload bool
	}{
		{"defaults", "", FormatNDJSON, "", 0, false},
		{"json", "format=json", FormatJSON, "", 0, false},
		{"csv with type", "format=csv&type=video", FormatCSV, "video", 0, false},
		{"unknown format", "format=xml", FormatNDJSON, "", 0, false},
		{"max rows", "max_rows=5", FormatNDJSON, "", 5, false},
		{"bad max rows", "max_rows=-5", FormatNDJSON, "", 0, false},
		{"download", "format=json&download=true", FormatJSON, "", 0, true},
	}

	req := httptest.NewRequest("GET", "/api/providers/export?host=+vimeo.com+", nil)
	if got := ParseExportConfig(req).Host; got != "vimeo.com" {
		t.Errorf("Host = %q, want vimeo.com", got)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/providers/export?"+tt.query, nil)
			cfg := ParseExportConfig(req)

			if cfg.Format != tt.wantFormat {
				t.Errorf("Format = %v, want %v", cfg.Format, tt.wantFormat)
			}
			if cfg.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", cfg.Type, tt.wantType)
			}
			if cfg.MaxRows != tt.wantMaxRows {
				t.Errorf("MaxRows = %d, want %d", cfg.MaxRows, tt.wantMaxRows)
			}
			if cfg.Download != tt.wantDownload {
				t.Errorf("Download = %v, want %v", cfg.Download, tt.wantDownload)
			}
		})
	}
}

func TestWriteProviders_NDJSON(t *testing.T) {
	providers := testutil.ServicesProviders(t)

	var buf bytes.Buffer
	if err := WriteProviders(&buf, NewNDJSONExporter(), providers, ExportConfig{}); err != nil {
		t.Fatalf("WriteProviders failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != len(providers) {
		t.Fatalf("got %d lines, want %d", len(lines), len(providers))
	}
	var first ProviderResponse
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 0 is not JSON: %v", err)
	}
	if first.Name != "youtube" || len(first.Patterns) == 0 {
		t.Errorf("first = %+v", first)
	}
}

func TestWriteProviders_JSON(t *testing.T) {
	providers := testutil.ServicesProviders(t)

	var buf bytes.Buffer
	if err := WriteProviders(&buf, NewJSONExporter(), providers, ExportConfig{Type: "video"}); err != nil {
		t.Fatalf("WriteProviders failed: %v", err)
	}

	var out struct {
		Providers []ProviderResponse `json:"providers"`
		Meta      struct {
			RowCount   int    `json:"row_count"`
			ExportedAt string `json:"exported_at"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Meta.RowCount != 2 || len(out.Providers) != 2 {
		t.Errorf("row_count = %d, providers = %d, want 2", out.Meta.RowCount, len(out.Providers))
	}
	if out.Meta.ExportedAt == "" {
		t.Error("missing exported_at")
	}
}

func TestWriteProviders_CSV(t *testing.T) {
	providers := []provider.Provider{
		testutil.NewProvider("a").WithPatterns("a.com/*", "*.a.com/v/*").Build(),
		testutil.NewProvider("b, with comma").Build(),
		testutil.NewProvider("c").Build(),
	}

	var buf bytes.Buffer
	if err := WriteProviders(&buf, NewCSVExporter(), providers, ExportConfig{MaxRows: 2}); err != nil {
		t.Fatalf("WriteProviders failed: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want header + 2", len(records))
	}
	if records[0][0] != "name" || records[1][4] != "2" || records[1][5] != "a.com/* *.a.com/v/*" {
		t.Errorf("unexpected rows: %v", records[:2])
	}
	if records[2][0] != "b, with comma" {
		t.Errorf("quoted name = %q", records[2][0])
	}
}

func TestExportProvidersEndpoint(t *testing.T) {
	server, _ := newTestServer(t, testutil.NewStubFetcher(testutil.ServicesProviders(t)...), nil)

	rr := doRequest(t, server.Handler(), "GET", "/api/providers/export?format=csv&download=true")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}
	cd := rr.Header().Get("Content-Disposition")
	if !strings.HasPrefix(cd, `attachment; filename="providers-`) || !strings.HasSuffix(cd, `.csv"`) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if lines := strings.Count(rr.Body.String(), "\n"); lines != 8 {
		t.Errorf("got %d CSV lines, want 8", lines)
	}
}

func TestExportProvidersEndpoint_HostFilter(t *testing.T) {
	server, _ := newTestServer(t, testutil.NewStubFetcher(testutil.ServicesProviders(t)...), nil)

	rr := doRequest(t, server.Handler(), "GET", "/api/providers/export?format=csv&host=www.flickr.com")
	records, err := csv.NewReader(rr.Body).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(records) != 2 || records[1][0] != "flickr" {
		t.Errorf("records = %v, want header + flickr", records)
	}
}
