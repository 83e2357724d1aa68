package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Webinfinity/embedly/internal/oembed"
	"github.com/Webinfinity/embedly/internal/provider"
	"github.com/Webinfinity/embedly/internal/store"
	"github.com/Webinfinity/embedly/internal/testutil"
)

// mockHistory implements LoadHistory for testing.
type mockHistory struct {
	records []*store.LoadRecord
	err     error
	limit   int
}

func (m *mockHistory) ListLoads(ctx context.Context, limit int) ([]*store.LoadRecord, error) {
	m.limit = limit
	if m.err != nil {
		return nil, m.err
	}
	if limit > 0 && limit < len(m.records) {
		return m.records[:limit], nil
	}
	return m.records, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, fetcher provider.Fetcher, history LoadHistory) (*Server, *provider.Registry) {
	t.Helper()
	reg := provider.NewRegistry(provider.RegistryConfig{Fetcher: fetcher, Logger: quietLogger()})
	return NewServer(reg, history, quietLogger()), reg
}

func doRequest(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthCheck_DoesNotLoad(t *testing.T) {
	f := testutil.NewStubFetcher(testutil.ServicesProviders(t)...)
	server, _ := newTestServer(t, f, nil)

	rr := doRequest(t, server.Handler(), "GET", "/api/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	health := decode[HealthResponse](t, rr)
	if health.Status != "ok" || health.Registry.State != "not_attempted" {
		t.Errorf("health = %+v", health)
	}
	if f.Calls() != 0 {
		t.Errorf("health check fetched the manifest %d times", f.Calls())
	}
}

func TestHealthCheck_Degraded(t *testing.T) {
	f := testutil.NewStubFetcher()
	f.Set(nil, &provider.FetchError{Kind: provider.KindNetwork, URL: "http://test", Err: errors.New("refused")})
	server, reg := newTestServer(t, f, nil)
	reg.EnsureLoaded(context.Background())

	health := decode[HealthResponse](t, doRequest(t, server.Handler(), "GET", "/api/health"))
	if health.Status != "degraded" || health.Registry.State != "failed" || health.Registry.Error == "" {
		t.Errorf("health = %+v", health)
	}
}

func TestSupported(t *testing.T) {
	server, _ := newTestServer(t, testutil.NewStubFetcher(testutil.ServicesProviders(t)...), nil)
	h := server.Handler()

	tests := []struct {
		url          string
		wantSupport  bool
		wantProvider string
	}{
		{"http://www.youtube.com/watch?v=1", true, "youtube"},
		{"http://vimeo.com/123", true, "vimeo"},
		{"http://example.com/page", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			rr := doRequest(t, h, "GET", "/api/supported?url="+url.QueryEscape(tt.url))
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d", rr.Code)
			}
			resp := decode[SupportedResponse](t, rr)
			if resp.URL != tt.url || resp.Supported != tt.wantSupport {
				t.Errorf("resp = %+v", resp)
			}
			if tt.wantProvider == "" {
				if resp.Provider != nil {
					t.Errorf("unexpected provider %q", resp.Provider.Name)
				}
				return
			}
			if resp.Provider == nil || resp.Provider.Name != tt.wantProvider {
				t.Errorf("provider = %+v, want %s", resp.Provider, tt.wantProvider)
			}
		})
	}
}

func TestSupported_MissingURL(t *testing.T) {
	server, _ := newTestServer(t, testutil.NewStubFetcher(), nil)
	if rr := doRequest(t, server.Handler(), "GET", "/api/supported"); rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestSupported_FailedRegistry(t *testing.T) {
	f := testutil.NewStubFetcher()
	f.Set(nil, errors.New("offline"))
	server, _ := newTestServer(t, f, nil)

	rr := doRequest(t, server.Handler(), "GET", "/api/supported?url=http://www.youtube.com/watch?v=1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if resp := decode[SupportedResponse](t, rr); resp.Supported {
		t.Error("failed registry must answer unsupported")
	}
}

func TestListProviders(t *testing.T) {
	server, _ := newTestServer(t, testutil.NewStubFetcher(testutil.ServicesProviders(t)...), nil)

	all := decode[[]ProviderResponse](t, doRequest(t, server.Handler(), "GET", "/api/providers"))
	if len(all) != 7 {
		t.Errorf("got %d providers, want 7", len(all))
	}

	videos := decode[[]ProviderResponse](t, doRequest(t, server.Handler(), "GET", "/api/providers?type=VIDEO"))
	if len(videos) != 2 {
		t.Errorf("got %d video providers, want 2", len(videos))
	}

	byHost := decode[[]ProviderResponse](t, doRequest(t, server.Handler(), "GET", "/api/providers?host="+url.QueryEscape("https://player.vimeo.com/video/1")))
	if len(byHost) != 1 || byHost[0].Name != "vimeo" {
		t.Errorf("providers for player.vimeo.com = %+v, want [vimeo]", byHost)
	}

	none := decode[[]ProviderResponse](t, doRequest(t, server.Handler(), "GET", "/api/providers?host=notyoutube.com"))
	if len(none) != 0 {
		t.Errorf("providers for notyoutube.com = %+v, want none", none)
	}
}

func TestRefresh(t *testing.T) {
	f := testutil.NewStubFetcher(testutil.NewProvider("a").Build())
	server, reg := newTestServer(t, f, nil)
	h := server.Handler()
	reg.EnsureLoaded(context.Background())

	f.Set([]provider.Provider{testutil.NewProvider("a").Build(), testutil.NewProvider("b").Build()}, nil)
	rr := doRequest(t, h, "POST", "/api/refresh")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	resp := decode[RefreshResponse](t, rr)
	if !resp.Refreshed || resp.Registry.Providers != 2 {
		t.Errorf("resp = %+v", resp)
	}

	f.Set(nil, &provider.FetchError{Kind: provider.KindStatus, URL: "http://test", StatusCode: 503, Err: errors.New("503")})
	rr = doRequest(t, h, "POST", "/api/refresh")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	resp = decode[RefreshResponse](t, rr)
	if resp.Refreshed || resp.Kind != "status" || resp.Registry.Providers != 2 || resp.Registry.State != "loaded" {
		t.Errorf("resp = %+v, want failed refresh keeping 2 providers", resp)
	}

	if rr := doRequest(t, h, "GET", "/api/refresh"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/refresh status = %d, want 405", rr.Code)
	}
}

func TestListLoads(t *testing.T) {
	t.Run("without store", func(t *testing.T) {
		server, _ := newTestServer(t, testutil.NewStubFetcher(), nil)
		if rr := doRequest(t, server.Handler(), "GET", "/api/loads"); rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})

	t.Run("with store", func(t *testing.T) {
		now := time.Now().UTC()
		history := &mockHistory{records: []*store.LoadRecord{
			{ID: "b", Outcome: store.OutcomeLoaded, Providers: 7, Timestamp: now},
			{ID: "a", Outcome: store.OutcomeFailed, Kind: "network", Error: "refused", Timestamp: now.Add(-time.Minute)},
		}}
		server, _ := newTestServer(t, testutil.NewStubFetcher(), history)

		loads := decode[[]LoadResponse](t, doRequest(t, server.Handler(), "GET", "/api/loads"))
		if len(loads) != 2 || loads[0].ID != "b" || loads[1].Kind != "network" {
			t.Errorf("loads = %+v", loads)
		}
		if history.limit != 50 {
			t.Errorf("default limit = %d, want 50", history.limit)
		}

		doRequest(t, server.Handler(), "GET", "/api/loads?limit=1")
		if history.limit != 1 {
			t.Errorf("limit = %d, want 1", history.limit)
		}
		doRequest(t, server.Handler(), "GET", "/api/loads?limit=100000")
		if history.limit != 50 {
			t.Errorf("out of range limit = %d, want default 50", history.limit)
		}
	})

	t.Run("store error", func(t *testing.T) {
		server, _ := newTestServer(t, testutil.NewStubFetcher(), &mockHistory{err: errors.New("locked")})
		if rr := doRequest(t, server.Handler(), "GET", "/api/loads"); rr.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rr.Code)
		}
	})
}

func TestQuery(t *testing.T) {
	server, _ := newTestServer(t, testutil.NewStubFetcher(), nil)
	h := server.Handler()

	tests := []struct {
		query      string
		wantStatus int
		want       string
	}{
		{"", http.StatusOK, ""},
		{"maxwidth=300&force=true", http.StatusOK, "&maxwidth=300&force=true"},
		{"wmode=opaque&maxheight=200", http.StatusOK, "&maxheight=200&wmode=opaque"},
		{"nostyle=false", http.StatusOK, ""},
		{"maxwidth=abc", http.StatusBadRequest, ""},
		{"maxwidth=-1", http.StatusBadRequest, ""},
		{"autoplay=maybe", http.StatusBadRequest, ""},
		{"wmode=gpu", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rr := doRequest(t, h, "GET", "/api/query?"+tt.query)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if resp := decode[QueryResponse](t, rr); resp.Query != tt.want {
				t.Errorf("query = %q, want %q", resp.Query, tt.want)
			}
		})
	}
}

func TestParseRequestOptions(t *testing.T) {
	v := url.Values{}
	v.Set("maxwidth", "640")
	v.Set("words", "20")
	v.Set("secure", "true")
	v.Set("frame", "1")
	v.Set("wmode", "Transparent")

	opts, err := ParseRequestOptions(v)
	if err != nil {
		t.Fatalf("ParseRequestOptions failed: %v", err)
	}
	want := oembed.RequestOptions{MaxWidth: 640, Words: 20, Secure: true, Frame: true, Wmode: oembed.WmodeTransparent}
	if opts != want {
		t.Errorf("opts = %+v, want %+v", opts, want)
	}
}

func TestCORS(t *testing.T) {
	server, _ := newTestServer(t, testutil.NewStubFetcher(), nil)
	h := server.Handler()

	tests := []struct {
		origin    string
		wantAllow bool
	}{
		{"http://localhost:3000", true},
		{"https://127.0.0.1", true},
		{"http://[::1]:8080", true},
		{"http://localhost.evil.com", false},
		{"https://example.com", false},
		{"null", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest("OPTIONS", "/api/providers", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != http.StatusNoContent {
				t.Errorf("preflight status = %d, want 204", rr.Code)
			}
			got := rr.Header().Get("Access-Control-Allow-Origin")
			if tt.wantAllow && got != tt.origin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.origin)
			}
			if !tt.wantAllow && got != "" {
				t.Errorf("Allow-Origin = %q, want none", got)
			}
		})
	}
}

func TestHandleWebSocket(t *testing.T) {
	server, _ := newTestServer(t, testutil.NewStubFetcher(), nil)
	server.HandleWebSocket(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ws")
	}))

	rr := doRequest(t, server.Handler(), "GET", "/ws")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ws") {
		t.Errorf("GET /ws = %d %q", rr.Code, rr.Body.String())
	}
}
