// Package api provides the local REST API for the provider registry.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Webinfinity/embedly/internal/oembed"
	"github.com/Webinfinity/embedly/internal/provider"
	"github.com/Webinfinity/embedly/internal/store"
)

// Registry is the part of provider.Registry the API serves.
type Registry interface {
	Match(ctx context.Context, rawURL string) (provider.Provider, bool)
	Providers(ctx context.Context) []provider.Provider
	Refresh(ctx context.Context) error
	Status() provider.Status
}

// LoadHistory lists past manifest loads.
type LoadHistory interface {
	ListLoads(ctx context.Context, limit int) ([]*store.LoadRecord, error)
}

// Server is the REST API server.
type Server struct {
	registry  Registry
	history   LoadHistory // nil when the cache is disabled
	logger    *slog.Logger
	mux       *http.ServeMux
	startTime time.Time
}

// NewServer creates a new API server. history may be nil.
func NewServer(registry Registry, history LoadHistory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		registry:  registry,
		history:   history,
		logger:    logger,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}

	// Register routes
	s.mux.HandleFunc("GET /api/health", s.healthCheck)
	s.mux.HandleFunc("GET /api/supported", s.supported)
	s.mux.HandleFunc("GET /api/providers", s.listProviders)
	s.mux.HandleFunc("GET /api/providers/export", s.exportProviders)
	s.mux.HandleFunc("POST /api/refresh", s.refresh)
	s.mux.HandleFunc("GET /api/loads", s.listLoads)
	s.mux.HandleFunc("GET /api/query", s.query)

	return s
}

// HandleWebSocket mounts the event stream handler at /ws.
func (s *Server) HandleWebSocket(h http.Handler) {
	s.mux.Handle("GET /ws", h)
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// corsMiddleware adds CORS headers for local tools.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Only allow localhost origins
		if origin != "" && isLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// healthCheck reports registry status. It never triggers a load.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	st := s.registry.Status()

	health := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
		Registry:  toRegistryStatus(st),
	}
	if st.State == provider.StateFailed {
		health.Status = "degraded"
	}

	s.writeJSON(w, health)
}

// supported answers whether a URL is embeddable.
func (s *Server) supported(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "Missing url parameter", http.StatusBadRequest)
		return
	}

	resp := SupportedResponse{URL: raw}
	if p, ok := s.registry.Match(r.Context(), raw); ok {
		resp.Supported = true
		pr := toProviderResponse(p)
		resp.Provider = &pr
	}
	s.writeJSON(w, resp)
}

// listProviders returns the loaded provider list, optionally filtered by type.
func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	typ := strings.TrimSpace(r.URL.Query().Get("type"))

	providers := s.registry.Providers(r.Context())
	if host := strings.TrimSpace(r.URL.Query().Get("host")); host != "" {
		providers = provider.ServingHost(providers, host)
	}
	response := make([]ProviderResponse, 0, len(providers))
	for _, p := range providers {
		if typ != "" && !strings.EqualFold(p.Type, typ) {
			continue
		}
		response = append(response, toProviderResponse(p))
	}
	s.writeJSON(w, response)
}

// refresh forces a manifest reload.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	err := s.registry.Refresh(r.Context())

	resp := RefreshResponse{
		Refreshed: err == nil,
		Registry:  toRegistryStatus(s.registry.Status()),
	}
	if err != nil {
		s.logger.Warn("refresh via API failed", "error", err)
		resp.Error = err.Error()
		if k := provider.ErrorKind(err); k != "" {
			resp.Kind = string(k)
		}
		w.Header().Set("Content-Type", "application/json")
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Error("failed to encode JSON response", "error", err)
		}
		return
	}
	s.writeJSON(w, resp)
}

// listLoads returns recent load attempts from the store.
func (s *Server) listLoads(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "Load history requires the cache", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	records, err := s.history.ListLoads(ctx, limit)
	if err != nil {
		s.logger.Error("failed to list loads", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	response := make([]LoadResponse, len(records))
	for i, rec := range records {
		response[i] = LoadResponse{
			ID:        rec.ID,
			Outcome:   rec.Outcome,
			Refresh:   rec.Refresh,
			Providers: rec.Providers,
			Kind:      rec.Kind,
			Error:     rec.Error,
			Timestamp: rec.Timestamp,
		}
	}
	s.writeJSON(w, response)
}

// query previews the embed request parameters for the given options.
func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	opts, err := ParseRequestOptions(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, QueryResponse{Query: opts.QueryString()})
}

// ParseRequestOptions reads embed options from URL query values using the
// same keys the query string is written with.
func ParseRequestOptions(v url.Values) (oembed.RequestOptions, error) {
	var opts oembed.RequestOptions
	var firstErr error

	readInt := func(key string, dst *int) {
		raw := v.Get(key)
		if raw == "" || firstErr != nil {
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			firstErr = errors.New("invalid " + key + ": want a non-negative integer")
			return
		}
		*dst = n
	}
	readBool := func(key string, dst *bool) {
		raw := v.Get(key)
		if raw == "" || firstErr != nil {
			return
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			firstErr = errors.New("invalid " + key + ": want true or false")
			return
		}
		*dst = b
	}

	readInt("maxwidth", &opts.MaxWidth)
	readInt("maxheight", &opts.MaxHeight)
	readInt("width", &opts.Width)
	readBool("nostyle", &opts.NoStyle)
	readBool("autoplay", &opts.AutoPlay)
	readInt("words", &opts.Words)
	readInt("chars", &opts.Chars)
	readBool("force", &opts.Force)
	readBool("secure", &opts.Secure)
	readBool("frame", &opts.Frame)
	if firstErr != nil {
		return oembed.RequestOptions{}, firstErr
	}

	wm, err := oembed.ParseWmode(v.Get("wmode"))
	if err != nil {
		return oembed.RequestOptions{}, err
	}
	opts.Wmode = wm
	return opts, nil
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// API response types

// HealthResponse is the health check response.
type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Registry  RegistryStatus `json:"registry"`
}

// RegistryStatus is the API view of provider.Status.
type RegistryStatus struct {
	State     string     `json:"state"`
	LoadID    string     `json:"load_id,omitempty"`
	LoadedAt  *time.Time `json:"loaded_at,omitempty"`
	Providers int        `json:"providers"`
	Patterns  int        `json:"patterns"`
	Error     string     `json:"error,omitempty"`
}

// ProviderResponse is one provider.
type ProviderResponse struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayname,omitempty"`
	Type        string   `json:"type,omitempty"`
	Domain      string   `json:"domain,omitempty"`
	Favicon     string   `json:"favicon,omitempty"`
	About       string   `json:"about,omitempty"`
	Patterns    []string `json:"patterns"`
}

// SupportedResponse answers /api/supported.
type SupportedResponse struct {
	URL       string            `json:"url"`
	Supported bool              `json:"supported"`
	Provider  *ProviderResponse `json:"provider,omitempty"`
}

// RefreshResponse answers /api/refresh.
type RefreshResponse struct {
	Refreshed bool           `json:"refreshed"`
	Kind      string         `json:"kind,omitempty"`
	Error     string         `json:"error,omitempty"`
	Registry  RegistryStatus `json:"registry"`
}

// LoadResponse is one load history record.
type LoadResponse struct {
	ID        string    `json:"id"`
	Outcome   string    `json:"outcome"`
	Refresh   bool      `json:"refresh"`
	Providers int       `json:"providers"`
	Kind      string    `json:"kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QueryResponse answers /api/query.
type QueryResponse struct {
	Query string `json:"query"`
}

func toRegistryStatus(st provider.Status) RegistryStatus {
	rs := RegistryStatus{
		State:     st.State.String(),
		LoadID:    st.LoadID,
		Providers: st.Providers,
		Patterns:  st.Patterns,
	}
	if !st.LoadedAt.IsZero() {
		t := st.LoadedAt
		rs.LoadedAt = &t
	}
	if st.Err != nil {
		rs.Error = st.Err.Error()
	}
	return rs
}

func toProviderResponse(p provider.Provider) ProviderResponse {
	patterns := p.Patterns
	if patterns == nil {
		patterns = []string{}
	}
	return ProviderResponse{
		Name:        p.Name,
		DisplayName: p.DisplayName,
		Type:        p.Type,
		Domain:      p.Domain,
		Favicon:     p.Favicon,
		About:       p.About,
		Patterns:    patterns,
	}
}
