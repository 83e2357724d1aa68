// Package testutil provides shared test fixtures for consistent, realistic test data.
package testutil

import (
	"bytes"
	"context"
	"embed"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/Webinfinity/embedly/internal/provider"
)

//go:embed manifests/*.json
var fixtures embed.FS

// LoadManifest loads a raw manifest fixture.
// The name should not include the .json extension.
func LoadManifest(t testing.TB, name string) []byte {
	t.Helper()

	data, err := fixtures.ReadFile(path.Join("manifests", name+".json"))
	if err != nil {
		t.Fatalf("failed to load manifest fixture %q: %v", name, err)
	}
	return data
}

// ServicesManifest returns the standard services manifest fixture.
func ServicesManifest(t testing.TB) []byte {
	t.Helper()
	return LoadManifest(t, "services")
}

// ServicesProviders returns the decoded standard manifest.
func ServicesProviders(t testing.TB) []provider.Provider {
	t.Helper()

	providers, err := provider.DecodeManifest(ServicesManifest(t))
	if err != nil {
		t.Fatalf("failed to decode services fixture: %v", err)
	}
	return providers
}

// ProviderBuilder provides a fluent API for building test providers.
type ProviderBuilder struct {
	p provider.Provider
}

// NewProvider creates a ProviderBuilder with sensible defaults.
func NewProvider(name string) *ProviderBuilder {
	return &ProviderBuilder{p: provider.Provider{
		Name:        name,
		DisplayName: name,
		Type:        "rich",
		Domain:      name + ".com",
		Patterns:    []string{name + ".com/*"},
	}}
}

// WithPatterns replaces the URL templates.
func (b *ProviderBuilder) WithPatterns(patterns ...string) *ProviderBuilder {
	b.p.Patterns = patterns
	return b
}

// WithType sets the provider type.
func (b *ProviderBuilder) WithType(typ string) *ProviderBuilder {
	b.p.Type = typ
	return b
}

// WithDomain sets the provider domain.
func (b *ProviderBuilder) WithDomain(domain string) *ProviderBuilder {
	b.p.Domain = domain
	return b
}

// Build returns the constructed provider.
func (b *ProviderBuilder) Build() provider.Provider {
	p := b.p
	p.Patterns = append([]string(nil), b.p.Patterns...)
	return p
}

// StubFetcher is a provider.Fetcher with a settable result that counts calls.
// When a gate is installed, each Fetch blocks until it is released.
type StubFetcher struct {
	mu        sync.Mutex
	providers []provider.Provider
	err       error
	gate      chan struct{}
	calls     atomic.Int32
}

// NewStubFetcher returns a fetcher that yields providers.
func NewStubFetcher(providers ...provider.Provider) *StubFetcher {
	return &StubFetcher{providers: providers}
}

// Fetch implements provider.Fetcher.
func (f *StubFetcher) Fetch(ctx context.Context) ([]provider.Provider, error) {
	f.calls.Add(1)

	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.Provider, len(f.providers))
	copy(out, f.providers)
	return out, f.err
}

// Set replaces the result of later fetches.
func (f *StubFetcher) Set(providers []provider.Provider, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers, f.err = providers, err
}

// Block makes later fetches wait until the returned release func is called.
func (f *StubFetcher) Block() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(gate)
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
		})
	}
}

// Calls returns the number of Fetch calls so far.
func (f *StubFetcher) Calls() int {
	return int(f.calls.Load())
}

// ManifestServer serves a manifest over HTTP for fetcher tests.
type ManifestServer struct {
	*httptest.Server

	mu     sync.Mutex
	body   []byte
	status int
	gzip   bool
	hits   atomic.Int32
}

// NewManifestServer starts a server answering every request with body.
// The server is closed when the test ends.
func NewManifestServer(t testing.TB, body []byte) *ManifestServer {
	t.Helper()

	s := &ManifestServer{body: body, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// SetGzip toggles gzip Content-Encoding for responses.
func (s *ManifestServer) SetGzip(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gzip = on
}

// SetStatus makes the server answer with status and no body when status is
// not 200.
func (s *ManifestServer) SetStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// SetBody replaces the manifest served.
func (s *ManifestServer) SetBody(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = body
}

// Hits returns the number of requests served.
func (s *ManifestServer) Hits() int {
	return int(s.hits.Load())
}

func (s *ManifestServer) handle(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)

	s.mu.Lock()
	body, status, gz := s.body, s.status, s.gzip
	s.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if gz {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write(body)
		_ = zw.Close()
		body = buf.Bytes()
		w.Header().Set("Content-Encoding", "gzip")
	}
	_, _ = w.Write(body)
}
