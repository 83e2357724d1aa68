package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/Webinfinity/embedly/internal/redact"
)

const (
	// ServicesURL is the embed API endpoint listing supported services.
	ServicesURL = "http://api.embed.ly/1/services"

	// DefaultTimeout bounds a single manifest fetch.
	DefaultTimeout = 30 * time.Second

	// maxManifestBytes caps the decompressed manifest size.
	maxManifestBytes = 16 << 20
)

// Fetcher retrieves the provider manifest. Implementations perform one
// attempt and do not cache.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Provider, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]Provider, error)

// Fetch calls f(ctx).
func (f FetcherFunc) Fetch(ctx context.Context) ([]Provider, error) {
	return f(ctx)
}

// Kind classifies fetch failures.
type Kind string

const (
	KindNetwork Kind = "network" // connection, timeout, or body read failure
	KindStatus  Kind = "status"  // non-2xx HTTP response
	KindDecode  Kind = "decode"  // bad encoding or unexpected JSON shape
	KindOther   Kind = "other"   // unclassified error from a custom Fetcher
)

// FetchError is returned by HTTPFetcher for every failure.
type FetchError struct {
	Kind       Kind
	URL        string
	StatusCode int // set for KindStatus
	Err        error
}

// Error masks credentials carried in the URL, including the copy net/http
// embeds in transport errors.
func (e *FetchError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("fetching %s: HTTP %d", redact.URL(e.URL), e.StatusCode)
	}
	return redact.Text(fmt.Sprintf("fetching %s: %s: %v", e.URL, e.Kind, e.Err))
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrorKind returns the Kind of a FetchError in err's chain, or "" if there
// is none.
func ErrorKind(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// HTTPFetcher downloads the manifest over HTTP.
type HTTPFetcher struct {
	URL       string       // Defaults to ServicesURL
	Client    *http.Client // Defaults to a client with DefaultTimeout
	UserAgent string
	Logger    *slog.Logger // Defaults to slog.Default()
}

// NewHTTPFetcher creates a fetcher for url with the given request timeout.
func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	if url == "" {
		url = ServicesURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPFetcher{
		URL:       url,
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "embedly-go/1.0",
	}
}

// Fetch performs a single GET and decodes the manifest.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]Provider, error) {
	target := f.URL
	if target == "" {
		target = ServicesURL
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: target, Err: err}
	}
	// Setting Accept-Encoding ourselves turns off the transport's transparent
	// gzip handling, so the body is decoded in decompress.
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("Accept", "application/json")
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{
			Kind:       KindStatus,
			URL:        target,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: target, Err: fmt.Errorf("reading body: %w", err)}
	}

	data, err := decompress(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, &FetchError{Kind: KindDecode, URL: target, Err: err}
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	providers, err := decodeManifest(data, logger)
	if err != nil {
		return nil, &FetchError{Kind: KindDecode, URL: target, Err: err}
	}
	return providers, nil
}

// decompress undoes the response Content-Encoding. "deflate" is accepted both
// zlib-wrapped (RFC 9110) and raw, since servers send either.
func decompress(encoding string, raw []byte) ([]byte, error) {
	var r io.ReadCloser
	var err error

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		if len(raw) > maxManifestBytes {
			return nil, fmt.Errorf("manifest exceeds %d bytes", maxManifestBytes)
		}
		return raw, nil
	case "gzip", "x-gzip":
		r, err = gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("opening gzip body: %w", err)
		}
	case "deflate":
		r, err = zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			r = flate.NewReader(bytes.NewReader(raw))
		}
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	defer r.Close()

	data, err := io.ReadAll(io.LimitReader(r, maxManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing %s body: %w", encoding, err)
	}
	if len(data) > maxManifestBytes {
		return nil, fmt.Errorf("manifest exceeds %d bytes", maxManifestBytes)
	}
	return data, nil
}

// manifestEntry is one object of the services JSON array.
type manifestEntry struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayname"`
	Type        string   `json:"type"`
	Domain      string   `json:"domain"`
	Favicon     string   `json:"favicon"`
	About       string   `json:"about"`
	Patterns    []string `json:"patterns"`
	Regex       []string `json:"regex"`
}

// DecodeManifest parses a services manifest: a JSON array of provider
// objects. Entries may carry URL templates in "patterns" or simple regular
// expressions in "regex"; the latter are translated to templates and
// untranslatable ones are logged at debug level and skipped.
func DecodeManifest(data []byte) ([]Provider, error) {
	return decodeManifest(data, slog.Default())
}

func decodeManifest(data []byte, logger *slog.Logger) ([]Provider, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("manifest is not a JSON array")
	}

	var entries []manifestEntry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	providers := make([]Provider, 0, len(entries))
	for _, e := range entries {
		patterns := make([]string, 0, len(e.Patterns)+len(e.Regex))
		for _, p := range e.Patterns {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
		for _, re := range e.Regex {
			p, ok := templateFromRegex(re)
			if !ok {
				logger.Debug("skipping unsupported provider regex", "provider", e.Name, "regex", re)
				continue
			}
			patterns = append(patterns, p)
		}

		providers = append(providers, Provider{
			Name:        e.Name,
			DisplayName: e.DisplayName,
			Type:        e.Type,
			Domain:      e.Domain,
			Favicon:     e.Favicon,
			About:       e.About,
			Patterns:    patterns,
		})
	}
	return providers, nil
}

// templateFromRegex converts the restricted regular expressions used by the
// legacy services manifest ("http://.*youtube\\.com/watch.*") into templates.
// Expressions using anything beyond ".*", escaped literals and anchors are
// rejected.
func templateFromRegex(re string) (string, bool) {
	re = strings.TrimSpace(re)
	re = strings.TrimPrefix(re, "^")
	re = strings.TrimSuffix(re, "$")
	for _, prefix := range []string{"https?://", "http://", "https://"} {
		if strings.HasPrefix(re, prefix) {
			re = re[len(prefix):]
			break
		}
	}

	var sb strings.Builder
	for i := 0; i < len(re); i++ {
		c := re[i]
		switch {
		case c == '\\' && i+1 < len(re):
			i++
			if isAlnum(re[i]) {
				return "", false // character class such as \d
			}
			sb.WriteByte(re[i])
		case c == '.' && i+1 < len(re) && re[i+1] == '*':
			i++
			sb.WriteByte('*')
		case strings.IndexByte(`.+?()[]{}|*^$\`, c) != -1:
			return "", false
		default:
			sb.WriteByte(c)
		}
	}

	tmpl := sb.String()
	// ".*youtube.com" means any host ending in youtube.com; the template
	// dialect spells that "*.youtube.com".
	if strings.HasPrefix(tmpl, "*") && !strings.HasPrefix(tmpl, "*.") {
		tmpl = "*." + strings.TrimLeft(tmpl, "*")
	}
	rest := strings.TrimLeft(tmpl, "*.")
	if rest == "" || strings.HasPrefix(rest, "/") {
		return "", false
	}
	return tmpl, true
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
