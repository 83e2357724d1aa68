package provider

import (
	"net/url"
	"strings"
)

// MatchDomainSuffix reports whether host is domain itself or one of its
// subdomains. A port on host is ignored and the comparison is
// case-insensitive; "notyoutube.com" is not under "youtube.com".
func MatchDomainSuffix(host, domain string) bool {
	host = normalizeHost(host)
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if host == "" || domain == "" {
		return false
	}
	rest, found := strings.CutSuffix(host, domain)
	return found && (rest == "" || strings.HasSuffix(rest, "."))
}

// ServingHost returns the providers whose Domain covers host, in manifest
// order. host may be a bare hostname or a URL.
func ServingHost(providers []Provider, host string) []Provider {
	if h, _, _, ok := splitURL(host); ok {
		host = h
	}
	var out []Provider
	for _, p := range providers {
		if MatchDomainSuffix(host, p.Domain) {
			out = append(out, p)
		}
	}
	return out
}

// Matcher tests URLs against provider URL templates without regular
// expressions.
//
// A template has the form [scheme://]host[/path]:
//
//   - The scheme is ignored on both sides.
//   - The host is compared label by label, case-insensitively. A leading "*"
//     label matches zero or more labels, so "*.youtube.com" matches both
//     "youtube.com" and "m.www.youtube.com". Any other "*" matches a run of
//     characters inside a single label ("cdn*.example.com").
//   - In the path, "*" matches a run of characters that does not contain "/".
//     A "*" at the very end of the template matches any remaining suffix.
//   - A template without a path accepts every path. The query string only
//     takes part when the template path contains "?".
//   - A port in the template host is ignored, as it is on the URL side, so
//     "example.com:8080/a*" behaves like "example.com/a*".
//
// Templates are bucketed by the last two host labels. A lookup computes the
// same key from the URL host and tests that bucket plus the templates whose
// key labels are wildcards.
type Matcher struct {
	providers []Provider
	buckets   map[string][]compiledPattern
	wildcard  []compiledPattern
	patterns  int
}

type compiledPattern struct {
	provider   int      // index into Matcher.providers
	labels     []string // host labels, lowercase, leading "*" removed
	anyPrefix  bool     // template host started with "*."
	path       string   // "" means any path
	matchQuery bool
}

// NewMatcher indexes the patterns of providers. Providers keep their order;
// the first matching provider wins.
func NewMatcher(providers []Provider) *Matcher {
	m := &Matcher{
		providers: providers,
		buckets:   make(map[string][]compiledPattern),
	}

	for i, p := range providers {
		for _, raw := range p.Patterns {
			cp, ok := compilePattern(raw)
			if !ok {
				continue
			}
			cp.provider = i
			m.patterns++

			key, ok := patternKey(cp)
			if !ok {
				m.wildcard = append(m.wildcard, cp)
				continue
			}
			m.buckets[key] = append(m.buckets[key], cp)
		}
	}

	return m
}

// Len returns the number of usable patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return m.patterns
}

// Match returns the first provider, in manifest order, with a pattern that
// matches rawURL.
func (m *Matcher) Match(rawURL string) (Provider, bool) {
	if m == nil || m.patterns == 0 {
		return Provider{}, false
	}

	host, path, query, ok := splitURL(rawURL)
	if !ok {
		return Provider{}, false
	}
	labels := strings.Split(host, ".")

	best := -1
	for _, cp := range m.buckets[hostKey(labels)] {
		if cp.matches(labels, path, query) {
			best = cp.provider
			break // bucket entries are in manifest order
		}
	}
	for _, cp := range m.wildcard {
		if best != -1 && cp.provider >= best {
			break
		}
		if cp.matches(labels, path, query) {
			best = cp.provider
			break
		}
	}

	if best == -1 {
		return Provider{}, false
	}
	return m.providers[best], true
}

func (cp compiledPattern) matches(hostLabels []string, path, query string) bool {
	if !cp.matchHost(hostLabels) {
		return false
	}
	if cp.path == "" {
		return true
	}
	target := path
	if cp.matchQuery && query != "" {
		target = path + "?" + query
	}
	return glob(cp.path, target, '/')
}

func (cp compiledPattern) matchHost(hostLabels []string) bool {
	if cp.anyPrefix {
		if len(hostLabels) < len(cp.labels) {
			return false
		}
		hostLabels = hostLabels[len(hostLabels)-len(cp.labels):]
	} else if len(hostLabels) != len(cp.labels) {
		return false
	}

	for i, l := range cp.labels {
		if !glob(l, hostLabels[i], 0) {
			return false
		}
	}
	return true
}

// compilePattern parses a template. It reports false for templates that can
// never match (no host).
func compilePattern(raw string) (compiledPattern, bool) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "://"); i != -1 {
		s = s[i+3:]
	}

	hostPart, pathPart := s, ""
	if i := strings.IndexByte(s, '/'); i != -1 {
		hostPart, pathPart = s[:i], s[i:]
	}
	hostPart = normalizeHost(hostPart)
	if hostPart == "" {
		return compiledPattern{}, false
	}

	cp := compiledPattern{
		path:       pathPart,
		matchQuery: strings.Contains(pathPart, "?"),
	}
	labels := strings.Split(hostPart, ".")
	if labels[0] == "*" && len(labels) > 1 {
		cp.anyPrefix = true
		labels = labels[1:]
	}
	for _, l := range labels {
		if l == "" {
			return compiledPattern{}, false
		}
	}
	cp.labels = labels
	return cp, true
}

// patternKey returns the bucket key for a template, or false when the key
// labels contain wildcards.
func patternKey(cp compiledPattern) (string, bool) {
	n := len(cp.labels)
	if n > 2 {
		n = 2
	}
	tail := cp.labels[len(cp.labels)-n:]
	for _, l := range tail {
		if strings.Contains(l, "*") {
			return "", false
		}
	}
	// A "*.example" template with a single label can also match hosts with
	// more labels, whose key differs from "example".
	if cp.anyPrefix && len(cp.labels) < 2 {
		return "", false
	}
	return strings.Join(tail, "."), true
}

func hostKey(labels []string) string {
	n := len(labels)
	if n > 2 {
		n = 2
	}
	return strings.Join(labels[len(labels)-n:], ".")
}

// splitURL extracts the lowercase host (no port), the path and the raw query.
func splitURL(rawURL string) (host, path, query string, ok bool) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", "", "", false
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", false
	}

	host = normalizeHost(u.Host)
	if host == "" {
		return "", "", "", false
	}
	path = u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return host, path, u.RawQuery, true
}

func normalizeHost(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// glob matches s against pattern where "*" matches any run of bytes other
// than sep. A trailing "*" matches everything that is left. A zero sep lets
// every "*" cross any byte.
//
// Each literal chunk after a star is placed at its leftmost reachable
// position, so matching is O(len(pattern)*len(s)) without backtracking.
func glob(pattern, s string, sep byte) bool {
	for len(pattern) > 0 {
		star, chunk, rest := nextChunk(pattern)
		pattern = rest
		if !star {
			if !strings.HasPrefix(s, chunk) {
				return false
			}
			s = s[len(chunk):]
			continue
		}
		if chunk == "" {
			return true
		}

		// The star consumes s[:i]; the last chunk must also end s.
		matched := false
		for i := 0; i+len(chunk) <= len(s); i++ {
			if i > 0 && sep != 0 && s[i-1] == sep {
				break
			}
			if !strings.HasPrefix(s[i:], chunk) {
				continue
			}
			if len(pattern) == 0 && i+len(chunk) != len(s) {
				continue
			}
			s = s[i+len(chunk):]
			matched = true
			break
		}
		if !matched {
			return false
		}
	}
	return len(s) == 0
}

// nextChunk splits pattern into an optional run of stars, the literal text
// up to the next star, and the remainder.
func nextChunk(pattern string) (star bool, chunk, rest string) {
	for len(pattern) > 0 && pattern[0] == '*' {
		pattern = pattern[1:]
		star = true
	}
	i := strings.IndexByte(pattern, '*')
	if i == -1 {
		i = len(pattern)
	}
	return star, pattern[:i], pattern[i:]
}
