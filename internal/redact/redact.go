// Package redact masks credentials in URLs and error text before they are
// logged, printed, or persisted.
package redact

import (
	"regexp"
	"strings"
)

// RedactedValue is the replacement for redacted content.
const RedactedValue = "[REDACTED]"

// DefaultParams are the query parameters masked by the package-level helpers.
// Services endpoints take their API key as "key".
var DefaultParams = []string{
	"key",
	"api_key",
	"apikey",
	"access_token",
	"token",
	"secret",
	"signature",
	"password",
}

// Redactor handles credential redaction.
type Redactor struct {
	paramPattern    *regexp.Regexp
	userinfoPattern *regexp.Regexp
	apiKeyPattern   *regexp.Regexp
}

// New creates a Redactor masking the given query parameter names
// (case-insensitive). Empty names are ignored.
func New(params []string) *Redactor {
	quoted := make([]string, 0, len(params))
	for _, p := range params {
		if p = strings.TrimSpace(p); p != "" {
			quoted = append(quoted, regexp.QuoteMeta(p))
		}
	}

	r := &Redactor{
		// user:password@ in an authority
		userinfoPattern: regexp.MustCompile(`(://[^:/@\s]+:)[^@/\s]+@`),
		// sk-..., key-... style keys in free text
		apiKeyPattern: regexp.MustCompile(`\b(sk|key)-[a-zA-Z0-9_-]{20,}`),
	}
	if len(quoted) > 0 {
		r.paramPattern = regexp.MustCompile(`(?i)([?&;](?:` + strings.Join(quoted, "|") + `)=)[^&#\s"']*`)
	}
	return r
}

// Default masks DefaultParams.
var Default = New(DefaultParams)

// Text redacts every credential it finds in s, including URLs embedded in
// error messages.
func (r *Redactor) Text(s string) string {
	if s == "" {
		return s
	}
	if r.paramPattern != nil {
		s = r.paramPattern.ReplaceAllString(s, "${1}"+RedactedValue)
	}
	s = r.userinfoPattern.ReplaceAllString(s, "${1}"+RedactedValue+"@")
	s = r.apiKeyPattern.ReplaceAllString(s, "${1}-"+RedactedValue)
	return s
}

// URL redacts a single URL. Parameter order and encoding are preserved.
func (r *Redactor) URL(raw string) string {
	return r.Text(raw)
}

// Text redacts s with Default.
func Text(s string) string { return Default.Text(s) }

// URL redacts raw with Default.
func URL(raw string) string { return Default.URL(raw) }
