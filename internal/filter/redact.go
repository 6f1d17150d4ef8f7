package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"mcpbridge/internal/envelope"
)

// DefaultMarker replaces every redacted secret.
const DefaultMarker = "[REDACTED]"

// DefaultSecretPatterns match secret-shaped substrings.
var DefaultSecretPatterns = []string{
	`sk-[A-Za-z0-9_-]{32,}`,
	`AKIA[0-9A-Z]{16}`,
	`gh[pousr]_[A-Za-z0-9]{36,}`,
	`xox[abposr]-[A-Za-z0-9-]{10,}`,
	`(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}=*`,
	`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`,
	`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
}

// DefaultSecretKeys are field names whose string values are always redacted.
// Matching is case-insensitive and treats '-' as '_'.
var DefaultSecretKeys = []string{
	"token", "key", "secret", "password", "passwd",
	"api_key", "apikey", "access_token", "refresh_token",
	"client_secret", "private_key", "authorization",
}

// Redactor replaces secrets in every string value of an envelope, at any
// depth.
type Redactor struct {
	log      zerolog.Logger
	marker   string
	patterns []*regexp.Regexp
	keys     map[string]struct{}
	onRedact func(n int)
}

// RedactorOptions configures NewRedactor. Extra patterns and keys are added
// to the defaults.
type RedactorOptions struct {
	Marker   string
	Patterns []string
	Keys     []string
	OnRedact func(n int)
}

// NewRedactor compiles the secret patterns.
func NewRedactor(log zerolog.Logger, opts RedactorOptions) (*Redactor, error) {
	r := &Redactor{
		log:      log,
		marker:   opts.Marker,
		keys:     map[string]struct{}{},
		onRedact: opts.OnRedact,
	}
	if r.marker == "" {
		r.marker = DefaultMarker
	}
	for _, p := range append(append([]string{}, DefaultSecretPatterns...), opts.Patterns...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile secret pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	for _, k := range append(append([]string{}, DefaultSecretKeys...), opts.Keys...) {
		r.keys[normalizeKey(k)] = struct{}{}
	}
	return r, nil
}

func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "-", "_")
}

// Apply implements Filter.
func (r *Redactor) Apply(dir Direction, sessionID string, env envelope.Envelope) (Verdict, error) {
	n := 0
	for k, v := range env {
		nv, c := r.redactValue(k, v)
		if c > 0 {
			env[k] = nv
			n += c
		}
	}
	if n == 0 {
		return Pass(), nil
	}
	if r.onRedact != nil {
		r.onRedact(n)
	}
	r.log.Debug().Str("session", sessionID).Str("direction", dir.String()).Int("count", n).Msg("secrets redacted")
	return Replace(env), nil
}

// RedactString applies the patterns to a single string.
func (r *Redactor) RedactString(s string) (string, int) {
	n := 0
	for _, re := range r.patterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			n++
			r.log.Debug().Str("match", Mask(m)).Msg("secret pattern matched")
			return r.marker
		})
	}
	return s, n
}

func (r *Redactor) redactValue(key string, v any) (any, int) {
	switch t := v.(type) {
	case string:
		if _, sensitive := r.keys[normalizeKey(key)]; sensitive && t != "" && t != r.marker {
			return r.marker, 1
		}
		s, n := r.RedactString(t)
		return s, n
	case map[string]any:
		total := 0
		for k, item := range t {
			nv, c := r.redactValue(k, item)
			if c > 0 {
				t[k] = nv
				total += c
			}
		}
		return t, total
	case []any:
		total := 0
		for i, item := range t {
			// array elements inherit the field name of the array
			nv, c := r.redactValue(key, item)
			if c > 0 {
				t[i] = nv
				total += c
			}
		}
		return t, total
	default:
		return v, 0
	}
}

// Mask returns a masked representation of a secret string, for logs.
//   - length <= 5: fully masked
//   - length <= 20: first and last characters visible
//   - length > 20: first 3 and last 1 characters visible
func Mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}
