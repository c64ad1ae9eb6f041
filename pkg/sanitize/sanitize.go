// Package sanitize implements the request-document sanitization stage of
// the capsule execution pipeline. Every string field is normalized,
// checked against an injection denylist and heuristic attack patterns,
// and HTML-encoded. The input document is never mutated; a sanitized
// copy is returned.
package sanitize

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrSanitization wraps every sanitization rejection.
var ErrSanitization = errors.New("sanitization failed")

// MaxStringLen is the per-field character budget. Measured on the
// normalized string before HTML encoding, so encoding expansion does not
// eat into the caller's budget.
const MaxStringLen = 8192

// bannedTokens are substrings that must never appear verbatim in a
// request field. The set targets code-injection primitives observed in
// hostile traffic against the upstream engine.
var bannedTokens = []string{
	"system(",
	"exec(",
	"eval(",
	"import ",
	"os.",
	"open(",
	"subprocess",
	"pickle",
	"base64",
	"__import__",
	"compile(",
	"globals(",
	"locals(",
	"__builtins__",
}

// attackPattern pairs a compiled heuristic with a label used in errors.
type attackPattern struct {
	name string
	re   *regexp.Regexp
}

// Heuristic SQL- and shell-injection patterns.
var attackPatterns = []attackPattern{
	{"sql union select", regexp.MustCompile(`(?i)union\s+(all\s+)?select`)},
	{"sql boolean tautology", regexp.MustCompile(`(?i)'\s*(or|and)\s+'?\d+'?\s*=\s*'?\d+`)},
	{"sql comment breakout", regexp.MustCompile(`(?i)'\s*(--|#)`)},
	{"sql quote-semicolon", regexp.MustCompile(`'\s*;`)},
	{"sql stacked statement", regexp.MustCompile(`(?i);\s*(drop|delete|insert|update|alter)\b`)},
	{"shell command chain", regexp.MustCompile(`(?i)(;|\|\||&&)\s*(ls|dir|cat|type|whoami|id|pwd|rm|curl|wget)\b`)},
	{"shell pipe to command", regexp.MustCompile(`(?i)\|\s*(sh|bash|zsh|nc|python\d?|perl)\b`)},
	{"shell backtick substitution", regexp.MustCompile("`[^`]*`")},
	{"shell dollar substitution", regexp.MustCompile(`\$\([^)]*\)`)},
}

// FieldError reports which field failed and why. It unwraps to
// ErrSanitization so callers can classify with errors.Is.
type FieldError struct {
	Path   string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("sanitization failed at %s: %s", e.Path, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrSanitization }

// Document walks a request document and returns a sanitized copy.
// Maps, slices and strings are traversed recursively; all other values
// pass through untouched.
func Document(doc map[string]any) (map[string]any, error) {
	out, err := walk(doc, "$")
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func walk(v any, path string) (any, error) {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, child := range tv {
			clean, err := walk(child, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = clean
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, child := range tv {
			clean, err := walk(child, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	case string:
		return String(tv, path)
	default:
		return v, nil
	}
}

// String sanitizes a single string value. Exported for callers that
// need to vet individual fields outside a full document walk.
func String(s, path string) (string, error) {
	s = stripControl(norm.NFC.String(s))

	for _, token := range bannedTokens {
		if strings.Contains(s, token) {
			return "", &FieldError{Path: path, Reason: fmt.Sprintf("banned token %q", token)}
		}
	}

	if n := utf8.RuneCountInString(s); n > MaxStringLen {
		return "", &FieldError{Path: path, Reason: fmt.Sprintf("string length %d exceeds %d", n, MaxStringLen)}
	}

	for _, p := range attackPatterns {
		if p.re.MatchString(s) {
			return "", &FieldError{Path: path, Reason: p.name}
		}
	}

	return html.EscapeString(s), nil
}

// stripControl removes Unicode control characters, keeping the
// whitespace controls \t, \n and \r.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
