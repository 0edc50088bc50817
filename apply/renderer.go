package apply

import (
	"regexp"
	"strings"
)

// Renderer is used for naming things inside of SQL. It handles
// sanitization and quoting of identifiers and literal values.
type Renderer struct {
	// If set, sanitizes text before rendering.
	sanitizer func(string) string
	// If set, wraps the sanitized text after optionally checking skipWrapper.
	wrapper func(string) string
	// If set, checks the *sanitized* text to see if wrapping may be
	// skipped. If unset, the wrapper always applies.
	skipWrapper func(string) bool
}

var (
	// DefaultUnwrappedIdentifiers matches identifiers that typically do
	// not need quoting.
	DefaultUnwrappedIdentifiers = regexp.MustCompile(`^[_\pL]+[_\pL\pN]*$`).MatchString

	// DefaultQuoteSanitizer doubles single quotes within literals.
	DefaultQuoteSanitizer = strings.NewReplacer("'", "''").Replace

	doubleQuotesWrapper = func(text string) string { return `"` + text + `"` }
	singleQuotesWrapper = func(text string) string { return `'` + text + `'` }
)

// NewRenderer returns a configured Renderer.
func NewRenderer(sanitizer, wrapper func(string) string, skipWrapper func(string) bool) *Renderer {
	return &Renderer{
		sanitizer:   sanitizer,
		wrapper:     wrapper,
		skipWrapper: skipWrapper,
	}
}

// IdentifierRenderer quotes identifiers with double quotes unless they
// are unambiguous.
func IdentifierRenderer() *Renderer {
	return NewRenderer(nil, doubleQuotesWrapper, DefaultUnwrappedIdentifiers)
}

// LiteralRenderer renders single-quoted SQL string literals.
func LiteralRenderer() *Renderer {
	return NewRenderer(DefaultQuoteSanitizer, singleQuotesWrapper, nil)
}

// Render takes a string and renders it per the Renderer's configuration.
func (r *Renderer) Render(text string) string {
	if r == nil {
		return text
	}
	if r.sanitizer != nil {
		text = r.sanitizer(text)
	}
	if (r.skipWrapper != nil && r.skipWrapper(text)) || r.wrapper == nil {
		return text
	}
	return r.wrapper(text)
}
