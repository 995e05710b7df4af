// Package template renders notification emails from embedded HTML assets.
// Rendering is pure: no network, no storage, deterministic for a given
// (kind, context) pair.
package template

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

// Error indicates a missing template asset or a context variable a template
// references but the caller did not supply. Both are deployment bugs, not
// transient conditions, so callers must not retry.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("template %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Renderer holds the parsed template set.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses all embedded templates. missingkey=error turns a
// template referencing an absent context variable into a render failure
// instead of silently emitting "<no value>" to a customer.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("emails").
		Option("missingkey=error").
		ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	return &Renderer{tmpl: tmpl}, nil
}

// Render produces the HTML body for a notification kind. The kind maps
// directly to an embedded asset name (job_complete -> job_complete.html).
func (r *Renderer) Render(kind string, context map[string]any) (string, error) {
	t := r.tmpl.Lookup(kind + ".html")
	if t == nil {
		return "", &Error{Kind: kind, Err: fmt.Errorf("no template asset for %q", kind)}
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, context); err != nil {
		return "", &Error{Kind: kind, Err: err}
	}

	return buf.String(), nil
}
