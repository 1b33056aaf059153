package watcher

import (
	"bytes"
	"fmt"
	"text/template"
)

// NewTextTemplateRenderer returns a TemplateRenderer backed by
// text/template, grounded on the teacher's own template.FuncMap
// convention in internal/web/templates.go (adapted to plain-text
// prompts rather than HTML pages). Template authors address event
// fields directly, e.g. "{{.Resource.Title}}" or
// "{{.Resource.Comment.Body}}".
func NewTextTemplateRenderer() TemplateRenderer {
	return func(tmpl string, event NormalizedEvent) (string, error) {
		t, err := template.New("prompt").Funcs(promptFuncs).Parse(tmpl)
		if err != nil {
			return "", fmt.Errorf("parse prompt template: %w", err)
		}

		var buf bytes.Buffer
		if err := t.Execute(&buf, event); err != nil {
			return "", fmt.Errorf("render prompt template: %w", err)
		}
		return buf.String(), nil
	}
}

// promptFuncs provides helpers available to every prompt template.
var promptFuncs = template.FuncMap{
	"truncate": truncate,
	"display":  displayString,
}
