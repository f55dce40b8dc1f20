package util

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
)

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"join":  func(sep string, items []string) string { return strings.Join(items, sep) },
	"default": func(fallback, v any) any {
		if v == nil || v == "" {
			return fallback
		}
		return v
	},
}

// parsed caches templates by source text; prompt templates are few and
// rendered once per request.
var parsed sync.Map

// RenderTemplate executes text as a text/template with state as dot.
// Missing keys render as their zero value. Text without "{{" is returned as is.
func RenderTemplate(text string, state map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := lookupTemplate(text)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, state); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return sb.String(), nil
}

func lookupTemplate(text string) (*template.Template, error) {
	if t, ok := parsed.Load(text); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("prompt").Option("missingkey=zero").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	actual, _ := parsed.LoadOrStore(text, t)
	return actual.(*template.Template), nil
}
