// Package notify delivers templated messages to tracked parties over Slack
// and WhatsApp.
package notify

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"
)

// Built-in templates. Callers may override or add more with Define.
var defaultTemplates = map[string]string{
	"invite": `Hi {{.name}}, we're moving the family over to new services. ` +
		`Please set up {{.capability}}{{with .link}}: {{.}}{{end}}`,
	"reminder": `Hi {{.name}}, a reminder to finish setting up {{.capability}}.`,
	"progress": `Transfer {{.label}} is at {{printf "%.1f" .percent}}%{{with .eta}}, about {{printf "%.0f" .}} days left{{end}}.`,
	"auth": `Action needed: approve the sign-in for {{.account}} on {{.service}}.`,
}

// Renderer renders named message templates.
type Renderer struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

// NewRenderer creates a renderer with the built-in templates.
func NewRenderer() *Renderer {
	r := &Renderer{templates: make(map[string]*template.Template)}
	for name, text := range defaultTemplates {
		if err := r.Define(name, text); err != nil {
			panic(err)
		}
	}
	return r
}

// Define parses text and registers it under name.
func (r *Renderer) Define(name, text string) error {
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", name, err)
	}
	r.mu.Lock()
	r.templates[name] = t
	r.mu.Unlock()
	return nil
}

// Render executes template name with data.
func (r *Renderer) Render(name string, data map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
