package reminder

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// DefaultTemplate is the SMS body used when no template is configured.
const DefaultTemplate = "Hello {{.PatientName}}, remember to take {{.MedicationName}} ({{.Dosage}})."

// Renderer turns a reminder payload into the outbound message text.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses text as a text/template over Reminder fields.
// Empty text selects DefaultTemplate.
func NewRenderer(text string) (*Renderer, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	t, err := template.New("reminder").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("message template: %w", err)
	}
	// Dry run so field typos fail at startup, not at 8am.
	if err := t.Execute(&bytes.Buffer{}, Reminder{}); err != nil {
		return nil, fmt.Errorf("message template: %w", err)
	}
	return &Renderer{tmpl: t}, nil
}

func (r *Renderer) Render(rem Reminder) (string, error) {
	var b bytes.Buffer
	if err := r.tmpl.Execute(&b, rem); err != nil {
		return "", fmt.Errorf("render reminder %s: %w", rem.ID, err)
	}
	return strings.TrimSpace(b.String()), nil
}
