// Package notification renders templated emails and delivers them through a
// pluggable sender.
package notification

import (
	"fmt"
	"strings"
	"sync"
)

const (
	TemplateRenewalUpcoming      = "membership-renewal-upcoming"
	TemplateAppointmentConfirmed = "appointment-confirmed"
	TemplateAppointmentCancelled = "appointment-cancelled"
)

// Template defines a reusable notification template with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateRenewalUpcoming,
			Name:    "Membership Renewal Upcoming",
			Subject: "Your {{plan_name}} membership renews on {{renewal_date}}",
			Body: "Hello {{patient_name}},\n\nYour {{plan_name}} membership renews on {{renewal_date}} " +
				"({{days_until_renewal}} days from now) for {{amount}} {{currency}}. " +
				"You have {{allowance_remaining}} covered consultation(s) left in the current cycle; " +
				"unused consultations do not carry over.\n\nThe Telecare team",
		},
		{
			ID:      TemplateAppointmentConfirmed,
			Name:    "Appointment Confirmed",
			Subject: "Appointment confirmed for {{date}}",
			Body: "Hello {{patient_name}},\n\nYour consultation on {{date}} at {{time}} is confirmed. " +
				"Coverage: {{coverage}}. Amount due: {{amount_due}}.\n\nThe Telecare team",
		},
		{
			ID:      TemplateAppointmentCancelled,
			Name:    "Appointment Cancelled",
			Subject: "Appointment on {{date}} cancelled",
			Body: "Hello {{patient_name}},\n\nYour consultation on {{date}} at {{time}} was cancelled. " +
				"{{allowance_note}}\n\nThe Telecare team",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}
