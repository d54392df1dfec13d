package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Dispatcher renders templates and hands them to an EmailSender.
type Dispatcher struct {
	templates *TemplateEngine
	sender    EmailSender
	logger    zerolog.Logger
}

func NewDispatcher(tpl *TemplateEngine, sender EmailSender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		templates: tpl,
		sender:    sender,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// Send renders templateID with data and delivers it to the recipient.
// Failures are logged and returned.
func (d *Dispatcher) Send(ctx context.Context, templateID, to string, data map[string]string) error {
	if to == "" {
		return fmt.Errorf("notification %s: empty recipient", templateID)
	}
	subject, body, err := d.templates.Render(templateID, data)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	if err := d.sender.SendEmail(ctx, to, subject, body); err != nil {
		d.logger.Error().Err(err).Str("template", templateID).Msg("notification delivery failed")
		return err
	}
	d.logger.Debug().Str("template", templateID).Msg("notification sent")
	return nil
}
