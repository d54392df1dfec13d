package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers mail through an SMTP relay with PLAIN auth.
type SMTPSender struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPSender{cfg: cfg, sendMail: smtp.SendMail}
}

func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("smtp: header values must not contain line breaks")
	}

	var a smtp.Auth
	if s.cfg.Username != "" {
		a = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n\r\n%s", s.cfg.From, to, subject, body)

	if err := s.sendMail(addr, a, s.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", addr, err)
	}
	return nil
}

// LogSender writes messages to the log instead of delivering them. Used when
// no SMTP relay is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().
		Str("to", to).
		Str("subject", subject).
		Int("body_len", len(body)).
		Msg("email (log sender)")
	return nil
}
