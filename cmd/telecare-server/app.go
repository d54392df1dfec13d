package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/config"
	"github.com/telecare/telecare/internal/domain/appointment"
	"github.com/telecare/telecare/internal/domain/gdpr"
	"github.com/telecare/telecare/internal/domain/medicalrecord"
	"github.com/telecare/telecare/internal/domain/membership"
	"github.com/telecare/telecare/internal/domain/patient"
	"github.com/telecare/telecare/internal/domain/qualification"
	"github.com/telecare/telecare/internal/platform/audit"
	"github.com/telecare/telecare/internal/platform/db"
	"github.com/telecare/telecare/internal/platform/encryption"
	"github.com/telecare/telecare/internal/platform/middleware"
	"github.com/telecare/telecare/internal/platform/notification"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		MaxConnLifetime:   time.Hour,
		HealthCheckPeriod: time.Minute,
	})
}

func newEncryption(cfg *config.Config, logger zerolog.Logger) (*encryption.Service, error) {
	previous, err := cfg.PreviousKeys()
	if err != nil {
		return nil, err
	}
	return encryption.NewService(encryption.Options{
		Key:          cfg.EncryptionKey,
		Version:      cfg.EncryptionKeyVersion,
		PreviousKeys: previous,
		Production:   cfg.IsProduction(),
	}, logger)
}

func newDispatcher(cfg *config.Config, logger zerolog.Logger) *notification.Dispatcher {
	var sender notification.EmailSender = notification.NewLogSender(logger)
	if cfg.SMTPHost != "" {
		sender = notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else {
		logger.Warn().Msg("SMTP_HOST not set: emails are logged instead of sent")
	}
	return notification.NewDispatcher(notification.NewTemplateEngine(), sender, logger)
}

// app holds the wired services shared by the server and the CLI commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool

	cipher       *encryption.Service
	auditStore   audit.Store
	auditLogger  *audit.Logger
	dispatcher   *notification.Dispatcher
	membership   *membership.Service
	reminders    *membership.Reminders
	patients     *patient.Service
	appointments *appointment.Service
	records      *medicalrecord.Service
	credentials  *qualification.Service
	gdpr         *gdpr.Service
}

func newApp(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) (*app, error) {
	cipher, err := newEncryption(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, pool: pool, cipher: cipher}
	tx := db.NewTransactor(pool)

	a.auditStore = audit.NewStorePG(pool)
	a.auditLogger = audit.NewLogger(a.auditStore, logger)
	a.dispatcher = newDispatcher(cfg, logger)

	a.membership = membership.NewService(membership.NewRepositoriesPG(pool), tx, logger)
	if cfg.StripeSecretKey != "" {
		a.membership.WithBilling(membership.NewStripeBilling(cfg.StripeSecretKey))
	} else {
		logger.Warn().Msg("STRIPE_SECRET_KEY not set, cancellations of Stripe-backed subscriptions will be refused")
	}
	a.patients = patient.NewService(patient.NewRepoPG(pool), cipher, logger)
	a.reminders = membership.NewReminders(a.membership, a.patients, a.dispatcher, cfg.ReminderLeadDays, logger)
	a.appointments = appointment.NewService(appointment.NewRepoPG(pool), a.membership, tx, logger).
		WithNotifications(a.patients, a.dispatcher)
	a.records = medicalrecord.NewService(medicalrecord.NewRepoPG(pool), cipher, logger)
	a.credentials = qualification.NewService(qualification.NewRepoPG(pool),
		qualification.NewDirectiveRegistry(), tx, logger)
	a.gdpr = gdpr.NewService(gdpr.Sources{
		Patients:     a.patients,
		Appointments: a.appointments,
		Records:      a.records,
		Memberships:  a.membership,
		Audit:        a.auditStore,
	}, gdpr.NewRetentionService(gdpr.DefaultRetentionPolicies(), logger), logger).
		WithConsents(gdpr.NewConsentStorePG(pool), tx)
	return a, nil
}

// auditRecorder persists request-level audit entries through the audit logger.
func (a *app) auditRecorder() middleware.AuditRecorder {
	return middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		a.auditLogger.Log(context.Background(), audit.Event{
			UserID:       entry.UserID,
			Action:       "api_" + entry.Action,
			ResourceType: entry.ResourceType,
			ResourceID:   entry.ResourceID,
			Details: map[string]interface{}{
				"method":     entry.Method,
				"path":       entry.Path,
				"statusCode": entry.StatusCode,
				"patientId":  entry.PatientID,
				"roles":      entry.UserRoles,
			},
			IPAddress: entry.IPAddress,
			UserAgent: entry.UserAgent,
			RequestID: entry.RequestID,
			CreatedAt: entry.Timestamp,
		})
		return nil
	})
}
