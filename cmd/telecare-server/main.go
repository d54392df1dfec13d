package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/telecare/telecare/internal/domain/appointment"
	"github.com/telecare/telecare/internal/domain/gdpr"
	"github.com/telecare/telecare/internal/domain/medicalrecord"
	"github.com/telecare/telecare/internal/domain/membership"
	"github.com/telecare/telecare/internal/domain/patient"
	"github.com/telecare/telecare/internal/domain/qualification"
	"github.com/telecare/telecare/internal/platform/audit"
	"github.com/telecare/telecare/internal/platform/auth"
	"github.com/telecare/telecare/internal/platform/db"
	"github.com/telecare/telecare/internal/platform/encryption"
	"github.com/telecare/telecare/internal/platform/jobs"
	"github.com/telecare/telecare/internal/platform/middleware"
	"github.com/telecare/telecare/migrations"
)

const (
	version = "0.1.0"

	jobRenewalReminders = "renewal-reminders"
	jobLifecycleSweep   = "membership-lifecycle"
	jobCredentialExpiry = "qualification-expiry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "telecare-server",
		Short:        "Telemedicine membership and records API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(plansCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(cyclesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp loads config, connects to the database and wires services for a
// one-shot command.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	a, err := newApp(cfg, logger, pool)
	if err != nil {
		return err
	}
	defer a.auditLogger.Close(ctx)
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func plansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Manage the membership plan catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Insert or update the default plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				n, err := a.membership.SeedPlans(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Seeded %d plan(s).\n", n)
				return nil
			})
		},
	})
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage medical data encryption keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Print a new random master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encryption.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(key))
			return nil
		},
	})

	rewrap := &cobra.Command{
		Use:   "rewrap",
		Short: "Re-encrypt stored data still under a previous key",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, _ := cmd.Flags().GetInt("batch")
			return withApp(func(ctx context.Context, a *app) error {
				patients, err := a.patients.Rewrap(ctx, batch)
				if err != nil {
					return fmt.Errorf("rewrap patients: %w", err)
				}
				records, err := a.records.Rewrap(ctx, batch)
				if err != nil {
					return fmt.Errorf("rewrap medical records: %w", err)
				}
				fmt.Printf("Rewrapped %d patient(s) and %d medical record(s) to key v%d.\n",
					patients, records, a.cipher.KeyVersion())
				return nil
			})
		},
	}
	rewrap.Flags().Int("batch", 100, "Rows per batch")
	cmd.AddCommand(rewrap)

	return cmd
}

func cyclesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "Membership cycle maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "End expired subscriptions and open due cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.membership.SweepLifecycle(ctx, time.Now())
				if err != nil {
					return err
				}
				fmt.Printf("Ended %d subscription(s), renewed %d cycle(s).\n", res.Ended, res.Renewed)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remind",
		Short: "Send renewal reminders due today",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return a.reminders.Run(ctx)
			})
		},
	})
	return cmd
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Env,
			Release:          "telecare@" + version,
			AttachStacktrace: true,
		}); err != nil {
			logger.Error().Err(err).Msg("sentry init failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := newApp(cfg, logger, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise services")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.ReportServerErrors())
	securityCfg := middleware.DefaultSecurityHeadersConfig()
	if cfg.IsDev() {
		securityCfg.HSTSMaxAge = 0
	}
	e.Use(middleware.SecurityHeadersWithConfig(securityCfg))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	e.GET("/health/encryption", a.cipher.HealthHandler())

	// Stripe signs its own requests; the webhook sits outside token auth.
	membership.NewStripeHandler(a.membership, cfg.StripeWebhookSecret, a.patients, logger).RegisterRoutes(e)

	api := e.Group("/api")
	api.Use(middleware.RequestTimeout(30 * time.Second))
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	api.Use(middleware.RateLimit(rateLimitCfg))
	if cfg.IsDev() && cfg.AuthJWTSecret == "" && cfg.AuthJWKSURL == "" {
		logger.Warn().Msg("no token verification configured: using development auth")
		api.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}
		if cfg.AuthJWTSecret != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthJWTSecret)
		}
		api.Use(auth.JWTMiddleware(jwtCfg))
	}
	api.Use(middleware.Audit(logger, a.auditRecorder()))

	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))

	membership.NewHandler(a.membership, a.auditLogger).RegisterRoutes(api, admin)
	patient.NewHandler(a.patients, a.auditLogger).RegisterRoutes(api)
	appointment.NewHandler(a.appointments, a.auditLogger).RegisterRoutes(api)
	medicalrecord.NewHandler(a.records, a.auditLogger).RegisterRoutes(api)
	qualification.NewHandler(a.credentials, a.auditLogger).RegisterRoutes(api)
	gdpr.NewHandler(a.gdpr, a.auditLogger).RegisterRoutes(api, admin)
	audit.NewHandler(a.auditStore, a.auditLogger).RegisterRoutes(admin)

	scheduler := jobs.NewScheduler(logger, 10*time.Minute)
	if err := scheduler.Daily(jobRenewalReminders, cfg.ReminderTime, a.reminders.Run); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule renewal reminders")
	}
	if err := scheduler.Every(jobLifecycleSweep, time.Hour, a.membership.SweepNow); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule lifecycle sweep")
	}
	if err := scheduler.Daily(jobCredentialExpiry, "02:00", a.credentials.ExpireNow); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule qualification expiry")
	}
	registerJobRoutes(admin, scheduler)
	scheduler.Start()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler shutdown failed")
	}
	if err := a.auditLogger.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("audit flush incomplete")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// registerJobRoutes exposes the schedule and manual triggers to admins.
func registerJobRoutes(admin *echo.Group, scheduler *jobs.Scheduler) {
	admin.GET("/jobs", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"nextRuns": scheduler.NextRuns()})
	})
	admin.POST("/jobs/:name/run", func(c echo.Context) error {
		name := c.Param("name")
		if err := scheduler.RunNow(name); err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "unknown job: "+name)
		}
		return c.JSON(http.StatusAccepted, map[string]string{"job": name, "status": "triggered"})
	})
}
