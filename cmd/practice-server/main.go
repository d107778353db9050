package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carepoint/practice/internal/config"
	"github.com/carepoint/practice/internal/domain/scheduling"
	"github.com/carepoint/practice/internal/platform/auth"
	"github.com/carepoint/practice/internal/platform/cache"
	"github.com/carepoint/practice/internal/platform/calendar"
	"github.com/carepoint/practice/internal/platform/db"
	"github.com/carepoint/practice/internal/platform/jobs"
	"github.com/carepoint/practice/internal/platform/middleware"
	"github.com/carepoint/practice/internal/platform/notification"
	"github.com/carepoint/practice/internal/platform/telemetry"
	"github.com/carepoint/practice/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "practice-server",
		Short: "Practice scheduling API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationFiles returns MIGRATIONS_DIR when set, otherwise the embedded
// migrations.
func migrationFiles(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

// targetSchemas resolves --tenant/--all into schema names.
func targetSchemas(ctx context.Context, cmd *cobra.Command, pool *pgxpool.Pool, cfg *config.Config) ([]string, error) {
	all, _ := cmd.Flags().GetBool("all")
	if all {
		tenants, err := db.ListTenants(ctx, pool)
		if err != nil {
			return nil, err
		}
		schemas := make([]string, len(tenants))
		for i, t := range tenants {
			schemas[i] = db.SchemaName(t)
		}
		return schemas, nil
	}
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	return []string{db.SchemaName(tenant)}, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schemas, err := targetSchemas(ctx, cmd, pool, cfg)
			if err != nil {
				return err
			}
			target, _ := cmd.Flags().GetInt("to")
			migrator := db.NewMigrator(pool, migrationFiles(cfg))
			for _, schema := range schemas {
				count, err := migrator.UpTo(ctx, schema, target)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("%s: applied %d migration(s).\n", schema, count)
			}
			return nil
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant to migrate (defaults to DEFAULT_TENANT)")
	upCmd.Flags().Bool("all", false, "Migrate every tenant schema")
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies everything)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schemas, err := targetSchemas(ctx, cmd, pool, cfg)
			if err != nil {
				return err
			}
			migrator := db.NewMigrator(pool, migrationFiles(cfg))
			for _, schema := range schemas {
				statuses, err := migrator.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd, schema, statuses)
			}
			return nil
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant to inspect (defaults to DEFAULT_TENANT)")
	statusCmd.Flags().Bool("all", false, "Inspect every tenant schema")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(cmd *cobra.Command, schema string, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, db.NewMigrator(pool, migrationFiles(cfg))); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tenant schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			tenants, err := db.ListTenants(ctx, pool)
			if err != nil {
				return err
			}
			for _, t := range tenants {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	tenantScope := func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
		return db.WithTenant(ctx, pool, tenantID, fn)
	}

	// Session cache: redis when configured, process memory otherwise.
	var sessionCache scheduling.KeyValueCache
	if cfg.RedisURL != "" {
		rc, client, err := cache.NewRedis(ctx, cfg.RedisURL, "practice:")
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		sessionCache = rc
		logger.Info().Msg("connected to redis")
	} else {
		mem := cache.NewMemory()
		go mem.StartCleanup(ctx, time.Minute)
		sessionCache = mem
	}

	// Scheduling stores and settings
	rules := scheduling.NewRuleStorePG(pool)
	appointments := scheduling.NewAppointmentStorePG(pool)
	directory := scheduling.NewDirectoryPG(pool)
	settings := scheduling.NewSettingsService(scheduling.NewSettingsStorePG(pool), scheduling.Settings{
		Timezone:       cfg.DefaultTimezone,
		SessionMinutes: cfg.DefaultSessionMinutes,
	})

	// External calendars
	connections := calendar.NewStorePG(pool)
	var calendarGW scheduling.ExternalCalendarGateway = noCalendar{}
	var google *calendar.Google
	if cfg.CalendarEnabled() {
		google = calendar.NewGoogle(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
		calendarGW = calendarGateway{gw: calendar.NewGateway(connections, google, logger)}
		logger.Info().Msg("google calendar integration enabled")
	}

	// Notifications
	var (
		emailSender notification.EmailSender
		smsSender   notification.SMSSender
	)
	if cfg.EmailEnabled() {
		emailSender = notification.NewSendGrid(cfg.SendGridAPIKey, cfg.SendGridFromEmail, cfg.SendGridFromName)
	}
	if cfg.SMSEnabled() {
		smsSender = notification.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
	}
	notifications := notification.NewManager(emailSender, smsSender, logger)
	var dispatcher scheduling.NotificationDispatcher
	if emailSender != nil || smsSender != nil {
		dispatcher = &bookingNotifier{
			directory: directory,
			settings:  settings,
			notifier:  notifications,
			scope:     tenantScope,
		}
	}

	// Scheduling core
	resolver := scheduling.NewResolver(rules, appointments, cfg.MaxAvailabilityDays, logger)
	detector := scheduling.NewDetector(calendarGW, directory, logger,
		scheduling.WithConnectionCache(sessionCache, cfg.CalendarSessionTTL),
		scheduling.WithLookupTimeout(cfg.CalendarLookupTimeout),
	)
	orchestrator := scheduling.NewOrchestrator(appointments, dispatcher, logger)
	defer orchestrator.Wait()

	// Metrics
	metrics := telemetry.NewProvider(telemetry.Config{Enabled: cfg.MetricsEnabled})
	metrics.DescribeCounter("appointments_completed_total", "Confirmed appointments completed by the sweeper.")
	registerPoolGauges(metrics, pool)
	registerNotificationGauges(metrics, notifications)

	// Completion sweeper
	sweeper := jobs.NewSweeper(countingCompleter{completer: orchestrator, metrics: metrics}, func(ctx context.Context) ([]string, error) {
		return db.ListTenants(ctx, pool)
	}, tenantScope, logger)
	if err := sweeper.Start(cfg.CompletionSweepSpec); err != nil {
		logger.Fatal().Err(err).Msg("failed to start completion sweeper")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, db.TenantHeader, scheduling.BookingSessionHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	rateLimit := middleware.RateLimit(rateLimitCfg)

	// API groups. The public group shares the prefix but has no tenant
	// binding; the OAuth callback resolves its tenant from the state.
	apiV1 := e.Group("/api/v1",
		auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.JWTIssuer,
			SigningKey: []byte(cfg.JWTSecret),
			Skipper:    auth.AuthSkipper,
		}),
		rateLimit,
		db.TenantMiddleware(pool, cfg.DefaultTenant),
	)
	public := e.Group("/api/v1", rateLimit)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	if cfg.MetricsEnabled {
		e.GET("/metrics", metrics.Handler())
	}

	scheduling.NewHandler(resolver, detector, orchestrator, scheduling.NewRuleService(rules), settings).RegisterRoutes(apiV1)
	notification.NewHandler(notifications).RegisterRoutes(apiV1)
	if google != nil {
		calendar.NewHandler(connections, google, sessionCache, tenantScope, logger).RegisterRoutes(apiV1, public)
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	sweeper.Stop(shutdownCtx)
	logger.Info().Msg("server stopped")
	return nil
}
