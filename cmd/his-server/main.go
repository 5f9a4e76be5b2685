package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/his/his/internal/config"
	"github.com/his/his/internal/platform/auth"
	"github.com/his/his/internal/platform/db"
	"github.com/his/his/internal/platform/middleware"
	"github.com/his/his/internal/tenant"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "his-server",
		Short: "Multi-tenant hospital information system API server",
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
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run control-plane database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
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
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage hospital tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Onboard a new hospital: record, database, schema, default modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			domain, _ := cmd.Flags().GetString("domain")
			slug, _ := cmd.Flags().GetString("slug")
			plan, _ := cmd.Flags().GetString("plan")
			if name == "" || domain == "" {
				return fmt.Errorf("--name and --domain are required")
			}

			deps, err := buildTenantDeps()
			if err != nil {
				return err
			}
			defer deps.close()

			h, err := deps.provisioner.Onboard(context.Background(), tenant.OnboardRequest{
				Name:   name,
				Domain: domain,
				Slug:   slug,
				Plan:   plan,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Hospital %q created: id=%d slug=%s db=%s\n", h.Name, h.ID, h.Slug, h.DBName)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Hospital display name")
	createCmd.Flags().String("domain", "", "Routing domain, e.g. hopital-a.example.com")
	createCmd.Flags().String("slug", "", "Short identifier (derived from name when omitted)")
	createCmd.Flags().String("plan", "", "Subscription plan")
	cmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List active hospitals",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildTenantDeps()
			if err != nil {
				return err
			}
			defer deps.close()

			hospitals, err := deps.registry.ListActive(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("%-6s %-24s %-34s %-14s %s\n", "ID", "SLUG", "DOMAIN", "STATUS", "DATABASE")
			for _, h := range hospitals {
				fmt.Printf("%-6d %-24s %-34s %-14s %s\n", h.ID, h.Slug, h.Domain, h.Status, h.DBName)
			}
			return nil
		},
	}
	cmd.AddCommand(listCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a hospital's database is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, _ := cmd.Flags().GetString("slug")
			if slug == "" {
				return fmt.Errorf("--slug is required")
			}

			deps, err := buildTenantDeps()
			if err != nil {
				return err
			}
			defer deps.close()

			ctx := context.Background()
			h, err := deps.registry.GetBySlug(ctx, slug)
			if err != nil {
				return err
			}
			if err := deps.provisioner.Verify(ctx, h); err != nil {
				return err
			}
			fmt.Printf("Hospital %q database %s is reachable.\n", h.Slug, h.DBName)
			return nil
		},
	}
	verifyCmd.Flags().String("slug", "", "Hospital slug")
	cmd.AddCommand(verifyCmd)

	enableCmd := &cobra.Command{
		Use:   "enable-module <module>",
		Short: "Enable a business module for a hospital",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, _ := cmd.Flags().GetString("slug")
			if slug == "" {
				return fmt.Errorf("--slug is required")
			}

			deps, err := buildTenantDeps()
			if err != nil {
				return err
			}
			defer deps.close()

			ctx := context.Background()
			h, err := deps.registry.GetBySlug(ctx, slug)
			if err != nil {
				return err
			}
			changed, err := deps.gate.Enable(ctx, h.ID, args[0], "cli")
			if err != nil {
				return err
			}
			if !changed {
				fmt.Printf("Module %s was already enabled for %q.\n", args[0], h.Slug)
				return nil
			}
			fmt.Printf("Module %s enabled for %q.\n", args[0], h.Slug)
			return nil
		},
	}
	enableCmd.Flags().String("slug", "", "Hospital slug")
	cmd.AddCommand(enableCmd)

	disableCmd := &cobra.Command{
		Use:   "disable-module <module>",
		Short: "Disable a business module for a hospital",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, _ := cmd.Flags().GetString("slug")
			if slug == "" {
				return fmt.Errorf("--slug is required")
			}

			deps, err := buildTenantDeps()
			if err != nil {
				return err
			}
			defer deps.close()

			ctx := context.Background()
			h, err := deps.registry.GetBySlug(ctx, slug)
			if err != nil {
				return err
			}
			changed, err := deps.gate.Disable(ctx, h.ID, args[0])
			if err != nil {
				return err
			}
			if !changed {
				fmt.Printf("Module %s was already disabled for %q.\n", args[0], h.Slug)
				return nil
			}
			fmt.Printf("Module %s disabled for %q.\n", args[0], h.Slug)
			return nil
		},
	}
	disableCmd.Flags().String("slug", "", "Hospital slug")
	cmd.AddCommand(disableCmd)

	return cmd
}

// tenantDeps bundles the tenancy wiring shared by the server and the CLI.
type tenantDeps struct {
	cfg         *config.Config
	pool        *pgxpool.Pool
	registry    *tenant.Registry
	switchboard *tenant.Switchboard
	gate        *tenant.Gate
	settings    *tenant.Settings
	provisioner *tenant.Provisioner
}

func (d *tenantDeps) close() {
	d.switchboard.CloseAll()
	d.pool.Close()
}

func buildTenantDeps() (*tenantDeps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}

	registry := tenant.NewRegistry(tenant.NewRepository(pool),
		time.Duration(cfg.RegistryCacheTTLMin)*time.Minute)
	switchboard := tenant.NewSwitchboard(tenant.SwitchboardConfig{
		DefaultHost:     cfg.TenantDBHost,
		DefaultPort:     cfg.TenantDBPort,
		DefaultUser:     cfg.TenantDBUser,
		DefaultPassword: cfg.TenantDBPassword,
		MaxConns:        cfg.TenantDBMaxConns,
		MinConns:        cfg.TenantDBMinConns,
		ConnectTimeout:  time.Duration(cfg.TenantConnectTimeoutSec) * time.Second,
	}, nil)
	gate := tenant.NewGate(tenant.NewModuleRepository(pool),
		time.Duration(cfg.ModuleCacheTTLMin)*time.Minute)
	settings := tenant.NewSettings(tenant.NewSettingRepository(pool),
		time.Duration(cfg.SettingsCacheTTLMin)*time.Minute)
	provisioner := tenant.NewProvisioner(
		tenant.NewRepository(pool), registry, switchboard, gate,
		pool, cfg.TenantMigrationsDir,
		[]string{"Patient", "Doctor", "Appointment"})

	return &tenantDeps{
		cfg:         cfg,
		pool:        pool,
		registry:    registry,
		switchboard: switchboard,
		gate:        gate,
		settings:    settings,
		provisioner: provisioner,
	}, nil
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	log.Logger = logger

	deps, err := buildTenantDeps()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer deps.close()
	cfg := deps.cfg
	logger.Info().Msg("connected to control-plane database")

	resolver := tenant.NewResolver(deps.registry, tenant.ResolverConfig{
		FallbackEnabled: cfg.TenantFallbackEnabled && cfg.IsDev(),
		DefaultTenant:   cfg.DefaultTenant,
	})
	tenantMW := tenant.NewMiddleware(resolver, deps.switchboard, deps.gate,
		auth.IsPublicPath, cfg.IsProduction())

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID",
			tenant.HeaderTenantID, tenant.HeaderTenantDomain, tenant.HeaderTenantOverride},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			SigningKey: []byte(cfg.JWTSecret),
			Skipper:    auth.Skipper,
		}))
	}

	e.Use(tenantMW.Handler())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(deps.pool))

	tenantHandler := tenant.NewHandler(deps.registry, deps.provisioner, deps.gate,
		deps.settings, cfg.IsProduction())
	tenantHandler.RegisterHealthRoutes(e)

	// Business-module handlers mount under /api/v1; every request reaching
	// them already carries an active hospital connection and passed the
	// module gate.
	apiV1 := e.Group("/api/v1")
	tenantHandler.RegisterPublicRoutes(apiV1)
	tenantHandler.RegisterAdminRoutes(e.Group("/api/v1/admin"))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}
