package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/datasharingframework/dsf-sub004/internal/api"
	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/authz"
	"github.com/datasharingframework/dsf-sub004/internal/config"
	"github.com/datasharingframework/dsf-sub004/internal/directory"
	"github.com/datasharingframework/dsf-sub004/internal/lifecycle"
	"github.com/datasharingframework/dsf-sub004/internal/platform/db"
	"github.com/datasharingframework/dsf-sub004/internal/platform/event"
	"github.com/datasharingframework/dsf-sub004/internal/platform/middleware"
	"github.com/datasharingframework/dsf-sub004/internal/platform/remote"
	"github.com/datasharingframework/dsf-sub004/internal/platform/store"
	"github.com/datasharingframework/dsf-sub004/internal/platform/websocket"
	"github.com/datasharingframework/dsf-sub004/internal/refs"
)

// remoteProviderAdapter narrows the remote client provider to the interface
// the reference resolver consumes.
type remoteProviderAdapter struct {
	provider *remote.Provider
}

func (a remoteProviderAdapter) ClientFor(serverBase string) (refs.RemoteClient, error) {
	return a.provider.ClientFor(serverBase)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "exchange-server",
		Short: "Clinical data exchange server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the exchange server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, cfg.MigrationsDir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, cfg.MigrationsDir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					appliedAt = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

// buildDirectory seeds the organization directory from configuration.
func buildDirectory(cfg *config.Config) *directory.Static {
	dir := directory.NewStatic().AddOrganization(cfg.LocalOrganization)
	for _, org := range cfg.AllowedOrganizations {
		dir.AddOrganization(strings.TrimSpace(org))
	}
	for _, entry := range cfg.Affiliations {
		parts := strings.Split(entry, "|")
		if len(parts) != 4 {
			continue
		}
		dir.AddOrganization(parts[1])
		dir.AddAffiliation(parts[0], parts[1], parts[2], parts[3])
	}
	return dir
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDev() {
		logger.Warn().Msg("running in development mode, X-Organization header is trusted")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	dir := buildDirectory(cfg)
	engine := authz.NewEngine(dir, logger)

	remotes := remote.NewProvider(remote.DefaultFactory(
		time.Duration(cfg.RemoteTimeoutSeconds)*time.Second, logger))
	resolver := refs.NewResolver(cfg.ServerBaseURL, remoteProviderAdapter{remotes}, logger)

	documents := store.NewPG(pool)

	bus := event.NewBus(logger)
	bus.Subscribe(func(e event.Event) {
		logger.Debug().Str("event", string(e.Type)).Str("resource", e.ResourceType+"/"+e.ResourceID).Msg("resource event")
	})

	hub := websocket.NewHub(logger)
	subscriptions := websocket.NewManager(hub, documents, engine, logger)
	bus.Subscribe(subscriptions.OnEvent)

	svc := lifecycle.NewService(documents, engine, resolver, bus,
		cfg.ServerBaseURL, lifecycle.TerminalStateExemption{}, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	authCfg := auth.MiddlewareConfig{
		LocalOrganization:    cfg.LocalOrganization,
		AllowedOrganizations: cfg.AllowedOrganizations,
		Issuer:               cfg.AuthIssuer,
		Audience:             cfg.AuthAudience,
		JWKSURL:              cfg.AuthJWKSURL,
	}
	identityMiddleware := auth.JWTMiddleware(authCfg, dir)
	if cfg.IsDev() {
		identityMiddleware = auth.DevMiddleware(authCfg, dir)
	}

	fhirGroup := e.Group("/fhir")
	fhirGroup.Use(identityMiddleware)
	api.NewHandler(svc, cfg.ServerBaseURL, logger).RegisterRoutes(fhirGroup)

	wsGroup := e.Group("/ws")
	wsGroup.Use(identityMiddleware)
	websocket.NewHandler(hub, subscriptions, logger).RegisterRoutes(wsGroup)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("base", cfg.ServerBaseURL).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
