package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"bookingflow/backend/internal/api"
	"bookingflow/backend/internal/auth"
	"bookingflow/backend/internal/cache"
	"bookingflow/backend/internal/config"
	"bookingflow/backend/internal/links"
	"bookingflow/backend/internal/logging"
	"bookingflow/backend/internal/mcp"
	"bookingflow/backend/internal/messaging"
	"bookingflow/backend/internal/repository"
	"bookingflow/backend/internal/scheduler"
	"bookingflow/backend/internal/services"
	"bookingflow/backend/internal/tls"
)

var (
	migrateOnStart bool
	version        = "dev"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and background jobs",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "Apply the database schema before serving")
}

func newDispatcher(cfg *config.Config, logger *logging.Logger) messaging.Dispatcher {
	if cfg.Messaging.URL == "" {
		logger.Warn("messaging.url is not set; notifications are logged, not sent")
		return messaging.NewLogDispatcher(logger)
	}
	return messaging.NewHTTPDispatcher(cfg.Messaging.URL, cfg.Messaging.FromEmail, cfg.Messaging.Timeout)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"public_base_url", cfg.Server.PublicBaseURL,
	)
	logger.Info("Starting booking workflow service", "version", version)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	defer dbPool.Close()
	logger.Info("Database connected")

	store := repository.NewPostgresStore(dbPool)
	if migrateOnStart {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("Schema applied")
	}

	codec, err := links.NewCodec(cfg.Links.Secret)
	if err != nil {
		return err
	}
	dispatcher := newDispatcher(cfg, logger)

	engine := services.NewEngine(store, codec, dispatcher, nil, logger, services.Settings{
		ProviderLinkTTL:       cfg.Links.ProviderTTL,
		QuoteLinkTTL:          cfg.Links.QuoteTTL,
		MaxProvidersToContact: cfg.Workflow.MaxProvidersToContact,
		MinResponsesRequired:  cfg.Workflow.MinResponsesRequired,
		RecommendedQuotes:     cfg.Workflow.RecommendedQuotes,
		ResponseTimeout:       cfg.Workflow.ResponseTimeout,
		PublicBaseURL:         cfg.Server.PublicBaseURL,
	})
	tracker := services.NewTracker(store,
		cache.NewTTLCache[*services.TrackingData](cfg.Tracking.MaxEntries, cfg.Tracking.TTL),
		time.Now, cfg.Tracking.ActiveRefresh)
	guard := auth.New(store, codec, dispatcher, logger, auth.Settings{
		SessionTTL:     cfg.Auth.SessionTTL,
		MaxAttempts:    cfg.Auth.MaxPinAttempts,
		ResetTokenTTL:  cfg.Auth.ResetTokenTTL,
		AllowOverwrite: cfg.Auth.AllowPinOverwrite,
		ResetURL:       cfg.Server.PublicBaseURL + "/provider/reset-pin",
	})
	logger.Info("Service layer initialized")

	sched := scheduler.New(engine, store, logger, scheduler.Options{
		CheckInterval: cfg.Workflow.ResponseCheckInterval,
		ReaperSpec:    cfg.Workflow.ReaperSpec,
	})
	engine.SetNotifier(sched)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.HTTPErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware("bookingflow"))
	e.Use(middleware.Logger())

	api.NewServer(engine, tracker, guard, store, logger, api.Options{
		CookieSecure: cfg.Auth.CookieSecure,
		Version:      version,
	}).Register(e)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(engine, tracker)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	tlsCfg := cfg.Server.TLS
	if tlsCfg.Enable {
		generated, err := tls.EnsureSelfSignedCert(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.Hostnames)
		if err != nil {
			return fmt.Errorf("failed to prepare TLS certificate: %w", err)
		}
		if generated {
			logger.Warn("Generated a self-signed certificate", "cert_file", tlsCfg.CertFile, "hostnames", tlsCfg.Hostnames)
		}
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", addr, "tls", tlsCfg.Enable)
		if tlsCfg.Enable {
			serverErrors <- server.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
		logger.Info("Server stopped gracefully")
	}
	return nil
}
