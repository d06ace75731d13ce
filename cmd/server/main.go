// Package main is the entrypoint for the license control plane API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	activation "license-control-plane/backend/internal/activation/service"
	"license-control-plane/backend/internal/api"
	"license-control-plane/backend/internal/api/handler"
	mw "license-control-plane/backend/internal/api/middleware"
	"license-control-plane/backend/internal/audit"
	auditrepo "license-control-plane/backend/internal/audit/repository"
	carepo "license-control-plane/backend/internal/ca/repository"
	caservice "license-control-plane/backend/internal/ca/service"
	"license-control-plane/backend/internal/config"
	"license-control-plane/backend/internal/db"
	"license-control-plane/backend/internal/db/migrate"
	licdomain "license-control-plane/backend/internal/license/domain"
	licrepo "license-control-plane/backend/internal/license/repository"
	licservice "license-control-plane/backend/internal/license/service"
	"license-control-plane/backend/internal/security"
	"license-control-plane/backend/internal/telemetry/otel"
	"license-control-plane/backend/internal/token"
	usagerepo "license-control-plane/backend/internal/usage/repository"
	usageservice "license-control-plane/backend/internal/usage/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "license-control-plane", cfg.OTLPInsecure)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	dbConn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer dbConn.Close()
	slog.Info("database connected")

	if cfg.MigrateOnStart {
		if err := migrate.Up(cfg.DatabaseURL); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
	}

	auditRepo := auditrepo.NewPostgresRepository(dbConn)
	auditLogger := audit.NewLogger(auditRepo)
	sealer := security.NewSealer(cfg.KDFCacheTTLDuration())
	secret := security.NewSecret(cfg.CAPassphrase)

	authority := caservice.NewAuthority(
		carepo.NewPostgresRepository(dbConn),
		sealer,
		auditLogger,
		time.Duration(cfg.SigningKeyTTLDays)*24*time.Hour,
	)

	licenses := licrepo.NewPostgresRepository(dbConn)
	usages := usagerepo.NewPostgresRepository(dbConn)
	registrar := usageservice.NewRegistrar(usages, licenses, auditLogger)

	engine := token.NewEngine(
		authority,
		cfg.TokenIssuer,
		time.Duration(cfg.TokenTTLDays)*24*time.Hour,
		time.Duration(cfg.ForceOnlineDays)*24*time.Hour,
		cfg.Skew(),
		auditLogger,
	)

	activator := activation.New(licenses, registrar, engine, engine, authority, secret)

	licenseMgr := licservice.NewManager(licenses, usages, auditLogger, licdomain.PolicyDefaults{
		OverLimit:       licdomain.OverLimitPolicy(cfg.OverLimitPolicy),
		Uniqueness:      licdomain.UniquenessScope(cfg.UniqueUsageScope),
		TokenTTLDays:    cfg.TokenTTLDays,
		ForceOnlineDays: cfg.ForceOnlineDays,
	})

	deps := api.Dependencies{
		AdminAuth: mw.NewAdminAuth(cfg.AdminToken),

		HealthHandler: handler.NewHealthHandler(dbConn),

		ActivateHandler:   handler.NewActivateHandler(activator),
		HeartbeatHandler:  handler.NewHeartbeatHandler(activator),
		DeactivateHandler: handler.NewDeactivateHandler(activator),
		VerifyHandler:     handler.NewVerifyHandler(activator),
		BundleHandler:     handler.NewBundleHandler(activator),

		GenerateRootHandler:     handler.NewGenerateRootHandler(authority, secret),
		IssueSigningKeyHandler:  handler.NewIssueSigningKeyHandler(authority, secret),
		RotateKeyHandler:        handler.NewRotateKeyHandler(authority, secret),
		RevokeKeyHandler:        handler.NewRevokeKeyHandler(authority),
		ListKeysHandler:         handler.NewListKeysHandler(authority),
		CreateLicenseHandler:    handler.NewCreateLicenseHandler(licenseMgr),
		GetLicenseHandler:       handler.NewGetLicenseHandler(licenseMgr),
		LicenseUsagesHandler:    handler.NewLicenseUsagesHandler(licenseMgr),
		SetLicenseStatusHandler: handler.NewSetLicenseStatusHandler(licenseMgr),
		AuditLogHandler:         handler.NewAuditLogHandler(auditRepo),
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
