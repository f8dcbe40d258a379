package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	accounts "github.com/goliatone/go-accounts"
	"github.com/goliatone/go-accounts/config"
	"github.com/goliatone/go-router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const shutdownTimeout = 10 * time.Second

type app struct {
	cfg      *config.Config
	logger   accounts.Logger
	db       *bun.DB
	redis    *redis.Client
	registry *prometheus.Registry
	service  *accounts.Service
	janitor  *accounts.Janitor
}

// newApp opens the database, applies migrations and wires the service
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := accounts.NewZapLogger(cfg.IsProduction(), cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sqldb, err := sql.Open(sqliteshim.ShimName, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	a.db = bun.NewDB(sqldb, sqlitedialect.New())

	group, err := accounts.Migrate(ctx, a.db)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	if group != nil && !group.IsZero() {
		logger.Info("migrations applied", "group", group.String())
	}

	repo := accounts.NewRepositoryManager(a.db)
	metrics := accounts.NewMetrics(a.registry)

	var revocations accounts.RevocationList
	if cfg.Redis.Addr != "" {
		client, err := accounts.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		revocations = accounts.NewRedisRevocationList(client, cfg.GetSessionTTL())
	} else {
		logger.Warn("redis not configured, logout everywhere only holds for this process")
		revocations = accounts.NewMemoryRevocationList()
	}

	var mailer accounts.Mailer = accounts.LogMailer{Logger: logger}
	if cfg.Mail.Host != "" {
		smtp, err := accounts.NewSMTPMailer(accounts.MailConfig{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
			BaseURL:  cfg.Mail.BaseURL,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		mailer = smtp.WithLogger(logger)
	}

	a.service, err = accounts.NewService(accounts.Options{
		Config:            cfg,
		Repo:              repo,
		Logger:            logger,
		Mailer:            mailer,
		Revocations:       revocations,
		Activity:          accounts.LoggerActivitySink(logger),
		Metrics:           metrics,
		MinPasswordLength: cfg.Passwords.MinLength,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.janitor = accounts.NewJanitor(repo, accounts.JanitorConfig{
		Schedule:       cfg.Janitor.Schedule,
		InactiveAfter:  cfg.Janitor.InactiveAfter,
		TokenRetention: cfg.Janitor.TokenRetention,
	}).WithLogger(logger).WithMetrics(metrics)

	return a, nil
}

// Serve blocks until ctx is done or the listener fails
func (a *app) Serve(ctx context.Context) error {
	if err := a.janitor.Start(ctx); err != nil {
		return err
	}
	defer a.janitor.Stop()

	srv := router.NewFiberAdapter(func(_ *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			AppName:               "accountsd",
			DisableStartupMessage: a.cfg.IsProduction(),
		}))
	})

	api := srv.Router().WithLogger(a.logger)
	accounts.RegisterAccountRoutes(api, a.service,
		accounts.WithHTTPLogger(a.logger),
		accounts.WithHTTPDebug(a.cfg.HTTP.Debug),
		accounts.WithMetricsGatherer(a.registry),
	)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.HTTP.Addr)
		errCh <- srv.Serve(a.cfg.HTTP.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
