package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/liamcoop/socialrules/capability"
	"github.com/liamcoop/socialrules/enginemanager"
	"github.com/liamcoop/socialrules/internal/config"
	"github.com/liamcoop/socialrules/internal/logger"
	"github.com/liamcoop/socialrules/internal/metrics"
	"github.com/liamcoop/socialrules/internal/tracing"
	"github.com/liamcoop/socialrules/rules"
	"github.com/liamcoop/socialrules/social"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Setup(logger.Options{
		Level:       cfg.LogLevel,
		ServiceName: cfg.ServiceName,
		OTEL:        cfg.OTELEnabled,
		SampleRate:  cfg.ErrorSampleRate,
	})
	if err != nil {
		log.Warn("invalid log level", "error", err)
	}

	if err := run(cfg, log); err != nil {
		logger.Fatal("server failed", "error", err)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	m := metrics.New()
	deps, err := capabilities(cfg, db, log)
	if err != nil {
		return err
	}

	store := rules.NewPostgresRuleStore(db)
	build := func() (*rules.Engine, error) {
		engine := rules.NewEngine(
			rules.WithLogger(log),
			rules.WithObserver(m),
			rules.WithActionTimeout(cfg.ActionTimeout),
		)
		if err := social.Register(engine, deps); err != nil {
			return nil, err
		}
		return engine, nil
	}

	opts := []enginemanager.Option{enginemanager.WithLogger(log)}
	if cfg.RulesFile != "" {
		opts = append(opts, enginemanager.WithRulesFile(cfg.RulesFile))
	}
	manager := enginemanager.New(build, store, opts...)

	log.Info("loading rules", "rules_file", cfg.RulesFile)
	stats, err := manager.Reload(ctx)
	m.RecordReload(stats.Rules, err)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	server := NewServer(ServerDeps{
		DB:              db,
		Store:           store,
		Manager:         manager,
		Metrics:         m,
		Logger:          log,
		MaxJSONBodySize: cfg.MaxJSONBodySize,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "log shutdown error: %v\n", err)
	}

	log.Info("server stopped")
	return nil
}

// capabilities wires the built-ins to PostgreSQL, SMTP and the reward API.
// Mail stays unconfigured without SMTP_ADDR; the send email action then fails.
func capabilities(cfg config.Config, db *sql.DB, log *slog.Logger) (social.Deps, error) {
	var counter capability.Counter = capability.NewPostgresCounter(db)
	if cfg.CountCacheTTL > 0 {
		counter = capability.NewCachedCounter(counter, capability.CacheConfig{TTL: cfg.CountCacheTTL})
	}

	deps := social.Deps{
		Counter:   counter,
		Directory: capability.NewPostgresDirectory(db),
		Messenger: capability.NewPostgresMessenger(db),
		HTTP:      capability.NewJSONClient(cfg.ActionTimeout),
		Reward: social.RewardConfig{
			PoolAddress: cfg.PoolAddress,
			APIURL:      cfg.RewardAPIURL,
		},
		Logger: log,
	}

	if cfg.SMTP.Enabled() {
		mailer, err := capability.NewSMTPMailer(capability.SMTPConfig{
			Addr:     cfg.SMTP.Addr,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		})
		if err != nil {
			return social.Deps{}, fmt.Errorf("failed to configure mail: %w", err)
		}
		deps.Mailer = mailer
	} else {
		log.Warn("SMTP_ADDR not set, email actions will fail")
	}
	if cfg.PoolAddress == "" {
		log.Warn("THX_POOL_ADDRESS not set, reward claims will fail")
	}

	return deps, nil
}
