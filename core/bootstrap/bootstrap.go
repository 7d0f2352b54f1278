// Package bootstrap assembles the application infrastructure: logger,
// Postgres plus migrations, the crystal ledger, the session store and the AI
// collaborator.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"lingvobot/core/ai"
	coreconfig "lingvobot/core/config"
	coredatabase "lingvobot/core/database"
	"lingvobot/core/history"
	"lingvobot/core/ledger"
	"lingvobot/core/logger"
	"lingvobot/core/session"
	"log/slog"
)

// Result exposes infrastructure initialized by the bootstrap pipeline.
type Result struct {
	DB       *sqlx.DB
	Ledger   ledger.Ledger
	Sessions session.Store
	History  history.Store
	AI       *ai.Service

	closers []func() error
}

// Close releases everything the pipeline opened, last-opened first.
func (r *Result) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.L.Warn("shutdown step failed",
				slog.String("component", "app"),
				slog.String("event", "close"),
				slog.String("err", err.Error()),
			)
		}
	}
}

// Run initializes the logger, connects to Postgres, applies migrations and
// builds the ledger, session store and AI service. On any failure everything
// opened so far is closed before returning.
func Run(cfg *coreconfig.Config) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	res := &Result{}

	db, err := coredatabase.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: database initialization failed: %w", err)
	}
	res.DB = db
	res.closers = append(res.closers, db.Close)

	if err := coredatabase.RunMigrations(cfg.Database); err != nil {
		res.Close()
		return nil, fmt.Errorf("bootstrap: migrations failed: %w", err)
	}

	res.Ledger = ledger.NewPostgres(db, ledger.Options{WelcomeBonus: cfg.Ledger.WelcomeBonus})
	res.History = history.NewPostgres(db)

	res.Sessions = buildSessions(cfg.Session, res)

	svc, err := ai.New(ai.Config{
		APIKey:            cfg.AI.APIKey,
		Model:             cfg.AI.Model,
		Temperature:       cfg.AI.Temperature,
		MaxResponseTokens: cfg.AI.MaxResponseTokens,
	})
	if err != nil {
		res.Close()
		return nil, fmt.Errorf("bootstrap: ai init failed: %w", err)
	}
	res.AI = svc

	return res, nil
}

// buildSessions dials Redis when an address is configured, falling back to
// the in-memory store when it is absent or unreachable. Sessions are
// advisory, so an outage must not keep the bot down.
func buildSessions(cfg coreconfig.SessionConfig, res *Result) session.Store {
	if cfg.RedisAddr == "" {
		logger.Session.Info("using in-memory session store",
			slog.String("event", "session.init"),
			slog.String("store", "memory"),
		)
		return session.NewMemory(cfg.TTL)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Session.Warn("redis unreachable, using in-memory session store",
			slog.String("event", "session.init"),
			slog.String("addr", cfg.RedisAddr),
			slog.String("err", err.Error()),
		)
		_ = client.Close()
		return session.NewMemory(cfg.TTL)
	}

	logger.Session.Info("using redis session store",
		slog.String("event", "session.init"),
		slog.String("store", "redis"),
		slog.String("addr", cfg.RedisAddr),
	)
	res.closers = append(res.closers, client.Close)
	return session.NewRedis(client, cfg.TTL)
}
