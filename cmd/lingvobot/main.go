package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lingvobot/core/bootstrap"
	coreconfig "lingvobot/core/config"
	"lingvobot/core/logger"
	coretelegram "lingvobot/core/telegram"
	"log/slog"
)

const defaultConfigPath = "./config.yaml"

func main() {
	if err := run(); err != nil {
		log.Fatalf("lingvobot: %v", err)
	}
}

func run() error {
	startedAt := time.Now()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = defaultConfigPath
	}

	log.Printf("loading config: %s", cfgPath)
	cfg, err := coreconfig.Load(cfgPath)
	if err != nil {
		return err
	}

	infra, err := bootstrap.Run(cfg)
	if err != nil {
		return err
	}
	defer infra.Close()
	defer func() {
		if err := logger.Shutdown(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()

	app := logger.L.With("component", "app")
	app.Info("app ready",
		slog.String("event", "ready"),
		slog.Duration("startup_duration", logger.Took(startedAt)),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = coretelegram.Run(ctx, coretelegram.Options{
		Config:   cfg,
		Ledger:   infra.Ledger,
		Sessions: infra.Sessions,
		History:  infra.History,
		AI:       infra.AI,
	})

	app.Info("shutting down...",
		slog.String("event", "shutdown"),
	)
	return err
}
