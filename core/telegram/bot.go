// Package telegram runs the bot transport: it builds the Telebot instance,
// registers command handlers and shuts the poller down when the parent
// context is cancelled.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	coreconfig "lingvobot/core/config"
	"lingvobot/core/history"
	"lingvobot/core/ledger"
	"lingvobot/core/logger"
	"lingvobot/core/session"
	"log/slog"

	tele "gopkg.in/telebot.v4"
)

// Options carries everything Run needs to assemble the bot.
type Options struct {
	Config   *coreconfig.Config
	Ledger   ledger.Ledger
	Sessions session.Store
	History  history.Store
	AI       Corrector
}

// Run composes and runs the Telegram bot until ctx is done.
func Run(ctx context.Context, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Config == nil {
		return fmt.Errorf("telegram: nil config provided")
	}
	if opts.Ledger == nil || opts.Sessions == nil || opts.History == nil || opts.AI == nil {
		return fmt.Errorf("telegram: missing collaborators")
	}

	cfg := opts.Config
	poller := BuildPoller(cfg)

	buildStart := time.Now()
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Telegram.Token,
		Poller: poller,
		Client: BuildHTTPClient(),
	})
	if err != nil {
		return fmt.Errorf("telegram: bot initialization failed: %w", err)
	}

	switch p := poller.(type) {
	case *tele.Webhook:
		logger.TG.Info("webhook mode",
			slog.String("event", "mode"),
			slog.String("mode", "webhook"),
			slog.String("listen", p.Listen),
			slog.String("public_url", p.Endpoint.PublicURL),
			slog.Duration("duration", logger.Took(buildStart)),
		)
	default:
		logger.TG.Info("polling mode",
			slog.String("event", "mode"),
			slog.String("mode", "polling"),
			slog.Duration("duration", logger.Took(buildStart)),
		)
		// A leftover webhook blocks long polling until it is removed.
		if err := deleteWebhook(cfg.Telegram.Token); err != nil {
			logger.TG.Warn("failed to delete webhook",
				slog.String("event", "delete_webhook"),
				slog.String("err", err.Error()),
			)
		}
	}

	bot.Use(RecoverMiddleware)
	if interval := time.Duration(cfg.RateLimit.IntervalMS) * time.Millisecond; interval > 0 {
		bot.Use(RateLimitMiddleware(interval))
	}
	bot.Use(LoggerMiddleware)

	h := NewHandlers(cfg, opts.Ledger, opts.Sessions, opts.History, opts.AI)
	registerRoutes(ctx, bot, h)

	if err := bot.SetCommands(menuCommands()); err != nil {
		logger.TG.Warn("failed to set command menu",
			slog.String("event", "set_commands"),
			slog.String("err", err.Error()),
		)
	}

	runDone := make(chan struct{})
	go func() {
		bot.Start()
		close(runDone)
	}()

	logger.TG.Info("bot started",
		slog.String("event", "start"),
		slog.String("status", "ok"),
	)

	select {
	case <-ctx.Done():
		bot.Stop()
		<-runDone
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return ctx.Err()
	case <-runDone:
		return nil
	}
}

func registerRoutes(ctx context.Context, bot *tele.Bot, h *Handlers) {
	bot.Handle("/start", reply(ctx, func(ctx context.Context, c tele.Context) (string, error) {
		return h.start(ctx, c.Sender())
	}))
	bot.Handle("/do", reply(ctx, func(ctx context.Context, c tele.Context) (string, error) {
		return h.do(ctx, c.Sender(), c.Message().Payload)
	}))
	bot.Handle("/balance", reply(ctx, func(ctx context.Context, c tele.Context) (string, error) {
		return h.balance(ctx, c.Sender())
	}))
	bot.Handle("/grant", reply(ctx, func(ctx context.Context, c tele.Context) (string, error) {
		return h.grant(ctx, c.Sender(), c.Args())
	}))
	bot.Handle(tele.OnText, reply(ctx, func(ctx context.Context, c tele.Context) (string, error) {
		return h.text(ctx, c.Sender(), c.Text())
	}))
}

// reply adapts a message-producing handler to a Telebot handler. The handler
// context descends from the run context, so shutdown cancels in-flight
// handlers. Handler errors are logged here; the user always gets the
// returned message.
func reply(parent context.Context, fn func(ctx context.Context, c tele.Context) (string, error)) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx, cancel := context.WithTimeout(parent, 2*time.Minute)
		defer cancel()

		msg, err := fn(ctx, c)
		if err != nil {
			var userID int64
			if c.Sender() != nil {
				userID = c.Sender().ID
			}
			logger.TG.Error("handler failed",
				slog.String("event", "tg.handler"),
				slog.String("status", logger.Status(err)),
				slog.Int64("user_id", userID),
				slog.String("err", err.Error()),
			)
		}
		if msg == "" {
			return nil
		}
		return c.Send(msg, tele.ModeMarkdown)
	}
}

func menuCommands() []tele.Command {
	return []tele.Command{
		{Text: "start", Description: "Welcome and your starting crystals"},
		{Text: "do", Description: "Correct a text"},
		{Text: "balance", Description: "Show crystal balance"},
	}
}

func deleteWebhook(token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("empty token")
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/deleteWebhook", token)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("drop_pending_updates=false"))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deleteWebhook status: %s", resp.Status)
	}
	return nil
}
