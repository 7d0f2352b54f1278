package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lingvobot/core/ai"
	coreconfig "lingvobot/core/config"
	"lingvobot/core/history"
	"lingvobot/core/ledger"
	"lingvobot/core/logger"
	"lingvobot/core/session"
	"log/slog"

	tele "gopkg.in/telebot.v4"
)

// sessionKeyAwaiting marks a user who sent /do without text and is expected
// to send the text in the next message.
const sessionKeyAwaiting = "awaiting_text"

// Corrector produces an AI-assisted correction for a piece of text, given
// recent conversation turns, and reports how many model tokens the call
// consumed.
type Corrector interface {
	Correct(ctx context.Context, text string, prior []ai.Turn) (string, int, error)
}

// Handlers binds bot commands to the ledger, the session store, the
// conversation history and the AI collaborator. Session and history failures
// degrade gracefully; ledger failures surface to the user as a generic retry
// message.
type Handlers struct {
	cfg      *coreconfig.Config
	ledger   ledger.Ledger
	sessions session.Store
	history  history.Store
	ai       Corrector
}

// NewHandlers wires command handlers to their collaborators.
func NewHandlers(cfg *coreconfig.Config, l ledger.Ledger, s session.Store, hist history.Store, corrector Corrector) *Handlers {
	return &Handlers{cfg: cfg, ledger: l, sessions: s, history: hist, ai: corrector}
}

const (
	replyUnavailable  = "Something went wrong on our side, please try again in a minute."
	replyNotAllowed   = "This command is available to administrators only."
	replyAwaitingText = "Send me the text you want corrected."
	replyIdleHint     = "Use /do <text> to get a correction, or /balance to check your crystals."
)

// resolve loads or creates the ledger user behind an update.
func (h *Handlers) resolve(ctx context.Context, u *tele.User) (*ledger.User, error) {
	if u == nil {
		return nil, errors.New("telegram: update without sender")
	}
	return h.ledger.GetOrCreateUser(ctx, u.ID, ledger.Profile{
		Username:     u.Username,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		LanguageCode: u.LanguageCode,
	})
}

// start handles /start: user bootstrap plus the one-time welcome bonus.
func (h *Handlers) start(ctx context.Context, from *tele.User) (string, error) {
	user, err := h.resolve(ctx, from)
	if err != nil {
		return replyUnavailable, err
	}
	if err := h.ledger.EnsureInitialBonus(ctx, user); err != nil {
		return replyUnavailable, err
	}
	return fmt.Sprintf(
		"Hi, %s! I correct English texts and explain the mistakes.\n\n"+
			"You have *%d* 💎 crystals. Each correction costs %d 💎.\n"+
			"Send /do followed by your text to begin.",
		user.DisplayName(), user.Balance, h.cfg.Ledger.RequestCost,
	), nil
}

// balance handles /balance: the committed balance plus a few recent journal
// lines. A history read failure only drops the lines.
func (h *Handlers) balance(ctx context.Context, from *tele.User) (string, error) {
	user, err := h.resolve(ctx, from)
	if err != nil {
		return replyUnavailable, err
	}
	bal, err := h.ledger.Balance(ctx, user)
	if err != nil {
		return replyUnavailable, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your balance: *%d* 💎 crystals.", bal)
	hist, err := h.ledger.History(ctx, user, 5)
	if err != nil {
		logger.TG.Warn("history read failed",
			slog.String("event", "tg.balance"),
			slog.Int64("user_id", user.TelegramID),
			slog.String("err", err.Error()),
		)
	}
	if len(hist) > 0 {
		b.WriteString("\n\nRecent:")
		for _, t := range hist {
			fmt.Fprintf(&b, "\n`%+d` %s", t.Amount, t.Reason)
		}
	}
	return b.String(), nil
}

// do handles /do. Without a payload it arms the session flag and waits for
// the next plain message; with a payload it charges and corrects right away.
func (h *Handlers) do(ctx context.Context, from *tele.User, payload string) (string, error) {
	user, err := h.resolve(ctx, from)
	if err != nil {
		return replyUnavailable, err
	}

	payload = strings.TrimSpace(payload)
	if payload == "" {
		if err := h.sessions.Update(ctx, user.TelegramID, session.Data{sessionKeyAwaiting: true}); err != nil {
			h.warnSession(user.TelegramID, "update", err)
		}
		return replyAwaitingText, nil
	}
	return h.correct(ctx, user, payload)
}

// text handles plain messages: it only acts when the session says the user
// was asked for text, otherwise it nudges towards /do.
func (h *Handlers) text(ctx context.Context, from *tele.User, body string) (string, error) {
	user, err := h.resolve(ctx, from)
	if err != nil {
		return replyUnavailable, err
	}

	data, err := h.sessions.Get(ctx, user.TelegramID)
	if err != nil {
		h.warnSession(user.TelegramID, "get", err)
		data = session.Data{}
	}
	awaiting, _ := data[sessionKeyAwaiting].(bool)
	if !awaiting {
		return replyIdleHint, nil
	}

	if err := h.sessions.Update(ctx, user.TelegramID, session.Data{sessionKeyAwaiting: false}); err != nil {
		h.warnSession(user.TelegramID, "update", err)
	}
	return h.correct(ctx, user, strings.TrimSpace(body))
}

// correct charges the per-request cost, runs the AI correction and refunds
// the charge when the correction fails after a successful debit.
func (h *Handlers) correct(ctx context.Context, user *ledger.User, body string) (string, error) {
	cost := h.cfg.Ledger.RequestCost
	ok, err := h.ledger.Debit(ctx, user, cost, ledger.ReasonCorrectionDebit, "text correction")
	if err != nil {
		return replyUnavailable, err
	}
	if !ok {
		return fmt.Sprintf(
			"Not enough crystals: a correction costs %d 💎 and you have %d 💎.",
			cost, user.Balance,
		), nil
	}

	answer, tokens, err := h.ai.Correct(ctx, body, h.recentTurns(ctx, user))
	if err != nil {
		if refundErr := h.ledger.Credit(ctx, user, cost, ledger.ReasonRefundCredit, "failed correction"); refundErr != nil {
			logger.TG.Error("refund after failed correction",
				slog.String("event", "tg.refund"),
				slog.String("status", logger.Status(refundErr)),
				slog.Int64("user_id", user.TelegramID),
				slog.String("err", refundErr.Error()),
			)
		}
		return replyUnavailable, err
	}

	h.record(ctx, user, body, answer, tokens)

	if err := h.sessions.Update(ctx, user.TelegramID, session.Data{
		"last_correction_at": time.Now().Unix(),
	}); err != nil {
		h.warnSession(user.TelegramID, "update", err)
	}

	logger.TG.Info("correction served",
		slog.String("event", "tg.correct"),
		slog.String("status", "ok"),
		slog.Int64("user_id", user.TelegramID),
		slog.Int("tokens", tokens),
		slog.Int64("balance", user.Balance),
	)
	return fmt.Sprintf("%s\n\nBalance: *%d* 💎", answer, user.Balance), nil
}

// grant handles the admin-only /grant command:
//
//	/grant <telegram_id> [amount]
//
// Callers outside the allow-list are refused before any ledger call.
func (h *Handlers) grant(ctx context.Context, from *tele.User, args []string) (string, error) {
	if from == nil || !h.cfg.Telegram.IsAdmin(from.ID) {
		if from != nil {
			logger.TG.Warn("grant refused",
				slog.String("event", "tg.grant"),
				slog.String("status", "forbidden"),
				slog.Int64("user_id", from.ID),
			)
		}
		return replyNotAllowed, nil
	}

	if len(args) < 1 {
		return "Usage: /grant <telegram_id> [amount]", nil
	}
	targetID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || targetID <= 0 {
		return fmt.Sprintf("%q is not a Telegram ID.", args[0]), nil
	}

	amount := h.cfg.Ledger.DefaultGrant
	if len(args) >= 2 {
		amount, err = strconv.ParseInt(args[1], 10, 64)
		if err != nil || amount <= 0 {
			return fmt.Sprintf("%q is not a positive amount.", args[1]), nil
		}
	}

	// Admin flows carry no profile; the ledger keeps the stored one.
	target, err := h.ledger.GetOrCreateUser(ctx, targetID, ledger.Profile{})
	if err != nil {
		return replyUnavailable, err
	}
	desc := fmt.Sprintf("granted by admin %d", from.ID)
	if err := h.ledger.Credit(ctx, target, amount, ledger.ReasonAdminCredit, desc); err != nil {
		return replyUnavailable, err
	}

	logger.TG.Info("crystals granted",
		slog.String("event", "tg.grant"),
		slog.String("status", "ok"),
		slog.Int64("admin_id", from.ID),
		slog.Int64("user_id", targetID),
		slog.Int64("amount", amount),
	)
	return fmt.Sprintf("Granted *%d* 💎 to user %d, new balance *%d* 💎.", amount, targetID, target.Balance), nil
}

// recentTurns loads the replayed conversation context, oldest first. History
// is enrichment: a read failure logs and yields an empty context.
func (h *Handlers) recentTurns(ctx context.Context, user *ledger.User) []ai.Turn {
	recent, err := h.history.RecentExchanges(ctx, user.ID, h.cfg.AI.ContextMessages)
	if err != nil {
		logger.TG.Warn("history read failed",
			slog.String("event", "tg.context"),
			slog.Int64("user_id", user.TelegramID),
			slog.String("err", err.Error()),
		)
		return nil
	}
	turns := make([]ai.Turn, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		turns = append(turns, ai.Turn{
			UserMessage: recent[i].UserMessage,
			AIResponse:  recent[i].AIResponse,
		})
	}
	return turns
}

// record persists the exchange and its correction analytics. The reply is
// already paid for and served regardless, so failures only log.
func (h *Handlers) record(ctx context.Context, user *ledger.User, body, answer string, tokens int) {
	if err := h.history.SaveExchange(ctx, &history.Exchange{
		UserID:      user.ID,
		UserMessage: body,
		AIResponse:  answer,
		ModelUsed:   h.cfg.AI.Model,
		TokensUsed:  tokens,
	}); err != nil {
		logger.TG.Warn("exchange save failed",
			slog.String("event", "tg.history"),
			slog.Int64("user_id", user.TelegramID),
			slog.String("err", err.Error()),
		)
	}

	c := history.Analyze(body, answer)
	c.UserID = user.ID
	if err := h.history.SaveCorrection(ctx, &c); err != nil {
		logger.TG.Warn("correction save failed",
			slog.String("event", "tg.history"),
			slog.Int64("user_id", user.TelegramID),
			slog.String("err", err.Error()),
		)
	}
}

func (h *Handlers) warnSession(telegramID int64, op string, err error) {
	logger.Session.Warn("session degraded",
		slog.String("event", "session."+op),
		slog.String("status", logger.Status(err)),
		slog.Int64("user_id", telegramID),
		slog.String("err", err.Error()),
	)
}
