package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"lingvobot/core/logger"
)

// Postgres implements Store on the shared connection pool. Writes are single
// inserts; exchanges and corrections carry no balance data and need no row
// locking.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres constructs the production history store.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// SaveExchange records one conversation turn.
func (p *Postgres) SaveExchange(ctx context.Context, e *Exchange) error {
	start := time.Now()
	err := p.db.GetContext(ctx, &e.ID,
		`INSERT INTO conversations (user_id, user_message, ai_response, model_used, tokens_used)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.UserID, e.UserMessage, e.AIResponse, e.ModelUsed, e.TokensUsed,
	)
	if err != nil {
		return fmt.Errorf("%w: save exchange: %v", ErrUnavailable, err)
	}
	logger.AI.Debug("exchange saved",
		slog.String("event", "history.exchange"),
		slog.Int64("user_id", e.UserID),
		slog.Int("tokens", e.TokensUsed),
		slog.Duration("duration", logger.Took(start)),
	)
	return nil
}

// RecentExchanges returns the newest exchanges for a user, newest first.
func (p *Postgres) RecentExchanges(ctx context.Context, userID int64, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 5
	}
	var out []Exchange
	err := p.db.SelectContext(ctx, &out,
		`SELECT id, user_id, user_message, ai_response, model_used, tokens_used, created_at
		 FROM conversations WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: read exchanges: %v", ErrUnavailable, err)
	}
	return out, nil
}

// SaveCorrection records the analytics derived from one exchange.
func (p *Postgres) SaveCorrection(ctx context.Context, c *Correction) error {
	err := p.db.GetContext(ctx, &c.ID,
		`INSERT INTO correction_history
		 (user_id, original_text, corrected_text, correction_type, detected_language,
		  error_count, errors_grammar, errors_spelling, errors_vocabulary, errors_style)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		c.UserID, c.OriginalText, c.CorrectedText, c.CorrectionType, c.DetectedLanguage,
		c.ErrorCount, c.ErrorsGrammar, c.ErrorsSpelling, c.ErrorsVocabulary, c.ErrorsStyle,
	)
	if err != nil {
		return fmt.Errorf("%w: save correction: %v", ErrUnavailable, err)
	}
	return nil
}
