// Package history persists what the AI collaborator did: every exchange
// (user text and model reply, with model and token usage) and a per-exchange
// correction record with error-type counts for learning analytics. Recent
// exchanges are replayed into the model context on the next request.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps store-level failures. History is enrichment; callers
// degrade to an empty context and keep serving.
var ErrUnavailable = errors.New("history: store unavailable")

// Exchange is one stored conversation turn.
type Exchange struct {
	ID          int64     `db:"id"`
	UserID      int64     `db:"user_id"`
	UserMessage string    `db:"user_message"`
	AIResponse  string    `db:"ai_response"`
	ModelUsed   string    `db:"model_used"`
	TokensUsed  int       `db:"tokens_used"`
	CreatedAt   time.Time `db:"created_at"`
}

// Correction is the analytics record derived from one exchange.
type Correction struct {
	ID               int64     `db:"id"`
	UserID           int64     `db:"user_id"`
	OriginalText     string    `db:"original_text"`
	CorrectedText    string    `db:"corrected_text"`
	CorrectionType   string    `db:"correction_type"` // "correction" or "translation"
	DetectedLanguage string    `db:"detected_language"`
	ErrorCount       int       `db:"error_count"`
	ErrorsGrammar    int       `db:"errors_grammar"`
	ErrorsSpelling   int       `db:"errors_spelling"`
	ErrorsVocabulary int       `db:"errors_vocabulary"`
	ErrorsStyle      int       `db:"errors_style"`
	CreatedAt        time.Time `db:"created_at"`
}

// Store persists exchanges and correction analytics. Rows are append-only.
type Store interface {
	// SaveExchange records one conversation turn.
	SaveExchange(ctx context.Context, e *Exchange) error

	// RecentExchanges returns the newest exchanges for a user, newest first.
	RecentExchanges(ctx context.Context, userID int64, limit int) ([]Exchange, error)

	// SaveCorrection records the analytics derived from one exchange.
	SaveCorrection(ctx context.Context, c *Correction) error
}
