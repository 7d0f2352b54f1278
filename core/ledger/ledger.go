// Package ledger owns the crystal balance of every user and the append-only
// transaction journal backing it. All balance mutations go through a Ledger
// implementation; each mutation is one atomic unit of work that records
// exactly one journal row, so a user's balance always equals the sum of their
// journal amounts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Reason is the closed set of causes for a balance mutation. Unknown reasons
// are rejected at construction time, never stored as free text.
type Reason string

const (
	// ReasonWelcomeBonus is the one-time credit granted on first contact.
	ReasonWelcomeBonus Reason = "welcome_bonus"
	// ReasonAdminCredit is a manual credit issued through the admin command.
	ReasonAdminCredit Reason = "admin_credit"
	// ReasonPurchaseCredit is a credit from a completed purchase.
	ReasonPurchaseCredit Reason = "purchase_credit"
	// ReasonRefundCredit is a compensating credit for a failed request.
	ReasonRefundCredit Reason = "refund_credit"
	// ReasonCorrectionDebit is the per-request charge for an AI-assisted correction.
	ReasonCorrectionDebit Reason = "correction_debit"
)

// ParseReason validates a raw reason string against the closed enumeration.
func ParseReason(raw string) (Reason, error) {
	r := Reason(strings.ToLower(strings.TrimSpace(raw)))
	switch r {
	case ReasonWelcomeBonus, ReasonAdminCredit, ReasonPurchaseCredit, ReasonRefundCredit, ReasonCorrectionDebit:
		return r, nil
	}
	return "", fmt.Errorf("unknown transaction reason %q", raw)
}

var (
	// ErrInvalidAmount is returned when a caller passes a non-positive amount
	// to Credit or Debit. Amounts are never clamped.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrUserNotFound is returned when an operation references a user row
	// that does not exist; callers are expected to go through GetOrCreateUser.
	ErrUserNotFound = errors.New("ledger: user not found")
	// ErrUnavailable wraps store-level failures. The unit of work has been
	// rolled back and must not be blindly retried.
	ErrUnavailable = errors.New("ledger: store unavailable")
)

// User is a bot user with a durable crystal balance.
type User struct {
	ID           int64     `db:"id"`
	TelegramID   int64     `db:"telegram_id"`
	Username     string    `db:"username"`
	FirstName    string    `db:"first_name"`
	LastName     string    `db:"last_name"`
	LanguageCode string    `db:"language_code"`
	Balance      int64     `db:"balance"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// DisplayName returns the best human-readable name for the user.
func (u *User) DisplayName() string {
	if u.Username != "" {
		return "@" + u.Username
	}
	parts := make([]string, 0, 2)
	if u.FirstName != "" {
		parts = append(parts, u.FirstName)
	}
	if u.LastName != "" {
		parts = append(parts, u.LastName)
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	return fmt.Sprintf("User%d", u.TelegramID)
}

// Profile carries mutable display fields supplied by the transport layer.
type Profile struct {
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
}

// Transaction is one journal row. Rows are inserted inside the same unit of
// work as the balance change they record and are never updated or deleted.
type Transaction struct {
	ID          int64          `db:"id"`
	UserID      int64          `db:"user_id"`
	Amount      int64          `db:"amount"` // positive = credit, negative = debit
	Reason      Reason         `db:"reason"`
	Description string         `db:"description"`
	Metadata    types.JSONText `db:"metadata"` // opaque to the ledger
	CreatedAt   time.Time      `db:"created_at"`
}

// Ledger is the single authority for balance mutations and the journal.
//
// Mutating operations take a resolved *User and update its Balance field to
// the committed post-operation value. Per user, operations are serialized by
// an exclusive row lock; operations on different users never contend.
type Ledger interface {
	// GetOrCreateUser looks a user up by Telegram ID, creating the row with a
	// zero balance on first contact. Non-empty profile fields refresh the
	// stored ones. No bonus is granted here; see EnsureInitialBonus.
	GetOrCreateUser(ctx context.Context, telegramID int64, profile Profile) (*User, error)

	// EnsureInitialBonus grants the one-time welcome bonus unless the user
	// already has a welcome_bonus journal row. Safe to call on every /start.
	EnsureInitialBonus(ctx context.Context, user *User) error

	// Credit adds amount crystals unconditionally. Fails with
	// ErrInvalidAmount when amount <= 0.
	Credit(ctx context.Context, user *User, amount int64, reason Reason, description string) error

	// Debit removes amount crystals if the balance allows it. Returns false
	// with no journal trace when the balance is insufficient; that outcome is
	// an expected business result, not an error.
	Debit(ctx context.Context, user *User, amount int64, reason Reason, description string) (bool, error)

	// Balance reads the latest committed balance.
	Balance(ctx context.Context, user *User) (int64, error)

	// History returns the most recent journal rows, newest first.
	History(ctx context.Context, user *User, limit int) ([]Transaction, error)
}
