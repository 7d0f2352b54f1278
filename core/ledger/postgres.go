package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"lingvobot/core/logger"
)

// Options tune ledger amounts that come from configuration.
type Options struct {
	// WelcomeBonus is the amount granted by EnsureInitialBonus. Config
	// normalization always supplies a positive amount; a non-positive value
	// makes EnsureInitialBonus a no-op, which embedders and tests may rely
	// on.
	WelcomeBonus int64
}

// Postgres implements Ledger on top of a sqlx connection pool. Every mutation
// runs in one transaction holding a FOR UPDATE lock on the user's balance row,
// so concurrent operations on the same user serialize and cannot double-spend.
type Postgres struct {
	db    *sqlx.DB
	bonus int64
}

var _ Ledger = (*Postgres)(nil)

// NewPostgres constructs the production ledger over an open pool.
func NewPostgres(db *sqlx.DB, opts Options) *Postgres {
	return &Postgres{db: db, bonus: opts.WelcomeBonus}
}

const userColumns = "id, telegram_id, username, first_name, last_name, language_code, balance, created_at, updated_at"

const upsertUserQuery = `
INSERT INTO users (telegram_id, username, first_name, last_name, language_code)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (telegram_id) DO UPDATE SET
    username = COALESCE(NULLIF(EXCLUDED.username, ''), users.username),
    first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), users.first_name),
    last_name = COALESCE(NULLIF(EXCLUDED.last_name, ''), users.last_name),
    language_code = COALESCE(NULLIF(EXCLUDED.language_code, ''), users.language_code),
    updated_at = now()
RETURNING ` + userColumns

// GetOrCreateUser inserts the user lazily on first contact and refreshes
// profile fields on subsequent ones. The upsert keeps concurrent first
// contacts from racing on the unique telegram_id.
func (p *Postgres) GetOrCreateUser(ctx context.Context, telegramID int64, profile Profile) (*User, error) {
	start := time.Now()
	var u User
	err := p.db.GetContext(ctx, &u, upsertUserQuery,
		telegramID, profile.Username, profile.FirstName, profile.LastName, profile.LanguageCode,
	)
	if err != nil {
		logger.Ledger.Error("get-or-create failed",
			slog.String("event", "ledger.user"),
			slog.Int64("telegram_id", telegramID),
			slog.Duration("duration", logger.Took(start)),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("%w: get or create user: %v", ErrUnavailable, err)
	}
	return &u, nil
}

// EnsureInitialBonus grants the welcome bonus exactly once. The check and the
// grant share one transaction holding the user's row lock; a concurrent grant
// that still slips through is stopped by the partial unique index on
// (user_id) WHERE reason = 'welcome_bonus' and treated as a benign race.
func (p *Postgres) EnsureInitialBonus(ctx context.Context, user *User) error {
	if p.bonus <= 0 {
		return nil
	}
	start := time.Now()
	var (
		granted bool
		current int64
	)
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		balance, err := lockBalance(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		current = balance

		var exists bool
		err = tx.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE user_id = $1 AND reason = $2)`,
			user.ID, ReasonWelcomeBonus,
		)
		if err != nil {
			return fmt.Errorf("%w: bonus lookup: %v", ErrUnavailable, err)
		}
		if exists {
			return nil
		}

		if err := insertJournal(ctx, tx, user.ID, p.bonus, ReasonWelcomeBonus, "Initial bonus for new user"); err != nil {
			return err
		}
		if err := shiftBalance(ctx, tx, user.ID, p.bonus); err != nil {
			return err
		}
		granted = true
		current = balance + p.bonus
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent grant; the bonus exists.
			return p.reloadBalance(ctx, user)
		}
		return err
	}

	user.Balance = current
	if granted {
		logger.Ledger.Info("welcome bonus granted",
			slog.String("event", "ledger.bonus"),
			slog.Int64("user_id", user.ID),
			slog.Int64("amount", p.bonus),
			slog.Duration("duration", logger.Took(start)),
		)
	}
	return nil
}

// Credit adds amount crystals and records a positive journal row.
func (p *Postgres) Credit(ctx context.Context, user *User, amount int64, reason Reason, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	start := time.Now()
	var current int64
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		balance, err := lockBalance(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		if err := insertJournal(ctx, tx, user.ID, amount, reason, description); err != nil {
			return err
		}
		if err := shiftBalance(ctx, tx, user.ID, amount); err != nil {
			return err
		}
		current = balance + amount
		return nil
	})
	if err != nil {
		logger.Ledger.Error("credit failed",
			slog.String("event", "ledger.credit"),
			slog.Int64("user_id", user.ID),
			slog.Int64("amount", amount),
			slog.String("reason", string(reason)),
			slog.String("err", err.Error()),
		)
		return err
	}

	user.Balance = current
	logger.Ledger.Info("credit",
		slog.String("event", "ledger.credit"),
		slog.Int64("user_id", user.ID),
		slog.Int64("amount", amount),
		slog.String("reason", string(reason)),
		slog.Int64("balance", current),
		slog.Duration("duration", logger.Took(start)),
	)
	return nil
}

// errInsufficient aborts the unit of work so a rejected debit leaves zero
// trace in the journal. It never escapes Debit.
var errInsufficient = errors.New("insufficient balance")

// Debit removes amount crystals when the locked balance allows it.
func (p *Postgres) Debit(ctx context.Context, user *User, amount int64, reason Reason, description string) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	start := time.Now()
	var current int64
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		balance, err := lockBalance(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		current = balance
		if balance < amount {
			return errInsufficient
		}
		if err := insertJournal(ctx, tx, user.ID, -amount, reason, description); err != nil {
			return err
		}
		if err := shiftBalance(ctx, tx, user.ID, -amount); err != nil {
			return err
		}
		current = balance - amount
		return nil
	})
	if errors.Is(err, errInsufficient) {
		user.Balance = current
		logger.Ledger.Info("debit rejected",
			slog.String("event", "ledger.debit"),
			slog.String("status", "insufficient"),
			slog.Int64("user_id", user.ID),
			slog.Int64("amount", amount),
			slog.Int64("balance", current),
		)
		return false, nil
	}
	if err != nil {
		logger.Ledger.Error("debit failed",
			slog.String("event", "ledger.debit"),
			slog.Int64("user_id", user.ID),
			slog.Int64("amount", amount),
			slog.String("reason", string(reason)),
			slog.String("err", err.Error()),
		)
		return false, err
	}

	user.Balance = current
	logger.Ledger.Info("debit",
		slog.String("event", "ledger.debit"),
		slog.Int64("user_id", user.ID),
		slog.Int64("amount", amount),
		slog.String("reason", string(reason)),
		slog.Int64("balance", current),
		slog.Duration("duration", logger.Took(start)),
	)
	return true, nil
}

// Balance reads the latest committed balance.
func (p *Postgres) Balance(ctx context.Context, user *User) (int64, error) {
	var balance int64
	err := p.db.GetContext(ctx, &balance, `SELECT balance FROM users WHERE id = $1`, user.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read balance: %v", ErrUnavailable, err)
	}
	return balance, nil
}

// History returns the most recent journal rows, newest first.
func (p *Postgres) History(ctx context.Context, user *User, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []Transaction
	err := p.db.SelectContext(ctx, &out,
		`SELECT id, user_id, amount, reason, description, metadata, created_at
		 FROM transactions WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		user.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: read history: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (p *Postgres) reloadBalance(ctx context.Context, user *User) error {
	balance, err := p.Balance(ctx, user)
	if err != nil {
		return err
	}
	user.Balance = balance
	return nil
}

// inTx runs fn inside a transaction. Any error aborts the unit of work; both
// the balance update and the journal insert take effect together or not at
// all, including on context cancellation.
func (p *Postgres) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return nil
}

func lockBalance(ctx context.Context, tx *sqlx.Tx, userID int64) (int64, error) {
	var balance int64
	err := tx.GetContext(ctx, &balance, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: lock balance: %v", ErrUnavailable, err)
	}
	return balance, nil
}

func insertJournal(ctx context.Context, tx *sqlx.Tx, userID, amount int64, reason Reason, description string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (user_id, amount, reason, description) VALUES ($1, $2, $3, $4)`,
		userID, amount, reason, description,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("%w: insert journal row: %v", ErrUnavailable, err)
	}
	return nil
}

func shiftBalance(ctx context.Context, tx *sqlx.Tx, userID, delta int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET balance = balance + $1, updated_at = now() WHERE id = $2`,
		delta, userID,
	)
	if err != nil {
		return fmt.Errorf("%w: update balance: %v", ErrUnavailable, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
