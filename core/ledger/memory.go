package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory implements Ledger in memory for tests and development. A single
// mutex serializes all mutations, which gives the same per-user ordering
// guarantee the Postgres implementation gets from row locks.
type Memory struct {
	mu    sync.Mutex
	bonus int64

	users   map[int64]*User // keyed by surrogate id
	byTG    map[int64]int64 // telegram id -> surrogate id
	journal map[int64][]Transaction

	nextUserID int64
	nextTxnID  int64
	now        func() time.Time
}

var _ Ledger = (*Memory)(nil)

// NewMemory constructs an in-memory ledger.
func NewMemory(opts Options) *Memory {
	return &Memory{
		bonus:   opts.WelcomeBonus,
		users:   make(map[int64]*User),
		byTG:    make(map[int64]int64),
		journal: make(map[int64][]Transaction),
		now:     time.Now,
	}
}

// GetOrCreateUser creates the user lazily with a zero balance and no bonus.
func (m *Memory) GetOrCreateUser(_ context.Context, telegramID int64, profile Profile) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byTG[telegramID]; ok {
		u := m.users[id]
		// Empty profile fields never clobber stored values; admin flows
		// resolve users by ID alone.
		if profile.Username != "" {
			u.Username = profile.Username
		}
		if profile.FirstName != "" {
			u.FirstName = profile.FirstName
		}
		if profile.LastName != "" {
			u.LastName = profile.LastName
		}
		if profile.LanguageCode != "" {
			u.LanguageCode = profile.LanguageCode
		}
		u.UpdatedAt = m.now()
		cp := *u
		return &cp, nil
	}

	m.nextUserID++
	u := &User{
		ID:           m.nextUserID,
		TelegramID:   telegramID,
		Username:     profile.Username,
		FirstName:    profile.FirstName,
		LastName:     profile.LastName,
		LanguageCode: profile.LanguageCode,
		CreatedAt:    m.now(),
		UpdatedAt:    m.now(),
	}
	m.users[u.ID] = u
	m.byTG[telegramID] = u.ID
	cp := *u
	return &cp, nil
}

// EnsureInitialBonus grants the welcome bonus at most once per user.
func (m *Memory) EnsureInitialBonus(_ context.Context, user *User) error {
	if m.bonus <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.users[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	for _, txn := range m.journal[user.ID] {
		if txn.Reason == ReasonWelcomeBonus {
			user.Balance = stored.Balance
			return nil
		}
	}
	m.apply(stored, m.bonus, ReasonWelcomeBonus, "Initial bonus for new user")
	user.Balance = stored.Balance
	return nil
}

// Credit adds amount crystals unconditionally.
func (m *Memory) Credit(_ context.Context, user *User, amount int64, reason Reason, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.users[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	m.apply(stored, amount, reason, description)
	user.Balance = stored.Balance
	return nil
}

// Debit removes amount crystals if the balance allows it.
func (m *Memory) Debit(_ context.Context, user *User, amount int64, reason Reason, description string) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.users[user.ID]
	if !ok {
		return false, ErrUserNotFound
	}
	if stored.Balance < amount {
		user.Balance = stored.Balance
		return false, nil
	}
	m.apply(stored, -amount, reason, description)
	user.Balance = stored.Balance
	return true, nil
}

// Balance reads the current balance.
func (m *Memory) Balance(_ context.Context, user *User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.users[user.ID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return stored.Balance, nil
}

// History returns the most recent journal rows, newest first.
func (m *Memory) History(_ context.Context, user *User, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.journal[user.ID]
	out := make([]Transaction, 0, limit)
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rows[i])
	}
	return out, nil
}

// apply records one journal row and moves the balance with it. Callers hold
// the mutex.
func (m *Memory) apply(u *User, amount int64, reason Reason, description string) {
	m.nextTxnID++
	m.journal[u.ID] = append(m.journal[u.ID], Transaction{
		ID:          m.nextTxnID,
		UserID:      u.ID,
		Amount:      amount,
		Reason:      reason,
		Description: description,
		CreatedAt:   m.now(),
	})
	u.Balance += amount
	u.UpdatedAt = m.now()
}
