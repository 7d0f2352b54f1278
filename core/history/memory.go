package history

import (
	"context"
	"sync"
	"time"
)

// Memory implements Store in memory for tests and development.
type Memory struct {
	mu          sync.Mutex
	exchanges   map[int64][]Exchange
	corrections map[int64][]Correction
	nextID      int64
	now         func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an in-memory history store.
func NewMemory() *Memory {
	return &Memory{
		exchanges:   make(map[int64][]Exchange),
		corrections: make(map[int64][]Correction),
		now:         time.Now,
	}
}

// SaveExchange records one conversation turn.
func (m *Memory) SaveExchange(_ context.Context, e *Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = m.now()
	m.exchanges[e.UserID] = append(m.exchanges[e.UserID], *e)
	return nil
}

// RecentExchanges returns the newest exchanges for a user, newest first.
func (m *Memory) RecentExchanges(_ context.Context, userID int64, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 5
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.exchanges[userID]
	out := make([]Exchange, 0, limit)
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rows[i])
	}
	return out, nil
}

// SaveCorrection records the analytics derived from one exchange.
func (m *Memory) SaveCorrection(_ context.Context, c *Correction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	c.CreatedAt = m.now()
	m.corrections[c.UserID] = append(m.corrections[c.UserID], *c)
	return nil
}

// Corrections returns all stored corrections for a user, oldest first.
func (m *Memory) Corrections(userID int64) []Correction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Correction, len(m.corrections[userID]))
	copy(out, m.corrections[userID])
	return out
}
