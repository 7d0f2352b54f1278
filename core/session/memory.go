package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	data      Data
	expiresAt time.Time
}

// Memory implements Store in process memory for tests and development.
// Entries expire lazily on read and are swept on write.
type Memory struct {
	mu      sync.RWMutex
	entries map[int64]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an in-memory session store. A non-positive ttl falls
// back to DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		entries: make(map[int64]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the session for a user, or an empty map when absent or expired.
func (m *Memory) Get(_ context.Context, telegramID int64) (Data, error) {
	m.mu.RLock()
	entry, ok := m.entries[telegramID]
	m.mu.RUnlock()

	if !ok || m.now().After(entry.expiresAt) {
		return Data{}, nil
	}
	// Copy so callers cannot mutate the stored map in place.
	out := make(Data, len(entry.data))
	for k, v := range entry.data {
		out[k] = v
	}
	return out, nil
}

// Set replaces the payload and refreshes the TTL.
func (m *Memory) Set(_ context.Context, telegramID int64, data Data) error {
	cp := make(Data, len(data))
	for k, v := range data {
		cp[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	m.entries[telegramID] = memoryEntry{data: cp, expiresAt: m.now().Add(m.ttl)}
	return nil
}

// Update merges fields into the current payload and refreshes the TTL.
func (m *Memory) Update(ctx context.Context, telegramID int64, fields Data) error {
	data, err := m.Get(ctx, telegramID)
	if err != nil {
		return err
	}
	for k, v := range fields {
		data[k] = v
	}
	return m.Set(ctx, telegramID, data)
}

// Clear removes the session; clearing an absent session is a no-op.
func (m *Memory) Clear(_ context.Context, telegramID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, telegramID)
	return nil
}

// sweep drops expired entries. Callers hold the write lock.
func (m *Memory) sweep() {
	now := m.now()
	for id, entry := range m.entries {
		if now.After(entry.expiresAt) {
			delete(m.entries, id)
		}
	}
}
