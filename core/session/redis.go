package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"lingvobot/core/logger"
)

// Redis implements Store on a Redis instance. Payloads are stored as JSON
// under one key per user with the configured TTL; every write refreshes it.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*Redis)(nil)

// NewRedis constructs the production session store. A non-positive ttl falls
// back to DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Get returns the session payload, or an empty map when the key is absent,
// expired, or holds a payload that no longer decodes.
func (r *Redis) Get(ctx context.Context, telegramID int64) (Data, error) {
	raw, err := r.client.Get(ctx, Key(telegramID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Data{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		logger.Session.Warn("dropping undecodable session",
			slog.String("event", "session.decode"),
			slog.Int64("user_id", telegramID),
			slog.String("err", err.Error()),
		)
		return Data{}, nil
	}
	if data == nil {
		data = Data{}
	}
	return data, nil
}

// Set replaces the payload and refreshes the TTL.
func (r *Redis) Set(ctx context.Context, telegramID int64, data Data) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := r.client.Set(ctx, Key(telegramID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set: %v", ErrUnavailable, err)
	}
	return nil
}

// Update merges fields into the current payload. The read-modify-write is not
// transactional; session data is advisory and last-writer-wins is acceptable.
func (r *Redis) Update(ctx context.Context, telegramID int64, fields Data) error {
	data, err := r.Get(ctx, telegramID)
	if err != nil {
		return err
	}
	for k, v := range fields {
		data[k] = v
	}
	return r.Set(ctx, telegramID, data)
}

// Clear removes the session; absent keys are a no-op success.
func (r *Redis) Clear(ctx context.Context, telegramID int64) error {
	if err := r.client.Del(ctx, Key(telegramID)).Err(); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrUnavailable, err)
	}
	return nil
}
