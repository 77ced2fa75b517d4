package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Expiring operator overrides, checked ahead of normal breaker evaluation.
//
// force_open drains a provider (maintenance window, known incident) without
// waiting for organic failures; force_close bypasses the breaker when a
// false-open blocks recovery. Both must be time-bounded, and every set/clear
// is audited by the admin handler.

type OverrideMode string

const (
	OverrideForceOpen  OverrideMode = "force_open"
	OverrideForceClose OverrideMode = "force_close"
)

type Override struct {
	Name       string       `json:"name"`
	OverrideID string       `json:"override_id"`
	Mode       OverrideMode `json:"mode"`
	ExpiresAt  time.Time    `json:"expires_at"`

	// Metadata is optional JSON for internal audit correlation.
	Metadata string `json:"metadata,omitempty"`
}

var ErrInvalidOverride = errors.New("breaker: invalid override")

func (o Override) validate(now time.Time) error {
	if o.Name == "" {
		return ErrInvalidOverride
	}
	if o.Mode != OverrideForceOpen && o.Mode != OverrideForceClose {
		return ErrInvalidOverride
	}
	if !o.ExpiresAt.After(now) {
		return ErrInvalidOverride
	}
	return nil
}

// OverrideStore resolves and manages active overrides.
type OverrideStore interface {
	// GetActiveOverride returns (Override{}, false, nil) when none applies.
	GetActiveOverride(ctx context.Context, name string, now time.Time) (Override, bool, error)
	SetOverride(ctx context.Context, o Override, now time.Time) error
	ClearOverride(ctx context.Context, name string) error
}

// MemoryOverrideStore is for tests and single-replica fallback.
type MemoryOverrideStore struct {
	mu        sync.RWMutex
	overrides map[string]Override
}

func NewMemoryOverrideStore() *MemoryOverrideStore {
	return &MemoryOverrideStore{overrides: make(map[string]Override)}
}

func (s *MemoryOverrideStore) GetActiveOverride(ctx context.Context, name string, now time.Time) (Override, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[name]
	if !ok || !o.ExpiresAt.After(now) {
		return Override{}, false, nil
	}
	return o, true, nil
}

func (s *MemoryOverrideStore) SetOverride(ctx context.Context, o Override, now time.Time) error {
	if err := o.validate(now); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[o.Name] = o
	return nil
}

func (s *MemoryOverrideStore) ClearOverride(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, name)
	return nil
}

// RedisOverrideStore persists overrides with a TTL matching their expiry so
// they cannot outlive their window even if never cleared.
type RedisOverrideStore struct {
	rdb *redis.Client
}

func NewRedisOverrideStore(rdb *redis.Client) *RedisOverrideStore {
	return &RedisOverrideStore{rdb: rdb}
}

func overrideKey(name string) string { return "breaker:override:" + name }

func (s *RedisOverrideStore) GetActiveOverride(ctx context.Context, name string, now time.Time) (Override, bool, error) {
	raw, err := s.rdb.Get(ctx, overrideKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return Override{}, false, nil
	}
	if err != nil {
		return Override{}, false, err
	}

	var o Override
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return Override{}, false, err
	}
	if !o.ExpiresAt.After(now) {
		return Override{}, false, nil
	}
	return o, true, nil
}

func (s *RedisOverrideStore) SetOverride(ctx context.Context, o Override, now time.Time) error {
	if err := o.validate(now); err != nil {
		return err
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, overrideKey(o.Name), raw, o.ExpiresAt.Sub(now)).Err()
}

func (s *RedisOverrideStore) ClearOverride(ctx context.Context, name string) error {
	return s.rdb.Del(ctx, overrideKey(name)).Err()
}
