package breaker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"loyalty-platform/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// MemoryStore is the process-local state store. It serves as the fallback
// when redis is unreachable, and as the primary store in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (s *MemoryStore) Load(ctx context.Context, name string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[name]
	return snap, ok, nil
}

func (s *MemoryStore) Save(ctx context.Context, name string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[name] = snap
	return nil
}

// LocalProbeGate admits one probe per name within this process.
type LocalProbeGate struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalProbeGate() *LocalProbeGate {
	return &LocalProbeGate{held: make(map[string]bool)}
}

func (g *LocalProbeGate) TryAcquire(ctx context.Context, name string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[name] {
		return false, nil
	}
	g.held[name] = true
	return true, nil
}

func (g *LocalProbeGate) Release(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, name)
	return nil
}

// RedisStore shares breaker state across replicas via a hash per provider.
// Writes are last-writer-wins; see the package comment for why that is
// acceptable here.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func stateKey(name string) string { return "breaker:state:" + name }

func (s *RedisStore) Load(ctx context.Context, name string) (Snapshot, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, stateKey(name)).Result()
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(fields) == 0 {
		return Snapshot{}, false, nil
	}

	var snap Snapshot
	snap.State = State(fields["state"])
	if v, err := strconv.Atoi(fields["failure_count"]); err == nil {
		snap.FailureCount = v
	}
	if v, err := strconv.ParseInt(fields["last_failure_ms"], 10, 64); err == nil && v > 0 {
		snap.LastFailureTime = time.UnixMilli(v)
	}
	return snap, true, nil
}

func (s *RedisStore) Save(ctx context.Context, name string, snap Snapshot) error {
	var lastMS int64
	if !snap.LastFailureTime.IsZero() {
		lastMS = snap.LastFailureTime.UnixMilli()
	}
	return s.rdb.HSet(ctx, stateKey(name), map[string]any{
		"state":           string(snap.State),
		"failure_count":   snap.FailureCount,
		"last_failure_ms": lastMS,
	}).Err()
}

// RedisProbeGate admits one half-open probe per name across all replicas,
// using a TTL-bounded exclusive slot so a crashed prober cannot wedge the
// breaker in HALF_OPEN forever.
type RedisProbeGate struct {
	rdb *redis.Client
	ttl time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

func NewRedisProbeGate(rdb *redis.Client, ttl time.Duration) *RedisProbeGate {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisProbeGate{rdb: rdb, ttl: ttl, tokens: make(map[string]string)}
}

func probeKey(name string) string { return "breaker:probe:" + name }

func (g *RedisProbeGate) TryAcquire(ctx context.Context, name string) (bool, error) {
	token := uuid.NewString()
	ok, err := utils.AcquireSlot(ctx, g.rdb, probeKey(name), token, g.ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	g.mu.Lock()
	g.tokens[name] = token
	g.mu.Unlock()
	return true, nil
}

func (g *RedisProbeGate) Release(ctx context.Context, name string) error {
	g.mu.Lock()
	token := g.tokens[name]
	delete(g.tokens, name)
	g.mu.Unlock()
	if token == "" {
		return nil
	}
	return utils.ReleaseSlot(ctx, g.rdb, probeKey(name), token)
}
