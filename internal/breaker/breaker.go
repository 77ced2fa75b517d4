package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loyalty-platform/internal/config"
	"loyalty-platform/internal/provider"
)

// Per-provider circuit breaker.
//
// States:
//   CLOSED:    calls pass through; expected failures increment the counter,
//              successes decay it by one (floor 0) so isolated transient
//              errors do not flap the breaker.
//   OPEN:      calls are rejected without touching the provider until the
//              recovery timeout elapses; then one probe is admitted.
//   HALF_OPEN: exactly one in-flight probe (cross-replica via the probe
//              gate); success closes the breaker, failure re-opens it.
//
// Only errors matching the configured failure classifier count; unrelated
// errors propagate without affecting breaker state. State lives in a shared
// store (redis) with last-writer-wins semantics and degrades to process-local
// state when the store is unreachable: the breaker is a liveness
// optimization, never a correctness gate.

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Snapshot is the persisted breaker state for one provider.
type Snapshot struct {
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	State           State     `json:"state"`
}

// StateStore persists breaker snapshots per name.
// Implementations need only per-name total ordering; last-writer-wins is
// acceptable (a lost update costs at most one extra failed call).
type StateStore interface {
	Load(ctx context.Context, name string) (Snapshot, bool, error)
	Save(ctx context.Context, name string, s Snapshot) error
}

// ProbeGate admits at most one half-open probe per name at a time.
type ProbeGate interface {
	TryAcquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}

// ErrOpen is the class of rejections issued without invoking the operation.
var ErrOpen = errors.New("circuit breaker open")

// OpenError reports the remaining cool-down so clients get a retry hint.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Settings tune one breaker. IsFailure classifies which errors count toward
// opening; by default only provider.ErrUnavailable does.
type Settings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	ProbeTTL         time.Duration
	IsFailure        func(error) bool
}

func settingsFromConfig(cfg config.BreakerConfig) Settings {
	return Settings{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		ProbeTTL:         cfg.ProbeTTL,
	}
}

func (s Settings) withDefaults() Settings {
	out := s
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.RecoveryTimeout <= 0 {
		out.RecoveryTimeout = 30 * time.Second
	}
	if out.ProbeTTL <= 0 {
		out.ProbeTTL = 10 * time.Second
	}
	if out.IsFailure == nil {
		out.IsFailure = func(err error) bool { return errors.Is(err, provider.ErrUnavailable) }
	}
	return out
}

type Breaker struct {
	name     string
	settings Settings

	store     StateStore
	fallback  *MemoryStore
	probes    ProbeGate
	localGate *LocalProbeGate

	overrides OverrideStore

	now func() time.Time
	log *slog.Logger
}

// Call runs op under the breaker. When the breaker is open, op is not
// invoked and an *OpenError (matching ErrOpen) is returned.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	now := b.now()

	if b.overrides != nil {
		if o, ok, err := b.overrides.GetActiveOverride(ctx, b.name, now); err != nil {
			b.log.Warn("breaker override lookup failed", "breaker", b.name, "err", err)
		} else if ok {
			switch o.Mode {
			case OverrideForceOpen:
				return &OpenError{Name: b.name, RetryAfter: o.ExpiresAt.Sub(now)}
			case OverrideForceClose:
				// Maintenance bypass: no failure accounting.
				return op(ctx)
			}
		}
	}

	snap, _ := b.load(ctx)

	switch snap.State {
	case StateOpen:
		elapsed := now.Sub(snap.LastFailureTime)
		if elapsed < b.settings.RecoveryTimeout {
			return &OpenError{Name: b.name, RetryAfter: b.settings.RecoveryTimeout - elapsed}
		}
		return b.probe(ctx, snap, op)

	case StateHalfOpen:
		// Usually another replica holds the probe and the acquire below
		// fails. But a prober that died mid-probe leaves half_open persisted
		// with the slot expiring after ProbeTTL, so re-attempting the
		// acquire is also the recovery path out of a stale half_open.
		return b.probe(ctx, snap, op)

	default: // closed
		err := op(ctx)
		if err != nil && b.settings.IsFailure(err) {
			snap.FailureCount++
			snap.LastFailureTime = b.now()
			if snap.FailureCount >= b.settings.FailureThreshold {
				snap.State = StateOpen
				b.log.Warn("circuit breaker opened", "breaker", b.name, "failures", snap.FailureCount)
			}
			b.save(ctx, snap)
			return err
		}
		if err == nil && snap.FailureCount > 0 {
			snap.FailureCount--
			b.save(ctx, snap)
		}
		return err
	}
}

func (b *Breaker) probe(ctx context.Context, snap Snapshot, op func(context.Context) error) error {
	acquired, err := b.probes.TryAcquire(ctx, b.name)
	if err != nil {
		b.log.Warn("probe gate unavailable, using local gate", "breaker", b.name, "err", err)
		acquired, _ = b.localGate.TryAcquire(ctx, b.name)
		if acquired {
			defer func() { _ = b.localGate.Release(ctx, b.name) }()
		}
	} else if acquired {
		defer func() {
			if rerr := b.probes.Release(ctx, b.name); rerr != nil {
				b.log.Warn("probe gate release failed", "breaker", b.name, "err", rerr)
			}
		}()
	}
	if !acquired {
		return &OpenError{Name: b.name, RetryAfter: b.settings.ProbeTTL}
	}

	snap.State = StateHalfOpen
	b.save(ctx, snap)

	opErr := b.runProbe(ctx, snap, op)
	if opErr != nil && b.settings.IsFailure(opErr) {
		snap.State = StateOpen
		snap.LastFailureTime = b.now()
		b.save(ctx, snap)
		return opErr
	}

	// Success, or a business-level rejection, which still proves the
	// dependency is reachable.
	snap.State = StateClosed
	snap.FailureCount = 0
	b.save(ctx, snap)
	b.log.Info("circuit breaker recovered", "breaker", b.name)
	return opErr
}

// runProbe invokes op, writing a terminal open state before re-raising a
// panic so the breaker is never left persisted half_open with no prober.
func (b *Breaker) runProbe(ctx context.Context, snap Snapshot, op func(context.Context) error) error {
	defer func() {
		if r := recover(); r != nil {
			snap.State = StateOpen
			snap.LastFailureTime = b.now()
			b.save(ctx, snap)
			panic(r)
		}
	}()
	return op(ctx)
}

// load returns the shared snapshot, falling back to process-local state when
// the store is unreachable.
func (b *Breaker) load(ctx context.Context) (Snapshot, bool) {
	snap, ok, err := b.store.Load(ctx, b.name)
	if err != nil {
		b.log.Warn("breaker state load failed, using local state", "breaker", b.name, "err", err)
		snap, ok, _ = b.fallback.Load(ctx, b.name)
		return withStateDefault(snap), ok
	}
	// Keep the fallback warm so a store outage starts from recent state.
	if ok {
		_ = b.fallback.Save(ctx, b.name, snap)
	}
	return withStateDefault(snap), ok
}

func (b *Breaker) save(ctx context.Context, snap Snapshot) {
	_ = b.fallback.Save(ctx, b.name, snap)
	if err := b.store.Save(ctx, b.name, snap); err != nil {
		b.log.Warn("breaker state save failed", "breaker", b.name, "err", err)
	}
}

func withStateDefault(s Snapshot) Snapshot {
	if s.State == "" {
		s.State = StateClosed
	}
	return s
}

// Manager hands out one breaker per provider, sharing the stores.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker

	settings  Settings
	store     StateStore
	probes    ProbeGate
	overrides OverrideStore
	log       *slog.Logger
	now       func() time.Time
}

func NewManager(cfg config.BreakerConfig, store StateStore, probes ProbeGate, overrides OverrideStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		breakers:  make(map[string]*Breaker),
		settings:  settingsFromConfig(cfg).withDefaults(),
		store:     store,
		probes:    probes,
		overrides: overrides,
		log:       log,
		now:       time.Now,
	}
}

func (m *Manager) For(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := &Breaker{
		name:      name,
		settings:  m.settings,
		store:     m.store,
		fallback:  NewMemoryStore(),
		probes:    m.probes,
		localGate: NewLocalProbeGate(),
		overrides: m.overrides,
		now:       m.now,
		log:       m.log,
	}
	m.breakers[name] = b
	return b
}
