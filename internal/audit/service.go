package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to end users by default.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogAdminAction records a privileged wallet action (including hidden roles).
func (s *Service) LogAdminAction(ctx context.Context, actorUserID, actorRole, ip, message, ownerID, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeAdminAction,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		OwnerID:     ownerID,
		Message:     message,
		Metadata:    metadata,
	})
}

// LogSignatureRejected records a webhook that failed signature verification.
// Security relevant: always record the source and provider.
func (s *Service) LogSignatureRejected(ctx context.Context, provider, ip, metadata string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeSignatureRejected,
		Provider:  provider,
		IPAddress: ip,
		Message:   "webhook signature rejected",
		Metadata:  metadata,
	})
}

// LogBreakerOverride records a forced circuit breaker state change.
func (s *Service) LogBreakerOverride(ctx context.Context, actorUserID, actorRole, ip, provider, overrideID, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeBreakerOverride,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Provider:    provider,
		OverrideID:  overrideID,
		Message:     "breaker override applied",
		Metadata:    metadata,
	})
}
