// Package events publishes post-commit domain events to downstream
// consumers (cash-back, achievements, notifications). Publishing is
// best-effort: the settlement commit is the source of truth and never
// waits on the broker.
package events

import "context"

// Publisher sends one event by type. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

// Noop discards events. Used when no broker is configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, eventType string, payload any) error {
	return nil
}
