package core

import "context"

// Notifier is the broadcast sink called after successful state transitions
// (order created, status change, session progress). Implementations are
// fire-and-forget: they must swallow and log their own failures, because a
// broken sink never rolls back a business operation.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, map[string]any) {}
