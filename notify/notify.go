package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types delivered to users and operators.
const (
	EventDisputeCreated         = "dispute.created"
	EventStatusChanged          = "dispute.status_changed"
	EventEvidenceRequested      = "dispute.evidence_requested"
	EventDisputeResolved        = "dispute.resolved"
	EventReconciliationRequired = "dispute.reconciliation_required"
)

// OpsRecipient addresses operational alerts rather than a marketplace user.
const OpsRecipient = "ops"

// Notifier delivers a notification to a user.
type Notifier interface {
	Notify(ctx context.Context, userID, eventType string, payload map[string]any) error
}

// Async wraps a Notifier so delivery never blocks or fails the caller.
// Failures are logged and dropped.
type Async struct {
	next    Notifier
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync creates a notifier that delivers through next in the background.
func NewAsync(next Notifier, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{next: next, logger: logger, timeout: 10 * time.Second}
}

func (a *Async) Notify(ctx context.Context, userID, eventType string, payload map[string]any) error {
	if a == nil || a.next == nil {
		return nil
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Notify(sendCtx, userID, eventType, payload); err != nil {
			a.logger.WarnContext(sendCtx, "notification delivery failed",
				"user_id", userID,
				"event", eventType,
				"error", err,
			)
		}
	}()
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (a *Async) Wait() {
	a.wg.Wait()
}

// Log writes notifications to a logger. It backs local runs without a broker.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, userID, eventType string, payload map[string]any) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "user_id", userID, "event", eventType, "payload", payload)
	return nil
}

// Send delivers through n when it is non-nil and logs failures. Engine code
// calls it so a broken notifier cannot fail a transition.
func Send(ctx context.Context, n Notifier, logger *slog.Logger, userID, eventType string, payload map[string]any) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, userID, eventType, payload); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.WarnContext(ctx, "notification failed", "user_id", userID, "event", eventType, "error", err)
	}
}
