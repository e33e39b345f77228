package inmem

import (
	"context"
	"sync"
)

// ModerationRecord is one action applied to a user.
type ModerationRecord struct {
	Action       string
	TargetUserID string
	Details      string
}

type Moderation struct {
	mu      sync.RWMutex
	status  string
	applied []ModerationRecord
}

// NewModeration creates an available moderation service.
func NewModeration() *Moderation {
	return &Moderation{status: "up"}
}

func (m *Moderation) SetStatus(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

func (m *Moderation) ApplyAction(_ context.Context, action, targetUserID, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == "down" {
		return ErrUnavailable
	}
	m.applied = append(m.applied, ModerationRecord{Action: action, TargetUserID: targetUserID, Details: details})
	return nil
}

func (m *Moderation) Applied() []ModerationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ModerationRecord(nil), m.applied...)
}
