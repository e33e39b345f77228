package inmem

import (
	"context"
	"errors"
	"sync"
)

var ErrUnavailable = errors.New("inmem: collaborator unavailable")

// Transfer is one money movement recorded by Payments.
type Transfer struct {
	Kind     string
	UserID   string
	Amount   float64
	Currency string
	Key      string
}

// Payments is an in-memory payment processor. Repeating a call with a known
// idempotency key returns success without moving money again.
type Payments struct {
	mu        sync.RWMutex
	status    string // "up" | "down"
	byKey     map[string]Transfer
	transfers []Transfer
}

// NewPayments creates an available payment service.
func NewPayments() *Payments {
	return &Payments{status: "up", byKey: make(map[string]Transfer)}
}

// SetStatus lets tests and demo runs simulate processor downtime.
func (p *Payments) SetStatus(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

func (p *Payments) Refund(_ context.Context, buyerID string, amount float64, currency, key string) error {
	return p.record(Transfer{Kind: "refund", UserID: buyerID, Amount: amount, Currency: currency, Key: key})
}

func (p *Payments) Release(_ context.Context, sellerID string, amount float64, currency, key string) error {
	return p.record(Transfer{Kind: "release", UserID: sellerID, Amount: amount, Currency: currency, Key: key})
}

func (p *Payments) record(t Transfer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == "down" {
		return ErrUnavailable
	}
	if _, seen := p.byKey[t.Key]; seen {
		return nil
	}
	p.byKey[t.Key] = t
	p.transfers = append(p.transfers, t)
	return nil
}

// Transfers returns the applied transfers in order.
func (p *Payments) Transfers() []Transfer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Transfer(nil), p.transfers...)
}
