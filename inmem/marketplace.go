package inmem

import (
	"context"
	"sync"

	"disputeflow/marketplace"
)

// Marketplace holds orders and user history for local runs and tests. It
// implements marketplace.OrderLookup, OrderUpdater and HistoryLookup.
type Marketplace struct {
	mu            sync.RWMutex
	orders        map[string]marketplace.Order
	disputes      map[string]int
	responseRates map[string]float64
}

// NewMarketplace creates an empty marketplace.
func NewMarketplace() *Marketplace {
	return &Marketplace{
		orders:        make(map[string]marketplace.Order),
		disputes:      make(map[string]int),
		responseRates: make(map[string]float64),
	}
}

func (m *Marketplace) PutOrder(o marketplace.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Items = append([]marketplace.Item(nil), o.Items...)
	m.orders[o.ID] = o
}

func (m *Marketplace) RecordDispute(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[userID]++
}

func (m *Marketplace) SetSellerResponseRate(sellerID string, rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseRates[sellerID] = rate
}

func (m *Marketplace) GetOrder(_ context.Context, orderID string) (marketplace.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return marketplace.Order{}, marketplace.ErrOrderNotFound
	}
	o.Items = append([]marketplace.Item(nil), o.Items...)
	return o, nil
}

func (m *Marketplace) UpdateOrderStatus(_ context.Context, orderID string, status marketplace.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return marketplace.ErrOrderNotFound
	}
	o.Status = status
	m.orders[orderID] = o
	return nil
}

// CountDisputesByUser ignores status; the in-memory history keeps totals only.
func (m *Marketplace) CountDisputesByUser(_ context.Context, userID, _ string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.disputes[userID], nil
}

func (m *Marketplace) CountOrdersByUser(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.orders {
		if o.BuyerID == userID || o.SellerID == userID {
			n++
		}
	}
	return n, nil
}

func (m *Marketplace) GetSellerResponseRate(_ context.Context, sellerID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.responseRates[sellerID], nil
}
