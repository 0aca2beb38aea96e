package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockProvider is an in-memory HistoryProvider for tests.
type MockProvider struct {
	mu sync.Mutex

	Orders map[string]*OrderRecord
	Fills  []FillEvent

	// Err, when set, is returned by every call. Simulates a broker outage.
	Err error

	StatusCalls int
	FillCalls   int
}

// NewMockProvider creates an empty mock.
func NewMockProvider() *MockProvider {
	return &MockProvider{Orders: make(map[string]*OrderRecord)}
}

// SetOrder registers or replaces an order record.
func (m *MockProvider) SetOrder(order *OrderRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Orders[order.ID] = order
}

// AddFill appends a fill event to the history.
func (m *MockProvider) AddFill(fill FillEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fills = append(m.Fills, fill)
}

func (m *MockProvider) GetOrderStatus(_ context.Context, orderID string) (*OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	order, ok := m.Orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
	}
	cp := *order
	return &cp, nil
}

func (m *MockProvider) GetFills(_ context.Context, since time.Time) ([]FillEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FillCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	var out []FillEvent
	for _, f := range m.Fills {
		if !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}
