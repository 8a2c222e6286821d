package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/betbot/gohedge/internal/domain"
)

// MockGateway is an in-memory OrderGateway for testing.
type MockGateway struct {
	mu sync.Mutex

	// Response data
	NextOrderID string
	Statuses    map[string]*OrderStatus
	Open        []OpenOrder
	Disabled    bool

	// Call tracking
	Calls       map[string]int
	PlacedSizes []float64
	PlacedKeys  []string // "marketID/tokenID/side"

	// Error injection
	ErrorOnNext map[string]error
}

// NewMockGateway creates a mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		NextOrderID: "mock-order-123",
		Statuses:    make(map[string]*OrderStatus),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockGateway) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func (m *MockGateway) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.Disabled
}

func (m *MockGateway) PlaceMarketOrder(ctx context.Context, marketID, conditionID, tokenID string, side domain.Side, size float64) (*PlacedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("PlaceMarketOrder"); err != nil {
		return nil, err
	}
	m.PlacedSizes = append(m.PlacedSizes, size)
	m.PlacedKeys = append(m.PlacedKeys, fmt.Sprintf("%s/%s/%s", marketID, tokenID, side))
	return &PlacedOrder{OrderID: m.NextOrderID, Status: "live"}, nil
}

func (m *MockGateway) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetOrderStatus"); err != nil {
		return nil, err
	}
	st, ok := m.Statuses[orderID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *MockGateway) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackCall("CancelOrder")
}

func (m *MockGateway) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetOpenOrders"); err != nil {
		return nil, err
	}
	return append([]OpenOrder(nil), m.Open...), nil
}

// CallCount returns how many times name was invoked.
func (m *MockGateway) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[name]
}

var _ OrderGateway = (*MockGateway)(nil)
