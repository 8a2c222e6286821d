package gateway

import (
	"context"

	"github.com/betbot/gohedge/internal/domain"
)

// PlacedOrder is the venue's response to a market order submission.
type PlacedOrder struct {
	OrderID string
	Status  string // "matched", "live", "delayed"
}

// OrderStatus is the venue's view of an existing order.
type OrderStatus struct {
	OrderID       string
	Status        string // "live", "matched", "cancelled"
	FilledSize    float64
	RemainingSize float64
	AvgPrice      float64
}

// OpenOrder is one entry of the venue's open-orders listing.
type OpenOrder struct {
	OrderID      string
	TokenID      string
	Side         domain.Side
	OriginalSize float64
	FilledSize   float64
}

// OrderGateway places and inspects orders on the external venue.
//
// GetOrderStatus returns (nil, nil) when the venue has no record of the
// order yet; callers should skip and retry on a later cycle.
type OrderGateway interface {
	PlaceMarketOrder(ctx context.Context, marketID, conditionID, tokenID string, side domain.Side, size float64) (*PlacedOrder, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOpenOrders(ctx context.Context) ([]OpenOrder, error)
	// Enabled reports whether the external integration is administratively
	// enabled. When false, reconciliation and settlement skip venue calls.
	Enabled() bool
}
