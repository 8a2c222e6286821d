package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/betbot/gohedge/internal/domain"
	"github.com/betbot/gohedge/pkg/logger"
)

// Credentials are the venue L2 API credentials.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// ClobConfig configures the CLOB gateway.
type ClobConfig struct {
	BaseURL string
	Enabled bool
	// DryRun logs orders instead of posting them and returns synthetic
	// order ids. Status polls answer fully matched at the placed size.
	DryRun  bool
	Timeout time.Duration
}

// Synthetic fill price used for dry-run orders (binary-market midpoint).
const dryRunAvgPrice = 0.5

// ClobGateway talks to the Polymarket CLOB REST API.
//
// Order signing is handled by the execution proxy behind BaseURL; this
// client only carries L2 auth headers.
type ClobGateway struct {
	client  *resty.Client
	creds   Credentials
	enabled bool
	dryRun  bool

	// dry-run order book: status polls echo the placed size back as a
	// full fill so reconciliation and settlement run end to end.
	dryMu    sync.Mutex
	dryFills map[string]float64
}

// NewClobGateway creates the gateway. Resty picks up HTTP(S)_PROXY from the
// environment; 429 responses honor Retry-After.
func NewClobGateway(cfg ClobConfig, creds Credentials) *ClobGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp.StatusCode() == http.StatusTooManyRequests {
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if seconds, err := time.ParseDuration(ra + "s"); err == nil {
						return seconds, nil
					}
				}
				return 5 * time.Second, nil
			}
			return 0, nil
		})

	return &ClobGateway{
		client:   client,
		creds:    creds,
		enabled:  cfg.Enabled,
		dryRun:   cfg.DryRun,
		dryFills: make(map[string]float64),
	}
}

func (g *ClobGateway) Enabled() bool {
	return g != nil && g.enabled
}

func (g *ClobGateway) newRequest(ctx context.Context) *resty.Request {
	r := g.client.R().SetContext(ctx)
	r.SetHeader("Accept", "application/json")
	r.SetHeader("POLY-API-KEY", g.creds.APIKey)
	r.SetHeader("POLY-PASSPHRASE", g.creds.Passphrase)
	return r
}

type placeOrderRequest struct {
	Market    string `json:"market"`
	Condition string `json:"condition_id"`
	TokenID   string `json:"token_id"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	OrderType string `json:"order_type"`
}

type placeOrderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderID"`
	Status  string `json:"status"`
	Error   string `json:"errorMsg"`
}

// PlaceMarketOrder submits one aggregated market order.
func (g *ClobGateway) PlaceMarketOrder(ctx context.Context, marketID, conditionID, tokenID string, side domain.Side, size float64) (*PlacedOrder, error) {
	if g.dryRun {
		id := "dry-" + uuid.NewString()
		g.dryMu.Lock()
		g.dryFills[id] = size
		g.dryMu.Unlock()
		logger.Infof("[gateway] dry-run order: market=%s token=%s side=%s size=%.4f -> %s", marketID, tokenID, side, size, id)
		return &PlacedOrder{OrderID: id, Status: "matched"}, nil
	}

	body := placeOrderRequest{
		Market:    marketID,
		Condition: conditionID,
		TokenID:   tokenID,
		Side:      string(side),
		Size:      strconv.FormatFloat(size, 'f', 4, 64),
		OrderType: "FOK",
	}
	var out placeOrderResponse
	resp, err := g.newRequest(ctx).SetBody(body).SetResult(&out).Post("/order")
	if err != nil {
		return nil, errors.Wrap(err, "post order")
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, errors.Errorf("post order: status=%d body=%s", resp.StatusCode(), resp.String())
	}
	if !out.Success {
		return nil, errors.Errorf("venue rejected order: %s", out.Error)
	}
	return &PlacedOrder{OrderID: out.OrderID, Status: out.Status}, nil
}

type orderStatusResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	SizeMatched  string `json:"size_matched"`
	OriginalSize string `json:"original_size"`
	Price        string `json:"price"`
}

// GetOrderStatus fetches the venue view of one order.
// Returns (nil, nil) when the venue does not know the order (404).
func (g *ClobGateway) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	if g.dryRun && strings.HasPrefix(orderID, "dry-") {
		g.dryMu.Lock()
		size := g.dryFills[orderID]
		g.dryMu.Unlock()
		return &OrderStatus{
			OrderID:       orderID,
			Status:        "matched",
			FilledSize:    size,
			RemainingSize: 0,
			AvgPrice:      dryRunAvgPrice,
		}, nil
	}

	var out orderStatusResponse
	resp, err := g.newRequest(ctx).SetResult(&out).Get("/data/order/" + orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order status")
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, errors.Errorf("get order status: status=%d", resp.StatusCode())
	}

	filled := parseFloat(out.SizeMatched)
	original := parseFloat(out.OriginalSize)
	return &OrderStatus{
		OrderID:       out.ID,
		Status:        out.Status,
		FilledSize:    filled,
		RemainingSize: original - filled,
		AvgPrice:      parseFloat(out.Price),
	}, nil
}

// CancelOrder cancels one order on the venue.
func (g *ClobGateway) CancelOrder(ctx context.Context, orderID string) error {
	if g.dryRun {
		logger.Infof("[gateway] dry-run cancel: %s", orderID)
		return nil
	}
	resp, err := g.newRequest(ctx).SetBody(map[string]string{"orderID": orderID}).Delete("/order")
	if err != nil {
		return errors.Wrap(err, "cancel order")
	}
	if resp.StatusCode() != http.StatusOK {
		return errors.Errorf("cancel order: status=%d", resp.StatusCode())
	}
	return nil
}

type openOrderEntry struct {
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
}

// GetOpenOrders lists our open orders on the venue.
func (g *ClobGateway) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	if g.dryRun {
		return nil, nil
	}
	var entries []openOrderEntry
	resp, err := g.newRequest(ctx).SetResult(&entries).Get("/data/orders")
	if err != nil {
		return nil, errors.Wrap(err, "get open orders")
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, errors.Errorf("get open orders: status=%d", resp.StatusCode())
	}
	out := make([]OpenOrder, 0, len(entries))
	for _, e := range entries {
		out = append(out, OpenOrder{
			OrderID:      e.ID,
			TokenID:      e.AssetID,
			Side:         domain.Side(strings.ToUpper(e.Side)),
			OriginalSize: parseFloat(e.OriginalSize),
			FilledSize:   parseFloat(e.SizeMatched),
		})
	}
	return out, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

var _ OrderGateway = (*ClobGateway)(nil)
