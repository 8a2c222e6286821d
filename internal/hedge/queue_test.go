package hedge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/betbot/gohedge/internal/domain"
	"github.com/betbot/gohedge/internal/gateway"
	"github.com/betbot/gohedge/internal/risk"
)

func newTestQueue(gw gateway.OrderGateway, window time.Duration) *Queue {
	br := risk.NewCircuitBreaker("test", risk.DefaultConfig())
	return NewQueue(QueueConfig{BatchWindow: window, FlushTimeout: 5 * time.Second}, gw, br)
}

func buyReq(size float64) *domain.HedgeRequest {
	return &domain.HedgeRequest{
		EventID:     "evt-1",
		OutcomeID:   "out-yes",
		MarketID:    "m1",
		ConditionID: "c1",
		TokenID:     "t1",
		Side:        domain.SideBuy,
		Size:        size,
	}
}

func TestEnqueueAggregatesSameKey(t *testing.T) {
	gw := gateway.NewMockGateway()
	q := newTestQueue(gw, 100*time.Millisecond)

	var wg sync.WaitGroup
	results := make([]string, 3)
	errs := make([]error, 3)
	for i, size := range []float64{100, 50, 75} {
		wg.Add(1)
		go func(i int, size float64) {
			defer wg.Done()
			results[i], errs[i] = q.Enqueue(context.Background(), buyReq(size))
		}(i, size)
	}
	wg.Wait()

	if n := gw.CallCount("PlaceMarketOrder"); n != 1 {
		t.Fatalf("PlaceMarketOrder called %d times, want 1", n)
	}
	if len(gw.PlacedSizes) != 1 || gw.PlacedSizes[0] != 225 {
		t.Fatalf("placed sizes = %v, want [225]", gw.PlacedSizes)
	}
	if gw.PlacedKeys[0] != "m1/t1/BUY" {
		t.Fatalf("placed key = %s", gw.PlacedKeys[0])
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if results[i] != "mock-order-123" {
			t.Fatalf("caller %d orderID = %q, want mock-order-123", i, results[i])
		}
	}
}

func TestEnqueueNeverMixesKeys(t *testing.T) {
	gw := gateway.NewMockGateway()
	q := newTestQueue(gw, 100*time.Millisecond)

	reqs := []*domain.HedgeRequest{
		buyReq(100),
		{EventID: "evt-1", OutcomeID: "out-no", MarketID: "m1", ConditionID: "c1", TokenID: "t2", Side: domain.SideBuy, Size: 40},
		{EventID: "evt-1", OutcomeID: "out-yes", MarketID: "m1", ConditionID: "c1", TokenID: "t1", Side: domain.SideSell, Size: 60},
	}
	var wg sync.WaitGroup
	for _, r := range reqs {
		wg.Add(1)
		go func(r *domain.HedgeRequest) {
			defer wg.Done()
			if _, err := q.Enqueue(context.Background(), r); err != nil {
				t.Errorf("Enqueue(%s/%s): %v", r.TokenID, r.Side, err)
			}
		}(r)
	}
	wg.Wait()

	if n := gw.CallCount("PlaceMarketOrder"); n != 3 {
		t.Fatalf("PlaceMarketOrder called %d times, want 3 (one per key)", n)
	}
	seen := map[string]bool{}
	for _, k := range gw.PlacedKeys {
		if seen[k] {
			t.Fatalf("key %s flushed twice", k)
		}
		seen[k] = true
	}
}

func TestEnqueueValidatesRequest(t *testing.T) {
	gw := gateway.NewMockGateway()
	q := newTestQueue(gw, 50*time.Millisecond)

	bad := buyReq(0)
	if _, err := q.Enqueue(context.Background(), bad); err == nil {
		t.Fatal("expected validation error for size 0")
	}
	bad = buyReq(10)
	bad.Side = "HOLD"
	if _, err := q.Enqueue(context.Background(), bad); err == nil {
		t.Fatal("expected validation error for bad side")
	}
	if n := gw.CallCount("PlaceMarketOrder"); n != 0 {
		t.Fatalf("invalid requests reached the venue: %d calls", n)
	}
}

func TestFlushFailurePropagatesToAllMembers(t *testing.T) {
	gw := gateway.NewMockGateway()
	gw.ErrorOnNext["PlaceMarketOrder"] = fmt.Errorf("venue 500")
	q := newTestQueue(gw, 50*time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = q.Enqueue(context.Background(), buyReq(10))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("caller %d got nil error, want venue failure", i)
		}
	}
	if n := gw.CallCount("PlaceMarketOrder"); n != 1 {
		t.Fatalf("PlaceMarketOrder called %d times, want 1 (no partial retry)", n)
	}
}

func TestSingleMemberGroupStillFlushes(t *testing.T) {
	gw := gateway.NewMockGateway()
	q := newTestQueue(gw, 50*time.Millisecond)

	orderID, err := q.Enqueue(context.Background(), buyReq(42))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if orderID != "mock-order-123" {
		t.Fatalf("orderID = %q", orderID)
	}
	if gw.PlacedSizes[0] != 42 {
		t.Fatalf("placed size = %v, want 42", gw.PlacedSizes[0])
	}
}

func TestClearRejectsWithoutVenueCalls(t *testing.T) {
	gw := gateway.NewMockGateway()
	q := newTestQueue(gw, time.Hour) // 窗口足够长，flush 不会先触发

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = q.Enqueue(context.Background(), buyReq(10))
		}(i)
	}
	// 等请求都进组
	deadline := time.Now().Add(2 * time.Second)
	for q.Stats().QueueLength < 3 {
		if time.Now().After(deadline) {
			t.Fatal("requests never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	q.Clear()
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrQueueCleared) {
			t.Fatalf("caller %d error = %v, want ErrQueueCleared", i, err)
		}
	}
	if n := gw.CallCount("PlaceMarketOrder"); n != 0 {
		t.Fatalf("cleared requests reached the venue: %d calls", n)
	}
}

func TestOpenBreakerRejectsFlush(t *testing.T) {
	gw := gateway.NewMockGateway()
	br := risk.NewCircuitBreaker("test", risk.Config{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		ResetTimeout:     time.Hour,
	})
	br.OnFailure() // 直接打开
	if br.State() != risk.StateOpen {
		t.Fatalf("breaker state = %s, want OPEN", br.State())
	}
	q := NewQueue(QueueConfig{BatchWindow: 50 * time.Millisecond}, gw, br)

	_, err := q.Enqueue(context.Background(), buyReq(10))
	if !errors.Is(err, risk.ErrCircuitBreakerOpen) {
		t.Fatalf("error = %v, want ErrCircuitBreakerOpen", err)
	}
	if n := gw.CallCount("PlaceMarketOrder"); n != 0 {
		t.Fatalf("open breaker let %d calls through", n)
	}
}

func TestEnqueueContextCancelDoesNotBlockFlush(t *testing.T) {
	gw := gateway.NewMockGateway()
	q := newTestQueue(gw, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := q.Enqueue(ctx, buyReq(10)); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}

	// 放弃的请求仍会随批次下单，flush 不被卡住
	deadline := time.Now().Add(2 * time.Second)
	for gw.CallCount("PlaceMarketOrder") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("flush never ran after caller abandoned")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
