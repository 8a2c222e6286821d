package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/betbot/gohedge/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hedge.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertExposureAccumulates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, d := range []struct{ shares, cost float64 }{{100, 48}, {50, 24.5}} {
		err := s.UpsertExposure(ctx, ExposureUpdate{
			EventID:     "evt-1",
			OutcomeID:   "out-yes",
			PMMarketID:  "m1",
			PMOutcomeID: "t1",
			SharesDelta: d.shares,
			CostDelta:   d.cost,
			Status:      domain.PositionStatusHedged,
			At:          now,
		})
		if err != nil {
			t.Fatalf("UpsertExposure: %v", err)
		}
	}

	p, err := s.GetExposure(ctx, "evt-1", "out-yes")
	if err != nil {
		t.Fatalf("GetExposure: %v", err)
	}
	if p == nil {
		t.Fatal("expected exposure row, got nil")
	}
	if p.HedgedShares != 150 {
		t.Fatalf("hedged shares = %v, want 150", p.HedgedShares)
	}
	if p.NetExposure != 72.5 {
		t.Fatalf("net exposure = %v, want 72.5", p.NetExposure)
	}
	if p.Status != domain.PositionStatusHedged {
		t.Fatalf("status = %s, want hedged", p.Status)
	}
	if p.LastHedgeAt == nil {
		t.Fatal("last_hedge_at not set")
	}
}

func TestUpsertExposureDoesNotTouchSettled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.UpsertExposure(ctx, ExposureUpdate{
		EventID: "evt-1", OutcomeID: "out-yes",
		SharesDelta: 100, CostDelta: 48,
		Status: domain.PositionStatusHedged, At: now,
	}); err != nil {
		t.Fatalf("UpsertExposure: %v", err)
	}
	p, _ := s.GetExposure(ctx, "evt-1", "out-yes")
	if ok, err := s.SettlePosition(ctx, p.ID, 52, now); err != nil || !ok {
		t.Fatalf("SettlePosition: ok=%v err=%v", ok, err)
	}

	// 结算后迟到的对账增量必须被忽略
	if err := s.UpsertExposure(ctx, ExposureUpdate{
		EventID: "evt-1", OutcomeID: "out-yes",
		SharesDelta: 25, CostDelta: 12,
		Status: domain.PositionStatusHedged, At: now,
	}); err != nil {
		t.Fatalf("UpsertExposure after settle: %v", err)
	}
	p2, _ := s.GetExposure(ctx, "evt-1", "out-yes")
	if p2.HedgedShares != 100 {
		t.Fatalf("settled row changed: shares = %v", p2.HedgedShares)
	}
	if p2.Status != domain.PositionStatusSettled {
		t.Fatalf("status = %s, want settled", p2.Status)
	}
	if p2.RealizedPnL != 52 {
		t.Fatalf("realized pnl = %v, want 52", p2.RealizedPnL)
	}
}

func TestSettlePositionIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.UpsertExposure(ctx, ExposureUpdate{
		EventID: "evt-1", OutcomeID: "out-yes",
		SharesDelta: 10, CostDelta: 5,
		Status: domain.PositionStatusHedged, At: now,
	}); err != nil {
		t.Fatalf("UpsertExposure: %v", err)
	}
	p, _ := s.GetExposure(ctx, "evt-1", "out-yes")

	ok, err := s.SettlePosition(ctx, p.ID, 5, now)
	if err != nil || !ok {
		t.Fatalf("first settle: ok=%v err=%v", ok, err)
	}
	ok, err = s.SettlePosition(ctx, p.ID, 999, now)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if ok {
		t.Fatal("second settle reported rows affected, want idempotent no-op")
	}
	p2, _ := s.GetPosition(ctx, p.ID)
	if p2.RealizedPnL != 5 {
		t.Fatalf("pnl overwritten on re-settle: %v", p2.RealizedPnL)
	}
}

func TestListOpenPositionIDsKeysetPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		if err := s.UpsertExposure(ctx, ExposureUpdate{
			EventID:   "evt-1",
			OutcomeID: "out-" + string(rune('a'+i)),
			SharesDelta: 1, Status: domain.PositionStatusHedged, At: now,
		}); err != nil {
			t.Fatalf("UpsertExposure: %v", err)
		}
	}
	// 其他事件的仓位不应出现在分页里
	if err := s.UpsertExposure(ctx, ExposureUpdate{
		EventID: "evt-2", OutcomeID: "out-a",
		SharesDelta: 1, Status: domain.PositionStatusHedged, At: now,
	}); err != nil {
		t.Fatalf("UpsertExposure: %v", err)
	}

	var all []int64
	var cursor int64
	for {
		page, err := s.ListOpenPositionIDs(ctx, "evt-1", cursor, 2)
		if err != nil {
			t.Fatalf("ListOpenPositionIDs: %v", err)
		}
		all = append(all, page...)
		if len(page) < 2 {
			break
		}
		cursor = page[len(page)-1]
	}
	if len(all) != 5 {
		t.Fatalf("paged ids = %d, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i] <= all[i-1] {
			t.Fatalf("ids not strictly ascending: %v", all)
		}
	}

	// 结算后滑出过滤条件
	if ok, err := s.SettlePosition(ctx, all[0], 0, now); err != nil || !ok {
		t.Fatalf("SettlePosition: ok=%v err=%v", ok, err)
	}
	rest, err := s.ListOpenPositionIDs(ctx, "evt-1", 0, 10)
	if err != nil {
		t.Fatalf("ListOpenPositionIDs: %v", err)
	}
	if len(rest) != 4 {
		t.Fatalf("open positions after settle = %d, want 4", len(rest))
	}
	n, err := s.CountOpenPositions(ctx, "evt-1")
	if err != nil || n != 4 {
		t.Fatalf("CountOpenPositions = %d err=%v, want 4", n, err)
	}
}

func TestExternalOrderLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &domain.ExternalOrderRecord{
		PMOrderID: "pm-1",
		EventID:   "evt-1",
		OutcomeID: "out-yes",
		Status:    domain.ExternalOrderStatusPlaced,
	}
	if err := s.CreateExternalOrder(ctx, rec); err != nil {
		t.Fatalf("CreateExternalOrder: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("id not generated")
	}

	open, err := s.ListOpenExternalOrders(ctx, 10)
	if err != nil {
		t.Fatalf("ListOpenExternalOrders: %v", err)
	}
	if len(open) != 1 || open[0].ID != rec.ID {
		t.Fatalf("open orders = %+v, want the created one", open)
	}

	now := time.Now()
	if err := s.UpdateExternalOrderFill(ctx, rec.ID, 75, domain.ExternalOrderStatusPartial, now); err != nil {
		t.Fatalf("UpdateExternalOrderFill: %v", err)
	}
	got, _ := s.GetExternalOrder(ctx, rec.ID)
	if got.AmountFilled != 75 || got.Status != domain.ExternalOrderStatusPartial {
		t.Fatalf("after partial fill: %+v", got)
	}

	if err := s.UpdateExternalOrderFill(ctx, rec.ID, 225, domain.ExternalOrderStatusFilled, now); err != nil {
		t.Fatalf("UpdateExternalOrderFill: %v", err)
	}
	open, _ = s.ListOpenExternalOrders(ctx, 10)
	if len(open) != 0 {
		t.Fatalf("filled order still listed as open: %+v", open)
	}

	// 终态不可回退
	if err := s.UpdateExternalOrderFill(ctx, rec.ID, 10, domain.ExternalOrderStatusPartial, now); err != nil {
		t.Fatalf("UpdateExternalOrderFill: %v", err)
	}
	got, _ = s.GetExternalOrder(ctx, rec.ID)
	if got.Status != domain.ExternalOrderStatusFilled || got.AmountFilled != 225 {
		t.Fatalf("terminal status regressed: %+v", got)
	}
}

func TestCreateExternalOrderIdempotentByPMOrderID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// 同批次多个调用方各自落库同一个聚合订单号，只应存一行
	for i := 0; i < 3; i++ {
		if err := s.CreateExternalOrder(ctx, &domain.ExternalOrderRecord{
			PMOrderID: "pm-agg-1",
			EventID:   "evt-1",
			OutcomeID: "out-yes",
			Status:    domain.ExternalOrderStatusPlaced,
		}); err != nil {
			t.Fatalf("CreateExternalOrder #%d: %v", i, err)
		}
	}
	open, err := s.ListOpenExternalOrders(ctx, 10)
	if err != nil {
		t.Fatalf("ListOpenExternalOrders: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("duplicate order mirrors: %d rows", len(open))
	}
}

func TestApplyOrderFillAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := &domain.ExternalOrderRecord{
		PMOrderID: "pm-1",
		EventID:   "evt-1",
		OutcomeID: "out-yes",
		Status:    domain.ExternalOrderStatusPlaced,
	}
	if err := s.CreateExternalOrder(ctx, rec); err != nil {
		t.Fatalf("CreateExternalOrder: %v", err)
	}

	// 让敞口 upsert 失败：订单进度不能先行落库，否则这笔增量
	// 会被下一轮当成"没有新成交"而永久丢失
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE hedge_positions RENAME TO hedge_positions_bak`); err != nil {
		t.Fatalf("rename table: %v", err)
	}
	err := s.ApplyOrderFill(ctx, rec.ID, 75, domain.ExternalOrderStatusPartial, &ExposureUpdate{
		EventID: "evt-1", OutcomeID: "out-yes",
		SharesDelta: 75, CostDelta: 36, At: now,
	}, now)
	if err == nil {
		t.Fatal("expected error while exposure table is gone")
	}
	got, _ := s.GetExternalOrder(ctx, rec.ID)
	if got.AmountFilled != 0 || got.Status != domain.ExternalOrderStatusPlaced {
		t.Fatalf("order mirror advanced without exposure: %+v", got)
	}

	// 恢复后重放同一笔增量，应当收敛
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE hedge_positions_bak RENAME TO hedge_positions`); err != nil {
		t.Fatalf("restore table: %v", err)
	}
	if err := s.ApplyOrderFill(ctx, rec.ID, 75, domain.ExternalOrderStatusPartial, &ExposureUpdate{
		EventID: "evt-1", OutcomeID: "out-yes",
		SharesDelta: 75, CostDelta: 36, At: now,
	}, now); err != nil {
		t.Fatalf("ApplyOrderFill after restore: %v", err)
	}
	p, _ := s.GetExposure(ctx, "evt-1", "out-yes")
	if p == nil || p.HedgedShares != 75 {
		t.Fatalf("exposure after replay: %+v", p)
	}
	got, _ = s.GetExternalOrder(ctx, rec.ID)
	if got.AmountFilled != 75 {
		t.Fatalf("order mirror after replay: %+v", got)
	}
}

func TestApplyOrderFillDerivesExposureStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := &domain.ExternalOrderRecord{
		PMOrderID: "pm-1", EventID: "evt-1", OutcomeID: "out-yes",
		Status: domain.ExternalOrderStatusPlaced,
	}
	second := &domain.ExternalOrderRecord{
		PMOrderID: "pm-2", EventID: "evt-1", OutcomeID: "out-yes",
		Status: domain.ExternalOrderStatusPlaced,
	}
	for _, rec := range []*domain.ExternalOrderRecord{first, second} {
		if err := s.CreateExternalOrder(ctx, rec); err != nil {
			t.Fatalf("CreateExternalOrder: %v", err)
		}
	}

	// 第一张全部成交，但同键下还有未终态订单，敞口只能算 partial
	if err := s.ApplyOrderFill(ctx, first.ID, 100, domain.ExternalOrderStatusFilled, &ExposureUpdate{
		EventID: "evt-1", OutcomeID: "out-yes",
		SharesDelta: 100, CostDelta: 48, At: now,
	}, now); err != nil {
		t.Fatalf("ApplyOrderFill #1: %v", err)
	}
	p, _ := s.GetExposure(ctx, "evt-1", "out-yes")
	if p.Status != domain.PositionStatusPartial {
		t.Fatalf("status with an open sibling order = %s, want partial", p.Status)
	}

	// 第二张也到终态，敞口才是 hedged
	if err := s.ApplyOrderFill(ctx, second.ID, 125, domain.ExternalOrderStatusFilled, &ExposureUpdate{
		EventID: "evt-1", OutcomeID: "out-yes",
		SharesDelta: 125, CostDelta: 60, At: now,
	}, now); err != nil {
		t.Fatalf("ApplyOrderFill #2: %v", err)
	}
	p, _ = s.GetExposure(ctx, "evt-1", "out-yes")
	if p.Status != domain.PositionStatusHedged {
		t.Fatalf("status after all orders terminal = %s, want hedged", p.Status)
	}
	if p.HedgedShares != 225 {
		t.Fatalf("hedged shares = %v, want 225", p.HedgedShares)
	}
}

func TestListOpenExternalOrdersSkipsUnplaced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// 没拿到场所订单号的记录（下单失败残留）不进对账
	if err := s.CreateExternalOrder(ctx, &domain.ExternalOrderRecord{
		EventID: "evt-1", OutcomeID: "out-yes",
	}); err != nil {
		t.Fatalf("CreateExternalOrder: %v", err)
	}
	open, err := s.ListOpenExternalOrders(ctx, 10)
	if err != nil {
		t.Fatalf("ListOpenExternalOrders: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("order without pm_order_id listed: %+v", open)
	}
}

func TestEventLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	if err := s.UpsertEvent(ctx, &domain.Event{ID: "evt-1", ResolutionAt: &past}); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}
	if err := s.UpsertEvent(ctx, &domain.Event{ID: "evt-2"}); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}

	n, err := s.CloseExpiredEvents(ctx, time.Now())
	if err != nil {
		t.Fatalf("CloseExpiredEvents: %v", err)
	}
	if n != 1 {
		t.Fatalf("closed %d events, want 1", n)
	}
	ev, _ := s.GetEvent(ctx, "evt-1")
	if ev.Status != domain.EventStatusClosed {
		t.Fatalf("evt-1 status = %s, want CLOSED", ev.Status)
	}
	ev2, _ := s.GetEvent(ctx, "evt-2")
	if ev2.Status != domain.EventStatusActive {
		t.Fatalf("evt-2 status = %s, want ACTIVE", ev2.Status)
	}

	// 没有裁决结果就不可结算
	list, _ := s.ListSettleableEvents(ctx, 10)
	if len(list) != 0 {
		t.Fatalf("settleable without winning outcome: %+v", list)
	}
	if err := s.SetEventWinningOutcome(ctx, "evt-1", "out-yes"); err != nil {
		t.Fatalf("SetEventWinningOutcome: %v", err)
	}
	list, _ = s.ListSettleableEvents(ctx, 10)
	if len(list) != 1 || list[0].ID != "evt-1" {
		t.Fatalf("settleable = %+v, want evt-1", list)
	}

	if err := s.MarkEventResolved(ctx, "evt-1", "out-yes", time.Now()); err != nil {
		t.Fatalf("MarkEventResolved: %v", err)
	}
	list, _ = s.ListSettleableEvents(ctx, 10)
	if len(list) != 0 {
		t.Fatalf("resolved event still settleable: %+v", list)
	}
}

func TestJobRunAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	runID, err := s.InsertJobRunStart(ctx, "reconcile")
	if err != nil {
		t.Fatalf("InsertJobRunStart: %v", err)
	}
	if runID <= 0 {
		t.Fatalf("run id = %d", runID)
	}
	if err := s.FinishJobRun(ctx, runID, true, "", `{"updated":3}`); err != nil {
		t.Fatalf("FinishJobRun: %v", err)
	}
}
