package reconcile

import (
	"context"
	"time"

	"github.com/betbot/gohedge/internal/domain"
	"github.com/betbot/gohedge/internal/gateway"
	"github.com/betbot/gohedge/internal/metrics"
	"github.com/betbot/gohedge/internal/risk"
	"github.com/betbot/gohedge/internal/store"
	"github.com/betbot/gohedge/pkg/logger"
	"github.com/betbot/gohedge/pkg/ratelimit"
)

const defaultPageSize = 50

// Summary 一轮对账的结果摘要。
type Summary struct {
	OpenOrders   int   `json:"open_orders"`   // 本轮纳入对账的订单数
	Updated      int   `json:"updated"`       // 观测到新成交的订单数
	ClosedEvents int   `json:"closed_events"` // 本轮关闭的过期事件数
	ElapsedMs    int64 `json:"elapsed_ms"`
}

// Config 对账配置
type Config struct {
	// PageSize 每轮最多处理的未终态订单数；<=0 使用默认值。
	PageSize int
	// StatusPerSecond 状态查询限速（请求/秒）；<=0 不限速。
	// 场所配额 150 请求/10 秒，默认部署建议 10。
	StatusPerSecond int
}

// Reconciler 成交对账：轮询场所侧的订单状态，把新增成交量
// 作为增量写进敞口聚合行，并顺带关闭已过期的事件。
//
// 单条订单的查询失败只跳过该条，不中断整轮；整轮重复执行是安全的
// （增量按 filled - 已记录 计算，终态订单不再纳入）。
type Reconciler struct {
	store    *store.Store
	gw       gateway.OrderGateway
	breaker  *risk.CircuitBreaker
	limiter  ratelimit.RateLimiter
	pageSize int
}

// New 创建 Reconciler。
func New(cfg Config, st *store.Store, gw gateway.OrderGateway, breaker *risk.CircuitBreaker) *Reconciler {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	var limiter ratelimit.RateLimiter
	if cfg.StatusPerSecond > 0 {
		limiter = ratelimit.NewTokenBucket(cfg.StatusPerSecond, cfg.StatusPerSecond)
	}
	return &Reconciler{store: st, gw: gw, breaker: breaker, limiter: limiter, pageSize: pageSize}
}

// Run 执行一轮对账。
func (r *Reconciler) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	metrics.ReconcileRuns.Add(1)
	sum := &Summary{}

	if !r.gw.Enabled() {
		logger.Debugf("[reconcile] 场所集成未启用，跳过")
		return sum, nil
	}

	recs, err := r.store.ListOpenExternalOrders(ctx, r.pageSize)
	if err != nil {
		metrics.ReconcileErrors.Add(1)
		return nil, err
	}
	sum.OpenOrders = len(recs)

	for _, rec := range recs {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		updated, err := r.reconcileOrder(ctx, rec)
		if err != nil {
			metrics.ReconcileErrors.Add(1)
			logger.Warnf("[reconcile] 订单对账失败: id=%s pmOrderID=%s err=%v", rec.ID, rec.PMOrderID, err)
			continue
		}
		if updated {
			sum.Updated++
		}
	}

	closed, err := r.store.CloseExpiredEvents(ctx, time.Now())
	if err != nil {
		metrics.ReconcileErrors.Add(1)
		logger.Warnf("[reconcile] 关闭过期事件失败: %v", err)
	}
	sum.ClosedEvents = closed

	sum.ElapsedMs = time.Since(start).Milliseconds()
	logger.Infof("[reconcile] 完成: orders=%d updated=%d closedEvents=%d elapsed=%dms",
		sum.OpenOrders, sum.Updated, sum.ClosedEvents, sum.ElapsedMs)
	return sum, nil
}

// reconcileOrder 拉一条订单的场所状态并落库增量。
func (r *Reconciler) reconcileOrder(ctx context.Context, rec *domain.ExternalOrderRecord) (bool, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	var st *gateway.OrderStatus
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		s, e := r.gw.GetOrderStatus(ctx, rec.PMOrderID)
		if e != nil {
			return e
		}
		st = s
		return nil
	})
	if err != nil {
		return false, err
	}
	// 场所侧还查不到：留给下一轮
	if st == nil {
		return false, nil
	}

	now := time.Now()
	if st.Status == "cancelled" {
		if err := r.store.UpdateExternalOrderFill(ctx, rec.ID, st.FilledSize, domain.ExternalOrderStatusCancelled, now); err != nil {
			return false, err
		}
		return false, nil
	}

	delta := st.FilledSize - rec.AmountFilled
	filled := st.RemainingSize <= 0 || st.Status == "matched"

	status := domain.ExternalOrderStatusPartial
	if filled {
		status = domain.ExternalOrderStatusFilled
	}
	if delta <= 0 && !filled {
		// 没有新成交也没到终态，什么都不写
		return false, nil
	}

	// 订单进度和敞口增量走同一个事务：两者不可分开提交，
	// 否则进度先落库、敞口写失败时这笔增量会被下一轮当成"没有新成交"
	var exp *store.ExposureUpdate
	if delta > 0 {
		exp = &store.ExposureUpdate{
			EventID:     rec.EventID,
			OutcomeID:   rec.OutcomeID,
			SharesDelta: delta,
			CostDelta:   delta * st.AvgPrice,
			At:          now,
		}
	}
	if err := r.store.ApplyOrderFill(ctx, rec.ID, st.FilledSize, status, exp, now); err != nil {
		return false, err
	}
	if delta <= 0 {
		return false, nil
	}
	logger.Debugf("[reconcile] 成交增量: order=%s delta=%.4f avgPrice=%.4f filled=%v",
		rec.PMOrderID, delta, st.AvgPrice, filled)
	return true, nil
}
