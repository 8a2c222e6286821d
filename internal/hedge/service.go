package hedge

import (
	"context"
	"time"

	"github.com/betbot/gohedge/internal/domain"
	"github.com/betbot/gohedge/internal/store"
	"github.com/betbot/gohedge/pkg/logger"
)

// Service 对冲入口：聚合下单 + 落库。
//
// Submit 阻塞到所属批次 flush。下单成功后登记外部订单镜像和 pending
// 敞口行；成交进度（数量/均价）由 Reconciler 轮询补齐，这里不做假设。
type Service struct {
	queue *Queue
	store *store.Store
}

// NewService 创建对冲服务。
func NewService(queue *Queue, st *store.Store) *Service {
	return &Service{queue: queue, store: st}
}

// Submit 提交一条对冲请求，返回聚合订单的 orderID。
func (s *Service) Submit(ctx context.Context, req *domain.HedgeRequest) (string, error) {
	orderID, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		return "", err
	}

	now := time.Now()
	rec := &domain.ExternalOrderRecord{
		PMOrderID: orderID,
		Status:    domain.ExternalOrderStatusPlaced,
		EventID:   req.EventID,
		OutcomeID: req.OutcomeID,
	}
	if err := s.store.CreateExternalOrder(ctx, rec); err != nil {
		// 订单已在场所成立，镜像落库失败只记日志，等 Reconciler 兜底
		logger.Errorf("[hedge] 订单镜像落库失败: orderID=%s err=%v", orderID, err)
	}

	if err := s.store.UpsertExposure(ctx, store.ExposureUpdate{
		EventID:     req.EventID,
		OutcomeID:   req.OutcomeID,
		PMMarketID:  req.MarketID,
		PMOutcomeID: req.TokenID,
		UserOrderID: req.UserOrderID,
		SharesDelta: 0, // 成交量由对账增量写入
		CostDelta:   0,
		Status:      domain.PositionStatusPending,
		At:          now,
	}); err != nil {
		logger.Errorf("[hedge] 敞口登记失败: event=%s outcome=%s err=%v", req.EventID, req.OutcomeID, err)
	}

	return orderID, nil
}

// QueueStats 暴露队列统计（运维接口用）。
func (s *Service) QueueStats() Stats {
	return s.queue.Stats()
}
