package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/betbot/gohedge/internal/reconcile"
	"github.com/betbot/gohedge/internal/settle"
	"github.com/betbot/gohedge/internal/store"
	"github.com/betbot/gohedge/pkg/logger"
)

// Sweeper 后台巡检服务
//
// 固定间隔跑一轮对账，然后把"已关闭且裁决结果已知"的事件逐个送进
// 结算工作流。每轮都写 job_runs 审计。手动触发（运维接口）与定时
// 触发共用同一套入口，互斥由 store 层的幂等守卫兜底。
type Sweeper struct {
	store      *store.Store
	reconciler *reconcile.Reconciler
	settler    *settle.Workflow
	interval   time.Duration

	mu      sync.Mutex
	running bool
}

// NewSweeper 创建巡检服务。
func NewSweeper(st *store.Store, r *reconcile.Reconciler, w *settle.Workflow, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{store: st, reconciler: r, settler: w, interval: interval}
}

// Start 启动巡检循环（非阻塞），ctx 取消时退出。
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
	logger.Infof("[sweeper] 已启动: interval=%s", s.interval)
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[sweeper] 退出")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce 跑一轮：对账 + 结算可结算事件。重入时直接跳过。
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		logger.Debugf("[sweeper] 上一轮未结束，跳过")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.runReconcile(ctx)
	s.runSettlements(ctx)
}

func (s *Sweeper) runReconcile(ctx context.Context) {
	runID, err := s.store.InsertJobRunStart(ctx, "reconcile")
	if err != nil {
		logger.Errorf("[sweeper] 审计记录失败: %v", err)
	}

	sum, err := s.reconciler.Run(ctx)
	if err != nil {
		logger.Errorf("[sweeper] 对账失败: %v", err)
		s.finishRun(ctx, runID, false, err.Error(), nil)
		return
	}
	s.finishRun(ctx, runID, true, "", sum)
}

func (s *Sweeper) runSettlements(ctx context.Context) {
	events, err := s.store.ListSettleableEvents(ctx, 20)
	if err != nil {
		logger.Errorf("[sweeper] 查询可结算事件失败: %v", err)
		return
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		runID, err := s.store.InsertJobRunStart(ctx, "settle:"+ev.ID)
		if err != nil {
			logger.Errorf("[sweeper] 审计记录失败: %v", err)
		}
		res, err := s.settler.ProcessSettlement(ctx, ev.ID, ev.WinningOutcome)
		if err != nil {
			logger.Errorf("[sweeper] 事件结算失败: event=%s err=%v", ev.ID, err)
			s.finishRun(ctx, runID, false, err.Error(), nil)
			continue
		}
		s.finishRun(ctx, runID, true, "", res)
	}
}

func (s *Sweeper) finishRun(ctx context.Context, runID int64, ok bool, errMsg string, summary interface{}) {
	if runID == 0 {
		return
	}
	var summaryJSON string
	if summary != nil {
		if b, err := json.Marshal(summary); err == nil {
			summaryJSON = string(b)
		}
	}
	if err := s.store.FinishJobRun(ctx, runID, ok, errMsg, summaryJSON); err != nil {
		logger.Errorf("[sweeper] 审计收尾失败: %v", err)
	}
}
