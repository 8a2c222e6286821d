package settle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/gohedge/internal/metrics"
	"github.com/betbot/gohedge/internal/store"
	"github.com/betbot/gohedge/pkg/logger"
)

const defaultPageSize = 50

// Result 一次结算工作流的汇总。
type Result struct {
	Settled  int     `json:"settled"`   // 本次实际结算的仓位数
	TotalPnl float64 `json:"total_pnl"` // 本次结算仓位的盈亏合计（USDC）
	Failed   int     `json:"failed"`    // 本次结算失败、留待重跑的仓位数
}

// Config 结算配置
type Config struct {
	// PageSize 每页处理的仓位数；<=0 使用默认值。
	PageSize int
}

// Workflow 事件结算：按 keyset 分页扫描事件名下的未结算仓位，
// 逐页并发结算，全部成功后把事件标记为 RESOLVED。
//
// 幂等：仓位级的 settled 守卫保证重复执行不会二次结算、不会重复计盈亏；
// 重跑一个已结算完的事件返回 {0, 0}。单个仓位失败只计入 Failed、
// 不中断整个工作流，失败的仓位保持未终态，下一次重跑接着收敛。
type Workflow struct {
	store    *store.Store
	pageSize int
}

// NewWorkflow 创建结算工作流。
func NewWorkflow(cfg Config, st *store.Store) *Workflow {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Workflow{store: st, pageSize: pageSize}
}

// ProcessSettlement 结算一个事件的全部未结算仓位。
func (w *Workflow) ProcessSettlement(ctx context.Context, eventID, winningOutcome string) (*Result, error) {
	if eventID == "" || winningOutcome == "" {
		return nil, fmt.Errorf("settlement requires event id and winning outcome")
	}
	metrics.SettleRuns.Add(1)
	start := time.Now()

	var (
		mu       sync.Mutex
		settled  int
		failed   int
		totalPnl = decimal.Zero
	)
	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, err := w.store.ListOpenPositionIDs(ctx, eventID, cursor, w.pageSize)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}

		// 页内并发：仓位结算互不依赖，settled 守卫兜底并发重复。
		// 单个仓位失败只记日志并跳过，不计入 settled/totalPnl，
		// 该仓位保持未终态，留给下一次重跑。
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				ok, pnl, err := w.settleOne(ctx, id, winningOutcome)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					logger.Warnf("[settle] 仓位结算失败，留待重跑: event=%s position=%d err=%v", eventID, id, err)
					return
				}
				if ok {
					settled++
					totalPnl = totalPnl.Add(decimal.NewFromFloat(pnl))
				}
			}(id)
		}
		wg.Wait()

		cursor = ids[len(ids)-1]
		if len(ids) < w.pageSize {
			break
		}
	}

	// 有失败就不标 RESOLVED，事件留在可结算集合里等 sweeper 重跑
	if failed > 0 {
		logger.Warnf("[settle] 事件结算未完成: event=%s failed=%d settled=%d", eventID, failed, settled)
	} else if err := w.store.MarkEventResolved(ctx, eventID, winningOutcome, time.Now()); err != nil {
		return nil, err
	}

	metrics.SettledPositions.Add(int64(settled))
	pnl, _ := totalPnl.Float64()
	logger.Infof("[settle] 事件结算完成: event=%s winner=%s settled=%d failed=%d totalPnl=%.4f elapsed=%dms",
		eventID, winningOutcome, settled, failed, pnl, time.Since(start).Milliseconds())
	return &Result{Settled: settled, TotalPnl: pnl, Failed: failed}, nil
}

// settleOne 结算单个仓位；已结算的返回 ok=false。
func (w *Workflow) settleOne(ctx context.Context, id int64, winningOutcome string) (bool, float64, error) {
	p, err := w.store.GetPosition(ctx, id)
	if err != nil {
		return false, 0, err
	}
	if p == nil || !p.IsOpen() {
		return false, 0, nil
	}
	pnl := p.SettlementPnL(winningOutcome)
	ok, err := w.store.SettlePosition(ctx, id, pnl, time.Now())
	if err != nil {
		return false, 0, err
	}
	return ok, pnl, nil
}
