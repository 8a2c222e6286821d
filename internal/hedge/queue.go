package hedge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/betbot/gohedge/internal/domain"
	"github.com/betbot/gohedge/internal/gateway"
	"github.com/betbot/gohedge/internal/metrics"
	"github.com/betbot/gohedge/internal/risk"
	"github.com/betbot/gohedge/pkg/logger"
)

// ErrQueueCleared 表示请求在 flush 之前被 Clear() 丢弃（停机/测试隔离）。
var ErrQueueCleared = fmt.Errorf("hedge queue cleared")

// defaultBatchWindow 批处理窗口：窗口内到达的同向请求合并为一张外部订单。
const defaultBatchWindow = 200 * time.Millisecond

// defaultFlushTimeout 单组 flush（一次外部下单）的超时上限。
const defaultFlushTimeout = 30 * time.Second

type outcome struct {
	orderID string
	err     error
}

// pendingRequest 一个等待 flush 的调用方；done 带缓冲，
// 调用方提前放弃（ctx 取消）也不会卡住 flush。
type pendingRequest struct {
	req  *domain.HedgeRequest
	done chan outcome
}

// group 一个批处理窗口内累积的同键请求。
type group struct {
	key         domain.GroupKey
	conditionID string // 取首个成员的 conditionID（同市场恒同）
	pending     []*pendingRequest
	totalSize   float64
	oldestAt    time.Time
}

// QueueConfig 队列配置
type QueueConfig struct {
	// BatchWindow 批处理窗口时长；<=0 使用默认值。
	BatchWindow time.Duration
	// FlushTimeout 单组外部下单超时；<=0 使用默认值。
	FlushTimeout time.Duration
}

// Queue 对冲聚合队列。
//
// Enqueue 把请求按 (marketID, tokenID, side) 归组；窗口计时器是一次性的：
// 第一个入队的请求启动计时，窗口内的后续请求加入同批。窗口到期时所有组
// 原子取走并各自并发 flush——一个方向的场所调用失败不会拖住其他方向。
// 组内恰好提交一张聚合外部订单（经断路器），组员共享同一个 orderID 或
// 同一个错误；重试策略归调用方，队列不做部分重试。
type Queue struct {
	mu          sync.Mutex
	groups      map[domain.GroupKey]*group
	timerActive bool
	processing  int // 正在 flush 的组数

	window       time.Duration
	flushTimeout time.Duration
	gw           gateway.OrderGateway
	breaker      *risk.CircuitBreaker
}

// Stats 队列运行统计
type Stats struct {
	QueueLength int           `json:"queue_length"` // 未 flush 的请求数
	Processing  int           `json:"processing"`   // 正在 flush 的组数
	OldestAge   time.Duration `json:"oldest_age"`   // 最老未 flush 请求的等待时长
}

// NewQueue 创建对冲聚合队列。
func NewQueue(cfg QueueConfig, gw gateway.OrderGateway, breaker *risk.CircuitBreaker) *Queue {
	window := cfg.BatchWindow
	if window <= 0 {
		window = defaultBatchWindow
	}
	flushTimeout := cfg.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}
	return &Queue{
		groups:       make(map[domain.GroupKey]*group),
		window:       window,
		flushTimeout: flushTimeout,
		gw:           gw,
		breaker:      breaker,
	}
}

// Enqueue 提交一条对冲请求并阻塞到所属组被 flush（或 ctx 取消）。
// 成功时返回聚合订单的 orderID——同组所有调用方拿到同一个值。
func (q *Queue) Enqueue(ctx context.Context, req *domain.HedgeRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	p := &pendingRequest{req: req, done: make(chan outcome, 1)}

	q.mu.Lock()
	key := req.Key()
	g, ok := q.groups[key]
	if !ok {
		g = &group{key: key, conditionID: req.ConditionID, oldestAt: time.Now()}
		q.groups[key] = g
	}
	g.pending = append(g.pending, p)
	g.totalSize += req.Size
	if !q.timerActive {
		q.timerActive = true
		time.AfterFunc(q.window, q.flush)
	}
	q.mu.Unlock()

	select {
	case out := <-p.done:
		return out.orderID, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// flush 窗口到期：原子取走当前所有组，逐组并发提交。
// 取走之后到达的请求进入"新窗口"，由下一次计时器处理。
func (q *Queue) flush() {
	q.mu.Lock()
	batch := q.groups
	q.groups = make(map[domain.GroupKey]*group)
	q.timerActive = false
	q.processing += len(batch)
	q.mu.Unlock()

	for _, g := range batch {
		go q.flushGroup(g)
	}
}

// flushGroup 一个组恰好对应一次外部下单尝试。
func (q *Queue) flushGroup(g *group) {
	defer func() {
		q.mu.Lock()
		q.processing--
		q.mu.Unlock()
	}()

	metrics.HedgeFlushes.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), q.flushTimeout)
	defer cancel()

	var placed *gateway.PlacedOrder
	err := q.breaker.Execute(ctx, func(ctx context.Context) error {
		p, e := q.gw.PlaceMarketOrder(ctx, g.key.MarketID, g.conditionID, g.key.TokenID, g.key.Side, g.totalSize)
		if e != nil {
			return e
		}
		placed = p
		return nil
	})
	if err != nil {
		metrics.HedgeRejects.Add(1)
		logger.Warnf("[hedge] flush 失败: market=%s token=%s side=%s size=%.4f members=%d err=%v",
			g.key.MarketID, g.key.TokenID, g.key.Side, g.totalSize, len(g.pending), err)
		q.resolve(g, outcome{err: err})
		return
	}

	metrics.HedgeOrdersPlaced.Add(1)
	logger.Infof("[hedge] 聚合下单成功: market=%s token=%s side=%s size=%.4f members=%d orderID=%s",
		g.key.MarketID, g.key.TokenID, g.key.Side, g.totalSize, len(g.pending), placed.OrderID)
	q.resolve(g, outcome{orderID: placed.OrderID})
}

// resolve 组员整体回报同一个结果。
func (q *Queue) resolve(g *group, out outcome) {
	for _, p := range g.pending {
		p.done <- out
	}
}

// Stats 返回运行统计快照。
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Processing: q.processing}
	var oldest time.Time
	for _, g := range q.groups {
		s.QueueLength += len(g.pending)
		if oldest.IsZero() || g.oldestAt.Before(oldest) {
			oldest = g.oldestAt
		}
	}
	if !oldest.IsZero() {
		s.OldestAge = time.Since(oldest)
	}
	return s
}

// Clear 立刻拒绝所有尚未 flush 的请求并清空分组（停机/测试隔离用）。
// 被拒绝的请求不会产生任何外部调用。
func (q *Queue) Clear() {
	q.mu.Lock()
	batch := q.groups
	q.groups = make(map[domain.GroupKey]*group)
	q.mu.Unlock()

	for _, g := range batch {
		q.resolve(g, outcome{err: ErrQueueCleared})
	}
}
