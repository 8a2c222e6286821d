package domain

import "fmt"

// Side 外部订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// HedgeRequest 对冲请求（内存态，不落库）
//
// 内部撮合路径每次产生敞口变化时创建一条请求；
// 请求被 HedgeQueue 聚合后丢弃，结果（成功/失败）回报给调用方。
type HedgeRequest struct {
	EventID     string  // 内部事件 ID
	OutcomeID   string  // 内部结果 ID
	MarketID    string  // Polymarket 市场 ID
	ConditionID string  // Polymarket condition ID
	TokenID     string  // Polymarket outcome token ID
	Side        Side    // 买/卖
	Size        float64 // 对冲数量（shares），必须 > 0
	UserOrderID string  // 触发本次对冲的内部订单 ID
	HedgePrice  float64 // 触发时的参考价（仅记录用，市价单不限价）
}

// Validate 校验请求字段
func (r *HedgeRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("hedge request is nil")
	}
	if r.MarketID == "" || r.TokenID == "" {
		return fmt.Errorf("hedge request missing market/token id")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("invalid side: %s", r.Side)
	}
	if r.Size <= 0 {
		return fmt.Errorf("hedge size must be positive, got %v", r.Size)
	}
	return nil
}

// GroupKey 聚合键：同市场、同 token、同方向的请求在一个批处理窗口内合并为一张外部订单。
type GroupKey struct {
	MarketID string
	TokenID  string
	Side     Side
}

// Key 返回请求的聚合键
func (r *HedgeRequest) Key() GroupKey {
	return GroupKey{MarketID: r.MarketID, TokenID: r.TokenID, Side: r.Side}
}
