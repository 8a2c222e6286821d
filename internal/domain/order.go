package domain

import "time"

// ExternalOrderStatus 外部订单状态
type ExternalOrderStatus string

const (
	ExternalOrderStatusPending   ExternalOrderStatus = "pending"   // 已提交，尚未确认
	ExternalOrderStatusPlaced    ExternalOrderStatus = "placed"    // 场所已受理
	ExternalOrderStatusPartial   ExternalOrderStatus = "partial"   // 部分成交
	ExternalOrderStatusFilled    ExternalOrderStatus = "filled"    // 全部成交（终态）
	ExternalOrderStatusCancelled ExternalOrderStatus = "cancelled" // 已取消（终态）
)

// IsTerminal 是否终态（对账不再轮询）
func (s ExternalOrderStatus) IsTerminal() bool {
	return s == ExternalOrderStatusFilled || s == ExternalOrderStatusCancelled
}

// ExternalOrderRecord 外部订单镜像（持久化）
//
// 一个被 flush 的对冲组对应恰好一张外部订单；组内成员不单独建记录
// （聚合发生在下单之前），成交份额的归属在敞口聚合行上完成。
type ExternalOrderRecord struct {
	ID           string              // 内部 ID（uuid）
	PMOrderID    string              // 场所返回的订单 ID
	Status       ExternalOrderStatus // 订单状态
	AmountFilled float64             // 已观测到的累计成交量（shares）
	EventID      string              // 内部事件 ID
	OutcomeID    string              // 内部结果 ID
	AvgPrice     float64             // 参考成交均价（场所未提供时为下单参考价）
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
