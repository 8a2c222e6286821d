package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus 对冲仓位状态
//
// 状态只会单向推进：pending -> hedged/partial -> settled，
// 对账与结算都是幂等操作，重复执行不会回退状态。
type PositionStatus string

const (
	PositionStatusPending PositionStatus = "pending" // 已下外部单，尚无成交确认
	PositionStatusHedged  PositionStatus = "hedged"  // 外部敞口已建立
	PositionStatusPartial PositionStatus = "partial" // 部分成交
	PositionStatusSettled PositionStatus = "settled" // 已结算（终态）
)

// HedgePosition 对冲仓位（持久化）
//
// 记录一个 (eventID, outcomeID) 聚合敞口在外部场所的对冲情况。
// 永不删除，作为审计轨迹；结算只改状态并记录已实现盈亏。
type HedgePosition struct {
	ID           int64          // 自增主键（keyset 分页用）
	UserOrderID  string         // 最近一次触发对冲的内部订单 ID（聚合行可为空）
	EventID      string         // 内部事件 ID
	OutcomeID    string         // 内部结果 ID
	PMMarketID   string         // Polymarket 市场 ID
	PMOutcomeID  string         // Polymarket outcome token ID
	HedgedShares float64        // 外部已确认成交的 shares 数
	NetExposure  float64        // 净敞口（USDC 口径的未平成本）
	Status       PositionStatus // 仓位状态
	RealizedPnL  float64        // 结算时计算的已实现盈亏（USDC）
	LastHedgeAt  *time.Time     // 最近一次成交确认时间
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsOpen 仓位是否仍在结算工作流的查询范围内
func (p *HedgePosition) IsOpen() bool {
	return p.Status == PositionStatusPending ||
		p.Status == PositionStatusHedged ||
		p.Status == PositionStatusPartial
}

// SettlementPnL 计算结算盈亏（USDC）。
//
// 外部买入的 outcome token 在事件判定后按 1.0 或 0 赎回：
//   - 判中：payout = hedgedShares * 1.0，盈亏 = shares - 成本
//   - 判负：payout = 0，盈亏 = -成本
//
// 用 decimal 计算避免累加误差（盈亏要跨仓位累计上报）。
func (p *HedgePosition) SettlementPnL(winningOutcomeID string) float64 {
	cost := decimal.NewFromFloat(p.NetExposure)
	if p.OutcomeID == winningOutcomeID {
		payout := decimal.NewFromFloat(p.HedgedShares)
		f, _ := payout.Sub(cost).Float64()
		return f
	}
	f, _ := cost.Neg().Float64()
	return f
}
