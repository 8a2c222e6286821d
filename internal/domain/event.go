package domain

import "time"

// EventStatus 事件（市场）状态
type EventStatus string

const (
	EventStatusActive   EventStatus = "ACTIVE"   // 可继续对冲
	EventStatusClosed   EventStatus = "CLOSED"   // 过了判定时间，停止新对冲，等待结算
	EventStatusResolved EventStatus = "RESOLVED" // 已结算完成
)

// Event 内部事件记录（持久化）
//
// Reconciler 把过了 ResolutionAt 仍为 ACTIVE 的事件标记为 CLOSED（轻量触发，
// 不做清算）；结算工作流跑完后标记 RESOLVED。
type Event struct {
	ID             string
	Status         EventStatus
	WinningOutcome string     // 判定结果（结算触发方写入）
	ResolutionAt   *time.Time // 预计判定时间；未知为 nil，不参与自动关闭
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
