package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/betbot/gohedge/internal/domain"
)

// ExposureUpdate 敞口聚合行的一次增量更新。
//
// SharesDelta/CostDelta 是"新观测到"的成交增量；upsert 之后
// hedged_exposure / net_exposure 各自累加，已结算的行不会被改回去。
type ExposureUpdate struct {
	EventID     string
	OutcomeID   string
	PMMarketID  string
	PMOutcomeID string
	UserOrderID string
	SharesDelta float64
	CostDelta   float64
	Status      domain.PositionStatus
	At          time.Time
}

// UpsertExposure 按 (event_id, outcome_id) upsert 敞口聚合行。
func (s *Store) UpsertExposure(ctx context.Context, u ExposureUpdate) error {
	return upsertExposure(ctx, s.db, u)
}

func upsertExposure(ctx context.Context, q execer, u ExposureUpdate) error {
	if u.EventID == "" || u.OutcomeID == "" {
		return fmt.Errorf("exposure update missing event/outcome id")
	}
	now := formatTime(u.At)
	var lastHedgeAt interface{}
	if u.SharesDelta > 0 {
		lastHedgeAt = now
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO hedge_positions
  (user_order_id, event_id, outcome_id, pm_market_id, pm_outcome_id,
   hedged_exposure, net_exposure, status, last_hedge_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(event_id, outcome_id) DO UPDATE SET
  user_order_id   = CASE WHEN excluded.user_order_id != '' THEN excluded.user_order_id ELSE user_order_id END,
  pm_market_id    = CASE WHEN excluded.pm_market_id != '' THEN excluded.pm_market_id ELSE pm_market_id END,
  pm_outcome_id   = CASE WHEN excluded.pm_outcome_id != '' THEN excluded.pm_outcome_id ELSE pm_outcome_id END,
  hedged_exposure = hedged_exposure + excluded.hedged_exposure,
  net_exposure    = net_exposure + excluded.net_exposure,
  status          = CASE WHEN status = 'settled' THEN status ELSE excluded.status END,
  last_hedge_at   = COALESCE(excluded.last_hedge_at, last_hedge_at),
  updated_at      = excluded.updated_at
WHERE status != 'settled'
`, u.UserOrderID, u.EventID, u.OutcomeID, u.PMMarketID, u.PMOutcomeID,
		u.SharesDelta, u.CostDelta, string(u.Status), lastHedgeAt, now, now)
	if err != nil {
		return fmt.Errorf("upsert exposure: %w", err)
	}
	return nil
}

const positionColumns = `id, user_order_id, event_id, outcome_id, pm_market_id, pm_outcome_id,
hedged_exposure, net_exposure, status, realized_pnl, last_hedge_at, created_at, updated_at`

func scanPosition(row interface{ Scan(...interface{}) error }) (*domain.HedgePosition, error) {
	var (
		p           domain.HedgePosition
		status      string
		lastHedgeAt sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&p.ID, &p.UserOrderID, &p.EventID, &p.OutcomeID, &p.PMMarketID, &p.PMOutcomeID,
		&p.HedgedShares, &p.NetExposure, &status, &p.RealizedPnL, &lastHedgeAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = domain.PositionStatus(status)
	p.LastHedgeAt = parseNullTime(lastHedgeAt)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// GetPosition 按主键取仓位；不存在返回 (nil, nil)。
func (s *Store) GetPosition(ctx context.Context, id int64) (*domain.HedgePosition, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+positionColumns+` FROM hedge_positions WHERE id=?`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// GetExposure 按 (eventID, outcomeID) 取敞口聚合行；不存在返回 (nil, nil)。
func (s *Store) GetExposure(ctx context.Context, eventID, outcomeID string) (*domain.HedgePosition, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+positionColumns+` FROM hedge_positions WHERE event_id=? AND outcome_id=?`, eventID, outcomeID)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get exposure: %w", err)
	}
	return p, nil
}

// ListOpenPositionIDs 结算工作流的 keyset 分页：
// 取 id > cursor 的未结算仓位 id，按 id 升序。仓位结算后滑出过滤条件，
// 但 id 不变，分页对并发状态变更稳定。
func (s *Store) ListOpenPositionIDs(ctx context.Context, eventID string, cursor int64, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM hedge_positions
WHERE event_id=? AND status IN ('pending','hedged','partial') AND id > ?
ORDER BY id ASC
LIMIT ?`, eventID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SettlePosition 把仓位置为 settled 并记录已实现盈亏。
// WHERE status != 'settled' 保证幂等：已结算的行不受影响，返回 false。
func (s *Store) SettlePosition(ctx context.Context, id int64, pnl float64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE hedge_positions
SET status='settled', realized_pnl=?, net_exposure=0, updated_at=?
WHERE id=? AND status != 'settled'`, pnl, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("settle position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountOpenPositions 事件名下未结算仓位数（sweeper 自愈判断用）。
func (s *Store) CountOpenPositions(ctx context.Context, eventID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM hedge_positions
WHERE event_id=? AND status IN ('pending','hedged','partial')`, eventID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return n, nil
}
