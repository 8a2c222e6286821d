package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/gohedge/internal/domain"
)

// CreateExternalOrder 记录一张新的外部订单镜像；ID 为空时生成 uuid。
// 按 pm_order_id 幂等：同一批次的多个调用方共享一个聚合订单，
// 只有第一条插入生效，后续重复直接忽略。
func (s *Store) CreateExternalOrder(ctx context.Context, rec *domain.ExternalOrderRecord) error {
	if rec == nil {
		return fmt.Errorf("external order record is nil")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = domain.ExternalOrderStatusPending
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO external_orders
  (id, pm_order_id, status, amount_filled, event_id, outcome_id, avg_price, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(pm_order_id) WHERE pm_order_id != '' DO NOTHING`,
		rec.ID, rec.PMOrderID, string(rec.Status), rec.AmountFilled,
		rec.EventID, rec.OutcomeID, rec.AvgPrice, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create external order: %w", err)
	}
	return nil
}

const orderColumns = `id, pm_order_id, status, amount_filled, event_id, outcome_id, avg_price, created_at, updated_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*domain.ExternalOrderRecord, error) {
	var (
		rec       domain.ExternalOrderRecord
		status    string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&rec.ID, &rec.PMOrderID, &status, &rec.AmountFilled,
		&rec.EventID, &rec.OutcomeID, &rec.AvgPrice, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Status = domain.ExternalOrderStatus(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// GetExternalOrder 按内部 ID 取订单镜像；不存在返回 (nil, nil)。
func (s *Store) GetExternalOrder(ctx context.Context, id string) (*domain.ExternalOrderRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+orderColumns+` FROM external_orders WHERE id=?`, id)
	rec, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get external order: %w", err)
	}
	return rec, nil
}

// ListOpenExternalOrders 取一页非终态、且已有场所订单号的订单镜像（对账输入）。
func (s *Store) ListOpenExternalOrders(ctx context.Context, limit int) ([]*domain.ExternalOrderRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+orderColumns+` FROM external_orders
WHERE status IN ('pending','placed','partial') AND pm_order_id != ''
ORDER BY created_at ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list open external orders: %w", err)
	}
	defer rows.Close()

	var out []*domain.ExternalOrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateExternalOrderFill 持久化对账观测到的成交进度。
// 终态（filled/cancelled）不会被改回非终态。
func (s *Store) UpdateExternalOrderFill(ctx context.Context, id string, amountFilled float64, status domain.ExternalOrderStatus, at time.Time) error {
	return updateOrderFill(ctx, s.db, id, amountFilled, status, at)
}

func updateOrderFill(ctx context.Context, q execer, id string, amountFilled float64, status domain.ExternalOrderStatus, at time.Time) error {
	_, err := q.ExecContext(ctx, `
UPDATE external_orders
SET amount_filled=?, status=?, updated_at=?
WHERE id=? AND status NOT IN ('filled','cancelled')`,
		amountFilled, string(status), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("update external order fill: %w", err)
	}
	return nil
}

// ApplyOrderFill 在同一个事务里落订单成交进度和敞口增量：要么都提交，
// 要么都回滚。敞口写失败时订单镜像的 amount_filled 不会先行推进，
// 下一轮对账重新观测到同一笔增量，重放收敛。
//
// exp 非 nil 时其 Status 在事务内推导：该 (event_id, outcome_id) 下
// 所有订单都到终态才记 hedged，还有未终态订单就记 partial。
func (s *Store) ApplyOrderFill(ctx context.Context, id string, amountFilled float64, status domain.ExternalOrderStatus, exp *ExposureUpdate, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply order fill: %w", err)
	}
	defer tx.Rollback()

	if err := updateOrderFill(ctx, tx, id, amountFilled, status, at); err != nil {
		return err
	}
	if exp != nil {
		var open int
		if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM external_orders
WHERE event_id=? AND outcome_id=? AND status IN ('pending','placed','partial')`,
			exp.EventID, exp.OutcomeID).Scan(&open); err != nil {
			return fmt.Errorf("apply order fill: count open orders: %w", err)
		}
		u := *exp
		if open == 0 {
			u.Status = domain.PositionStatusHedged
		} else {
			u.Status = domain.PositionStatusPartial
		}
		if err := upsertExposure(ctx, tx, u); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply order fill: %w", err)
	}
	return nil
}
