package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/betbot/gohedge/internal/domain"
)

// UpsertEvent 登记或刷新事件。状态只在传入值非空时覆盖。
func (s *Store) UpsertEvent(ctx context.Context, ev *domain.Event) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("event id is empty")
	}
	if ev.Status == "" {
		ev.Status = domain.EventStatusActive
	}
	now := time.Now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now

	var resolutionAt interface{}
	if ev.ResolutionAt != nil {
		resolutionAt = formatTime(*ev.ResolutionAt)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events (id, status, winning_outcome, resolution_at, created_at, updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  status          = excluded.status,
  winning_outcome = CASE WHEN excluded.winning_outcome != '' THEN excluded.winning_outcome ELSE winning_outcome END,
  resolution_at   = COALESCE(excluded.resolution_at, resolution_at),
  updated_at      = excluded.updated_at`,
		ev.ID, string(ev.Status), ev.WinningOutcome, resolutionAt,
		formatTime(ev.CreatedAt), formatTime(ev.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

func scanEvent(row interface{ Scan(...interface{}) error }) (*domain.Event, error) {
	var (
		ev           domain.Event
		status       string
		resolutionAt sql.NullString
		createdAt    string
		updatedAt    string
	)
	if err := row.Scan(&ev.ID, &status, &ev.WinningOutcome, &resolutionAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ev.Status = domain.EventStatus(status)
	ev.ResolutionAt = parseNullTime(resolutionAt)
	ev.CreatedAt = parseTime(createdAt)
	ev.UpdatedAt = parseTime(updatedAt)
	return &ev, nil
}

// GetEvent 按 ID 取事件；不存在返回 (nil, nil)。
func (s *Store) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, status, winning_outcome, resolution_at, created_at, updated_at
FROM events WHERE id=?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// CloseExpiredEvents 把 resolution_at 已过期的 ACTIVE 事件置为 CLOSED，
// 返回本次关闭的事件数。对账周期末尾调用。
func (s *Store) CloseExpiredEvents(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE events
SET status='CLOSED', updated_at=?
WHERE status='ACTIVE' AND resolution_at IS NOT NULL AND resolution_at <= ?`,
		formatTime(now), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("close expired events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// SetEventWinningOutcome 记录裁决结果；只对尚未 RESOLVED 的事件生效。
func (s *Store) SetEventWinningOutcome(ctx context.Context, id, winningOutcome string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE events
SET winning_outcome=?, updated_at=?
WHERE id=? AND status != 'RESOLVED'`,
		winningOutcome, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set winning outcome: %w", err)
	}
	return nil
}

// MarkEventResolved 结算收尾：事件置为 RESOLVED。幂等。
func (s *Store) MarkEventResolved(ctx context.Context, id, winningOutcome string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE events
SET status='RESOLVED', winning_outcome=?, updated_at=?
WHERE id=?`, winningOutcome, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark event resolved: %w", err)
	}
	return nil
}

// ListSettleableEvents 列出已 CLOSED 且裁决结果已知的事件（sweeper 输入）。
func (s *Store) ListSettleableEvents(ctx context.Context, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, status, winning_outcome, resolution_at, created_at, updated_at
FROM events
WHERE status='CLOSED' AND winning_outcome != ''
ORDER BY updated_at ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list settleable events: %w", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
