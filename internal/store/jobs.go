package store

import (
	"context"
	"fmt"
	"time"
)

// InsertJobRunStart 登记一次后台任务开始，返回 run id。
func (s *Store) InsertJobRunStart(ctx context.Context, jobName string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO job_runs (job_name, started_at) VALUES (?,?)`,
		jobName, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("insert job run: %w", err)
	}
	return res.LastInsertId()
}

// FinishJobRun 补记任务结束：成功与否、错误摘要、结果 JSON。
func (s *Store) FinishJobRun(ctx context.Context, runID int64, ok bool, errMsg, summaryJSON string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE job_runs
SET finished_at=?, ok=?, error=?, summary_json=?
WHERE id=?`,
		formatTime(time.Now()), boolToInt(ok), errMsg, summaryJSON, runID)
	if err != nil {
		return fmt.Errorf("finish job run: %w", err)
	}
	return nil
}
