package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wisefido-checkin/internal/models"

	"go.uber.org/zap"
)

// AuditRepository 心跳与通知审计仓库（只追加）
type AuditRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAuditRepository 创建审计仓库
func NewAuditRepository(db *sql.DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// InsertHeartbeat 写入调度运行心跳
func (r *AuditRepository) InsertHeartbeat(ctx context.Context, hb *models.Heartbeat) error {
	if hb.ID == "" || hb.JobName == "" {
		return fmt.Errorf("id and job_name are required")
	}
	details := []byte(hb.Details)
	if len(details) == 0 {
		details = []byte("{}")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_heartbeats (id, job_name, run_at, status, details)
		VALUES ($1, $2, $3, $4, $5)
	`, hb.ID, hb.JobName, hb.RunAt, string(hb.Status), details)
	if err != nil {
		return fmt.Errorf("failed to insert heartbeat: %w", err)
	}
	return nil
}

// InsertNotification 写入通知发送记录
func (r *AuditRepository) InsertNotification(ctx context.Context, n *models.NotificationHistory) error {
	if n.ID == "" || n.HouseholdID == "" {
		return fmt.Errorf("id and household_id are required")
	}

	var relativeID sql.NullString
	if n.RelativeID != "" {
		relativeID = sql.NullString{String: n.RelativeID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_history (
			id, household_id, relative_id, recipient, channel, title, body, status, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		n.ID,
		n.HouseholdID,
		relativeID,
		n.Recipient,
		n.Channel,
		n.Title,
		n.Body,
		string(n.Status),
		nullString(n.Error),
		n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification history: %w", err)
	}
	return nil
}

// LatestHeartbeat 任务最近一次心跳
func (r *AuditRepository) LatestHeartbeat(ctx context.Context, jobName string) (*models.Heartbeat, error) {
	if jobName == "" {
		return nil, fmt.Errorf("job_name is required")
	}

	var hb models.Heartbeat
	var details []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, job_name, run_at, status, details
		FROM job_heartbeats
		WHERE job_name = $1
		ORDER BY run_at DESC
		LIMIT 1
	`, jobName).Scan(&hb.ID, &hb.JobName, &hb.RunAt, &hb.Status, &details)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest heartbeat: %w", err)
	}
	hb.Details = details
	return &hb, nil
}

// ListHeartbeats 时间段内的心跳（导出用）
func (r *AuditRepository) ListHeartbeats(ctx context.Context, since, until time.Time) ([]models.Heartbeat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_name, run_at, status, details
		FROM job_heartbeats
		WHERE run_at >= $1 AND run_at < $2
		ORDER BY run_at
	`, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []models.Heartbeat
	for rows.Next() {
		var hb models.Heartbeat
		var details []byte
		if err := rows.Scan(&hb.ID, &hb.JobName, &hb.RunAt, &hb.Status, &details); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		hb.Details = details
		out = append(out, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate heartbeats: %w", err)
	}
	return out, nil
}

// ListNotifications 时间段内的通知记录（导出用）
func (r *AuditRepository) ListNotifications(ctx context.Context, since, until time.Time) ([]models.NotificationHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id, household_id, COALESCE(relative_id::text, ''), recipient, channel,
			title, body, status, error, created_at
		FROM notification_history
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at
	`, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification history: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationHistory
	for rows.Next() {
		var n models.NotificationHistory
		var errDetail sql.NullString
		if err := rows.Scan(
			&n.ID,
			&n.HouseholdID,
			&n.RelativeID,
			&n.Recipient,
			&n.Channel,
			&n.Title,
			&n.Body,
			&n.Status,
			&errDetail,
			&n.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification history: %w", err)
		}
		n.Error = stringPtr(errDetail)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notification history: %w", err)
	}
	return out, nil
}
