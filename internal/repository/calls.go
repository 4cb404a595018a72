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

// CallRepository 呼叫会话与呼叫结果仓库
type CallRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCallRepository 创建呼叫仓库
func NewCallRepository(db *sql.DB, logger *zap.Logger) *CallRepository {
	return &CallRepository{
		db:     db,
		logger: logger,
	}
}

const callLogColumns = `
	log_id,
	session_id,
	household_id,
	relative_id,
	provider,
	outcome,
	duration_sec,
	error_detail,
	started_at,
	ended_at
`

// CreateSession 创建时段会话；(relative_id, slot_type, slot_date) 已存在时返回 false
func (r *CallRepository) CreateSession(ctx context.Context, s *models.CallSession) (bool, error) {
	if s.SessionID == "" {
		return false, fmt.Errorf("session_id is required")
	}
	if s.RelativeID == "" || s.HouseholdID == "" {
		return false, fmt.Errorf("relative_id and household_id are required")
	}

	query := `
		INSERT INTO call_sessions (
			session_id, household_id, relative_id, slot_type, slot_date, provider, platform, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (relative_id, slot_type, slot_date) DO NOTHING
		RETURNING session_id
	`

	var id string
	err := r.db.QueryRowContext(ctx, query,
		s.SessionID,
		s.HouseholdID,
		s.RelativeID,
		string(s.SlotType),
		s.SlotDate,
		string(s.Provider),
		s.Platform,
		s.CreatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create call session: %w", err)
	}
	return true, nil
}

// GetSession 获取会话
func (r *CallRepository) GetSession(ctx context.Context, sessionID string) (*models.CallSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	query := `
		SELECT
			session_id,
			household_id,
			relative_id,
			slot_type,
			to_char(slot_date, 'YYYY-MM-DD'),
			provider,
			COALESCE(platform, ''),
			created_at
		FROM call_sessions
		WHERE session_id = $1
	`

	var s models.CallSession
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&s.SessionID,
		&s.HouseholdID,
		&s.RelativeID,
		&s.SlotType,
		&s.SlotDate,
		&s.Provider,
		&s.Platform,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("call session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get call session: %w", err)
	}
	return &s, nil
}

// CreateLog 写入呼叫结果
func (r *CallRepository) CreateLog(ctx context.Context, l *models.CallLog) error {
	if l.LogID == "" || l.SessionID == "" {
		return fmt.Errorf("log_id and session_id are required")
	}

	query := `
		INSERT INTO call_logs (` + callLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var endedAt sql.NullTime
	if l.EndedAt != nil {
		endedAt = sql.NullTime{Time: *l.EndedAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		l.LogID,
		l.SessionID,
		l.HouseholdID,
		l.RelativeID,
		string(l.Provider),
		string(l.Outcome),
		l.DurationSec,
		nullString(l.ErrorDetail),
		l.StartedAt,
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call log: %w", err)
	}
	return nil
}

// UpdateOutcome 下游回报终态结果；只有 initiated 的记录可被更新
func (r *CallRepository) UpdateOutcome(ctx context.Context, sessionID string, outcome models.CallOutcome, durationSec int, endedAt time.Time, detail *string) (*models.CallLog, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if !outcome.Terminal() || !models.ValidOutcome(outcome) {
		return nil, fmt.Errorf("invalid terminal outcome %q", outcome)
	}

	query := `
		UPDATE call_logs
		SET outcome = $2,
			duration_sec = $3,
			ended_at = $4,
			error_detail = COALESCE($5, error_detail)
		WHERE log_id = (
			SELECT log_id FROM call_logs
			WHERE session_id = $1
			ORDER BY started_at DESC
			LIMIT 1
		)
		  AND outcome = 'initiated'
		RETURNING ` + callLogColumns

	l, err := scanCallLog(r.db.QueryRowContext(ctx, query, sessionID, string(outcome), durationSec, endedAt, nullString(detail)))
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update call outcome: %w", err)
	}

	var current string
	err = r.db.QueryRowContext(ctx,
		`SELECT outcome FROM call_logs WHERE session_id = $1 ORDER BY started_at DESC LIMIT 1`,
		sessionID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("call log for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check call outcome: %w", err)
	}
	return nil, fmt.Errorf("session %s is %s: %w", sessionID, current, ErrOutcomeFinal)
}

// RecentLogs 最近的呼叫结果（最新在前）
func (r *CallRepository) RecentLogs(ctx context.Context, relativeID string, limit int) ([]models.CallLog, error) {
	if relativeID == "" {
		return nil, fmt.Errorf("relative_id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + callLogColumns + `
		FROM call_logs
		WHERE relative_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, relativeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query call logs: %w", err)
	}
	defer rows.Close()

	var logs []models.CallLog
	for rows.Next() {
		l, err := scanCallLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call log: %w", err)
		}
		logs = append(logs, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call logs: %w", err)
	}
	return logs, nil
}

func scanCallLog(s rowScanner) (*models.CallLog, error) {
	var l models.CallLog
	var detail sql.NullString
	var endedAt sql.NullTime
	if err := s.Scan(
		&l.LogID,
		&l.SessionID,
		&l.HouseholdID,
		&l.RelativeID,
		&l.Provider,
		&l.Outcome,
		&l.DurationSec,
		&detail,
		&l.StartedAt,
		&endedAt,
	); err != nil {
		return nil, err
	}
	l.ErrorDetail = stringPtr(detail)
	l.EndedAt = timePtr(endedAt)
	return &l, nil
}
