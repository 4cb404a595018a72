package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wisefido-checkin/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// EscalationUpsert 一次规则触发写入的结果
type EscalationUpsert struct {
	Event   models.EscalationEvent
	Created bool // true: 新建 level 1；false: 已有未解决事件升级
}

// EscalationRepository 升级事件仓库
type EscalationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEscalationRepository 创建升级事件仓库
func NewEscalationRepository(db *sql.DB, logger *zap.Logger) *EscalationRepository {
	return &EscalationRepository{
		db:     db,
		logger: logger,
	}
}

const escalationColumns = `
	event_id,
	rule_id,
	household_id,
	relative_id,
	trigger_type,
	level,
	attempt_count,
	last_attempt_at,
	last_trigger_ref,
	resolved_at,
	resolved_by,
	created_at
`

// Upsert 原子地创建或升级 (rule, relative) 的未解决事件
// 同一触发证据（triggerRef）重复评估时不升级；已解决事件的证据不会重新打开事件
// 返回 nil 表示本次无变化
func (r *EscalationRepository) Upsert(ctx context.Context, rule *models.AlertRule, relativeID, triggerRef string, now time.Time) (*EscalationUpsert, error) {
	if rule == nil || rule.RuleID == "" {
		return nil, fmt.Errorf("rule_id is required")
	}
	if relativeID == "" {
		return nil, fmt.Errorf("relative_id is required")
	}
	if triggerRef == "" {
		return nil, fmt.Errorf("trigger_ref is required")
	}

	query := `
		INSERT INTO escalation_events (
			event_id, rule_id, household_id, relative_id, trigger_type,
			level, attempt_count, last_attempt_at, last_trigger_ref, created_at
		)
		SELECT $1::uuid, $2::uuid, $3::uuid, $4::uuid, $5::text, 1, 1, $6::timestamptz, $7::text, $6::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM escalation_events
			WHERE rule_id = $2::uuid
			  AND relative_id = $4::uuid
			  AND resolved_at IS NOT NULL
			  AND last_trigger_ref = $7::text
		)
		ON CONFLICT (rule_id, relative_id) WHERE resolved_at IS NULL
		DO UPDATE SET
			level = escalation_events.level + 1,
			attempt_count = escalation_events.attempt_count + 1,
			last_attempt_at = EXCLUDED.last_attempt_at,
			last_trigger_ref = EXCLUDED.last_trigger_ref
		WHERE escalation_events.last_trigger_ref IS DISTINCT FROM EXCLUDED.last_trigger_ref
		RETURNING event_id, level, attempt_count, created_at, (xmax = 0) AS inserted
	`

	out := &EscalationUpsert{
		Event: models.EscalationEvent{
			RuleID:         rule.RuleID,
			HouseholdID:    rule.HouseholdID,
			RelativeID:     relativeID,
			TriggerType:    rule.TriggerType,
			LastAttemptAt:  now,
			LastTriggerRef: triggerRef,
		},
	}
	err := r.db.QueryRowContext(ctx, query,
		uuid.New().String(),
		rule.RuleID,
		rule.HouseholdID,
		relativeID,
		string(rule.TriggerType),
		now,
		triggerRef,
	).Scan(
		&out.Event.EventID,
		&out.Event.Level,
		&out.Event.AttemptCount,
		&out.Event.CreatedAt,
		&out.Created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to upsert escalation event: %w", err)
	}
	return out, nil
}

// Resolve 解除事件；resolved_at 只会被设置一次
// 返回 false 表示事件早已解除
func (r *EscalationRepository) Resolve(ctx context.Context, eventID, resolvedBy string, now time.Time) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event_id is required")
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE escalation_events
		SET resolved_at = $2, resolved_by = $3
		WHERE event_id = $1
		  AND resolved_at IS NULL
	`, eventID, now, resolvedBy)
	if err != nil {
		return false, fmt.Errorf("failed to resolve escalation event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to resolve escalation event: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	if _, err := r.GetEvent(ctx, eventID); err != nil {
		return false, err
	}
	return false, nil
}

// ResolveOpenForRelative 解除老人下指定触发类型的所有未解决事件
func (r *EscalationRepository) ResolveOpenForRelative(ctx context.Context, relativeID string, triggers []models.TriggerType, resolvedBy string, now time.Time) ([]string, error) {
	if relativeID == "" {
		return nil, fmt.Errorf("relative_id is required")
	}
	if len(triggers) == 0 {
		return nil, nil
	}
	types := make([]string, 0, len(triggers))
	for _, t := range triggers {
		types = append(types, string(t))
	}

	rows, err := r.db.QueryContext(ctx, `
		UPDATE escalation_events
		SET resolved_at = $2, resolved_by = $3
		WHERE relative_id = $1
		  AND resolved_at IS NULL
		  AND trigger_type = ANY($4)
		RETURNING event_id
	`, relativeID, now, resolvedBy, pq.Array(types))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve escalation events: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan resolved event: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate resolved events: %w", err)
	}
	return ids, nil
}

// GetEvent 获取事件
func (r *EscalationRepository) GetEvent(ctx context.Context, eventID string) (*models.EscalationEvent, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}

	query := `SELECT ` + escalationColumns + ` FROM escalation_events WHERE event_id = $1`
	e, err := scanEscalation(r.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("escalation event %s: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get escalation event: %w", err)
	}
	return e, nil
}

// ListStale 最近一次升级早于 before 的未解决事件
func (r *EscalationRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]models.EscalationEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + escalationColumns + `
		FROM escalation_events
		WHERE resolved_at IS NULL
		  AND last_attempt_at < $1
		ORDER BY last_attempt_at
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale escalation events: %w", err)
	}
	defer rows.Close()

	var events []models.EscalationEvent
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escalation events: %w", err)
	}
	return events, nil
}

func scanEscalation(s rowScanner) (*models.EscalationEvent, error) {
	var e models.EscalationEvent
	var resolvedAt sql.NullTime
	var resolvedBy sql.NullString
	if err := s.Scan(
		&e.EventID,
		&e.RuleID,
		&e.HouseholdID,
		&e.RelativeID,
		&e.TriggerType,
		&e.Level,
		&e.AttemptCount,
		&e.LastAttemptAt,
		&e.LastTriggerRef,
		&resolvedAt,
		&resolvedBy,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.ResolvedAt = timePtr(resolvedAt)
	e.ResolvedBy = stringPtr(resolvedBy)
	return &e, nil
}
