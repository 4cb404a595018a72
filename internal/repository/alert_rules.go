package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-checkin/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// AlertRuleRepository 报警规则仓库（引擎只读）
type AlertRuleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRuleRepository 创建报警规则仓库
func NewAlertRuleRepository(db *sql.DB, logger *zap.Logger) *AlertRuleRepository {
	return &AlertRuleRepository{
		db:     db,
		logger: logger,
	}
}

const alertRuleColumns = `
	rule_id,
	household_id,
	trigger_type,
	threshold,
	action,
	recipients,
	level_channels,
	enabled
`

// ListEnabled 家庭下启用的规则，可按触发类型过滤
func (r *AlertRuleRepository) ListEnabled(ctx context.Context, householdID string, triggers ...models.TriggerType) ([]models.AlertRule, error) {
	if householdID == "" {
		return nil, fmt.Errorf("household_id is required")
	}

	types := make([]string, 0, len(triggers))
	for _, t := range triggers {
		types = append(types, string(t))
	}

	query := `SELECT ` + alertRuleColumns + `
		FROM alert_rules
		WHERE household_id = $1
		  AND enabled
		  AND (cardinality($2::text[]) = 0 OR trigger_type = ANY($2::text[]))
		ORDER BY rule_id
	`

	rows, err := r.db.QueryContext(ctx, query, householdID, pq.Array(types))
	if err != nil {
		return nil, fmt.Errorf("failed to query alert rules: %w", err)
	}
	defer rows.Close()

	var rules []models.AlertRule
	for rows.Next() {
		rule, err := scanAlertRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rules: %w", err)
	}
	return rules, nil
}

// GetRule 获取单条规则
func (r *AlertRuleRepository) GetRule(ctx context.Context, ruleID string) (*models.AlertRule, error) {
	if ruleID == "" {
		return nil, fmt.Errorf("rule_id is required")
	}

	query := `SELECT ` + alertRuleColumns + ` FROM alert_rules WHERE rule_id = $1`
	rule, err := scanAlertRule(r.db.QueryRowContext(ctx, query, ruleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert rule %s: %w", ruleID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get alert rule: %w", err)
	}
	return rule, nil
}

func scanAlertRule(s rowScanner) (*models.AlertRule, error) {
	var rule models.AlertRule
	var channels []string
	if err := s.Scan(
		&rule.RuleID,
		&rule.HouseholdID,
		&rule.TriggerType,
		&rule.Threshold,
		&rule.Action,
		pq.Array(&rule.Recipients),
		pq.Array(&channels),
		&rule.Enabled,
	); err != nil {
		return nil, err
	}
	for _, c := range channels {
		rule.LevelChannels = append(rule.LevelChannels, models.Channel(c))
	}
	return &rule, nil
}
