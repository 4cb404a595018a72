package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-checkin/internal/models"

	"go.uber.org/zap"
)

// MemberRepository 家庭成员仓库（只读）
type MemberRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMemberRepository 创建家庭成员仓库
func NewMemberRepository(db *sql.DB, logger *zap.Logger) *MemberRepository {
	return &MemberRepository{
		db:     db,
		logger: logger,
	}
}

// ListNotifiable 需要接收"已发起呼叫"通知的成员
func (r *MemberRepository) ListNotifiable(ctx context.Context, householdID string) ([]models.HouseholdMember, error) {
	if householdID == "" {
		return nil, fmt.Errorf("household_id is required")
	}

	query := `
		SELECT
			member_id,
			household_id,
			display_name,
			notify_on_dispatch,
			preferred_channel
		FROM household_members
		WHERE household_id = $1
		  AND notify_on_dispatch
		ORDER BY display_name
	`

	rows, err := r.db.QueryContext(ctx, query, householdID)
	if err != nil {
		return nil, fmt.Errorf("failed to query household members: %w", err)
	}
	defer rows.Close()

	var members []models.HouseholdMember
	for rows.Next() {
		var m models.HouseholdMember
		if err := rows.Scan(
			&m.MemberID,
			&m.HouseholdID,
			&m.DisplayName,
			&m.NotifyOnDispatch,
			&m.PreferredChannel,
		); err != nil {
			return nil, fmt.Errorf("failed to scan household member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate household members: %w", err)
	}
	return members, nil
}
