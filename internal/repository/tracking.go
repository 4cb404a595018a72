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

// 时段 -> 标记列（白名单，列名不接受外部输入）
var slotColumns = map[models.SlotType]string{
	models.SlotMorning:   "morning_called",
	models.SlotAfternoon: "afternoon_called",
	models.SlotEvening:   "evening_called",
	models.SlotDaily:     "daily_called",
}

// TrackingRepository 每日呼叫幂等记录仓库
type TrackingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTrackingRepository 创建每日呼叫幂等记录仓库
func NewTrackingRepository(db *sql.DB, logger *zap.Logger) *TrackingRepository {
	return &TrackingRepository{
		db:     db,
		logger: logger,
	}
}

// ClaimSlot 原子地把 (relative, household, date) 的时段标记置为 true
// 返回 true 表示本次抢到；false 表示已被其他运行抢到
func (r *TrackingRepository) ClaimSlot(ctx context.Context, relativeID, householdID, trackingDate string, slot models.SlotType, now time.Time) (bool, error) {
	if relativeID == "" {
		return false, fmt.Errorf("relative_id is required")
	}
	if householdID == "" {
		return false, fmt.Errorf("household_id is required")
	}
	if trackingDate == "" {
		return false, fmt.Errorf("tracking_date is required")
	}
	col, ok := slotColumns[slot]
	if !ok {
		return false, fmt.Errorf("unknown slot type %q", slot)
	}

	// 单条条件 upsert：行不存在则插入；存在且标记为 false 才更新；否则不返回行
	query := fmt.Sprintf(`
		INSERT INTO daily_call_tracking (relative_id, household_id, tracking_date, %[1]s, updated_at)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (relative_id, household_id, tracking_date)
		DO UPDATE SET %[1]s = TRUE, updated_at = EXCLUDED.updated_at
		WHERE daily_call_tracking.%[1]s = FALSE
		RETURNING relative_id
	`, col)

	var claimed string
	err := r.db.QueryRowContext(ctx, query, relativeID, householdID, trackingDate, now).Scan(&claimed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug("Slot already claimed",
				zap.String("relative_id", relativeID),
				zap.String("tracking_date", trackingDate),
				zap.String("slot_type", string(slot)),
			)
			return false, nil
		}
		return false, fmt.Errorf("failed to claim slot: %w", err)
	}
	return true, nil
}

// GetTracking 获取某天的呼叫记录
func (r *TrackingRepository) GetTracking(ctx context.Context, relativeID, householdID, trackingDate string) (*models.DailyCallTracking, error) {
	if relativeID == "" || householdID == "" || trackingDate == "" {
		return nil, fmt.Errorf("relative_id, household_id and tracking_date are required")
	}

	query := `
		SELECT
			relative_id,
			household_id,
			to_char(tracking_date, 'YYYY-MM-DD'),
			morning_called,
			afternoon_called,
			evening_called,
			daily_called,
			updated_at
		FROM daily_call_tracking
		WHERE relative_id = $1
		  AND household_id = $2
		  AND tracking_date = $3
	`

	var t models.DailyCallTracking
	err := r.db.QueryRowContext(ctx, query, relativeID, householdID, trackingDate).Scan(
		&t.RelativeID,
		&t.HouseholdID,
		&t.TrackingDate,
		&t.Flags.Morning,
		&t.Flags.Afternoon,
		&t.Flags.Evening,
		&t.Flags.Daily,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tracking: %w", err)
	}
	return &t, nil
}
