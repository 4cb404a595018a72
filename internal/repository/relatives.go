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

// MonitoredRelative 待评估的老人（含家庭呼叫方式、激活绑定、近几天的呼叫记录）
type MonitoredRelative struct {
	Relative models.Relative
	CallMode models.CallMode
	Pairing  *models.DevicePairing
	Tracking map[string]models.TrackingFlags // key: tracking_date
}

// RelativeRepository 老人配置仓库
type RelativeRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRelativeRepository 创建老人配置仓库
func NewRelativeRepository(db *sql.DB, logger *zap.Logger) *RelativeRepository {
	return &RelativeRepository{
		db:     db,
		logger: logger,
	}
}

// ListMonitored 一次查询取出所有开启监护的老人
// fromDate/toDate 为 tracking_date 范围（YYYY-MM-DD，含两端）
func (r *RelativeRepository) ListMonitored(ctx context.Context, fromDate, toDate string) ([]MonitoredRelative, error) {
	if fromDate == "" || toDate == "" {
		return nil, fmt.Errorf("tracking date range is required")
	}

	query := `
		SELECT
			r.relative_id,
			r.household_id,
			r.display_name,
			r.timezone,
			r.cadence,
			r.custom_times,
			r.quiet_start,
			r.quiet_end,
			r.contact_phone,
			r.updated_at,
			h.call_mode,
			p.pairing_id,
			p.platform,
			p.push_token,
			p.voip_token,
			p.claimed_by,
			p.claimed_at,
			to_char(t.tracking_date, 'YYYY-MM-DD'),
			COALESCE(t.morning_called, FALSE),
			COALESCE(t.afternoon_called, FALSE),
			COALESCE(t.evening_called, FALSE),
			COALESCE(t.daily_called, FALSE)
		FROM relatives r
		JOIN households h ON h.household_id = r.household_id
		LEFT JOIN device_pairings p
			ON p.relative_id = r.relative_id
			AND p.active
			AND p.claimed_by IS NOT NULL
		LEFT JOIN daily_call_tracking t
			ON t.relative_id = r.relative_id
			AND t.household_id = r.household_id
			AND t.tracking_date BETWEEN $1 AND $2
		WHERE r.monitoring_enabled
		ORDER BY r.relative_id, t.tracking_date
	`

	rows, err := r.db.QueryContext(ctx, query, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitored relatives: %w", err)
	}
	defer rows.Close()

	var result []MonitoredRelative
	index := make(map[string]int)
	for rows.Next() {
		var rel models.Relative
		var callMode string
		var quietStart, quietEnd, phone sql.NullString
		var pairingID, platform, pushToken, voipToken, claimedBy sql.NullString
		var claimedAt sql.NullTime
		var trackingDate sql.NullString
		var flags models.TrackingFlags

		if err := rows.Scan(
			&rel.RelativeID,
			&rel.HouseholdID,
			&rel.DisplayName,
			&rel.Timezone,
			&rel.Cadence,
			pq.Array(&rel.CustomTimes),
			&quietStart,
			&quietEnd,
			&phone,
			&rel.UpdatedAt,
			&callMode,
			&pairingID,
			&platform,
			&pushToken,
			&voipToken,
			&claimedBy,
			&claimedAt,
			&trackingDate,
			&flags.Morning,
			&flags.Afternoon,
			&flags.Evening,
			&flags.Daily,
		); err != nil {
			return nil, fmt.Errorf("failed to scan monitored relative: %w", err)
		}

		i, seen := index[rel.RelativeID]
		if !seen {
			rel.QuietStart = stringPtr(quietStart)
			rel.QuietEnd = stringPtr(quietEnd)
			rel.ContactPhone = stringPtr(phone)
			rel.MonitoringEnabled = true

			item := MonitoredRelative{
				Relative: rel,
				CallMode: models.CallMode(callMode),
				Tracking: make(map[string]models.TrackingFlags),
			}
			if pairingID.Valid {
				item.Pairing = &models.DevicePairing{
					PairingID:  pairingID.String,
					RelativeID: rel.RelativeID,
					Platform:   models.Platform(platform.String),
					PushToken:  stringPtr(pushToken),
					VoIPToken:  stringPtr(voipToken),
					ClaimedBy:  stringPtr(claimedBy),
					ClaimedAt:  timePtr(claimedAt),
					Active:     true,
				}
			}
			result = append(result, item)
			i = len(result) - 1
			index[rel.RelativeID] = i
		}
		if trackingDate.Valid {
			result[i].Tracking[trackingDate.String] = flags
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate monitored relatives: %w", err)
	}

	r.logger.Debug("Loaded monitored relatives",
		zap.Int("count", len(result)),
		zap.String("from_date", fromDate),
		zap.String("to_date", toDate),
	)
	return result, nil
}

// GetRelative 获取单个老人
func (r *RelativeRepository) GetRelative(ctx context.Context, relativeID string) (*models.Relative, error) {
	if relativeID == "" {
		return nil, fmt.Errorf("relative_id is required")
	}

	query := `
		SELECT
			relative_id,
			household_id,
			display_name,
			timezone,
			cadence,
			custom_times,
			quiet_start,
			quiet_end,
			contact_phone,
			monitoring_enabled,
			updated_at
		FROM relatives
		WHERE relative_id = $1
	`

	var rel models.Relative
	var quietStart, quietEnd, phone sql.NullString
	err := r.db.QueryRowContext(ctx, query, relativeID).Scan(
		&rel.RelativeID,
		&rel.HouseholdID,
		&rel.DisplayName,
		&rel.Timezone,
		&rel.Cadence,
		pq.Array(&rel.CustomTimes),
		&quietStart,
		&quietEnd,
		&phone,
		&rel.MonitoringEnabled,
		&rel.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("relative %s: %w", relativeID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get relative: %w", err)
	}
	rel.QuietStart = stringPtr(quietStart)
	rel.QuietEnd = stringPtr(quietEnd)
	rel.ContactPhone = stringPtr(phone)
	return &rel, nil
}
