package finder

import (
	"context"
	"fmt"
	"time"

	"wisefido-checkin/internal/models"
	"wisefido-checkin/internal/repository"
	"wisefido-checkin/internal/window"

	"go.uber.org/zap"
)

// MonitoredLister 每次 tick 一次查询取出全部监护对象
type MonitoredLister interface {
	ListMonitored(ctx context.Context, fromDate, toDate string) ([]repository.MonitoredRelative, error)
}

// Due 一个待呼叫的 (relative, slot)
type Due struct {
	Relative models.Relative
	CallMode models.CallMode
	Pairing  *models.DevicePairing
	Slot     window.Slot
}

// ConfigError 配置无效而被跳过的老人
type ConfigError struct {
	RelativeID string `json:"relative_id"`
	Err        error  `json:"-"`
}

// Result 本次 tick 的到期集合
type Result struct {
	Due          []Due
	Candidates   int // 开启监护的老人数
	ConfigErrors []ConfigError
}

// Finder 到期时段查找
type Finder struct {
	relatives MonitoredLister
	logger    *zap.Logger
}

// NewFinder 创建到期时段查找器
func NewFinder(relatives MonitoredLister, logger *zap.Logger) *Finder {
	return &Finder{
		relatives: relatives,
		logger:    logger,
	}
}

const dateLayout = "2006-01-02"

// FindDue 计算 now 时刻到期且当天尚未尝试的时段
// 数据库错误直接返回（不产生部分结果）；单个老人的配置错误只跳过该老人
func (f *Finder) FindDue(ctx context.Context, now time.Time, opts window.Options) (*Result, error) {
	utc := now.UTC()
	// 时区跨度最大 ±14h，本地日期一定落在 UTC 日期前后一天内（再多留一天给 D-1 目标）
	from := utc.AddDate(0, 0, -2).Format(dateLayout)
	to := utc.AddDate(0, 0, 1).Format(dateLayout)

	monitored, err := f.relatives.ListMonitored(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load monitored relatives: %w", err)
	}

	res := &Result{Candidates: len(monitored)}
	for _, m := range monitored {
		rel := m.Relative
		slots, err := window.Resolve(window.FromRelative(&rel), utc, opts)
		if err != nil {
			f.logger.Error("Invalid call schedule, skipping relative",
				zap.String("relative_id", rel.RelativeID),
				zap.String("household_id", rel.HouseholdID),
				zap.String("timezone", rel.Timezone),
				zap.String("cadence", string(rel.Cadence)),
				zap.Error(err),
			)
			res.ConfigErrors = append(res.ConfigErrors, ConfigError{RelativeID: rel.RelativeID, Err: err})
			continue
		}

		for _, slot := range slots {
			if m.Tracking[slot.SlotDate].Attempted(slot.SlotType) {
				continue
			}
			res.Due = append(res.Due, Due{
				Relative: rel,
				CallMode: m.CallMode,
				Pairing:  m.Pairing,
				Slot:     slot,
			})
		}
	}

	f.logger.Debug("Due slots resolved",
		zap.Int("candidates", res.Candidates),
		zap.Int("due", len(res.Due)),
		zap.Int("config_errors", len(res.ConfigErrors)),
	)
	return res, nil
}
