package window

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"wisefido-checkin/internal/models"
)

// ErrInvalidConfig 时区、频率或时间格式配置错误
var ErrInvalidConfig = errors.New("invalid schedule config")

const dateLayout = "2006-01-02"

// Schedule 单个老人的呼叫计划
type Schedule struct {
	Timezone    string
	Cadence     models.Cadence
	CustomTimes []string
	QuietStart  *string
	QuietEnd    *string
}

// FromRelative 从老人配置构造计划
func FromRelative(r *models.Relative) Schedule {
	return Schedule{
		Timezone:    r.Timezone,
		Cadence:     r.Cadence,
		CustomTimes: r.CustomTimes,
		QuietStart:  r.QuietStart,
		QuietEnd:    r.QuietEnd,
	}
}

// Options 时间窗参数
type Options struct {
	Tolerance         time.Duration // 目标时间前后容差，默认 1 分钟
	DailyTarget       string        // daily 的本地目标时间
	ThreeDailyTargets [3]string     // three_daily 的早/午/晚目标时间
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		Tolerance:         time.Minute,
		DailyTarget:       "09:00",
		ThreeDailyTargets: [3]string{"09:00", "13:00", "18:00"},
	}
}

// ValidateOptions 校验默认目标时间
func ValidateOptions(opts Options) error {
	if _, err := parseClock(opts.DailyTarget); err != nil {
		return err
	}
	for _, hhmm := range opts.ThreeDailyTargets {
		if _, err := parseClock(hhmm); err != nil {
			return err
		}
	}
	return nil
}

// Slot 当前处于时间窗内的时段
type Slot struct {
	SlotType models.SlotType
	SlotDate string    // 本地日期 YYYY-MM-DD
	TargetAt time.Time // 避开静默时段后的目标时刻
}

type clock int // 一天中的分钟数

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad time of day %q", ErrInvalidConfig, s)
	}
	return clock(t.Hour()*60 + t.Minute()), nil
}

type target struct {
	slot models.SlotType
	at   clock
}

type quietHours struct {
	start clock
	end   clock
}

// inside 严格位于静默时段内（边界时刻允许呼叫）
func (q *quietHours) inside(sec int) bool {
	if q == nil {
		return false
	}
	s, e := int(q.start)*60, int(q.end)*60
	if s < e {
		return sec > s && sec < e
	}
	return sec > s || sec < e
}

// shift 把落在静默时段内的目标移到时段边界
// 跨午夜时段的清晨部分移到结束边界，夜间部分移到开始边界，保证不跨日
func (q *quietHours) shift(c clock) clock {
	if q == nil || !q.inside(int(c)*60) {
		return c
	}
	if q.start < q.end {
		return q.end
	}
	if c < q.end {
		return q.end
	}
	return q.start
}

// Resolve 计算 now 时刻处于时间窗内的时段（纯函数）
// 每次都按本地挂钟时间重新计算目标时刻，跨夏令时切换也保持本地时间不变
func Resolve(s Schedule, now time.Time, opts Options) ([]Slot, error) {
	if s.Timezone == "" {
		return nil, fmt.Errorf("%w: timezone is required", ErrInvalidConfig)
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidConfig, s.Timezone)
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = time.Minute
	}

	targets, err := targetsFor(s, opts)
	if err != nil {
		return nil, err
	}
	quiet, err := parseQuiet(s)
	if err != nil {
		return nil, err
	}

	local := now.In(loc)
	if quiet.inside(local.Hour()*3600 + local.Minute()*60 + local.Second()) {
		return nil, nil
	}

	// 检查前一天、当天、后一天，午夜附近的目标归到正确的日期
	y, m, d := local.Date()
	var slots []Slot
	for offset := -1; offset <= 1; offset++ {
		day := time.Date(y, m, d+offset, 12, 0, 0, 0, loc)
		for _, t := range targets {
			eff := quiet.shift(t.at)
			at := time.Date(y, m, d+offset, int(eff)/60, int(eff)%60, 0, 0, loc)
			diff := now.Sub(at)
			if diff < 0 {
				diff = -diff
			}
			if diff > opts.Tolerance {
				continue
			}
			slots = append(slots, Slot{
				SlotType: t.slot,
				SlotDate: day.Format(dateLayout),
				TargetAt: at.UTC(),
			})
		}
	}

	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].TargetAt.Before(slots[j].TargetAt)
	})
	return slots, nil
}

// LocalDate 返回 now 在该时区的本地日期
func LocalDate(timezone string, now time.Time) (string, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		return "", fmt.Errorf("%w: unknown timezone %q", ErrInvalidConfig, timezone)
	}
	return now.In(loc).Format(dateLayout), nil
}

func targetsFor(s Schedule, opts Options) ([]target, error) {
	switch s.Cadence {
	case models.CadenceDaily:
		c, err := parseClock(opts.DailyTarget)
		if err != nil {
			return nil, err
		}
		return []target{{slot: models.SlotDaily, at: c}}, nil

	case models.CadenceThreeDaily:
		slots := [3]models.SlotType{models.SlotMorning, models.SlotAfternoon, models.SlotEvening}
		out := make([]target, 0, 3)
		for i, hhmm := range opts.ThreeDailyTargets {
			c, err := parseClock(hhmm)
			if err != nil {
				return nil, err
			}
			out = append(out, target{slot: slots[i], at: c})
		}
		return out, nil

	case models.CadenceCustom:
		if len(s.CustomTimes) == 0 {
			return nil, fmt.Errorf("%w: custom cadence without times", ErrInvalidConfig)
		}
		seen := make(map[models.SlotType]string, len(s.CustomTimes))
		out := make([]target, 0, len(s.CustomTimes))
		for _, hhmm := range s.CustomTimes {
			c, err := parseClock(hhmm)
			if err != nil {
				return nil, err
			}
			slot := bucket(c)
			if prev, ok := seen[slot]; ok {
				return nil, fmt.Errorf("%w: custom times %s and %s both map to %s", ErrInvalidConfig, prev, hhmm, slot)
			}
			seen[slot] = hhmm
			out = append(out, target{slot: slot, at: c})
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown cadence %q", ErrInvalidConfig, s.Cadence)
}

// bucket 自定义时间按本地小时归入时段
func bucket(c clock) models.SlotType {
	switch h := int(c) / 60; {
	case h < 12:
		return models.SlotMorning
	case h < 17:
		return models.SlotAfternoon
	default:
		return models.SlotEvening
	}
}

func parseQuiet(s Schedule) (*quietHours, error) {
	if s.QuietStart == nil && s.QuietEnd == nil {
		return nil, nil
	}
	if s.QuietStart == nil || s.QuietEnd == nil {
		return nil, fmt.Errorf("%w: quiet hours need both start and end", ErrInvalidConfig)
	}
	start, err := parseClock(*s.QuietStart)
	if err != nil {
		return nil, err
	}
	end, err := parseClock(*s.QuietEnd)
	if err != nil {
		return nil, err
	}
	if start == end {
		return nil, nil
	}
	return &quietHours{start: start, end: end}, nil
}
