package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"wisefido-checkin/internal/window"

	"github.com/go-playground/validator/v10"
)

// engine_settings 表中可覆盖的键
const (
	KeyWindowTolerance          = "window_tolerance"
	KeyDailyTarget              = "daily_target"
	KeyThreeDailyTargets        = "three_daily_targets"
	KeyDispatchTimeout          = "dispatch_timeout"
	KeyDispatchWorkers          = "dispatch_workers"
	KeyRunWindow                = "run_window"
	KeyFamilyRateLimitPerHour   = "family_rate_limit_per_hour"
	KeyRuleRateLimitPerHour     = "rule_rate_limit_per_hour"
	KeyEscalationRepeatInterval = "escalation_repeat_interval"
	KeyNotifyFamilyOnDispatch   = "notify_family_on_dispatch"
)

// RunSettings 单次调度运行的参数（tick 开始时加载一次，显式传入各组件）
type RunSettings struct {
	Tolerance                time.Duration `json:"window_tolerance" validate:"gt=0,lte=30m"`
	DailyTarget              string        `json:"daily_target" validate:"required"`
	ThreeDailyTargets        [3]string     `json:"three_daily_targets" validate:"dive,required"`
	DispatchTimeout          time.Duration `json:"dispatch_timeout" validate:"gt=0"`
	Workers                  int           `json:"dispatch_workers" validate:"min=1,max=256"`
	RunWindow                time.Duration `json:"run_window" validate:"gt=0"`
	FamilyRateLimitPerHour   int           `json:"family_rate_limit_per_hour" validate:"min=1"`
	RuleRateLimitPerHour     int           `json:"rule_rate_limit_per_hour" validate:"min=1"`
	EscalationRepeatInterval time.Duration `json:"escalation_repeat_interval" validate:"gt=0"`
	NotifyFamilyOnDispatch   bool          `json:"notify_family_on_dispatch"`
}

// DefaultRunSettings 默认运行参数
func DefaultRunSettings() RunSettings {
	return RunSettings{
		Tolerance:                time.Minute,
		DailyTarget:              "09:00",
		ThreeDailyTargets:        [3]string{"09:00", "13:00", "18:00"},
		DispatchTimeout:          8 * time.Second,
		Workers:                  16,
		RunWindow:                55 * time.Second,
		FamilyRateLimitPerHour:   10,
		RuleRateLimitPerHour:     6,
		EscalationRepeatInterval: 30 * time.Minute,
		NotifyFamilyOnDispatch:   true,
	}
}

// WindowOptions 转换为时间窗参数
func (s RunSettings) WindowOptions() window.Options {
	return window.Options{
		Tolerance:         s.Tolerance,
		DailyTarget:       s.DailyTarget,
		ThreeDailyTargets: s.ThreeDailyTargets,
	}
}

// Overlay 叠加 engine_settings 中的键值，返回新的参数（未知键忽略）
func (s RunSettings) Overlay(kv map[string]string) (RunSettings, error) {
	out := s
	for key, raw := range kv {
		value := strings.TrimSpace(raw)
		var err error
		switch key {
		case KeyWindowTolerance:
			out.Tolerance, err = time.ParseDuration(value)
		case KeyDailyTarget:
			out.DailyTarget = value
		case KeyThreeDailyTargets:
			parts := strings.Split(value, ",")
			if len(parts) != 3 {
				err = fmt.Errorf("want 3 comma separated times, got %d", len(parts))
				break
			}
			for i, p := range parts {
				out.ThreeDailyTargets[i] = strings.TrimSpace(p)
			}
		case KeyDispatchTimeout:
			out.DispatchTimeout, err = time.ParseDuration(value)
		case KeyDispatchWorkers:
			out.Workers, err = strconv.Atoi(value)
		case KeyRunWindow:
			out.RunWindow, err = time.ParseDuration(value)
		case KeyFamilyRateLimitPerHour:
			out.FamilyRateLimitPerHour, err = strconv.Atoi(value)
		case KeyRuleRateLimitPerHour:
			out.RuleRateLimitPerHour, err = strconv.Atoi(value)
		case KeyEscalationRepeatInterval:
			out.EscalationRepeatInterval, err = time.ParseDuration(value)
		case KeyNotifyFamilyOnDispatch:
			out.NotifyFamilyOnDispatch, err = strconv.ParseBool(value)
		}
		if err != nil {
			return s, fmt.Errorf("invalid engine setting %s=%q: %w", key, raw, err)
		}
	}

	if err := validator.New().Struct(out); err != nil {
		return s, fmt.Errorf("invalid run settings: %w", err)
	}
	if err := window.ValidateOptions(out.WindowOptions()); err != nil {
		return s, fmt.Errorf("invalid run settings: %w", err)
	}
	return out, nil
}
