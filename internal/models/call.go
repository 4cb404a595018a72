package models

import (
	"time"
)

// SlotType 呼叫时段
type SlotType string

const (
	SlotMorning   SlotType = "morning"
	SlotAfternoon SlotType = "afternoon"
	SlotEvening   SlotType = "evening"
	SlotDaily     SlotType = "daily"
)

// AllSlotTypes 按一天内顺序排列
var AllSlotTypes = []SlotType{SlotMorning, SlotAfternoon, SlotEvening, SlotDaily}

// Provider 呼叫承载方
type Provider string

const (
	ProviderWebRTC    Provider = "webrtc"
	ProviderTelephony Provider = "telephony"
)

// CallOutcome 通话结果
type CallOutcome string

const (
	OutcomeInitiated CallOutcome = "initiated"
	OutcomeAnswered  CallOutcome = "answered"
	OutcomeCompleted CallOutcome = "completed"
	OutcomeMissed    CallOutcome = "missed"
	OutcomeFailed    CallOutcome = "failed"
)

// Terminal 是否为终态（initiated 表示仍在进行中）
func (o CallOutcome) Terminal() bool {
	return o != OutcomeInitiated
}

// Reached 老人接通过电话
func (o CallOutcome) Reached() bool {
	return o == OutcomeAnswered || o == OutcomeCompleted
}

// ValidOutcome 校验下游回报的结果值
func ValidOutcome(o CallOutcome) bool {
	switch o {
	case OutcomeInitiated, OutcomeAnswered, OutcomeCompleted, OutcomeMissed, OutcomeFailed:
		return true
	}
	return false
}

// TrackingFlags 某一天各时段是否已尝试
type TrackingFlags struct {
	Morning   bool `json:"morning_called" db:"morning_called"`
	Afternoon bool `json:"afternoon_called" db:"afternoon_called"`
	Evening   bool `json:"evening_called" db:"evening_called"`
	Daily     bool `json:"daily_called" db:"daily_called"`
}

// Attempted 返回时段标记
func (f TrackingFlags) Attempted(slot SlotType) bool {
	switch slot {
	case SlotMorning:
		return f.Morning
	case SlotAfternoon:
		return f.Afternoon
	case SlotEvening:
		return f.Evening
	case SlotDaily:
		return f.Daily
	}
	return false
}

// DailyCallTracking 每日呼叫幂等记录（对应 daily_call_tracking 表）
// 主键 (relative_id, household_id, tracking_date)
type DailyCallTracking struct {
	RelativeID   string        `json:"relative_id" db:"relative_id"`
	HouseholdID  string        `json:"household_id" db:"household_id"`
	TrackingDate string        `json:"tracking_date" db:"tracking_date"` // 本地日期 YYYY-MM-DD
	Flags        TrackingFlags `json:"flags"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// CallSession 一次时段呼叫（对应 call_sessions 表）
// 唯一约束 (relative_id, slot_type, slot_date)
type CallSession struct {
	SessionID   string    `json:"session_id" db:"session_id"`
	HouseholdID string    `json:"household_id" db:"household_id"`
	RelativeID  string    `json:"relative_id" db:"relative_id"`
	SlotType    SlotType  `json:"slot_type" db:"slot_type"`
	SlotDate    string    `json:"slot_date" db:"slot_date"`
	Provider    Provider  `json:"provider" db:"provider"`
	Platform    string    `json:"platform" db:"platform"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// CallLog 呼叫结果记录（对应 call_logs 表）
type CallLog struct {
	LogID       string      `json:"log_id" db:"log_id"`
	SessionID   string      `json:"session_id" db:"session_id"`
	HouseholdID string      `json:"household_id" db:"household_id"`
	RelativeID  string      `json:"relative_id" db:"relative_id"`
	Provider    Provider    `json:"provider" db:"provider"`
	Outcome     CallOutcome `json:"outcome" db:"outcome"`
	DurationSec int         `json:"duration_sec" db:"duration_sec"`
	ErrorDetail *string     `json:"error_detail,omitempty" db:"error_detail"`
	StartedAt   time.Time   `json:"started_at" db:"started_at"`
	EndedAt     *time.Time  `json:"ended_at,omitempty" db:"ended_at"`
}
