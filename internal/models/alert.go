package models

import (
	"time"
)

// TriggerType 报警规则触发类型
type TriggerType string

const (
	TriggerMissedCall        TriggerType = "missed_call"
	TriggerConsecutiveMissed TriggerType = "consecutive_missed"
	TriggerHealthConcern     TriggerType = "health_concern"
	TriggerEmergency         TriggerType = "emergency"
)

// CallBased 基于通话结果的规则（老人接通后自动解除）
func (t TriggerType) CallBased() bool {
	return t == TriggerMissedCall || t == TriggerConsecutiveMissed
}

// RuleAction 规则动作
type RuleAction string

const (
	ActionNotifyFamily      RuleAction = "notify_family"
	ActionEscalateToService RuleAction = "escalate_to_service"
)

// Channel 家属通知渠道
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPhone Channel = "phone"
)

// AlertRule 家庭级报警规则（对应 alert_rules 表，引擎只读）
type AlertRule struct {
	RuleID        string      `json:"rule_id" db:"rule_id" validate:"required"`
	HouseholdID   string      `json:"household_id" db:"household_id" validate:"required"`
	TriggerType   TriggerType `json:"trigger_type" db:"trigger_type" validate:"oneof=missed_call consecutive_missed health_concern emergency"`
	Threshold     int         `json:"threshold" db:"threshold" validate:"min=0"`
	Action        RuleAction  `json:"action" db:"action" validate:"oneof=notify_family escalate_to_service"`
	Recipients    []string    `json:"recipients" db:"recipients"`                                                    // 有序的接收人标识
	LevelChannels []Channel   `json:"level_channels" db:"level_channels" validate:"dive,oneof=push email sms phone"` // 第 N 级使用第 N 个渠道，超出取最后一个
	Enabled       bool        `json:"enabled" db:"enabled"`
}

// ChannelForLevel 按升级级别选择渠道，未配置时默认 push
func (r *AlertRule) ChannelForLevel(level int) Channel {
	if len(r.LevelChannels) == 0 {
		return ChannelPush
	}
	idx := level - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(r.LevelChannels) {
		idx = len(r.LevelChannels) - 1
	}
	return r.LevelChannels[idx]
}

// EscalationEvent 规则触发实例（对应 escalation_events 表）
type EscalationEvent struct {
	EventID        string      `json:"event_id" db:"event_id"`
	RuleID         string      `json:"rule_id" db:"rule_id"`
	HouseholdID    string      `json:"household_id" db:"household_id"`
	RelativeID     string      `json:"relative_id" db:"relative_id"`
	TriggerType    TriggerType `json:"trigger_type" db:"trigger_type"`
	Level          int         `json:"level" db:"level"`
	AttemptCount   int         `json:"attempt_count" db:"attempt_count"`
	LastAttemptAt  time.Time   `json:"last_attempt_at" db:"last_attempt_at"`
	LastTriggerRef string      `json:"last_trigger_ref" db:"last_trigger_ref"` // 触发证据（call_log id / signal id / 复查时间桶）
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy     *string     `json:"resolved_by,omitempty" db:"resolved_by"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// SignalKind 通话分析输出的信号类型
type SignalKind string

const (
	SignalHealthConcern SignalKind = "health_concern"
	SignalEmergency     SignalKind = "emergency"
)

// HealthSignal 通话分析上报的健康信号
type HealthSignal struct {
	SignalID    string     `json:"signal_id" validate:"required"`
	HouseholdID string     `json:"household_id" validate:"required"`
	RelativeID  string     `json:"relative_id" validate:"required"`
	SessionID   string     `json:"session_id,omitempty"`
	Kind        SignalKind `json:"kind" validate:"oneof=health_concern emergency"`
	Severity    int        `json:"severity" validate:"min=0"`
	Summary     string     `json:"summary,omitempty"`
	ObservedAt  time.Time  `json:"observed_at"`
}
