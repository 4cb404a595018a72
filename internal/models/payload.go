package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPayload 负载不完整（配置错误或代码缺陷）
var ErrInvalidPayload = errors.New("invalid payload")

// 推送数据中的 type 字段
const (
	PushTypeWellbeingCall = "wellbeing_call"
	PushTypeFamilyInfo    = "family_info"
	PushTypeEscalation    = "escalation"
)

// VoIPPayload iOS VoIP 推送（唤起系统来电界面）
type VoIPPayload struct {
	SessionID   string `json:"session_id"`
	CallerName  string `json:"caller_name"`
	HouseholdID string `json:"household_id"`
	RelativeID  string `json:"relative_id"`
}

// Validate 校验必填字段
func (p VoIPPayload) Validate() error {
	if p.SessionID == "" || p.HouseholdID == "" || p.RelativeID == "" {
		return fmt.Errorf("%w: voip payload requires session_id, household_id and relative_id", ErrInvalidPayload)
	}
	if p.CallerName == "" {
		return fmt.Errorf("%w: voip payload requires caller_name", ErrInvalidPayload)
	}
	return nil
}

// DataPushPayload 普通数据推送（客户端据此拉起通话界面）
type DataPushPayload struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	HouseholdID string `json:"household_id"`
	RelativeID  string `json:"relative_id"`
}

// Validate 校验必填字段
func (p DataPushPayload) Validate() error {
	if p.Type == "" {
		return fmt.Errorf("%w: data push requires type", ErrInvalidPayload)
	}
	if p.Title == "" || p.Body == "" {
		return fmt.Errorf("%w: data push requires title and body", ErrInvalidPayload)
	}
	if p.Type == PushTypeWellbeingCall && p.SessionID == "" {
		return fmt.Errorf("%w: call push requires session_id", ErrInvalidPayload)
	}
	return nil
}

// Data 转成推送平台要求的 string map
func (p DataPushPayload) Data() map[string]string {
	data := map[string]string{"type": p.Type}
	if p.SessionID != "" {
		data["session_id"] = p.SessionID
	}
	if p.HouseholdID != "" {
		data["household_id"] = p.HouseholdID
	}
	if p.RelativeID != "" {
		data["relative_id"] = p.RelativeID
	}
	return data
}

// SMSPayload 短信
type SMSPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Validate 校验必填字段
func (p SMSPayload) Validate() error {
	if p.To == "" || p.Body == "" {
		return fmt.Errorf("%w: sms requires to and body", ErrInvalidPayload)
	}
	return nil
}

// EmailPayload 邮件
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Validate 校验必填字段
func (p EmailPayload) Validate() error {
	if p.To == "" || p.Subject == "" {
		return fmt.Errorf("%w: email requires to and subject", ErrInvalidPayload)
	}
	return nil
}

// FamilyMessage 发给家属的通知（按渠道由通知网关投递）
type FamilyMessage struct {
	HouseholdID string            `json:"household_id"`
	RelativeID  string            `json:"relative_id,omitempty"`
	Channel     Channel           `json:"channel"`
	Recipients  []string          `json:"recipients"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
}

// Validate 校验必填字段
func (m FamilyMessage) Validate() error {
	if len(m.Recipients) == 0 {
		return fmt.Errorf("%w: family message has no recipients", ErrInvalidPayload)
	}
	if m.Title == "" {
		return fmt.Errorf("%w: family message requires title", ErrInvalidPayload)
	}
	switch m.Channel {
	case ChannelPush, ChannelEmail, ChannelSMS, ChannelPhone:
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidPayload, m.Channel)
	}
	return nil
}

// CallMetadata 外呼请求附带信息
type CallMetadata struct {
	SessionID   string `json:"session_id"`
	HouseholdID string `json:"household_id"`
	RelativeID  string `json:"relative_id"`
	Phone       string `json:"to"` // E.164
	CallerName  string `json:"caller_name"`
}

// Validate 校验必填字段
func (m CallMetadata) Validate() error {
	if m.SessionID == "" || m.RelativeID == "" {
		return fmt.Errorf("%w: call metadata requires session_id and relative_id", ErrInvalidPayload)
	}
	if m.Phone == "" {
		return fmt.Errorf("%w: call metadata requires phone", ErrInvalidPayload)
	}
	return nil
}

// EscalationRequest 交给外部照护服务的升级请求
type EscalationRequest struct {
	EventID     string      `json:"event_id"`
	RuleID      string      `json:"rule_id"`
	HouseholdID string      `json:"household_id"`
	RelativeID  string      `json:"relative_id"`
	TriggerType TriggerType `json:"trigger_type"`
	Level       int         `json:"level"`
	Summary     string      `json:"summary"`
	OccurredAt  time.Time   `json:"occurred_at"`
}

// SessionEvent 会话状态变化（客户端订阅，替代轮询）
type SessionEvent struct {
	SessionID   string      `json:"session_id"`
	HouseholdID string      `json:"household_id"`
	RelativeID  string      `json:"relative_id"`
	SlotType    SlotType    `json:"slot_type,omitempty"`
	Outcome     CallOutcome `json:"outcome"`
	At          time.Time   `json:"at"`
}
