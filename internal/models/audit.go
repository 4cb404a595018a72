package models

import (
	"encoding/json"
	"time"
)

// NotificationStatus 通知发送状态
type NotificationStatus string

const (
	NotificationSent        NotificationStatus = "sent"
	NotificationFailed      NotificationStatus = "failed"
	NotificationRateLimited NotificationStatus = "rate_limited"
)

// NotificationHistory 通知审计（对应 notification_history 表，只追加）
type NotificationHistory struct {
	ID          string             `json:"id" db:"id"`
	HouseholdID string             `json:"household_id" db:"household_id"`
	RelativeID  string             `json:"relative_id,omitempty" db:"relative_id"`
	Recipient   string             `json:"recipient" db:"recipient"`
	Channel     string             `json:"channel" db:"channel"`
	Title       string             `json:"title" db:"title"`
	Body        string             `json:"body" db:"body"`
	Status      NotificationStatus `json:"status" db:"status"`
	Error       *string            `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
}

// HeartbeatStatus 任务运行状态
type HeartbeatStatus string

const (
	HeartbeatSuccess HeartbeatStatus = "success"
	HeartbeatPartial HeartbeatStatus = "partial"
	HeartbeatFailed  HeartbeatStatus = "failed"
)

// Heartbeat 调度运行审计（对应 job_heartbeats 表，只追加）
type Heartbeat struct {
	ID      string          `json:"id" db:"id"`
	JobName string          `json:"job_name" db:"job_name"`
	RunAt   time.Time       `json:"run_at" db:"run_at"`
	Status  HeartbeatStatus `json:"status" db:"status"`
	Details json.RawMessage `json:"details" db:"details"` // JSONB
}
