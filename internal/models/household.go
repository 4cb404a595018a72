package models

import (
	"time"
)

// CallMode 家庭首选的呼叫方式
type CallMode string

const (
	CallModeInApp     CallMode = "in_app"
	CallModeTelephony CallMode = "telephony"
)

// Cadence 呼叫频率
type Cadence string

const (
	CadenceDaily      Cadence = "daily"
	CadenceThreeDaily Cadence = "three_daily"
	CadenceCustom     Cadence = "custom"
)

// Platform 设备平台
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// Household 照护圈（对应 households 表）
type Household struct {
	HouseholdID string    `json:"household_id" db:"household_id"`
	Name        string    `json:"name" db:"name"`
	CallMode    CallMode  `json:"call_mode" db:"call_mode"` // in_app, telephony
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// HouseholdMember 家庭成员（对应 household_members 表，只读）
type HouseholdMember struct {
	MemberID         string `json:"member_id" db:"member_id"`
	HouseholdID      string `json:"household_id" db:"household_id"`
	DisplayName      string `json:"display_name" db:"display_name"`
	NotifyOnDispatch bool   `json:"notify_on_dispatch" db:"notify_on_dispatch"`
	PreferredChannel string `json:"preferred_channel" db:"preferred_channel"` // push, email, sms
}

// Relative 被关怀的老人（对应 relatives 表）
type Relative struct {
	RelativeID        string    `json:"relative_id" db:"relative_id"`
	HouseholdID       string    `json:"household_id" db:"household_id"`
	DisplayName       string    `json:"display_name" db:"display_name"`
	Timezone          string    `json:"timezone" db:"timezone"` // IANA, 如 "Europe/London"
	Cadence           Cadence   `json:"cadence" db:"cadence"`
	CustomTimes       []string  `json:"custom_times,omitempty" db:"custom_times"` // cadence=custom 时的 "HH:MM" 列表
	QuietStart        *string   `json:"quiet_start,omitempty" db:"quiet_start"`   // 本地 "HH:MM"
	QuietEnd          *string   `json:"quiet_end,omitempty" db:"quiet_end"`
	ContactPhone      *string   `json:"contact_phone,omitempty" db:"contact_phone"`
	MonitoringEnabled bool      `json:"monitoring_enabled" db:"monitoring_enabled"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// DevicePairing 老人与设备的绑定（对应 device_pairings 表，只读）
type DevicePairing struct {
	PairingID  string     `json:"pairing_id" db:"pairing_id"`
	RelativeID string     `json:"relative_id" db:"relative_id"`
	Platform   Platform   `json:"platform" db:"platform"`
	PushToken  *string    `json:"push_token,omitempty" db:"push_token"`
	VoIPToken  *string    `json:"voip_token,omitempty" db:"voip_token"`
	ClaimedBy  *string    `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	Active     bool       `json:"active" db:"active"`
}

// Eligible 只有已认领且激活的绑定才可作为推送目标
func (p *DevicePairing) Eligible() bool {
	return p != nil && p.Active && p.ClaimedBy != nil && *p.ClaimedBy != ""
}
