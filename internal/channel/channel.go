package channel

import (
	"strings"

	"wisefido-checkin/internal/models"
)

// Kind 投递方式
type Kind string

const (
	KindVoIP      Kind = "voip"
	KindDataPush  Kind = "data_push"
	KindTelephony Kind = "telephony"
	KindNone      Kind = "none" // 无可用渠道
)

// Decision 渠道选择结果
type Decision struct {
	Provider      models.Provider `json:"provider"`
	Platform      models.Platform `json:"platform,omitempty"`
	Kind          Kind            `json:"kind"`
	PrimaryToken  string          `json:"-"`
	FallbackToken string          `json:"-"`
	Phone         string          `json:"-"` // E.164
	Reason        string          `json:"reason,omitempty"`
}

// Usable 是否有可投递的目标
func (d Decision) Usable() bool {
	return d.Kind != KindNone
}

// Resolver 渠道选择器
type Resolver struct {
	region string // 解析本地号码时的默认地区
}

// NewResolver 创建渠道选择器
func NewResolver(defaultRegion string) *Resolver {
	if defaultRegion == "" {
		defaultRegion = "GB"
	}
	return &Resolver{region: strings.ToUpper(defaultRegion)}
}

// Resolve 根据家庭呼叫方式与设备绑定选择渠道
//  1. 家庭偏好 telephony 或没有可用绑定 -> 电话
//  2. iOS 优先 VoIP token，退回普通推送 token；其他平台用普通推送 token
//  3. 都没有 -> KindNone
func (r *Resolver) Resolve(mode models.CallMode, rel *models.Relative, pairing *models.DevicePairing) Decision {
	if mode == models.CallModeTelephony || !pairing.Eligible() {
		return r.telephony(rel)
	}

	d := Decision{
		Provider: models.ProviderWebRTC,
		Platform: pairing.Platform,
	}
	voip := token(pairing.VoIPToken)
	push := token(pairing.PushToken)

	switch {
	case pairing.Platform == models.PlatformIOS && voip != "":
		d.Kind = KindVoIP
		d.PrimaryToken = voip
		d.FallbackToken = push
	case push != "":
		d.Kind = KindDataPush
		d.PrimaryToken = push
	default:
		d.Kind = KindNone
		d.Reason = "no push token on pairing"
	}
	return d
}

func (r *Resolver) telephony(rel *models.Relative) Decision {
	d := Decision{
		Provider: models.ProviderTelephony,
		Kind:     KindTelephony,
	}
	if rel == nil || rel.ContactPhone == nil || strings.TrimSpace(*rel.ContactPhone) == "" {
		d.Kind = KindNone
		d.Reason = "no contact phone"
		return d
	}
	phone, err := NormalizePhone(*rel.ContactPhone, r.region)
	if err != nil {
		d.Kind = KindNone
		d.Reason = err.Error()
		return d
	}
	d.Phone = phone
	return d
}

func token(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}
