package channel

import (
	"testing"
	"time"

	"wisefido-checkin/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func pairing(platform models.Platform, push, voip *string) *models.DevicePairing {
	now := time.Now()
	return &models.DevicePairing{
		PairingID:  "p-1",
		RelativeID: "r-1",
		Platform:   platform,
		PushToken:  push,
		VoIPToken:  voip,
		ClaimedBy:  strPtr("u-1"),
		ClaimedAt:  &now,
		Active:     true,
	}
}

func TestResolve_AndroidDataPush(t *testing.T) {
	r := NewResolver("GB")
	d := r.Resolve(models.CallModeInApp, &models.Relative{}, pairing(models.PlatformAndroid, strPtr("tok-123"), nil))

	assert.Equal(t, models.ProviderWebRTC, d.Provider)
	assert.Equal(t, models.PlatformAndroid, d.Platform)
	assert.Equal(t, KindDataPush, d.Kind)
	assert.Equal(t, "tok-123", d.PrimaryToken)
	assert.Empty(t, d.FallbackToken)
}

func TestResolve_IOSPrefersVoIP(t *testing.T) {
	r := NewResolver("GB")
	d := r.Resolve(models.CallModeInApp, &models.Relative{}, pairing(models.PlatformIOS, strPtr("push-1"), strPtr("voip-1")))

	assert.Equal(t, KindVoIP, d.Kind)
	assert.Equal(t, "voip-1", d.PrimaryToken)
	assert.Equal(t, "push-1", d.FallbackToken)
}

func TestResolve_IOSWithoutVoIPFallsBackToDataPush(t *testing.T) {
	r := NewResolver("GB")
	d := r.Resolve(models.CallModeInApp, &models.Relative{}, pairing(models.PlatformIOS, strPtr("push-1"), nil))

	assert.Equal(t, KindDataPush, d.Kind)
	assert.Equal(t, "push-1", d.PrimaryToken)
}

func TestResolve_NoTokens(t *testing.T) {
	r := NewResolver("GB")
	d := r.Resolve(models.CallModeInApp, &models.Relative{}, pairing(models.PlatformIOS, nil, strPtr("  ")))

	assert.Equal(t, KindNone, d.Kind)
	assert.False(t, d.Usable())
	assert.Equal(t, models.ProviderWebRTC, d.Provider)
}

func TestResolve_AndroidIgnoresVoIPToken(t *testing.T) {
	r := NewResolver("GB")
	d := r.Resolve(models.CallModeInApp, &models.Relative{}, pairing(models.PlatformAndroid, nil, strPtr("voip-1")))

	assert.Equal(t, KindNone, d.Kind)
}

func TestResolve_Telephony(t *testing.T) {
	r := NewResolver("GB")
	rel := &models.Relative{ContactPhone: strPtr("020 7031 3000")}

	// 家庭偏好电话，即使有设备
	d := r.Resolve(models.CallModeTelephony, rel, pairing(models.PlatformAndroid, strPtr("tok"), nil))
	assert.Equal(t, models.ProviderTelephony, d.Provider)
	assert.Equal(t, KindTelephony, d.Kind)
	assert.Equal(t, "+442070313000", d.Phone)

	// 没有绑定
	d = r.Resolve(models.CallModeInApp, rel, nil)
	assert.Equal(t, KindTelephony, d.Kind)

	// 未认领的绑定不可用
	unclaimed := pairing(models.PlatformAndroid, strPtr("tok"), nil)
	unclaimed.ClaimedBy = nil
	d = r.Resolve(models.CallModeInApp, rel, unclaimed)
	assert.Equal(t, KindTelephony, d.Kind)
}

func TestResolve_TelephonyWithoutPhone(t *testing.T) {
	r := NewResolver("GB")

	d := r.Resolve(models.CallModeTelephony, &models.Relative{}, nil)
	assert.Equal(t, KindNone, d.Kind)
	assert.Equal(t, models.ProviderTelephony, d.Provider)

	d = r.Resolve(models.CallModeTelephony, &models.Relative{ContactPhone: strPtr("12")}, nil)
	assert.Equal(t, KindNone, d.Kind)
	assert.NotEmpty(t, d.Reason)
}

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone("+1 650-253-0000", "GB")
	require.NoError(t, err)
	assert.Equal(t, "+16502530000", got)

	_, err = NormalizePhone("not a phone", "GB")
	assert.Error(t, err)
}
