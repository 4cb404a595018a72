package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVoIPPayload_Validate(t *testing.T) {
	ok := VoIPPayload{SessionID: "s", CallerName: "Daily check-in", HouseholdID: "h", RelativeID: "r"}
	assert.NoError(t, ok.Validate())

	missing := ok
	missing.SessionID = ""
	err := missing.Validate()
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestDataPushPayload_Data(t *testing.T) {
	p := DataPushPayload{Title: "t", Body: "b", Type: PushTypeWellbeingCall, SessionID: "s", HouseholdID: "h", RelativeID: "r"}
	assert.NoError(t, p.Validate())
	assert.Equal(t, map[string]string{
		"type":         "wellbeing_call",
		"session_id":   "s",
		"household_id": "h",
		"relative_id":  "r",
	}, p.Data())

	p.SessionID = ""
	assert.ErrorIs(t, p.Validate(), ErrInvalidPayload)
}

func TestFamilyMessage_Validate(t *testing.T) {
	m := FamilyMessage{Channel: ChannelSMS, Recipients: []string{"m-1"}, Title: "Call missed"}
	assert.NoError(t, m.Validate())

	m.Channel = "pager"
	assert.ErrorIs(t, m.Validate(), ErrInvalidPayload)

	m.Channel = ChannelPush
	m.Recipients = nil
	assert.ErrorIs(t, m.Validate(), ErrInvalidPayload)
}

func TestAlertRule_ChannelForLevel(t *testing.T) {
	r := &AlertRule{}
	assert.Equal(t, ChannelPush, r.ChannelForLevel(3))

	r.LevelChannels = []Channel{ChannelPush, ChannelSMS, ChannelPhone}
	assert.Equal(t, ChannelPush, r.ChannelForLevel(1))
	assert.Equal(t, ChannelSMS, r.ChannelForLevel(2))
	assert.Equal(t, ChannelPhone, r.ChannelForLevel(7))
}

func TestTrackingFlags_Attempted(t *testing.T) {
	f := TrackingFlags{Morning: true, Daily: false}
	assert.True(t, f.Attempted(SlotMorning))
	assert.False(t, f.Attempted(SlotEvening))
	assert.False(t, f.Attempted(SlotDaily))
}
