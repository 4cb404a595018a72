package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"wisefido-checkin/internal/channel"
	"wisefido-checkin/internal/config"
	"wisefido-checkin/internal/models"
	"wisefido-checkin/internal/provider"
	"wisefido-checkin/internal/ratelimit"
	"wisefido-checkin/internal/repository"
	"wisefido-checkin/internal/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pushCall struct {
	kind  string
	token string
	voip  models.VoIPPayload
	data  models.DataPushPayload
}

type fakePush struct {
	mu      sync.Mutex
	calls   []pushCall
	voipErr error
	dataErr error
}

func (f *fakePush) SendVoIPPush(_ context.Context, token string, p models.VoIPPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pushCall{kind: "voip", token: token, voip: p})
	return f.voipErr
}

func (f *fakePush) SendDataPush(_ context.Context, token string, p models.DataPushPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := p.Validate(); err != nil {
		return err
	}
	f.calls = append(f.calls, pushCall{kind: "data", token: token, data: p})
	return f.dataErr
}

type fakeTelephony struct {
	relativeID string
	meta       models.CallMetadata
	err        error
}

func (f *fakeTelephony) PlaceCall(_ context.Context, relativeID string, meta models.CallMetadata) (string, error) {
	f.relativeID = relativeID
	f.meta = meta
	if f.err != nil {
		return "", f.err
	}
	return "call-1", nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []models.FamilyMessage
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, msg models.FamilyMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.err
}

type fakeSink struct {
	mu   sync.Mutex
	rows []models.NotificationHistory
}

func (f *fakeSink) RecordNotification(_ context.Context, n *models.NotificationHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *n)
	return nil
}

type fixture struct {
	store     *repository.MemoryStore
	push      *fakePush
	telephony *fakeTelephony
	notifier  *fakeNotifier
	sink      *fakeSink
	d         *Dispatcher
}

func newFixture() *fixture {
	f := &fixture{
		store:     repository.NewMemoryStore(),
		push:      &fakePush{},
		telephony: &fakeTelephony{},
		notifier:  &fakeNotifier{},
		sink:      &fakeSink{},
	}
	logger := zap.NewNop()
	tr := tracker.NewTracker(f.store, f.store, logger)
	family := NewFamilySender(f.notifier, ratelimit.NewMemoryLimiter(), f.sink, logger)
	f.d = NewDispatcher(f.push, f.telephony, tr, f.store, family, nil, logger)
	return f
}

func session(p models.Provider) *models.CallSession {
	return &models.CallSession{
		SessionID:   "s-1",
		HouseholdID: "h-1",
		RelativeID:  "r-1",
		SlotType:    models.SlotDaily,
		SlotDate:    "2026-07-01",
		Provider:    p,
	}
}

var mum = &models.Relative{RelativeID: "r-1", HouseholdID: "h-1", DisplayName: "Mum"}

func TestDispatch_DataPush(t *testing.T) {
	f := newFixture()
	res := f.d.Dispatch(context.Background(), config.DefaultRunSettings(), Request{
		Session:  session(models.ProviderWebRTC),
		Relative: mum,
		Decision: channel.Decision{Provider: models.ProviderWebRTC, Platform: models.PlatformAndroid, Kind: channel.KindDataPush, PrimaryToken: "tok-123"},
	})

	require.NoError(t, res.Err)
	assert.Equal(t, models.OutcomeInitiated, res.Outcome)
	assert.Equal(t, channel.KindDataPush, res.Kind)
	require.Len(t, f.push.calls, 1)
	call := f.push.calls[0]
	assert.Equal(t, "tok-123", call.token)
	assert.Equal(t, map[string]string{
		"type":         "wellbeing_call",
		"session_id":   "s-1",
		"relative_id":  "r-1",
		"household_id": "h-1",
	}, call.data.Data())

	logs := f.store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.OutcomeInitiated, logs[0].Outcome)
	assert.Nil(t, logs[0].ErrorDetail)
}

func TestDispatch_VoIPFallbackToDataPush(t *testing.T) {
	f := newFixture()
	f.push.voipErr = &provider.Error{Provider: "push_gateway", StatusCode: 410, Detail: "voip token expired"}

	res := f.d.Dispatch(context.Background(), config.DefaultRunSettings(), Request{
		Session:  session(models.ProviderWebRTC),
		Relative: mum,
		Decision: channel.Decision{Provider: models.ProviderWebRTC, Platform: models.PlatformIOS, Kind: channel.KindVoIP, PrimaryToken: "voip-abc", FallbackToken: "push-xyz"},
	})

	require.NoError(t, res.Err)
	assert.True(t, res.UsedFallback)
	assert.Equal(t, channel.KindDataPush, res.Kind)
	assert.Equal(t, models.OutcomeInitiated, res.Outcome)
	require.Len(t, f.push.calls, 2)
	assert.Equal(t, "voip", f.push.calls[0].kind)
	assert.Equal(t, "voip-abc", f.push.calls[0].token)
	assert.Equal(t, "data", f.push.calls[1].kind)
	assert.Equal(t, "push-xyz", f.push.calls[1].token)
	assert.Equal(t, models.OutcomeInitiated, f.store.Logs()[0].Outcome)
}

func TestDispatch_VoIPFailsWithoutFallback(t *testing.T) {
	f := newFixture()
	f.push.voipErr = &provider.Error{Provider: "push_gateway", StatusCode: 503, Detail: "unavailable"}

	res := f.d.Dispatch(context.Background(), config.DefaultRunSettings(), Request{
		Session:  session(models.ProviderWebRTC),
		Decision: channel.Decision{Kind: channel.KindVoIP, PrimaryToken: "voip-abc"},
	})

	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	var perr *ProviderError
	require.True(t, errors.As(res.Err, &perr))
	assert.Equal(t, 503, perr.StatusCode)

	logs := f.store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.OutcomeFailed, logs[0].Outcome)
	require.NotNil(t, logs[0].ErrorDetail)
	assert.Contains(t, *logs[0].ErrorDetail, "unavailable")
	// 失败时不通知家属
	assert.Empty(t, f.notifier.msgs)
}

func TestDispatch_NoChannel(t *testing.T) {
	f := newFixture()
	res := f.d.Dispatch(context.Background(), config.DefaultRunSettings(), Request{
		Session:  session(models.ProviderWebRTC),
		Decision: channel.Decision{Provider: models.ProviderWebRTC, Platform: models.PlatformWeb, Kind: channel.KindNone, Reason: "no push token on pairing"},
	})

	assert.ErrorIs(t, res.Err, ErrNoChannel)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Empty(t, f.push.calls)
	logs := f.store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.OutcomeFailed, logs[0].Outcome)
	assert.Contains(t, *logs[0].ErrorDetail, "no push token")
}

func TestDispatch_InvalidPayload(t *testing.T) {
	f := newFixture()
	s := session(models.ProviderWebRTC)
	s.SessionID = ""

	res := f.d.Dispatch(context.Background(), config.DefaultRunSettings(), Request{
		Session:  s,
		Decision: channel.Decision{Kind: channel.KindDataPush, PrimaryToken: "tok"},
	})
	assert.ErrorIs(t, res.Err, ErrInvalidPayload)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
}

func TestDispatch_Telephony(t *testing.T) {
	f := newFixture()
	res := f.d.Dispatch(context.Background(), config.DefaultRunSettings(), Request{
		Session:  session(models.ProviderTelephony),
		Relative: mum,
		Decision: channel.Decision{Provider: models.ProviderTelephony, Kind: channel.KindTelephony, Phone: "+442070313000"},
	})

	require.NoError(t, res.Err)
	assert.Equal(t, "call-1", res.ProviderRef)
	assert.Equal(t, "r-1", f.telephony.relativeID)
	assert.Equal(t, "+442070313000", f.telephony.meta.Phone)
	assert.Equal(t, "s-1", f.telephony.meta.SessionID)
	assert.Equal(t, models.ProviderTelephony, f.store.Logs()[0].Provider)
}

func TestDispatch_FamilyNotice(t *testing.T) {
	f := newFixture()
	f.store.PutMember(models.HouseholdMember{MemberID: "m-1", HouseholdID: "h-1", NotifyOnDispatch: true, PreferredChannel: "push"})
	f.store.PutMember(models.HouseholdMember{MemberID: "m-2", HouseholdID: "h-1", NotifyOnDispatch: true, PreferredChannel: "email"})
	f.store.PutMember(models.HouseholdMember{MemberID: "m-3", HouseholdID: "h-1", NotifyOnDispatch: false, PreferredChannel: "push"})

	res := f.d.Dispatch(context.Background(), config.DefaultRunSettings(), Request{
		Session:  session(models.ProviderWebRTC),
		Relative: mum,
		Decision: channel.Decision{Kind: channel.KindDataPush, PrimaryToken: "tok-123"},
	})
	require.NoError(t, res.Err)

	require.Len(t, f.notifier.msgs, 2)
	assert.Equal(t, models.ChannelPush, f.notifier.msgs[0].Channel)
	assert.Equal(t, []string{"m-1"}, f.notifier.msgs[0].Recipients)
	assert.Equal(t, models.ChannelEmail, f.notifier.msgs[1].Channel)
	assert.Equal(t, "family_info", f.notifier.msgs[0].Data["type"])
	assert.Len(t, f.sink.rows, 2)
}

func TestDispatch_FamilyNoticeFailureDoesNotBlock(t *testing.T) {
	f := newFixture()
	f.notifier.err = errors.New("gateway down")
	f.store.PutMember(models.HouseholdMember{MemberID: "m-1", HouseholdID: "h-1", NotifyOnDispatch: true, PreferredChannel: "push"})

	res := f.d.Dispatch(context.Background(), config.DefaultRunSettings(), Request{
		Session:  session(models.ProviderWebRTC),
		Relative: mum,
		Decision: channel.Decision{Kind: channel.KindDataPush, PrimaryToken: "tok-123"},
	})

	require.NoError(t, res.Err)
	assert.Equal(t, models.OutcomeInitiated, res.Outcome)
	require.Len(t, f.sink.rows, 1)
	assert.Equal(t, models.NotificationFailed, f.sink.rows[0].Status)
}

func TestDispatch_FamilyNoticeDisabled(t *testing.T) {
	f := newFixture()
	f.store.PutMember(models.HouseholdMember{MemberID: "m-1", HouseholdID: "h-1", NotifyOnDispatch: true})
	rs := config.DefaultRunSettings()
	rs.NotifyFamilyOnDispatch = false

	f.d.Dispatch(context.Background(), rs, Request{
		Session:  session(models.ProviderWebRTC),
		Decision: channel.Decision{Kind: channel.KindDataPush, PrimaryToken: "tok-123"},
	})
	assert.Empty(t, f.notifier.msgs)
}
