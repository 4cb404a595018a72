package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"wisefido-checkin/internal/models"
	"wisefido-checkin/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func familyMessage(recipients ...string) models.FamilyMessage {
	return models.FamilyMessage{
		HouseholdID: "h-1",
		RelativeID:  "r-1",
		Channel:     models.ChannelSMS,
		Recipients:  recipients,
		Title:       "Missed check-in",
		Body:        "Mum did not answer her morning call.",
	}
}

func TestFamilySender_RateLimitPerRecipient(t *testing.T) {
	notifier := &fakeNotifier{}
	sink := &fakeSink{}
	s := NewFamilySender(notifier, ratelimit.NewMemoryLimiter(), sink, zap.NewNop())
	ctx := context.Background()

	report, err := s.Send(ctx, familyMessage("+447700900001"), 1)
	require.NoError(t, err)
	assert.Equal(t, SendReport{Sent: 1}, report)

	report, err = s.Send(ctx, familyMessage("+447700900001", "+447700900002"), 1)
	require.NoError(t, err)
	assert.Equal(t, SendReport{Sent: 1, RateLimited: 1}, report)

	require.Len(t, notifier.msgs, 2)
	assert.Equal(t, []string{"+447700900002"}, notifier.msgs[1].Recipients)

	require.Len(t, sink.rows, 3)
	assert.Equal(t, models.NotificationSent, sink.rows[0].Status)
	assert.Equal(t, models.NotificationRateLimited, sink.rows[1].Status)
	assert.Equal(t, "+447700900001", sink.rows[1].Recipient)
	assert.Equal(t, models.NotificationSent, sink.rows[2].Status)
	assert.Equal(t, "sms", sink.rows[2].Channel)
}

func TestFamilySender_AllLimitedSkipsGateway(t *testing.T) {
	notifier := &fakeNotifier{}
	sink := &fakeSink{}
	s := NewFamilySender(notifier, ratelimit.NewMemoryLimiter(), sink, zap.NewNop())
	ctx := context.Background()

	_, err := s.Send(ctx, familyMessage("a"), 1)
	require.NoError(t, err)
	report, err := s.Send(ctx, familyMessage("a"), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RateLimited)
	assert.Len(t, notifier.msgs, 1)
}

func TestFamilySender_LimitIsPerChannel(t *testing.T) {
	notifier := &fakeNotifier{}
	s := NewFamilySender(notifier, ratelimit.NewMemoryLimiter(), &fakeSink{}, zap.NewNop())
	ctx := context.Background()

	report, err := s.Send(ctx, familyMessage("daughter@example.com"), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	email := familyMessage("daughter@example.com")
	email.Channel = models.ChannelEmail
	report, err = s.Send(ctx, email, 1)
	require.NoError(t, err)
	assert.Equal(t, SendReport{Sent: 1}, report)
	assert.Len(t, notifier.msgs, 2)
}

func TestFamilySender_LimiterDownFailsOpen(t *testing.T) {
	notifier := &fakeNotifier{}
	s := NewFamilySender(notifier, brokenLimiter{}, &fakeSink{}, zap.NewNop())

	report, err := s.Send(context.Background(), familyMessage("a", "b"), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
}

func TestFamilySender_GatewayFailureRecorded(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("502 bad gateway")}
	sink := &fakeSink{}
	s := NewFamilySender(notifier, ratelimit.NewMemoryLimiter(), sink, zap.NewNop())

	report, err := s.Send(context.Background(), familyMessage("a", "b"), 10)
	require.Error(t, err)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, sink.rows, 2)
	for _, row := range sink.rows {
		assert.Equal(t, models.NotificationFailed, row.Status)
		require.NotNil(t, row.Error)
		assert.Contains(t, *row.Error, "bad gateway")
	}
}

func TestFamilySender_InvalidMessage(t *testing.T) {
	s := NewFamilySender(&fakeNotifier{}, ratelimit.NewMemoryLimiter(), &fakeSink{}, zap.NewNop())
	_, err := s.Send(context.Background(), familyMessage(), 10)
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}
