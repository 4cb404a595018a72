package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	commonredis "wisefido-checkin/common/redis"
	"wisefido-checkin/internal/escalation"
	"wisefido-checkin/internal/models"
	"wisefido-checkin/internal/repository"
	"wisefido-checkin/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHandler struct {
	outcomes []service.OutcomeReport
	signals  []models.HealthSignal
	err      error
	failures int // 前 failures 次返回临时错误
}

func (f *fakeHandler) ReportOutcome(_ context.Context, rep service.OutcomeReport) (*service.IngestResult, error) {
	f.outcomes = append(f.outcomes, rep)
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("database unavailable")
	}
	return &service.IngestResult{}, f.err
}

func (f *fakeHandler) ReportSignal(_ context.Context, sig models.HealthSignal) (escalation.Report, error) {
	f.signals = append(f.signals, sig)
	return escalation.Report{}, f.err
}

const stream = "wellcall:call-outcomes"

func setup(t *testing.T, h Handler) (*OutcomeConsumer, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := newConsumer(client, h, "c-1")
	require.NoError(t, commonredis.CreateConsumerGroup(context.Background(), client, stream, "wisefido-checkin"))
	return c, client
}

func newConsumer(client *redis.Client, h Handler, name string) *OutcomeConsumer {
	c := NewOutcomeConsumer(client, h, zap.NewNop(), stream, "wisefido-checkin", name)
	c.block = 50 * time.Millisecond
	c.claimIdle = 0
	c.maxDeliveries = 3
	return c
}

func publishMissed(t *testing.T, client *redis.Client, sessionID string) {
	t.Helper()
	_, err := commonredis.PublishJSONToStream(context.Background(), client, stream, Message{
		Type:    TypeOutcome,
		Outcome: &service.OutcomeReport{SessionID: sessionID, Outcome: models.OutcomeMissed},
	}, 0)
	require.NoError(t, err)
}

func pending(t *testing.T, client *redis.Client) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), stream, "wisefido-checkin").Result()
	require.NoError(t, err)
	return p.Count
}

func TestConsumeOnce_OutcomeAndSignal(t *testing.T) {
	h := &fakeHandler{}
	c, client := setup(t, h)
	ctx := context.Background()

	_, err := commonredis.PublishJSONToStream(ctx, client, stream, Message{
		Type:    TypeOutcome,
		Outcome: &service.OutcomeReport{SessionID: "s-1", Outcome: models.OutcomeMissed},
	}, 0)
	require.NoError(t, err)
	_, err = commonredis.PublishJSONToStream(ctx, client, stream, Message{
		Type:   TypeSignal,
		Signal: &models.HealthSignal{SignalID: "sig-1", HouseholdID: "h-1", RelativeID: "r-1", Kind: models.SignalEmergency},
	}, 0)
	require.NoError(t, err)

	acked, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, acked)
	require.Len(t, h.outcomes, 1)
	assert.Equal(t, "s-1", h.outcomes[0].SessionID)
	require.Len(t, h.signals, 1)
	assert.Equal(t, models.SignalEmergency, h.signals[0].Kind)
	assert.Equal(t, int64(0), pending(t, client))
}

func TestConsumeOnce_DuplicateAndMalformedAcked(t *testing.T) {
	h := &fakeHandler{err: repository.ErrOutcomeFinal}
	c, client := setup(t, h)
	ctx := context.Background()

	_, err := commonredis.PublishJSONToStream(ctx, client, stream, Message{
		Type:    TypeOutcome,
		Outcome: &service.OutcomeReport{SessionID: "s-1", Outcome: models.OutcomeMissed},
	}, 0)
	require.NoError(t, err)
	_, err = commonredis.PublishJSONToStream(ctx, client, stream, map[string]string{"type": "unknown"}, 0)
	require.NoError(t, err)

	acked, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, acked)
	assert.Equal(t, int64(0), pending(t, client))
}

func TestConsumeOnce_TransientErrorRedelivered(t *testing.T) {
	h := &fakeHandler{failures: 1}
	c, client := setup(t, h)
	ctx := context.Background()
	publishMissed(t, client, "s-1")

	acked, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, acked)
	assert.Equal(t, int64(1), pending(t, client))

	acked, err = c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	assert.Equal(t, int64(0), pending(t, client))
	require.Len(t, h.outcomes, 2)
	assert.Equal(t, "s-1", h.outcomes[1].SessionID)
}

func TestConsumeOnce_ClaimsFromStoppedConsumer(t *testing.T) {
	h := &fakeHandler{failures: 1}
	first, client := setup(t, h)
	ctx := context.Background()
	publishMissed(t, client, "s-1")

	_, err := first.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending(t, client))

	// c-1 已停止，新实例接手其 pending 消息
	second := newConsumer(client, h, "c-2")
	acked, err := second.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	assert.Equal(t, int64(0), pending(t, client))
	assert.Len(t, h.outcomes, 2)
}

func TestConsumeOnce_DropsAfterMaxDeliveries(t *testing.T) {
	h := &fakeHandler{err: errors.New("database unavailable")}
	c, client := setup(t, h)
	ctx := context.Background()
	publishMissed(t, client, "s-1")

	// 第 1 次读取 + 2 次重新投递，之后丢弃
	for i := 0; i < 3; i++ {
		acked, err := c.ConsumeOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, acked)
		assert.Equal(t, int64(1), pending(t, client))
	}
	acked, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	assert.Equal(t, int64(0), pending(t, client))
	assert.Len(t, h.outcomes, 3)
}

func TestConsumeOnce_EmptyStream(t *testing.T) {
	c, _ := setup(t, &fakeHandler{})
	acked, err := c.ConsumeOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, acked)
}
