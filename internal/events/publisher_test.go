package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"wisefido-checkin/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeMQTT struct {
	msgs []published
	err  error
}

func (f *fakeMQTT) Publish(topic string, retained bool, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic, retained, payload})
	return nil
}

func TestMQTTPublisher_PublishSession(t *testing.T) {
	client := &fakeMQTT{}
	p := NewMQTTPublisher(client, zap.NewNop())

	at := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	err := p.PublishSession(context.Background(), models.SessionEvent{
		SessionID:   "s-1",
		HouseholdID: "h-1",
		RelativeID:  "r-1",
		SlotType:    models.SlotDaily,
		Outcome:     models.OutcomeInitiated,
		At:          at,
	})
	require.NoError(t, err)
	require.Len(t, client.msgs, 1)
	assert.Equal(t, "wellcall/session/r-1", client.msgs[0].topic)
	assert.True(t, client.msgs[0].retained)

	var ev models.SessionEvent
	require.NoError(t, json.Unmarshal(client.msgs[0].payload, &ev))
	assert.Equal(t, "s-1", ev.SessionID)
	assert.Equal(t, models.OutcomeInitiated, ev.Outcome)
	assert.True(t, at.Equal(ev.At))
}

func TestMQTTPublisher_Errors(t *testing.T) {
	p := NewMQTTPublisher(&fakeMQTT{err: errors.New("not connected")}, zap.NewNop())
	assert.Error(t, p.PublishSession(context.Background(), models.SessionEvent{RelativeID: "r-1"}))
	assert.Error(t, p.PublishSession(context.Background(), models.SessionEvent{}))
	assert.NoError(t, NoopPublisher{}.PublishSession(context.Background(), models.SessionEvent{}))
}
