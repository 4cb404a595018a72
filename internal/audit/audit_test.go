package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"wisefido-checkin/internal/models"
	"wisefido-checkin/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func TestRecorder_HeartbeatMirroredToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := repository.NewMemoryStore()
	rec := NewRecorder(store, client, zap.NewNop())
	ctx := context.Background()

	hb, err := rec.RecordHeartbeat(ctx, "wellbeing-call-scheduler", models.HeartbeatPartial, map[string]int{"dispatched": 3, "failed": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"dispatched":3,"failed":1}`, string(hb.Details))

	latest, err := rec.Latest(ctx, "wellbeing-call-scheduler")
	require.NoError(t, err)
	assert.Equal(t, hb.ID, latest.ID)
	assert.Equal(t, models.HeartbeatPartial, latest.Status)

	msgs, err := client.XRange(ctx, Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var e entry
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &e))
	assert.Equal(t, "heartbeat", e.Kind)
	assert.Equal(t, hb.ID, e.Heartbeat.ID)
}

func TestRecorder_NotificationWithoutRedis(t *testing.T) {
	store := repository.NewMemoryStore()
	rec := NewRecorder(store, nil, zap.NewNop())

	require.NoError(t, rec.RecordNotification(context.Background(), &models.NotificationHistory{
		HouseholdID: "h-1",
		Recipient:   "daughter@example.com",
		Channel:     "email",
		Title:       "Missed check-in call",
		Status:      models.NotificationRateLimited,
	}))
	rows := store.Notifications()
	require.Len(t, rows, 1)
	assert.NotEmpty(t, rows[0].ID)
	assert.False(t, rows[0].CreatedAt.IsZero())
}

func TestRecorder_RedisDownDoesNotFail(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	store := repository.NewMemoryStore()
	rec := NewRecorder(store, client, zap.NewNop())
	_, err := rec.RecordHeartbeat(context.Background(), "job", models.HeartbeatSuccess, map[string]int{})
	require.NoError(t, err)
	assert.Len(t, store.Heartbeats(), 1)
}

func TestRecorder_RequiresJobName(t *testing.T) {
	rec := NewRecorder(repository.NewMemoryStore(), nil, zap.NewNop())
	_, err := rec.RecordHeartbeat(context.Background(), "", models.HeartbeatSuccess, nil)
	assert.Error(t, err)
}

func TestExport_Workbook(t *testing.T) {
	store := repository.NewMemoryStore()
	rec := NewRecorder(store, nil, zap.NewNop())
	at := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return at }
	ctx := context.Background()

	_, err := rec.RecordHeartbeat(ctx, "wellbeing-call-scheduler", models.HeartbeatSuccess, map[string]int{"dispatched": 1})
	require.NoError(t, err)
	detail := "gateway down"
	require.NoError(t, rec.RecordNotification(ctx, &models.NotificationHistory{
		HouseholdID: "h-1",
		RelativeID:  "r-1",
		Recipient:   "+447700900001",
		Channel:     "sms",
		Title:       "Missed check-in call",
		Body:        "Mum did not answer the latest check-in call.",
		Status:      models.NotificationFailed,
		Error:       &detail,
	}))

	data, err := rec.Export(ctx, at.Add(-time.Hour), at.Add(time.Hour))
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Heartbeats", "Notifications"}, f.GetSheetList())

	hbRows, err := f.GetRows("Heartbeats")
	require.NoError(t, err)
	require.Len(t, hbRows, 2)
	assert.Equal(t, heartbeatHeader, hbRows[0])
	assert.Equal(t, "2026-07-01T08:00:00Z", hbRows[1][0])
	assert.Equal(t, "success", hbRows[1][2])

	nRows, err := f.GetRows("Notifications")
	require.NoError(t, err)
	require.Len(t, nRows, 2)
	assert.Equal(t, "+447700900001", nRows[1][3])
	assert.Equal(t, "failed", nRows[1][7])
	assert.Equal(t, "gateway down", nRows[1][8])
}
