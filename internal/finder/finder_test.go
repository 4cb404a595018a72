package finder

import (
	"context"
	"errors"
	"testing"
	"time"

	"wisefido-checkin/internal/models"
	"wisefido-checkin/internal/repository"
	"wisefido-checkin/internal/window"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seed(store *repository.MemoryStore) {
	store.PutHousehold(models.Household{HouseholdID: "h-1", CallMode: models.CallModeInApp})
	claimed := "member-1"
	token := "tok-123"
	store.PutRelative(models.Relative{
		RelativeID:        "r-london",
		HouseholdID:       "h-1",
		DisplayName:       "Mum",
		Timezone:          "Europe/London",
		Cadence:           models.CadenceDaily,
		MonitoringEnabled: true,
	})
	store.PutPairing(models.DevicePairing{PairingID: "p-1", RelativeID: "r-london", Platform: models.PlatformAndroid, PushToken: &token, ClaimedBy: &claimed, Active: true})
}

func TestFindDue_LondonDaily(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(store)
	f := NewFinder(store, zap.NewNop())

	// 夏令时 08:00 UTC = 09:00 本地
	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	res, err := f.FindDue(context.Background(), now, window.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	require.Len(t, res.Due, 1)

	due := res.Due[0]
	assert.Equal(t, "r-london", due.Relative.RelativeID)
	assert.Equal(t, models.SlotDaily, due.Slot.SlotType)
	assert.Equal(t, "2026-07-01", due.Slot.SlotDate)
	assert.Equal(t, models.CallModeInApp, due.CallMode)
	require.NotNil(t, due.Pairing)
	assert.Equal(t, "p-1", due.Pairing.PairingID)
}

func TestFindDue_SkipsAttemptedSlot(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(store)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

	claimed, err := store.ClaimSlot(ctx, "r-london", "h-1", "2026-07-01", models.SlotDaily, now)
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := NewFinder(store, zap.NewNop()).FindDue(ctx, now, window.DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Due)
}

func TestFindDue_ConfigErrorSkipsRelative(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(store)
	store.PutRelative(models.Relative{
		RelativeID:        "r-broken",
		HouseholdID:       "h-1",
		Timezone:          "Mars/Olympus",
		Cadence:           models.CadenceDaily,
		MonitoringEnabled: true,
	})

	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	res, err := NewFinder(store, zap.NewNop()).FindDue(context.Background(), now, window.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candidates)
	require.Len(t, res.Due, 1)
	require.Len(t, res.ConfigErrors, 1)
	assert.Equal(t, "r-broken", res.ConfigErrors[0].RelativeID)
	assert.ErrorIs(t, res.ConfigErrors[0].Err, window.ErrInvalidConfig)
}

func TestFindDue_NotDueOutsideTolerance(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(store)

	now := time.Date(2026, 7, 1, 8, 5, 0, 0, time.UTC)
	res, err := NewFinder(store, zap.NewNop()).FindDue(context.Background(), now, window.DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Due)
}

func TestFindDue_DataStoreErrorAborts(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(store)
	store.FailMonitored = errors.New("connection refused")

	res, err := NewFinder(store, zap.NewNop()).FindDue(context.Background(), time.Now(), window.DefaultOptions())
	assert.Error(t, err)
	assert.Nil(t, res)
}
