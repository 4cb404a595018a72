package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wisefido-checkin/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testOptions(url string) Options {
	return Options{BaseURL: url, APIKey: "k-1", Timeout: 2 * time.Second, RPS: 100}
}

func TestPushGateway_SendVoIPPush(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/push/voip", r.URL.Path)
		assert.Equal(t, "Bearer k-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"m-1"}`))
	}))
	defer srv.Close()

	gw := NewPushGateway(testOptions(srv.URL), zap.NewNop())
	err := gw.SendVoIPPush(context.Background(), "voip-abc", models.VoIPPayload{
		SessionID:   "s-1",
		CallerName:  "Wellbeing check-in",
		HouseholdID: "h-1",
		RelativeID:  "r-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "voip-abc", got["token"])
	assert.Equal(t, "high", got["priority"])
	payload := got["payload"].(map[string]any)
	assert.Equal(t, "s-1", payload["session_id"])
}

func TestPushGateway_SendDataPush(t *testing.T) {
	var got dataPushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/push/data", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	gw := NewPushGateway(testOptions(srv.URL), zap.NewNop())
	err := gw.SendDataPush(context.Background(), "tok-123", models.DataPushPayload{
		Title:       "Time for a chat",
		Body:        "Tap to answer",
		Type:        models.PushTypeWellbeingCall,
		SessionID:   "s-1",
		HouseholdID: "h-1",
		RelativeID:  "r-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-123", got.Token)
	assert.Equal(t, map[string]string{
		"type":         "wellbeing_call",
		"session_id":   "s-1",
		"household_id": "h-1",
		"relative_id":  "r-1",
	}, got.Data)
}

func TestPushGateway_InvalidPayloadNotSent(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	gw := NewPushGateway(testOptions(srv.URL), zap.NewNop())
	err := gw.SendDataPush(context.Background(), "tok", models.DataPushPayload{Type: models.PushTypeWellbeingCall, Title: "t", Body: "b"})
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
	assert.False(t, called)
}

func TestPushGateway_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error":"token unregistered"}`))
	}))
	defer srv.Close()

	gw := NewPushGateway(testOptions(srv.URL), zap.NewNop())
	err := gw.SendVoIPPush(context.Background(), "voip-abc", models.VoIPPayload{
		SessionID: "s-1", CallerName: "c", HouseholdID: "h-1", RelativeID: "r-1",
	})
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "push_gateway", perr.Provider)
	assert.Equal(t, http.StatusGone, perr.StatusCode)
	assert.Equal(t, "token unregistered", perr.Detail)
}

func TestNoRetryOnServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tel := NewTelephonyClient(testOptions(srv.URL), zap.NewNop())
	_, err := tel.PlaceCall(context.Background(), "r-1", models.CallMetadata{SessionID: "s-1", RelativeID: "r-1", Phone: "+442070313000"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestTelephonyClient_PlaceCall(t *testing.T) {
	var got placeCallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/calls", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"call_id":"c-42"}`))
	}))
	defer srv.Close()

	tel := NewTelephonyClient(testOptions(srv.URL), zap.NewNop())
	id, err := tel.PlaceCall(context.Background(), "r-1", models.CallMetadata{
		SessionID: "s-1", HouseholdID: "h-1", RelativeID: "r-1", Phone: "+442070313000",
	})
	require.NoError(t, err)
	assert.Equal(t, "c-42", id)
	assert.Equal(t, "r-1", got.RelativeID)
	assert.Equal(t, "+442070313000", got.Metadata.Phone)
}

func TestTelephonyClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.Timeout = 50 * time.Millisecond
	tel := NewTelephonyClient(opts, zap.NewNop())
	_, err := tel.PlaceCall(context.Background(), "r-1", models.CallMetadata{SessionID: "s-1", RelativeID: "r-1", Phone: "+1"})

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 0, perr.StatusCode)
}

func TestFamilyNotifier_NotifyPush(t *testing.T) {
	var got models.FamilyMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/notifications", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewFamilyNotifier(testOptions(srv.URL), zap.NewNop())
	err := n.Notify(context.Background(), models.FamilyMessage{
		HouseholdID: "h-1",
		Channel:     models.ChannelPush,
		Recipients:  []string{"u-1", "u-2"},
		Title:       "Missed call",
		Body:        "Mum did not answer",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ChannelPush, got.Channel)
	assert.Equal(t, []string{"u-1", "u-2"}, got.Recipients)
}

func TestFamilyNotifier_NotifySMSPerRecipient(t *testing.T) {
	var got []models.SMSPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sms", r.URL.Path)
		var p models.SMSPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got = append(got, p)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewFamilyNotifier(testOptions(srv.URL), zap.NewNop())
	err := n.Notify(context.Background(), models.FamilyMessage{
		HouseholdID: "h-1",
		Channel:     models.ChannelSMS,
		Recipients:  []string{"+447700900001", "+447700900002"},
		Title:       "Missed call",
		Body:        "Mum did not answer",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.SMSPayload{To: "+447700900001", Body: "Missed call: Mum did not answer"}, got[0])
	assert.Equal(t, "+447700900002", got[1].To)
}

func TestFamilyNotifier_NotifyEmailContinuesAfterFailure(t *testing.T) {
	var got []models.EmailPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/email", r.URL.Path)
		var p models.EmailPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got = append(got, p)
		if p.To == "bad@example.com" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewFamilyNotifier(testOptions(srv.URL), zap.NewNop())
	err := n.Notify(context.Background(), models.FamilyMessage{
		HouseholdID: "h-1",
		Channel:     models.ChannelEmail,
		Recipients:  []string{"bad@example.com", "daughter@example.com"},
		Title:       "Missed call",
		Body:        "Mum did not answer",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad@example.com")
	require.Len(t, got, 2)
	assert.Equal(t, models.EmailPayload{To: "daughter@example.com", Subject: "Missed call", Body: "Mum did not answer"}, got[1])
}

func TestEscalationService_Escalate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/escalations", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"case_id":"case-7"}`))
	}))
	defer srv.Close()

	svc := NewEscalationService(testOptions(srv.URL), zap.NewNop())
	id, err := svc.Escalate(context.Background(), models.EscalationRequest{EventID: "e-1", Level: 2})
	require.NoError(t, err)
	assert.Equal(t, "case-7", id)
}
