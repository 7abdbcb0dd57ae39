package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofenced/internal/model"
)

func fastSender(url, secret string) *Sender {
	s := NewSender(url, secret)
	s.Backoff = func(int) time.Duration { return time.Millisecond }
	s.MaxAttempts = 3
	return s
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"id":"evt1"}`)
	sig := SignHMAC("secret", body)
	assert.True(t, VerifyHMAC("secret", body, sig))
	assert.False(t, VerifyHMAC("other", body, sig))
	assert.False(t, VerifyHMAC("secret", body, "zz"))
}

func TestForwardSignsAndLabels(t *testing.T) {
	var (
		gotSig, gotType, gotID string
		gotBody                []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotType = r.Header.Get(HeaderEventType)
		gotID = r.Header.Get(HeaderEventID)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ev := model.QueuedEvent{
		ID:             "evt1",
		Event:          model.TriggerExit,
		CallbackHandle: 3,
		Geofences:      []model.ActiveGeofence{{ID: "home", Status: model.StatusActive}},
	}
	require.NoError(t, fastSender(srv.URL, "secret").Forward(context.Background(), 3, ev))

	assert.Equal(t, "geofence.exit", gotType)
	assert.Equal(t, "evt1", gotID)
	assert.True(t, VerifyHMAC("secret", gotBody, gotSig))
	var p Payload
	require.NoError(t, json.Unmarshal(gotBody, &p))
	assert.Equal(t, "home", p.Geofences[0].ID)
	assert.Equal(t, int64(3), p.Handle)
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, fastSender(srv.URL, "").Deliver(context.Background(), "e", "geofence.enter", []byte(`{}`)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliverGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := fastSender(srv.URL, "").Deliver(context.Background(), "e", "geofence.enter", []byte(`{}`))
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 3, de.Attempts)
	assert.Equal(t, http.StatusInternalServerError, de.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := fastSender(srv.URL, "").Deliver(context.Background(), "e", "geofence.enter", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNextBackoffCaps(t *testing.T) {
	assert.Equal(t, time.Second, nextBackoff(0))
	assert.Equal(t, 8*time.Second, nextBackoff(3))
	assert.Equal(t, nextBackoff(10), nextBackoff(50))
}
