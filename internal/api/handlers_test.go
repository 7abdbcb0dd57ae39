package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofenced/internal/auth"
	"geofenced/internal/engine"
	"geofenced/internal/metrics"
	"geofenced/internal/model"
	"geofenced/internal/platform"
	"geofenced/internal/runtime"
	"geofenced/internal/store"
)

type harness struct {
	srv    *httptest.Server
	api    *Server
	sim    *platform.Simulator
	broker *Broker
	relay  *Relay
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	metrics.RegisterDefault()
	broker := NewBroker()
	relay := NewRelay(broker, 64)
	sim := platform.NewSimulator()
	mgr := engine.New(store.NewMemory(), sim, &runtime.FuncLauncher{
		Handler: func(context.Context, int64, model.QueuedEvent) error { return nil },
	}, engine.Config{Notify: relay.Notify})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = relay.Run(ctx)
		close(done)
	}()

	s := NewServer(mgr, broker, opts)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		_ = mgr.Close(context.Background())
	})
	return &harness{srv: srv, api: s, sim: sim, broker: broker, relay: relay}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func problemOf(t *testing.T, b []byte) Problem {
	t.Helper()
	var p Problem
	require.NoError(t, json.Unmarshal(b, &p))
	return p
}

func geofenceBody(id string) map[string]any {
	return map[string]any{
		"id":             id,
		"location":       map[string]any{"latitude": 40.7, "longitude": -74.0},
		"radiusMeters":   250,
		"triggers":       []string{"ENTER"},
		"callbackHandle": 11,
	}
}

func TestGeofenceLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, Options{})

	resp, _ := h.do(t, http.MethodPost, "/v1/initialize", map[string]any{"callbackHandle": 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/v1/geofences", geofenceBody("home"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var g model.ActiveGeofence
	require.NoError(t, json.Unmarshal(body, &g))
	assert.Equal(t, "home", g.ID)
	assert.Equal(t, model.StatusPending, g.Status)

	resp, body = h.do(t, http.MethodGet, "/v1/geofences/ids", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ids":["home"]}`, string(body))

	resp, body = h.do(t, http.MethodPost, "/v1/platform/events", map[string]any{"regionIds": []string{"home"}, "transition": "ENTER"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	resp, body = h.do(t, http.MethodGet, "/v1/geofences?status=active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct{ Items []model.ActiveGeofence }
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, model.StatusActive, list.Items[0].Status)

	resp, _ = h.do(t, http.MethodDelete, "/v1/geofences/home", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, h.sim.Registered())

	resp, body = h.do(t, http.MethodDelete, "/v1/geofences/home", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(engine.CodeNotFound), problemOf(t, body).Code)
}

func TestCreateErrorsCarryCodes(t *testing.T) {
	h := newHarness(t, Options{})

	resp, body := h.do(t, http.MethodPost, "/v1/geofences", geofenceBody("home"))
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	assert.Equal(t, string(engine.CodeCallbackNotInitialized), problemOf(t, body).Code)

	resp, _ = h.do(t, http.MethodPost, "/v1/initialize", map[string]any{"callbackHandle": 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bad := geofenceBody("home")
	bad["radiusMeters"] = 0
	resp, body = h.do(t, http.MethodPost, "/v1/geofences", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(engine.CodeInvalidArguments), problemOf(t, body).Code)

	h.sim.SetPermissions(platform.Permissions{})
	resp, body = h.do(t, http.MethodPost, "/v1/geofences", geofenceBody("home"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	p := problemOf(t, body)
	assert.Equal(t, string(engine.CodeMissingLocation), p.Code)
	require.NotNil(t, p.Geofence)
	assert.Equal(t, "FAILED", p.Geofence.(map[string]any)["status"])
}

func TestInvalidJSONRejected(t *testing.T) {
	h := newHarness(t, Options{})
	resp, body := h.do(t, http.MethodPost, "/v1/initialize", map[string]any{"handle": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid JSON", problemOf(t, body).Title)
}

func TestSignals(t *testing.T) {
	h := newHarness(t, Options{})

	resp, _ := h.do(t, http.MethodPost, "/v1/signals/boot", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/v1/signals/package-replaced", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/v1/signals/provider", map[string]any{"enabled": true})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/v1/signals/provider", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/v1/signals/reboot-twice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSyncEndpoint(t *testing.T) {
	h := newHarness(t, Options{})
	resp, body := h.do(t, http.MethodPost, "/v1/sync?force=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"forced":true`)

	resp, _ = h.do(t, http.MethodPost, "/v1/sync?force=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPlatformEventsRateLimited(t *testing.T) {
	h := newHarness(t, Options{EventsPerMinute: 2})
	ev := map[string]any{"errorCode": 1001}
	for i := 0; i < 2; i++ {
		resp, _ := h.do(t, http.MethodPost, "/v1/platform/events", ev)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp, _ := h.do(t, http.MethodPost, "/v1/platform/events", ev)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestMalformedPlatformEvent(t *testing.T) {
	h := newHarness(t, Options{})
	resp, body := h.do(t, http.MethodPost, "/v1/platform/events", map[string]any{"transition": "ENTER"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(engine.CodeInvalidArguments), problemOf(t, body).Code)
}

func TestRuntimeEndpoints(t *testing.T) {
	h := newHarness(t, Options{})
	resp, body := h.do(t, http.MethodPost, "/v1/runtime/start", nil)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	assert.Equal(t, string(engine.CodeCallbackNotInitialized), problemOf(t, body).Code)

	h.do(t, http.MethodPost, "/v1/initialize", map[string]any{"callbackHandle": 7})
	resp, body = h.do(t, http.MethodPost, "/v1/runtime/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"state":"READY"`)

	resp, body = h.do(t, http.MethodPost, "/v1/runtime/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"state":"STOPPED"`)
}

func TestHealthReadyMetricsDebug(t *testing.T) {
	h := newHarness(t, Options{Debug: map[string]any{"store": "memory"}})

	resp, _ := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	h.api.SetReady(true)
	resp, _ = h.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "http_requests_total")

	resp, body = h.do(t, http.MethodGet, "/debug", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var dbg map[string]any
	require.NoError(t, json.Unmarshal(body, &dbg))
	assert.Equal(t, "memory", dbg["store"])
	assert.Contains(t, dbg, "build")
	assert.Contains(t, dbg, "queue")
}

func TestOpenAPIDocument(t *testing.T) {
	h := newHarness(t, Options{})

	resp, body := h.do(t, http.MethodGet, "/openapi.yaml", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/v1/geofences")

	resp, body = h.do(t, http.MethodGet, "/openapi.json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	for _, p := range []string{"/v1/initialize", "/v1/geofences/{id}", "/v1/platform/events", "/v1/events/stream"} {
		assert.Contains(t, doc.Paths, p)
	}

	resp, body = h.do(t, http.MethodGet, "/docs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/openapi.yaml")
}

func TestLogsWithoutForwarder(t *testing.T) {
	h := newHarness(t, Options{})
	resp, body := h.do(t, http.MethodGet, "/v1/logs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"items":[]}`, string(body))
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, Options{Heartbeat: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/v1/events/stream?type=sync.", nil)
	require.NoError(t, err)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, "event: heartbeat", lines.Text())

	// The subscription exists once the heartbeat has been written.
	go func() {
		if resp, err := h.srv.Client().Post(h.srv.URL+"/v1/sync?force=true", "application/json", nil); err == nil {
			resp.Body.Close()
		}
	}()

	deadline := time.After(2 * time.Second)
	found := make(chan string, 1)
	go func() {
		for lines.Scan() {
			if l := lines.Text(); strings.HasPrefix(l, "event: ") && l != "event: heartbeat" {
				found <- l
				return
			}
		}
	}()
	select {
	case l := <-found:
		assert.Equal(t, "event: sync.completed", l)
	case <-deadline:
		t.Fatal("no sync event on stream")
	}
}

func TestBearerAuthAndRoles(t *testing.T) {
	secret := []byte("shh")
	h := newHarness(t, Options{Auth: &auth.Verifier{Mode: auth.ModeHMAC, HMACSecret: secret}})
	appTok, err := auth.SignJWT(secret, map[string]any{"sub": "app", "role": auth.RoleApp})
	require.NoError(t, err)
	osTok, err := auth.SignJWT(secret, map[string]any{"sub": "shim", "role": auth.RolePlatform})
	require.NoError(t, err)

	call := func(method, path, token string, body any) int {
		t.Helper()
		var rd io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			require.NoError(t, err)
			rd = bytes.NewReader(b)
		}
		req, err := http.NewRequest(method, h.srv.URL+path, rd)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := h.srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/v1/geofences/ids", "", nil))
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/v1/geofences/ids", "garbage", nil))
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/v1/geofences/ids", appTok, nil))
	assert.Equal(t, http.StatusForbidden, call(http.MethodGet, "/v1/geofences/ids", osTok, nil))

	assert.Equal(t, http.StatusForbidden, call(http.MethodPost, "/v1/signals/boot", appTok, nil))
	assert.Equal(t, http.StatusAccepted, call(http.MethodPost, "/v1/signals/boot", osTok, nil))

	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/healthz", "", nil))
}
