package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"lmnop/internal/alerts"
	"lmnop/internal/clock"
	"lmnop/internal/ha"
	"lmnop/internal/lights"
	"lmnop/internal/notify"
	"lmnop/internal/status"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testInstance = "abc123"

type memoryStore struct {
	mu  sync.Mutex
	ids []string
}

func (s *memoryStore) Load(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...), nil
}

func (s *memoryStore) Save(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append([]string(nil), ids...)
	return nil
}

type failingTransport struct{}

func (failingTransport) Send(ctx context.Context, payload *notify.Payload) error {
	return errors.New("upstream unavailable")
}

func (failingTransport) ValidateCredentials(ctx context.Context) error { return nil }

type serverFixture struct {
	server    *Server
	mock      *ha.MockClient
	tracker   *alerts.Tracker
	lights    *lights.Manager
	publisher *status.Publisher
	clock     *clock.MockClock
}

func newServerFixture(t *testing.T, transport notify.Transport) *serverFixture {
	logger := zap.NewNop()
	mock := ha.NewMockClient()
	require.NoError(t, mock.Connect())

	mock.SetState("light.living_room", "on", map[string]interface{}{
		"entity_id": []string{"light.lamp"},
	})
	mock.SetState("light.lamp", "on", map[string]interface{}{
		"brightness":            120,
		"color_temp":            370,
		"supported_color_modes": []string{"color_temp", "rgb"},
	})

	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	lightManager := lights.NewManager(mock, logger, false, 0)
	tracker := alerts.NewTracker(alerts.Config{
		LightGroup: "light.living_room",
		Namespace:  notify.NamespacePrefix(testInstance),
	}, &memoryStore{}, lightManager, mock, logger)
	publisher := status.NewPublisher("LMNOP Notifier", mock, tracker, lightManager, clk, logger, true, false)
	tracker.OnChange(publisher.Publish)
	publisher.Publish()

	if transport == nil {
		transport = notify.NewStubClient("demo-key", logger)
	}
	dispatcher := notify.NewDispatcher("LMNOP Notifier", testInstance, transport, mock, tracker, clk, logger)

	return &serverFixture{
		server:    NewServer(dispatcher, tracker, publisher, mock, clk, logger, 0),
		mock:      mock,
		tracker:   tracker,
		lights:    lightManager,
		publisher: publisher,
		clock:     clk,
	}
}

func (f *serverFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleSitemap(t *testing.T) {
	f := newServerFixture(t, nil)

	t.Run("plain text", func(t *testing.T) {
		w := f.do(http.MethodGet, "/", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
		assert.Contains(t, w.Body.String(), "/api/notify")
		assert.Contains(t, w.Body.String(), "/api/alerts/{id}")
	})

	t.Run("html for browsers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		w := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, w.Body.String(), "<!DOCTYPE html>")
		assert.Contains(t, w.Body.String(), "&quot;message&quot;")
	})
}

func TestHandleHealth(t *testing.T) {
	f := newServerFixture(t, nil)
	f.clock.Advance(90 * time.Second)

	w := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.HAConnected)
	assert.Equal(t, int64(90), resp.UptimeSeconds)

	require.NoError(t, f.mock.Disconnect())
	w = f.do(http.MethodGet, "/health", "")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.HAConnected)
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newServerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestHandleNotify_Medium(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do(http.MethodPost, "/api/notify", `{"message": "Laundry is done", "title": "Laundry"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var n notify.Notification
	require.NoError(t, json.NewDecoder(w.Body).Decode(&n))
	assert.Equal(t, "lmnop_abc123_1700000000.000000", n.ID)
	assert.Equal(t, notify.PriorityMedium, n.Priority)
	assert.False(t, n.LightsTriggered)

	assert.True(t, f.mock.HasPersistentNotification(n.ID))
	assert.False(t, f.tracker.IsAlertActive())
	assert.Empty(t, f.mock.GetServiceCallsFor("light", "turn_on"))
}

func TestHandleNotify_AlertFromTitleTag(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do(http.MethodPost, "/api/notify", `{"message": "Water detected", "title": "[critical] Basement"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var n notify.Notification
	require.NoError(t, json.NewDecoder(w.Body).Decode(&n))
	assert.Equal(t, notify.PriorityCritical, n.Priority)
	assert.Equal(t, "Basement", n.Title)
	assert.True(t, n.LightsTriggered)

	assert.Equal(t, []string{n.ID}, f.tracker.ActiveAlerts())
	assert.True(t, f.lights.IsAlertActive())

	st := f.publisher.Snapshot()
	assert.Equal(t, status.StatusActive, st.AlertStatus)
	assert.Equal(t, []string{"light.lamp"}, st.LightsInAlertMode)
}

func TestHandleNotify_ExplicitPriority(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do(http.MethodPost, "/api/notify", `{"message": "Door open", "title": "[low] Front door", "data": {"priority": "high"}}`)
	require.Equal(t, http.StatusOK, w.Code)

	var n notify.Notification
	require.NoError(t, json.NewDecoder(w.Body).Decode(&n))
	assert.Equal(t, notify.PriorityHigh, n.Priority)
	assert.Equal(t, "Front door", n.Title)
	assert.True(t, f.tracker.IsAlertActive())
}

func TestHandleNotify_BadRequests(t *testing.T) {
	f := newServerFixture(t, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", `{"message":`, ErrCodeBadRequest},
		{"empty message", `{"message": "", "title": "[high] x"}`, ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/notify", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var apiErr Error
			require.NoError(t, json.NewDecoder(w.Body).Decode(&apiErr))
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}

	assert.False(t, f.tracker.IsAlertActive())
}

func TestHandleNotify_TransportFailure(t *testing.T) {
	f := newServerFixture(t, failingTransport{})

	w := f.do(http.MethodPost, "/api/notify", `{"message": "Smoke", "title": "[critical] Kitchen"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var apiErr Error
	require.NoError(t, json.NewDecoder(w.Body).Decode(&apiErr))
	assert.Equal(t, ErrCodeTransport, apiErr.Code)

	assert.False(t, f.tracker.IsAlertActive(), "failed sends are not tracked")
	assert.Empty(t, f.mock.GetServiceCallsFor("persistent_notification", "create"))
}

func TestHandleAcknowledge(t *testing.T) {
	f := newServerFixture(t, nil)

	var first, second notify.Notification
	w := f.do(http.MethodPost, "/api/notify", `{"message": "one", "title": "[high] A"}`)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&first))
	w = f.do(http.MethodPost, "/api/notify", `{"message": "two", "title": "[high] B"}`)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&second))
	require.Equal(t, 2, f.tracker.ActiveCount())

	w = f.do(http.MethodDelete, "/api/alerts/"+first.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var ack AcknowledgeResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ack))
	assert.Equal(t, first.ID, ack.AlertID)
	assert.True(t, ack.Result)
	assert.False(t, f.mock.HasPersistentNotification(first.ID))
	assert.True(t, f.lights.IsAlertActive(), "lights stay red while another alert is active")

	w = f.do(http.MethodDelete, "/api/alerts/"+second.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ack))
	assert.True(t, ack.Result)
	assert.False(t, f.lights.IsAlertActive())

	lamp, err := f.mock.GetState("light.lamp")
	require.NoError(t, err)
	assert.Equal(t, 370, lamp.Attributes["color_temp"])

	st := f.publisher.Snapshot()
	assert.Equal(t, status.StatusClear, st.AlertStatus)
	assert.Empty(t, st.ActiveAlerts)
}

func TestHandleAcknowledge_RestoreFailure(t *testing.T) {
	f := newServerFixture(t, nil)

	var n notify.Notification
	w := f.do(http.MethodPost, "/api/notify", `{"message": "window open", "title": "[high] Study"}`)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&n))
	require.True(t, f.mock.HasPersistentNotification(n.ID))

	f.mock.SetServiceError("light", "turn_on", errors.New("zigbee timeout"))
	w = f.do(http.MethodDelete, "/api/alerts/"+n.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var ack AcknowledgeResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ack))
	assert.Equal(t, n.ID, ack.AlertID)
	assert.False(t, ack.Result)
	assert.Contains(t, ack.Error, "zigbee timeout")

	// Untracked and dismissed together
	assert.False(t, f.tracker.Contains(n.ID))
	assert.False(t, f.mock.HasPersistentNotification(n.ID))
	assert.True(t, f.lights.IsAlertActive(), "the snapshot is kept for a retry")
}

func TestHandleAcknowledge_DismissFailure(t *testing.T) {
	f := newServerFixture(t, nil)

	var n notify.Notification
	w := f.do(http.MethodPost, "/api/notify", `{"message": "window open", "title": "[high] Study"}`)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&n))

	f.mock.SetServiceError("persistent_notification", "dismiss", errors.New("connection lost"))
	w = f.do(http.MethodDelete, "/api/alerts/"+n.ID, "")
	require.Equal(t, http.StatusBadGateway, w.Code)

	var apiErr Error
	require.NoError(t, json.NewDecoder(w.Body).Decode(&apiErr))
	assert.Equal(t, ErrCodeTransport, apiErr.Code)

	// Still tracked and still live
	assert.True(t, f.tracker.Contains(n.ID))
	assert.True(t, f.mock.HasPersistentNotification(n.ID))
	assert.True(t, f.lights.IsAlertActive())
}

func TestHandleAcknowledge_Unknown(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do(http.MethodDelete, "/api/alerts/lmnop_abc123_1.000000", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, f.mock.GetServiceCallsFor("persistent_notification", "dismiss"))
}

func TestHandleGetAlerts(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do(http.MethodGet, "/api/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)

	var st status.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, status.StatusClear, st.AlertStatus)
	assert.Equal(t, 0, st.ActiveAlertCount)
	assert.False(t, st.LightsInAlert)
}

func TestHandleRestore(t *testing.T) {
	f := newServerFixture(t, nil)

	t.Run("nothing to restore", func(t *testing.T) {
		w := f.do(http.MethodPost, "/api/alerts/restore", "")
		require.Equal(t, http.StatusOK, w.Code)
		var resp RestoreResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.False(t, resp.Restored)
	})

	t.Run("retries a failed restore", func(t *testing.T) {
		var n notify.Notification
		w := f.do(http.MethodPost, "/api/notify", `{"message": "leak", "title": "[critical] Bath"}`)
		require.NoError(t, json.NewDecoder(w.Body).Decode(&n))

		f.mock.SetServiceError("light", "turn_on", errors.New("zigbee timeout"))
		w = f.do(http.MethodDelete, "/api/alerts/"+n.ID, "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.False(t, f.tracker.IsAlertActive())
		require.True(t, f.lights.IsAlertActive(), "failed lights stay saved")

		f.mock.ClearServiceErrors()
		w = f.do(http.MethodPost, "/api/alerts/restore", "")
		require.Equal(t, http.StatusOK, w.Code)
		var resp RestoreResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.True(t, resp.Restored)
		assert.False(t, f.lights.IsAlertActive())
	})
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	f := newServerFixture(t, nil)

	w := f.do(http.MethodGet, "/api/state", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/notify", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
