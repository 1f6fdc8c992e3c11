package ha

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer creates a mock Home Assistant WebSocket server
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// standardAuthFlow handles the standard authentication flow
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	err := conn.WriteJSON(Message{Type: "auth_required"})
	require.NoError(t, err)

	var authMsg AuthMessage
	err = conn.ReadJSON(&authMsg)
	require.NoError(t, err)
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	err = conn.WriteJSON(Message{Type: "auth_ok"})
	require.NoError(t, err)
}

// acceptSubscriptions acknowledges the persistent notification subscription
// sent on connect and returns the id of its stream
func acceptSubscriptions(t *testing.T, conn *websocket.Conn) int {
	success := true

	var notifMsg CommandRequest
	require.NoError(t, conn.ReadJSON(&notifMsg))
	assert.Equal(t, "persistent_notification/subscribe", notifMsg.Type)
	conn.WriteJSON(Message{ID: notifMsg.ID, Type: "result", Success: &success})

	return notifMsg.ID
}

func TestClient_Connect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("successful connection", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			acceptSubscriptions(t, conn)

			// Keep connection open
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)

		err := client.Connect()
		assert.NoError(t, err)
		assert.True(t, client.IsConnected())

		client.Disconnect()
		assert.False(t, client.IsConnected())
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})

			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)

			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), "wrong_token", logger)

		err := client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.False(t, client.IsConnected())
	})

	t.Run("already connected", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			acceptSubscriptions(t, conn)

			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)

		err := client.Connect()
		require.NoError(t, err)

		err = client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already connected")

		client.Disconnect()
	})
}

func TestClient_GetAllStates(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		acceptSubscriptions(t, conn)

		var statesReq CommandRequest
		conn.ReadJSON(&statesReq)
		assert.Equal(t, "get_states", statesReq.Type)

		states := []*State{
			{
				EntityID: "light.kitchen",
				State:    "on",
				Attributes: map[string]interface{}{
					"brightness":            180,
					"supported_color_modes": []string{"rgb", "color_temp"},
				},
			},
			{
				EntityID: "light.living_room",
				State:    "on",
				Attributes: map[string]interface{}{
					"entity_id": []string{"light.kitchen"},
				},
			},
		}

		statesJSON, _ := json.Marshal(states)
		success := true
		conn.WriteJSON(Message{
			ID:      statesReq.ID,
			Type:    "result",
			Success: &success,
			Result:  statesJSON,
		})

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)

	err := client.Connect()
	require.NoError(t, err)
	defer client.Disconnect()

	states, err := client.GetAllStates()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "light.kitchen", states[0].EntityID)
	assert.Equal(t, float64(180), states[0].Attributes["brightness"])
}

func TestClient_GetState(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		acceptSubscriptions(t, conn)

		success := true
		states := []*State{{EntityID: "light.kitchen", State: "off"}}
		statesJSON, _ := json.Marshal(states)

		// GetState is answered from get_states; serve it twice
		for i := 0; i < 2; i++ {
			var statesReq CommandRequest
			if err := conn.ReadJSON(&statesReq); err != nil {
				return
			}
			conn.WriteJSON(Message{
				ID:      statesReq.ID,
				Type:    "result",
				Success: &success,
				Result:  statesJSON,
			})
		}

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)

	err := client.Connect()
	require.NoError(t, err)
	defer client.Disconnect()

	state, err := client.GetState("light.kitchen")
	require.NoError(t, err)
	assert.Equal(t, "off", state.State)

	_, err = client.GetState("light.nonexistent")
	assert.Error(t, err)
}

func TestClient_CallService(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		acceptSubscriptions(t, conn)

		var serviceReq CallServiceRequest
		conn.ReadJSON(&serviceReq)

		assert.Equal(t, "light", serviceReq.Domain)
		assert.Equal(t, "turn_on", serviceReq.Service)
		assert.Equal(t, []interface{}{"light.a", "light.b"}, serviceReq.ServiceData["entity_id"])
		assert.Equal(t, float64(255), serviceReq.ServiceData["brightness"])

		success := true
		conn.WriteJSON(Message{
			ID:      serviceReq.ID,
			Type:    "result",
			Success: &success,
		})

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)

	err := client.Connect()
	require.NoError(t, err)
	defer client.Disconnect()

	err = client.CallService("light", "turn_on", map[string]interface{}{
		"entity_id":  []string{"light.a", "light.b"},
		"rgb_color":  []int{255, 0, 0},
		"brightness": 255,
	})
	assert.NoError(t, err)
}

func TestClient_CallServiceError(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		acceptSubscriptions(t, conn)

		var serviceReq CallServiceRequest
		conn.ReadJSON(&serviceReq)

		failure := false
		conn.WriteJSON(Message{
			ID:      serviceReq.ID,
			Type:    "result",
			Success: &failure,
			Error:   &Error{Code: "not_found", Message: "Service light.turn_on not found"},
		})

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)

	require.NoError(t, client.Connect())
	defer client.Disconnect()

	err := client.CallService("light", "turn_on", map[string]interface{}{"entity_id": "light.a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestClient_SetInputHelpers(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	testCases := []struct {
		name    string
		call    func(c *Client) error
		domain  string
		service string
		entity  string
		value   interface{}
	}{
		{"boolean on", func(c *Client) error { return c.SetInputBoolean("lmnop_lights_in_alert", true) }, "input_boolean", "turn_on", "input_boolean.lmnop_lights_in_alert", nil},
		{"boolean off", func(c *Client) error { return c.SetInputBoolean("lmnop_lights_in_alert", false) }, "input_boolean", "turn_off", "input_boolean.lmnop_lights_in_alert", nil},
		{"number", func(c *Client) error { return c.SetInputNumber("lmnop_active_alert_count", 2) }, "input_number", "set_value", "input_number.lmnop_active_alert_count", float64(2)},
		{"text", func(c *Client) error { return c.SetInputText("lmnop_alert_status", "Active") }, "input_text", "set_value", "input_text.lmnop_alert_status", "Active"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := mockHAServer(t, func(conn *websocket.Conn) {
				standardAuthFlow(t, conn, token)
				acceptSubscriptions(t, conn)

				var serviceReq CallServiceRequest
				conn.ReadJSON(&serviceReq)

				assert.Equal(t, tc.domain, serviceReq.Domain)
				assert.Equal(t, tc.service, serviceReq.Service)
				assert.Equal(t, tc.entity, serviceReq.ServiceData["entity_id"])
				if tc.value != nil {
					assert.Equal(t, tc.value, serviceReq.ServiceData["value"])
				}

				success := true
				conn.WriteJSON(Message{
					ID:      serviceReq.ID,
					Type:    "result",
					Success: &success,
				})

				time.Sleep(50 * time.Millisecond)
			})
			defer server.Close()

			client := NewClient(wsURL(server), token, logger)
			require.NoError(t, client.Connect())
			defer client.Disconnect()

			assert.NoError(t, tc.call(client))
		})
	}
}

func TestClient_PersistentNotifications(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("create", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			acceptSubscriptions(t, conn)

			var serviceReq CallServiceRequest
			conn.ReadJSON(&serviceReq)

			assert.Equal(t, "persistent_notification", serviceReq.Domain)
			assert.Equal(t, "create", serviceReq.Service)
			assert.Equal(t, "lmnop_abc_1.000000", serviceReq.ServiceData["notification_id"])
			assert.Equal(t, "Pipe burst", serviceReq.ServiceData["title"])
			assert.Equal(t, "Water in basement", serviceReq.ServiceData["message"])

			success := true
			conn.WriteJSON(Message{ID: serviceReq.ID, Type: "result", Success: &success})

			time.Sleep(50 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		defer client.Disconnect()

		err := client.CreatePersistentNotification("lmnop_abc_1.000000", "Pipe burst", "Water in basement")
		assert.NoError(t, err)
	})

	t.Run("get ids", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			acceptSubscriptions(t, conn)

			var req CommandRequest
			conn.ReadJSON(&req)
			assert.Equal(t, "persistent_notification/get", req.Type)

			result, _ := json.Marshal([]*PersistentNotification{
				{NotificationID: "b", Message: "one"},
				{NotificationID: "c", Message: "two"},
			})
			success := true
			conn.WriteJSON(Message{ID: req.ID, Type: "result", Success: &success, Result: result})

			time.Sleep(50 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		defer client.Disconnect()

		ids, err := client.GetPersistentNotificationIDs()
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, ids)
	})

	t.Run("removed events reach subscribers", func(t *testing.T) {
		streamReady := make(chan struct{})
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			streamID := acceptSubscriptions(t, conn)

			<-streamReady

			event, _ := json.Marshal(NotificationsUpdate{
				Type: NotificationsRemoved,
				Notifications: map[string]*PersistentNotification{
					"lmnop_abc_1.000000": {NotificationID: "lmnop_abc_1.000000"},
				},
			})
			conn.WriteJSON(Message{ID: streamID, Type: "event", Event: event})

			// A bus event on another subscription must not be mistaken for a notification update
			busEvent := json.RawMessage(`{"event_type": "state_changed", "data": {"entity_id": "light.kitchen"}}`)
			conn.WriteJSON(Message{ID: streamID + 100, Type: "event", Event: busEvent})

			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)

		updates := make(chan NotificationsUpdate, 4)
		_, err := client.SubscribePersistentNotifications(func(update NotificationsUpdate) {
			updates <- update
		})
		require.NoError(t, err)

		require.NoError(t, client.Connect())
		defer client.Disconnect()
		close(streamReady)

		select {
		case update := <-updates:
			assert.Equal(t, NotificationsRemoved, update.Type)
			assert.Equal(t, []string{"lmnop_abc_1.000000"}, update.IDs())
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for notification update")
		}

		select {
		case update := <-updates:
			t.Fatalf("unexpected extra update: %+v", update)
		case <-time.After(150 * time.Millisecond):
		}
	})
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()

	t.Run("connection", func(t *testing.T) {
		assert.False(t, mock.IsConnected())

		err := mock.Connect()
		assert.NoError(t, err)
		assert.True(t, mock.IsConnected())

		err = mock.Connect()
		assert.Error(t, err)

		err = mock.Disconnect()
		assert.NoError(t, err)
		assert.False(t, mock.IsConnected())
	})

	t.Run("state management", func(t *testing.T) {
		mock.SetState("input_boolean.test", "on", map[string]interface{}{
			"friendly_name": "Test",
		})

		state, err := mock.GetState("input_boolean.test")
		assert.NoError(t, err)
		assert.Equal(t, "on", state.State)

		_, err = mock.GetState("nonexistent")
		assert.Error(t, err)
	})

	t.Run("service calls", func(t *testing.T) {
		mock.ClearServiceCalls()

		err := mock.SetInputBoolean("test", true)
		assert.NoError(t, err)

		calls := mock.GetServiceCalls()
		assert.Len(t, calls, 1)
		assert.Equal(t, "input_boolean", calls[0].Domain)
		assert.Equal(t, "turn_on", calls[0].Service)
	})

	t.Run("light calls update state", func(t *testing.T) {
		mock.SetState("light.a", "on", map[string]interface{}{"color_temp": 370, "brightness": 100})
		mock.SetState("light.b", "off", map[string]interface{}{})

		err := mock.CallService("light", "turn_on", map[string]interface{}{
			"entity_id":  []string{"light.a", "light.b"},
			"rgb_color":  []int{255, 0, 0},
			"brightness": 255,
		})
		require.NoError(t, err)

		a, _ := mock.GetState("light.a")
		assert.Equal(t, "on", a.State)
		assert.Equal(t, []int{255, 0, 0}, a.Attributes["rgb_color"])
		assert.NotContains(t, a.Attributes, "color_temp")

		require.NoError(t, mock.CallService("light", "turn_off", map[string]interface{}{"entity_id": "light.b"}))
		b, _ := mock.GetState("light.b")
		assert.Equal(t, "off", b.State)
	})

	t.Run("injected failures", func(t *testing.T) {
		boom := errors.New("boom")
		mock.SetEntityServiceError("light", "turn_on", "light.b", boom)

		err := mock.CallService("light", "turn_on", map[string]interface{}{"entity_id": "light.a"})
		assert.NoError(t, err)

		err = mock.CallService("light", "turn_on", map[string]interface{}{"entity_id": []string{"light.a", "light.b"}})
		assert.ErrorIs(t, err, boom)

		mock.ClearServiceErrors()
		err = mock.CallService("light", "turn_on", map[string]interface{}{"entity_id": "light.b"})
		assert.NoError(t, err)
	})

	t.Run("persistent notifications", func(t *testing.T) {
		var updates []NotificationsUpdate
		sub, err := mock.SubscribePersistentNotifications(func(update NotificationsUpdate) {
			updates = append(updates, update)
		})
		require.NoError(t, err)

		require.NoError(t, mock.CreatePersistentNotification("n1", "Title", "Body"))
		assert.True(t, mock.HasPersistentNotification("n1"))

		mock.SimulateNotificationDismissed("n1")
		assert.False(t, mock.HasPersistentNotification("n1"))

		require.Len(t, updates, 2)
		assert.Equal(t, NotificationsAdded, updates[0].Type)
		assert.Equal(t, NotificationsRemoved, updates[1].Type)
		assert.Equal(t, []string{"n1"}, updates[1].IDs())

		require.NoError(t, sub.Unsubscribe())
		mock.AddPersistentNotification("n2", "", "seeded")
		mock.SimulateNotificationDismissed("n2")
		assert.Len(t, updates, 2)
	})
}
