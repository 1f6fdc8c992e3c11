// Package testutil provides testing utilities for the notifier.
// This package contains a mock Home Assistant WebSocket server and helpers
// for writing integration tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	// notifStreamID is the message id of this connection's
	// persistent_notification/subscribe request, 0 when not subscribed
	notifStreamID int
}

func (w *connWrapper) writeJSON(v interface{}) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(v)
}

// MockHAServer simulates a Home Assistant WebSocket server
type MockHAServer struct {
	server        *http.Server
	addr          string
	states        map[string]*EntityState
	statesMu      sync.RWMutex
	notifications map[string]*PersistentNotification
	notifMu       sync.RWMutex
	connections   []*connWrapper
	connsMu       sync.Mutex
	eventDelay    time.Duration // Simulates network latency
	token         string
	serviceCalls  []ServiceCall // Track all service calls for verification
	failures      map[string]string
	callsMu       sync.Mutex // Protects serviceCalls and failures
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// PersistentNotification is a notice shown in the Home Assistant UI
type PersistentNotification struct {
	NotificationID string    `json:"notification_id"`
	Title          string    `json:"title,omitempty"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

// NotificationsUpdate is the event payload of a persistent_notification/subscribe stream
type NotificationsUpdate struct {
	Type          string                             `json:"type"`
	Notifications map[string]*PersistentNotification `json:"notifications"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *MessageError   `json:"error,omitempty"`
	Event   interface{}     `json:"event,omitempty"`
}

// MessageError is the error body of a failed result
type MessageError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// CallServiceRequest represents a service call
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// CommandRequest represents a request carrying only an id and type
type CommandRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// NewMockHAServer creates a new mock HA server
func NewMockHAServer(addr, token string) *MockHAServer {
	return &MockHAServer{
		addr:          addr,
		states:        make(map[string]*EntityState),
		notifications: make(map[string]*PersistentNotification),
		connections:   make([]*connWrapper, 0),
		eventDelay:    10 * time.Millisecond, // Simulate network latency
		token:         token,
		serviceCalls:  make([]ServiceCall, 0),
		failures:      make(map[string]string),
	}
}

// SetEventDelay sets the delay before notification updates are broadcast
func (s *MockHAServer) SetEventDelay(delay time.Duration) {
	s.eventDelay = delay
}

// Start starts the mock server. An addr with port 0 picks a free port; URL
// reports the address actually bound.
func (s *MockHAServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.addr = listener.Addr().String()

	s.server = &http.Server{
		Handler: mux,
	}

	go func() {
		if err := s.server.Serve(listener); err != http.ErrServerClosed {
			log.Printf("Mock HA server error: %v", err)
		}
	}()

	return nil
}

// URL returns the WebSocket URL clients should dial
func (s *MockHAServer) URL() string {
	return fmt.Sprintf("ws://%s/api/websocket", s.addr)
}

// Stop stops the mock server
func (s *MockHAServer) Stop() error {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// SetState sets an entity state
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = map[string]interface{}{}
	}

	s.statesMu.Lock()
	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	s.states[entityID] = newState
	s.statesMu.Unlock()
}

// GetState retrieves a copy of a state, nil when unknown
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()

	state, ok := s.states[entityID]
	if !ok {
		return nil
	}
	attrs := make(map[string]interface{}, len(state.Attributes))
	for k, v := range state.Attributes {
		attrs[k] = v
	}
	copied := *state
	copied.Attributes = attrs
	return &copied
}

// InitializeStates seeds a living room group with a color-temp lamp, an RGB
// ceiling light that is off and a white-only nightlight
func (s *MockHAServer) InitializeStates() {
	s.SetState("light.living_room", "on", map[string]interface{}{
		"friendly_name": "Living Room",
		"entity_id":     []string{"light.lamp", "light.ceiling", "light.nightlight"},
	})
	s.SetState("light.lamp", "on", map[string]interface{}{
		"friendly_name":         "Lamp",
		"brightness":            120,
		"color_temp":            370,
		"supported_color_modes": []string{"color_temp", "rgb"},
	})
	s.SetState("light.ceiling", "off", map[string]interface{}{
		"friendly_name":         "Ceiling",
		"supported_color_modes": []string{"rgb"},
	})
	s.SetState("light.nightlight", "on", map[string]interface{}{
		"friendly_name":         "Nightlight",
		"brightness":            40,
		"supported_color_modes": []string{"color_temp"},
	})
}

// AddPersistentNotification creates a notification as another integration
// would, broadcasting an "added" update
func (s *MockHAServer) AddPersistentNotification(notificationID, title, message string) {
	n := &PersistentNotification{
		NotificationID: notificationID,
		Title:          title,
		Message:        message,
		CreatedAt:      time.Now(),
	}

	s.notifMu.Lock()
	s.notifications[notificationID] = n
	s.notifMu.Unlock()

	s.broadcastNotifications("added", n)
}

// DismissPersistentNotification removes a notification as if the user
// dismissed it in the UI, broadcasting a "removed" update
func (s *MockHAServer) DismissPersistentNotification(notificationID string) {
	s.notifMu.Lock()
	n, ok := s.notifications[notificationID]
	delete(s.notifications, notificationID)
	s.notifMu.Unlock()

	if !ok {
		return
	}

	if s.eventDelay > 0 {
		time.Sleep(s.eventDelay)
	}
	s.broadcastNotifications("removed", n)
}

// HasPersistentNotification reports whether a notification is live
func (s *MockHAServer) HasPersistentNotification(notificationID string) bool {
	s.notifMu.RLock()
	defer s.notifMu.RUnlock()
	_, ok := s.notifications[notificationID]
	return ok
}

// PersistentNotificationIDs returns the live notification ids, sorted
func (s *MockHAServer) PersistentNotificationIDs() []string {
	s.notifMu.RLock()
	defer s.notifMu.RUnlock()

	ids := make([]string, 0, len(s.notifications))
	for id := range s.notifications {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FailService makes every later domain.service call return an error result
func (s *MockHAServer) FailService(domain, service, message string) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.failures[domain+"."+service] = message
}

// ClearFailures removes all injected service failures
func (s *MockHAServer) ClearFailures() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.failures = make(map[string]string)
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.writeJSON(Message{Type: "auth_required"})

	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		log.Printf("Failed to read auth: %v", err)
		return
	}

	if authMsg.AccessToken != s.token {
		wrapper.writeJSON(Message{Type: "auth_invalid"})
		return
	}

	wrapper.writeJSON(Message{Type: "auth_ok"})

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var baseMsg CommandRequest
		if err := json.Unmarshal(msg, &baseMsg); err != nil {
			continue
		}

		switch baseMsg.Type {
		case "get_states":
			s.handleGetStates(wrapper, baseMsg.ID)
		case "call_service":
			s.handleCallService(wrapper, msg)
		case "persistent_notification/get":
			s.handleGetNotifications(wrapper, baseMsg.ID)
		case "persistent_notification/subscribe":
			s.handleSubscribeNotifications(wrapper, baseMsg.ID)
		default:
			s.sendError(wrapper, baseMsg.ID, "unknown_command", fmt.Sprintf("unknown command %s", baseMsg.Type))
		}
	}
}

func (s *MockHAServer) sendResult(wrapper *connWrapper, id int, result interface{}) {
	success := true
	msg := Message{ID: id, Type: "result", Success: &success}
	if result != nil {
		msg.Result, _ = json.Marshal(result)
	}
	wrapper.writeJSON(msg)
}

func (s *MockHAServer) sendError(wrapper *connWrapper, id int, code, message string) {
	success := false
	wrapper.writeJSON(Message{
		ID:      id,
		Type:    "result",
		Success: &success,
		Error:   &MessageError{Code: code, Message: message},
	})
}

// handleGetStates handles get_states requests
func (s *MockHAServer) handleGetStates(wrapper *connWrapper, id int) {
	s.statesMu.RLock()
	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	s.statesMu.RUnlock()

	s.sendResult(wrapper, id, states)
}

// handleGetNotifications answers persistent_notification/get with the live list
func (s *MockHAServer) handleGetNotifications(wrapper *connWrapper, id int) {
	s.notifMu.RLock()
	list := make([]*PersistentNotification, 0, len(s.notifications))
	for _, n := range s.notifications {
		list = append(list, n)
	}
	s.notifMu.RUnlock()

	s.sendResult(wrapper, id, list)
}

// handleSubscribeNotifications acknowledges the stream and sends the "current"
// snapshot on the same message id, as Home Assistant does
func (s *MockHAServer) handleSubscribeNotifications(wrapper *connWrapper, id int) {
	s.connsMu.Lock()
	wrapper.notifStreamID = id
	s.connsMu.Unlock()

	s.sendResult(wrapper, id, nil)

	s.notifMu.RLock()
	current := make(map[string]*PersistentNotification, len(s.notifications))
	for nid, n := range s.notifications {
		current[nid] = n
	}
	s.notifMu.RUnlock()

	wrapper.writeJSON(Message{
		ID:    id,
		Type:  "event",
		Event: NotificationsUpdate{Type: "current", Notifications: current},
	})
}

// handleCallService handles service calls
func (s *MockHAServer) handleCallService(wrapper *connWrapper, msg json.RawMessage) {
	var req CallServiceRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	// Track the service call for test verification
	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	failure, failed := s.failures[req.Domain+"."+req.Service]
	s.callsMu.Unlock()

	if failed {
		s.sendError(wrapper, req.ID, "home_assistant_error", failure)
		return
	}

	// Acknowledge before broadcasting so the caller is released first
	s.sendResult(wrapper, req.ID, nil)

	switch req.Domain {
	case "input_boolean":
		newState := "off"
		if req.Service == "turn_on" {
			newState = "on"
		}
		for _, entityID := range entityIDsOf(req.ServiceData) {
			s.updateState(entityID, newState, nil)
		}

	case "input_number":
		if value, ok := req.ServiceData["value"].(float64); ok {
			for _, entityID := range entityIDsOf(req.ServiceData) {
				s.updateState(entityID, fmt.Sprintf("%.2f", value), nil)
			}
		}

	case "input_text":
		if value, ok := req.ServiceData["value"].(string); ok {
			for _, entityID := range entityIDsOf(req.ServiceData) {
				s.updateState(entityID, value, nil)
			}
		}

	case "light":
		for _, entityID := range entityIDsOf(req.ServiceData) {
			s.applyLightCall(entityID, req.Service, req.ServiceData)
		}

	case "persistent_notification":
		id, _ := req.ServiceData["notification_id"].(string)
		if id == "" {
			break
		}
		switch req.Service {
		case "create":
			title, _ := req.ServiceData["title"].(string)
			message, _ := req.ServiceData["message"].(string)
			s.AddPersistentNotification(id, title, message)
		case "dismiss":
			s.DismissPersistentNotification(id)
		}

	default:
		// Unknown service domain, acknowledged only
	}
}

// updateState changes an entity's state, creating it when unknown
func (s *MockHAServer) updateState(entityID, newState string, mutate func(attrs map[string]interface{})) {
	s.statesMu.RLock()
	oldState := s.states[entityID]
	s.statesMu.RUnlock()

	attrs := map[string]interface{}{}
	if oldState != nil {
		for k, v := range oldState.Attributes {
			attrs[k] = v
		}
	}
	if mutate != nil {
		mutate(attrs)
	}
	s.SetState(entityID, newState, attrs)
}

// applyLightCall mimics how a light reacts to turn_on/turn_off. rgb_color and
// color_temp are exclusive modes on real fixtures.
func (s *MockHAServer) applyLightCall(entityID, service string, data map[string]interface{}) {
	s.statesMu.RLock()
	_, known := s.states[entityID]
	s.statesMu.RUnlock()
	if !known {
		return
	}

	switch service {
	case "turn_off":
		s.updateState(entityID, "off", func(attrs map[string]interface{}) {
			for _, attr := range []string{"brightness", "rgb_color", "color_temp", "effect"} {
				delete(attrs, attr)
			}
		})
	case "turn_on":
		s.updateState(entityID, "on", func(attrs map[string]interface{}) {
			if v, ok := data["brightness"]; ok {
				attrs["brightness"] = v
			}
			if v, ok := data["rgb_color"]; ok {
				attrs["rgb_color"] = v
				delete(attrs, "color_temp")
			}
			if v, ok := data["color_temp"]; ok {
				attrs["color_temp"] = v
				delete(attrs, "rgb_color")
			}
			if v, ok := data["effect"]; ok {
				attrs["effect"] = v
			}
		})
	}
}

// broadcastNotifications sends an update to every persistent notification stream
func (s *MockHAServer) broadcastNotifications(updateType string, n *PersistentNotification) {
	update := NotificationsUpdate{
		Type:          updateType,
		Notifications: map[string]*PersistentNotification{n.NotificationID: n},
	}

	s.connsMu.Lock()
	type target struct {
		wrapper  *connWrapper
		streamID int
	}
	targets := make([]target, 0, len(s.connections))
	for _, wrapper := range s.connections {
		if wrapper.notifStreamID != 0 {
			targets = append(targets, target{wrapper, wrapper.notifStreamID})
		}
	}
	s.connsMu.Unlock()

	for _, t := range targets {
		t.wrapper.writeJSON(Message{ID: t.streamID, Type: "event", Event: update})
	}
}

func (s *MockHAServer) snapshotConnections() []*connWrapper {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	return wrappers
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

// FindServiceCall finds the most recent service call matching criteria.
// An empty entityID matches on domain and service only.
func (s *MockHAServer) FindServiceCall(domain, service string, entityID string) *ServiceCall {
	calls := s.GetServiceCalls()
	if entityID == "" {
		filtered := FilterServiceCalls(calls, domain, service)
		if len(filtered) == 0 {
			return nil
		}
		return &filtered[len(filtered)-1]
	}
	return FindServiceCallWithEntityID(calls, domain, service, entityID)
}

// CountServiceCalls counts service calls matching criteria
func (s *MockHAServer) CountServiceCalls(domain, service string) int {
	return len(FilterServiceCalls(s.GetServiceCalls(), domain, service))
}
