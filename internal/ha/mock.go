package ha

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states        map[string]*State
	statesMu      sync.RWMutex
	notifications map[string]*PersistentNotification
	notifMu       sync.RWMutex
	notifSubs     []notificationsEntry
	subsMu        sync.RWMutex
	nextSubID     int
	nextSubIDMu   sync.Mutex
	connected     bool
	connMu        sync.RWMutex
	serviceCalls  []ServiceCall
	failures      []serviceFailure
	callsMu       sync.Mutex
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// EntityIDs returns the entity ids targeted by the call, whether passed as a
// single string or a list
func (c ServiceCall) EntityIDs() []string {
	return entityIDsFromData(c.Data)
}

// serviceFailure makes matching service calls fail; an empty entityID matches any target
type serviceFailure struct {
	domain   string
	service  string
	entityID string
	err      error
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:        make(map[string]*State),
		notifications: make(map[string]*PersistentNotification),
		serviceCalls:  make([]ServiceCall, 0),
		connected:     false,
	}
}

func (m *MockClient) clearSubscribers() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	m.notifSubs = nil
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	m.clearSubscribers()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}

	return copyState(state), nil
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, copyState(state))
	}

	return states, nil
}

// CallService records a service call and applies its effect to the mock state
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	err := m.matchFailure(domain, service, data)
	m.callsMu.Unlock()

	if err != nil {
		return err
	}

	switch domain {
	case "persistent_notification":
		m.applyNotificationCall(service, data)
	default:
		for _, entityID := range entityIDsFromData(data) {
			m.updateStateFromServiceCall(entityID, domain, service, data)
		}
	}

	return nil
}

// matchFailure returns the injected error for a call, if any. Caller holds callsMu.
func (m *MockClient) matchFailure(domain, service string, data map[string]interface{}) error {
	targets := entityIDsFromData(data)
	for _, f := range m.failures {
		if f.domain != domain || f.service != service {
			continue
		}
		if f.entityID == "" {
			return f.err
		}
		for _, id := range targets {
			if id == f.entityID {
				return f.err
			}
		}
	}
	return nil
}

// SetServiceError makes every call to domain.service fail with err
func (m *MockClient) SetServiceError(domain, service string, err error) {
	m.SetEntityServiceError(domain, service, "", err)
}

// SetEntityServiceError makes calls to domain.service targeting entityID fail with err
func (m *MockClient) SetEntityServiceError(domain, service, entityID string, err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.failures = append(m.failures, serviceFailure{
		domain:   domain,
		service:  service,
		entityID: entityID,
		err:      err,
	})
}

// ClearServiceErrors removes all injected failures
func (m *MockClient) ClearServiceErrors() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.failures = nil
}

// SubscribePersistentNotifications registers a persistent notification handler
func (m *MockClient) SubscribePersistentNotifications(handler NotificationsHandler) (Subscription, error) {
	subID := m.allocSubID()

	m.subsMu.Lock()
	m.notifSubs = append(m.notifSubs, notificationsEntry{subID: subID, handler: handler})
	m.subsMu.Unlock()

	return &subscription{
		unsubscribe: func() error {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			for i, entry := range m.notifSubs {
				if entry.subID == subID {
					m.notifSubs = append(m.notifSubs[:i], m.notifSubs[i+1:]...)
					break
				}
			}
			return nil
		},
	}, nil
}

func (m *MockClient) allocSubID() int {
	m.nextSubIDMu.Lock()
	defer m.nextSubIDMu.Unlock()
	subID := m.nextSubID
	m.nextSubID++
	return subID
}

// SetInputBoolean sets a mock input_boolean
func (m *MockClient) SetInputBoolean(name string, value bool) error {
	service := "turn_off"
	if value {
		service = "turn_on"
	}

	return m.CallService("input_boolean", service, map[string]interface{}{
		"entity_id": fmt.Sprintf("input_boolean.%s", name),
	})
}

// SetInputNumber sets a mock input_number
func (m *MockClient) SetInputNumber(name string, value float64) error {
	return m.CallService("input_number", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_number.%s", name),
		"value":     value,
	})
}

// SetInputText sets a mock input_text
func (m *MockClient) SetInputText(name string, value string) error {
	return m.CallService("input_text", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_text.%s", name),
		"value":     value,
	})
}

// CreatePersistentNotification records a persistent_notification.create call
func (m *MockClient) CreatePersistentNotification(notificationID, title, message string) error {
	data := map[string]interface{}{
		"notification_id": notificationID,
		"message":         message,
	}
	if title != "" {
		data["title"] = title
	}
	return m.CallService("persistent_notification", "create", data)
}

// DismissPersistentNotification records a persistent_notification.dismiss call
func (m *MockClient) DismissPersistentNotification(notificationID string) error {
	return m.CallService("persistent_notification", "dismiss", map[string]interface{}{
		"notification_id": notificationID,
	})
}

// GetPersistentNotificationIDs returns the live mock notification ids, sorted
func (m *MockClient) GetPersistentNotificationIDs() ([]string, error) {
	m.notifMu.RLock()
	defer m.notifMu.RUnlock()

	ids := make([]string, 0, len(m.notifications))
	for id := range m.notifications {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AddPersistentNotification seeds a live notification without recording a service call
func (m *MockClient) AddPersistentNotification(notificationID, title, message string) {
	n := &PersistentNotification{
		NotificationID: notificationID,
		Title:          title,
		Message:        message,
		CreatedAt:      time.Now(),
	}

	m.notifMu.Lock()
	m.notifications[notificationID] = n
	m.notifMu.Unlock()
}

// SimulateNotificationDismissed removes a notification as if the user dismissed
// it in the UI and notifies subscribers
func (m *MockClient) SimulateNotificationDismissed(notificationID string) {
	m.notifMu.Lock()
	n, ok := m.notifications[notificationID]
	delete(m.notifications, notificationID)
	m.notifMu.Unlock()

	if !ok {
		n = &PersistentNotification{NotificationID: notificationID}
	}

	m.notifyNotificationSubscribers(NotificationsUpdate{
		Type:          NotificationsRemoved,
		Notifications: map[string]*PersistentNotification{notificationID: n},
	})
}

// HasPersistentNotification reports whether a notification is live
func (m *MockClient) HasPersistentNotification(notificationID string) bool {
	m.notifMu.RLock()
	defer m.notifMu.RUnlock()
	_, ok := m.notifications[notificationID]
	return ok
}

// applyNotificationCall mirrors persistent_notification services onto the mock list
func (m *MockClient) applyNotificationCall(service string, data map[string]interface{}) {
	id, _ := data["notification_id"].(string)
	if id == "" {
		return
	}

	switch service {
	case "create":
		title, _ := data["title"].(string)
		message, _ := data["message"].(string)
		m.AddPersistentNotification(id, title, message)

		m.notifMu.RLock()
		n := m.notifications[id]
		m.notifMu.RUnlock()

		m.notifyNotificationSubscribers(NotificationsUpdate{
			Type:          NotificationsAdded,
			Notifications: map[string]*PersistentNotification{id: n},
		})
	case "dismiss":
		m.SimulateNotificationDismissed(id)
	}
}

// SetState sets a mock state (for testing)
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()

	now := time.Now()
	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	m.states[entityID] = newState
	m.statesMu.Unlock()
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// GetServiceCallsFor returns the recorded calls to domain.service
func (m *MockClient) GetServiceCallsFor(domain, service string) []ServiceCall {
	var calls []ServiceCall
	for _, call := range m.GetServiceCalls() {
		if call.Domain == domain && call.Service == service {
			calls = append(calls, call)
		}
	}
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}

// updateStateFromServiceCall updates state based on a service call
func (m *MockClient) updateStateFromServiceCall(entityID, domain, service string, data map[string]interface{}) {
	m.statesMu.Lock()

	oldState := m.states[entityID]
	now := time.Now()

	var newStateValue string
	attributes := make(map[string]interface{})

	if oldState != nil {
		newStateValue = oldState.State
		for k, v := range oldState.Attributes {
			attributes[k] = v
		}
	}

	switch domain {
	case "input_boolean":
		if service == "turn_on" {
			newStateValue = "on"
		} else if service == "turn_off" {
			newStateValue = "off"
		}
	case "input_number":
		if value, ok := data["value"].(float64); ok {
			newStateValue = fmt.Sprintf("%.2f", value)
		}
	case "input_text":
		if value, ok := data["value"].(string); ok {
			newStateValue = value
		}
	case "light":
		applyLightCall(service, data, &newStateValue, attributes)
	}

	newState := &State{
		EntityID:    entityID,
		State:       newStateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	m.states[entityID] = newState
	m.statesMu.Unlock()
}

// applyLightCall mimics how a light entity reacts to turn_on/turn_off.
// rgb_color and color_temp are mutually exclusive like on real fixtures.
func applyLightCall(service string, data map[string]interface{}, stateValue *string, attributes map[string]interface{}) {
	switch service {
	case "turn_off":
		*stateValue = "off"
		for _, attr := range []string{"brightness", "rgb_color", "color_temp", "effect"} {
			delete(attributes, attr)
		}
	case "turn_on":
		*stateValue = "on"
		if v, ok := data["brightness"]; ok {
			attributes["brightness"] = v
		}
		if v, ok := data["rgb_color"]; ok {
			attributes["rgb_color"] = v
			delete(attributes, "color_temp")
		}
		if v, ok := data["color_temp"]; ok {
			attributes["color_temp"] = v
			delete(attributes, "rgb_color")
		}
		if v, ok := data["effect"]; ok {
			attributes["effect"] = v
		}
	}
}

// notifyNotificationSubscribers fans a persistent notification update out to subscribers
func (m *MockClient) notifyNotificationSubscribers(update NotificationsUpdate) {
	m.subsMu.RLock()
	entries := append([]notificationsEntry(nil), m.notifSubs...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(update)
	}
}

// entityIDsFromData extracts entity_id from service data as a string or list
func entityIDsFromData(data map[string]interface{}) []string {
	switch v := data["entity_id"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []interface{}:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	default:
		return nil
	}
}

// copyState returns a copy whose attribute map can be read without racing later updates
func copyState(s *State) *State {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Attributes != nil {
		cp.Attributes = make(map[string]interface{}, len(s.Attributes))
		for k, v := range s.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}
