package ha

import (
	"encoding/json"
	"time"
)

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	// Event is decoded lazily because its shape depends on the subscription
	Event json.RawMessage `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
	Context     *Context               `json:"context,omitempty"`
}

// Context represents the context of a state change
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
	Target      *ServiceTarget         `json:"target,omitempty"`
}

// ServiceTarget represents service call target
type ServiceTarget struct {
	EntityID []string `json:"entity_id,omitempty"`
}

// CommandRequest is a bare command carrying only an id and a type
// (get_states, persistent_notification/get, persistent_notification/subscribe)
type CommandRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// PersistentNotification is a dismissible notice shown in the Home Assistant UI
type PersistentNotification struct {
	NotificationID string    `json:"notification_id"`
	Title          string    `json:"title,omitempty"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

// Persistent notification update types sent on a persistent_notification/subscribe subscription
const (
	NotificationsCurrent = "current"
	NotificationsAdded   = "added"
	NotificationsUpdated = "updated"
	NotificationsRemoved = "removed"
)

// NotificationsUpdate is the event payload of a persistent notification subscription
type NotificationsUpdate struct {
	Type          string                             `json:"type"`
	Notifications map[string]*PersistentNotification `json:"notifications"`
}

// IDs returns the notification ids carried by the update
func (u NotificationsUpdate) IDs() []string {
	ids := make([]string, 0, len(u.Notifications))
	for id := range u.Notifications {
		ids = append(ids, id)
	}
	return ids
}

// NotificationsHandler is called when the persistent notification list changes.
// Handlers run on the client's receive goroutine and must not block on
// further Home Assistant requests.
type NotificationsHandler func(update NotificationsUpdate)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe() error
}

// subscription implements Subscription interface
type subscription struct {
	unsubscribe func() error
}

func (s *subscription) Unsubscribe() error {
	return s.unsubscribe()
}
