package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// requestTimeout bounds how long a request waits for its result message
const requestTimeout = 10 * time.Second

// HAClient defines the interface for Home Assistant WebSocket client
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetState(entityID string) (*State, error)
	GetAllStates() ([]*State, error)
	CallService(domain, service string, data map[string]interface{}) error
	SetInputBoolean(name string, value bool) error
	SetInputNumber(name string, value float64) error
	SetInputText(name string, value string) error

	CreatePersistentNotification(notificationID, title, message string) error
	DismissPersistentNotification(notificationID string) error
	GetPersistentNotificationIDs() ([]string, error)
	SubscribePersistentNotifications(handler NotificationsHandler) (Subscription, error)
}

// notificationsEntry holds a persistent notification handler with its subscription ID
type notificationsEntry struct {
	subID   int
	handler NotificationsHandler
}

// Client implements HAClient interface
type Client struct {
	url         string
	token       string
	logger      *zap.Logger
	conn        *websocket.Conn
	connected   bool
	connMu      sync.RWMutex
	msgID       int
	msgIDMu     sync.Mutex
	pending     map[int]chan Message
	pendingMu   sync.Mutex
	notifSubs   []notificationsEntry
	subsMu      sync.RWMutex
	nextSubID   int
	nextSubIDMu sync.Mutex
	// notifStreamID is the message id of the active persistent_notification/subscribe request
	notifStreamID int
	ctx           context.Context
	cancel        context.CancelFunc
	reconnect     bool
	writeMu       sync.Mutex // Protects websocket writes
}

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:         url,
		token:       token,
		logger:      logger.Named("ha"),
		pending:   make(map[int]chan Message),
		ctx:       ctx,
		cancel:    cancel,
		reconnect: true,
	}
}

func (c *Client) clearSubscribers() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.notifSubs = nil
	c.notifStreamID = 0
}

func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// Connect establishes WebSocket connection and authenticates
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}

	c.conn = conn
	c.resetContextLocked()
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to Home Assistant")

	go c.receiveMessages()

	// Release lock before subscribing to avoid deadlock with sendMessage
	c.connMu.Unlock()

	if err := c.subscribeToNotifications(); err != nil {
		c.logger.Warn("Failed to subscribe to persistent notifications", zap.Error(err))
	}

	return nil
}

// authenticate runs the auth_required / auth / auth_ok handshake
func (c *Client) authenticate(conn *websocket.Conn) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}

	if authRequired.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	switch authResponse.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.clearSubscribers()
	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// nextMsgID returns the next message ID
func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage sends a message and waits for response
func (c *Client) sendMessage(msg interface{}) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, fmt.Errorf("not connected")
	}
	conn := c.conn
	ctx := c.ctx
	c.connMu.RUnlock()

	var msgID int
	switch m := msg.(type) {
	case *CallServiceRequest:
		msgID = m.ID
	case *CommandRequest:
		msgID = m.ID
	default:
		return nil, fmt.Errorf("unsupported message type")
	}

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("timeout waiting for response")
	case <-ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// receiveMessages handles incoming messages in the background
func (c *Client) receiveMessages() {
	c.connMu.RLock()
	conn := c.conn
	ctx := c.ctx
	c.connMu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect()
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		// Route response to waiting goroutine
		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

// handleEvent routes an event message to the persistent notification stream
func (c *Client) handleEvent(msg *Message) {
	if len(msg.Event) == 0 {
		return
	}

	c.subsMu.RLock()
	notifStreamID := c.notifStreamID
	c.subsMu.RUnlock()

	if notifStreamID != 0 && msg.ID == notifStreamID {
		c.handleNotificationsEvent(msg.Event)
		return
	}

	c.logger.Debug("Ignoring event for unknown subscription", zap.Int("msg_id", msg.ID))
}

// handleNotificationsEvent decodes a persistent notification update and fans it out
func (c *Client) handleNotificationsEvent(raw json.RawMessage) {
	var update NotificationsUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		c.logger.Error("Failed to unmarshal persistent notification update", zap.Error(err))
		return
	}

	c.logger.Debug("Persistent notifications updated",
		zap.String("type", update.Type),
		zap.Int("count", len(update.Notifications)))

	c.subsMu.RLock()
	entries := append([]notificationsEntry(nil), c.notifSubs...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(update)
	}
}

// handleDisconnect handles connection loss
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	reconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")

	if !reconnect {
		return
	}

	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		c.connMu.RLock()
		ctx := c.ctx
		c.connMu.RUnlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect...")

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

// subscribeToNotifications opens the persistent notification stream.
// The stream id is recorded before sending because Home Assistant emits the
// "current" event immediately after the result.
func (c *Client) subscribeToNotifications() error {
	req := &CommandRequest{
		ID:   c.nextMsgID(),
		Type: "persistent_notification/subscribe",
	}

	c.subsMu.Lock()
	c.notifStreamID = req.ID
	c.subsMu.Unlock()

	if _, err := c.sendMessage(req); err != nil {
		c.subsMu.Lock()
		c.notifStreamID = 0
		c.subsMu.Unlock()
		return err
	}
	return nil
}

// GetState retrieves the state of an entity
func (c *Client) GetState(entityID string) (*State, error) {
	states, err := c.GetAllStates()
	if err != nil {
		return nil, err
	}

	for _, state := range states {
		if state.EntityID == entityID {
			return state, nil
		}
	}

	return nil, fmt.Errorf("entity %s not found", entityID)
}

// GetAllStates retrieves all entity states
func (c *Client) GetAllStates() ([]*State, error) {
	req := &CommandRequest{
		ID:   c.nextMsgID(),
		Type: "get_states",
	}

	resp, err := c.sendMessage(req)
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}

	return states, nil
}

// CallService calls a Home Assistant service
func (c *Client) CallService(domain, service string, data map[string]interface{}) error {
	req := &CallServiceRequest{
		ID:          c.nextMsgID(),
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	}

	_, err := c.sendMessage(req)
	return err
}

// SubscribePersistentNotifications registers a handler for persistent notification updates
func (c *Client) SubscribePersistentNotifications(handler NotificationsHandler) (Subscription, error) {
	subID := c.allocSubID()

	c.subsMu.Lock()
	c.notifSubs = append(c.notifSubs, notificationsEntry{subID: subID, handler: handler})
	c.subsMu.Unlock()

	return &subscription{
		unsubscribe: func() error { return c.unsubscribeNotifications(subID) },
	}, nil
}

func (c *Client) allocSubID() int {
	c.nextSubIDMu.Lock()
	defer c.nextSubIDMu.Unlock()
	subID := c.nextSubID
	c.nextSubID++
	return subID
}

// unsubscribeNotifications removes a persistent notification handler
func (c *Client) unsubscribeNotifications(subID int) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for i, entry := range c.notifSubs {
		if entry.subID == subID {
			c.notifSubs = append(c.notifSubs[:i], c.notifSubs[i+1:]...)
			break
		}
	}

	return nil
}

// SetInputBoolean sets the value of an input_boolean
func (c *Client) SetInputBoolean(name string, value bool) error {
	service := "turn_off"
	if value {
		service = "turn_on"
	}

	return c.CallService("input_boolean", service, map[string]interface{}{
		"entity_id": fmt.Sprintf("input_boolean.%s", name),
	})
}

// SetInputNumber sets the value of an input_number
func (c *Client) SetInputNumber(name string, value float64) error {
	return c.CallService("input_number", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_number.%s", name),
		"value":     value,
	})
}

// SetInputText sets the value of an input_text
func (c *Client) SetInputText(name string, value string) error {
	return c.CallService("input_text", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_text.%s", name),
		"value":     value,
	})
}

// CreatePersistentNotification creates (or replaces) a persistent notification
func (c *Client) CreatePersistentNotification(notificationID, title, message string) error {
	data := map[string]interface{}{
		"notification_id": notificationID,
		"message":         message,
	}
	if title != "" {
		data["title"] = title
	}

	return c.CallService("persistent_notification", "create", data)
}

// DismissPersistentNotification dismisses a persistent notification
func (c *Client) DismissPersistentNotification(notificationID string) error {
	return c.CallService("persistent_notification", "dismiss", map[string]interface{}{
		"notification_id": notificationID,
	})
}

// GetPersistentNotificationIDs returns the ids of all live persistent notifications
func (c *Client) GetPersistentNotificationIDs() ([]string, error) {
	req := &CommandRequest{
		ID:   c.nextMsgID(),
		Type: "persistent_notification/get",
	}

	resp, err := c.sendMessage(req)
	if err != nil {
		return nil, err
	}

	var notifications []*PersistentNotification
	if err := json.Unmarshal(resp.Result, &notifications); err != nil {
		return nil, fmt.Errorf("failed to unmarshal persistent notifications: %w", err)
	}

	ids := make([]string, 0, len(notifications))
	for _, n := range notifications {
		ids = append(ids, n.NotificationID)
	}
	return ids, nil
}
