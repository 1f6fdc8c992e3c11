package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lmnop/internal/clock"
	"lmnop/internal/ha"

	"go.uber.org/zap"
)

// IDPrefix is the namespace shared by every notification id this service creates
const IDPrefix = "lmnop"

// ErrEmptyMessage is returned when a notification has no message
var ErrEmptyMessage = errors.New("message must not be empty")

// NamespacePrefix returns the id prefix owned by one instance
func NamespacePrefix(instanceID string) string {
	return fmt.Sprintf("%s_%s_", IDPrefix, instanceID)
}

// AlertTracker receives alert-priority notifications
type AlertTracker interface {
	Add(ctx context.Context, alertID string, priority Priority) (bool, error)
}

// Request is an outgoing message as received from a caller
type Request struct {
	Message string
	Title   string
	// Priority overrides any "[tag]" on the title when set
	Priority string
}

// Notification is a message that was handed to the transport
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	// LightsTriggered is true when this notification switched the lights to alert mode
	LightsTriggered bool `json:"lights_triggered"`
}

// Dispatcher sends notifications through the transport, records them as
// persistent notifications and hands alert priorities to the tracker
type Dispatcher struct {
	name       string
	instanceID string
	transport  Transport
	haClient   ha.HAClient
	tracker    AlertTracker
	clock      clock.Clock
	logger     *zap.Logger

	idMu       sync.Mutex
	lastMicros int64
}

// NewDispatcher creates a dispatcher. tracker may be nil when no alert tracking is wanted.
func NewDispatcher(name, instanceID string, transport Transport, haClient ha.HAClient, tracker AlertTracker, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		name:       name,
		instanceID: instanceID,
		transport:  transport,
		haClient:   haClient,
		tracker:    tracker,
		clock:      clk,
		logger:     logger.Named("notify"),
	}
}

// Send delivers a notification. Nothing is recorded when the transport fails.
// A tracker failure is returned together with the delivered notification.
func (d *Dispatcher) Send(ctx context.Context, req Request) (*Notification, error) {
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}

	priority, title := d.resolvePriority(req)
	n := &Notification{
		ID:        d.nextID(),
		Title:     title,
		Message:   req.Message,
		Priority:  priority,
		CreatedAt: d.clock.Now(),
	}

	d.logger.Info("Sending notification",
		zap.String("notification_id", n.ID),
		zap.String("priority", priority.String()),
		zap.String("title", title),
		zap.String("message", truncate(req.Message, 50)))

	err := d.transport.Send(ctx, &Payload{
		NotificationID: n.ID,
		Title:          title,
		Message:        n.Message,
		Priority:       priority,
		Timestamp:      n.CreatedAt,
	})
	if err != nil {
		d.logger.Error("Failed to send notification",
			zap.String("notification_id", n.ID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to send notification: %w", &TransportError{NotificationID: n.ID, Err: err})
	}

	pnTitle := title
	if pnTitle == "" {
		pnTitle = fmt.Sprintf("%s Notification", d.name)
	}
	if err := d.haClient.CreatePersistentNotification(n.ID, pnTitle, n.Message); err != nil {
		d.logger.Error("Failed to create persistent notification",
			zap.String("notification_id", n.ID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create persistent notification: %w", err)
	}

	if priority.IsAlert() && d.tracker != nil {
		triggered, err := d.tracker.Add(ctx, n.ID, priority)
		if err != nil {
			d.logger.Error("Failed to track alert",
				zap.String("notification_id", n.ID),
				zap.Error(err))
			return n, fmt.Errorf("failed to track alert: %w", err)
		}
		n.LightsTriggered = triggered
		d.logger.Info("Added light alert",
			zap.String("notification_id", n.ID),
			zap.String("priority", priority.String()))
	}

	d.logger.Debug("Notification sent successfully", zap.String("notification_id", n.ID))
	return n, nil
}

// resolvePriority picks the priority from the request field, then the title
// tag, then medium. The tag is always stripped from the returned title.
func (d *Dispatcher) resolvePriority(req Request) (Priority, string) {
	tag, title, tagged := SplitTitleTag(req.Title)

	if req.Priority != "" {
		if p, ok := ParsePriority(req.Priority); ok {
			return p, title
		}
		d.logger.Warn("Invalid priority, using medium", zap.String("priority", req.Priority))
		return PriorityMedium, title
	}

	if tagged {
		if p, ok := ParsePriority(tag); ok {
			return p, title
		}
		d.logger.Warn("Unknown priority tag in title, using medium", zap.String("tag", tag))
	}

	return PriorityMedium, title
}

// nextID returns lmnop_<instance>_<seconds>.<micros>, strictly increasing even
// when the clock does not advance between sends
func (d *Dispatcher) nextID() string {
	d.idMu.Lock()
	defer d.idMu.Unlock()

	micros := d.clock.Now().UnixMicro()
	if micros <= d.lastMicros {
		micros = d.lastMicros + 1
	}
	d.lastMicros = micros

	return fmt.Sprintf("%s%d.%06d", NamespacePrefix(d.instanceID), micros/1_000_000, micros%1_000_000)
}
