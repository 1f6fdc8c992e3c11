package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"lmnop/internal/notify"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Store persists the active alert ids
type Store interface {
	Load(ctx context.Context) ([]string, error)
	Save(ctx context.Context, ids []string) error
}

// LightController is the light side of the alert workflow
type LightController interface {
	SaveAndOverride(ctx context.Context, groupRef string) bool
	ApplyAlertColor(ctx context.Context, groupRef string) bool
	Restore(ctx context.Context) (bool, error)
	IsAlertActive() bool
}

// LiveNotifications is the acknowledgment record side of Home Assistant
type LiveNotifications interface {
	GetPersistentNotificationIDs() ([]string, error)
	DismissPersistentNotification(notificationID string) error
}

var (
	// ErrNotTracked is returned when acknowledging an id that is not active
	ErrNotTracked = errors.New("alert is not active")
	// ErrDismissFailed is returned when the acknowledgment record could not be
	// dismissed; the alert stays tracked
	ErrDismissFailed = errors.New("failed to dismiss persistent notification")
)

// Config holds per-instance tracker settings
type Config struct {
	// LightGroup is the light or light group driven on alerts; empty disables lights
	LightGroup string
	// Namespace is the id prefix of notifications owned by this instance
	Namespace string
	// QueueSize bounds the removal queue fed by notification events
	QueueSize int
}

const defaultQueueSize = 64

// Tracker keeps the set of active alert ids and switches the lights on the
// empty/non-empty edges of that set. All operations are serialized.
type Tracker struct {
	config        Config
	store         Store
	lights        LightController
	notifications LiveNotifications
	logger        *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
	// recovered is set when the alert color was re-applied at startup without a snapshot
	recovered bool

	listenersMu sync.RWMutex
	listeners   []func()

	queue   chan queuedJob
	runMu   sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewTracker creates an alert tracker
func NewTracker(config Config, store Store, lights LightController, notifications LiveNotifications, logger *zap.Logger) *Tracker {
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}

	return &Tracker{
		config:        config,
		store:         store,
		lights:        lights,
		notifications: notifications,
		logger:        logger.Named("alerts"),
		active:        make(map[string]struct{}),
		queue:         make(chan queuedJob, config.QueueSize),
	}
}

// Add starts tracking an alert. Only critical and high priorities are accepted.
// On the first alert the lights are switched to alert mode and the result of
// that switch is returned.
func (t *Tracker) Add(ctx context.Context, alertID string, priority notify.Priority) (bool, error) {
	if !priority.IsAlert() {
		t.logger.Debug("Ignoring non-alert priority",
			zap.String("alert_id", alertID),
			zap.String("priority", priority.String()))
		return false, nil
	}
	if alertID == "" {
		return false, nil
	}

	t.mu.Lock()
	if _, ok := t.active[alertID]; ok {
		t.mu.Unlock()
		return true, nil
	}

	wasEmpty := len(t.active) == 0
	t.active[alertID] = struct{}{}
	err := t.persistLocked(ctx)

	result := true
	if wasEmpty {
		result = t.overrideLocked(ctx)
	}
	count := len(t.active)
	t.mu.Unlock()

	t.logger.Info("Added alert",
		zap.String("alert_id", alertID),
		zap.String("priority", priority.String()),
		zap.Int("active_count", count),
		zap.Bool("first_alert", wasEmpty))

	t.notifyChange()
	return result, err
}

// Remove stops tracking an alert. When the last alert is removed the lights
// are restored and the result of the restore is returned.
func (t *Tracker) Remove(ctx context.Context, alertID string) (bool, error) {
	t.mu.Lock()
	if _, ok := t.active[alertID]; !ok {
		t.mu.Unlock()
		return false, nil
	}
	result, count, err := t.removeLocked(ctx, alertID)
	t.mu.Unlock()

	t.logger.Info("Removed alert",
		zap.String("alert_id", alertID),
		zap.Int("active_count", count))

	t.notifyChange()
	return result, err
}

// Acknowledge dismisses the alert's persistent notification and then removes
// the alert. When the dismissal fails the alert stays tracked, so the set never
// holds an id whose notification is gone or drops one whose notification is live.
func (t *Tracker) Acknowledge(ctx context.Context, alertID string) (bool, error) {
	t.mu.Lock()
	if _, ok := t.active[alertID]; !ok {
		t.mu.Unlock()
		return false, ErrNotTracked
	}

	// The removed event this triggers is queued and finds the id already gone
	if err := t.notifications.DismissPersistentNotification(alertID); err != nil {
		t.mu.Unlock()
		return false, fmt.Errorf("%w: %w", ErrDismissFailed, err)
	}

	result, count, err := t.removeLocked(ctx, alertID)
	t.mu.Unlock()

	t.logger.Info("Acknowledged alert",
		zap.String("alert_id", alertID),
		zap.Int("active_count", count))

	t.notifyChange()
	return result, err
}

// SyncWithLive removes every tracked alert whose persistent notification no
// longer exists and returns the removed ids. It covers dismissals missed
// while the Home Assistant connection was down.
func (t *Tracker) SyncWithLive(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	if len(t.active) == 0 {
		t.mu.Unlock()
		return nil, nil
	}

	// Fetched under the lock so an alert added after the fetch is never judged stale
	live, err := t.notifications.GetPersistentNotificationIDs()
	if err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("failed to get live persistent notifications: %w", err)
	}

	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}

	var stale []string
	for _, id := range t.sortedLocked() {
		if _, ok := liveSet[id]; !ok {
			stale = append(stale, id)
		}
	}

	var errs error
	count := len(t.active)
	for _, id := range stale {
		var removeErr error
		_, count, removeErr = t.removeLocked(ctx, id)
		errs = multierr.Append(errs, removeErr)
	}
	t.mu.Unlock()

	if len(stale) == 0 {
		return nil, nil
	}

	t.logger.Info("Removed alerts dismissed while disconnected",
		zap.Strings("alert_ids", stale),
		zap.Int("active_count", count))

	t.notifyChange()
	return stale, errs
}

// removeLocked drops a tracked id, persists, and restores the lights when the
// set becomes empty. It returns the restore result and the remaining count.
func (t *Tracker) removeLocked(ctx context.Context, alertID string) (bool, int, error) {
	delete(t.active, alertID)
	err := t.persistLocked(ctx)

	result := true
	if len(t.active) == 0 {
		restored, restoreErr := t.restoreLocked(ctx)
		result = restored
		err = multierr.Append(err, restoreErr)
	}
	return result, len(t.active), err
}

// ReconcileOnStartup adopts the persisted alerts that still have a live
// persistent notification. Lights are re-colored without a snapshot because
// their current state may already be the alert color.
func (t *Tracker) ReconcileOnStartup(ctx context.Context) error {
	loaded, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active alerts: %w", err)
	}

	live, err := t.notifications.GetPersistentNotificationIDs()
	if err != nil {
		return fmt.Errorf("failed to get live persistent notifications: %w", err)
	}

	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}

	t.mu.Lock()
	t.active = make(map[string]struct{})
	for _, id := range loaded {
		if _, ok := liveSet[id]; ok {
			t.active[id] = struct{}{}
		}
	}
	reconciled := t.sortedLocked()

	if len(reconciled) > 0 && t.config.LightGroup != "" && !t.lights.IsAlertActive() {
		if t.lights.ApplyAlertColor(ctx, t.config.LightGroup) {
			t.recovered = true
		}
	}

	if !sameIDs(loaded, reconciled) {
		err = t.persistLocked(ctx)
	}
	t.mu.Unlock()

	t.logger.Info("Reconciled active alerts",
		zap.Int("persisted", len(loaded)),
		zap.Int("live", len(live)),
		zap.Strings("active", reconciled))

	t.notifyChange()
	return err
}

// RetryRestore re-runs a restore that previously failed part way
func (t *Tracker) RetryRestore(ctx context.Context) (bool, error) {
	t.mu.Lock()
	if len(t.active) > 0 || !t.lights.IsAlertActive() {
		t.mu.Unlock()
		return false, nil
	}

	restored, err := t.lights.Restore(ctx)
	t.mu.Unlock()

	t.notifyChange()
	return restored, err
}

func (t *Tracker) overrideLocked(ctx context.Context) bool {
	if t.config.LightGroup == "" {
		t.logger.Debug("No alert light group configured")
		return false
	}
	return t.lights.SaveAndOverride(ctx, t.config.LightGroup)
}

func (t *Tracker) restoreLocked(ctx context.Context) (bool, error) {
	recovered := t.recovered
	t.recovered = false

	restored, err := t.lights.Restore(ctx)
	if !restored && err == nil && recovered && !t.lights.IsAlertActive() {
		t.logger.Warn("Alert color was re-applied after restart without a saved state; leaving lights as they are",
			zap.String("group", t.config.LightGroup))
	}
	return restored, err
}

// persistLocked saves the current set; the in-memory set keeps the change on failure
func (t *Tracker) persistLocked(ctx context.Context) error {
	if err := t.store.Save(ctx, t.sortedLocked()); err != nil {
		t.logger.Error("Failed to persist active alerts", zap.Error(err))
		return fmt.Errorf("failed to persist active alerts: %w", err)
	}
	return nil
}

func (t *Tracker) sortedLocked() []string {
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveCount returns the number of active alerts
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// IsAlertActive reports whether any alert is active
func (t *Tracker) IsAlertActive() bool {
	return t.ActiveCount() > 0
}

// ActiveAlerts returns the active alert ids, sorted
func (t *Tracker) ActiveAlerts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedLocked()
}

// Contains reports whether alertID is tracked
func (t *Tracker) Contains(alertID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[alertID]
	return ok
}

// OnChange registers fn to run after any operation that may have changed the
// alert set or the light state
func (t *Tracker) OnChange(fn func()) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Tracker) notifyChange() {
	t.listenersMu.RLock()
	listeners := append([]func(){}, t.listeners...)
	t.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

// sameIDs compares two id lists as sets
func sameIDs(a, b []string) bool {
	setA := make(map[string]struct{}, len(a))
	for _, id := range a {
		setA[id] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, id := range b {
		setB[id] = struct{}{}
	}
	if len(setA) != len(setB) {
		return false
	}
	for id := range setA {
		if _, ok := setB[id]; !ok {
			return false
		}
	}
	return true
}
