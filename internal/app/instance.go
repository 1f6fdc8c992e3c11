// Package app wires one notifier instance: its light manager, alert tracker,
// dispatcher and status publisher, all sharing a Home Assistant connection.
package app

import (
	"context"
	"fmt"
	"sync"

	"lmnop/internal/alerts"
	"lmnop/internal/clock"
	"lmnop/internal/ha"
	"lmnop/internal/lights"
	"lmnop/internal/notify"
	"lmnop/internal/status"

	"go.uber.org/zap"
)

// Options configures an Instance
type Options struct {
	Name            string
	InstanceID      string
	LightGroup      string
	LightCommandRPS float64
	PublishStatus   bool
	ReadOnly        bool
}

// Instance is one configured notifier
type Instance struct {
	Lights     *lights.Manager
	Tracker    *alerts.Tracker
	Dispatcher *notify.Dispatcher
	Publisher  *status.Publisher

	opts      Options
	haClient  ha.HAClient
	transport notify.Transport
	logger    *zap.Logger

	mu      sync.Mutex
	sub     ha.Subscription
	started bool
}

// NewInstance builds the object graph for one notifier
func NewInstance(opts Options, haClient ha.HAClient, store alerts.Store, transport notify.Transport, clk clock.Clock, logger *zap.Logger) *Instance {
	logger = logger.With(zap.String("instance_id", opts.InstanceID))

	lightManager := lights.NewManager(haClient, logger, opts.ReadOnly, opts.LightCommandRPS)
	tracker := alerts.NewTracker(alerts.Config{
		LightGroup: opts.LightGroup,
		Namespace:  notify.NamespacePrefix(opts.InstanceID),
	}, store, lightManager, haClient, logger)
	publisher := status.NewPublisher(opts.Name, haClient, tracker, lightManager, clk, logger, opts.PublishStatus, opts.ReadOnly)
	tracker.OnChange(publisher.Publish)

	return &Instance{
		Lights:     lightManager,
		Tracker:    tracker,
		Dispatcher: notify.NewDispatcher(opts.Name, opts.InstanceID, transport, haClient, tracker, clk, logger),
		Publisher:  publisher,
		opts:       opts,
		haClient:   haClient,
		transport:  transport,
		logger:     logger.Named("app"),
	}
}

// Start subscribes to notification removals, reconciles persisted alerts with
// the live notifications and starts the removal worker. The subscription is
// made first so no dismissal is missed during reconciliation.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.started {
		return nil
	}

	i.logger.Info("Starting notifier instance",
		zap.String("name", i.opts.Name),
		zap.String("alert_light_group", i.opts.LightGroup),
		zap.Bool("read_only", i.opts.ReadOnly))

	if err := i.transport.ValidateCredentials(ctx); err != nil {
		i.logger.Warn("Transport credentials rejected", zap.Error(err))
	}

	sub, err := i.haClient.SubscribePersistentNotifications(i.Tracker.HandleNotificationsUpdate)
	if err != nil {
		return fmt.Errorf("failed to subscribe to persistent notifications: %w", err)
	}

	if err := i.Tracker.ReconcileOnStartup(ctx); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("failed to reconcile active alerts: %w", err)
	}

	i.Tracker.Start()
	i.Publisher.Publish()

	i.sub = sub
	i.started = true

	i.logger.Info("Notifier instance started",
		zap.Int("active_alerts", i.Tracker.ActiveCount()),
		zap.Bool("lights_in_alert", i.Lights.IsAlertActive()))
	return nil
}

// Stop unsubscribes and waits for the removal worker. Lights in alert mode are
// left as they are; the persisted alerts bring them back on the next start.
func (i *Instance) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.started {
		return
	}

	i.logger.Info("Stopping notifier instance")

	if err := i.sub.Unsubscribe(); err != nil {
		i.logger.Warn("Failed to unsubscribe from persistent notifications", zap.Error(err))
	}
	i.sub = nil
	i.Tracker.Stop()
	i.started = false

	i.logger.Info("Notifier instance stopped")
}
