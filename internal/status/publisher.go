// Package status mirrors the alert state into Home Assistant helper entities
// and keeps the latest snapshot for the HTTP API.
package status

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"lmnop/internal/clock"
	"lmnop/internal/ha"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Alert status values shown in input_text.<slug>_alert_status
const (
	StatusActive = "Active"
	StatusClear  = "Clear"
)

// AlertSource reports the active alerts
type AlertSource interface {
	ActiveAlerts() []string
}

// LightSource reports the light override
type LightSource interface {
	IsAlertActive() bool
	AlertLightCount() int
	AlertLightEntities() []string
}

// Status is a point-in-time view of the alert state
type Status struct {
	AlertStatus       string    `json:"alert_status"`
	ActiveAlertCount  int       `json:"active_alert_count"`
	ActiveAlerts      []string  `json:"active_alerts"`
	LightsInAlert     bool      `json:"lights_in_alert"`
	LightsInAlertMode []string  `json:"lights_in_alert_mode"`
	AlertLightCount   int       `json:"alert_light_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Publisher writes Status into input_text, input_boolean and input_number helpers
type Publisher struct {
	haClient ha.HAClient
	alerts   AlertSource
	lights   LightSource
	clock    clock.Clock
	logger   *zap.Logger
	slug     string
	enabled  bool
	readOnly bool

	mu        sync.Mutex
	current   Status
	published *Status
}

// NewPublisher creates a publisher whose helper entities are named after name
func NewPublisher(name string, haClient ha.HAClient, alerts AlertSource, lights LightSource, clk clock.Clock, logger *zap.Logger, enabled, readOnly bool) *Publisher {
	return &Publisher{
		haClient: haClient,
		alerts:   alerts,
		lights:   lights,
		clock:    clk,
		logger:   logger.Named("status"),
		slug:     Slug(name),
		enabled:  enabled,
		readOnly: readOnly,
		current:  Status{AlertStatus: StatusClear, ActiveAlerts: []string{}, LightsInAlertMode: []string{}},
	}
}

// AlertStatusEntity returns the input_text helper name
func (p *Publisher) AlertStatusEntity() string { return p.slug + "_alert_status" }

// LightsInAlertEntity returns the input_boolean helper name
func (p *Publisher) LightsInAlertEntity() string { return p.slug + "_lights_in_alert" }

// ActiveAlertCountEntity returns the input_number helper name
func (p *Publisher) ActiveAlertCountEntity() string { return p.slug + "_active_alert_count" }

// Publish recomputes the status and writes the helpers whose value changed.
// Failures are logged; the next publish retries them. Concurrent publishes
// are serialized from collection to write, so the newest status lands last.
func (p *Publisher) Publish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.collect()
	p.current = st
	if !p.enabled {
		return
	}

	if p.readOnly {
		p.logger.Info("READ-ONLY: Would update status helpers",
			zap.String("alert_status", st.AlertStatus),
			zap.Bool("lights_in_alert", st.LightsInAlert),
			zap.Int("active_alert_count", st.ActiveAlertCount))
		return
	}

	var errs error
	prev := p.published
	if prev == nil || prev.AlertStatus != st.AlertStatus {
		errs = multierr.Append(errs, p.haClient.SetInputText(p.AlertStatusEntity(), st.AlertStatus))
	}
	if prev == nil || prev.LightsInAlert != st.LightsInAlert {
		errs = multierr.Append(errs, p.haClient.SetInputBoolean(p.LightsInAlertEntity(), st.LightsInAlert))
	}
	if prev == nil || prev.ActiveAlertCount != st.ActiveAlertCount {
		errs = multierr.Append(errs, p.haClient.SetInputNumber(p.ActiveAlertCountEntity(), float64(st.ActiveAlertCount)))
	}

	if errs != nil {
		p.logger.Warn("Failed to update status helpers", zap.Error(errs))
		p.published = nil
		return
	}

	published := st
	p.published = &published
	p.logger.Debug("Published status",
		zap.String("alert_status", st.AlertStatus),
		zap.Bool("lights_in_alert", st.LightsInAlert),
		zap.Int("active_alert_count", st.ActiveAlertCount))
}

// Snapshot returns the most recently computed status
func (p *Publisher) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.current
	st.ActiveAlerts = append([]string{}, st.ActiveAlerts...)
	st.LightsInAlertMode = append([]string{}, st.LightsInAlertMode...)
	return st
}

func (p *Publisher) collect() Status {
	active := p.alerts.ActiveAlerts()
	lights := p.lights.AlertLightEntities()
	if lights == nil {
		lights = []string{}
	}

	st := Status{
		AlertStatus:       StatusClear,
		ActiveAlertCount:  len(active),
		ActiveAlerts:      active,
		LightsInAlert:     p.lights.IsAlertActive(),
		LightsInAlertMode: lights,
		AlertLightCount:   p.lights.AlertLightCount(),
		UpdatedAt:         p.clock.Now(),
	}
	if len(active) > 0 {
		st.AlertStatus = StatusActive
	}
	return st
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// Slug converts a display name to the snake_case used in entity ids,
// "LMNOP Notifier" becomes "lmnop_notifier"
func Slug(name string) string {
	slug := nonWord.ReplaceAllString(strings.ToLower(name), "_")
	slug = strings.Trim(slug, "_")
	if slug == "" {
		return "lmnop"
	}
	return slug
}
