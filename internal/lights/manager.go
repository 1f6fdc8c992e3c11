package lights

import (
	"context"
	"sort"
	"strings"
	"sync"

	"lmnop/internal/ha"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Alert color applied to every RGB-capable light in the group
var (
	AlertRGBColor   = []int{255, 0, 0}
	AlertBrightness = 255
)

// Manager snapshots a light group, overrides it with the alert color and
// restores it afterwards. The alert flag is set iff the snapshot is non-empty.
type Manager struct {
	haClient ha.HAClient
	logger   *zap.Logger
	readOnly bool
	limiter  *rate.Limiter

	mu          sync.Mutex
	snapshot    map[string]Snapshot
	alertActive bool
}

// NewManager creates a light state manager. commandRPS paces per-light restore
// commands; zero disables pacing.
func NewManager(haClient ha.HAClient, logger *zap.Logger, readOnly bool, commandRPS float64) *Manager {
	var limiter *rate.Limiter
	if commandRPS > 0 {
		burst := int(commandRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(commandRPS), burst)
	}

	return &Manager{
		haClient: haClient,
		logger:   logger.Named("lights"),
		readOnly: readOnly,
		limiter:  limiter,
		snapshot: make(map[string]Snapshot),
	}
}

// ResolveGroup returns the member lights of a group, or the light itself when
// the reference is a single light
func (m *Manager) ResolveGroup(groupRef string) []string {
	if groupRef == "" || !strings.HasPrefix(groupRef, "light.") {
		return nil
	}

	state, err := m.haClient.GetState(groupRef)
	if err != nil {
		m.logger.Warn("Light group not found",
			zap.String("group", groupRef),
			zap.Error(err))
		return nil
	}

	if members := stringList(state.Attributes["entity_id"]); len(members) > 0 {
		return members
	}
	return []string{groupRef}
}

// FilterRGBCapable keeps the lights that support the rgb color mode
func (m *Manager) FilterRGBCapable(entityIDs []string) []string {
	states, err := m.loadStates()
	if err != nil {
		m.logger.Error("Failed to load light states", zap.Error(err))
		return nil
	}
	return m.filterRGB(entityIDs, states)
}

func (m *Manager) filterRGB(entityIDs []string, states map[string]*ha.State) []string {
	var rgb []string
	for _, entityID := range entityIDs {
		state, ok := states[entityID]
		if !ok {
			m.logger.Warn("Light entity not found", zap.String("entity_id", entityID))
			continue
		}

		if !supportsRGB(state) {
			m.logger.Warn("Light does not support RGB color mode, skipping",
				zap.String("entity_id", entityID))
			continue
		}
		rgb = append(rgb, entityID)
	}
	return rgb
}

func supportsRGB(state *ha.State) bool {
	for _, mode := range stringList(state.Attributes["supported_color_modes"]) {
		if mode == "rgb" {
			return true
		}
	}
	return false
}

// loadStates fetches all entity states in one request
func (m *Manager) loadStates() (map[string]*ha.State, error) {
	all, err := m.haClient.GetAllStates()
	if err != nil {
		return nil, err
	}

	states := make(map[string]*ha.State, len(all))
	for _, s := range all {
		states[s.EntityID] = s
	}
	return states, nil
}

// resolveAlertLights resolves and filters a group, logging why nothing qualified
func (m *Manager) resolveAlertLights(groupRef string) ([]string, map[string]*ha.State) {
	entityIDs := m.ResolveGroup(groupRef)
	if len(entityIDs) == 0 {
		m.logger.Warn("No light entities found for group", zap.String("group", groupRef))
		return nil, nil
	}

	states, err := m.loadStates()
	if err != nil {
		m.logger.Error("Failed to load light states", zap.Error(err))
		return nil, nil
	}

	rgbLights := m.filterRGB(entityIDs, states)
	if len(rgbLights) == 0 {
		m.logger.Warn("No RGB-capable lights found in group", zap.String("group", groupRef))
		return nil, nil
	}
	return rgbLights, states
}

// SaveAndOverride snapshots the RGB-capable lights of groupRef and sets them to
// the alert color. Returns false if an override is already active, nothing
// qualifies, or the command fails.
func (m *Manager) SaveAndOverride(ctx context.Context, groupRef string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.alertActive {
		m.logger.Debug("Alert already active, not saving states again")
		return false
	}

	rgbLights, states := m.resolveAlertLights(groupRef)
	if len(rgbLights) == 0 {
		return false
	}

	snapshot := make(map[string]Snapshot, len(rgbLights))
	for _, entityID := range rgbLights {
		snapshot[entityID] = snapshotFromState(states[entityID])
	}

	if err := m.setAlertColor(ctx, rgbLights); err != nil {
		m.logger.Error("Failed to set lights to alert mode",
			zap.Strings("lights", rgbLights),
			zap.Error(err))
		return false
	}

	m.snapshot = snapshot
	m.alertActive = true
	m.logger.Info("Set lights to alert mode",
		zap.String("group", groupRef),
		zap.Int("count", len(rgbLights)))
	return true
}

// ApplyAlertColor sets the group to the alert color without taking a snapshot
// or marking the override active. Used when alerts survive a restart and the
// lights may already be showing the alert color.
func (m *Manager) ApplyAlertColor(ctx context.Context, groupRef string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rgbLights, _ := m.resolveAlertLights(groupRef)
	if len(rgbLights) == 0 {
		return false
	}

	if err := m.setAlertColor(ctx, rgbLights); err != nil {
		m.logger.Error("Failed to re-apply alert color",
			zap.Strings("lights", rgbLights),
			zap.Error(err))
		return false
	}

	m.logger.Info("Re-applied alert color without snapshot",
		zap.String("group", groupRef),
		zap.Int("count", len(rgbLights)))
	return true
}

// setAlertColor issues one batched turn_on for all lights
func (m *Manager) setAlertColor(ctx context.Context, entityIDs []string) error {
	data := map[string]interface{}{
		"entity_id":  entityIDs,
		"rgb_color":  append([]int(nil), AlertRGBColor...),
		"brightness": AlertBrightness,
	}
	return m.callLight(ctx, "turn_on", entityIDs, data, false)
}

// Restore returns every snapshotted light to its saved state. All lights are
// attempted even after a failure; the snapshot and flag are cleared only when
// every command succeeded.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.alertActive || len(m.snapshot) == 0 {
		m.logger.Debug("No alert active or no saved states to restore")
		return false, nil
	}

	entityIDs := make([]string, 0, len(m.snapshot))
	for entityID := range m.snapshot {
		entityIDs = append(entityIDs, entityID)
	}
	sort.Strings(entityIDs)

	var errs error
	var failed []string
	for _, entityID := range entityIDs {
		snap := m.snapshot[entityID]
		service, data := snap.restoreCall()

		m.logger.Debug("Restoring light",
			zap.String("entity_id", entityID),
			zap.String("service", service),
			zap.Any("data", data))

		if err := m.callLight(ctx, service, []string{entityID}, data, true); err != nil {
			errs = multierr.Append(errs, err)
			failed = append(failed, entityID)
		}
	}

	if errs != nil {
		m.logger.Error("Failed to restore light states",
			zap.Strings("failed", failed),
			zap.Error(errs))
		return false, &LightCommandError{Service: "restore", EntityIDs: failed, Err: errs}
	}

	m.logger.Info("Restored lights to previous states", zap.Int("count", len(entityIDs)))
	m.snapshot = make(map[string]Snapshot)
	m.alertActive = false
	return true, nil
}

// callLight issues a light service call, honouring read-only mode and pacing
func (m *Manager) callLight(ctx context.Context, service string, entityIDs []string, data map[string]interface{}, paced bool) error {
	if err := ctx.Err(); err != nil {
		return &LightCommandError{Service: service, EntityIDs: entityIDs, Err: err}
	}

	if paced && m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return &LightCommandError{Service: service, EntityIDs: entityIDs, Err: err}
		}
	}

	if m.readOnly {
		m.logger.Info("READ-ONLY: Would call light service",
			zap.String("service", service),
			zap.Strings("entity_ids", entityIDs),
			zap.Any("data", data))
		return nil
	}

	if err := m.haClient.CallService("light", service, data); err != nil {
		return &LightCommandError{Service: service, EntityIDs: entityIDs, Err: err}
	}
	return nil
}

// IsAlertActive reports whether the alert override is applied
func (m *Manager) IsAlertActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alertActive
}

// AlertLightCount returns how many lights are currently overridden
func (m *Manager) AlertLightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.alertActive {
		return 0
	}
	return len(m.snapshot)
}

// AlertLightEntities returns the overridden lights, sorted
func (m *Manager) AlertLightEntities() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.alertActive {
		return nil
	}

	entityIDs := make([]string, 0, len(m.snapshot))
	for entityID := range m.snapshot {
		entityIDs = append(entityIDs, entityID)
	}
	sort.Strings(entityIDs)
	return entityIDs
}

// SavedState returns the snapshot of one overridden light
func (m *Manager) SavedState(entityID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshot[entityID]
	return snap, ok
}

// ClearAlertState drops the snapshot and flag without issuing commands
func (m *Manager) ClearAlertState() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshot = make(map[string]Snapshot)
	m.alertActive = false
}
