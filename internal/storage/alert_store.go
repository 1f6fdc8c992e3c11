package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// AlertStoreVersion is the schema version of the persisted alert set
const AlertStoreVersion = 1

type alertBlob struct {
	ActiveAlerts []string `json:"active_alerts"`
}

// AlertStore persists one instance's active alert ids as {"active_alerts": [...]}
type AlertStore struct {
	store *Store
	key   string
}

// NewAlertStore creates the alert store for an instance
func NewAlertStore(store *Store, instanceID string) *AlertStore {
	return &AlertStore{
		store: store,
		key:   "lmnop." + instanceID,
	}
}

// Key returns the blob key used for this instance
func (a *AlertStore) Key() string {
	return a.key
}

// Load returns the persisted ids, or nil when nothing was saved
func (a *AlertStore) Load(ctx context.Context) ([]string, error) {
	payload, version, found, err := a.store.Load(ctx, a.key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if version > AlertStoreVersion {
		return nil, fmt.Errorf("alert store %s has version %d, newer than supported %d", a.key, version, AlertStoreVersion)
	}

	var blob alertBlob
	if err := json.Unmarshal(payload, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode alert store %s: %w", a.key, err)
	}
	return blob.ActiveAlerts, nil
}

// Save replaces the persisted ids
func (a *AlertStore) Save(ctx context.Context, ids []string) error {
	if ids == nil {
		ids = []string{}
	}

	payload, err := json.Marshal(alertBlob{ActiveAlerts: ids})
	if err != nil {
		return fmt.Errorf("failed to encode alert store: %w", err)
	}
	return a.store.Save(ctx, a.key, AlertStoreVersion, payload)
}
