package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const instanceKey = "lmnop.instance"

type instanceBlob struct {
	InstanceID string `json:"instance_id"`
}

// InstanceID returns the persisted instance id, creating one on first use.
// The id namespaces notification ids, so it must survive restarts.
func (s *Store) InstanceID(ctx context.Context) (string, error) {
	payload, _, found, err := s.Load(ctx, instanceKey)
	if err != nil {
		return "", err
	}

	if found {
		var blob instanceBlob
		if err := json.Unmarshal(payload, &blob); err != nil {
			return "", fmt.Errorf("failed to decode instance id: %w", err)
		}
		if blob.InstanceID != "" {
			return blob.InstanceID, nil
		}
	}

	id := newInstanceID()
	payload, err = json.Marshal(instanceBlob{InstanceID: id})
	if err != nil {
		return "", fmt.Errorf("failed to encode instance id: %w", err)
	}
	if err := s.Save(ctx, instanceKey, 1, payload); err != nil {
		return "", err
	}

	s.logger.Info("Created instance id", zap.String("instance_id", id))
	return id, nil
}

// newInstanceID returns 12 hex characters of a random uuid
func newInstanceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
