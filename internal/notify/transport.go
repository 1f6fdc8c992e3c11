package notify

import (
	"context"
	"fmt"
	"time"
)

// Payload is the transport-facing notification data
type Payload struct {
	NotificationID string
	Title          string
	Message        string
	Priority       Priority
	Timestamp      time.Time
}

// Transport delivers notifications to an external push provider.
// Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, payload *Payload) error
	ValidateCredentials(ctx context.Context) error
}

// TransportError reports that the push provider could not be reached
type TransportError struct {
	NotificationID string
	Err            error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed for %s: %v", e.NotificationID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
