package notify

import (
	"context"

	"go.uber.org/zap"
)

const maxLoggedMessage = 100

// StubClient is a Transport that only logs what it would send
type StubClient struct {
	apiKey string
	logger *zap.Logger
}

// NewStubClient creates a logging transport holding the provider API key
func NewStubClient(apiKey string, logger *zap.Logger) *StubClient {
	return &StubClient{
		apiKey: apiKey,
		logger: logger.Named("transport"),
	}
}

// Send logs the payload and always succeeds
func (c *StubClient) Send(ctx context.Context, payload *Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.logger.Info("STUB: Would send notification",
		zap.String("notification_id", payload.NotificationID),
		zap.String("priority", payload.Priority.String()),
		zap.String("title", payload.Title),
		zap.String("message", truncate(payload.Message, maxLoggedMessage)))
	return nil
}

// ValidateCredentials always succeeds
func (c *StubClient) ValidateCredentials(ctx context.Context) error {
	c.logger.Debug("Validating credentials (stub, always succeeds)",
		zap.Bool("api_key_set", c.apiKey != ""))
	return nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
