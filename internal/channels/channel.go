// Package channels connects chat platforms to the office. Inbound messages
// become pipeline requests and delegations go back out as notifications.
package channels

import (
	"context"

	"github.com/basket/claw-office/internal/coordinator"
)

// Channel is a long-running source of inbound chat messages.
type Channel interface {
	Name() string
	// Start blocks until ctx ends or the channel gives up.
	Start(ctx context.Context) error
}

// Ingester records an inbound chat message on the pipeline. The
// coordinator satisfies it; the webhook route and polling channels share it
// so a message is deduplicated no matter how it arrived.
type Ingester interface {
	IngestWebhook(ctx context.Context, msg coordinator.WebhookMessage) (coordinator.IngestResult, error)
}

var (
	_ Channel  = (*TelegramChannel)(nil)
	_ Ingester = (*coordinator.Coordinator)(nil)
)
