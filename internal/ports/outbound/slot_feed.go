package outbound

import (
	"context"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
)

// SlotFeed is a live push subscription of slot updates.
// Reconnection and resubscription are the implementation's responsibility.
type SlotFeed interface {
	// Subscribe starts the subscription. The returned channel is closed by Unsubscribe.
	Subscribe(ctx context.Context) (<-chan entity.SlotNotification, error)

	// Unsubscribe stops the subscription and releases the connection.
	Unsubscribe() error

	// HealthCheck verifies the feed is connected and delivering updates.
	HealthCheck(ctx context.Context) error
}
