package bus

import (
	"fmt"
	"log/slog"

	"github.com/opensource-finance/harrier/internal/domain"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig, logger *slog.Logger) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize, logger), nil

	case "nats":
		return NewNATSBus(cfg, logger)

	default:
		return nil, fmt.Errorf("%w: unsupported event bus type: %s", domain.ErrInvalidInput, cfg.Type)
	}
}
