package bus

import (
	"fmt"

	"github.com/opencare-jp/kasan/internal/domain"
)

// New builds the event bus for the configured tier: an in-process
// channel bus for Community deployments, NATS for Pro.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
