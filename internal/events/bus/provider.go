package bus

import (
	"github.com/adsproject/ads/internal/common/config"
	"github.com/adsproject/ads/internal/common/logger"
)

// New selects the bus backend from configuration: NATS when an URL is set,
// in-memory otherwise.
func New(cfg config.EventsConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(log), nil
	}
	return NewNATSBus(cfg, log)
}
