package events

import (
	"fmt"
	"strings"

	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/events/bus"
	"github.com/a2aflow/host/pkg/a2a"
)

// classifier wires pkg/a2a's terminal/coalescable event vocabulary (spec §4.1)
// into the bus's generic string-keyed Classifier.
var classifier = bus.Classifier{
	IsTerminal:    func(t string) bool { return a2a.IsTerminal(a2a.EventType(t)) },
	IsCoalescable: func(t string) bool { return a2a.IsCoalescable(a2a.EventType(t)) },
}

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus implementation.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBusWithClassifier(log, classifier)
	return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
}
