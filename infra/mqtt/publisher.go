package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/csms/core/events"
	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/internal/eventbus"
)

// EventPublisher forwards bus events to per-kind MQTT topics as JSON.
type EventPublisher struct {
	pub    Publisher
	bus    *eventbus.Bus
	prefix string
	log    logger.Logger
}

// NewEventPublisher creates an EventPublisher.
func NewEventPublisher(pub Publisher, bus *eventbus.Bus, prefix string, log logger.Logger) (*EventPublisher, error) {
	if pub == nil || bus == nil || log == nil {
		return nil, fmt.Errorf("publisher, bus and logger are required")
	}
	if prefix == "" {
		prefix = "csms/events"
	}
	return &EventPublisher{pub: pub, bus: bus, prefix: prefix, log: log}, nil
}

// Run consumes bus events until the context is cancelled.
func (e *EventPublisher) Run(ctx context.Context) {
	ch := e.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.emit(ev)
		}
	}
}

func (e *EventPublisher) emit(ev any) {
	kind := eventKind(ev)
	if kind == "" {
		return
	}
	payload, err := json.Marshal(envelope{Kind: kind, At: time.Now().UTC(), Data: ev})
	if err != nil {
		e.log.Errorf("marshal %s event: %v", kind, err)
		return
	}
	topic := e.prefix + "/" + kind
	if err := e.pub.Publish(topic, payload); err != nil {
		e.log.Warnf("publish %s: %v", topic, err)
	}
}

type envelope struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

func eventKind(ev any) string {
	switch ev.(type) {
	case events.ChargingStarted:
		return "charging_started"
	case events.ChargingStopped:
		return "charging_stopped"
	case events.TransactionOpened:
		return "transaction_opened"
	case events.TransactionClosed:
		return "transaction_closed"
	case events.StationConnected:
		return "station_connected"
	case events.StationDisconnected:
		return "station_disconnected"
	case events.AllocationApplied:
		return "allocation_applied"
	default:
		return ""
	}
}

// MockPublisher is a simple publisher used in tests.
type MockPublisher struct {
	Messages    map[string][][]byte
	FailAll     bool
	Disconnects int
	mu          sync.Mutex
}

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{Messages: make(map[string][][]byte)}
}

// Publish records the payload or returns an error if configured to fail.
func (m *MockPublisher) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll {
		return fmt.Errorf("publish failed")
	}
	m.Messages[topic] = append(m.Messages[topic], payload)
	return nil
}

// Disconnect counts disconnect calls.
func (m *MockPublisher) Disconnect() {
	m.mu.Lock()
	m.Disconnects++
	m.mu.Unlock()
}

// Published returns the payloads recorded for a topic.
func (m *MockPublisher) Published(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.Messages[topic]))
	copy(out, m.Messages[topic])
	return out
}
