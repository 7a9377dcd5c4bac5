package mqtt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kilianp07/csms/core/events"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/infra/logger"
	"github.com/kilianp07/csms/internal/eventbus"
)

func waitForTopic(t *testing.T, pub *MockPublisher, topic string, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := pub.Published(topic); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no message on %s", topic)
	return nil
}

func TestEventPublisherRoutesByKind(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	pub := NewMockPublisher()
	ep, err := NewEventPublisher(pub, bus, "csms/events", logger.NopLogger{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ep.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	at := time.Now().UTC()
	bus.Publish(events.ChargingStarted{CPID: "cp-1", CPSN: "station-a", At: at})
	bus.Publish(events.StationDisconnected{CPSN: "station-b", At: at})
	bus.Publish(events.AllocationApplied{
		Result:    model.AllocationResult{CPID: "cp-1", Unit: "A", Limit: 31},
		CPSN:      "station-a",
		Delivered: true,
		At:        at,
	})

	msgs := waitForTopic(t, pub, "csms/events/charging_started", 1)
	var env struct {
		Kind string `json:"kind"`
		Data struct {
			CPID string
			CPSN string
		} `json:"data"`
	}
	if err := json.Unmarshal(msgs[0], &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Kind != "charging_started" || env.Data.CPID != "cp-1" {
		t.Fatalf("envelope: %+v", env)
	}

	waitForTopic(t, pub, "csms/events/station_disconnected", 1)
	alloc := waitForTopic(t, pub, "csms/events/allocation_applied", 1)
	var allocEnv struct {
		Data struct {
			Delivered bool
			Result    model.AllocationResult
		} `json:"data"`
	}
	if err := json.Unmarshal(alloc[0], &allocEnv); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !allocEnv.Data.Delivered || allocEnv.Data.Result.Limit != 31 {
		t.Fatalf("envelope: %+v", allocEnv)
	}
}

func TestEventPublisherIgnoresUnknownEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	pub := NewMockPublisher()
	ep, err := NewEventPublisher(pub, bus, "", logger.NopLogger{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if ep.prefix != "csms/events" {
		t.Fatalf("prefix default: %s", ep.prefix)
	}

	ep.emit(struct{ X int }{1})
	ep.emit(events.ChargingStopped{CPID: "cp-1", CPSN: "station-a"})
	if got := len(pub.Published("csms/events/charging_stopped")); got != 1 {
		t.Fatalf("stopped messages: %d", got)
	}
	total := 0
	for topic := range pub.Messages {
		total += len(pub.Messages[topic])
	}
	if total != 1 {
		t.Fatalf("unexpected publishes: %d", total)
	}
}

func TestEventPublisherSurvivesPublishFailure(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	pub := NewMockPublisher()
	pub.FailAll = true
	ep, err := NewEventPublisher(pub, bus, "csms/events", logger.NopLogger{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ep.emit(events.ChargingStarted{CPID: "cp-1"})
	pub.FailAll = false
	ep.emit(events.ChargingStarted{CPID: "cp-1"})
	if got := len(pub.Published("csms/events/charging_started")); got != 1 {
		t.Fatalf("messages after recovery: %d", got)
	}
}

func TestNewEventPublisherValidation(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	if _, err := NewEventPublisher(nil, bus, "x", logger.NopLogger{}); err == nil {
		t.Fatalf("expected error for nil publisher")
	}
	if _, err := NewEventPublisher(NewMockPublisher(), nil, "x", logger.NopLogger{}); err == nil {
		t.Fatalf("expected error for nil bus")
	}
}
