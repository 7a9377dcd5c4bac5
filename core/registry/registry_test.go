package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kilianp07/csms/core/events"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/store"
	"github.com/kilianp07/csms/infra/logger"
	"github.com/kilianp07/csms/internal/eventbus"
)

type testConn struct{ id int }

func (*testConn) Send([]byte) error { return nil }
func (*testConn) Close() error      { return nil }

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore, *eventbus.Bus) {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.SeedConnectors(
		model.Connector{CPID: "cp-1", CPSN: "station-a", ConnectorIndex: 2, Class: model.ClassAC, RatedKW: 7, Status: model.StatusUnavailable},
		model.Connector{CPID: "cp-0", CPSN: "station-a", ConnectorIndex: 1, Class: model.ClassAC, RatedKW: 7, Status: model.StatusUnavailable},
		model.Connector{CPID: "cp-9", CPSN: "station-b", ConnectorIndex: 1, Class: model.ClassDC, RatedKW: 60, Status: model.StatusUnavailable},
	)
	bus := eventbus.New()
	return New(mem, bus, logger.NopLogger{}), mem, bus
}

func TestRegisterFirstConnection(t *testing.T) {
	reg, mem, bus := newTestRegistry(t)
	sub := bus.Subscribe()
	ctx := context.Background()

	reg.Register(ctx, "station-a", &testConn{1})

	if !reg.Online("station-a") {
		t.Fatalf("station not online")
	}
	conns, _ := mem.Connectors(ctx, store.ConnectorFilter{CPSN: "station-a"})
	for _, c := range conns {
		if c.Status != model.StatusAvailable {
			t.Fatalf("%s not marked available: %s", c.CPID, c.Status)
		}
	}
	select {
	case ev := <-sub:
		if _, ok := ev.(events.StationConnected); !ok {
			t.Fatalf("event: %+v", ev)
		}
	default:
		t.Fatalf("no connect event")
	}

	// A second connection for the same station stays silent.
	reg.Register(ctx, "station-a", &testConn{2})
	select {
	case ev := <-sub:
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
	if got := len(reg.Connections("station-a")); got != 2 {
		t.Fatalf("connections: %d", got)
	}
}

func TestRemoveLastConnection(t *testing.T) {
	reg, mem, bus := newTestRegistry(t)
	ctx := context.Background()
	c1, c2 := &testConn{1}, &testConn{2}
	reg.Register(ctx, "station-a", c1)
	reg.Register(ctx, "station-a", c2)
	sub := bus.Subscribe()

	reg.Remove(ctx, "station-a", c1)
	if !reg.Online("station-a") {
		t.Fatalf("station offline with one connection left")
	}
	select {
	case ev := <-sub:
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}

	reg.Remove(ctx, "station-a", c2)
	if reg.Online("station-a") {
		t.Fatalf("station still online")
	}
	conns, _ := mem.Connectors(ctx, store.ConnectorFilter{CPSN: "station-a"})
	for _, c := range conns {
		if c.Status != model.StatusUnavailable {
			t.Fatalf("%s not marked unavailable: %s", c.CPID, c.Status)
		}
	}
	select {
	case ev := <-sub:
		if _, ok := ev.(events.StationDisconnected); !ok {
			t.Fatalf("event: %+v", ev)
		}
	default:
		t.Fatalf("no disconnect event")
	}
	if _, ok := reg.Snapshot("station-a"); ok {
		t.Fatalf("snapshot survived disconnect")
	}
}

func TestOnlineConnectorIDs(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	reg.Register(ctx, "station-a", &testConn{1})

	ids, err := reg.OnlineConnectorIDs(ctx)
	if err != nil {
		t.Fatalf("online ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != "cp-0" || ids[1] != "cp-1" {
		t.Fatalf("ids: %v", ids)
	}
}

func TestPrimaryConnectorID(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if id := reg.PrimaryConnectorID(ctx, "station-a"); id != "cp-0" {
		t.Fatalf("primary: %s", id)
	}
	// Unmapped stations fall back to their own identifier.
	if id := reg.PrimaryConnectorID(ctx, "station-x"); id != "station-x" {
		t.Fatalf("fallback: %s", id)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	reg.Register(ctx, "station-a", &testConn{1})
	now := time.Now().UTC()
	reading := model.MeterReading{EnergyKWh: 1.5, SampledAt: now}
	reg.UpdateTelemetry("station-a", 1, "Charging", &reading, nil)

	snap, ok := reg.Snapshot("station-a")
	if !ok {
		t.Fatalf("no snapshot")
	}
	snap.Connectors[1] = ConnectorTelemetry{Status: "mutated"}

	again, _ := reg.Snapshot("station-a")
	if again.Connectors[1].Status != "Charging" {
		t.Fatalf("snapshot shared state: %+v", again.Connectors[1])
	}
	if again.Connectors[1].Reading.EnergyKWh != 1.5 {
		t.Fatalf("reading lost: %+v", again.Connectors[1])
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := &testConn{i}
			reg.Register(ctx, "station-a", conn)
			reg.Touch("station-a", time.Now())
			reg.UpdateTelemetry("station-a", 1, "Charging", nil, nil)
			_, _ = reg.Snapshot("station-a")
			reg.Remove(ctx, "station-a", conn)
		}(i)
	}
	wg.Wait()
	if reg.Online("station-a") {
		t.Fatalf("station should be offline after all removals")
	}
}
