package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/registry"
	"github.com/kilianp07/csms/core/store"
	"github.com/kilianp07/csms/infra/logger"
	"github.com/kilianp07/csms/internal/eventbus"
)

type fakeSender struct {
	mu     sync.Mutex
	pushes []model.AllocationResult
}

func (f *fakeSender) SetChargingProfile(_ context.Context, _ model.Connector, res model.AllocationResult) bool {
	f.mu.Lock()
	f.pushes = append(f.pushes, res)
	f.mu.Unlock()
	return true
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

type nopConn struct{}

func (nopConn) Send([]byte) error { return nil }
func (nopConn) Close() error      { return nil }

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *fakeSender, *store.MemoryStore, *registry.Registry) {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.SeedConnectors(
		model.Connector{CPID: "cp-1", CPSN: "station-a", ConnectorIndex: 1, Class: model.ClassAC, RatedKW: 7, Status: model.StatusAvailable},
		model.Connector{CPID: "cp-2", CPSN: "station-a", ConnectorIndex: 2, Class: model.ClassAC, RatedKW: 7, Status: model.StatusAvailable},
	)
	mem.SeedSettings(model.SiteSetting{Mode: model.ModeStatic, CeilingKW: 100})
	reg := registry.New(mem, nil, logger.NopLogger{})
	reg.Register(context.Background(), "station-a", nopConn{})
	sender := &fakeSender{}
	s, err := New(cfg, mem, reg, sender, eventbus.New(), nil, logger.NopLogger{})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, sender, mem, reg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestScheduleDebounceCollapses(t *testing.T) {
	s, sender, _, _ := newTestScheduler(t, Config{DebounceSeconds: 1})
	defer s.Stop()

	for i := 0; i < 5; i++ {
		s.Schedule("cp-1", 0, false)
	}
	waitFor(t, 3*time.Second, func() bool { return sender.count() >= 1 })
	// Give a second push a chance to appear before asserting it does not.
	time.Sleep(200 * time.Millisecond)
	if got := sender.count(); got != 1 {
		t.Fatalf("expected 1 push after burst, got %d", got)
	}
}

func TestFireMinIntervalSuppression(t *testing.T) {
	s, sender, _, _ := newTestScheduler(t, Config{MinIntervalSeconds: 3600})
	defer s.Stop()

	s.fire(context.Background(), "cp-1", false)
	s.fire(context.Background(), "cp-1", false)
	if got := sender.count(); got != 1 {
		t.Fatalf("expected the second fire to be suppressed, got %d pushes", got)
	}

	// Manual fires ignore the minimum interval.
	s.fire(context.Background(), "cp-1", true)
	if got := sender.count(); got != 2 {
		t.Fatalf("expected manual fire to bypass suppression, got %d pushes", got)
	}
}

func TestTriggerNowFleet(t *testing.T) {
	s, sender, _, _ := newTestScheduler(t, Config{})
	defer s.Stop()

	count, err := s.TriggerNow(context.Background(), ScopeFleet, "")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if count != 2 {
		t.Fatalf("scheduled %d", count)
	}
	waitFor(t, 2*time.Second, func() bool { return sender.count() == 2 })
}

func TestTriggerNowUnknownTargets(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Config{})
	defer s.Stop()
	ctx := context.Background()

	if _, err := s.TriggerNow(ctx, ScopeStation, "station-x"); err == nil {
		t.Fatalf("expected error for unknown station")
	}
	if _, err := s.TriggerNow(ctx, ScopeMeter, "cp-x"); err == nil {
		t.Fatalf("expected error for unknown connector")
	}
	if _, err := s.TriggerNow(ctx, Scope("bogus"), ""); !errors.Is(err, ErrUnknownScope) {
		t.Fatalf("expected ErrUnknownScope, got %v", err)
	}
}

func TestComputeSnapshot(t *testing.T) {
	s, sender, _, _ := newTestScheduler(t, Config{})
	defer s.Stop()

	results, err := s.Compute(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results: %d", len(results))
	}
	for _, res := range results {
		if res.Limit != 31 {
			t.Fatalf("%s: %v", res.CPID, res.Limit)
		}
	}
	// Compute must not push anything.
	if sender.count() != 0 {
		t.Fatalf("compute pushed profiles")
	}
}

func TestComputeWithoutSettings(t *testing.T) {
	s, _, mem, _ := newTestScheduler(t, Config{})
	defer s.Stop()
	mem.SeedSettings()

	if _, err := s.Compute(context.Background()); !errors.Is(err, ErrNoSettings) {
		t.Fatalf("expected ErrNoSettings, got %v", err)
	}
}

func TestRunReactsToStationEvents(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedConnectors(model.Connector{CPID: "cp-1", CPSN: "station-a", ConnectorIndex: 1, Class: model.ClassAC, RatedKW: 7, Status: model.StatusAvailable})
	mem.SeedSettings(model.SiteSetting{Mode: model.ModeStatic, CeilingKW: 100})
	bus := eventbus.New()
	reg := registry.New(mem, bus, logger.NopLogger{})
	sender := &fakeSender{}
	s, err := New(Config{DebounceSeconds: 1, SweepSeconds: 3600}, mem, reg, sender, bus, nil, logger.NopLogger{})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	reg.Register(ctx, "station-a", nopConn{})
	waitFor(t, 5*time.Second, func() bool { return sender.count() >= 1 })
}
