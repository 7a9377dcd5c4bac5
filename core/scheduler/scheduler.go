// Package scheduler dispatches allocation recomputations. Event-driven
// triggers are debounced per connector and rate limited by a minimum
// re-fire interval; a fixed-period reconciliation sweep over all online
// connectors backstops missed events and dropped commands.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/kilianp07/csms/core/allocation"
	"github.com/kilianp07/csms/core/events"
	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/metrics"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/registry"
	"github.com/kilianp07/csms/core/store"
	"github.com/kilianp07/csms/internal/eventbus"
)

// ProfileSender pushes one allocation result to a connector's owning
// station. Implemented by ocpp.CommandSender.
type ProfileSender interface {
	SetChargingProfile(ctx context.Context, target model.Connector, res model.AllocationResult) bool
}

// Scope selects which connectors an administrative trigger covers.
type Scope string

const (
	ScopeFleet   Scope = "fleet"
	ScopeStation Scope = "station"
	ScopeMeter   Scope = "meter"
)

// ErrUnknownScope is returned for trigger requests with an unrecognized
// scope.
var ErrUnknownScope = errors.New("scheduler: unknown trigger scope")

// ErrNoSettings indicates the directory holds no site setting row.
var ErrNoSettings = errors.New("scheduler: no site settings")

// Config tunes the scheduler timers.
type Config struct {
	DebounceSeconds    int `json:"debounce_seconds"`
	MinIntervalSeconds int `json:"min_interval_seconds"`
	SweepSeconds       int `json:"sweep_seconds"`
	StaggerMS          int `json:"stagger_ms"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.DebounceSeconds <= 0 {
		c.DebounceSeconds = 3
	}
	if c.MinIntervalSeconds <= 0 {
		c.MinIntervalSeconds = 30
	}
	if c.SweepSeconds <= 0 {
		c.SweepSeconds = 60
	}
	if c.StaggerMS <= 0 {
		c.StaggerMS = 1500
	}
}

// Scheduler owns the per-connector debounce timer table. The connector
// identifier is the unit of mutual exclusion: scheduling a run for a
// connector with a pending timer cancels and replaces that timer.
type Scheduler struct {
	cfg    Config
	store  store.Store
	reg    *registry.Registry
	sender ProfileSender
	bus    eventbus.EventBus
	sink   metrics.Sink
	log    logger.Logger
	now    func() time.Time

	mu        sync.Mutex
	timers    map[string]*time.Timer
	lastFired map[string]time.Time
	closed    bool
}

// New creates a Scheduler.
func New(cfg Config, st store.Store, reg *registry.Registry, sender ProfileSender, bus eventbus.EventBus, sink metrics.Sink, log logger.Logger) (*Scheduler, error) {
	if st == nil || reg == nil || sender == nil {
		return nil, fmt.Errorf("scheduler: nil parameter provided to New")
	}
	cfg.SetDefaults()
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		reg:       reg,
		sender:    sender,
		bus:       bus,
		sink:      sink,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		timers:    map[string]*time.Timer{},
		lastFired: map[string]time.Time{},
	}, nil
}

// Schedule queues an allocation recompute for the connector. A zero delay
// uses the debounce window; a pending timer for the same connector is
// cancelled and replaced. Immediate triggers bypass both the debounce and
// the minimum re-fire interval.
func (s *Scheduler) Schedule(cpid string, delay time.Duration, immediate bool) {
	if immediate {
		go s.fire(context.Background(), cpid, true)
		return
	}
	if delay <= 0 {
		delay = time.Duration(s.cfg.DebounceSeconds) * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[cpid]; ok {
		t.Stop()
	}
	s.timers[cpid] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, cpid)
		s.mu.Unlock()
		s.fire(context.Background(), cpid, false)
	})
	scheduled.Inc()
}

// ScheduleOnline debounce-schedules a recompute for every currently online
// connector.
func (s *Scheduler) ScheduleOnline(ctx context.Context) {
	ids, err := s.reg.OnlineConnectorIDs(ctx)
	if err != nil {
		s.log.Errorf("online connector resolution failed: %v", err)
		return
	}
	for _, id := range ids {
		s.Schedule(id, 0, false)
	}
}

// TriggerNow fires immediately for the requested scope, bypassing
// debouncing and the minimum interval. It returns the number of connectors
// scheduled.
func (s *Scheduler) TriggerNow(ctx context.Context, scope Scope, targetID string) (int, error) {
	var targets []model.Connector
	switch scope {
	case ScopeFleet:
		all, err := s.store.Connectors(ctx, store.ConnectorFilter{})
		if err != nil {
			return 0, err
		}
		targets = all
	case ScopeStation:
		conns, err := s.store.Connectors(ctx, store.ConnectorFilter{CPSN: targetID})
		if err != nil {
			return 0, err
		}
		if len(conns) == 0 {
			return 0, fmt.Errorf("unknown station %q", targetID)
		}
		targets = conns
	case ScopeMeter:
		conns, err := s.store.Connectors(ctx, store.ConnectorFilter{CPID: targetID})
		if err != nil {
			return 0, err
		}
		if len(conns) == 0 {
			return 0, fmt.Errorf("unknown connector %q", targetID)
		}
		targets = conns
	default:
		return 0, ErrUnknownScope
	}
	for _, c := range targets {
		s.Schedule(c.CPID, 0, true)
	}
	return len(targets), nil
}

// Compute runs the allocation engine over the current roster without
// pushing anything. Used by the admin snapshot endpoint and the preview
// command.
func (s *Scheduler) Compute(ctx context.Context) ([]model.AllocationResult, error) {
	setting, connectors, online, err := s.inputs(ctx)
	if err != nil {
		return nil, err
	}
	return allocation.Allocate(setting, connectors, online)
}

func (s *Scheduler) inputs(ctx context.Context) (model.SiteSetting, []model.Connector, map[string]bool, error) {
	settings, err := s.store.SiteSettings(ctx)
	if err != nil {
		return model.SiteSetting{}, nil, nil, fmt.Errorf("site settings: %w", err)
	}
	if len(settings) == 0 {
		return model.SiteSetting{}, nil, nil, ErrNoSettings
	}
	connectors, err := s.store.Connectors(ctx, store.ConnectorFilter{})
	if err != nil {
		return model.SiteSetting{}, nil, nil, fmt.Errorf("roster: %w", err)
	}
	ids, err := s.reg.OnlineConnectorIDs(ctx)
	if err != nil {
		return model.SiteSetting{}, nil, nil, fmt.Errorf("online connectors: %w", err)
	}
	online := make(map[string]bool, len(ids))
	for _, id := range ids {
		online[id] = true
	}
	return settings[0], connectors, online, nil
}

// fire recomputes the whole allocation and pushes this connector's share.
// Compute errors abort the cycle; the reconciliation sweep retries later.
func (s *Scheduler) fire(ctx context.Context, cpid string, manual bool) {
	if !manual {
		minInterval := time.Duration(s.cfg.MinIntervalSeconds) * time.Second
		s.mu.Lock()
		last, ok := s.lastFired[cpid]
		if ok && s.now().Sub(last) < minInterval {
			s.mu.Unlock()
			suppressed.Inc()
			s.log.Debugf("suppressing recompute for %s, fired %s ago", cpid, s.now().Sub(last))
			return
		}
		s.mu.Unlock()
	}

	setting, connectors, online, err := s.inputs(ctx)
	if err != nil {
		computeErrors.Inc()
		s.log.Errorf("allocation cycle for %s aborted: %v", cpid, err)
		return
	}
	results, err := allocation.Allocate(setting, connectors, online)
	if err != nil {
		computeErrors.Inc()
		s.log.Errorf("allocation cycle for %s aborted: %v", cpid, err)
		return
	}

	var target *model.Connector
	for i := range connectors {
		if connectors[i].CPID == cpid {
			target = &connectors[i]
			break
		}
	}
	if target == nil {
		s.log.Warnf("connector %s vanished from roster, skipping push", cpid)
		return
	}
	var res model.AllocationResult
	for _, r := range results {
		if r.CPID == cpid {
			res = r
			break
		}
	}

	delivered := s.sender.SetChargingProfile(ctx, *target, res)
	pushes.WithLabelValues(deliveredLabel(delivered)).Inc()

	s.mu.Lock()
	s.lastFired[cpid] = s.now()
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.AllocationApplied{Result: res, CPSN: target.CPSN, Delivered: delivered, At: s.now()})
	}
	if s.sink != nil {
		source := "event"
		if manual {
			source = "manual"
		}
		rec := metrics.AllocationRecord{Result: res, CPSN: target.CPSN, Source: source, Delivered: delivered, Time: s.now()}
		if err := s.sink.RecordAllocation([]metrics.AllocationRecord{rec}); err != nil {
			s.log.Errorf("allocation metrics error: %v", err)
		}
	}
	s.log.Infof("pushed limit %.0f%s to %s (delivered=%t)", res.Limit, res.Unit, cpid, delivered)
}

// Run consumes domain events and drives the reconciliation sweep until the
// context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var sub <-chan eventbus.Event
	if s.bus != nil {
		sub = s.bus.Subscribe()
		defer s.bus.Unsubscribe(sub)
	}
	ticker := time.NewTicker(time.Duration(s.cfg.SweepSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case ev, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			s.handleEvent(ctx, ev)
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Scheduler) handleEvent(ctx context.Context, ev eventbus.Event) {
	switch e := ev.(type) {
	case events.ChargingStarted, events.ChargingStopped,
		events.TransactionOpened, events.TransactionClosed:
		s.ScheduleOnline(ctx)
	case events.StationConnected:
		// Stagger the initial recompute burst of a multi-connector station.
		conns, err := s.store.Connectors(ctx, store.ConnectorFilter{CPSN: e.CPSN})
		if err != nil {
			s.log.Errorf("roster for %s: %v", e.CPSN, err)
			return
		}
		for _, c := range conns {
			s.Schedule(c.CPID, s.stagger(), false)
		}
	case events.StationDisconnected:
		// Freed capacity goes back to whoever is still online.
		s.ScheduleOnline(ctx)
	}
}

// reconcile recomputes for every online connector regardless of event
// history. This is the fault-tolerance backstop for missed events and
// dropped commands.
func (s *Scheduler) reconcile(ctx context.Context) {
	ids, err := s.reg.OnlineConnectorIDs(ctx)
	if err != nil {
		s.log.Errorf("reconciliation sweep failed: %v", err)
		return
	}
	sweeps.Inc()
	for _, id := range ids {
		s.Schedule(id, s.stagger(), false)
	}
}

func (s *Scheduler) stagger() time.Duration {
	return time.Duration(rand.Intn(s.cfg.StaggerMS)+1) * time.Millisecond //nolint:gosec
}

// Stop cancels all pending timers. Replacing or cancelling a pending timer
// is the only cancellation primitive; in-flight pushes run to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func deliveredLabel(d bool) string {
	if d {
		return "delivered"
	}
	return "dropped"
}
