// Package registry tracks the open transport connections and live telemetry
// snapshot of every charge station. State is purely in-memory and rebuilt
// from scratch on process start.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/csms/core/events"
	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/store"
	"github.com/kilianp07/csms/internal/eventbus"
)

// Conn is one open transport connection to a station. Implemented by the
// websocket layer and by test doubles.
type Conn interface {
	// Send writes a raw frame. A failed send must not be treated as fatal
	// by callers.
	Send(data []byte) error
	Close() error
}

// ConnectorTelemetry is the live state of one connector index as last seen
// on the wire.
type ConnectorTelemetry struct {
	Status          string
	Reading         model.MeterReading
	ChargeStartedAt *time.Time
}

// StationSnapshot is the decoded session state of a station. It exists only
// while the station has at least one open connection.
type StationSnapshot struct {
	CPSN        string
	Vendor      string
	Model       string
	Connectors  map[int]ConnectorTelemetry
	HeartbeatAt time.Time
}

type stationState struct {
	conns    []Conn
	snapshot StationSnapshot
}

// Registry holds per-station connection sets and telemetry snapshots. A
// station may hold more than one concurrent physical link; register and
// remove use append/filter semantics so independent connection lifecycles
// never lose entries.
type Registry struct {
	mu       sync.RWMutex
	stations map[string]*stationState

	connectors store.ConnectorStore
	bus        eventbus.EventBus
	log        logger.Logger
}

// New creates a Registry backed by the given connector roster.
func New(connectors store.ConnectorStore, bus eventbus.EventBus, log logger.Logger) *Registry {
	return &Registry{
		stations:   map[string]*stationState{},
		connectors: connectors,
		bus:        bus,
		log:        log,
	}
}

// Register adds a connection for the station. On the station's first open
// connection every connector under it is marked Available and a
// StationConnected event is published; the scheduler reacts by recomputing
// allocations for the station's connectors with a randomized stagger.
func (r *Registry) Register(ctx context.Context, cpsn string, conn Conn) {
	r.mu.Lock()
	st, ok := r.stations[cpsn]
	if !ok {
		st = &stationState{snapshot: StationSnapshot{CPSN: cpsn, Connectors: map[int]ConnectorTelemetry{}}}
		r.stations[cpsn] = st
	}
	first := len(st.conns) == 0
	st.conns = append(st.conns, conn)
	r.mu.Unlock()

	if !first {
		return
	}
	r.setStationStatus(ctx, cpsn, model.StatusAvailable)
	if r.bus != nil {
		r.bus.Publish(events.StationConnected{CPSN: cpsn, At: time.Now().UTC()})
	}
	r.log.Infof("station %s online", cpsn)
}

// Remove drops a connection for the station. When the last connection
// closes the telemetry snapshot is discarded, the station's connectors are
// marked Unavailable and a StationDisconnected event is published so freed
// capacity gets redistributed to the connectors still online.
func (r *Registry) Remove(ctx context.Context, cpsn string, conn Conn) {
	r.mu.Lock()
	st, ok := r.stations[cpsn]
	if !ok {
		r.mu.Unlock()
		return
	}
	kept := st.conns[:0]
	for _, c := range st.conns {
		if c != conn {
			kept = append(kept, c)
		}
	}
	st.conns = kept
	last := len(st.conns) == 0
	if last {
		delete(r.stations, cpsn)
	}
	r.mu.Unlock()

	if !last {
		return
	}
	r.setStationStatus(ctx, cpsn, model.StatusUnavailable)
	if r.bus != nil {
		r.bus.Publish(events.StationDisconnected{CPSN: cpsn, At: time.Now().UTC()})
	}
	r.log.Infof("station %s offline", cpsn)
}

func (r *Registry) setStationStatus(ctx context.Context, cpsn string, status model.ConnectorStatus) {
	conns, err := r.connectors.Connectors(ctx, store.ConnectorFilter{CPSN: cpsn})
	if err != nil {
		r.log.Errorf("roster lookup for %s failed: %v", cpsn, err)
		return
	}
	for _, c := range conns {
		if err := r.connectors.UpdateConnector(ctx, c.CPID, store.ConnectorUpdate{Status: &status}); err != nil {
			r.log.Errorf("status update for %s failed: %v", c.CPID, err)
		}
	}
}

// Online reports whether the station has at least one open connection.
func (r *Registry) Online(cpsn string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stations[cpsn]
	return ok && len(st.conns) > 0
}

// OnlineStations returns the identifiers of all stations with at least one
// open connection.
func (r *Registry) OnlineStations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.stations))
	for cpsn, st := range r.stations {
		if len(st.conns) > 0 {
			ids = append(ids, cpsn)
		}
	}
	sort.Strings(ids)
	return ids
}

// OnlineConnectorIDs resolves every connector belonging to a station with
// an open connection. Online status is a property of the station's roster
// in the directory, not of which telemetry happened to arrive.
func (r *Registry) OnlineConnectorIDs(ctx context.Context) ([]string, error) {
	var ids []string
	for _, cpsn := range r.OnlineStations() {
		conns, err := r.connectors.Connectors(ctx, store.ConnectorFilter{CPSN: cpsn})
		if err != nil {
			return nil, err
		}
		for _, c := range conns {
			ids = append(ids, c.CPID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// PrimaryConnectorID returns the station's lowest-index connector id. If no
// mapping is resolvable it falls back to the station identifier.
func (r *Registry) PrimaryConnectorID(ctx context.Context, cpsn string) string {
	conns, err := r.connectors.Connectors(ctx, store.ConnectorFilter{CPSN: cpsn})
	if err != nil || len(conns) == 0 {
		return cpsn
	}
	primary := conns[0]
	for _, c := range conns[1:] {
		if c.ConnectorIndex < primary.ConnectorIndex {
			primary = c
		}
	}
	return primary.CPID
}

// Connections returns the open connections for a station.
func (r *Registry) Connections(cpsn string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stations[cpsn]
	if !ok {
		return nil
	}
	return append([]Conn(nil), st.conns...)
}

// SetStationInfo records the vendor and model reported in a boot frame.
func (r *Registry) SetStationInfo(cpsn, vendor, mdl string) {
	r.mu.Lock()
	if st, ok := r.stations[cpsn]; ok {
		st.snapshot.Vendor = vendor
		st.snapshot.Model = mdl
	}
	r.mu.Unlock()
}

// Touch advances the station's heartbeat timestamp.
func (r *Registry) Touch(cpsn string, at time.Time) {
	r.mu.Lock()
	if st, ok := r.stations[cpsn]; ok {
		st.snapshot.HeartbeatAt = at
	}
	r.mu.Unlock()
}

// UpdateTelemetry merges live readings for one connector index into the
// snapshot. A nil reading keeps the previous one.
func (r *Registry) UpdateTelemetry(cpsn string, index int, status string, reading *model.MeterReading, chargeStart *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stations[cpsn]
	if !ok {
		return
	}
	t := st.snapshot.Connectors[index]
	if status != "" {
		t.Status = status
	}
	if reading != nil {
		t.Reading = *reading
	}
	if chargeStart != nil {
		t.ChargeStartedAt = chargeStart
	}
	st.snapshot.Connectors[index] = t
}

// Snapshot returns a copy of the station's telemetry snapshot. The second
// return value is false when the station has no open connection.
func (r *Registry) Snapshot(cpsn string) (StationSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stations[cpsn]
	if !ok {
		return StationSnapshot{}, false
	}
	cp := st.snapshot
	cp.Connectors = make(map[int]ConnectorTelemetry, len(st.snapshot.Connectors))
	for k, v := range st.snapshot.Connectors {
		cp.Connectors[k] = v
	}
	return cp, true
}
