package ocpp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kilianp07/csms/core/events"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/registry"
	"github.com/kilianp07/csms/core/store"
	"github.com/kilianp07/csms/infra/logger"
	"github.com/kilianp07/csms/internal/eventbus"
)

// fakeConn records every frame sent to it.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	failed bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return fmt.Errorf("connection closed")
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) last(t *testing.T) Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatalf("nothing sent")
	}
	f, err := Decode(c.sent[len(c.sent)-1])
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	return f
}

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore, *registry.Registry, *eventbus.Bus) {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.SeedConnectors(
		model.Connector{CPID: "cp-1", CPSN: "station-a", ConnectorIndex: 1, Class: model.ClassAC, RatedKW: 7, Status: model.StatusAvailable},
		model.Connector{CPID: "cp-2", CPSN: "station-a", ConnectorIndex: 2, Class: model.ClassAC, RatedKW: 7, Status: model.StatusAvailable},
	)
	bus := eventbus.New()
	reg := registry.New(mem, nil, logger.NopLogger{})
	eng, err := NewEngine(mem, nil, reg, bus, Config{}, logger.NopLogger{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng, mem, reg, bus
}

func session(reg *registry.Registry) (*Session, *fakeConn) {
	conn := &fakeConn{}
	reg.Register(context.Background(), "station-a", conn)
	return &Session{CPSN: "station-a", Conn: conn}, conn
}

func drain(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHandleBootNotification(t *testing.T) {
	eng, _, reg, _ := newTestEngine(t)
	sess, conn := session(reg)

	eng.HandleMessage(context.Background(), sess, []byte(`[2,"1","BootNotification",{"chargePointVendor":"acme","chargePointModel":"one"}]`))

	f := conn.last(t)
	if f.Type != MessageCallResult {
		t.Fatalf("expected result, got %+v", f)
	}
	var conf BootNotificationConf
	if err := json.Unmarshal(f.Payload, &conf); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if conf.Status != "Accepted" || conf.Interval != 300 {
		t.Fatalf("conf: %+v", conf)
	}
	snap, ok := reg.Snapshot("station-a")
	if !ok || snap.Vendor != "acme" || snap.Model != "one" {
		t.Fatalf("snapshot: %+v ok=%v", snap, ok)
	}
}

func TestHandleHeartbeatTouchesStation(t *testing.T) {
	eng, _, reg, _ := newTestEngine(t)
	sess, conn := session(reg)

	eng.HandleMessage(context.Background(), sess, []byte(`[2,"2","Heartbeat",{}]`))

	var conf HeartbeatConf
	if err := json.Unmarshal(conn.last(t).Payload, &conf); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, conf.CurrentTime); err != nil {
		t.Fatalf("current time: %v", err)
	}
	snap, _ := reg.Snapshot("station-a")
	if snap.HeartbeatAt.IsZero() {
		t.Fatalf("heartbeat not recorded")
	}
}

func TestHandleAuthorizeWithoutResolver(t *testing.T) {
	eng, _, reg, _ := newTestEngine(t)
	sess, conn := session(reg)

	eng.HandleMessage(context.Background(), sess, []byte(`[2,"3","Authorize",{"idTag":"tag-1"}]`))

	var conf AuthorizeConf
	if err := json.Unmarshal(conn.last(t).Payload, &conf); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if conf.IDTagInfo.Status != AuthAccepted {
		t.Fatalf("status: %s", conf.IDTagInfo.Status)
	}
}

type rejectingResolver struct{}

func (rejectingResolver) ResolveIdentity(context.Context, string) (store.Identity, error) {
	return store.Identity{Valid: false}, nil
}

func TestHandleAuthorizeRejectedByResolver(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedConnectors(model.Connector{CPID: "cp-1", CPSN: "station-a", ConnectorIndex: 1, Class: model.ClassAC, RatedKW: 7})
	reg := registry.New(mem, nil, logger.NopLogger{})
	eng, err := NewEngine(mem, rejectingResolver{}, reg, nil, Config{}, logger.NopLogger{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	sess, conn := session(reg)

	eng.HandleMessage(context.Background(), sess, []byte(`[2,"4","Authorize",{"idTag":"tag-1"}]`))

	var conf AuthorizeConf
	if err := json.Unmarshal(conn.last(t).Payload, &conf); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if conf.IDTagInfo.Status != AuthInvalid {
		t.Fatalf("status: %s", conf.IDTagInfo.Status)
	}
}

func TestHandleStatusNotificationUpdatesDirectory(t *testing.T) {
	eng, mem, reg, bus := newTestEngine(t)
	sub := bus.Subscribe()
	sess, _ := session(reg)

	eng.HandleMessage(context.Background(), sess, []byte(`[2,"5","StatusNotification",{"connectorId":1,"status":"Charging"}]`))

	conns, _ := mem.Connectors(context.Background(), store.ConnectorFilter{CPID: "cp-1"})
	if conns[0].Status != model.StatusCharging {
		t.Fatalf("status: %s", conns[0].Status)
	}
	evs := drain(sub)
	if len(evs) != 1 {
		t.Fatalf("events: %d", len(evs))
	}
	started, ok := evs[0].(events.ChargingStarted)
	if !ok || started.CPID != "cp-1" {
		t.Fatalf("event: %+v", evs[0])
	}
}

func TestHandleStatusNotificationUnmappedStatus(t *testing.T) {
	eng, mem, reg, _ := newTestEngine(t)
	sess, _ := session(reg)

	eng.HandleMessage(context.Background(), sess, []byte(`[2,"6","StatusNotification",{"connectorId":1,"status":"Preparing"}]`))

	// The directory keeps its vocabulary; the snapshot records the raw text.
	conns, _ := mem.Connectors(context.Background(), store.ConnectorFilter{CPID: "cp-1"})
	if conns[0].Status != model.StatusAvailable {
		t.Fatalf("directory status changed: %s", conns[0].Status)
	}
	snap, _ := reg.Snapshot("station-a")
	if snap.Connectors[1].Status != "Preparing" {
		t.Fatalf("snapshot status: %q", snap.Connectors[1].Status)
	}
}

func TestHandleStartAndStopTransaction(t *testing.T) {
	eng, mem, reg, bus := newTestEngine(t)
	sub := bus.Subscribe()
	sess, conn := session(reg)
	ctx := context.Background()

	eng.HandleMessage(ctx, sess, []byte(`[2,"7","StartTransaction",{"connectorId":1,"idTag":"tag-1","meterStart":15000,"timestamp":"2026-03-01T10:00:00Z"}]`))

	var startConf StartTransactionConf
	if err := json.Unmarshal(conn.last(t).Payload, &startConf); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if startConf.TransactionID != 1 || startConf.IDTagInfo.Status != AuthAccepted {
		t.Fatalf("start conf: %+v", startConf)
	}
	if startConf.IDTagInfo.ExpiryDate == "" {
		t.Fatalf("missing expiry")
	}
	tx, err := mem.Transaction(ctx, 1)
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if tx.MeterStartKWh != 15 || tx.Status != model.TxActive || tx.Tag != "tag-1" {
		t.Fatalf("tx: %+v", tx)
	}
	conns, _ := mem.Connectors(ctx, store.ConnectorFilter{CPID: "cp-1"})
	if conns[0].ActiveTransactionID == nil || *conns[0].ActiveTransactionID != 1 {
		t.Fatalf("transaction not bound: %+v", conns[0])
	}
	evs := drain(sub)
	if len(evs) != 2 {
		t.Fatalf("start events: %d", len(evs))
	}
	if _, ok := evs[0].(events.TransactionOpened); !ok {
		t.Fatalf("first event: %+v", evs[0])
	}

	eng.HandleMessage(ctx, sess, []byte(`[2,"8","StopTransaction",{"transactionId":1,"meterStop":18500,"reason":"EVDisconnected","timestamp":"2026-03-01T11:00:00Z"}]`))

	tx, _ = mem.Transaction(ctx, 1)
	if tx.Status != model.TxCompleted || tx.MeterStopKWh != 18.5 || tx.StopReason != "EVDisconnected" {
		t.Fatalf("closed tx: %+v", tx)
	}
	if tx.EndedAt == nil {
		t.Fatalf("ended at missing")
	}
	conns, _ = mem.Connectors(ctx, store.ConnectorFilter{CPID: "cp-1"})
	if conns[0].ActiveTransactionID != nil {
		t.Fatalf("transaction reference not cleared")
	}
	evs = drain(sub)
	if len(evs) != 2 {
		t.Fatalf("stop events: %d", len(evs))
	}
	closed, ok := evs[0].(events.TransactionClosed)
	if !ok || closed.Reason != "EVDisconnected" {
		t.Fatalf("closed event: %+v", evs[0])
	}
}

func TestHandleStopTransactionUnknownID(t *testing.T) {
	eng, _, reg, _ := newTestEngine(t)
	sess, conn := session(reg)

	eng.HandleMessage(context.Background(), sess, []byte(`[2,"9","StopTransaction",{"transactionId":99,"meterStop":0}]`))

	f := conn.last(t)
	if f.Type != MessageCallError || f.ErrorCode != ErrCodeInternal {
		t.Fatalf("expected call error, got %+v", f)
	}
}

func TestHandleStopTransactionConnectorGone(t *testing.T) {
	eng, mem, reg, _ := newTestEngine(t)
	sess, conn := session(reg)
	ctx := context.Background()

	eng.HandleMessage(ctx, sess, []byte(`[2,"1","StartTransaction",{"connectorId":1,"idTag":"tag-1","meterStart":0,"timestamp":"2026-03-01T10:00:00Z"}]`))

	// The connector vanishes from the roster before the stop arrives.
	mem.SeedConnectors(model.Connector{CPID: "cp-2", CPSN: "station-a", ConnectorIndex: 2, Class: model.ClassAC, RatedKW: 7})
	eng.HandleMessage(ctx, sess, []byte(`[2,"2","StopTransaction",{"transactionId":1,"meterStop":0,"timestamp":"2026-03-01T11:00:00Z"}]`))

	f := conn.last(t)
	if f.Type != MessageCallError || f.ErrorCode != ErrCodeInternal {
		t.Fatalf("expected call error, got %+v", f)
	}
	if !strings.Contains(f.ErrorDescription, "connector cp-1 not found") {
		t.Fatalf("description: %q", f.ErrorDescription)
	}
}

func TestHandleMeterValuesAdvancesTelemetry(t *testing.T) {
	eng, mem, reg, _ := newTestEngine(t)
	sess, _ := session(reg)
	ctx := context.Background()

	eng.HandleMessage(ctx, sess, []byte(`[2,"10","StartTransaction",{"connectorId":1,"idTag":"tag-1","meterStart":15000}]`))
	eng.HandleMessage(ctx, sess, []byte(`[2,"11","MeterValues",{"connectorId":1,"transactionId":1,"meterValue":[{"timestamp":"2026-03-01T10:30:00Z","sampledValue":[{"value":"16200","measurand":"Energy.Active.Import.Register","unit":"Wh"}]}]}]`))

	tx, _ := mem.Transaction(ctx, 1)
	if tx.LastTelemetryAt == nil {
		t.Fatalf("telemetry timestamp not set")
	}
	first := *tx.LastTelemetryAt
	if tx.MeterStopKWh != 16.2 {
		t.Fatalf("running total: %v", tx.MeterStopKWh)
	}

	// An older sample must not move the telemetry timestamp backwards.
	eng.HandleMessage(ctx, sess, []byte(`[2,"12","MeterValues",{"connectorId":1,"transactionId":1,"meterValue":[{"timestamp":"2026-03-01T10:00:00Z","sampledValue":[{"value":"15800","measurand":"Energy.Active.Import.Register","unit":"Wh"}]}]}]`))
	tx, _ = mem.Transaction(ctx, 1)
	if !tx.LastTelemetryAt.Equal(first) {
		t.Fatalf("telemetry regressed: %v -> %v", first, tx.LastTelemetryAt)
	}

	conns, _ := mem.Connectors(ctx, store.ConnectorFilter{CPID: "cp-1"})
	if conns[0].Reading.EnergyKWh == 0 {
		t.Fatalf("connector reading not updated")
	}
}

func TestHandleDataTransferInterop(t *testing.T) {
	eng, _, reg, _ := newTestEngine(t)
	sess, conn := session(reg)

	eng.HandleMessage(context.Background(), sess, []byte(`[2,"13","DataTransfer",{"vendorId":"com.csms.interop"}]`))

	var conf DataTransferConf
	if err := json.Unmarshal(conn.last(t).Payload, &conf); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if conf.Status != "Accepted" || conf.Data != "cp-1" {
		t.Fatalf("conf: %+v", conf)
	}
}

func TestUnknownActionGetsEmptyAcceptance(t *testing.T) {
	eng, _, reg, _ := newTestEngine(t)
	sess, conn := session(reg)

	eng.HandleMessage(context.Background(), sess, []byte(`[2,"14","FirmwareStatusNotification",{}]`))

	f := conn.last(t)
	if f.Type != MessageCallResult || string(f.Payload) != "{}" {
		t.Fatalf("expected empty acceptance, got %+v", f)
	}
}

func TestUndecodableFrameIsDropped(t *testing.T) {
	eng, mem, reg, _ := newTestEngine(t)
	sess, conn := session(reg)

	eng.HandleMessage(context.Background(), sess, []byte(`not json`))

	conn.mu.Lock()
	sent := len(conn.sent)
	conn.mu.Unlock()
	if sent != 0 {
		t.Fatalf("reply sent for garbage frame")
	}
	// The raw bytes still land in the audit log.
	entries := mem.AuditEntries()
	if len(entries) != 1 || entries[0].Direction != store.DirectionIn {
		t.Fatalf("audit entries: %+v", entries)
	}
	if !strings.Contains(entries[0].Raw, "not json") {
		t.Fatalf("raw not preserved: %q", entries[0].Raw)
	}
}

func TestAuditRecordsBothDirections(t *testing.T) {
	eng, mem, reg, _ := newTestEngine(t)
	sess, _ := session(reg)

	eng.HandleMessage(context.Background(), sess, []byte(`[2,"15","Heartbeat",{}]`))

	entries := mem.AuditEntries()
	if len(entries) != 2 {
		t.Fatalf("audit entries: %d", len(entries))
	}
	if entries[0].Direction != store.DirectionIn || entries[1].Direction != store.DirectionOut {
		t.Fatalf("directions: %s %s", entries[0].Direction, entries[1].Direction)
	}
	if entries[0].CPID != "cp-1" || entries[0].CPSN != "station-a" {
		t.Fatalf("identity: %+v", entries[0])
	}
}
