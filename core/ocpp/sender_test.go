package ocpp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/registry"
	"github.com/kilianp07/csms/core/store"
	"github.com/kilianp07/csms/infra/logger"
)

func TestSetChargingProfile(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedConnectors(model.Connector{CPID: "cp-1", CPSN: "station-a", ConnectorIndex: 1, Class: model.ClassAC, RatedKW: 7})
	reg := registry.New(mem, nil, logger.NopLogger{})
	conn := &fakeConn{}
	reg.Register(context.Background(), "station-a", conn)

	sender := NewCommandSender(reg, mem, logger.NopLogger{})
	target := model.Connector{CPID: "cp-1", CPSN: "station-a", ConnectorIndex: 1}
	res := model.AllocationResult{CPID: "cp-1", Unit: model.UnitAmps, Limit: 31, LimitKW: 6.82}

	if !sender.SetChargingProfile(context.Background(), target, res) {
		t.Fatalf("push reported failure")
	}
	f := conn.last(t)
	if f.Action != ActionSetChargingProfile {
		t.Fatalf("action: %s", f.Action)
	}
	var req SetChargingProfileReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if req.ConnectorID != 1 || req.CSChargingProfile.ChargingSchedule.ChargingRateUnit != "A" {
		t.Fatalf("req: %+v", req)
	}
	periods := req.CSChargingProfile.ChargingSchedule.ChargingSchedulePeriod
	if len(periods) != 1 || periods[0].Limit != 31 {
		t.Fatalf("periods: %+v", periods)
	}
	// The push itself lands in the audit log as an outbound frame.
	entries := mem.AuditEntries()
	if len(entries) != 1 || entries[0].Direction != store.DirectionOut {
		t.Fatalf("audit: %+v", entries)
	}
}

func TestSendToOfflineStation(t *testing.T) {
	mem := store.NewMemoryStore()
	reg := registry.New(mem, nil, logger.NopLogger{})
	sender := NewCommandSender(reg, mem, logger.NopLogger{})

	if sender.RemoteStop(context.Background(), "station-x", 7) {
		t.Fatalf("expected failure for offline station")
	}
	if len(mem.AuditEntries()) != 0 {
		t.Fatalf("nothing should be audited for a skipped send")
	}
}

func TestSendFailureReportsFalse(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedConnectors(model.Connector{CPID: "cp-1", CPSN: "station-a", ConnectorIndex: 1})
	reg := registry.New(mem, nil, logger.NopLogger{})
	conn := &fakeConn{failed: true}
	reg.Register(context.Background(), "station-a", conn)
	sender := NewCommandSender(reg, mem, logger.NopLogger{})

	if sender.RequestMeterValues(context.Background(), "station-a", 1) {
		t.Fatalf("expected failure when the connection is broken")
	}
}
