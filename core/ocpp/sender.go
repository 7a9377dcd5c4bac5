package ocpp

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/registry"
	"github.com/kilianp07/csms/core/store"
)

// CommandSender issues server-initiated calls over the registry's open
// connections. Every command is a no-op returning false when the target
// station is not connected; a failed send is logged and surfaced the same
// way, never as an error.
type CommandSender struct {
	reg   *registry.Registry
	audit store.AuditLogger
	log   logger.Logger
}

// NewCommandSender creates a sender writing audit entries through the given
// logger.
func NewCommandSender(reg *registry.Registry, audit store.AuditLogger, log logger.Logger) *CommandSender {
	return &CommandSender{reg: reg, audit: audit, log: log}
}

// SetChargingProfile pushes an allocation result to the connector's owning
// station.
func (s *CommandSender) SetChargingProfile(ctx context.Context, target model.Connector, res model.AllocationResult) bool {
	req := SetChargingProfileReq{
		ConnectorID: target.ConnectorIndex,
		CSChargingProfile: ChargingProfile{
			ChargingProfileID:      1,
			StackLevel:             0,
			ChargingProfilePurpose: "ChargePointMaxProfile",
			ChargingProfileKind:    "Absolute",
			ChargingSchedule: ChargingSchedule{
				ChargingRateUnit:       string(res.Unit),
				ChargingSchedulePeriod: []ChargingSchedulePeriod{{StartPeriod: 0, Limit: res.Limit}},
			},
		},
	}
	return s.send(ctx, target.CPSN, ActionSetChargingProfile, req)
}

// RequestStatus asks a station to refresh the status of one connector.
func (s *CommandSender) RequestStatus(ctx context.Context, cpsn string, connectorIndex int) bool {
	req := TriggerMessageReq{RequestedMessage: ActionStatusNotification, ConnectorID: &connectorIndex}
	return s.send(ctx, cpsn, ActionTriggerMessage, req)
}

// RequestMeterValues asks a station for a fresh meter sample.
func (s *CommandSender) RequestMeterValues(ctx context.Context, cpsn string, connectorIndex int) bool {
	req := TriggerMessageReq{RequestedMessage: ActionMeterValues, ConnectorID: &connectorIndex}
	return s.send(ctx, cpsn, ActionTriggerMessage, req)
}

// RemoteStart asks a station to begin a transaction for the given tag.
func (s *CommandSender) RemoteStart(ctx context.Context, cpsn, idTag string, connectorIndex int) bool {
	req := RemoteStartTransactionReq{IDTag: idTag, ConnectorID: &connectorIndex}
	return s.send(ctx, cpsn, ActionRemoteStartTransaction, req)
}

// RemoteStop asks a station to end a running transaction.
func (s *CommandSender) RemoteStop(ctx context.Context, cpsn string, transactionID int) bool {
	req := RemoteStopTransactionReq{TransactionID: transactionID}
	return s.send(ctx, cpsn, ActionRemoteStopTransaction, req)
}

func (s *CommandSender) send(ctx context.Context, cpsn, action string, payload any) bool {
	conns := s.reg.Connections(cpsn)
	if len(conns) == 0 {
		s.log.Warnf("%s: target %s not connected", action, cpsn)
		return false
	}
	call, err := NewCall(uuid.NewString(), action, payload)
	if err != nil {
		s.log.Errorf("build %s for %s: %v", action, cpsn, err)
		return false
	}
	raw, err := call.Encode()
	if err != nil {
		s.log.Errorf("encode %s for %s: %v", action, cpsn, err)
		return false
	}
	if s.audit != nil {
		entry := store.AuditEntry{
			ID:        uuid.NewString(),
			CPSN:      cpsn,
			Raw:       string(raw),
			Direction: store.DirectionOut,
			Timestamp: time.Now().UTC(),
		}
		if err := s.audit.AppendAuditLog(ctx, entry); err != nil {
			auditFailures.Inc()
			s.log.Errorf("audit %s for %s: %v", action, cpsn, err)
		}
	}
	// The most recent connection is the healthiest bet when a station
	// holds several links.
	if err := conns[len(conns)-1].Send(raw); err != nil {
		sendFailures.Inc()
		s.log.Errorf("send %s to %s failed: %v", action, cpsn, err)
		return false
	}
	commandsSent.WithLabelValues(action).Inc()
	return true
}
