package ocpp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/csms/core/events"
	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/registry"
	"github.com/kilianp07/csms/core/store"
	"github.com/kilianp07/csms/internal/eventbus"
)

// authExpiry is the validity window granted on StartTransaction.
const authExpiry = 24 * time.Hour

// interopVendorID identifies the vendor extension whose DataTransfer frames
// are answered with the station's primary connector identifier.
const interopVendorID = "com.csms.interop"

// Config tunes the protocol engine.
type Config struct {
	// HeartbeatIntervalSeconds is advertised to stations in boot replies.
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.HeartbeatIntervalSeconds <= 0 {
		c.HeartbeatIntervalSeconds = 300
	}
}

// Session is the per-connection state handed to the engine with every
// frame. There is no cross-connection shared state except through the
// directory and the registry.
type Session struct {
	CPSN string
	Conn registry.Conn
}

type handlerResult struct {
	payload any
	events  []eventbus.Event
}

type handlerFunc func(ctx context.Context, sess *Session, f Frame) (handlerResult, error)

// Engine decodes inbound frames, drives the per-session state machine and
// answers on the same connection. One Engine serves all connections;
// per-connector keyed locks serialize directory mutation and transaction
// open/close so frames for different connectors process fully in parallel.
type Engine struct {
	store    store.Store
	identity store.IdentityResolver
	reg      *registry.Registry
	bus      eventbus.EventBus
	log      logger.Logger
	interval int
	now      func() time.Time

	handlers map[string]handlerFunc

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewEngine creates the protocol engine. identity may be nil, in which case
// Authorize frames are accepted unconditionally.
func NewEngine(st store.Store, identity store.IdentityResolver, reg *registry.Registry, bus eventbus.EventBus, cfg Config, log logger.Logger) (*Engine, error) {
	if st == nil || reg == nil {
		return nil, fmt.Errorf("ocpp: nil store or registry provided to NewEngine")
	}
	cfg.SetDefaults()
	e := &Engine{
		store:    st,
		identity: identity,
		reg:      reg,
		bus:      bus,
		log:      log,
		interval: cfg.HeartbeatIntervalSeconds,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    map[string]*sync.Mutex{},
	}
	e.handlers = map[string]handlerFunc{
		ActionBootNotification:   e.handleBoot,
		ActionHeartbeat:          e.handleHeartbeat,
		ActionAuthorize:          e.handleAuthorize,
		ActionStatusNotification: e.handleStatusNotification,
		ActionStartTransaction:   e.handleStartTransaction,
		ActionStopTransaction:    e.handleStopTransaction,
		ActionMeterValues:        e.handleMeterValues,
		ActionDataTransfer:       e.handleDataTransfer,
	}
	return e, nil
}

// connectorLock returns the mutex serializing work for one connector id.
func (e *Engine) connectorLock(cpid string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.locks[cpid]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[cpid] = mu
	}
	return mu
}

// HandleMessage processes one raw inbound frame for the session, sends the
// reply on the session connection and publishes resulting domain events.
// It never returns an error: decode failures drop the frame and handler
// failures answer with a call-error, the connection stays open either way.
func (e *Engine) HandleMessage(ctx context.Context, sess *Session, raw []byte) {
	e.audit(ctx, sess.CPSN, raw, store.DirectionIn)

	f, err := Decode(raw)
	if err != nil {
		framesDropped.Inc()
		e.log.Warnf("dropping undecodable frame from %s: %v (raw %s)", sess.CPSN, err, raw)
		return
	}

	switch f.Type {
	case MessageCall:
		e.handleCall(ctx, sess, f)
	case MessageCallResult:
		e.log.Debugw("call result", map[string]any{"cpsn": sess.CPSN, "id": f.ID})
	case MessageCallError:
		e.log.Warnf("station %s returned error for %s: %s %s", sess.CPSN, f.ID, f.ErrorCode, f.ErrorDescription)
	}
}

func (e *Engine) handleCall(ctx context.Context, sess *Session, f Frame) {
	framesHandled.WithLabelValues(f.Action).Inc()

	handler, known := e.handlers[f.Action]
	if !known {
		// Unknown actions get an empty acceptance rather than an error so
		// devices do not enter retry storms.
		e.log.Warnf("unknown action %q from %s", f.Action, sess.CPSN)
		e.reply(ctx, sess, mustResult(f.ID, struct{}{}))
		return
	}

	res, err := handler(ctx, sess, f)
	if err != nil {
		handlerErrors.WithLabelValues(f.Action).Inc()
		e.log.Errorf("%s from %s failed: %v", f.Action, sess.CPSN, err)
		e.reply(ctx, sess, NewError(f.ID, ErrCodeInternal, err.Error()))
		return
	}
	out, err := NewResult(f.ID, res.payload)
	if err != nil {
		e.log.Errorf("encode %s reply: %v", f.Action, err)
		e.reply(ctx, sess, NewError(f.ID, ErrCodeInternal, "reply encoding failed"))
		return
	}
	e.reply(ctx, sess, out)
	// Response first, then domain events: the scheduler subscribes to
	// these instead of being called from inside handlers.
	if e.bus != nil {
		for _, ev := range res.events {
			e.bus.Publish(ev)
		}
	}
}

func (e *Engine) reply(ctx context.Context, sess *Session, f Frame) {
	raw, err := f.Encode()
	if err != nil {
		e.log.Errorf("encode frame for %s: %v", sess.CPSN, err)
		return
	}
	e.audit(ctx, sess.CPSN, raw, store.DirectionOut)
	if err := sess.Conn.Send(raw); err != nil {
		sendFailures.Inc()
		e.log.Errorf("send to %s failed: %v", sess.CPSN, err)
	}
}

// audit persists a raw frame. Failures go to the log only and never block
// message handling.
func (e *Engine) audit(ctx context.Context, cpsn string, raw []byte, dir store.AuditDirection) {
	entry := store.AuditEntry{
		ID:        uuid.NewString(),
		CPID:      e.reg.PrimaryConnectorID(ctx, cpsn),
		CPSN:      cpsn,
		Raw:       string(raw),
		Direction: dir,
		Timestamp: e.now(),
	}
	if err := e.store.AppendAuditLog(ctx, entry); err != nil {
		auditFailures.Inc()
		e.log.Errorf("audit log append for %s failed: %v", cpsn, err)
	}
}

func (e *Engine) handleBoot(ctx context.Context, sess *Session, f Frame) (handlerResult, error) {
	var req BootNotificationReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return handlerResult{}, fmt.Errorf("decode boot: %w", err)
	}
	e.reg.SetStationInfo(sess.CPSN, req.ChargePointVendor, req.ChargePointModel)

	// Re-resolve the station's connector identity mapping off the handler
	// path. A failed resolution only affects which id audit entries carry;
	// directory state is keyed by roster cpids regardless.
	cpsn := sess.CPSN
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if id := e.reg.PrimaryConnectorID(ctx, cpsn); id == cpsn {
			e.log.Warnf("no connector mapping for station %s, using station id for logging", cpsn)
		}
	}()

	return handlerResult{payload: BootNotificationConf{
		Status:      "Accepted",
		CurrentTime: e.now().Format(time.RFC3339),
		Interval:    e.interval,
	}}, nil
}

func (e *Engine) handleHeartbeat(_ context.Context, sess *Session, _ Frame) (handlerResult, error) {
	e.reg.Touch(sess.CPSN, e.now())
	return handlerResult{payload: HeartbeatConf{CurrentTime: e.now().Format(time.RFC3339)}}, nil
}

func (e *Engine) handleAuthorize(ctx context.Context, _ *Session, f Frame) (handlerResult, error) {
	var req AuthorizeReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return handlerResult{}, fmt.Errorf("decode authorize: %w", err)
	}
	status := AuthAccepted
	if e.identity != nil {
		id, err := e.identity.ResolveIdentity(ctx, req.IDTag)
		if err != nil {
			return handlerResult{}, fmt.Errorf("resolve identity %s: %w", req.IDTag, err)
		}
		if !id.Valid {
			status = AuthInvalid
		}
	}
	return handlerResult{payload: AuthorizeConf{IDTagInfo: IDTagInfo{Status: status}}}, nil
}

func (e *Engine) handleStatusNotification(ctx context.Context, sess *Session, f Frame) (handlerResult, error) {
	var req StatusNotificationReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return handlerResult{}, fmt.Errorf("decode status notification: %w", err)
	}
	conn, err := e.connectorFor(ctx, sess.CPSN, req.ConnectorID)
	if err != nil {
		return handlerResult{}, err
	}

	mu := e.connectorLock(conn.CPID)
	mu.Lock()
	e.reg.UpdateTelemetry(sess.CPSN, req.ConnectorID, req.Status, nil, nil)
	if status, ok := mapStatus(req.Status); ok {
		if err := e.store.UpdateConnector(ctx, conn.CPID, store.ConnectorUpdate{Status: &status}); err != nil {
			mu.Unlock()
			return handlerResult{}, fmt.Errorf("update connector %s: %w", conn.CPID, err)
		}
	}
	mu.Unlock()

	res := handlerResult{payload: struct{}{}}
	switch Classify(f.Action, f.Payload) {
	case TransitionStarted:
		now := e.now()
		e.reg.UpdateTelemetry(sess.CPSN, req.ConnectorID, "", nil, &now)
		res.events = append(res.events, events.ChargingStarted{CPID: conn.CPID, CPSN: sess.CPSN, At: now})
	case TransitionStopped:
		res.events = append(res.events, events.ChargingStopped{CPID: conn.CPID, CPSN: sess.CPSN, At: e.now()})
	}
	return res, nil
}

func (e *Engine) handleStartTransaction(ctx context.Context, sess *Session, f Frame) (handlerResult, error) {
	var req StartTransactionReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return handlerResult{}, fmt.Errorf("decode start transaction: %w", err)
	}
	conn, err := e.connectorFor(ctx, sess.CPSN, req.ConnectorID)
	if err != nil {
		return handlerResult{}, err
	}

	mu := e.connectorLock(conn.CPID)
	mu.Lock()
	defer mu.Unlock()

	startedAt := e.now()
	if ts, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
		startedAt = ts
	}
	tx, err := e.store.CreateTransaction(ctx, model.Transaction{
		CPID:          conn.CPID,
		Tag:           req.IDTag,
		MeterStartKWh: float64(req.MeterStart) / 1000,
		StartedAt:     startedAt,
		Status:        model.TxActive,
	})
	if err != nil {
		return handlerResult{}, fmt.Errorf("create transaction for %s: %w", conn.CPID, err)
	}
	if err := e.store.UpdateConnector(ctx, conn.CPID, store.ConnectorUpdate{ActiveTransactionID: &tx.ProtocolID}); err != nil {
		return handlerResult{}, fmt.Errorf("bind transaction %d to %s: %w", tx.ProtocolID, conn.CPID, err)
	}

	return handlerResult{
		payload: StartTransactionConf{
			TransactionID: tx.ProtocolID,
			IDTagInfo: IDTagInfo{
				Status:     AuthAccepted,
				ExpiryDate: e.now().Add(authExpiry).Format(time.RFC3339),
			},
		},
		// StartTransaction is the strongest charging-begun signal and
		// always triggers reallocation.
		events: []eventbus.Event{
			events.TransactionOpened{ProtocolID: tx.ProtocolID, CPID: conn.CPID, CPSN: sess.CPSN, At: startedAt},
			events.ChargingStarted{CPID: conn.CPID, CPSN: sess.CPSN, At: startedAt},
		},
	}, nil
}

func (e *Engine) handleStopTransaction(ctx context.Context, sess *Session, f Frame) (handlerResult, error) {
	var req StopTransactionReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return handlerResult{}, fmt.Errorf("decode stop transaction: %w", err)
	}
	tx, err := e.store.Transaction(ctx, req.TransactionID)
	if err != nil {
		return handlerResult{}, fmt.Errorf("transaction %d: %w", req.TransactionID, err)
	}

	mu := e.connectorLock(tx.CPID)
	mu.Lock()
	defer mu.Unlock()

	endedAt := e.now()
	if ts, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
		endedAt = ts
	}
	tx.Status = model.TxCompleted
	tx.MeterStopKWh = float64(req.MeterStop) / 1000
	tx.StopReason = req.Reason
	tx.EndedAt = &endedAt
	if err := e.store.UpdateTransaction(ctx, tx); err != nil {
		return handlerResult{}, fmt.Errorf("close transaction %d: %w", req.TransactionID, err)
	}
	if err := e.clearConnectorTransaction(ctx, tx.CPID, tx.ProtocolID); err != nil {
		return handlerResult{}, err
	}

	return handlerResult{
		payload: struct{}{},
		events: []eventbus.Event{
			events.TransactionClosed{ProtocolID: tx.ProtocolID, CPID: tx.CPID, CPSN: sess.CPSN, Reason: req.Reason, At: endedAt},
			events.ChargingStopped{CPID: tx.CPID, CPSN: sess.CPSN, At: endedAt},
		},
	}, nil
}

// clearConnectorTransaction removes the connector's transaction reference
// only while it still points at the given transaction.
func (e *Engine) clearConnectorTransaction(ctx context.Context, cpid string, protocolID int) error {
	conns, err := e.store.Connectors(ctx, store.ConnectorFilter{CPID: cpid})
	if err != nil {
		return fmt.Errorf("connector %s lookup: %w", cpid, err)
	}
	if len(conns) == 0 {
		return fmt.Errorf("connector %s not found", cpid)
	}
	c := conns[0]
	if c.ActiveTransactionID == nil || *c.ActiveTransactionID != protocolID {
		return nil
	}
	if err := e.store.UpdateConnector(ctx, cpid, store.ConnectorUpdate{ClearTransaction: true}); err != nil {
		return fmt.Errorf("clear transaction on %s: %w", cpid, err)
	}
	return nil
}

func (e *Engine) handleMeterValues(ctx context.Context, sess *Session, f Frame) (handlerResult, error) {
	var req MeterValuesReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return handlerResult{}, fmt.Errorf("decode meter values: %w", err)
	}
	conn, err := e.connectorFor(ctx, sess.CPSN, req.ConnectorID)
	if err != nil {
		return handlerResult{}, err
	}
	reading := NormalizeMeterValues(req.MeterValue, e.now())

	mu := e.connectorLock(conn.CPID)
	mu.Lock()
	defer mu.Unlock()

	e.reg.UpdateTelemetry(sess.CPSN, req.ConnectorID, "", &reading, nil)
	if err := e.store.UpdateConnector(ctx, conn.CPID, store.ConnectorUpdate{Reading: &reading}); err != nil {
		return handlerResult{}, fmt.Errorf("update reading on %s: %w", conn.CPID, err)
	}

	if req.TransactionID != nil {
		tx, err := e.store.Transaction(ctx, *req.TransactionID)
		if err == nil && tx.Status == model.TxActive {
			// The telemetry timestamp must never regress on an active
			// transaction.
			if tx.LastTelemetryAt == nil || reading.SampledAt.After(*tx.LastTelemetryAt) {
				at := reading.SampledAt
				tx.LastTelemetryAt = &at
				tx.MeterStopKWh = reading.EnergyKWh
				if err := e.store.UpdateTransaction(ctx, tx); err != nil {
					e.log.Errorf("advance telemetry on tx %d: %v", tx.ProtocolID, err)
				}
			}
		}
	}
	return handlerResult{payload: struct{}{}}, nil
}

func (e *Engine) handleDataTransfer(ctx context.Context, sess *Session, f Frame) (handlerResult, error) {
	var req DataTransferReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return handlerResult{}, fmt.Errorf("decode data transfer: %w", err)
	}
	if req.VendorID == interopVendorID {
		return handlerResult{payload: DataTransferConf{
			Status: "Accepted",
			Data:   e.reg.PrimaryConnectorID(ctx, sess.CPSN),
		}}, nil
	}
	return handlerResult{payload: DataTransferConf{Status: "Accepted"}}, nil
}

// connectorFor resolves the connector record for a station and connector
// index.
func (e *Engine) connectorFor(ctx context.Context, cpsn string, index int) (model.Connector, error) {
	conns, err := e.store.Connectors(ctx, store.ConnectorFilter{CPSN: cpsn})
	if err != nil {
		return model.Connector{}, fmt.Errorf("roster for %s: %w", cpsn, err)
	}
	for _, c := range conns {
		if c.ConnectorIndex == index {
			return c, nil
		}
	}
	return model.Connector{}, fmt.Errorf("station %s has no connector %d", cpsn, index)
}

// mapStatus converts a raw wire status to the directory vocabulary. Raw
// statuses outside the vocabulary (Preparing, SuspendedEV, ...) leave the
// directory untouched; the registry snapshot still records them verbatim.
func mapStatus(raw string) (model.ConnectorStatus, bool) {
	if model.StatusIndicatesCharging(raw) {
		return model.StatusCharging, true
	}
	switch strings.ToLower(raw) {
	case "available":
		return model.StatusAvailable, true
	case "unavailable":
		return model.StatusUnavailable, true
	case "faulted":
		return model.StatusFaulted, true
	case "finishing":
		return model.StatusFinishing, true
	}
	return "", false
}

func mustResult(id string, payload any) Frame {
	f, err := NewResult(id, payload)
	if err != nil {
		return NewError(id, ErrCodeInternal, "encode failure")
	}
	return f
}
