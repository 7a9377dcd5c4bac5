// Package reaper finds charging sessions abandoned mid-transaction and
// closes them out without disturbing sessions that have legitimately
// superseded them.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/csms/core/events"
	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/store"
	"github.com/kilianp07/csms/internal/eventbus"
)

// StopReasonOrphaned is recorded on transactions closed by the reaper.
const StopReasonOrphaned = "OrphanedTransaction"

// Config tunes the reaper timers.
type Config struct {
	SweepSeconds   int `json:"sweep_seconds"`
	TimeoutMinutes int `json:"timeout_minutes"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.SweepSeconds <= 0 {
		c.SweepSeconds = 600
	}
	if c.TimeoutMinutes <= 0 {
		c.TimeoutMinutes = 30
	}
}

// Reaper periodically force-closes transactions stuck open past the
// timeout with stale telemetry.
type Reaper struct {
	cfg   Config
	store store.Store
	bus   eventbus.EventBus
	log   logger.Logger
	now   func() time.Time
}

// New creates a Reaper.
func New(cfg Config, st store.Store, bus eventbus.EventBus, log logger.Logger) (*Reaper, error) {
	if st == nil {
		return nil, fmt.Errorf("reaper: nil store provided to New")
	}
	cfg.SetDefaults()
	return &Reaper{
		cfg:   cfg,
		store: st,
		bus:   bus,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run sweeps on a fixed period until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.cfg.SweepSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.log.Errorf("orphan sweep failed: %v", err)
			} else if n > 0 {
				r.log.Infof("orphan sweep closed %d transactions", n)
			}
		}
	}
}

// Sweep closes every orphaned transaction and returns how many it reaped.
// A transaction is orphaned when it has been active longer than the
// timeout and its telemetry is absent or older than half the timeout.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	timeout := time.Duration(r.cfg.TimeoutMinutes) * time.Minute
	now := r.now()
	candidates, err := r.store.Transactions(ctx, store.TransactionFilter{
		Status:        model.TxActive,
		StartedBefore: now.Add(-timeout),
	})
	if err != nil {
		return 0, fmt.Errorf("select active transactions: %w", err)
	}

	staleBefore := now.Add(-timeout / 2)
	reaped := 0
	for _, tx := range candidates {
		if tx.LastTelemetryAt != nil && !tx.LastTelemetryAt.Before(staleBefore) {
			continue
		}
		if err := r.close(ctx, tx, now); err != nil {
			r.log.Errorf("reap transaction %d: %v", tx.ProtocolID, err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

func (r *Reaper) close(ctx context.Context, tx model.Transaction, now time.Time) error {
	endedAt := now
	if tx.LastTelemetryAt != nil {
		endedAt = *tx.LastTelemetryAt
	}
	tx.Status = model.TxError
	tx.StopReason = StopReasonOrphaned
	tx.EndedAt = &endedAt
	// MeterStopKWh already holds the last known reading; the meter-value
	// handler advances it together with the telemetry timestamp.
	if err := r.store.UpdateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	// Touch the connector only while its live transaction reference still
	// points at the reaped session. A connector that has since started a
	// legitimate new session keeps its active state.
	conns, err := r.store.Connectors(ctx, store.ConnectorFilter{CPID: tx.CPID})
	if err != nil {
		return fmt.Errorf("connector %s: %w", tx.CPID, err)
	}
	if len(conns) == 1 && conns[0].ActiveTransactionID != nil && *conns[0].ActiveTransactionID == tx.ProtocolID {
		status := model.StatusAvailable
		if err := r.store.UpdateConnector(ctx, tx.CPID, store.ConnectorUpdate{Status: &status, ClearTransaction: true}); err != nil {
			return fmt.Errorf("release connector %s: %w", tx.CPID, err)
		}
	}

	if r.bus != nil {
		r.bus.Publish(events.TransactionClosed{
			ProtocolID: tx.ProtocolID,
			CPID:       tx.CPID,
			Reason:     StopReasonOrphaned,
			At:         endedAt,
		})
	}
	r.log.Warnf("closed orphan transaction %d on %s (last telemetry %v)", tx.ProtocolID, tx.CPID, tx.LastTelemetryAt)
	return nil
}
