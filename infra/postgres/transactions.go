package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/store"
)

// CreateTransaction inserts a new session row. The database assigns the
// protocol identifier from a sequence; the returned row carries it.
func (s *Store) CreateTransaction(ctx context.Context, tx model.Transaction) (model.Transaction, error) {
	tx.ID = uuid.NewString()
	var protoID int64
	err := s.pool.QueryRow(ctx, `
		insert into transactions (id, cpid, tag, meter_start_kwh, meter_stop_kwh, stop_reason, status, started_at, ended_at, telemetry_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		returning protocol_id
	`, tx.ID, tx.CPID, tx.Tag, tx.MeterStartKWh, tx.MeterStopKWh, tx.StopReason,
		tx.Status, tx.StartedAt, tx.EndedAt, tx.LastTelemetryAt).Scan(&protoID)
	if err != nil {
		return model.Transaction{}, err
	}
	tx.ProtocolID = int(protoID)
	return tx, nil
}

// UpdateTransaction rewrites the mutable fields of a session row.
func (s *Store) UpdateTransaction(ctx context.Context, tx model.Transaction) error {
	tag, err := s.pool.Exec(ctx, `
		update transactions set
			meter_stop_kwh = $2,
			stop_reason    = $3,
			status         = $4,
			ended_at       = $5,
			telemetry_at   = $6
		where id = $1
	`, tx.ID, tx.MeterStopKWh, tx.StopReason, tx.Status, tx.EndedAt, tx.LastTelemetryAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Transaction looks up a session by its protocol identifier.
func (s *Store) Transaction(ctx context.Context, protocolID int) (model.Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		select id, protocol_id, cpid, tag, meter_start_kwh, meter_stop_kwh, stop_reason, status, started_at, ended_at, telemetry_at
		from transactions where protocol_id = $1
	`, int64(protocolID))
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Transaction{}, store.ErrNotFound
	}
	return tx, err
}

// Transactions returns the sessions matching the filter.
func (s *Store) Transactions(ctx context.Context, f store.TransactionFilter) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		select id, protocol_id, cpid, tag, meter_start_kwh, meter_stop_kwh, stop_reason, status, started_at, ended_at, telemetry_at
		from transactions
		where ($1 = '' or status = $1)
		  and ($2::timestamptz is null or started_at < $2)
		order by started_at
	`, string(f.Status), beforeArg(f.StartedBefore))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (model.Transaction, error) {
	var (
		tx      model.Transaction
		protoID int64
	)
	if err := row.Scan(&tx.ID, &protoID, &tx.CPID, &tx.Tag, &tx.MeterStartKWh, &tx.MeterStopKWh,
		&tx.StopReason, &tx.Status, &tx.StartedAt, &tx.EndedAt, &tx.LastTelemetryAt); err != nil {
		return model.Transaction{}, err
	}
	tx.ProtocolID = int(protoID)
	return tx, nil
}

func beforeArg(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
