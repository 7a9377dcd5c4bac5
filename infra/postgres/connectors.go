package postgres

import (
	"context"
	"time"

	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/store"
)

// Connectors returns the roster matching the filter, ordered by station and
// connector index.
func (s *Store) Connectors(ctx context.Context, f store.ConnectorFilter) ([]model.Connector, error) {
	rows, err := s.pool.Query(ctx, `
		select cpid, cpsn, connector_index, class, rated_kw, status,
		       energy_kwh, current_a, voltage_v, power_kw, sampled_at, active_tx_id
		from connectors
		where ($1 = '' or cpid = $1) and ($2 = '' or cpsn = $2)
		order by cpsn, connector_index
	`, f.CPID, f.CPSN)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Connector
	for rows.Next() {
		var (
			c         model.Connector
			sampledAt *time.Time
			activeTx  *int64
		)
		if err := rows.Scan(&c.CPID, &c.CPSN, &c.ConnectorIndex, &c.Class, &c.RatedKW, &c.Status,
			&c.Reading.EnergyKWh, &c.Reading.CurrentA, &c.Reading.VoltageV, &c.Reading.PowerKW,
			&sampledAt, &activeTx); err != nil {
			return nil, err
		}
		if sampledAt != nil {
			c.Reading.SampledAt = *sampledAt
		}
		if activeTx != nil {
			id := int(*activeTx)
			c.ActiveTransactionID = &id
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConnector applies a partial update to a single connector row.
func (s *Store) UpdateConnector(ctx context.Context, cpid string, upd store.ConnectorUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		update connectors set
			status       = coalesce($2, status),
			energy_kwh   = coalesce($3, energy_kwh),
			current_a    = coalesce($4, current_a),
			voltage_v    = coalesce($5, voltage_v),
			power_kw     = coalesce($6, power_kw),
			sampled_at   = coalesce($7, sampled_at),
			active_tx_id = case when $9 then null else coalesce($8, active_tx_id) end,
			updated_at   = now()
		where cpid = $1
	`, cpid, statusArg(upd.Status),
		readingArg(upd.Reading, func(r model.MeterReading) float64 { return r.EnergyKWh }),
		readingArg(upd.Reading, func(r model.MeterReading) float64 { return r.CurrentA }),
		readingArg(upd.Reading, func(r model.MeterReading) float64 { return r.VoltageV }),
		readingArg(upd.Reading, func(r model.MeterReading) float64 { return r.PowerKW }),
		sampledArg(upd.Reading), txArg(upd.ActiveTransactionID), upd.ClearTransaction)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func statusArg(st *model.ConnectorStatus) *string {
	if st == nil {
		return nil
	}
	v := string(*st)
	return &v
}

func readingArg(r *model.MeterReading, pick func(model.MeterReading) float64) *float64 {
	if r == nil {
		return nil
	}
	v := pick(*r)
	return &v
}

func sampledArg(r *model.MeterReading) *time.Time {
	if r == nil || r.SampledAt.IsZero() {
		return nil
	}
	t := r.SampledAt
	return &t
}

func txArg(id *int) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}
