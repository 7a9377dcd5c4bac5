// Package postgres implements the core store interfaces on PostgreSQL.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kilianp07/csms/core/store"
)

// Config holds the connection settings for the PostgreSQL pool.
type Config struct {
	URL      string `json:"url"`
	MaxConns int32  `json:"max_conns"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
}

// Store implements store.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Connect opens the pool and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	cfg.SetDefaults()
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	pc.MaxConns = cfg.MaxConns
	pc.MinConns = 1
	pc.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables the store needs if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		create table if not exists connectors (
			cpid            text primary key,
			cpsn            text not null,
			connector_index int  not null,
			class           text not null,
			rated_kw        double precision not null,
			status          text not null default 'Unavailable',
			energy_kwh      double precision not null default 0,
			current_a       double precision not null default 0,
			voltage_v       double precision not null default 0,
			power_kw        double precision not null default 0,
			sampled_at      timestamptz,
			active_tx_id    bigint,
			updated_at      timestamptz not null default now()
		);
		create table if not exists transactions (
			id              text primary key,
			protocol_id     bigserial unique,
			cpid            text not null,
			tag             text not null default '',
			meter_start_kwh double precision not null default 0,
			meter_stop_kwh  double precision not null default 0,
			stop_reason     text not null default '',
			status          text not null,
			started_at      timestamptz not null,
			ended_at        timestamptz,
			telemetry_at    timestamptz
		);
		create index if not exists transactions_status_idx on transactions (status, started_at);
		create table if not exists site_settings (
			id         serial primary key,
			mode       text not null,
			ceiling_kw double precision not null
		);
		create table if not exists audit_log (
			id        text primary key,
			cpid      text not null default '',
			cpsn      text not null default '',
			raw       text not null,
			direction text not null,
			ts        timestamptz not null
		);
	`)
	return err
}
