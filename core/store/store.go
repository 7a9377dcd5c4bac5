// Package store declares the persistence collaborators the core requires.
// The storage technology behind them is unconstrained; infra/postgres
// provides the production implementation and MemoryStore backs tests and
// the preview command.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/csms/core/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ConnectorFilter restricts a connector query. Zero fields match everything.
type ConnectorFilter struct {
	CPID string
	CPSN string
}

// ConnectorUpdate is a partial update of a connector row. Nil fields are
// left untouched. ClearTransaction removes the active transaction reference.
type ConnectorUpdate struct {
	Status              *model.ConnectorStatus
	Reading             *model.MeterReading
	ActiveTransactionID *int
	ClearTransaction    bool
}

// ConnectorStore reads and mutates the connector roster. Updates must be
// idempotent: re-applying the same update leaves state unchanged.
type ConnectorStore interface {
	Connectors(ctx context.Context, f ConnectorFilter) ([]model.Connector, error)
	UpdateConnector(ctx context.Context, cpid string, upd ConnectorUpdate) error
}

// TransactionFilter restricts a transaction query.
type TransactionFilter struct {
	Status        model.TransactionStatus
	StartedBefore time.Time
}

// TransactionStore owns charging session rows. CreateTransaction assigns
// the internal and protocol-visible identifiers and returns the stored row.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx model.Transaction) (model.Transaction, error)
	UpdateTransaction(ctx context.Context, tx model.Transaction) error
	Transaction(ctx context.Context, protocolID int) (model.Transaction, error)
	Transactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error)
}

// SettingsStore reads the site-level allocation configuration.
type SettingsStore interface {
	SiteSettings(ctx context.Context) ([]model.SiteSetting, error)
}

// AuditDirection marks whether a frame was received or sent.
type AuditDirection string

const (
	DirectionIn  AuditDirection = "in"
	DirectionOut AuditDirection = "out"
)

// AuditEntry records one raw protocol frame. CPID is best effort: before a
// station's identity mapping is resolved it may carry the station id.
type AuditEntry struct {
	ID        string
	CPID      string
	CPSN      string
	Raw       string
	Direction AuditDirection
	Timestamp time.Time
}

// AuditLogger persists protocol audit entries. Failures must never block
// message handling.
type AuditLogger interface {
	AppendAuditLog(ctx context.Context, e AuditEntry) error
}

// Identity is the verdict of an external identity check for an
// authorization tag.
type Identity struct {
	Valid   bool
	OwnerID string
}

// IdentityResolver validates authorization tags. When no resolver is wired
// in, Authorize frames are accepted unconditionally.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, tag string) (Identity, error)
}

// Store aggregates the persistence collaborators the core consumes.
type Store interface {
	ConnectorStore
	TransactionStore
	SettingsStore
	AuditLogger
}
