package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kilianp07/csms/core/model"
)

// MemoryStore is an in-memory Store used by tests and the preview command.
type MemoryStore struct {
	mu         sync.RWMutex
	connectors map[string]model.Connector
	txs        map[int]model.Transaction
	settings   []model.SiteSetting
	audit      []AuditEntry
	nextProto  int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connectors: map[string]model.Connector{},
		txs:        map[int]model.Transaction{},
		nextProto:  1,
	}
}

// SeedConnectors replaces the connector roster.
func (s *MemoryStore) SeedConnectors(cs ...model.Connector) {
	s.mu.Lock()
	s.connectors = make(map[string]model.Connector, len(cs))
	for _, c := range cs {
		s.connectors[c.CPID] = c
	}
	s.mu.Unlock()
}

// SeedSettings replaces the site settings.
func (s *MemoryStore) SeedSettings(settings ...model.SiteSetting) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

func (s *MemoryStore) Connectors(_ context.Context, f ConnectorFilter) ([]model.Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.Connector, 0, len(s.connectors))
	for _, c := range s.connectors {
		if f.CPID != "" && c.CPID != f.CPID {
			continue
		}
		if f.CPSN != "" && c.CPSN != f.CPSN {
			continue
		}
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CPID < res[j].CPID })
	return res, nil
}

func (s *MemoryStore) UpdateConnector(_ context.Context, cpid string, upd ConnectorUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[cpid]
	if !ok {
		return ErrNotFound
	}
	if upd.Status != nil {
		c.Status = *upd.Status
	}
	if upd.Reading != nil {
		c.Reading = *upd.Reading
	}
	if upd.ClearTransaction {
		c.ActiveTransactionID = nil
	} else if upd.ActiveTransactionID != nil {
		id := *upd.ActiveTransactionID
		c.ActiveTransactionID = &id
	}
	s.connectors[cpid] = c
	return nil
}

func (s *MemoryStore) CreateTransaction(_ context.Context, tx model.Transaction) (model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.ProtocolID = s.nextProto
	s.nextProto++
	s.txs[tx.ProtocolID] = tx
	return tx, nil
}

func (s *MemoryStore) UpdateTransaction(_ context.Context, tx model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ProtocolID]; !ok {
		return ErrNotFound
	}
	s.txs[tx.ProtocolID] = tx
	return nil
}

func (s *MemoryStore) Transaction(_ context.Context, protocolID int) (model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[protocolID]
	if !ok {
		return model.Transaction{}, ErrNotFound
	}
	return tx, nil
}

func (s *MemoryStore) Transactions(_ context.Context, f TransactionFilter) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.Transaction
	for _, tx := range s.txs {
		if f.Status != "" && tx.Status != f.Status {
			continue
		}
		if !f.StartedBefore.IsZero() && !tx.StartedAt.Before(f.StartedBefore) {
			continue
		}
		res = append(res, tx)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ProtocolID < res[j].ProtocolID })
	return res, nil
}

func (s *MemoryStore) SiteSettings(context.Context) ([]model.SiteSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.SiteSetting(nil), s.settings...), nil
}

func (s *MemoryStore) AppendAuditLog(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	return nil
}

// AuditEntries returns a copy of the recorded audit log.
func (s *MemoryStore) AuditEntries() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.audit...)
}
