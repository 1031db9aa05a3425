// Package memory implements storage.Store in memory for backtests and tests.
package memory

import (
	"context"
	"sort"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/storage"
	"sync"
	"time"
)

// Store is a mutex-guarded in-memory storage.Store.
type Store struct {
	mu       sync.RWMutex
	configs  map[string]*models.GridConfig
	records  []*models.TradeRecord
	ids      map[string]struct{}
	counters map[string]*models.Counters
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		configs:  make(map[string]*models.GridConfig),
		ids:      make(map[string]struct{}),
		counters: make(map[string]*models.Counters),
	}
}

func (s *Store) LoadGridConfigs(_ context.Context) ([]*models.GridConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.GridConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) LoadGridConfig(_ context.Context, gridID string) (*models.GridConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[gridID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cfg.Clone(), nil
}

// SaveGridConfig keeps the original creation time on update, like the SQL stores.
func (s *Store) SaveGridConfig(_ context.Context, cfg *models.GridConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cfg.Clone()
	if existing, ok := s.configs[cfg.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	s.configs[cfg.ID] = cp
	return nil
}

func (s *Store) DeleteGridConfig(_ context.Context, gridID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[gridID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.configs, gridID)
	return nil
}

func (s *Store) AppendTradeRecord(_ context.Context, rec *models.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[rec.ID]; ok {
		return storage.ErrDuplicateKey
	}
	s.ids[rec.ID] = struct{}{}
	s.records = append(s.records, cloneRecord(rec))
	return nil
}

func (s *Store) ListTradeRecords(_ context.Context, gridID string, limit int) ([]*models.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TradeRecord
	for _, rec := range s.records {
		if rec.GridID == gridID {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// AllTradeRecords returns every record in insertion order. Used by backtest reports.
func (s *Store) AllTradeRecords() []*models.TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.TradeRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	return out
}

func (s *Store) IncrementCounters(_ context.Context, gridID string, buys, sells int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[gridID]
	if !ok {
		c = &models.Counters{GridID: gridID}
		s.counters[gridID] = c
	}
	c.TotalBuys += buys
	c.TotalSells += sells
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetCounters(_ context.Context, gridID string) (*models.Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.counters[gridID]; ok {
		cp := *c
		return &cp, nil
	}
	return &models.Counters{GridID: gridID}, nil
}

func (s *Store) Close() error { return nil }

func cloneRecord(rec *models.TradeRecord) *models.TradeRecord {
	cp := *rec
	if rec.Profit != nil {
		p := *rec.Profit
		cp.Profit = &p
	}
	return &cp
}
