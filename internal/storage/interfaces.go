package storage

import (
	"context"
	"swap-grid-bot-go/internal/models"
)

// GridConfigStore persists grid definitions.
type GridConfigStore interface {
	// LoadGridConfigs returns all grids ordered by creation time.
	LoadGridConfigs(ctx context.Context) ([]*models.GridConfig, error)
	// LoadGridConfig returns ErrNotFound if the grid does not exist.
	LoadGridConfig(ctx context.Context, gridID string) (*models.GridConfig, error)
	// SaveGridConfig inserts or replaces a grid definition.
	SaveGridConfig(ctx context.Context, cfg *models.GridConfig) error
	// DeleteGridConfig returns ErrNotFound if the grid does not exist.
	DeleteGridConfig(ctx context.Context, gridID string) error
}

// TradeRecordStore is the append-only trade history.
type TradeRecordStore interface {
	// AppendTradeRecord returns ErrDuplicateKey if the record ID exists.
	AppendTradeRecord(ctx context.Context, rec *models.TradeRecord) error
	// ListTradeRecords returns a grid's records in execution order. limit <= 0 means all.
	ListTradeRecords(ctx context.Context, gridID string, limit int) ([]*models.TradeRecord, error)
}

// CounterStore keeps cumulative buy/sell counts per grid.
type CounterStore interface {
	IncrementCounters(ctx context.Context, gridID string, buys, sells int) error
	// GetCounters returns zero counters for a grid that has never traded.
	GetCounters(ctx context.Context, gridID string) (*models.Counters, error)
}

// Store is the persistence collaborator used by the controller.
type Store interface {
	GridConfigStore
	TradeRecordStore
	CounterStore
	Close() error
}
