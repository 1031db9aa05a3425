package postgres

import (
	"context"
	"fmt"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/storage"
	"time"

	"github.com/jackc/pgx/v5"
)

// Store implements storage.Store using PostgreSQL.
type Store struct {
	pool *Pool
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// Open connects to dsn, applies migrations and returns a ready store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewStore(pool), nil
}

// NewStore creates a Store over an existing pool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

const gridConfigColumns = `id, source_token_id, source_symbol, target_token_id, target_symbol,
	lower_limit, upper_limit, level_count, level_table, quantity_per_level, total_quantity,
	slippage_bps, created_at, updated_at`

func scanGridConfig(row pgx.Row) (*models.GridConfig, error) {
	var cfg models.GridConfig
	if err := row.Scan(
		&cfg.ID, &cfg.SourceToken.ID, &cfg.SourceToken.Symbol, &cfg.TargetToken.ID, &cfg.TargetToken.Symbol,
		&cfg.LowerLimit, &cfg.UpperLimit, &cfg.LevelCount, &cfg.LevelTable, &cfg.QuantityPerLevel, &cfg.TotalQuantity,
		&cfg.SlippageBps, &cfg.CreatedAt, &cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	cfg.CreatedAt = cfg.CreatedAt.UTC()
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return &cfg, nil
}

// LoadGridConfigs retrieves every grid definition ordered by creation time.
func (s *Store) LoadGridConfigs(ctx context.Context) ([]*models.GridConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+gridConfigColumns+` FROM grid_configs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query grid configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.GridConfig
	for rows.Next() {
		cfg, err := scanGridConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grid config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// LoadGridConfig retrieves one grid definition.
func (s *Store) LoadGridConfig(ctx context.Context, gridID string) (*models.GridConfig, error) {
	cfg, err := scanGridConfig(s.pool.QueryRow(ctx, `SELECT `+gridConfigColumns+` FROM grid_configs WHERE id = $1`, gridID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("load grid config %s: %w", gridID, err)
	}
	return cfg, nil
}

// SaveGridConfig inserts or replaces a grid definition, keeping its creation time.
func (s *Store) SaveGridConfig(ctx context.Context, cfg *models.GridConfig) error {
	query := `
		INSERT INTO grid_configs (` + gridConfigColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			source_token_id = EXCLUDED.source_token_id,
			source_symbol = EXCLUDED.source_symbol,
			target_token_id = EXCLUDED.target_token_id,
			target_symbol = EXCLUDED.target_symbol,
			lower_limit = EXCLUDED.lower_limit,
			upper_limit = EXCLUDED.upper_limit,
			level_count = EXCLUDED.level_count,
			level_table = EXCLUDED.level_table,
			quantity_per_level = EXCLUDED.quantity_per_level,
			total_quantity = EXCLUDED.total_quantity,
			slippage_bps = EXCLUDED.slippage_bps,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		cfg.ID, cfg.SourceToken.ID, cfg.SourceToken.Symbol, cfg.TargetToken.ID, cfg.TargetToken.Symbol,
		cfg.LowerLimit, cfg.UpperLimit, cfg.LevelCount, cfg.LevelTable, cfg.QuantityPerLevel, cfg.TotalQuantity,
		cfg.SlippageBps, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save grid config %s: %w", cfg.ID, err)
	}
	return nil
}

// DeleteGridConfig removes a grid definition. Its trade history is kept.
func (s *Store) DeleteGridConfig(ctx context.Context, gridID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM grid_configs WHERE id = $1`, gridID)
	if err != nil {
		return fmt.Errorf("delete grid config %s: %w", gridID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AppendTradeRecord adds a new trade. Returns ErrDuplicateKey if the ID exists.
func (s *Store) AppendTradeRecord(ctx context.Context, rec *models.TradeRecord) error {
	query := `
		INSERT INTO trade_records (
			id, grid_id, direction, level, level_price, input_token, output_token,
			input_amount, output_amount, profit, tx_ref, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.GridID, string(rec.Direction), rec.Level, rec.LevelPrice, rec.InputToken, rec.OutputToken,
		rec.InputAmount, rec.OutputAmount, rec.Profit, rec.TxRef, rec.ExecutedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert trade record: %w", err)
	}
	return nil
}

// ListTradeRecords returns a grid's most recent records in execution order.
func (s *Store) ListTradeRecords(ctx context.Context, gridID string, limit int) ([]*models.TradeRecord, error) {
	query := `
		SELECT id, grid_id, direction, level, level_price, input_token, output_token,
			input_amount, output_amount, profit, tx_ref, executed_at
		FROM (
			SELECT * FROM trade_records
			WHERE grid_id = $1
			ORDER BY executed_at DESC, seq DESC
			LIMIT $2
		) recent
		ORDER BY executed_at, seq
	`
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	rows, err := s.pool.Query(ctx, query, gridID, lim)
	if err != nil {
		return nil, fmt.Errorf("query trade records: %w", err)
	}
	defer rows.Close()

	var records []*models.TradeRecord
	for rows.Next() {
		var (
			rec       models.TradeRecord
			direction string
		)
		if err := rows.Scan(
			&rec.ID, &rec.GridID, &direction, &rec.Level, &rec.LevelPrice, &rec.InputToken, &rec.OutputToken,
			&rec.InputAmount, &rec.OutputAmount, &rec.Profit, &rec.TxRef, &rec.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade record: %w", err)
		}
		rec.Direction = models.Direction(direction)
		rec.ExecutedAt = rec.ExecutedAt.UTC()
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// IncrementCounters adds to a grid's cumulative counters.
func (s *Store) IncrementCounters(ctx context.Context, gridID string, buys, sells int) error {
	query := `
		INSERT INTO grid_counters (grid_id, total_buys, total_sells, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (grid_id) DO UPDATE SET
			total_buys = grid_counters.total_buys + EXCLUDED.total_buys,
			total_sells = grid_counters.total_sells + EXCLUDED.total_sells,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.pool.Exec(ctx, query, gridID, buys, sells, time.Now().UTC()); err != nil {
		return fmt.Errorf("increment counters %s: %w", gridID, err)
	}
	return nil
}

// GetCounters returns zero counters for a grid that has never traded.
func (s *Store) GetCounters(ctx context.Context, gridID string) (*models.Counters, error) {
	c := &models.Counters{GridID: gridID}
	err := s.pool.QueryRow(ctx,
		`SELECT total_buys, total_sells, updated_at FROM grid_counters WHERE grid_id = $1`, gridID,
	).Scan(&c.TotalBuys, &c.TotalSells, &c.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return c, nil
		}
		return nil, fmt.Errorf("load counters %s: %w", gridID, err)
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
