// Package sqlite implements storage.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/storage"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// Open initializes the database connection and creates necessary tables.
func Open(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	statements := []string{
		`
	CREATE TABLE IF NOT EXISTS grid_configs (
		id TEXT PRIMARY KEY,
		source_token_id TEXT NOT NULL,
		source_symbol TEXT NOT NULL,
		target_token_id TEXT NOT NULL,
		target_symbol TEXT NOT NULL,
		lower_limit REAL NOT NULL,
		upper_limit REAL NOT NULL,
		level_count INTEGER NOT NULL,
		level_table TEXT NOT NULL,
		quantity_per_level REAL NOT NULL,
		total_quantity REAL NOT NULL,
		slippage_bps INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
		// Trade records are append-only: one row per executed crossing.
		`
	CREATE TABLE IF NOT EXISTS trade_records (
		id TEXT PRIMARY KEY,
		grid_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		level INTEGER NOT NULL,
		level_price REAL NOT NULL,
		input_token TEXT NOT NULL,
		output_token TEXT NOT NULL,
		input_amount REAL NOT NULL,
		output_amount REAL NOT NULL,
		profit REAL,
		tx_ref TEXT NOT NULL,
		executed_at INTEGER NOT NULL
	);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_grid ON trade_records (grid_id, executed_at);`,
		`
	CREATE TABLE IF NOT EXISTS grid_counters (
		grid_id TEXT PRIMARY KEY,
		total_buys INTEGER NOT NULL DEFAULT 0,
		total_sells INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const gridConfigColumns = `id, source_token_id, source_symbol, target_token_id, target_symbol,
	lower_limit, upper_limit, level_count, level_table, quantity_per_level, total_quantity,
	slippage_bps, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGridConfig(row rowScanner) (*models.GridConfig, error) {
	var (
		cfg                  models.GridConfig
		table                string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&cfg.ID, &cfg.SourceToken.ID, &cfg.SourceToken.Symbol, &cfg.TargetToken.ID, &cfg.TargetToken.Symbol,
		&cfg.LowerLimit, &cfg.UpperLimit, &cfg.LevelCount, &table, &cfg.QuantityPerLevel, &cfg.TotalQuantity,
		&cfg.SlippageBps, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(table), &cfg.LevelTable); err != nil {
		return nil, fmt.Errorf("failed to decode level table of grid %s: %w", cfg.ID, err)
	}
	cfg.CreatedAt = time.UnixMilli(createdAt).UTC()
	cfg.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &cfg, nil
}

// LoadGridConfigs retrieves every grid definition.
func (s *Store) LoadGridConfigs(ctx context.Context) ([]*models.GridConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+gridConfigColumns+` FROM grid_configs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query grid configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.GridConfig
	for rows.Next() {
		cfg, err := scanGridConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grid config row: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// LoadGridConfig retrieves one grid definition.
func (s *Store) LoadGridConfig(ctx context.Context, gridID string) (*models.GridConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+gridConfigColumns+` FROM grid_configs WHERE id = ?`, gridID)
	cfg, err := scanGridConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load grid config %s: %w", gridID, err)
	}
	return cfg, nil
}

// SaveGridConfig creates or replaces a grid definition.
func (s *Store) SaveGridConfig(ctx context.Context, cfg *models.GridConfig) error {
	table, err := json.Marshal(cfg.LevelTable)
	if err != nil {
		return fmt.Errorf("failed to encode level table of grid %s: %w", cfg.ID, err)
	}

	query := `
	INSERT INTO grid_configs (` + gridConfigColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		source_token_id = excluded.source_token_id,
		source_symbol = excluded.source_symbol,
		target_token_id = excluded.target_token_id,
		target_symbol = excluded.target_symbol,
		lower_limit = excluded.lower_limit,
		upper_limit = excluded.upper_limit,
		level_count = excluded.level_count,
		level_table = excluded.level_table,
		quantity_per_level = excluded.quantity_per_level,
		total_quantity = excluded.total_quantity,
		slippage_bps = excluded.slippage_bps,
		updated_at = excluded.updated_at;`

	_, err = s.db.ExecContext(ctx, query,
		cfg.ID, cfg.SourceToken.ID, cfg.SourceToken.Symbol, cfg.TargetToken.ID, cfg.TargetToken.Symbol,
		cfg.LowerLimit, cfg.UpperLimit, cfg.LevelCount, string(table), cfg.QuantityPerLevel, cfg.TotalQuantity,
		cfg.SlippageBps, cfg.CreatedAt.UnixMilli(), cfg.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save grid config %s: %w", cfg.ID, err)
	}
	return nil
}

// DeleteGridConfig removes a grid definition. Its trade history is kept.
func (s *Store) DeleteGridConfig(ctx context.Context, gridID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grid_configs WHERE id = ?`, gridID)
	if err != nil {
		return fmt.Errorf("failed to delete grid config %s: %w", gridID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete grid config %s: %w", gridID, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AppendTradeRecord inserts a new trade record.
func (s *Store) AppendTradeRecord(ctx context.Context, rec *models.TradeRecord) error {
	var profit sql.NullFloat64
	if rec.Profit != nil {
		profit = sql.NullFloat64{Float64: *rec.Profit, Valid: true}
	}

	query := `
	INSERT INTO trade_records (id, grid_id, direction, level, level_price, input_token, output_token, input_amount, output_amount, profit, tx_ref, executed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.GridID, string(rec.Direction), rec.Level, rec.LevelPrice, rec.InputToken, rec.OutputToken,
		rec.InputAmount, rec.OutputAmount, profit, rec.TxRef, rec.ExecutedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert trade record %s: %w", rec.ID, err)
	}
	return nil
}

// ListTradeRecords retrieves a grid's trade history in execution order.
func (s *Store) ListTradeRecords(ctx context.Context, gridID string, limit int) ([]*models.TradeRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	// newest first so LIMIT keeps the most recent records; reversed below
	query := `
	SELECT id, grid_id, direction, level, level_price, input_token, output_token, input_amount, output_amount, profit, tx_ref, executed_at
	FROM trade_records
	WHERE grid_id = ?
	ORDER BY executed_at DESC, rowid DESC
	LIMIT ?`
	args := []any{gridID, limit}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade records: %w", err)
	}
	defer rows.Close()

	var records []*models.TradeRecord
	for rows.Next() {
		var (
			rec        models.TradeRecord
			direction  string
			profit     sql.NullFloat64
			executedAt int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.GridID, &direction, &rec.Level, &rec.LevelPrice, &rec.InputToken, &rec.OutputToken,
			&rec.InputAmount, &rec.OutputAmount, &profit, &rec.TxRef, &executedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade record row: %w", err)
		}
		rec.Direction = models.Direction(direction)
		if profit.Valid {
			p := profit.Float64
			rec.Profit = &p
		}
		rec.ExecutedAt = time.UnixMilli(executedAt).UTC()
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trade records: %w", err)
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// IncrementCounters adds to a grid's cumulative counters, creating the row on first use.
func (s *Store) IncrementCounters(ctx context.Context, gridID string, buys, sells int) error {
	query := `
	INSERT INTO grid_counters (grid_id, total_buys, total_sells, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(grid_id) DO UPDATE SET
		total_buys = total_buys + excluded.total_buys,
		total_sells = total_sells + excluded.total_sells,
		updated_at = excluded.updated_at;`

	if _, err := s.db.ExecContext(ctx, query, gridID, buys, sells, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to increment counters of grid %s: %w", gridID, err)
	}
	return nil
}

// GetCounters retrieves a grid's cumulative counters.
func (s *Store) GetCounters(ctx context.Context, gridID string) (*models.Counters, error) {
	counters := &models.Counters{GridID: gridID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT total_buys, total_sells, updated_at FROM grid_counters WHERE grid_id = ?`, gridID,
	).Scan(&counters.TotalBuys, &counters.TotalSells, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return counters, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load counters of grid %s: %w", gridID, err)
	}
	counters.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return counters, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
