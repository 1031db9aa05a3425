// Package storagetest holds the behaviour tests every storage.Store implementation must pass.
package storagetest

import (
	"context"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/storage"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// NewGridConfig returns a valid config for tests.
func NewGridConfig(id string, createdAt time.Time) *models.GridConfig {
	return &models.GridConfig{
		ID:               id,
		SourceToken:      models.Token{ID: "So11111111111111111111111111111111111111112", Symbol: "SOL"},
		TargetToken:      models.Token{ID: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Symbol: "USDC"},
		LowerLimit:       100,
		UpperLimit:       120,
		LevelCount:       4,
		LevelTable:       []float64{100, 105, 110, 115, 120},
		QuantityPerLevel: 25,
		TotalQuantity:    100,
		SlippageBps:      50,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

func newRecord(id, gridID string, dir models.Direction, level int, at time.Time) *models.TradeRecord {
	rec := &models.TradeRecord{
		ID:           id,
		GridID:       gridID,
		Direction:    dir,
		Level:        level,
		LevelPrice:   105,
		InputToken:   "USDC",
		OutputToken:  "SOL",
		InputAmount:  25,
		OutputAmount: 0.238,
		TxRef:        "tx-" + id,
		ExecutedAt:   at,
	}
	if dir == models.Sell {
		p := 1.19
		rec.Profit = &p
		rec.InputToken, rec.OutputToken = "SOL", "USDC"
	}
	return rec
}

// Run executes the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GridConfigRoundTrip", func(t *testing.T) { testGridConfigRoundTrip(t, newStore(t)) })
	t.Run("GridConfigUpsertAndDelete", func(t *testing.T) { testGridConfigUpsertAndDelete(t, newStore(t)) })
	t.Run("TradeRecordsAppendOnly", func(t *testing.T) { testTradeRecordsAppendOnly(t, newStore(t)) })
	t.Run("TradeRecordsLimit", func(t *testing.T) { testTradeRecordsLimit(t, newStore(t)) })
	t.Run("Counters", func(t *testing.T) { testCounters(t, newStore(t)) })
}

func testGridConfigRoundTrip(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	cfg := NewGridConfig("grid-a", baseTime)
	require.NoError(t, s.SaveGridConfig(ctx, cfg))
	require.NoError(t, s.SaveGridConfig(ctx, NewGridConfig("grid-b", baseTime.Add(time.Minute))))

	loaded, err := s.LoadGridConfig(ctx, "grid-a")
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	all, err := s.LoadGridConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "grid-a", all[0].ID)
	assert.Equal(t, "grid-b", all[1].ID)

	_, err = s.LoadGridConfig(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testGridConfigUpsertAndDelete(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	cfg := NewGridConfig("grid-a", baseTime)
	require.NoError(t, s.SaveGridConfig(ctx, cfg))

	edited := cfg.Clone()
	edited.LowerLimit, edited.UpperLimit = 90, 130
	edited.LevelTable = []float64{90, 100, 110, 120, 130}
	edited.UpdatedAt = baseTime.Add(time.Hour)
	require.NoError(t, s.SaveGridConfig(ctx, edited))

	loaded, err := s.LoadGridConfig(ctx, "grid-a")
	require.NoError(t, err)
	assert.Equal(t, edited.LevelTable, loaded.LevelTable)
	assert.Equal(t, baseTime, loaded.CreatedAt)
	assert.Equal(t, edited.UpdatedAt, loaded.UpdatedAt)

	require.NoError(t, s.DeleteGridConfig(ctx, "grid-a"))
	assert.ErrorIs(t, s.DeleteGridConfig(ctx, "grid-a"), storage.ErrNotFound)
	_, err = s.LoadGridConfig(ctx, "grid-a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testTradeRecordsAppendOnly(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	buy := newRecord("r1", "grid-a", models.Buy, 2, baseTime)
	sell := newRecord("r2", "grid-a", models.Sell, 3, baseTime.Add(time.Second))
	other := newRecord("r3", "grid-b", models.Buy, 1, baseTime)
	require.NoError(t, s.AppendTradeRecord(ctx, buy))
	require.NoError(t, s.AppendTradeRecord(ctx, sell))
	require.NoError(t, s.AppendTradeRecord(ctx, other))

	assert.ErrorIs(t, s.AppendTradeRecord(ctx, buy), storage.ErrDuplicateKey)

	records, err := s.ListTradeRecords(ctx, "grid-a", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, buy, records[0])
	assert.Equal(t, sell, records[1])
	assert.Nil(t, records[0].Profit)
	require.NotNil(t, records[1].Profit)
	assert.Equal(t, 1.19, *records[1].Profit)
}

func testTradeRecordsLimit(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	ids := []string{"r1", "r2", "r3", "r4", "r5"}
	for i, id := range ids {
		require.NoError(t, s.AppendTradeRecord(ctx, newRecord(id, "grid-a", models.Buy, i, baseTime.Add(time.Duration(i)*time.Second))))
	}

	records, err := s.ListTradeRecords(ctx, "grid-a", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r4", records[0].ID)
	assert.Equal(t, "r5", records[1].ID)
}

func testCounters(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	counters, err := s.GetCounters(ctx, "grid-a")
	require.NoError(t, err)
	assert.Equal(t, 0, counters.TotalBuys)
	assert.Equal(t, 0, counters.TotalSells)

	require.NoError(t, s.IncrementCounters(ctx, "grid-a", 2, 0))
	require.NoError(t, s.IncrementCounters(ctx, "grid-a", 1, 3))
	require.NoError(t, s.IncrementCounters(ctx, "grid-b", 0, 1))

	counters, err = s.GetCounters(ctx, "grid-a")
	require.NoError(t, err)
	assert.Equal(t, "grid-a", counters.GridID)
	assert.Equal(t, 3, counters.TotalBuys)
	assert.Equal(t, 3, counters.TotalSells)
	assert.False(t, counters.UpdatedAt.IsZero())
}
