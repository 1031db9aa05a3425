package backtest

import (
	"context"
	"strings"
	"swap-grid-bot-go/internal/downloader"
	"swap-grid-bot-go/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	sol  = models.Token{ID: "SOL", Symbol: "SOL"}
	usdc = models.Token{ID: "USDC", Symbol: "USDC"}
	t0   = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
)

func klinesAt(prices ...float64) []Kline {
	out := make([]Kline, len(prices))
	for i, p := range prices {
		out[i] = Kline{OpenTime: t0.Add(time.Duration(i) * time.Minute), Close: p}
	}
	return out
}

func solGrid(id string) models.GridParams {
	return models.GridParams{
		ID:            id,
		SourceToken:   sol,
		TargetToken:   usdc,
		LowerLimit:    100,
		UpperLimit:    120,
		LevelCount:    4,
		TotalQuantity: 400,
	}
}

func TestReadKlines(t *testing.T) {
	csvData := strings.Join(downloader.CSVHeader, ",") + "\n" +
		"1748736000000,111,113,110,112,5,1748736059999,560,10,2,224\n" +
		"garbage,1,2,3,4\n" +
		"1748736060000,112,112,103,bad\n" +
		"1748736120000,104,105,103,104.5,5,1748736179999,520,10,2,208\n"

	klines, skipped, err := ReadKlines(strings.NewReader(csvData))
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, klines, 2)
	assert.Equal(t, time.UnixMilli(1748736000000).UTC(), klines[0].OpenTime)
	assert.Equal(t, 112.0, klines[0].Close)
	assert.Equal(t, 104.5, klines[1].Close)

	_, _, err = ReadKlines(strings.NewReader(strings.Join(downloader.CSVHeader, ",") + "\n"))
	assert.Error(t, err)
}

func TestRunReplaysCrossings(t *testing.T) {
	runner := NewRunner(&models.Config{}, zap.NewNop())

	res, err := runner.Run(context.Background(), klinesAt(112, 104, 112), []models.GridParams{solGrid("g1")})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Ticks)
	assert.False(t, res.StoppedEarly)
	require.Len(t, res.Records, 4)

	var dirs []models.Direction
	var levels []float64
	for _, rec := range res.Records {
		dirs = append(dirs, rec.Direction)
		levels = append(levels, rec.LevelPrice)
	}
	assert.Equal(t, []models.Direction{models.Buy, models.Buy, models.Sell, models.Sell}, dirs)
	assert.Equal(t, []float64{105, 100, 105, 110}, levels)

	m := res.Metrics
	assert.Equal(t, 2, m.Buys)
	assert.Equal(t, 2, m.Sells)
	assert.Equal(t, 2, m.WinningSells)
	assert.InDelta(t, 5*100.0/105+5*100.0/110, m.RealizedGridProfit, 1e-9)
	assert.InDelta(t, 400, m.InitialEquity, 1e-9)
	assert.Greater(t, m.FinalEquity, m.InitialEquity)
	assert.Equal(t, t0, m.StartTime)
	assert.Equal(t, t0.Add(2*time.Minute), m.EndTime)

	require.Len(t, res.Snapshots, 1)
	st := res.Snapshots[0].State
	assert.Equal(t, 2, st.CurrentLevel)
	assert.Equal(t, 2, st.TotalBuys)
	assert.Equal(t, 2, st.TotalSells)
}

func TestRunStopsWhenBalancesExhausted(t *testing.T) {
	cfg := &models.Config{Paper: models.PaperConfig{InitialBalances: map[string]float64{"USDC": 50}}}
	runner := NewRunner(cfg, zap.NewNop())

	res, err := runner.Run(context.Background(), klinesAt(112, 104, 112), []models.GridParams{solGrid("g1")})
	require.NoError(t, err)
	assert.True(t, res.StoppedEarly)
	assert.Equal(t, 1, res.Ticks)
	assert.Empty(t, res.Records)
}

func TestRunRejectsMixedPairs(t *testing.T) {
	runner := NewRunner(&models.Config{}, zap.NewNop())
	other := solGrid("g2")
	other.SourceToken = models.Token{ID: "ETH", Symbol: "ETH"}

	_, err := runner.Run(context.Background(), klinesAt(112), []models.GridParams{solGrid("g1"), other})
	assert.Error(t, err)

	_, err = runner.Run(context.Background(), nil, []models.GridParams{solGrid("g1")})
	assert.Error(t, err)
}

func TestRunWithOnlyInvalidGrids(t *testing.T) {
	runner := NewRunner(&models.Config{}, zap.NewNop())
	bad := solGrid("bad")
	bad.LowerLimit = 130

	_, err := runner.Run(context.Background(), klinesAt(112), []models.GridParams{bad})
	assert.Error(t, err)
}
