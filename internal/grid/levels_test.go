package grid

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"swap-grid-bot-go/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scenarioTable = []float64{100, 105, 110, 115, 120}

func TestBuildLevelTable(t *testing.T) {
	table, err := BuildLevelTable(100, 120, 4)
	require.NoError(t, err)
	assert.Equal(t, scenarioTable, table)

	table, err = BuildLevelTable(90, 130, 4)
	require.NoError(t, err)
	assert.Equal(t, []float64{90, 100, 110, 120, 130}, table)

	// 不能整除的步长也必须保证首尾精确等于上下限
	table, err = BuildLevelTable(0.1, 0.7, 3)
	require.NoError(t, err)
	require.Len(t, table, 4)
	assert.Equal(t, 0.1, table[0])
	assert.Equal(t, 0.7, table[3])
	assert.InDelta(t, 0.3, table[1], 1e-12)
	assert.NoError(t, ValidateLevelTable("", table))
}

func TestBuildLevelTableRejectsInvalidRange(t *testing.T) {
	cases := []struct {
		name       string
		lower      float64
		upper      float64
		levelCount int
	}{
		{"upper equals lower", 100, 100, 4},
		{"upper below lower", 120, 100, 4},
		{"single level", 100, 120, 1},
		{"zero levels", 100, 120, 0},
		{"non positive lower", 0, 120, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildLevelTable(tc.lower, tc.upper, tc.levelCount)
			require.Error(t, err)
			assert.True(t, models.IsConfigError(err))
		})
	}
}

func TestLocate(t *testing.T) {
	cases := []struct {
		price float64
		want  int
	}{
		{50, 0},
		{100, 0},
		{101, 0},
		{105, 1},
		{106, 1},
		{114.999, 2},
		{118, 3},
		{120, 4},
		{121, 4},
		{1e9, 4},
	}
	for _, tc := range cases {
		level, err := Locate(scenarioTable, tc.price)
		require.NoError(t, err)
		assert.Equal(t, tc.want, level, "price %v", tc.price)
	}
}

func TestLocateRejectsNonIncreasingTable(t *testing.T) {
	for _, table := range [][]float64{
		{100, 110, 110, 120},
		{100, 120, 110},
		{100, 110},
		nil,
	} {
		_, err := Locate(table, 105)
		require.Error(t, err, "table %v", table)
		var ce *models.ConfigError
		assert.ErrorAs(t, err, &ce)
	}
}

func TestLocateRejectsNonFinitePrice(t *testing.T) {
	for _, price := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Locate(scenarioTable, price)
		require.Error(t, err, "price %v", price)
		assert.True(t, errors.Is(err, models.ErrPriceUnavailable))
	}
}

// TestLocateExactBoundaries sweeps every boundary: a price equal to table[i]
// belongs to the interval that starts at it.
func TestLocateExactBoundaries(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		table := randomTable(rng)
		for i, boundary := range table {
			level, err := Locate(table, boundary)
			require.NoError(t, err)
			assert.Equal(t, i, level, "table %v boundary %d", table, i)
		}
	}
}

// TestLocateContiguous checks that every price maps to exactly one interval.
func TestLocateContiguous(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 500; iter++ {
		table := randomTable(rng)
		n := len(table) - 1
		price := table[0]*0.5 + rng.Float64()*(table[n]*1.5-table[0]*0.5)

		level, err := Locate(table, price)
		require.NoError(t, err)
		require.GreaterOrEqual(t, level, 0)
		require.LessOrEqual(t, level, n)

		switch {
		case price <= table[0]:
			assert.Equal(t, 0, level)
		case price >= table[n]:
			assert.Equal(t, n, level)
		default:
			assert.LessOrEqual(t, table[level], price)
			assert.Less(t, price, table[level+1])
		}
	}
}

func randomTable(rng *rand.Rand) []float64 {
	size := 3 + rng.Intn(20)
	seen := make(map[float64]bool, size)
	table := make([]float64, 0, size)
	for len(table) < size {
		p := float64(1+rng.Intn(100000)) / 100
		if seen[p] {
			continue
		}
		seen[p] = true
		table = append(table, p)
	}
	sort.Float64s(table)
	return table
}

func TestValidateConfig(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, ValidateConfig(cfg))

	broken := cfg.Clone()
	broken.LevelTable[2] = broken.LevelTable[1]
	assert.True(t, models.IsConfigError(ValidateConfig(broken)))

	broken = cfg.Clone()
	broken.LevelTable[0] = 99
	assert.True(t, models.IsConfigError(ValidateConfig(broken)))

	broken = cfg.Clone()
	broken.TargetToken = broken.SourceToken
	assert.True(t, models.IsConfigError(ValidateConfig(broken)))

	broken = cfg.Clone()
	broken.SlippageBps = -1
	assert.True(t, models.IsConfigError(ValidateConfig(broken)))
}
