package grid

import (
	"math/rand"
	"swap-grid-bot-go/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func levelsOf(events []models.CrossingEvent) []int {
	levels := make([]int, 0, len(events))
	for _, e := range events {
		levels = append(levels, e.Level)
	}
	return levels
}

func TestResolveRise(t *testing.T) {
	events := Resolve("g", 1, 4)
	require.Len(t, events, 3)
	assert.Equal(t, []int{2, 3, 4}, levelsOf(events))
	for _, e := range events {
		assert.Equal(t, models.Sell, e.Direction)
		assert.Equal(t, "g", e.GridID)
	}
}

func TestResolveFall(t *testing.T) {
	events := Resolve("g", 3, 0)
	require.Len(t, events, 3)
	assert.Equal(t, []int{2, 1, 0}, levelsOf(events))
	for _, e := range events {
		assert.Equal(t, models.Buy, e.Direction)
	}
}

func TestResolveNoMovement(t *testing.T) {
	for level := 0; level < 10; level++ {
		assert.Empty(t, Resolve("g", level, level))
	}
}

func TestResolveUnsetPrevious(t *testing.T) {
	for level := 0; level < 10; level++ {
		assert.Empty(t, Resolve("g", models.UnsetLevel, level))
	}
}

// TestResolveProperties checks count, direction and strict ordering for random pairs.
func TestResolveProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 1000; iter++ {
		prev, next := rng.Intn(50), rng.Intn(50)
		events := Resolve("g", prev, next)

		switch {
		case next > prev:
			require.Len(t, events, next-prev)
			for i, e := range events {
				assert.Equal(t, models.Sell, e.Direction)
				assert.Equal(t, prev+1+i, e.Level)
			}
		case next < prev:
			require.Len(t, events, prev-next)
			for i, e := range events {
				assert.Equal(t, models.Buy, e.Direction)
				assert.Equal(t, prev-1-i, e.Level)
			}
		default:
			assert.Empty(t, events)
		}
	}
}

// Price 106 sits in level 1 and a price at or above the top boundary clamps to level 4,
// which yields SELL at 2, 3, 4. A price of 118 stays inside level 3.
func TestScenarioRiseThroughTable(t *testing.T) {
	prev, err := Locate(scenarioTable, 106)
	require.NoError(t, err)
	require.Equal(t, 1, prev)

	next, err := Locate(scenarioTable, 120)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, levelsOf(Resolve("g", prev, next)))

	next, err = Locate(scenarioTable, 118)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, levelsOf(Resolve("g", prev, next)))
}

func TestScenarioFallThroughTable(t *testing.T) {
	next, err := Locate(scenarioTable, 101)
	require.NoError(t, err)
	events := Resolve("g", 3, next)
	assert.Equal(t, []int{2, 1, 0}, levelsOf(events))
	for _, e := range events {
		assert.Equal(t, models.Buy, e.Direction)
	}
}
