package draw

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnt/fortuna/internal/models"
)

func TestStreamIsDeterministic(t *testing.T) {
	seed := Seed("hash", "draw-1", models.TierDaily, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), PoolDigest(nil))

	a, err := NewStream(seed)
	require.NoError(t, err)
	b, err := NewStream(seed)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		v := a.Uint64N(7)
		assert.Less(t, v, uint64(7))
		assert.Equal(t, v, b.Uint64N(7))
	}

	_, err = NewStream("not-hex")
	assert.Error(t, err)
}

func TestSeedDependsOnEveryInput(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	base := Seed("hash", "d1", models.TierDaily, start, "digest")

	assert.NotEqual(t, base, Seed("hash2", "d1", models.TierDaily, start, "digest"))
	assert.NotEqual(t, base, Seed("hash", "d2", models.TierDaily, start, "digest"))
	assert.NotEqual(t, base, Seed("hash", "d1", models.TierWeekly, start, "digest"))
	assert.NotEqual(t, base, Seed("hash", "d1", models.TierDaily, start.Add(time.Hour), "digest"))
	assert.NotEqual(t, base, Seed("hash", "d1", models.TierDaily, start, "digest2"))
	// length prefixes keep field boundaries apart
	assert.NotEqual(t, Seed("ab", "c", models.TierDaily, start, ""), Seed("a", "bc", models.TierDaily, start, ""))
}

func TestEntrantsAggregatesByUser(t *testing.T) {
	pool := []models.Ticket{
		{UserID: "a", Quantity: 1},
		{UserID: "b", Quantity: 1},
		{UserID: "a", Quantity: 2},
	}
	assert.Equal(t, []Entrant{{UserID: "a", Weight: 3}, {UserID: "b", Weight: 1}}, Entrants(pool))
}

func TestWeightedSelectionFavorsLargerStake(t *testing.T) {
	entrants := []Entrant{{UserID: "a", Weight: 3}, {UserID: "b", Weight: 1}}
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	const trials = 10_000
	wins := 0
	for i := 0; i < trials; i++ {
		seed := Seed(fmt.Sprintf("block-%d", i), "draw", models.TierWeekly, start, "digest")
		stream, err := NewStream(seed)
		require.NoError(t, err)

		chosen := WeightedSelection{}.Select(entrants, 1, stream)
		require.Len(t, chosen, 1)
		if chosen[0] == "a" {
			wins++
		}
	}

	assert.InDelta(t, 0.75, float64(wins)/trials, 0.02)
}

func TestWeightedSelectionDistinctUsers(t *testing.T) {
	entrants := []Entrant{{UserID: "a", Weight: 5}, {UserID: "b", Weight: 1}, {UserID: "c", Weight: 0}}
	stream, err := NewStream(Seed("h", "d", models.TierDaily, time.Time{}, ""))
	require.NoError(t, err)

	chosen := WeightedSelection{}.Select(entrants, 5, stream)
	assert.ElementsMatch(t, []string{"a", "b"}, chosen)
}

func TestSplitPrize(t *testing.T) {
	assert.Nil(t, SplitPrize(100, 0))
	assert.Equal(t, []int64{100}, SplitPrize(100, 1))
	assert.Equal(t, []int64{34, 33, 33}, SplitPrize(100, 3))
}
