package race

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashcore/internal/models"
)

func leaderboardFromContributions(contribs map[string]float64) []models.RaceParticipant {
	out := make([]models.RaceParticipant, 0, len(contribs))
	for userID, c := range contribs {
		out = append(out, models.RaceParticipant{UserID: userID, ContributionToPool: c})
	}
	sortByContribution(out)
	return out
}

func TestComputePrizeDistribution_SpecSplit(t *testing.T) {
	leaderboard := leaderboardFromContributions(map[string]float64{
		"a": 1000, "b": 500, "c": 220, "d": 120, "e": 100, "f": 80,
		"g": 60, "h": 40, "i": 30, "j": 20, "k": 10,
	})

	contributed := 2180.0
	pool := PrizePool{
		ContributedAmount:      contributed,
		TotalPool:              MIN_PRIZE_POOL, // 2180 clamps up to 50k
		ShouldDistributePrizes: true,
		ParticipantCount:       len(leaderboard),
	}

	shares := ComputePrizeDistribution(leaderboard, pool)
	require.Len(t, shares, 10, "only ranks 1-10 earn prizes")

	byUser := make(map[string]PrizeShare)
	for _, s := range shares {
		byUser[s.UserID] = s
	}

	assert.Equal(t, int64(25_000), byUser["a"].Amount)
	assert.Equal(t, int64(12_500), byUser["b"].Amount)
	assert.Equal(t, int64(5_500), byUser["c"].Amount)
	for _, u := range []string{"d", "e", "f", "g", "h", "i", "j"} {
		assert.Equal(t, int64(1_000), byUser[u].Amount, "shared rank user %s", u)
	}
	_, hasK := byUser["k"]
	assert.False(t, hasK, "rank 11 gets nothing")

	var total int64
	for _, s := range shares {
		total += s.Amount
	}
	assert.LessOrEqual(t, total, int64(pool.TotalPool), "payouts never exceed the pool")
}

func TestComputePrizeDistribution_FewerThanTen(t *testing.T) {
	leaderboard := leaderboardFromContributions(map[string]float64{
		"alpha": 300, "bravo": 200, "charlie": 100, "delta": 50,
	})
	pool := PrizePool{
		ContributedAmount:      650,
		TotalPool:              MIN_PRIZE_POOL,
		ShouldDistributePrizes: true,
	}

	shares := ComputePrizeDistribution(leaderboard, pool)
	require.Len(t, shares, 4)
	assert.Equal(t, 1, shares[0].Rank)
	assert.Equal(t, "alpha", shares[0].UserID)
	assert.Equal(t, int64(25_000), shares[0].Amount)
	assert.Equal(t, int64(1_000), shares[3].Amount, "rank 4 takes one 14%/7 slice")
}

func TestComputePrizeDistribution_Empty(t *testing.T) {
	assert.Nil(t, ComputePrizeDistribution(nil, PrizePool{ShouldDistributePrizes: true}))

	leaderboard := leaderboardFromContributions(map[string]float64{"someone": 0})
	assert.Nil(t, ComputePrizeDistribution(leaderboard, PrizePool{ShouldDistributePrizes: false}),
		"no contributions means no distribution")
}

func TestSortByContribution_TieBreak(t *testing.T) {
	participants := []models.RaceParticipant{
		{UserID: "zed", ContributionToPool: 100},
		{UserID: "abe", ContributionToPool: 100},
		{UserID: "mid", ContributionToPool: 200},
	}
	sortByContribution(participants)

	assert.Equal(t, "mid", participants[0].UserID)
	assert.Equal(t, "abe", participants[1].UserID, "ties resolve by userId ascending")
	assert.Equal(t, "zed", participants[2].UserID)
}

func TestSortByNetProfit_TieBreak(t *testing.T) {
	participants := []models.RaceParticipant{
		{UserID: "zed", NetProfit: 10},
		{UserID: "abe", NetProfit: 10},
		{UserID: "top", NetProfit: 50},
	}
	sortByNetProfit(participants)

	assert.Equal(t, "top", participants[0].UserID)
	assert.Equal(t, "abe", participants[1].UserID)
	assert.Equal(t, "zed", participants[2].UserID)
}
