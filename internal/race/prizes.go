package race

import (
	"math"
	"sort"

	"crashcore/internal/models"
)

// Prize split over the contribution-ordered leaderboard: 50% / 25% / 11% to
// ranks 1-3, 14% divided equally across ranks 4-10, every amount floored.
const (
	RANK1_SHARE      = 0.50
	RANK2_SHARE      = 0.25
	RANK3_SHARE      = 0.11
	RANK4_10_SHARE   = 0.14
	MAX_PRIZE_RANKS  = 10
	SHARED_RANK_SPAN = 7 // ranks 4..10
)

// PrizeShare is one computed winner's slice of the pool.
type PrizeShare struct {
	Rank         int     `json:"rank"`
	UserID       string  `json:"userId"`
	Amount       int64   `json:"amount"`
	Percentage   float64 `json:"percentage"`
	Contribution float64 `json:"contribution"`
	NetProfit    float64 `json:"netProfit"`
	SessionCount int     `json:"sessionCount"`
}

// ComputePrizeDistribution splits the pool across the top of the
// leaderboard. Fewer than ten participants simply produce fewer entries; a
// pool that collected nothing produces none.
func ComputePrizeDistribution(leaderboard []models.RaceParticipant, pool PrizePool) []PrizeShare {
	if !pool.ShouldDistributePrizes || len(leaderboard) == 0 {
		return nil
	}

	ranks := len(leaderboard)
	if ranks > MAX_PRIZE_RANKS {
		ranks = MAX_PRIZE_RANKS
	}

	sharedPercentage := RANK4_10_SHARE / SHARED_RANK_SPAN
	sharedAmount := int64(math.Floor(pool.TotalPool * RANK4_10_SHARE / SHARED_RANK_SPAN))

	shares := make([]PrizeShare, 0, ranks)
	for i := 0; i < ranks; i++ {
		p := leaderboard[i]
		share := PrizeShare{
			Rank:         i + 1,
			UserID:       p.UserID,
			Contribution: p.ContributionToPool,
			NetProfit:    p.NetProfit,
			SessionCount: p.SessionCount,
		}
		switch i {
		case 0:
			share.Percentage = RANK1_SHARE
			share.Amount = int64(math.Floor(pool.TotalPool * RANK1_SHARE))
		case 1:
			share.Percentage = RANK2_SHARE
			share.Amount = int64(math.Floor(pool.TotalPool * RANK2_SHARE))
		case 2:
			share.Percentage = RANK3_SHARE
			share.Amount = int64(math.Floor(pool.TotalPool * RANK3_SHARE))
		default:
			share.Percentage = sharedPercentage
			share.Amount = sharedAmount
		}
		shares = append(shares, share)
	}
	return shares
}

// sortByContribution orders by contributionToPool DESC with userId ASC
// tie-break. This ordering drives both the Top-1000 cap and prize ranking.
func sortByContribution(participants []models.RaceParticipant) {
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].ContributionToPool != participants[j].ContributionToPool {
			return participants[i].ContributionToPool > participants[j].ContributionToPool
		}
		return participants[i].UserID < participants[j].UserID
	})
}

// sortByNetProfit is the secondary ordering used only for the single-user
// race-data lookup.
func sortByNetProfit(participants []models.RaceParticipant) {
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].NetProfit != participants[j].NetProfit {
			return participants[i].NetProfit > participants[j].NetProfit
		}
		return participants[i].UserID < participants[j].UserID
	})
}
