package race

import (
	"context"
	"errors"
	"time"

	"crashcore/internal/database"
	"crashcore/internal/models"
)

// ErrRaceNotInCache means the race is neither active nor inside the
// post-finalization retention window.
var ErrRaceNotInCache = errors.New("race not in cache")

const (
	MAX_PARTICIPANTS   = 1000
	POOL_CONTRIBUTION  = 0.01 // 1% of gross win
	MIN_PRIZE_POOL     = 50_000.0
	RACE_DURATION      = 4 * time.Hour
	AUTO_START_DELAY   = 5 * time.Second
	RETENTION_DURATION = 10 * time.Minute

	BATCH_SAVE_INTERVAL  = 30 * time.Second
	SYNC_INTERVAL        = 5 * time.Minute
	CLEANUP_INTERVAL     = 10 * time.Minute
	PENDING_MAX_AGE      = 1 * time.Hour
	PENDING_MAX_ATTEMPTS = 3
	SYNC_ALERT_THRESHOLD = 3
)

// SessionStore is the slice of the persistence adapter the aggregation
// cache needs for flushes and restores.
type SessionStore interface {
	InsertSessionsBulk(ctx context.Context, sessions []models.GameSession) error
	BulkUpsertParticipants(ctx context.Context, raceID string, rows []models.RaceParticipant) error
	FindRaceParticipants(ctx context.Context, raceID string) ([]models.RaceParticipant, error)
	FindRaceSessions(ctx context.Context, raceID string, limit int) ([]models.GameSession, error)
}

// RaceStore is the slice of the persistence adapter the lifecycle manager
// needs for race identity and settlement.
type RaceStore interface {
	InsertRace(ctx context.Context, r *models.Race) error
	UpdateRace(ctx context.Context, raceID string, patch database.RacePatch) error
	FindActiveRace(ctx context.Context) (*models.Race, error)
	FindRaceHistory(ctx context.Context, limit int) ([]models.Race, error)
	InsertPrize(ctx context.Context, p *models.RacePrize) error
	InsertPrizes(ctx context.Context, prizes []models.RacePrize) error
}

// PrizeCrediter applies a prize amount to the external user store. The
// credit must be idempotent on (prizeId, userId).
type PrizeCrediter interface {
	CreditPrize(ctx context.Context, prize models.RacePrize) error
}

// PrizePool is the live pool valuation for a race.
type PrizePool struct {
	RaceID                 string  `json:"raceId"`
	ContributedAmount      float64 `json:"contributedAmount"`
	TotalPool              float64 `json:"totalPool"`
	ShouldDistributePrizes bool    `json:"shouldDistributePrizes"`
	ParticipantCount       int     `json:"participantCount"`
}

// UserRaceData is the ad-hoc single-user lookup: stats plus rank in the
// netProfit ordering.
type UserRaceData struct {
	models.RaceParticipant
	TotalParticipants int `json:"totalParticipants"`
}

// LeaderboardWithUser is the top-N slice plus the requesting user's stats
// and rank in the contribution ordering. DisplayRank diverges from Rank only
// when the user fell past the Top-1000 cap.
type LeaderboardWithUser struct {
	Leaderboard []models.RaceParticipant `json:"leaderboard"`
	User        models.RaceParticipant   `json:"user"`
	DisplayRank int                      `json:"displayRank"`
}

// FinalizeResult is what race settlement consumes.
type FinalizeResult struct {
	RaceID      string                   `json:"raceId"`
	Leaderboard []models.RaceParticipant `json:"leaderboard"`
	PrizePool   PrizePool                `json:"prizePool"`
	FinalizedAt time.Time                `json:"finalizedAt"`
}

// GlobalStats is the rolling 24-hour in-memory aggregate.
type GlobalStats struct {
	TotalSessions int     `json:"totalSessions"`
	TotalWins     int     `json:"totalWins"`
	TotalWagered  float64 `json:"totalWagered"`
	TotalWon      float64 `json:"totalWon"`
	ActiveUsers   int     `json:"activeUsers"`
	WindowHours   int     `json:"windowHours"`
}

// CacheStatus is telemetry for the cache-status endpoint.
type CacheStatus struct {
	CurrentRaceID     string `json:"currentRaceId"`
	Participants      int    `json:"participants"`
	GlobalSessions    int    `json:"globalSessions"`
	PendingSaves      int    `json:"pendingSaves"`
	RetainedRaces     int    `json:"retainedRaces"`
	SyncFailureStreak int    `json:"syncFailureStreak"`
}
