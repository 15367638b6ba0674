package models

import (
	"encoding/json"
	"time"
)

// User is the externally-owned account record. The core only reads it and
// applies session/prize deltas through the store; balance decrements saturate
// at zero.
type User struct {
	UserID       string          `json:"userId"`
	Balance      int64           `json:"balance"`
	TotalFlights int64           `json:"totalFlights"`
	FlightsWon   int64           `json:"flightsWon"`
	TotalWagered int64           `json:"totalWagered"`
	TotalWon     int64           `json:"totalWon"`
	AutoCashOut  json.RawMessage `json:"autoCashOut,omitempty"`
	IsDeleted    bool            `json:"-"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// GameSession is one resolved bet.
type GameSession struct {
	SessionID        string    `json:"sessionId"`
	RaceID           string    `json:"raceId"`
	UserID           string    `json:"userId"`
	BetAmount        float64   `json:"betAmount"`
	CrashMultiplier  float64   `json:"crashMultiplier"`
	CashOutMultiplier float64  `json:"cashOutMultiplier"`
	IsWin            bool      `json:"isWin"`
	WinAmount        float64   `json:"winAmount"`
	Profit           float64   `json:"profit"`
	GameStartTime    time.Time `json:"gameStartTime"`
	GameEndTime      time.Time `json:"gameEndTime"`
	GameDuration     int64     `json:"gameDuration"`
	IsFreeMode       bool      `json:"isFreeMode"`
	Timestamp        time.Time `json:"timestamp"`
}

// RaceParticipant is the per-race per-user Top-1000 projection.
type RaceParticipant struct {
	RaceID             string    `json:"raceId"`
	UserID             string    `json:"userId"`
	TotalBetAmount     float64   `json:"totalBetAmount"`
	TotalWinAmount     float64   `json:"totalWinAmount"`
	NetProfit          float64   `json:"netProfit"`
	ContributionToPool float64   `json:"contributionToPool"`
	SessionCount       int       `json:"sessionCount"`
	Rank               int       `json:"rank"`
	LastUpdateTime     time.Time `json:"lastUpdateTime"`
}

type RaceStatus string

const (
	RaceStatusPending   RaceStatus = "pending"
	RaceStatusActive    RaceStatus = "active"
	RaceStatusCompleted RaceStatus = "completed"
	RaceStatusCancelled RaceStatus = "cancelled"
)

// Race is a fixed-duration competition spanning many rounds. At most one
// race is active at any time.
type Race struct {
	RaceID            string     `json:"raceId"`
	StartTime         time.Time  `json:"startTime"`
	EndTime           time.Time  `json:"endTime"`
	ActualEndTime     *time.Time `json:"actualEndTime,omitempty"`
	Status            RaceStatus `json:"status"`
	FinalPrizePool    float64    `json:"finalPrizePool"`
	FinalContribution float64    `json:"finalContribution"`
	TotalParticipants int        `json:"totalParticipants"`
	FinalizedAt       *time.Time `json:"finalizedAt,omitempty"`
}

type PrizeStatus string

const (
	PrizeStatusPending PrizeStatus = "pending"
	PrizeStatusClaimed PrizeStatus = "claimed"
)

// RacePrize is a claimable prize record. pending -> claimed is irreversible
// and the record never expires.
type RacePrize struct {
	PrizeID       string      `json:"prizeId"`
	RaceID        string      `json:"raceId"`
	UserID        string      `json:"userId"`
	Rank          int         `json:"rank"`
	PrizeAmount   int64       `json:"prizeAmount"`
	Percentage    float64     `json:"percentage"`
	Status        PrizeStatus `json:"status"`
	Contribution  float64     `json:"contribution"`
	NetProfit     float64     `json:"netProfit"`
	SessionCount  int         `json:"sessionCount"`
	Credited      bool        `json:"-"`
	CreatedAt     time.Time   `json:"createdAt"`
	ClaimedAt     *time.Time  `json:"claimedAt,omitempty"`
}

// NextRoundOverride presets the crash multiplier for a user's next bet of a
// specific amount. A multiplier of 0 disables the override; the record is
// deleted when consumed.
type NextRoundOverride struct {
	UserID              string    `json:"userId"`
	NextBetAmount       float64   `json:"nextBetAmount"`
	NextCrashMultiplier float64   `json:"nextCrashMultiplier"`
	UpdatedAt           time.Time `json:"updatedAt"`
}
