package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"crashcore/internal/database"
	"crashcore/internal/models"
	"crashcore/internal/race"
)

const DEFAULT_STARTING_BALANCE = 3000

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,50}$`)

// ValidationError carries the offending field for the 400 response.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Store is the slice of the persistence adapter the user service needs.
type Store interface {
	FindUser(ctx context.Context, userID string) (*models.User, error)
	UpsertUser(ctx context.Context, u *models.User) error
	ApplyUserSessionDelta(ctx context.Context, userID string, d database.UserSessionDelta) (*models.User, error)
	UpdateUserSettings(ctx context.Context, userID string, autoCashOut json.RawMessage) error
	SoftDeleteUser(ctx context.Context, userID string) error
	TopUsers(ctx context.Context, limit int) ([]models.User, error)
	CreditUserBalance(ctx context.Context, userID string, amount int64) error
	MarkPrizeCredited(ctx context.Context, prizeID, userID string) (bool, error)
}

// Service applies session and prize events to the externally-owned user
// store and forwards finished sessions into the race cache.
type Service struct {
	store Store
	cache *race.Cache
}

func NewService(store Store, cache *race.Cache) *Service {
	return &Service{store: store, cache: cache}
}

// ValidateUserID enforces the 8-50 char [A-Za-z0-9_-] id shape.
func ValidateUserID(userID string) error {
	if !userIDPattern.MatchString(userID) {
		return &ValidationError{Field: "userId", Message: "must be 8-50 chars of [A-Za-z0-9_-]"}
	}
	return nil
}

// FindOrCreate returns the user, creating a fresh record with the starting
// balance on first sight.
func (s *Service) FindOrCreate(ctx context.Context, userID string) (*models.User, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	u, err := s.store.FindUser(ctx, userID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	fresh := &models.User{
		UserID:  userID,
		Balance: DEFAULT_STARTING_BALANCE,
	}
	if err := s.store.UpsertUser(ctx, fresh); err != nil {
		return nil, err
	}
	log.Printf("[USER] Created user %s", userID)
	return s.store.FindUser(ctx, userID)
}

// RecordSessionInput is a resolved bet as reported by the façade. Win
// state, amounts and profit are derived here, never trusted from input.
type RecordSessionInput struct {
	BetAmount         float64   `json:"betAmount" validate:"required,gte=1"`
	CrashMultiplier   float64   `json:"crashMultiplier" validate:"required,gte=1"`
	CashOutMultiplier float64   `json:"cashOutMultiplier" validate:"gte=0"`
	GameStartTime     time.Time `json:"gameStartTime"`
	GameEndTime       time.Time `json:"gameEndTime"`
	IsFreeMode        bool      `json:"isFreeMode"`
}

// RecordSession validates and derives the session, applies the cumulative
// stats delta (balance saturates at zero), and folds the session into the
// active race. A session landing between races still updates the user; it
// just contributes to no race.
func (s *Service) RecordSession(ctx context.Context, userID string, in RecordSessionInput) (*models.GameSession, *models.User, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, nil, err
	}
	if in.BetAmount < 1 {
		return nil, nil, &ValidationError{Field: "betAmount", Message: "must be at least 1"}
	}
	if in.CrashMultiplier < 1.0 {
		return nil, nil, &ValidationError{Field: "crashMultiplier", Message: "must be at least 1.0"}
	}
	if in.CashOutMultiplier < 0 {
		return nil, nil, &ValidationError{Field: "cashOutMultiplier", Message: "must not be negative"}
	}
	if in.CashOutMultiplier > 0 && in.CashOutMultiplier <= 1.0 {
		return nil, nil, &ValidationError{Field: "cashOutMultiplier", Message: "must be 0 (loss) or above 1.0"}
	}
	if in.CashOutMultiplier > in.CrashMultiplier {
		return nil, nil, &ValidationError{Field: "cashOutMultiplier", Message: "cannot exceed crashMultiplier"}
	}

	now := time.Now()
	if in.GameStartTime.IsZero() {
		in.GameStartTime = now
	}
	if in.GameEndTime.IsZero() || in.GameEndTime.Before(in.GameStartTime) {
		in.GameEndTime = in.GameStartTime
	}

	sess := &models.GameSession{
		SessionID:         uuid.NewString(),
		UserID:            userID,
		BetAmount:         in.BetAmount,
		CrashMultiplier:   in.CrashMultiplier,
		CashOutMultiplier: in.CashOutMultiplier,
		IsWin:             in.CashOutMultiplier > 0,
		GameStartTime:     in.GameStartTime,
		GameEndTime:       in.GameEndTime,
		GameDuration:      in.GameEndTime.Sub(in.GameStartTime).Milliseconds(),
		IsFreeMode:        in.IsFreeMode,
		Timestamp:         now,
	}
	if sess.IsWin {
		sess.WinAmount = in.BetAmount * in.CashOutMultiplier
	}
	sess.Profit = sess.WinAmount - sess.BetAmount

	delta := database.UserSessionDelta{
		WageredDelta: int64(sess.BetAmount),
		WonDelta:     int64(sess.WinAmount),
	}
	if sess.IsWin {
		delta.FlightsWon = 1
	}
	if !sess.IsFreeMode {
		delta.BalanceDelta = int64(sess.Profit)
	}

	updated, err := s.store.ApplyUserSessionDelta(ctx, userID, delta)
	if err != nil {
		return nil, nil, err
	}

	if stored := s.cache.AddSession(sess); stored == nil {
		log.Printf("[USER] Session %s for %s recorded outside any race", sess.SessionID, userID)
	} else {
		sess = stored
	}
	return sess, updated, nil
}

// UpdateSettings stores the preference blob opaquely; values like
// autoCashOut.totalBets = -1 pass through uninterpreted.
func (s *Service) UpdateSettings(ctx context.Context, userID string, autoCashOut json.RawMessage) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	if len(autoCashOut) > 0 && !json.Valid(autoCashOut) {
		return &ValidationError{Field: "autoCashOut", Message: "must be valid JSON"}
	}
	return s.store.UpdateUserSettings(ctx, userID, autoCashOut)
}

// History returns the user's recent sessions from the in-memory cache.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]models.GameSession, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	return s.cache.GetUserSessions(userID, "", limit), nil
}

// Leaderboard is the lifetime top-winners list.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]models.User, error) {
	return s.store.TopUsers(ctx, limit)
}

// Delete soft-deletes the user.
func (s *Service) Delete(ctx context.Context, userID string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	return s.store.SoftDeleteUser(ctx, userID)
}

// CreditPrize applies a prize amount to the user's balance exactly once per
// (prizeId, userId): both race settlement and the claim path call this, and
// the credited guard makes the second call a no-op. A missing user is
// logged, not fatal.
func (s *Service) CreditPrize(ctx context.Context, prize models.RacePrize) error {
	won, err := s.store.MarkPrizeCredited(ctx, prize.PrizeID, prize.UserID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if err := s.store.CreditUserBalance(ctx, prize.UserID, prize.PrizeAmount); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			log.Printf("[USER] Prize credit skipped, user %s not found", prize.UserID)
			return nil
		}
		return err
	}
	log.Printf("[USER] Credited %d to %s for race %s rank %d",
		prize.PrizeAmount, prize.UserID, prize.RaceID, prize.Rank)
	return nil
}
