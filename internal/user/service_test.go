package user

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashcore/internal/database"
	"crashcore/internal/models"
	"crashcore/internal/race"
)

type fakeUserStore struct {
	mu       sync.Mutex
	users    map[string]*models.User
	credited map[string]bool
	credits  map[string]int
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:    make(map[string]*models.User),
		credited: make(map[string]bool),
		credits:  make(map[string]int),
	}
}

func (f *fakeUserStore) FindUser(ctx context.Context, userID string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.IsDeleted {
		return nil, database.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserStore) UpsertUser(ctx context.Context, u *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *u
	f.users[u.UserID] = &copied
	return nil
}

func (f *fakeUserStore) ApplyUserSessionDelta(ctx context.Context, userID string, d database.UserSessionDelta) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.IsDeleted {
		return nil, database.ErrNotFound
	}
	u.Balance += d.BalanceDelta
	if u.Balance < 0 {
		u.Balance = 0
	}
	u.TotalFlights++
	u.FlightsWon += d.FlightsWon
	u.TotalWagered += d.WageredDelta
	u.TotalWon += d.WonDelta
	copied := *u
	return &copied, nil
}

func (f *fakeUserStore) UpdateUserSettings(ctx context.Context, userID string, autoCashOut json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return database.ErrNotFound
	}
	u.AutoCashOut = autoCashOut
	return nil
}

func (f *fakeUserStore) SoftDeleteUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.IsDeleted {
		return database.ErrNotFound
	}
	u.IsDeleted = true
	return nil
}

func (f *fakeUserStore) TopUsers(ctx context.Context, limit int) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.User{}
	for _, u := range f.users {
		if !u.IsDeleted {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (f *fakeUserStore) CreditUserBalance(ctx context.Context, userID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.IsDeleted {
		return database.ErrNotFound
	}
	u.Balance += amount
	f.credits[userID]++
	return nil
}

func (f *fakeUserStore) MarkPrizeCredited(ctx context.Context, prizeID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := prizeID + "/" + userID
	if f.credited[key] {
		return false, nil
	}
	f.credited[key] = true
	return true, nil
}

func newTestService() (*Service, *fakeUserStore, *race.Cache) {
	store := newFakeUserStore()
	cache := race.NewCache(nil)
	svc := NewService(store, cache)
	return svc, store, cache
}

func TestValidateUserID(t *testing.T) {
	valid := []string{"abcd1234", "user_name-42", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}
	for _, id := range valid {
		assert.NoError(t, ValidateUserID(id), id)
	}

	invalid := []string{"", "short", "has space in it", "bad!chars#here", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}
	for _, id := range invalid {
		assert.Error(t, ValidateUserID(id), id)
	}
}

func TestService_FindOrCreate(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	u, err := svc.FindOrCreate(ctx, "fresh-user-001")
	require.NoError(t, err)
	assert.Equal(t, int64(DEFAULT_STARTING_BALANCE), u.Balance)

	store.mu.Lock()
	store.users["fresh-user-001"].Balance = 777
	store.mu.Unlock()

	again, err := svc.FindOrCreate(ctx, "fresh-user-001")
	require.NoError(t, err)
	assert.Equal(t, int64(777), again.Balance, "existing user is returned, not recreated")

	_, err = svc.FindOrCreate(ctx, "bad id")
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestService_RecordSession(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, err := svc.FindOrCreate(ctx, "record-user-01")
	require.NoError(t, err)

	t.Run("winning session", func(t *testing.T) {
		sess, u, err := svc.RecordSession(ctx, "record-user-01", RecordSessionInput{
			BetAmount:         100,
			CrashMultiplier:   5.0,
			CashOutMultiplier: 2.0,
		})
		require.NoError(t, err)
		assert.True(t, sess.IsWin)
		assert.Equal(t, 200.0, sess.WinAmount)
		assert.Equal(t, 100.0, sess.Profit)
		assert.NotEmpty(t, sess.SessionID)
		assert.Equal(t, int64(DEFAULT_STARTING_BALANCE+100), u.Balance)
		assert.Equal(t, int64(1), u.FlightsWon)
		assert.Equal(t, int64(1), u.TotalFlights)
	})

	t.Run("losing session saturates balance at zero", func(t *testing.T) {
		_, u, err := svc.RecordSession(ctx, "record-user-01", RecordSessionInput{
			BetAmount:         1_000_000,
			CrashMultiplier:   1.5,
			CashOutMultiplier: 0,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(0), u.Balance)
		assert.Equal(t, int64(1), u.FlightsWon, "losses don't count as wins")
	})

	t.Run("free mode leaves balance alone", func(t *testing.T) {
		before, _ := svc.FindOrCreate(ctx, "record-user-01")
		_, after, err := svc.RecordSession(ctx, "record-user-01", RecordSessionInput{
			BetAmount:         50,
			CrashMultiplier:   2.0,
			CashOutMultiplier: 0,
			IsFreeMode:        true,
		})
		require.NoError(t, err)
		assert.Equal(t, before.Balance, after.Balance)
	})

	t.Run("validation rejections", func(t *testing.T) {
		cases := []RecordSessionInput{
			{BetAmount: 0, CrashMultiplier: 2.0},                          // bet below 1
			{BetAmount: 10, CrashMultiplier: 0.5},                         // crash below 1
			{BetAmount: 10, CrashMultiplier: 2.0, CashOutMultiplier: -1},  // negative cash out
			{BetAmount: 10, CrashMultiplier: 2.0, CashOutMultiplier: 0.8}, // cash out in (0, 1]
			{BetAmount: 10, CrashMultiplier: 2.0, CashOutMultiplier: 3.0}, // cash out above crash
		}
		for i, in := range cases {
			_, _, err := svc.RecordSession(ctx, "record-user-01", in)
			var validationErr *ValidationError
			assert.ErrorAs(t, err, &validationErr, "case %d", i)
		}
	})

	t.Run("win invariant holds", func(t *testing.T) {
		sess, _, err := svc.RecordSession(ctx, "record-user-01", RecordSessionInput{
			BetAmount:         10,
			CrashMultiplier:   3.0,
			CashOutMultiplier: 1.5,
		})
		require.NoError(t, err)
		assert.Equal(t, sess.IsWin, sess.CashOutMultiplier > 0)
		assert.Equal(t, sess.IsWin, sess.Profit > 0)
	})
}

func TestService_RecordSessionFeedsRace(t *testing.T) {
	svc, _, cache := newTestService()
	ctx := context.Background()
	_, err := svc.FindOrCreate(ctx, "race-feeder-01")
	require.NoError(t, err)

	cache.SetCurrentRace(&models.Race{RaceID: "race_20260805120000", Status: models.RaceStatusActive})

	sess, _, err := svc.RecordSession(ctx, "race-feeder-01", RecordSessionInput{
		BetAmount:         100,
		CrashMultiplier:   4.0,
		CashOutMultiplier: 3.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "race_20260805120000", sess.RaceID, "session stamped with the active race")

	lb := cache.GetRaceLeaderboard("race_20260805120000", 10)
	require.Len(t, lb, 1)
	assert.Equal(t, 3.0, lb[0].ContributionToPool)
}

func TestService_CreditPrizeIdempotent(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	_, err := svc.FindOrCreate(ctx, "prize-winner-01")
	require.NoError(t, err)

	prize := models.RacePrize{
		PrizeID:     "prize-0001",
		RaceID:      "race_20260805120000",
		UserID:      "prize-winner-01",
		PrizeAmount: 25_000,
	}

	require.NoError(t, svc.CreditPrize(ctx, prize))
	require.NoError(t, svc.CreditPrize(ctx, prize), "second credit is a no-op")
	require.NoError(t, svc.CreditPrize(ctx, prize))

	assert.Equal(t, 1, store.credits["prize-winner-01"], "balance credited exactly once")
	u, _ := svc.FindOrCreate(ctx, "prize-winner-01")
	assert.Equal(t, int64(DEFAULT_STARTING_BALANCE+25_000), u.Balance)
}

func TestService_CreditPrizeMissingUser(t *testing.T) {
	svc, _, _ := newTestService()
	prize := models.RacePrize{PrizeID: "prize-0002", UserID: "ghost-user-001", PrizeAmount: 100}
	assert.NoError(t, svc.CreditPrize(context.Background(), prize), "missing user is logged, not fatal")
}

func TestService_SettingsAndDelete(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	_, err := svc.FindOrCreate(ctx, "settings-user-1")
	require.NoError(t, err)

	t.Run("opaque autoCashOut stored verbatim", func(t *testing.T) {
		blob := json.RawMessage(`{"enabled":true,"multiplier":2.5,"totalBets":-1}`)
		require.NoError(t, svc.UpdateSettings(ctx, "settings-user-1", blob))
		store.mu.Lock()
		saved := store.users["settings-user-1"].AutoCashOut
		store.mu.Unlock()
		assert.JSONEq(t, string(blob), string(saved))
	})

	t.Run("invalid json rejected", func(t *testing.T) {
		err := svc.UpdateSettings(ctx, "settings-user-1", json.RawMessage(`{broken`))
		var validationErr *ValidationError
		assert.ErrorAs(t, err, &validationErr)
	})

	t.Run("soft delete hides the user", func(t *testing.T) {
		require.NoError(t, svc.Delete(ctx, "settings-user-1"))
		assert.ErrorIs(t, svc.Delete(ctx, "settings-user-1"), database.ErrNotFound)
	})
}
