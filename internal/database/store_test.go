package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"crashcore/internal/models"
)

var migrateOnce sync.Once

func testStore(t *testing.T) *Store {
	t.Helper()

	srv := New()
	migrateOnce.Do(func() {
		url := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			username, password, host, port, database)
		db, err := sql.Open("pgx", url)
		if err != nil {
			t.Fatalf("open migration connection: %v", err)
		}
		defer db.Close()
		if err := RunMigrations(db, "../../migrations"); err != nil {
			t.Fatalf("run migrations: %v", err)
		}
	})
	return NewStore(srv)
}

func seedUser(t *testing.T, store *Store, userID string, balance int64) {
	t.Helper()
	if err := store.UpsertUser(context.Background(), &models.User{UserID: userID, Balance: balance}); err != nil {
		t.Fatalf("seed user %s: %v", userID, err)
	}
}

func TestStore_UserLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	seedUser(t, store, "lifecycle-user-1", 1000)

	t.Run("find returns the row", func(t *testing.T) {
		u, err := store.FindUser(ctx, "lifecycle-user-1")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if u.Balance != 1000 {
			t.Fatalf("balance = %d, want 1000", u.Balance)
		}
	})

	t.Run("session delta saturates at zero", func(t *testing.T) {
		u, err := store.ApplyUserSessionDelta(ctx, "lifecycle-user-1", UserSessionDelta{
			BalanceDelta: -5000,
			WageredDelta: 5000,
		})
		if err != nil {
			t.Fatalf("delta: %v", err)
		}
		if u.Balance != 0 {
			t.Fatalf("balance = %d, want saturated 0", u.Balance)
		}
		if u.TotalFlights != 1 {
			t.Fatalf("totalFlights = %d, want 1", u.TotalFlights)
		}
	})

	t.Run("settings round-trip", func(t *testing.T) {
		blob := []byte(`{"enabled": true, "totalBets": -1}`)
		if err := store.UpdateUserSettings(ctx, "lifecycle-user-1", blob); err != nil {
			t.Fatalf("settings: %v", err)
		}
		u, err := store.FindUser(ctx, "lifecycle-user-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(u.AutoCashOut) == 0 {
			t.Fatal("autoCashOut not stored")
		}
	})

	t.Run("soft delete hides the user", func(t *testing.T) {
		if err := store.SoftDeleteUser(ctx, "lifecycle-user-1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := store.FindUser(ctx, "lifecycle-user-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("missing user is ErrNotFound", func(t *testing.T) {
		if _, err := store.FindUser(ctx, "never-existed-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_InsertSessionsBulkSkipsDuplicates(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	now := time.Now()
	session := func(id string) models.GameSession {
		return models.GameSession{
			SessionID:       id,
			RaceID:          "race_20260805130000",
			UserID:          "bulk-user-0001",
			BetAmount:       10,
			CrashMultiplier: 2.0,
			GameStartTime:   now,
			GameEndTime:     now,
			Timestamp:       now,
		}
	}

	batch := []models.GameSession{session("bulk-sess-1"), session("bulk-sess-2")}
	if err := store.InsertSessionsBulk(ctx, batch); err != nil {
		t.Fatalf("first bulk: %v", err)
	}

	// resend with one duplicate and one new row
	batch = append(batch, session("bulk-sess-3"))
	if err := store.InsertSessionsBulk(ctx, batch); err != nil {
		t.Fatalf("bulk with duplicates should not error: %v", err)
	}

	sessions, err := store.FindRaceSessions(ctx, "race_20260805130000", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 3 {
		t.Fatalf("session count = %d, want 3", len(sessions))
	}
}

func TestStore_ParticipantUpsertAndOrdering(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	raceID := "race_20260805140000"

	rows := []models.RaceParticipant{
		{RaceID: raceID, UserID: "part-user-low", ContributionToPool: 10, Rank: 2, LastUpdateTime: time.Now()},
		{RaceID: raceID, UserID: "part-user-high", ContributionToPool: 90, Rank: 1, LastUpdateTime: time.Now()},
	}
	if err := store.BulkUpsertParticipants(ctx, raceID, rows); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// second upsert updates in place
	rows[0].ContributionToPool = 200
	if err := store.BulkUpsertParticipants(ctx, raceID, rows); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, err := store.FindRaceParticipants(ctx, raceID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("participant count = %d, want 2", len(got))
	}
	if got[0].UserID != "part-user-low" || got[0].ContributionToPool != 200 {
		t.Fatalf("ordering or upsert wrong: %+v", got[0])
	}
}

func TestStore_RaceLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	race := &models.Race{
		RaceID:    "race_20260805150000",
		StartTime: time.Now(),
		EndTime:   time.Now().Add(4 * time.Hour),
		Status:    models.RaceStatusActive,
	}
	if err := store.InsertRace(ctx, race); err != nil {
		t.Fatalf("insert: %v", err)
	}

	active, err := store.FindActiveRace(ctx)
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if active.RaceID != race.RaceID {
		t.Fatalf("active race = %s, want %s", active.RaceID, race.RaceID)
	}

	status := models.RaceStatusCompleted
	endedAt := time.Now()
	pool := 50_000.0
	participants := 3
	err = store.UpdateRace(ctx, race.RaceID, RacePatch{
		Status:            &status,
		ActualEndTime:     &endedAt,
		FinalPrizePool:    &pool,
		TotalParticipants: &participants,
		FinalizedAt:       &endedAt,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := store.FindActiveRace(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no active race, got %v", err)
	}

	history, err := store.FindRaceHistory(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range history {
		if r.RaceID == race.RaceID {
			found = true
			if r.FinalPrizePool != pool || r.TotalParticipants != participants {
				t.Fatalf("completed race fields wrong: %+v", r)
			}
		}
	}
	if !found {
		t.Fatal("completed race missing from history")
	}
}

func TestStore_PrizeClaimCAS(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	seedUser(t, store, "claim-user-0001", 0)
	prize := &models.RacePrize{
		PrizeID:     "claim-prize-001",
		RaceID:      "race_20260805160000",
		UserID:      "claim-user-0001",
		Rank:        1,
		PrizeAmount: 25_000,
		Percentage:  0.5,
		Status:      models.PrizeStatusPending,
		CreatedAt:   time.Now(),
	}
	if err := store.InsertPrize(ctx, prize); err != nil {
		t.Fatalf("insert prize: %v", err)
	}

	t.Run("concurrent claims resolve to one winner", func(t *testing.T) {
		var wg sync.WaitGroup
		results := make(chan error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.ClaimPrize(ctx, "claim-prize-001", "claim-user-0001")
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		wins, conflicts := 0, 0
		for err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyClaimed):
				conflicts++
			default:
				t.Fatalf("unexpected claim error: %v", err)
			}
		}
		if wins != 1 || conflicts != 1 {
			t.Fatalf("wins=%d conflicts=%d, want exactly one of each", wins, conflicts)
		}
	})

	t.Run("repeat claim is AlreadyClaimed", func(t *testing.T) {
		if _, err := store.ClaimPrize(ctx, "claim-prize-001", "claim-user-0001"); !errors.Is(err, ErrAlreadyClaimed) {
			t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
		}
	})

	t.Run("foreign claim is rejected", func(t *testing.T) {
		if _, err := store.ClaimPrize(ctx, "claim-prize-001", "intruder-user-01"); !errors.Is(err, ErrWrongOwner) {
			t.Fatalf("expected ErrWrongOwner, got %v", err)
		}
	})

	t.Run("credit guard wins exactly once", func(t *testing.T) {
		first, err := store.MarkPrizeCredited(ctx, "claim-prize-001", "claim-user-0001")
		if err != nil {
			t.Fatal(err)
		}
		second, err := store.MarkPrizeCredited(ctx, "claim-prize-001", "claim-user-0001")
		if err != nil {
			t.Fatal(err)
		}
		if !first || second {
			t.Fatalf("guard first=%v second=%v, want true then false", first, second)
		}
	})

	t.Run("pending and history queries", func(t *testing.T) {
		pending, err := store.FindUserPendingPrizes(ctx, "claim-user-0001", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 0 {
			t.Fatalf("claimed prize still pending: %+v", pending)
		}
		history, err := store.FindUserPrizeHistory(ctx, "claim-user-0001", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 1 || history[0].Status != models.PrizeStatusClaimed {
			t.Fatalf("history wrong: %+v", history)
		}
		byRace, err := store.FindPrizesByRace(ctx, "race_20260805160000")
		if err != nil {
			t.Fatal(err)
		}
		if len(byRace) != 1 {
			t.Fatalf("race prizes = %d, want 1", len(byRace))
		}
	})
}
