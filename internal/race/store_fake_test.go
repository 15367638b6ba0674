package race

import (
	"context"
	"errors"
	"sync"

	"crashcore/internal/database"
	"crashcore/internal/models"
)

// fakeStore implements SessionStore and RaceStore in memory for unit tests.
type fakeStore struct {
	mu sync.Mutex

	sessions     []models.GameSession
	participants map[string][]models.RaceParticipant
	races        map[string]*models.Race
	prizes       []models.RacePrize

	failNextSaves   int
	bulkPrizeErr    error
	warmSessions    []models.GameSession
	restoreRows     []models.RaceParticipant
	insertRaceCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		participants: make(map[string][]models.RaceParticipant),
		races:        make(map[string]*models.Race),
	}
}

func (f *fakeStore) InsertSessionsBulk(ctx context.Context, sessions []models.GameSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextSaves > 0 {
		f.failNextSaves--
		return errors.New("simulated save failure")
	}
	f.sessions = append(f.sessions, sessions...)
	return nil
}

func (f *fakeStore) BulkUpsertParticipants(ctx context.Context, raceID string, rows []models.RaceParticipant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[raceID] = append([]models.RaceParticipant(nil), rows...)
	return nil
}

func (f *fakeStore) FindRaceParticipants(ctx context.Context, raceID string) ([]models.RaceParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreRows != nil {
		return f.restoreRows, nil
	}
	return f.participants[raceID], nil
}

func (f *fakeStore) FindRaceSessions(ctx context.Context, raceID string, limit int) ([]models.GameSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.warmSessions, nil
}

func (f *fakeStore) InsertRace(ctx context.Context, r *models.Race) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *r
	f.races[r.RaceID] = &copied
	f.insertRaceCalls++
	return nil
}

func (f *fakeStore) UpdateRace(ctx context.Context, raceID string, patch database.RacePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.races[raceID]
	if !ok {
		return database.ErrNotFound
	}
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.ActualEndTime != nil {
		r.ActualEndTime = patch.ActualEndTime
	}
	if patch.FinalPrizePool != nil {
		r.FinalPrizePool = *patch.FinalPrizePool
	}
	if patch.FinalContribution != nil {
		r.FinalContribution = *patch.FinalContribution
	}
	if patch.TotalParticipants != nil {
		r.TotalParticipants = *patch.TotalParticipants
	}
	if patch.FinalizedAt != nil {
		r.FinalizedAt = patch.FinalizedAt
	}
	return nil
}

func (f *fakeStore) FindActiveRace(ctx context.Context) (*models.Race, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.races {
		if r.Status == models.RaceStatusActive {
			copied := *r
			return &copied, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) FindRaceHistory(ctx context.Context, limit int) ([]models.Race, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Race{}
	for _, r := range f.races {
		if r.Status == models.RaceStatusCompleted {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertPrize(ctx context.Context, p *models.RacePrize) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prizes = append(f.prizes, *p)
	return nil
}

func (f *fakeStore) InsertPrizes(ctx context.Context, prizes []models.RacePrize) error {
	f.mu.Lock()
	if f.bulkPrizeErr != nil {
		err := f.bulkPrizeErr
		f.mu.Unlock()
		return err
	}
	f.prizes = append(f.prizes, prizes...)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) savedSessions() []models.GameSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.GameSession(nil), f.sessions...)
}

func (f *fakeStore) savedPrizes() []models.RacePrize {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RacePrize(nil), f.prizes...)
}

// fakeCrediter counts credits per (prizeId, userId).
type fakeCrediter struct {
	mu      sync.Mutex
	credits map[string]int
}

func newFakeCrediter() *fakeCrediter {
	return &fakeCrediter{credits: make(map[string]int)}
}

func (f *fakeCrediter) CreditPrize(ctx context.Context, prize models.RacePrize) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits[prize.PrizeID+"/"+prize.UserID]++
	return nil
}
