package race

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"crashcore/internal/database"
	"crashcore/internal/models"
)

// Manager owns race identity: it starts fixed-duration races, restores an
// in-flight race across restarts, and settles completed races into prize
// records. Race end and next-race start are serialized under one mutex, so
// a new race never becomes current before the previous finalize flush.
type Manager struct {
	mu       sync.Mutex
	store    RaceStore
	cache    *Cache
	crediter PrizeCrediter

	raceDuration   time.Duration
	autoStartDelay time.Duration

	endTimer   *time.Timer
	watchdog   *cron.Cron
	lastRaceID string
	stopped    bool

	now func() time.Time
}

func NewManager(store RaceStore, cache *Cache, crediter PrizeCrediter, raceDuration, autoStartDelay time.Duration) *Manager {
	if raceDuration <= 0 {
		raceDuration = RACE_DURATION
	}
	if autoStartDelay <= 0 {
		autoStartDelay = AUTO_START_DELAY
	}
	return &Manager{
		store:          store,
		cache:          cache,
		crediter:       crediter,
		raceDuration:   raceDuration,
		autoStartDelay: autoStartDelay,
		now:            time.Now,
	}
}

// Start kicks off the boot sequence after the auto-start delay and arms the
// watchdog. The watchdog is a backstop only; the end-time timer is the
// authoritative transition.
func (m *Manager) Start(ctx context.Context) {
	m.watchdog = cron.New()
	m.watchdog.AddFunc(fmt.Sprintf("@every %s", m.raceDuration), func() {
		m.checkExpired(context.Background())
	})
	m.watchdog.Start()

	go func() {
		select {
		case <-time.After(m.autoStartDelay):
		case <-ctx.Done():
			return
		}
		if err := m.boot(ctx); err != nil {
			log.Printf("[RACE] Boot failed: %v", err)
		}
	}()
}

// boot restores or replaces whatever race the store says was active.
func (m *Manager) boot(ctx context.Context) error {
	active, err := m.store.FindActiveRace(ctx)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("find active race: %w", err)
	}

	if active == nil {
		log.Println("[RACE] No active race found, starting fresh")
		_, err := m.StartNewRace(ctx)
		return err
	}

	now := m.now()
	if active.EndTime.After(now) {
		log.Printf("[RACE] Restoring in-flight race %s (ends %s)", active.RaceID, active.EndTime.Format(time.RFC3339))
		if err := m.cache.RestoreFromDatabase(ctx, active); err != nil {
			return fmt.Errorf("restore race %s: %w", active.RaceID, err)
		}
		m.mu.Lock()
		m.lastRaceID = active.RaceID
		m.scheduleEndLocked(active.RaceID, active.EndTime)
		m.mu.Unlock()
		return nil
	}

	// expired while down: restore so settlement sees the persisted
	// projection, then end it, which starts the next race
	log.Printf("[RACE] Race %s expired while down, settling now", active.RaceID)
	if err := m.cache.RestoreFromDatabase(ctx, active); err != nil {
		return fmt.Errorf("restore expired race %s: %w", active.RaceID, err)
	}
	m.mu.Lock()
	m.lastRaceID = active.RaceID
	m.mu.Unlock()
	return m.EndRaceByID(ctx, active.RaceID)
}

// StartNewRace ends any current race first, then declares a new one.
func (m *Manager) StartNewRace(ctx context.Context) (*models.Race, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current := m.cache.CurrentRace(); current != nil {
		if err := m.endRaceLocked(ctx, current.RaceID, false); err != nil {
			log.Printf("[RACE] Failed to end race %s before starting next: %v", current.RaceID, err)
		}
	}
	return m.startNewRaceLocked(ctx)
}

func (m *Manager) startNewRaceLocked(ctx context.Context) (*models.Race, error) {
	if m.stopped {
		return nil, errors.New("race manager stopped")
	}

	now := m.now()
	raceID := newRaceID(now)
	for raceID <= m.lastRaceID {
		now = now.Add(time.Second)
		raceID = newRaceID(now)
	}

	race := &models.Race{
		RaceID:    raceID,
		StartTime: now,
		EndTime:   now.Add(m.raceDuration),
		Status:    models.RaceStatusActive,
	}
	if err := m.store.InsertRace(ctx, race); err != nil {
		return nil, fmt.Errorf("insert race %s: %w", raceID, err)
	}

	m.lastRaceID = raceID
	m.cache.SetCurrentRace(race)
	m.scheduleEndLocked(raceID, race.EndTime)

	log.Printf("[RACE] Started race %s (%s -> %s)", raceID,
		race.StartTime.Format(time.RFC3339), race.EndTime.Format(time.RFC3339))
	return race, nil
}

func newRaceID(t time.Time) string {
	return "race_" + t.UTC().Format("20060102150405")
}

func (m *Manager) scheduleEndLocked(raceID string, endTime time.Time) {
	if m.endTimer != nil {
		m.endTimer.Stop()
	}
	delay := endTime.Sub(m.now())
	if delay < 0 {
		delay = 0
	}
	m.endTimer = time.AfterFunc(delay, func() {
		if err := m.EndRaceByID(context.Background(), raceID); err != nil {
			log.Printf("[RACE] Scheduled end of %s failed: %v", raceID, err)
		}
	})
}

// EndRaceByID settles the race and immediately starts the next one.
func (m *Manager) EndRaceByID(ctx context.Context, raceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.endRaceLocked(ctx, raceID, true); err != nil {
		return err
	}
	if m.stopped {
		return nil
	}
	_, err := m.startNewRaceLocked(ctx)
	return err
}

// endRaceLocked runs settlement: finalize, prize split, prize records,
// balance credits, race record completion. Caller holds m.mu.
func (m *Manager) endRaceLocked(ctx context.Context, raceID string, logPrizes bool) error {
	result, err := m.cache.FinalizeRace(ctx, raceID)
	if err != nil {
		if errors.Is(err, ErrRaceNotInCache) {
			log.Printf("[RACE] Race %s has no cached data, completing with empty settlement", raceID)
			result = &FinalizeResult{RaceID: raceID, FinalizedAt: m.now(),
				PrizePool: PrizePool{RaceID: raceID, TotalPool: MIN_PRIZE_POOL}}
		} else {
			return fmt.Errorf("finalize race %s: %w", raceID, err)
		}
	}

	shares := ComputePrizeDistribution(result.Leaderboard, result.PrizePool)
	prizes := make([]models.RacePrize, 0, len(shares))
	for _, share := range shares {
		prizes = append(prizes, models.RacePrize{
			PrizeID:      uuid.NewString(),
			RaceID:       raceID,
			UserID:       share.UserID,
			Rank:         share.Rank,
			PrizeAmount:  share.Amount,
			Percentage:   share.Percentage,
			Status:       models.PrizeStatusPending,
			Contribution: share.Contribution,
			NetProfit:    share.NetProfit,
			SessionCount: share.SessionCount,
			CreatedAt:    result.FinalizedAt,
		})
	}

	if len(prizes) > 0 {
		if err := m.store.InsertPrizes(ctx, prizes); err != nil {
			log.Printf("[RACE] Bulk prize insert for %s failed, falling back to per-row: %v", raceID, err)
			for i := range prizes {
				if err := m.store.InsertPrize(ctx, &prizes[i]); err != nil {
					log.Printf("[RACE] Prize insert for %s rank %d failed: %v", raceID, prizes[i].Rank, err)
				}
			}
		}
		for _, prize := range prizes {
			if err := m.crediter.CreditPrize(ctx, prize); err != nil {
				log.Printf("[RACE] Prize credit for user %s failed: %v", prize.UserID, err)
			}
		}
	}

	status := models.RaceStatusCompleted
	actualEnd := m.now()
	patch := database.RacePatch{
		Status:            &status,
		ActualEndTime:     &actualEnd,
		FinalPrizePool:    &result.PrizePool.TotalPool,
		FinalContribution: &result.PrizePool.ContributedAmount,
		TotalParticipants: &result.PrizePool.ParticipantCount,
		FinalizedAt:       &result.FinalizedAt,
	}
	if err := m.store.UpdateRace(ctx, raceID, patch); err != nil {
		log.Printf("[RACE] Failed to mark race %s completed: %v", raceID, err)
	}

	if logPrizes {
		log.Printf("[RACE] Race %s settled: %d prizes from pool %.0f",
			raceID, len(prizes), result.PrizePool.TotalPool)
	}
	return nil
}

// checkExpired is the watchdog pass: the end timer should already have
// fired, this only catches a lost timer.
func (m *Manager) checkExpired(ctx context.Context) {
	current := m.cache.CurrentRace()
	if current == nil {
		return
	}
	if current.EndTime.After(m.now()) {
		return
	}
	log.Printf("[RACE] Watchdog: race %s past end time, forcing settlement", current.RaceID)
	if err := m.EndRaceByID(ctx, current.RaceID); err != nil {
		log.Printf("[RACE] Watchdog settlement failed: %v", err)
	}
}

// Stop cancels timers; it does not settle the current race, which the next
// boot will restore.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.endTimer != nil {
		m.endTimer.Stop()
		m.endTimer = nil
	}
	m.mu.Unlock()

	if m.watchdog != nil {
		m.watchdog.Stop()
	}
	log.Println("[RACE] Manager stopped")
}
