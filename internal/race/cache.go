package race

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robfig/cron/v3"

	"crashcore/internal/models"
)

// raceData is the in-memory working set for one race. The cache owns these
// tables; they are authoritative between flushes.
type raceData struct {
	race         *models.Race
	sessions     []*models.GameSession
	userSessions map[string][]*models.GameSession
	participants map[string]*models.RaceParticipant
}

func newRaceData(race *models.Race) *raceData {
	return &raceData{
		race:         race,
		sessions:     make([]*models.GameSession, 0, 1024),
		userSessions: make(map[string][]*models.GameSession),
		participants: make(map[string]*models.RaceParticipant),
	}
}

type pendingSave struct {
	session    models.GameSession
	enqueuedAt time.Time
	attempts   int
}

// Cache ingests finished game sessions for the active race, keeps the
// rolling Top-1000 leaderboard and live prize pool, and flushes durable
// projections on background schedules.
type Cache struct {
	mu      sync.RWMutex
	current *raceData

	// finalized races stay queryable for a short retention window
	retained *expirable.LRU[string, *raceData]

	pendingMu sync.Mutex
	pending   []pendingSave

	store SessionStore
	cron  *cron.Cron

	syncFailures int
}

func NewCache(store SessionStore) *Cache {
	return &Cache{
		retained: expirable.NewLRU[string, *raceData](8, nil, RETENTION_DURATION),
		store:    store,
	}
}

// StartBackground arms the flush, sync and cleanup schedules.
func (c *Cache) StartBackground() {
	if c.cron != nil {
		return
	}
	c.cron = cron.New()
	c.cron.AddFunc("@every 30s", func() {
		if err := c.FlushPending(context.Background()); err != nil {
			log.Printf("[CACHE] Batch save failed: %v", err)
		}
	})
	c.cron.AddFunc("@every 5m", func() {
		c.SyncParticipants(context.Background())
	})
	c.cron.AddFunc("@every 10m", func() {
		c.CleanupExpiredPending()
	})
	c.cron.Start()
	log.Println("[CACHE] Background tasks started (save 30s, sync 5m, cleanup 10m)")
}

// StopBackground stops the schedules and drains pending saves best-effort.
func (c *Cache) StopBackground() {
	if c.cron != nil {
		c.cron.Stop()
		c.cron = nil
	}
	if err := c.FlushPending(context.Background()); err != nil {
		log.Printf("[CACHE] Final flush failed: %v", err)
	}
}

// SetCurrentRace points ingest at a new race. Any previous race must have
// been finalized first; the lifecycle manager guarantees the ordering.
func (c *Cache) SetCurrentRace(race *models.Race) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = newRaceData(race)
	log.Printf("[CACHE] Current race set: %s (ends %s)", race.RaceID, race.EndTime.Format(time.RFC3339))
}

func (c *Cache) CurrentRaceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return ""
	}
	return c.current.race.RaceID
}

func (c *Cache) CurrentRace() *models.Race {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil
	}
	copied := *c.current.race
	return &copied
}

// AddSession folds one finished session into the active race. Returns nil
// when no race is running; the caller logs and moves on. Only positive
// per-session profit accrues to netProfit, and 1% of the gross win feeds
// the pool.
func (c *Cache) AddSession(raw *models.GameSession) *models.GameSession {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return nil
	}

	sess := *raw
	sess.RaceID = c.current.race.RaceID
	if sess.Timestamp.IsZero() {
		sess.Timestamp = time.Now()
	}
	netProfit := sess.WinAmount - sess.BetAmount
	if netProfit < 0 {
		netProfit = 0
	}
	contribution := sess.WinAmount * POOL_CONTRIBUTION
	if contribution < 0 {
		contribution = 0
	}

	stored := sess
	c.current.sessions = append(c.current.sessions, &stored)
	c.current.userSessions[sess.UserID] = append(c.current.userSessions[sess.UserID], &stored)

	p, ok := c.current.participants[sess.UserID]
	if !ok {
		p = &models.RaceParticipant{
			RaceID: c.current.race.RaceID,
			UserID: sess.UserID,
		}
		c.current.participants[sess.UserID] = p
	}
	p.TotalBetAmount += sess.BetAmount
	p.TotalWinAmount += sess.WinAmount
	p.NetProfit += netProfit
	p.ContributionToPool += contribution
	p.SessionCount++
	p.LastUpdateTime = sess.Timestamp

	c.enforceCapLocked()
	c.mu.Unlock()

	c.pendingMu.Lock()
	c.pending = append(c.pending, pendingSave{session: stored, enqueuedAt: time.Now()})
	c.pendingMu.Unlock()

	return &stored
}

// enforceCapLocked drops participants past rank 1000 in the contribution
// ordering. Caller holds c.mu.
func (c *Cache) enforceCapLocked() {
	if len(c.current.participants) <= MAX_PARTICIPANTS {
		return
	}
	sorted := c.snapshotParticipantsLocked(c.current)
	sortByContribution(sorted)
	for _, p := range sorted[MAX_PARTICIPANTS:] {
		delete(c.current.participants, p.UserID)
	}
}

func (c *Cache) snapshotParticipantsLocked(data *raceData) []models.RaceParticipant {
	out := make([]models.RaceParticipant, 0, len(data.participants))
	for _, p := range data.participants {
		out = append(out, *p)
	}
	return out
}

// raceDataFor resolves the active race or a recently finalized one.
func (c *Cache) raceDataFor(raceID string) *raceData {
	if c.current != nil && c.current.race.RaceID == raceID {
		return c.current
	}
	if data, ok := c.retained.Get(raceID); ok {
		return data
	}
	return nil
}

// GetRaceLeaderboard returns the top slice in contribution order with ranks
// assigned from 1.
func (c *Cache) GetRaceLeaderboard(raceID string, limit int) []models.RaceParticipant {
	c.mu.RLock()
	data := c.raceDataFor(raceID)
	if data == nil {
		c.mu.RUnlock()
		return nil
	}
	sorted := c.snapshotParticipantsLocked(data)
	c.mu.RUnlock()

	sortByContribution(sorted)
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	for i := range sorted {
		sorted[i].Rank = i + 1
	}
	return sorted
}

// GetRaceLeaderboardWithUser returns the top-N plus the requesting user's
// stats and true rank. Users without a participation row rank after every
// positive contributor; a rank past the cap is exposed as a stable
// pseudo-random display rank in [1001, 10000].
func (c *Cache) GetRaceLeaderboardWithUser(raceID, userID string, topLimit int) *LeaderboardWithUser {
	c.mu.RLock()
	data := c.raceDataFor(raceID)
	if data == nil {
		c.mu.RUnlock()
		return nil
	}
	sorted := c.snapshotParticipantsLocked(data)
	c.mu.RUnlock()

	sortByContribution(sorted)

	result := &LeaderboardWithUser{
		User: models.RaceParticipant{RaceID: raceID, UserID: userID},
	}

	rank := 0
	for i := range sorted {
		sorted[i].Rank = i + 1
		if sorted[i].UserID == userID {
			result.User = sorted[i]
			rank = i + 1
		}
	}

	if rank == 0 {
		// zero-stat user: placed after all positive contributors, ties on
		// zero broken by userId
		rank = 1
		for _, p := range sorted {
			if p.ContributionToPool > 0 || (p.ContributionToPool == 0 && p.UserID < userID) {
				rank++
			}
		}
		result.User.Rank = rank
	}

	result.DisplayRank = rank
	if rank > MAX_PARTICIPANTS {
		result.DisplayRank = pseudoRank(raceID, userID)
	}

	if topLimit > 0 && len(sorted) > topLimit {
		sorted = sorted[:topLimit]
	}
	result.Leaderboard = sorted
	return result
}

// pseudoRank maps (raceId, userId) to a stable value in [1001, 10000].
func pseudoRank(raceID, userID string) int {
	h := fnv.New32a()
	h.Write([]byte(raceID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	return 1001 + int(h.Sum32()%9000)
}

// GetUserRaceData is the ad-hoc single-user lookup, ranked by the netProfit
// ordering.
func (c *Cache) GetUserRaceData(raceID, userID string) *UserRaceData {
	c.mu.RLock()
	data := c.raceDataFor(raceID)
	if data == nil {
		c.mu.RUnlock()
		return nil
	}
	sorted := c.snapshotParticipantsLocked(data)
	c.mu.RUnlock()

	sortByNetProfit(sorted)

	result := &UserRaceData{TotalParticipants: len(sorted)}
	result.RaceID = raceID
	result.UserID = userID
	for i, p := range sorted {
		if p.UserID == userID {
			result.RaceParticipant = p
			result.RaceParticipant.Rank = i + 1
			break
		}
	}
	return result
}

// GetUserSessions returns the user's sessions most recent first, defaulting
// to the current race when raceID is empty.
func (c *Cache) GetUserSessions(userID, raceID string, limit int) []models.GameSession {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if raceID == "" {
		if c.current == nil {
			return nil
		}
		raceID = c.current.race.RaceID
	}
	data := c.raceDataFor(raceID)
	if data == nil {
		return nil
	}

	list := data.userSessions[userID]
	out := make([]models.GameSession, 0, capFor(limit, len(list)))
	for i := len(list) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, *list[i])
	}
	return out
}

// GetRecentCrashes returns the newest sessions of the current race,
// timestamp descending.
func (c *Cache) GetRecentCrashes(limit int) []models.GameSession {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == nil {
		return nil
	}
	list := c.current.sessions
	out := make([]models.GameSession, 0, capFor(limit, len(list)))
	for i := len(list) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, *list[i])
	}
	return out
}

// GetGlobalStats aggregates the in-memory session lists (active race plus
// retained finalized races) over the rolling 24-hour window.
func (c *Cache) GetGlobalStats() GlobalStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := time.Now().Add(-24 * time.Hour)
	stats := GlobalStats{WindowHours: 24}
	users := make(map[string]struct{})

	scan := func(data *raceData) {
		for _, sess := range data.sessions {
			if sess.Timestamp.Before(cutoff) {
				continue
			}
			stats.TotalSessions++
			if sess.IsWin {
				stats.TotalWins++
			}
			stats.TotalWagered += sess.BetAmount
			stats.TotalWon += sess.WinAmount
			users[sess.UserID] = struct{}{}
		}
	}

	if c.current != nil {
		scan(c.current)
	}
	for _, raceID := range c.retained.Keys() {
		if data, ok := c.retained.Peek(raceID); ok {
			scan(data)
		}
	}

	stats.ActiveUsers = len(users)
	return stats
}

// GetPrizePool values the pool: the sum of contributions with a 50k floor.
func (c *Cache) GetPrizePool(raceID string) PrizePool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pool := PrizePool{RaceID: raceID, TotalPool: MIN_PRIZE_POOL}
	data := c.raceDataFor(raceID)
	if data == nil {
		return pool
	}

	for _, p := range data.participants {
		pool.ContributedAmount += p.ContributionToPool
	}
	pool.ParticipantCount = len(data.participants)
	pool.ShouldDistributePrizes = pool.ContributedAmount > 0
	if pool.ContributedAmount > MIN_PRIZE_POOL {
		pool.TotalPool = pool.ContributedAmount
	}
	return pool
}

// FlushPending drains the save queue into one unordered bulk insert. Failed
// sessions are re-enqueued up to the attempt cap, then dropped.
func (c *Cache) FlushPending(ctx context.Context) error {
	c.pendingMu.Lock()
	batch := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	sessions := make([]models.GameSession, len(batch))
	for i, entry := range batch {
		sessions[i] = entry.session
	}

	err := c.store.InsertSessionsBulk(ctx, sessions)
	if err == nil {
		log.Printf("[CACHE] Flushed %d sessions", len(sessions))
		return nil
	}

	c.pendingMu.Lock()
	requeued, dropped := 0, 0
	for _, entry := range batch {
		entry.attempts++
		if entry.attempts >= PENDING_MAX_ATTEMPTS {
			dropped++
			continue
		}
		c.pending = append(c.pending, entry)
		requeued++
	}
	c.pendingMu.Unlock()

	if dropped > 0 {
		log.Printf("[CACHE] ERROR: dropped %d sessions after %d failed save attempts", dropped, PENDING_MAX_ATTEMPTS)
	}
	log.Printf("[CACHE] Batch save failed (%d requeued): %v", requeued, err)
	return err
}

// SyncParticipants upserts the current race's ranked Top-1000 projection.
// The store retries transient errors with backoff; three consecutive failed
// cycles raise an alert and the cycle waits for the next interval.
func (c *Cache) SyncParticipants(ctx context.Context) {
	c.mu.RLock()
	if c.current == nil {
		c.mu.RUnlock()
		return
	}
	raceID := c.current.race.RaceID
	sorted := c.snapshotParticipantsLocked(c.current)
	c.mu.RUnlock()

	if len(sorted) == 0 {
		return
	}
	sortByContribution(sorted)
	if len(sorted) > MAX_PARTICIPANTS {
		sorted = sorted[:MAX_PARTICIPANTS]
	}
	for i := range sorted {
		sorted[i].Rank = i + 1
	}

	if err := c.store.BulkUpsertParticipants(ctx, raceID, sorted); err != nil {
		c.mu.Lock()
		c.syncFailures++
		failures := c.syncFailures
		c.mu.Unlock()
		if failures >= SYNC_ALERT_THRESHOLD {
			log.Printf("[CACHE] ALERT: participant sync failed %d consecutive times: %v", failures, err)
		} else {
			log.Printf("[CACHE] Participant sync failed: %v", err)
		}
		return
	}

	c.mu.Lock()
	c.syncFailures = 0
	c.mu.Unlock()
	log.Printf("[CACHE] Synced %d participants for race %s", len(sorted), raceID)
}

// CleanupExpiredPending discards queued saves older than the max age.
func (c *Cache) CleanupExpiredPending() {
	cutoff := time.Now().Add(-PENDING_MAX_AGE)

	c.pendingMu.Lock()
	kept := c.pending[:0]
	expired := 0
	for _, entry := range c.pending {
		if entry.enqueuedAt.Before(cutoff) {
			expired++
			continue
		}
		kept = append(kept, entry)
	}
	c.pending = kept
	c.pendingMu.Unlock()

	if expired > 0 {
		log.Printf("[CACHE] Discarded %d expired pending saves", expired)
	}
}

// FinalizeRace forces one flush of the race's sessions, syncs the final
// participant projection, and returns the settlement snapshot. The race's
// in-memory data moves to the retention window for trailing queries.
func (c *Cache) FinalizeRace(ctx context.Context, raceID string) (*FinalizeResult, error) {
	if err := c.FlushPending(ctx); err != nil {
		log.Printf("[CACHE] Finalize flush for %s failed: %v", raceID, err)
	}
	c.SyncParticipants(ctx)

	c.mu.Lock()
	data := c.raceDataFor(raceID)
	if data == nil {
		c.mu.Unlock()
		return nil, ErrRaceNotInCache
	}
	sorted := c.snapshotParticipantsLocked(data)
	if c.current != nil && c.current.race.RaceID == raceID {
		c.retained.Add(raceID, c.current)
		c.current = nil
	}
	c.mu.Unlock()

	sortByContribution(sorted)
	for i := range sorted {
		sorted[i].Rank = i + 1
	}

	pool := PrizePool{RaceID: raceID, TotalPool: MIN_PRIZE_POOL}
	for _, p := range sorted {
		pool.ContributedAmount += p.ContributionToPool
	}
	pool.ParticipantCount = len(sorted)
	pool.ShouldDistributePrizes = pool.ContributedAmount > 0
	if pool.ContributedAmount > MIN_PRIZE_POOL {
		pool.TotalPool = pool.ContributedAmount
	}

	result := &FinalizeResult{
		RaceID:      raceID,
		Leaderboard: sorted,
		PrizePool:   pool,
		FinalizedAt: time.Now(),
	}
	log.Printf("[CACHE] Race %s finalized: %d participants, pool %.0f", raceID, len(sorted), pool.TotalPool)
	return result, nil
}

// RestoreFromDatabase repopulates the cache for an in-flight race after a
// restart: participants from the durable projection, sessions warmed from
// the newest rows reinserted chronologically.
func (c *Cache) RestoreFromDatabase(ctx context.Context, race *models.Race) error {
	participants, err := c.store.FindRaceParticipants(ctx, race.RaceID)
	if err != nil {
		return err
	}

	data := newRaceData(race)
	for i := range participants {
		p := participants[i]
		data.participants[p.UserID] = &p
	}

	sessions, err := c.store.FindRaceSessions(ctx, race.RaceID, MAX_PARTICIPANTS)
	if err != nil {
		log.Printf("[CACHE] Session warm-up for %s failed: %v", race.RaceID, err)
	} else {
		// rows arrive newest-first; reinsert oldest-first
		for i := len(sessions) - 1; i >= 0; i-- {
			sess := sessions[i]
			data.sessions = append(data.sessions, &sess)
			data.userSessions[sess.UserID] = append(data.userSessions[sess.UserID], &sess)
		}
	}

	c.mu.Lock()
	c.current = data
	c.mu.Unlock()

	log.Printf("[CACHE] Restored race %s: %d participants, %d sessions warmed",
		race.RaceID, len(participants), len(sessions))
	return nil
}

// Status is telemetry for the cache-status endpoint.
func (c *Cache) Status() CacheStatus {
	c.mu.RLock()
	status := CacheStatus{
		RetainedRaces:     c.retained.Len(),
		SyncFailureStreak: c.syncFailures,
	}
	if c.current != nil {
		status.CurrentRaceID = c.current.race.RaceID
		status.Participants = len(c.current.participants)
		status.GlobalSessions = len(c.current.sessions)
	}
	c.mu.RUnlock()

	c.pendingMu.Lock()
	status.PendingSaves = len(c.pending)
	c.pendingMu.Unlock()
	return status
}

func capFor(limit, available int) int {
	if limit <= 0 || limit > available {
		return available
	}
	return limit
}
