package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"crashcore/internal/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyClaimed = errors.New("prize already claimed")
	ErrWrongOwner     = errors.New("prize does not belong to user")
)

// Store is the typed persistence adapter over the pgx pool. Bulk writes are
// unordered: duplicate-key rows are skipped, the rest still land. Transient
// connection errors are retried with {1,2,4}s backoff.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(db Service) *Store {
	return &Store{pool: db.Pool()}
}

var retryBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "closed pool") ||
		strings.Contains(msg, "conn busy")
}

func (s *Store) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, selectTimeout)
		err = fn(opCtx)
		cancel()
		if err == nil || !isTransient(err) || attempt >= len(retryBackoff) {
			return err
		}
		wait := retryBackoff[attempt]
		log.Printf("[STORE] %s failed (attempt %d): %v, retrying in %s", op, attempt+1, err, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ---- users ----

const userColumns = `user_id, balance, total_flights, flights_won, total_wagered, total_won, auto_cash_out, is_deleted, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var autoCashOut []byte
	err := row.Scan(&u.UserID, &u.Balance, &u.TotalFlights, &u.FlightsWon,
		&u.TotalWagered, &u.TotalWon, &autoCashOut, &u.IsDeleted, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.AutoCashOut = autoCashOut
	return &u, nil
}

func (s *Store) FindUser(ctx context.Context, userID string) (*models.User, error) {
	var u *models.User
	err := s.withRetry(ctx, "FindUser", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE user_id = $1 AND NOT is_deleted`, userID)
		var scanErr error
		u, scanErr = scanUser(row)
		return scanErr
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *Store) UpsertUser(ctx context.Context, u *models.User) error {
	return s.withRetry(ctx, "UpsertUser", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO users (user_id, balance, total_flights, flights_won, total_wagered, total_won, auto_cash_out, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
			ON CONFLICT (user_id) DO UPDATE SET
				balance = EXCLUDED.balance,
				total_flights = EXCLUDED.total_flights,
				flights_won = EXCLUDED.flights_won,
				total_wagered = EXCLUDED.total_wagered,
				total_won = EXCLUDED.total_won,
				auto_cash_out = EXCLUDED.auto_cash_out,
				updated_at = now()`,
			u.UserID, u.Balance, u.TotalFlights, u.FlightsWon, u.TotalWagered, u.TotalWon,
			[]byte(u.AutoCashOut))
		return err
	})
}

// UserSessionDelta is the cumulative-stats increment applied when a resolved
// session is recorded. BalanceDelta may be negative; the stored balance
// saturates at zero.
type UserSessionDelta struct {
	BalanceDelta int64
	FlightsWon   int64
	WageredDelta int64
	WonDelta     int64
}

func (s *Store) ApplyUserSessionDelta(ctx context.Context, userID string, d UserSessionDelta) (*models.User, error) {
	var u *models.User
	err := s.withRetry(ctx, "ApplyUserSessionDelta", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			UPDATE users SET
				balance = GREATEST(balance + $2, 0),
				total_flights = total_flights + 1,
				flights_won = flights_won + $3,
				total_wagered = total_wagered + $4,
				total_won = total_won + $5,
				updated_at = now()
			WHERE user_id = $1 AND NOT is_deleted
			RETURNING `+userColumns,
			userID, d.BalanceDelta, d.FlightsWon, d.WageredDelta, d.WonDelta)
		var scanErr error
		u, scanErr = scanUser(row)
		return scanErr
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *Store) UpdateUserSettings(ctx context.Context, userID string, autoCashOut json.RawMessage) error {
	return s.withRetry(ctx, "UpdateUserSettings", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE users SET auto_cash_out = $2, updated_at = now() WHERE user_id = $1 AND NOT is_deleted`,
			userID, []byte(autoCashOut))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) SoftDeleteUser(ctx context.Context, userID string) error {
	return s.withRetry(ctx, "SoftDeleteUser", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE users SET is_deleted = true, updated_at = now() WHERE user_id = $1 AND NOT is_deleted`,
			userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) TopUsers(ctx context.Context, limit int) ([]models.User, error) {
	var users []models.User
	err := s.withRetry(ctx, "TopUsers", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+userColumns+` FROM users WHERE NOT is_deleted ORDER BY total_won DESC, user_id ASC LIMIT $1`,
			limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		users = users[:0]
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return err
			}
			users = append(users, *u)
		}
		return rows.Err()
	})
	return users, err
}

// CreditUserBalance adds a prize amount to the user's balance. Amounts are
// strictly positive so no saturation clause is needed here.
func (s *Store) CreditUserBalance(ctx context.Context, userID string, amount int64) error {
	return s.withRetry(ctx, "CreditUserBalance", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE users SET balance = balance + $2, updated_at = now() WHERE user_id = $1 AND NOT is_deleted`,
			userID, amount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ---- sessions ----

// InsertSessionsBulk inserts sessions unordered; duplicate session ids are
// skipped so one bad row never fails the batch.
func (s *Store) InsertSessionsBulk(ctx context.Context, sessions []models.GameSession) error {
	if len(sessions) == 0 {
		return nil
	}
	return s.withRetry(ctx, "InsertSessionsBulk", func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, sess := range sessions {
			batch.Queue(`
				INSERT INTO game_sessions
					(session_id, race_id, user_id, bet_amount, crash_multiplier, cash_out_multiplier,
					 is_win, win_amount, profit, game_start_time, game_end_time, game_duration, is_free_mode, ts)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				ON CONFLICT (session_id) DO NOTHING`,
				sess.SessionID, sess.RaceID, sess.UserID, sess.BetAmount, sess.CrashMultiplier,
				sess.CashOutMultiplier, sess.IsWin, sess.WinAmount, sess.Profit,
				sess.GameStartTime, sess.GameEndTime, sess.GameDuration, sess.IsFreeMode, sess.Timestamp)
		}
		return s.pool.SendBatch(ctx, batch).Close()
	})
}

// FindRaceSessions returns up to limit sessions for a race, most recent first.
func (s *Store) FindRaceSessions(ctx context.Context, raceID string, limit int) ([]models.GameSession, error) {
	var sessions []models.GameSession
	err := s.withRetry(ctx, "FindRaceSessions", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT session_id, race_id, user_id, bet_amount, crash_multiplier, cash_out_multiplier,
			       is_win, win_amount, profit, game_start_time, game_end_time, game_duration, is_free_mode, ts
			FROM game_sessions WHERE race_id = $1 ORDER BY ts DESC LIMIT $2`, raceID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		sessions = sessions[:0]
		for rows.Next() {
			var sess models.GameSession
			if err := rows.Scan(&sess.SessionID, &sess.RaceID, &sess.UserID, &sess.BetAmount,
				&sess.CrashMultiplier, &sess.CashOutMultiplier, &sess.IsWin, &sess.WinAmount,
				&sess.Profit, &sess.GameStartTime, &sess.GameEndTime, &sess.GameDuration,
				&sess.IsFreeMode, &sess.Timestamp); err != nil {
				return err
			}
			sessions = append(sessions, sess)
		}
		return rows.Err()
	})
	return sessions, err
}

// ---- participants ----

func (s *Store) BulkUpsertParticipants(ctx context.Context, raceID string, rows []models.RaceParticipant) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withRetry(ctx, "BulkUpsertParticipants", func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, p := range rows {
			batch.Queue(`
				INSERT INTO race_participants
					(race_id, user_id, total_bet_amount, total_win_amount, net_profit,
					 contribution_to_pool, session_count, rank, last_update_time)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (race_id, user_id) DO UPDATE SET
					total_bet_amount = EXCLUDED.total_bet_amount,
					total_win_amount = EXCLUDED.total_win_amount,
					net_profit = EXCLUDED.net_profit,
					contribution_to_pool = EXCLUDED.contribution_to_pool,
					session_count = EXCLUDED.session_count,
					rank = EXCLUDED.rank,
					last_update_time = EXCLUDED.last_update_time`,
				raceID, p.UserID, p.TotalBetAmount, p.TotalWinAmount, p.NetProfit,
				p.ContributionToPool, p.SessionCount, p.Rank, p.LastUpdateTime)
		}
		return s.pool.SendBatch(ctx, batch).Close()
	})
}

func (s *Store) FindRaceParticipants(ctx context.Context, raceID string) ([]models.RaceParticipant, error) {
	var participants []models.RaceParticipant
	err := s.withRetry(ctx, "FindRaceParticipants", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT race_id, user_id, total_bet_amount, total_win_amount, net_profit,
			       contribution_to_pool, session_count, rank, last_update_time
			FROM race_participants WHERE race_id = $1
			ORDER BY contribution_to_pool DESC, user_id ASC`, raceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		participants = participants[:0]
		for rows.Next() {
			var p models.RaceParticipant
			if err := rows.Scan(&p.RaceID, &p.UserID, &p.TotalBetAmount, &p.TotalWinAmount,
				&p.NetProfit, &p.ContributionToPool, &p.SessionCount, &p.Rank, &p.LastUpdateTime); err != nil {
				return err
			}
			participants = append(participants, p)
		}
		return rows.Err()
	})
	return participants, err
}

// ---- races ----

const raceColumns = `race_id, start_time, end_time, actual_end_time, status, final_prize_pool, final_contribution, total_participants, finalized_at`

func scanRace(row pgx.Row) (*models.Race, error) {
	var r models.Race
	err := row.Scan(&r.RaceID, &r.StartTime, &r.EndTime, &r.ActualEndTime, &r.Status,
		&r.FinalPrizePool, &r.FinalContribution, &r.TotalParticipants, &r.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) InsertRace(ctx context.Context, r *models.Race) error {
	return s.withRetry(ctx, "InsertRace", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO races (race_id, start_time, end_time, status)
			VALUES ($1, $2, $3, $4)`,
			r.RaceID, r.StartTime, r.EndTime, r.Status)
		return err
	})
}

// RacePatch carries the fields updateRace may set; nil fields are left alone.
type RacePatch struct {
	Status            *models.RaceStatus
	ActualEndTime     *time.Time
	FinalPrizePool    *float64
	FinalContribution *float64
	TotalParticipants *int
	FinalizedAt       *time.Time
}

func (s *Store) UpdateRace(ctx context.Context, raceID string, patch RacePatch) error {
	sets := []string{}
	args := []interface{}{raceID}
	add := func(col string, val interface{}) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.ActualEndTime != nil {
		add("actual_end_time", *patch.ActualEndTime)
	}
	if patch.FinalPrizePool != nil {
		add("final_prize_pool", *patch.FinalPrizePool)
	}
	if patch.FinalContribution != nil {
		add("final_contribution", *patch.FinalContribution)
	}
	if patch.TotalParticipants != nil {
		add("total_participants", *patch.TotalParticipants)
	}
	if patch.FinalizedAt != nil {
		add("finalized_at", *patch.FinalizedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE races SET %s WHERE race_id = $1`, strings.Join(sets, ", "))
	return s.withRetry(ctx, "UpdateRace", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) FindActiveRace(ctx context.Context) (*models.Race, error) {
	var r *models.Race
	err := s.withRetry(ctx, "FindActiveRace", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+raceColumns+` FROM races WHERE status = 'active' ORDER BY start_time DESC LIMIT 1`)
		var scanErr error
		r, scanErr = scanRace(row)
		return scanErr
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *Store) FindRaceHistory(ctx context.Context, limit int) ([]models.Race, error) {
	var races []models.Race
	err := s.withRetry(ctx, "FindRaceHistory", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+raceColumns+` FROM races WHERE status = 'completed' ORDER BY end_time DESC LIMIT $1`,
			limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		races = races[:0]
		for rows.Next() {
			r, err := scanRace(rows)
			if err != nil {
				return err
			}
			races = append(races, *r)
		}
		return rows.Err()
	})
	return races, err
}

// ---- prizes ----

const prizeColumns = `prize_id, race_id, user_id, rank, prize_amount, percentage, status, contribution, net_profit, session_count, credited, created_at, claimed_at`

func scanPrize(row pgx.Row) (*models.RacePrize, error) {
	var p models.RacePrize
	err := row.Scan(&p.PrizeID, &p.RaceID, &p.UserID, &p.Rank, &p.PrizeAmount, &p.Percentage,
		&p.Status, &p.Contribution, &p.NetProfit, &p.SessionCount, &p.Credited, &p.CreatedAt, &p.ClaimedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) InsertPrize(ctx context.Context, p *models.RacePrize) error {
	return s.withRetry(ctx, "InsertPrize", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO race_prizes
				(prize_id, race_id, user_id, rank, prize_amount, percentage, status,
				 contribution, net_profit, session_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (race_id, user_id) DO NOTHING`,
			p.PrizeID, p.RaceID, p.UserID, p.Rank, p.PrizeAmount, p.Percentage, p.Status,
			p.Contribution, p.NetProfit, p.SessionCount, p.CreatedAt)
		return err
	})
}

func (s *Store) InsertPrizes(ctx context.Context, prizes []models.RacePrize) error {
	if len(prizes) == 0 {
		return nil
	}
	return s.withRetry(ctx, "InsertPrizes", func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, p := range prizes {
			batch.Queue(`
				INSERT INTO race_prizes
					(prize_id, race_id, user_id, rank, prize_amount, percentage, status,
					 contribution, net_profit, session_count, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (race_id, user_id) DO NOTHING`,
				p.PrizeID, p.RaceID, p.UserID, p.Rank, p.PrizeAmount, p.Percentage, p.Status,
				p.Contribution, p.NetProfit, p.SessionCount, p.CreatedAt)
		}
		return s.pool.SendBatch(ctx, batch).Close()
	})
}

func (s *Store) FindUserPendingPrizes(ctx context.Context, userID string, limit int) ([]models.RacePrize, error) {
	return s.findPrizes(ctx, `SELECT `+prizeColumns+` FROM race_prizes
		WHERE user_id = $1 AND status = 'pending' ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (s *Store) FindUserPrizeHistory(ctx context.Context, userID string, limit int) ([]models.RacePrize, error) {
	return s.findPrizes(ctx, `SELECT `+prizeColumns+` FROM race_prizes
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (s *Store) FindPrizesByRace(ctx context.Context, raceID string) ([]models.RacePrize, error) {
	return s.findPrizes(ctx, `SELECT `+prizeColumns+` FROM race_prizes
		WHERE race_id = $1 ORDER BY rank ASC`, raceID)
}

func (s *Store) findPrizes(ctx context.Context, query string, args ...interface{}) ([]models.RacePrize, error) {
	var prizes []models.RacePrize
	err := s.withRetry(ctx, "findPrizes", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		prizes = prizes[:0]
		for rows.Next() {
			p, err := scanPrize(rows)
			if err != nil {
				return err
			}
			prizes = append(prizes, *p)
		}
		return rows.Err()
	})
	return prizes, err
}

// ClaimPrize flips a pending prize to claimed. The update is a CAS on
// status, so two concurrent claims resolve to exactly one winner; the loser
// gets ErrAlreadyClaimed. A claim against someone else's prize is ErrWrongOwner.
func (s *Store) ClaimPrize(ctx context.Context, prizeID, userID string) (*models.RacePrize, error) {
	var claimed *models.RacePrize
	err := s.withRetry(ctx, "ClaimPrize", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			UPDATE race_prizes SET status = 'claimed', claimed_at = now()
			WHERE prize_id = $1 AND user_id = $2 AND status = 'pending'
			RETURNING `+prizeColumns,
			prizeID, userID)
		var scanErr error
		claimed, scanErr = scanPrize(row)
		return scanErr
	})
	if err == nil {
		return claimed, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// CAS missed: work out which failure it was.
	var existing *models.RacePrize
	lookupErr := s.withRetry(ctx, "ClaimPrizeLookup", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+prizeColumns+` FROM race_prizes WHERE prize_id = $1`, prizeID)
		var scanErr error
		existing, scanErr = scanPrize(row)
		return scanErr
	})
	if lookupErr != nil {
		return nil, lookupErr
	}
	if existing.UserID != userID {
		return nil, ErrWrongOwner
	}
	return nil, ErrAlreadyClaimed
}

// MarkPrizeCredited wins the idempotency guard for balance credits keyed on
// (prizeId, userId). It reports true exactly once per prize.
func (s *Store) MarkPrizeCredited(ctx context.Context, prizeID, userID string) (bool, error) {
	var won bool
	err := s.withRetry(ctx, "MarkPrizeCredited", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE race_prizes SET credited = true
			WHERE prize_id = $1 AND user_id = $2 AND NOT credited`,
			prizeID, userID)
		if err != nil {
			return err
		}
		won = tag.RowsAffected() == 1
		return nil
	})
	return won, err
}
