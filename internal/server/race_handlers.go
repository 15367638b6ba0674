package server

import (
	"github.com/gofiber/fiber/v2"

	"crashcore/internal/models"
	"crashcore/internal/user"
)

func (s *FiberServer) getCurrentRaceHandler(c *fiber.Ctx) error {
	current := s.raceCache.CurrentRace()
	if current == nil {
		return notFound("no active race")
	}
	return ok(c, fiber.Map{
		"race":      current,
		"prizePool": s.raceCache.GetPrizePool(current.RaceID),
	})
}

func (s *FiberServer) getRaceLeaderboardHandler(c *fiber.Ctx) error {
	raceID := c.Params("raceId")
	limit := c.QueryInt("limit", 10)

	if userID := c.Query("userId"); userID != "" {
		if err := user.ValidateUserID(userID); err != nil {
			return err
		}
		result := s.raceCache.GetRaceLeaderboardWithUser(raceID, userID, limit)
		if result == nil {
			return notFound("race not found")
		}
		return ok(c, fiber.Map{
			"leaderboard": result.Leaderboard,
			"user":        result.User,
			"displayRank": result.DisplayRank,
		})
	}

	leaderboard := s.raceCache.GetRaceLeaderboard(raceID, limit)
	if leaderboard == nil {
		return notFound("race not found")
	}
	return ok(c, fiber.Map{"leaderboard": leaderboard})
}

func (s *FiberServer) getUserRaceDataHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if err := user.ValidateUserID(userID); err != nil {
		return err
	}

	data := s.raceCache.GetUserRaceData(c.Params("raceId"), userID)
	if data == nil {
		return notFound("race not found")
	}
	return ok(c, fiber.Map{"raceUser": data})
}

func (s *FiberServer) getRaceHistoryHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 10)
	races, err := s.store.FindRaceHistory(c.Context(), limit)
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{"races": races})
}

func (s *FiberServer) getRaceStatsHandler(c *fiber.Ctx) error {
	status := s.raceCache.Status()
	stats := fiber.Map{
		"currentRaceId":  status.CurrentRaceID,
		"participants":   status.Participants,
		"globalSessions": status.GlobalSessions,
		"pendingSaves":   status.PendingSaves,
	}
	if current := s.raceCache.CurrentRace(); current != nil {
		stats["prizePool"] = s.raceCache.GetPrizePool(current.RaceID)
		stats["endTime"] = current.EndTime
	}
	return ok(c, fiber.Map{"stats": stats})
}

func (s *FiberServer) getUserPendingPrizesHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if err := user.ValidateUserID(userID); err != nil {
		return err
	}

	limit := c.QueryInt("limit", 20)
	prizes, err := s.store.FindUserPendingPrizes(c.Context(), userID, limit)
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{"prizes": prizes})
}

func (s *FiberServer) getUserPrizeHistoryHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if err := user.ValidateUserID(userID); err != nil {
		return err
	}

	limit := c.QueryInt("limit", 20)
	prizes, err := s.store.FindUserPrizeHistory(c.Context(), userID, limit)
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{"prizes": prizes})
}

func (s *FiberServer) getRacePrizesHandler(c *fiber.Ctx) error {
	prizes, err := s.store.FindPrizesByRace(c.Context(), c.Params("raceId"))
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{"prizes": prizes})
}

type claimRequest struct {
	UserID string `json:"userId" validate:"required"`
}

// claimPrizeHandler is the CAS claim: exactly one of two concurrent claims
// wins, and the balance credit behind it lands exactly once.
func (s *FiberServer) claimPrizeHandler(c *fiber.Ctx) error {
	var req claimRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest("userId is required")
	}
	if err := user.ValidateUserID(req.UserID); err != nil {
		return err
	}

	claimed, err := s.store.ClaimPrize(c.Context(), c.Params("prizeId"), req.UserID)
	if err != nil {
		return err
	}

	if err := s.users.CreditPrize(c.Context(), *claimed); err != nil {
		return err
	}

	return ok(c, fiber.Map{
		"prize":   claimed,
		"claimed": claimed.Status == models.PrizeStatusClaimed,
	})
}
