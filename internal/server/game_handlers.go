package server

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"crashcore/internal/game"
	"crashcore/internal/user"
)

func (s *FiberServer) getMultiplierConfigHandler(c *fiber.Ctx) error {
	cfg := s.generator.Config()
	if cfg == nil {
		return ok(c, fiber.Map{
			"bands":    []game.MultiplierBand{},
			"fallback": fiber.Map{"min": game.FALLBACK_MIN, "max": game.FALLBACK_MAX},
		})
	}
	return ok(c, fiber.Map{"bands": cfg.Bands})
}

// drawCrashMultiplierHandler draws one value from the configured
// distribution. Debug surface.
func (s *FiberServer) drawCrashMultiplierHandler(c *fiber.Ctx) error {
	return ok(c, fiber.Map{"multiplier": s.generator.Draw()})
}

func (s *FiberServer) getCountdownHandler(c *fiber.Ctx) error {
	state := s.orchestrator.State()
	cfg := s.orchestrator.Config()
	return ok(c, fiber.Map{
		"phase":                      state.Phase,
		"isCountingDown":             state.IsCountingDown,
		"countdownStartTime":         state.CountdownStartTime,
		"countdownEndTime":           state.CountdownEndTime,
		"remainingTime":              state.RemainingTime,
		"gameId":                     state.GameID,
		"round":                      state.Round,
		"currentGameCrashMultiplier": state.CurrentGameCrashMultiplier,
		"bettingCountdown":           cfg.BettingCountdown,
		"gameCountdown":              cfg.GameCountdown,
	})
}

func (s *FiberServer) getCountdownConfigHandler(c *fiber.Ctx) error {
	cfg := s.orchestrator.Config()
	return ok(c, fiber.Map{
		"bettingCountdown":     cfg.BettingCountdown,
		"gameCountdown":        cfg.GameCountdown,
		"fixedCrashMultiplier": cfg.FixedCrashMultiplier,
		"autoStart":            cfg.AutoStart,
	})
}

func (s *FiberServer) updateCountdownConfigHandler(c *fiber.Ctx) error {
	var patch game.CountdownConfigPatch
	if err := c.BodyParser(&patch); err != nil {
		return badRequest("invalid request body")
	}

	cfg, err := s.orchestrator.UpdateConfig(patch)
	if err != nil {
		return badRequest(err.Error())
	}
	return ok(c, fiber.Map{
		"bettingCountdown":     cfg.BettingCountdown,
		"gameCountdown":        cfg.GameCountdown,
		"fixedCrashMultiplier": cfg.FixedCrashMultiplier,
		"autoStart":            cfg.AutoStart,
	})
}

type overrideRequest struct {
	UserID     string   `json:"userId" validate:"required"`
	BetAmount  *float64 `json:"betAmount"`
	Multiplier *float64 `json:"multiplier"`
}

func (s *FiberServer) setOverrideHandler(c *fiber.Ctx) error {
	var req overrideRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest("userId is required")
	}
	if err := user.ValidateUserID(req.UserID); err != nil {
		return err
	}

	record := s.overrides.Set(req.UserID, req.BetAmount, req.Multiplier)
	return ok(c, fiber.Map{"override": record})
}

// consumeOverrideHandler is the bet-settlement read: a matching override is
// consumed exactly once, anything else draws from the distribution.
func (s *FiberServer) consumeOverrideHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if err := user.ValidateUserID(userID); err != nil {
		return err
	}
	betAmount, err := strconv.ParseFloat(c.Params("betAmount"), 64)
	if err != nil || betAmount < 1 {
		return badRequest("betAmount must be a number of at least 1")
	}

	if multiplier, matched := s.overrides.ConsumeIfMatch(userID, betAmount); matched {
		return ok(c, fiber.Map{
			"multiplier":   multiplier,
			"isUserCustom": true,
		})
	}
	return ok(c, fiber.Map{
		"multiplier":   s.generator.Draw(),
		"isUserCustom": false,
	})
}

func (s *FiberServer) getGameStatsHandler(c *fiber.Ctx) error {
	return ok(c, fiber.Map{"stats": s.raceCache.GetGlobalStats()})
}

func (s *FiberServer) getGameHistoryHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	crashes := s.raceCache.GetRecentCrashes(limit)

	// empty right after a restart: fall back to the redis crash list
	if len(crashes) == 0 && s.cache != nil {
		if cached, err := s.cache.RecentCrashes(c.Context(), limit); err == nil {
			crashes = cached
		}
	}
	return ok(c, fiber.Map{"history": crashes})
}

func (s *FiberServer) getCacheStatusHandler(c *fiber.Ctx) error {
	status := fiber.Map{
		"aggregation": s.raceCache.Status(),
		"overrides":   s.overrides.Count(),
	}
	if s.cache != nil {
		status["redis"] = s.cache.Health()
	} else {
		status["redis"] = fiber.Map{"status": "disabled"}
	}
	return ok(c, status)
}

func (s *FiberServer) getGameConfigHandler(c *fiber.Ctx) error {
	cfg := s.orchestrator.Config()
	bands := 0
	if mc := s.generator.Config(); mc != nil {
		bands = len(mc.Bands)
	}
	return ok(c, fiber.Map{
		"countdown":       cfg,
		"multiplierBands": bands,
		"raceDuration":    s.cfg.RaceDuration.String(),
		"environment":     s.cfg.AppEnv,
		"uptime":          time.Since(s.startedAt).String(),
	})
}
