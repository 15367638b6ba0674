package server

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORSOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Use(limiter.New(limiter.Config{
		Max:        s.cfg.RateLimitMax,
		Expiration: s.cfg.RateLimitWindow,
		LimitReached: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(s.cfg.RateLimitWindow.Seconds())))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":   false,
				"error":     "rate limit exceeded",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		},
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api")

	gameGroup := api.Group("/game")
	gameGroup.Get("/multiplier-config", s.getMultiplierConfigHandler)
	gameGroup.Get("/crash-multiplier", s.drawCrashMultiplierHandler)
	gameGroup.Get("/countdown", s.getCountdownHandler)
	gameGroup.Get("/countdown/config", s.getCountdownConfigHandler)
	gameGroup.Put("/countdown/config", s.updateCountdownConfigHandler)
	gameGroup.Post("/ai-settings", s.setOverrideHandler)
	gameGroup.Get("/ai-crash-multiplier/:userId/:betAmount", s.consumeOverrideHandler)
	gameGroup.Get("/stats", s.getGameStatsHandler)
	gameGroup.Get("/history", s.getGameHistoryHandler)
	gameGroup.Get("/cache-status", s.getCacheStatusHandler)
	gameGroup.Get("/config", s.getGameConfigHandler)

	userGroup := api.Group("/user")
	userGroup.Get("/leaderboard", s.getUserLeaderboardHandler)
	userGroup.Get("/:userId", s.getUserHandler)
	userGroup.Post("/:userId/record", s.recordSessionHandler)
	userGroup.Put("/:userId/settings", s.updateUserSettingsHandler)
	userGroup.Get("/:userId/history", s.getUserHistoryHandler)
	userGroup.Delete("/:userId", s.deleteUserHandler)

	raceGroup := api.Group("/race")
	raceGroup.Get("/current", s.getCurrentRaceHandler)
	raceGroup.Get("/history", s.getRaceHistoryHandler)
	raceGroup.Get("/stats", s.getRaceStatsHandler)
	raceGroup.Get("/prizes/user/:userId/history", s.getUserPrizeHistoryHandler)
	raceGroup.Get("/prizes/user/:userId", s.getUserPendingPrizesHandler)
	raceGroup.Get("/prizes/race/:raceId", s.getRacePrizesHandler)
	raceGroup.Post("/prizes/:prizeId/claim", s.claimPrizeHandler)
	raceGroup.Get("/:raceId/leaderboard", s.getRaceLeaderboardHandler)
	raceGroup.Get("/:raceId/raceuser/:userId", s.getUserRaceDataHandler)
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"database": s.db.Health(),
		"game": fiber.Map{
			"phase": s.orchestrator.State().Phase,
			"round": s.orchestrator.State().Round,
		},
		"race": fiber.Map{
			"currentRaceId": s.raceCache.CurrentRaceID(),
		},
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	} else {
		health["cache"] = fiber.Map{"status": "disabled"}
	}
	return ok(c, health)
}
