package server

import (
	"encoding/json"
	"log"

	"github.com/gofiber/fiber/v2"

	"crashcore/internal/user"
)

func (s *FiberServer) getUserHandler(c *fiber.Ctx) error {
	u, err := s.users.FindOrCreate(c.Context(), c.Params("userId"))
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{"user": u})
}

func (s *FiberServer) recordSessionHandler(c *fiber.Ctx) error {
	var in user.RecordSessionInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest("invalid request body")
	}
	if err := s.validate.Struct(in); err != nil {
		return badRequest(err.Error())
	}

	sess, updated, err := s.users.RecordSession(c.Context(), c.Params("userId"), in)
	if err != nil {
		return err
	}

	if s.cache != nil {
		// advisory only, the session is already queued for durable flush
		if err := s.cache.PushCrash(c.Context(), *sess); err != nil {
			log.Printf("[SERVER] Crash list push failed: %v", err)
		}
	}

	return ok(c, fiber.Map{
		"session": sess,
		"user":    updated,
	})
}

type settingsRequest struct {
	AutoCashOut json.RawMessage `json:"autoCashOut"`
}

func (s *FiberServer) updateUserSettingsHandler(c *fiber.Ctx) error {
	var req settingsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}

	if err := s.users.UpdateSettings(c.Context(), c.Params("userId"), req.AutoCashOut); err != nil {
		return err
	}
	return ok(c, fiber.Map{"updated": true})
}

func (s *FiberServer) getUserHistoryHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	sessions, err := s.users.History(c.Context(), c.Params("userId"), limit)
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{"history": sessions})
}

func (s *FiberServer) getUserLeaderboardHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 10)
	users, err := s.users.Leaderboard(c.Context(), limit)
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{"leaderboard": users})
}

func (s *FiberServer) deleteUserHandler(c *fiber.Ctx) error {
	if err := s.users.Delete(c.Context(), c.Params("userId")); err != nil {
		return err
	}
	return ok(c, fiber.Map{"deleted": true})
}
