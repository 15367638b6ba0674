package server

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"crashcore/internal/database"
	"crashcore/internal/race"
	"crashcore/internal/user"
)

// apiError is an error that already knows its HTTP status.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(message string) error {
	return &apiError{status: fiber.StatusBadRequest, message: message}
}

func notFound(message string) error {
	return &apiError{status: fiber.StatusNotFound, message: message}
}

// errorHandler is the single top-level handler: it maps core error kinds to
// statuses and never leaks internals in production.
func errorHandler(production bool) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		message := err.Error()

		var apiErr *apiError
		var validationErr *user.ValidationError
		var fiberErr *fiber.Error

		switch {
		case errors.As(err, &apiErr):
			status = apiErr.status
			message = apiErr.message
		case errors.As(err, &validationErr):
			status = fiber.StatusBadRequest
		case errors.Is(err, database.ErrNotFound):
			status = fiber.StatusNotFound
			message = "not found"
		case errors.Is(err, database.ErrAlreadyClaimed):
			status = fiber.StatusBadRequest
			message = "prize already claimed"
		case errors.Is(err, database.ErrWrongOwner):
			status = fiber.StatusForbidden
			message = "prize does not belong to user"
		case errors.Is(err, race.ErrRaceNotInCache):
			status = fiber.StatusNotFound
			message = "race not found"
		case errors.As(err, &fiberErr):
			status = fiberErr.Code
			message = fiberErr.Message
		}

		if status >= fiber.StatusInternalServerError {
			log.Printf("[SERVER] %s %s failed: %v", c.Method(), c.Path(), err)
			if production {
				message = "internal server error"
			}
		}

		return c.Status(status).JSON(fiber.Map{
			"success":   false,
			"error":     message,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ok wraps a success payload in the response envelope.
func ok(c *fiber.Ctx, data fiber.Map) error {
	if data == nil {
		data = fiber.Map{}
	}
	data["success"] = true
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return c.JSON(data)
}
