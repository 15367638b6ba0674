package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"

	"crashcore/internal/database"
	"crashcore/internal/user"
)

func performRequest(t *testing.T, app *fiber.App, method, path string) (int, map[string]interface{}) {
	t.Helper()

	req, err := http.NewRequest(method, path, nil)
	if err != nil {
		t.Fatalf("could not create request: %v", err)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("could not read response body: %v", err)
	}

	var result map[string]interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			t.Fatalf("could not unmarshal response: %v", err)
		}
	}
	return resp.StatusCode, result
}

func TestResponseEnvelope(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: errorHandler(false)})
	app.Get("/ok", func(c *fiber.Ctx) error {
		return ok(c, fiber.Map{"value": 42})
	})

	status, result := performRequest(t, app, "GET", "/ok")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if result["success"] != true {
		t.Errorf("success = %v, want true", result["success"])
	}
	if result["timestamp"] == nil {
		t.Error("timestamp missing from envelope")
	}
	if result["value"] != float64(42) {
		t.Errorf("payload lost: %v", result["value"])
	}
}

func TestErrorHandlerMapping(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: errorHandler(false)})

	routes := map[string]error{
		"/validation":  &user.ValidationError{Field: "betAmount", Message: "must be at least 1"},
		"/notfound":    database.ErrNotFound,
		"/claimed":     database.ErrAlreadyClaimed,
		"/forbidden":   database.ErrWrongOwner,
		"/badrequest":  badRequest("nope"),
		"/exploded":    errors.New("internal details"),
	}
	for path, err := range routes {
		failErr := err
		app.Get(path, func(c *fiber.Ctx) error { return failErr })
	}

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/validation", http.StatusBadRequest},
		{"/notfound", http.StatusNotFound},
		{"/claimed", http.StatusBadRequest},
		{"/forbidden", http.StatusForbidden},
		{"/badrequest", http.StatusBadRequest},
		{"/exploded", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, result := performRequest(t, app, "GET", tt.path)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d", status, tt.wantStatus)
			}
			if result["success"] != false {
				t.Errorf("success = %v, want false", result["success"])
			}
			if result["error"] == "" {
				t.Error("error message missing")
			}
		})
	}
}

func TestErrorHandlerHidesInternalsInProduction(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: errorHandler(true)})
	app.Get("/exploded", func(c *fiber.Ctx) error {
		return errors.New("secret stack details")
	})

	status, result := performRequest(t, app, "GET", "/exploded")
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", status)
	}
	if result["error"] != "internal server error" {
		t.Errorf("production error leaked internals: %v", result["error"])
	}
}
