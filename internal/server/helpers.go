package server

import (
	"errors"

	"duet/internal/identity"
	"duet/internal/middleware"
	"duet/internal/models"
	"duet/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	defaultPaginationLimit = 20
	maxPaginationLimit     = 100
)

// parsePagination extracts limit and offset query parameters with the given default limit.
func parsePagination(c *fiber.Ctx, defaultLimit int) service.Page {
	limit := c.QueryInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxPaginationLimit {
		limit = maxPaginationLimit
	}

	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	return service.Page{Limit: limit, Offset: offset}
}

// respondError maps err onto its HTTP status.
func respondError(c *fiber.Ctx, err error) error {
	return models.RespondWithError(c, models.StatusFor(err), err)
}

// actor returns the participant resolved by IdentityRequired.
func actor(c *fiber.Ctx) (identity.Actor, error) {
	a, ok := middleware.ActorFrom(c)
	if !ok || !a.Valid() {
		return identity.Actor{}, errors.New("participant missing from request context")
	}
	return a, nil
}

// textRequest is the body of every text-carrying write.
type textRequest struct {
	Text string `json:"text"`
}

func parseText(c *fiber.Ctx) (string, error) {
	var req textRequest
	if err := c.BodyParser(&req); err != nil {
		return "", models.NewValidationError("Invalid request body")
	}
	return req.Text, nil
}

// upgradeRequired rejects plain HTTP requests on websocket routes.
func (s *Server) upgradeRequired(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}
