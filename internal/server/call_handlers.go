package server

import (
	"github.com/gofiber/fiber/v2"
)

// GetCall handles GET /api/call
func (s *Server) GetCall(c *fiber.Ctx) error {
	rec, err := s.rt.Calls.Current(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(rec)
}

// RingCall handles POST /api/call/ring
func (s *Server) RingCall(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	rec, err := s.rt.Calls.Ring(c.UserContext(), a)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(rec)
}

// AnswerCall handles POST /api/call/answer
func (s *Server) AnswerCall(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	rec, err := s.rt.Calls.Answer(c.UserContext(), a)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(rec)
}

// EndCall handles POST /api/call/end
func (s *Server) EndCall(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	rec, err := s.rt.Calls.End(c.UserContext(), a)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(rec)
}
