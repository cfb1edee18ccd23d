package server

import (
	"duet/internal/media"
	"duet/internal/models"

	"github.com/gofiber/fiber/v2"
)

// UploadMedia handles POST /api/media (multipart field "file")
func (s *Server) UploadMedia(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("No file uploaded"))
	}

	src, err := file.Open()
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Unable to read uploaded file"))
	}
	defer func() { _ = src.Close() }()

	ref, err := s.rt.Media.Upload(c.UserContext(), media.UploadInput{
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Content:     src,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ref)
}

// ServeMedia handles GET /media/*
func (s *Server) ServeMedia(c *fiber.Ctx) error {
	path, err := s.rt.Media.Resolve(c.Params("*"))
	if err != nil {
		return respondError(c, err)
	}
	// Content-addressed: a name never changes content.
	c.Set(fiber.HeaderCacheControl, "public, max-age=31536000, immutable")
	return c.SendFile(path)
}
