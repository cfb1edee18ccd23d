package server

import (
	"duet/internal/models"
	"duet/internal/service"

	"github.com/gofiber/fiber/v2"
)

// likeResponse reports the like state of any entity.
type likeResponse struct {
	Likes   int            `json:"likes"`
	LikedBy models.LikeSet `json:"liked_by"`
	Version uint64         `json:"version"`
}

// ListPosts handles GET /api/posts
func (s *Server) ListPosts(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	posts, err := s.rt.Posts.ListPosts(c.UserContext(), a, parsePagination(c, defaultPaginationLimit))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(posts)
}

// GetPost handles GET /api/posts/:id
func (s *Server) GetPost(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	post, err := s.rt.Posts.GetPost(c.UserContext(), a, c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(post)
}

// GetComment handles GET /api/posts/:id/comments/:commentId
func (s *Server) GetComment(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	comment, err := s.rt.Posts.GetComment(c.UserContext(), a, c.Params("id"), c.Params("commentId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(comment)
}

// GetReply handles GET /api/posts/:id/comments/:commentId/replies/:replyId
func (s *Server) GetReply(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	reply, err := s.rt.Posts.GetReply(c.UserContext(), a, c.Params("id"), c.Params("commentId"), c.Params("replyId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(reply)
}

// CreatePost handles POST /api/posts
func (s *Server) CreatePost(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req service.CreatePostInput
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	post, err := s.rt.Posts.CreatePost(c.UserContext(), a, req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(post)
}

// EditPost handles PUT /api/posts/:id
func (s *Server) EditPost(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	text, err := parseText(c)
	if err != nil {
		return respondError(c, err)
	}
	post, err := s.rt.Posts.EditPost(c.UserContext(), a, c.Params("id"), text)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(post)
}

// DeletePost handles DELETE /api/posts/:id
func (s *Server) DeletePost(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	if err := s.rt.Posts.DeletePost(c.UserContext(), a, c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// LikePost handles POST /api/posts/:id/like
func (s *Server) LikePost(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	post, err := s.rt.Posts.LikePost(c.UserContext(), a, c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(likeResponse{Likes: post.Likes, LikedBy: post.LikedBy, Version: post.Version})
}

// AddComment handles POST /api/posts/:id/comments
func (s *Server) AddComment(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	text, err := parseText(c)
	if err != nil {
		return respondError(c, err)
	}
	comment, err := s.rt.Posts.AddComment(c.UserContext(), a, c.Params("id"), text)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(comment)
}

// LikeComment handles POST /api/posts/:id/comments/:commentId/like
func (s *Server) LikeComment(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	comment, err := s.rt.Posts.LikeComment(c.UserContext(), a, c.Params("id"), c.Params("commentId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(likeResponse{Likes: comment.Likes, LikedBy: comment.LikedBy, Version: comment.Version})
}

// AddReply handles POST /api/posts/:id/comments/:commentId/replies
func (s *Server) AddReply(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	text, err := parseText(c)
	if err != nil {
		return respondError(c, err)
	}
	reply, err := s.rt.Posts.AddReply(c.UserContext(), a, c.Params("id"), c.Params("commentId"), text)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(reply)
}

// LikeReply handles POST /api/posts/:id/comments/:commentId/replies/:replyId/like
func (s *Server) LikeReply(c *fiber.Ctx) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	reply, err := s.rt.Posts.LikeReply(c.UserContext(), a, c.Params("id"), c.Params("commentId"), c.Params("replyId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(likeResponse{Likes: reply.Likes, LikedBy: reply.LikedBy, Version: reply.Version})
}
