package service

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"duet/internal/identity"
	"duet/internal/models"
)

// Content limits.
const (
	MaxPostTextLength    = 50000
	MaxCommentTextLength = 10000
	MaxMediaPerPost      = 4
)

// The functions below are the pure state transitions of the engine. Each one
// takes the current aggregate, the actor and the input, and returns a new
// aggregate without touching its argument.

func newPost(id string, author identity.Actor, in CreatePostInput, now time.Time) (*models.Post, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Media) == 0 {
		return nil, models.NewValidationError("Post must have text or media")
	}
	if utf8.RuneCountInString(text) > MaxPostTextLength {
		return nil, models.NewValidationError(fmt.Sprintf("Post text must not exceed %d characters", MaxPostTextLength))
	}
	media, err := validateMedia(in.Media)
	if err != nil {
		return nil, err
	}

	return &models.Post{
		ID:        id,
		AuthorID:  author.ID,
		Text:      text,
		Media:     media,
		CreatedAt: now,
		UpdatedAt: now,
		LikedBy:   models.LikeSet{},
		Comments:  []*models.Comment{},
	}, nil
}

func validateMedia(in []models.MediaRef) ([]models.MediaRef, error) {
	if len(in) > MaxMediaPerPost {
		return nil, models.NewValidationError(fmt.Sprintf("A post can carry at most %d media attachments", MaxMediaPerPost))
	}
	out := make([]models.MediaRef, 0, len(in))
	for _, m := range in {
		if !m.Kind.Valid() {
			return nil, models.NewValidationError(fmt.Sprintf("Unknown media kind %q", m.Kind))
		}
		if strings.TrimSpace(m.URL) == "" {
			return nil, models.NewValidationError("Media URL is required")
		}
		out = append(out, m)
	}
	return out, nil
}

func editPost(cur *models.Post, actor identity.Actor, text string, now time.Time) (*models.Post, error) {
	if cur.AuthorID != actor.ID {
		return nil, models.NewForbiddenError("Only the author can edit this post")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.NewValidationError("Post text is required")
	}
	if utf8.RuneCountInString(text) > MaxPostTextLength {
		return nil, models.NewValidationError(fmt.Sprintf("Post text must not exceed %d characters", MaxPostTextLength))
	}

	next := cur.Clone()
	next.Text = text
	next.UpdatedAt = now
	return next, nil
}

func authorizeDelete(cur *models.Post, actor identity.Actor) error {
	if actor.IsSystem() || cur.AuthorID == actor.ID {
		return nil
	}
	return models.NewForbiddenError("Only the author can delete this post")
}

// likePost reports false when actor already liked the post; the aggregate is
// then returned unchanged.
func likePost(cur *models.Post, actor identity.Actor) (*models.Post, bool) {
	if cur.LikedBy.Contains(actor.ID) {
		return cur, false
	}
	next := cur.Clone()
	next.LikedBy = next.LikedBy.With(actor.ID)
	next.Likes = len(next.LikedBy)
	return next, true
}

func likeComment(cur *models.Post, commentID string, actor identity.Actor) (*models.Post, bool, error) {
	comment := cur.Comment(commentID)
	if comment == nil {
		return nil, false, models.NewNotFoundError("comment", commentID)
	}
	if comment.LikedBy.Contains(actor.ID) {
		return cur, false, nil
	}

	next := cur.Clone()
	c := next.Comment(commentID)
	c.LikedBy = c.LikedBy.With(actor.ID)
	c.Likes = len(c.LikedBy)
	c.Version++
	return next, true, nil
}

func likeReply(cur *models.Post, commentID, replyID string, actor identity.Actor) (*models.Post, bool, error) {
	comment := cur.Comment(commentID)
	if comment == nil {
		return nil, false, models.NewNotFoundError("comment", commentID)
	}
	reply := comment.Reply(replyID)
	if reply == nil {
		return nil, false, models.NewNotFoundError("reply", replyID)
	}
	if reply.LikedBy.Contains(actor.ID) {
		return cur, false, nil
	}

	next := cur.Clone()
	r := next.Comment(commentID).Reply(replyID)
	r.LikedBy = r.LikedBy.With(actor.ID)
	r.Likes = len(r.LikedBy)
	r.Version++
	return next, true, nil
}

func validateDiscussionText(kind, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", models.NewValidationError(kind + " text is required")
	}
	if utf8.RuneCountInString(text) > MaxCommentTextLength {
		return "", models.NewValidationError(fmt.Sprintf("%s text must not exceed %d characters", kind, MaxCommentTextLength))
	}
	return text, nil
}

func addComment(cur *models.Post, id string, actor identity.Actor, text string, now time.Time) (*models.Post, error) {
	text, err := validateDiscussionText("Comment", text)
	if err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.Comments = append(next.Comments, &models.Comment{
		ID:        id,
		AuthorID:  actor.ID,
		Text:      text,
		LikedBy:   models.LikeSet{},
		Replies:   []*models.Reply{},
		CreatedAt: now,
		Version:   1,
	})
	return next, nil
}

func addReply(cur *models.Post, commentID, id string, actor identity.Actor, text string, now time.Time) (*models.Post, error) {
	text, err := validateDiscussionText("Reply", text)
	if err != nil {
		return nil, err
	}
	if cur.Comment(commentID) == nil {
		return nil, models.NewNotFoundError("comment", commentID)
	}

	next := cur.Clone()
	c := next.Comment(commentID)
	c.Replies = append(c.Replies, &models.Reply{
		ID:        id,
		AuthorID:  actor.ID,
		Text:      text,
		LikedBy:   models.LikeSet{},
		CreatedAt: now,
		Version:   1,
	})
	c.Version++
	return next, nil
}

func expired(post *models.Post, horizon time.Duration, now time.Time) bool {
	return post.Age(now) > horizon
}
