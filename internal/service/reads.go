package service

import (
	"context"
	"errors"
	"log/slog"

	"duet/internal/featureflags"
	"duet/internal/identity"
	"duet/internal/models"
	"duet/internal/store"
)

// Page selects a window of the post list.
type Page struct {
	Limit  int
	Offset int
}

// GetPost returns a post with its discussion.
func (s *PostService) GetPost(ctx context.Context, actor identity.Actor, postID string) (*models.Post, error) {
	post, err := s.store.Get(ctx, postID)
	if err != nil {
		return nil, err
	}
	if s.hideExpired(ctx, actor, post) {
		return nil, models.NewNotFoundError("post", postID)
	}
	return post, nil
}

// GetComment returns one comment of a post.
func (s *PostService) GetComment(ctx context.Context, actor identity.Actor, postID, commentID string) (*models.Comment, error) {
	entity, err := s.resolve(ctx, actor, models.CommentPath(postID, commentID))
	if err != nil {
		return nil, err
	}
	return entity.(*models.Comment), nil
}

// GetReply returns one reply of a comment.
func (s *PostService) GetReply(ctx context.Context, actor identity.Actor, postID, commentID, replyID string) (*models.Reply, error) {
	entity, err := s.resolve(ctx, actor, models.ReplyPath(postID, commentID, replyID))
	if err != nil {
		return nil, err
	}
	return entity.(*models.Reply), nil
}

func (s *PostService) resolve(ctx context.Context, actor identity.Actor, path models.EntityPath) (any, error) {
	post, err := s.GetPost(ctx, actor, path.PostID)
	if err != nil {
		return nil, err
	}
	entity, _, err := store.Resolve(post, path)
	return entity, err
}

// ListPosts returns live posts, newest first.
func (s *PostService) ListPosts(ctx context.Context, actor identity.Actor, page Page) ([]*models.Post, error) {
	posts, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	live := make([]*models.Post, 0, len(posts))
	for _, p := range posts {
		if s.hideExpired(ctx, actor, p) {
			continue
		}
		live = append(live, p)
	}

	if page.Offset >= len(live) {
		return []*models.Post{}, nil
	}
	live = live[page.Offset:]
	if page.Limit > 0 && page.Limit < len(live) {
		live = live[:page.Limit]
	}
	return live, nil
}

// Snapshot returns every stored post regardless of age. The retention
// sweeper scans it.
func (s *PostService) Snapshot(ctx context.Context) ([]*models.Post, error) {
	return s.store.List(ctx)
}

// hideExpired reports whether post is past the horizon and must not be
// served. With lazy expiry enabled the post is removed on the spot instead
// of waiting for the next sweep.
func (s *PostService) hideExpired(ctx context.Context, actor identity.Actor, post *models.Post) bool {
	now := s.now()
	if !expired(post, s.horizon, now) {
		return false
	}
	if !s.flags.Enabled(featureflags.LazyExpiry, actor.ID) {
		return false
	}

	err := s.ExpirePost(ctx, post.ID, now)
	switch {
	case err == nil, errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrContended):
	default:
		s.logger.WarnContext(ctx, "lazy expiry failed",
			slog.String("post_id", post.ID),
			slog.String("error", err.Error()),
		)
	}
	return true
}
