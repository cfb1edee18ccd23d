// Package service implements the mutation engine over the entity store.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"duet/internal/featureflags"
	"duet/internal/identity"
	"duet/internal/models"
	"duet/internal/observability"
	"duet/internal/store"

	"github.com/google/uuid"
)

// DefaultMaxAttempts bounds the read-compute-put cycle of every mutation.
const DefaultMaxAttempts = 5

// DefaultRetentionHorizon is how long a post lives before it expires.
const DefaultRetentionHorizon = 86_400_000 * time.Millisecond

// ErrNotExpired is returned by ExpirePost for posts younger than the horizon.
var ErrNotExpired = errors.New("post has not reached the retention horizon")

// ChangePublisher receives a record for every committed mutation.
type ChangePublisher interface {
	Publish(rec models.ChangeRecord)
}

// Options configure a PostService. Zero values select the defaults.
type Options struct {
	MaxAttempts      int
	RetentionHorizon time.Duration
	Flags            *featureflags.Manager
	Clock            func() time.Time
	NewID            func() string
	Logger           *slog.Logger
}

// PostService runs every post, comment, reply and like operation as an
// optimistic read-compute-put cycle against the entity store.
type PostService struct {
	store       store.EntityStore
	publisher   ChangePublisher
	maxAttempts int
	horizon     time.Duration
	flags       *featureflags.Manager
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger
	locks       stripedLock
}

// NewPostService creates a new PostService. publisher may be nil.
func NewPostService(st store.EntityStore, publisher ChangePublisher, opts Options) *PostService {
	s := &PostService{
		store:       st,
		publisher:   publisher,
		maxAttempts: opts.MaxAttempts,
		horizon:     opts.RetentionHorizon,
		flags:       opts.Flags,
		now:         opts.Clock,
		newID:       opts.NewID,
		logger:      opts.Logger,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.horizon <= 0 {
		s.horizon = DefaultRetentionHorizon
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.logger == nil {
		s.logger = observability.GlobalLogger.Logger
	}
	return s
}

// RetentionHorizon returns the configured post lifetime.
func (s *PostService) RetentionHorizon() time.Duration {
	return s.horizon
}

// CreatePostInput carries the content of a new post.
type CreatePostInput struct {
	Text  string            `json:"text"`
	Media []models.MediaRef `json:"media"`
}

// CreatePost stores a new post authored by actor.
func (s *PostService) CreatePost(ctx context.Context, actor identity.Actor, in CreatePostInput) (*models.Post, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	span, ctx := observability.NewSpan(ctx, "PostService.create_post")
	defer span.End()
	done := s.track("create_post")

	post, err := s.createPost(ctx, actor, in)
	if err != nil {
		span.SetError(err)
	}
	done(err)
	return post, err
}

func (s *PostService) createPost(ctx context.Context, actor identity.Actor, in CreatePostInput) (*models.Post, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		observability.MutationAttempts.WithLabelValues("create_post").Inc()

		post, err := newPost(s.newID(), actor, in, s.now().UTC())
		if err != nil {
			return nil, err
		}

		unlock := s.locks.lock(post.ID)
		version, err := s.store.Put(context.WithoutCancel(ctx), post, 0)
		if errors.Is(err, models.ErrConflict) {
			// Identifier collision; draw a new one.
			unlock()
			observability.MutationConflicts.WithLabelValues("create_post").Inc()
			continue
		}
		if err != nil {
			unlock()
			return nil, err
		}
		post.Version = version
		s.publish(actor, post, []change{{path: models.PostPath(post.ID), kind: models.ChangePostCreated}})
		unlock()
		return post, nil
	}

	observability.MutationContended.WithLabelValues("create_post").Inc()
	return nil, models.NewContendedError("post", "new", s.maxAttempts)
}

// EditPost replaces the text of a post. Only the author may edit.
func (s *PostService) EditPost(ctx context.Context, actor identity.Actor, postID, text string) (*models.Post, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "edit_post", postID, actor, s.maxAttempts, func(cur *models.Post) (outcome, error) {
		next, err := editPost(cur, actor, text, s.now().UTC())
		if err != nil {
			return outcome{}, err
		}
		return outcome{next: next, changes: []change{{path: models.PostPath(postID), kind: models.ChangePostEdited}}}, nil
	})
}

// DeletePost removes a post and its whole discussion. Only the author (or
// the system actor) may delete.
func (s *PostService) DeletePost(ctx context.Context, actor identity.Actor, postID string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	_, err := s.mutate(ctx, "delete_post", postID, actor, s.maxAttempts, func(cur *models.Post) (outcome, error) {
		if err := authorizeDelete(cur, actor); err != nil {
			return outcome{}, err
		}
		return outcome{remove: true, changes: cascade(cur, models.ChangePostDeleted)}, nil
	})
	return err
}

// ExpirePost deletes postID as the system actor if it is older than the
// retention horizon at now. A lost race is retried once; a second loss is
// reported as Contended so the caller can skip the post until later.
func (s *PostService) ExpirePost(ctx context.Context, postID string, now time.Time) error {
	_, err := s.mutate(ctx, "expire_post", postID, identity.System, 2, func(cur *models.Post) (outcome, error) {
		if !expired(cur, s.horizon, now) {
			return outcome{}, ErrNotExpired
		}
		return outcome{remove: true, changes: cascade(cur, models.ChangePostExpired)}, nil
	})
	return err
}

// cascade lists every entity removed with post, deepest first, so the post
// itself is always the last tombstone.
func cascade(post *models.Post, kind models.ChangeKind) []change {
	var out []change
	for _, c := range post.Comments {
		for _, r := range c.Replies {
			out = append(out, change{path: models.ReplyPath(post.ID, c.ID, r.ID), kind: kind})
		}
		out = append(out, change{path: models.CommentPath(post.ID, c.ID), kind: kind})
	}
	return append(out, change{path: models.PostPath(post.ID), kind: kind})
}

// LikePost records actor's like. Liking twice is a no-op that returns the
// current state.
func (s *PostService) LikePost(ctx context.Context, actor identity.Actor, postID string) (*models.Post, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "like_post", postID, actor, s.maxAttempts, func(cur *models.Post) (outcome, error) {
		next, changed := likePost(cur, actor)
		if !changed {
			return outcome{}, nil
		}
		return outcome{next: next, changes: []change{{path: models.PostPath(postID), kind: models.ChangePostLiked}}}, nil
	})
}

// LikeComment records actor's like on a comment.
func (s *PostService) LikeComment(ctx context.Context, actor identity.Actor, postID, commentID string) (*models.Comment, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	post, err := s.mutate(ctx, "like_comment", postID, actor, s.maxAttempts, func(cur *models.Post) (outcome, error) {
		next, changed, err := likeComment(cur, commentID, actor)
		if err != nil || !changed {
			return outcome{}, err
		}
		return outcome{next: next, changes: []change{{path: models.CommentPath(postID, commentID), kind: models.ChangeCommentLiked}}}, nil
	})
	if err != nil {
		return nil, err
	}
	return post.Comment(commentID), nil
}

// LikeReply records actor's like on a reply.
func (s *PostService) LikeReply(ctx context.Context, actor identity.Actor, postID, commentID, replyID string) (*models.Reply, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	path := models.ReplyPath(postID, commentID, replyID)
	post, err := s.mutate(ctx, "like_reply", postID, actor, s.maxAttempts, func(cur *models.Post) (outcome, error) {
		next, changed, err := likeReply(cur, commentID, replyID, actor)
		if err != nil || !changed {
			return outcome{}, err
		}
		return outcome{next: next, changes: []change{{path: path, kind: models.ChangeReplyLiked}}}, nil
	})
	if err != nil {
		return nil, err
	}
	return post.Comment(commentID).Reply(replyID), nil
}

// AddComment appends a comment to a post.
func (s *PostService) AddComment(ctx context.Context, actor identity.Actor, postID, text string) (*models.Comment, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	var commentID string
	post, err := s.mutate(ctx, "add_comment", postID, actor, s.maxAttempts, func(cur *models.Post) (outcome, error) {
		commentID = s.newID()
		next, err := addComment(cur, commentID, actor, text, s.now().UTC())
		if err != nil {
			return outcome{}, err
		}
		return outcome{next: next, changes: []change{{path: models.CommentPath(postID, commentID), kind: models.ChangeCommentAdded}}}, nil
	})
	if err != nil {
		return nil, err
	}
	return post.Comment(commentID), nil
}

// AddReply appends a reply to a comment.
func (s *PostService) AddReply(ctx context.Context, actor identity.Actor, postID, commentID, text string) (*models.Reply, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	var replyID string
	post, err := s.mutate(ctx, "add_reply", postID, actor, s.maxAttempts, func(cur *models.Post) (outcome, error) {
		replyID = s.newID()
		next, err := addReply(cur, commentID, replyID, actor, text, s.now().UTC())
		if err != nil {
			return outcome{}, err
		}
		return outcome{next: next, changes: []change{{path: models.ReplyPath(postID, commentID, replyID), kind: models.ChangeReplyAdded}}}, nil
	})
	if err != nil {
		return nil, err
	}
	return post.Comment(commentID).Reply(replyID), nil
}

func requireActor(actor identity.Actor) error {
	if !actor.Valid() {
		return models.NewValidationError("acting participant is required")
	}
	return nil
}
