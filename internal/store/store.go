// Package store holds the versioned entity store and its backends.
//
// Every backend versions a post together with its comment and reply subtree
// as one document and offers compare-and-swap on that document. A successful
// Put always stores version expectedVersion+1; Put with expectedVersion 0
// creates the post.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"duet/internal/models"
)

// EntityStore is the persistence collaborator used by the mutation engine.
type EntityStore interface {
	// Get returns a private copy of the post with Version set, or a NotFound error.
	Get(ctx context.Context, postID string) (*models.Post, error)
	// Put stores post if the stored version equals expectedVersion and
	// returns the new version. It fails with Conflict when the version moved
	// (or, for expectedVersion 0, when the post already exists) and with
	// NotFound when an update targets a missing post.
	Put(ctx context.Context, post *models.Post, expectedVersion uint64) (uint64, error)
	// Delete removes the post and its subtree if the stored version equals
	// expectedVersion.
	Delete(ctx context.Context, postID string, expectedVersion uint64) error
	// List returns every stored post, newest first.
	List(ctx context.Context) ([]*models.Post, error)
	Close() error
}

// Resolve returns the entity addressed by path inside post together with its
// version. It serves reads of comment and reply paths.
func Resolve(post *models.Post, path models.EntityPath) (any, uint64, error) {
	if post == nil || post.ID != path.PostID {
		return nil, 0, models.NewNotFoundError("post", path.PostID)
	}
	if path.Level() == models.LevelPost {
		return post, post.Version, nil
	}

	comment := post.Comment(path.CommentID)
	if comment == nil {
		return nil, 0, models.NewNotFoundError("comment", path.CommentID)
	}
	if path.Level() == models.LevelComment {
		return comment, comment.Version, nil
	}

	reply := comment.Reply(path.ReplyID)
	if reply == nil {
		return nil, 0, models.NewNotFoundError("reply", path.ReplyID)
	}
	return reply, reply.Version, nil
}

func notFound(postID string) error {
	return models.NewNotFoundError("post", postID)
}

func conflict(postID string) error {
	return models.NewConflictError("post", postID)
}

func unavailable(backend string, err error) error {
	return models.NewUnavailableError(backend+" store", err)
}

func validatePut(post *models.Post) error {
	if post == nil || post.ID == "" {
		return models.NewValidationError("post id is required")
	}
	return nil
}

// encode serializes the aggregate for document backends. The version is kept
// outside the document where the backend has a column for it.
func encode(post *models.Post) ([]byte, error) {
	body, err := json.Marshal(post)
	if err != nil {
		return nil, fmt.Errorf("encode post %s: %w", post.ID, err)
	}
	return body, nil
}

func decode(body []byte) (*models.Post, error) {
	var post models.Post
	if err := json.Unmarshal(body, &post); err != nil {
		return nil, fmt.Errorf("decode post: %w", err)
	}
	return &post, nil
}
