package store

import (
	"context"
	"sort"
	"sync"

	"duet/internal/models"
	"duet/internal/observability"
)

// Memory is an in-process EntityStore. Posts are deep-copied whenever they
// cross the store boundary, so callers never share state with the map.
type Memory struct {
	mu    sync.RWMutex
	posts map[string]*models.Post
	log   *observability.StoreLogger
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		posts: make(map[string]*models.Post),
		log:   observability.NewStoreLogger(backendMemory),
	}
}

const backendMemory = "memory"

func (m *Memory) Get(ctx context.Context, postID string) (*models.Post, error) {
	defer observability.TrackStore(backendMemory, "get")()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	post, ok := m.posts[postID]
	if !ok {
		return nil, notFound(postID)
	}
	return post.Clone(), nil
}

func (m *Memory) Put(ctx context.Context, post *models.Post, expectedVersion uint64) (uint64, error) {
	defer observability.TrackStore(backendMemory, "put")()
	if err := validatePut(post); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.posts[post.ID]
	switch {
	case expectedVersion == 0 && exists:
		m.log.LogConflict(ctx, post.ID, expectedVersion)
		return 0, conflict(post.ID)
	case expectedVersion != 0 && !exists:
		return 0, notFound(post.ID)
	case exists && current.Version != expectedVersion:
		m.log.LogConflict(ctx, post.ID, expectedVersion)
		return 0, conflict(post.ID)
	}

	stored := post.Clone()
	stored.Version = expectedVersion + 1
	m.posts[post.ID] = stored
	m.log.LogPut(ctx, post.ID, stored.Version)
	return stored.Version, nil
}

func (m *Memory) Delete(ctx context.Context, postID string, expectedVersion uint64) error {
	defer observability.TrackStore(backendMemory, "delete")()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.posts[postID]
	if !ok {
		return notFound(postID)
	}
	if current.Version != expectedVersion {
		m.log.LogConflict(ctx, postID, expectedVersion)
		return conflict(postID)
	}
	delete(m.posts, postID)
	m.log.LogDelete(ctx, postID, expectedVersion)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]*models.Post, error) {
	defer observability.TrackStore(backendMemory, "list")()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]*models.Post, 0, len(m.posts))
	for _, p := range m.posts {
		out = append(out, p.Clone())
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

func sortNewestFirst(posts []*models.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		if posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].ID > posts[j].ID
		}
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
}
