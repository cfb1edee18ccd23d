package service

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"duet/internal/featureflags"
	"duet/internal/identity"
	"duet/internal/models"
	"duet/internal/observability"
	"duet/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// change names one entity touched by a mutation.
type change struct {
	path models.EntityPath
	kind models.ChangeKind
}

// outcome is what a transition decided. A zero outcome means "nothing to
// write"; the current state is returned to the caller as is.
type outcome struct {
	next    *models.Post
	remove  bool
	changes []change
}

func (o outcome) noop() bool {
	return o.next == nil && !o.remove
}

// mutate runs apply against the latest version of postID and commits the
// result with compare-and-swap, repeating the cycle on Conflict up to
// attempts times.
//
// Writers in this process are serialized per post by a striped lock held
// from read to publish, so records reach the feed in commit order. The
// store's compare-and-swap still arbitrates between processes.
func (s *PostService) mutate(
	ctx context.Context,
	op, postID string,
	actor identity.Actor,
	attempts int,
	apply func(cur *models.Post) (outcome, error),
) (*models.Post, error) {
	span, ctx := observability.NewSpan(ctx, "PostService."+op,
		attribute.String("post.id", postID),
		attribute.String("actor.id", actor.ID),
	)
	defer span.End()
	done := s.track(op)

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			done(err)
			return nil, err
		}
		observability.MutationAttempts.WithLabelValues(op).Inc()

		post, err := s.attempt(ctx, postID, actor, apply)
		if errors.Is(err, models.ErrConflict) {
			observability.MutationConflicts.WithLabelValues(op).Inc()
			span.AddAttributes(attribute.Int("mutation.conflicts", attempt))
			if attempt < attempts {
				if err := sleepBackoff(ctx, attempt); err != nil {
					done(err)
					return nil, err
				}
			}
			continue
		}
		if err != nil {
			span.SetError(err)
			done(err)
			return nil, err
		}
		done(nil)
		return post, nil
	}

	observability.MutationContended.WithLabelValues(op).Inc()
	s.logger.WarnContext(ctx, "mutation contended",
		slog.String("operation", op),
		slog.String("post_id", postID),
		slog.Int("attempts", attempts),
	)
	err := models.NewContendedError("post", postID, attempts)
	span.SetError(err)
	done(err)
	return nil, err
}

func (s *PostService) attempt(
	ctx context.Context,
	postID string,
	actor identity.Actor,
	apply func(cur *models.Post) (outcome, error),
) (*models.Post, error) {
	unlock := s.locks.lock(postID)
	defer unlock()

	cur, err := s.store.Get(ctx, postID)
	if err != nil {
		return nil, err
	}
	// Past the horizon a post is gone to everyone but the system actor.
	if !actor.IsSystem() && expired(cur, s.horizon, s.now()) &&
		s.flags.Enabled(featureflags.LazyExpiry, actor.ID) {
		return nil, models.NewNotFoundError("post", postID)
	}
	out, err := apply(cur)
	if err != nil {
		return nil, err
	}
	if out.noop() {
		return cur, nil
	}

	// Once the write is issued it runs to completion even if the caller
	// goes away.
	writeCtx := context.WithoutCancel(ctx)
	if out.remove {
		if err := s.store.Delete(writeCtx, postID, cur.Version); err != nil {
			return nil, err
		}
		s.publishTombstones(actor, cur.Version+1, out.changes)
		return cur, nil
	}

	version, err := s.store.Put(writeCtx, out.next, cur.Version)
	if err != nil {
		return nil, err
	}
	out.next.Version = version
	s.publish(actor, out.next, out.changes)
	return out.next, nil
}

func (s *PostService) publish(actor identity.Actor, committed *models.Post, changes []change) {
	if s.publisher == nil {
		return
	}
	now := s.now().UTC()
	for _, ch := range changes {
		entity, version, err := store.Resolve(committed, ch.path)
		if err != nil {
			s.logger.Error("change record for missing entity", slog.String("path", ch.path.String()))
			continue
		}
		value, err := json.Marshal(entity)
		if err != nil {
			s.logger.Error("encode change record", slog.String("path", ch.path.String()), slog.String("error", err.Error()))
			continue
		}
		s.publisher.Publish(models.ChangeRecord{
			Path:             ch.path,
			Version:          version,
			AggregateVersion: committed.Version,
			Kind:             ch.kind,
			Actor:            actor.ID,
			Value:            value,
			CommittedAt:      now,
		})
	}
}

func (s *PostService) publishTombstones(actor identity.Actor, version uint64, changes []change) {
	if s.publisher == nil {
		return
	}
	now := s.now().UTC()
	for _, ch := range changes {
		s.publisher.Publish(models.ChangeRecord{
			Path:             ch.path,
			Version:          version,
			AggregateVersion: version,
			Kind:             ch.kind,
			Actor:            actor.ID,
			Tombstone:        true,
			CommittedAt:      now,
		})
	}
}

// track returns a completion func recording latency by outcome.
func (s *PostService) track(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		result := "ok"
		var appErr *models.AppError
		switch {
		case err == nil:
		case errors.As(err, &appErr):
			result = appErr.Code
		default:
			result = "error"
		}
		observability.MutationLatency.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	}
}

// sleepBackoff waits a short, jittered, attempt-proportional delay before
// the next cycle.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt)*2*time.Millisecond + time.Duration(rand.Int64N(int64(2*time.Millisecond)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const lockStripes = 64

// stripedLock serializes in-process writers of the same post.
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLock) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
