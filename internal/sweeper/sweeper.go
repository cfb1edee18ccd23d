// Package sweeper deletes posts that have outlived the retention horizon.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"duet/internal/models"
	"duet/internal/observability"
	"duet/internal/service"
)

const defaultInterval = time.Minute

// PostExpirer is the part of the mutation engine the sweeper drives.
type PostExpirer interface {
	Snapshot(ctx context.Context) ([]*models.Post, error)
	ExpirePost(ctx context.Context, postID string, now time.Time) error
	RetentionHorizon() time.Duration
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Config controls the sweep loop.
type Config struct {
	Interval time.Duration
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Sweeper periodically expires old posts as the system actor.
type Sweeper struct {
	posts    PostExpirer
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Sweeper. It does nothing until Start.
func New(posts PostExpirer, cfg Config) *Sweeper {
	s := &Sweeper{
		posts:    posts,
		interval: cfg.Interval,
		now:      cfg.Clock,
		logger:   cfg.Logger,
		stopCh:   make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = observability.GlobalLogger.Logger
	}
	return s
}

// Start runs a sweep every interval until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.RunOnce(ctx, s.now())
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// RunOnce expires every post older than the horizon at now.
//
// A post deleted concurrently is not an error. A post whose deletion keeps
// losing the race is skipped and picked up again by the next pass.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) SweepResult {
	var res SweepResult
	span, ctx := observability.NewSpan(ctx, "Sweeper.RunOnce")
	defer span.End()

	posts, err := s.posts.Snapshot(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "retention sweep: list posts", slog.String("error", err.Error()))
		observability.SweepRuns.WithLabelValues("error").Inc()
		span.SetError(err)
		res.Failed++
		return res
	}

	horizon := s.posts.RetentionHorizon()
	for _, p := range posts {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		if p.Age(now) <= horizon {
			continue
		}

		err := s.posts.ExpirePost(ctx, p.ID, now)
		switch {
		case err == nil:
			res.Expired++
			observability.SweepExpired.Inc()
		case errors.Is(err, models.ErrNotFound), errors.Is(err, service.ErrNotExpired):
		case errors.Is(err, models.ErrContended):
			res.Skipped++
			s.logger.InfoContext(ctx, "retention sweep: post busy, retrying next pass", slog.String("post_id", p.ID))
		default:
			res.Failed++
			s.logger.ErrorContext(ctx, "retention sweep: expire post",
				slog.String("post_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	result := "ok"
	if res.Failed > 0 {
		result = "partial"
	}
	observability.SweepRuns.WithLabelValues(result).Inc()
	s.logger.InfoContext(ctx, "retention sweep finished",
		slog.Int("scanned", res.Scanned),
		slog.Int("expired", res.Expired),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
	)
	return res
}
