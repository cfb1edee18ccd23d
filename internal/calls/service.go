// Package calls manages the shared call signaling record between the two
// participants. It carries no media; clients use the code to join a call
// out of band.
package calls

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"duet/internal/identity"
	"duet/internal/models"
	"duet/internal/observability"
)

// Publisher is told about every written call record.
type Publisher interface {
	PublishCall(ctx context.Context, rec models.CallRecord) error
}

// Options configure a Service.
type Options struct {
	Clock   func() time.Time
	NewCode func() string
	Logger  *slog.Logger
}

// Service implements ring, answer and end over a Record.
type Service struct {
	record    Record
	publisher Publisher
	now       func() time.Time
	newCode   func() string
	logger    *slog.Logger
}

// NewService creates a Service. publisher may be nil.
func NewService(record Record, publisher Publisher, opts Options) *Service {
	s := &Service{
		record:    record,
		publisher: publisher,
		now:       opts.Clock,
		newCode:   opts.NewCode,
		logger:    opts.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newCode == nil {
		s.newCode = NewCode
	}
	if s.logger == nil {
		s.logger = observability.GlobalLogger.Logger
	}
	return s
}

// NewCode returns a random six-digit call code.
func NewCode() string {
	return fmt.Sprintf("%06d", 100000+rand.IntN(900000))
}

// Current returns the call record; an idle record has an empty status.
func (s *Service) Current(ctx context.Context) (models.CallRecord, error) {
	return s.record.Load(ctx)
}

// Ring starts a call from actor with a fresh code.
func (s *Service) Ring(ctx context.Context, actor identity.Actor) (models.CallRecord, error) {
	if !actor.Valid() || actor.IsSystem() {
		return models.CallRecord{}, models.NewValidationError("acting participant is required")
	}
	return s.update(ctx, func(cur models.CallRecord) (models.CallRecord, error) {
		if cur.Status.Active() {
			return cur, models.NewConflictError("call", cur.Code)
		}
		return models.CallRecord{
			Code:      s.newCode(),
			From:      actor.ID,
			Status:    models.CallRinging,
			Timestamp: s.now().UTC(),
		}, nil
	})
}

// Answer moves a ringing call to in_call. The caller cannot answer their own
// call.
func (s *Service) Answer(ctx context.Context, actor identity.Actor) (models.CallRecord, error) {
	if !actor.Valid() {
		return models.CallRecord{}, models.NewValidationError("acting participant is required")
	}
	return s.update(ctx, func(cur models.CallRecord) (models.CallRecord, error) {
		switch {
		case cur.Status == models.CallInCall:
			return cur, nil
		case cur.Status != models.CallRinging:
			return cur, models.NewNotFoundError("call", "ringing")
		case cur.From == actor.ID:
			return cur, models.NewForbiddenError("Only the callee can answer this call")
		}
		next := cur
		next.Status = models.CallInCall
		next.Timestamp = s.now().UTC()
		return next, nil
	})
}

// End hangs up. Ending a call that is not active is a no-op.
func (s *Service) End(ctx context.Context, actor identity.Actor) (models.CallRecord, error) {
	if !actor.Valid() {
		return models.CallRecord{}, models.NewValidationError("acting participant is required")
	}
	return s.update(ctx, func(cur models.CallRecord) (models.CallRecord, error) {
		if !cur.Status.Active() {
			return cur, nil
		}
		return models.CallRecord{
			From:      cur.From,
			Status:    models.CallEnded,
			Timestamp: s.now().UTC(),
		}, nil
	})
}

func (s *Service) update(ctx context.Context, fn UpdateFunc) (models.CallRecord, error) {
	rec, written, err := s.record.Update(ctx, fn)
	if err != nil {
		return models.CallRecord{}, err
	}
	if !written {
		return rec, nil
	}

	observability.CallTransitions.WithLabelValues(string(rec.Status)).Inc()
	if s.publisher != nil {
		if err := s.publisher.PublishCall(context.WithoutCancel(ctx), rec); err != nil {
			s.logger.WarnContext(ctx, "publish call record",
				slog.String("status", string(rec.Status)),
				slog.String("error", err.Error()),
			)
		}
	}
	return rec, nil
}
