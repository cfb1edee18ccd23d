// Package feed fans committed change records out to in-process subscribers.
package feed

import (
	"errors"
	"sync"

	"duet/internal/models"
	"duet/internal/observability"
)

// DefaultMaxBacklog is the number of undelivered records a subscription may
// hold before it is terminated.
const DefaultMaxBacklog = 1024

var (
	// ErrLagging terminates a subscription whose consumer fell too far
	// behind. The consumer must re-read current state and subscribe again.
	ErrLagging = errors.New("feed: subscriber is lagging")
	// ErrClosed is returned once the feed has been shut down.
	ErrClosed = errors.New("feed: closed")
)

// Filter selects records for a subscription. The zero Filter matches every
// post; a PostID narrows it to that post and its discussion.
type Filter struct {
	PostID string
}

func (f Filter) match(rec models.ChangeRecord) bool {
	return f.PostID == "" || f.PostID == rec.PostID()
}

// Feed is an ordered, at-least-once change feed. Records are delivered to
// each subscription in the order Publish was called.
type Feed struct {
	mu         sync.Mutex
	seq        uint64
	nextID     uint64
	subs       map[uint64]*Subscription
	maxBacklog int
	closed     bool
}

// New creates a feed. maxBacklog <= 0 selects DefaultMaxBacklog.
func New(maxBacklog int) *Feed {
	if maxBacklog <= 0 {
		maxBacklog = DefaultMaxBacklog
	}
	return &Feed{
		subs:       make(map[uint64]*Subscription),
		maxBacklog: maxBacklog,
	}
}

// Publish stamps rec with the next sequence number and queues it for every
// matching subscription. It never blocks on consumers.
func (f *Feed) Publish(rec models.ChangeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	f.seq++
	rec.Seq = f.seq
	observability.FeedPublished.WithLabelValues(string(rec.Kind)).Inc()

	for id, sub := range f.subs {
		if !sub.filter.match(rec) {
			continue
		}
		if !sub.enqueue(rec, f.maxBacklog) {
			delete(f.subs, id)
			observability.FeedLagging.Inc()
			sub.stop(ErrLagging)
		}
	}
}

// Subscribe registers a subscription. Records published after Subscribe
// returns are delivered on Subscription.C.
func (f *Feed) Subscribe(filter Filter) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	f.nextID++
	sub := &Subscription{
		id:     f.nextID,
		feed:   f,
		filter: filter,
		wake:   make(chan struct{}, 1),
		out:    make(chan models.ChangeRecord),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	f.subs[sub.id] = sub
	observability.FeedSubscribers.Inc()
	go sub.pump()
	return sub, nil
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close terminates every subscription with ErrClosed. Later publishes are
// discarded.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := f.subs
	f.subs = make(map[uint64]*Subscription)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.stop(ErrClosed)
	}
}

func (f *Feed) remove(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return false
	}
	delete(f.subs, id)
	return true
}

// Subscription is one consumer of the feed.
type Subscription struct {
	id     uint64
	feed   *Feed
	filter Filter

	mu    sync.Mutex
	queue []models.ChangeRecord
	err   error

	wake   chan struct{}
	out    chan models.ChangeRecord
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// C delivers records in commit order. It is closed when the subscription
// ends; Err then reports why.
func (s *Subscription) C() <-chan models.ChangeRecord {
	return s.out
}

// Err returns nil after Unsubscribe, ErrLagging or ErrClosed otherwise. It
// is only meaningful once C is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Filter returns the filter the subscription was created with.
func (s *Subscription) Filter() Filter {
	return s.filter
}

// Unsubscribe ends the subscription. No record is delivered on C after it
// returns. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	s.feed.remove(s.id)
	s.stop(nil)
}

// enqueue reports false when the backlog is full.
func (s *Subscription) enqueue(rec models.ChangeRecord, limit int) bool {
	s.mu.Lock()
	if len(s.queue) >= limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, rec)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) pump() {
	defer close(s.exited)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		rec := s.queue[0]
		s.queue[0] = models.ChangeRecord{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- rec:
		case <-s.done:
			return
		}
	}
}

// stop waits for the pump to exit before closing C, so nothing can be sent
// on C afterwards.
func (s *Subscription) stop(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.queue = nil
		s.mu.Unlock()

		close(s.done)
		<-s.exited
		close(s.out)
		observability.FeedSubscribers.Dec()
	})
}
