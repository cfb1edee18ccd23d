package feed

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"duet/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(postID string, version uint64) models.ChangeRecord {
	return models.ChangeRecord{
		Path:             models.PostPath(postID),
		Version:          version,
		AggregateVersion: version,
		Kind:             models.ChangePostLiked,
	}
}

func receive(t *testing.T, sub *Subscription) models.ChangeRecord {
	t.Helper()
	select {
	case rec, ok := <-sub.C():
		require.True(t, ok, "subscription closed early")
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record")
		return models.ChangeRecord{}
	}
}

func TestFeed_DeliversInOrder(t *testing.T) {
	f := New(0)
	defer f.Close()
	sub, err := f.Subscribe(Filter{})
	require.NoError(t, err)

	for v := uint64(1); v <= 100; v++ {
		f.Publish(record("p1", v))
	}
	for v := uint64(1); v <= 100; v++ {
		rec := receive(t, sub)
		assert.Equal(t, v, rec.Version)
		assert.Equal(t, v, rec.Seq)
	}
}

func TestFeed_PostFilter(t *testing.T) {
	f := New(0)
	defer f.Close()
	all, err := f.Subscribe(Filter{})
	require.NoError(t, err)
	one, err := f.Subscribe(Filter{PostID: "p2"})
	require.NoError(t, err)

	f.Publish(record("p1", 1))
	f.Publish(models.ChangeRecord{Path: models.CommentPath("p2", "c1"), Version: 1, Kind: models.ChangeCommentAdded})
	f.Publish(record("p3", 1))

	assert.Equal(t, "p1", receive(t, all).PostID())
	assert.Equal(t, "p2", receive(t, all).PostID())
	assert.Equal(t, "p3", receive(t, all).PostID())

	got := receive(t, one)
	assert.Equal(t, models.CommentPath("p2", "c1"), got.Path)
	select {
	case rec := <-one.C():
		t.Fatalf("unexpected record %+v", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeed_NothingAfterUnsubscribe(t *testing.T) {
	f := New(0)
	defer f.Close()
	sub, err := f.Subscribe(Filter{})
	require.NoError(t, err)

	for v := uint64(1); v <= 10; v++ {
		f.Publish(record("p1", v))
	}
	sub.Unsubscribe()
	f.Publish(record("p1", 11))

	for rec := range sub.C() {
		t.Fatalf("record %d delivered after unsubscribe", rec.Version)
	}
	assert.NoError(t, sub.Err())
	assert.Zero(t, f.Subscribers())

	sub.Unsubscribe()
}

func TestFeed_UnsubscribeWhilePublishing(t *testing.T) {
	f := New(1 << 16)
	defer f.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := uint64(1); ; v++ {
			select {
			case <-stop:
				return
			case <-time.After(50 * time.Microsecond):
				f.Publish(record("p1", v))
			}
		}
	}()

	for range 20 {
		sub, err := f.Subscribe(Filter{PostID: "p1"})
		require.NoError(t, err)
		select {
		case _, ok := <-sub.C():
			require.True(t, ok, "subscription ended before unsubscribe: %v", sub.Err())
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for record")
		}
		sub.Unsubscribe()
		_, open := <-sub.C()
		assert.False(t, open)
		assert.NoError(t, sub.Err(), "unsubscribe is not a lag or close")
	}
	close(stop)
	wg.Wait()
}

func TestFeed_LaggingSubscriberIsTerminated(t *testing.T) {
	f := New(4)
	defer f.Close()
	slow, err := f.Subscribe(Filter{})
	require.NoError(t, err)
	fast, err := f.Subscribe(Filter{})
	require.NoError(t, err)

	var got []uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for rec := range fast.C() {
			got = append(got, rec.Version)
			if len(got) == 20 {
				return
			}
		}
	}()

	for v := uint64(1); v <= 20; v++ {
		f.Publish(record("p1", v))
		// Let the fast consumer keep up.
		time.Sleep(time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-slow.C():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	for range slow.C() {
	}
	assert.ErrorIs(t, slow.Err(), ErrLagging)

	<-done
	assert.Len(t, got, 20)
	assert.Equal(t, 1, f.Subscribers())
}

func TestFeed_Close(t *testing.T) {
	f := New(0)
	sub, err := f.Subscribe(Filter{})
	require.NoError(t, err)

	f.Close()
	_, open := <-sub.C()
	assert.False(t, open)
	assert.ErrorIs(t, sub.Err(), ErrClosed)

	_, err = f.Subscribe(Filter{})
	assert.ErrorIs(t, err, ErrClosed)
	f.Publish(record("p1", 1))
	f.Close()
}

func TestFeed_ManySubscribers(t *testing.T) {
	f := New(0)
	defer f.Close()

	subs := make([]*Subscription, 8)
	for i := range subs {
		sub, err := f.Subscribe(Filter{PostID: fmt.Sprintf("p%d", i%2)})
		require.NoError(t, err)
		subs[i] = sub
	}
	f.Publish(record("p0", 1))
	f.Publish(record("p1", 1))

	for i, sub := range subs {
		assert.Equal(t, fmt.Sprintf("p%d", i%2), receive(t, sub).PostID())
	}
}
