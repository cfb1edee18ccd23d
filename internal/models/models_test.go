package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    EntityPath
		level   PathLevel
		wantErr bool
	}{
		{in: "posts/p1", want: PostPath("p1"), level: LevelPost},
		{in: "/posts/p1/", want: PostPath("p1"), level: LevelPost},
		{in: "posts/p1/comments/c1", want: CommentPath("p1", "c1"), level: LevelComment},
		{in: "posts/p1/comments/c1/replies/r1", want: ReplyPath("p1", "c1", "r1"), level: LevelReply},
		{in: "posts", wantErr: true},
		{in: "users/p1", wantErr: true},
		{in: "posts/p1/likes/c1", wantErr: true},
		{in: "posts/p1/comments", wantErr: true},
		{in: "posts/p1/comments/c1/answers/r1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePath(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.level, got.Level())
		})
	}
}

func TestEntityPath_RoundTripsThroughJSON(t *testing.T) {
	t.Parallel()
	rec := ChangeRecord{Path: ReplyPath("p", "c", "r"), Version: 3}

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"path":"posts/p/comments/c/replies/r"`)

	var decoded ChangeRecord
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, rec.Path, decoded.Path)
	assert.Equal(t, "p", decoded.PostID())
}

func TestLikeSet(t *testing.T) {
	t.Parallel()
	var s LikeSet
	s = s.With("bob")
	s = s.With("alice")
	s = s.With("bob")

	assert.Equal(t, LikeSet{"alice", "bob"}, s)
	assert.True(t, s.Contains("alice"))
	assert.False(t, s.Contains("carol"))

	original := LikeSet{"a"}
	extended := original.With("b")
	assert.Equal(t, LikeSet{"a"}, original, "With must not mutate the receiver")
	assert.Equal(t, LikeSet{"a", "b"}, extended)
}

func TestPostClone_IsDeep(t *testing.T) {
	t.Parallel()
	p := &Post{
		ID:      "p1",
		LikedBy: LikeSet{"a"},
		Media:   []MediaRef{{Kind: MediaImage, URL: "/media/image/x.png"}},
		Comments: []*Comment{{
			ID:      "c1",
			LikedBy: LikeSet{"a"},
			Replies: []*Reply{{ID: "r1", Text: "hi"}},
		}},
	}

	cp := p.Clone()
	cp.LikedBy = cp.LikedBy.With("b")
	cp.Media[0].URL = "changed"
	cp.Comments[0].Text = "changed"
	cp.Comments[0].Replies[0].Text = "changed"

	assert.Equal(t, LikeSet{"a"}, p.LikedBy)
	assert.Equal(t, "/media/image/x.png", p.Media[0].URL)
	assert.Empty(t, p.Comments[0].Text)
	assert.Equal(t, "hi", p.Comments[0].Replies[0].Text)
	assert.NotNil(t, p.Comment("c1").Reply("r1"))
	assert.Nil(t, p.Comment("missing"))
}

func TestAppError_IsMatchesByCode(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("put: %w", NewConflictError("post", "p1"))

	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))

	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, CodeConflict, appErr.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{NewValidationError("bad"), fiber.StatusBadRequest},
		{NewNotFoundError("post", "x"), fiber.StatusNotFound},
		{NewForbiddenError("no"), fiber.StatusForbidden},
		{NewConflictError("post", "x"), fiber.StatusConflict},
		{NewContendedError("post", "x", 5), fiber.StatusConflict},
		{NewUnavailableError("store", errors.New("dial tcp")), fiber.StatusServiceUnavailable},
		{errors.New("boom"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestCallStatus_Active(t *testing.T) {
	t.Parallel()
	assert.True(t, CallRinging.Active())
	assert.True(t, CallInCall.Active())
	assert.False(t, CallEnded.Active())
	assert.False(t, CallIdle.Active())
}
