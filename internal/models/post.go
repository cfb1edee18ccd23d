// Package models contains the domain types shared across the service.
package models

import (
	"slices"
	"time"
)

// MediaKind classifies an attached media reference.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVoice MediaKind = "voice"
	MediaFile  MediaKind = "file"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	switch k {
	case MediaImage, MediaVoice, MediaFile:
		return true
	}
	return false
}

// MediaRef points at an uploaded blob held by the media collaborator.
type MediaRef struct {
	Kind        MediaKind `json:"kind" yaml:"kind"`
	URL         string    `json:"url" yaml:"url"`
	ContentType string    `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Size        int64     `json:"size,omitempty" yaml:"size,omitempty"`
	Width       int       `json:"width,omitempty" yaml:"width,omitempty"`
	Height      int       `json:"height,omitempty" yaml:"height,omitempty"`
}

// LikeSet is the sorted set of participants that liked an entity.
type LikeSet []string

// Contains reports whether participant already liked the entity.
func (s LikeSet) Contains(participant string) bool {
	_, found := slices.BinarySearch(s, participant)
	return found
}

// With returns a copy of s including participant.
func (s LikeSet) With(participant string) LikeSet {
	i, found := slices.BinarySearch(s, participant)
	out := slices.Clone(s)
	if found {
		return out
	}
	return slices.Insert(out, i, participant)
}

// Reply is the leaf of a post's discussion tree. Replies are append-only.
type Reply struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	Likes     int       `json:"likes"`
	LikedBy   LikeSet   `json:"liked_by"`
	CreatedAt time.Time `json:"created_at"`
	Version   uint64    `json:"version"`
}

// Comment belongs to a post and owns an ordered list of replies.
type Comment struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	Likes     int       `json:"likes"`
	LikedBy   LikeSet   `json:"liked_by"`
	Replies   []*Reply  `json:"replies"`
	CreatedAt time.Time `json:"created_at"`
	Version   uint64    `json:"version"`
}

// Post is the aggregate root. The post and its whole comment/reply subtree
// are stored and versioned as one document.
type Post struct {
	ID        string     `json:"id"`
	AuthorID  string     `json:"author_id"`
	Text      string     `json:"text"`
	Media     []MediaRef `json:"media"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Likes     int        `json:"likes"`
	LikedBy   LikeSet    `json:"liked_by"`
	Comments  []*Comment `json:"comments"`
	Version   uint64     `json:"version"`
}

// Age returns how long ago the post was created relative to now.
func (p *Post) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// Comment returns the comment with the given id, or nil.
func (p *Post) Comment(id string) *Comment {
	for _, c := range p.Comments {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Reply returns the reply with the given id, or nil.
func (c *Comment) Reply(id string) *Reply {
	for _, r := range c.Replies {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Clone returns a deep copy of the reply.
func (r *Reply) Clone() *Reply {
	if r == nil {
		return nil
	}
	out := *r
	out.LikedBy = slices.Clone(r.LikedBy)
	return &out
}

// Clone returns a deep copy of the comment and its replies.
func (c *Comment) Clone() *Comment {
	if c == nil {
		return nil
	}
	out := *c
	out.LikedBy = slices.Clone(c.LikedBy)
	out.Replies = make([]*Reply, len(c.Replies))
	for i, r := range c.Replies {
		out.Replies[i] = r.Clone()
	}
	return &out
}

// Clone returns a deep copy of the post and its subtree.
func (p *Post) Clone() *Post {
	if p == nil {
		return nil
	}
	out := *p
	out.Media = slices.Clone(p.Media)
	out.LikedBy = slices.Clone(p.LikedBy)
	out.Comments = make([]*Comment, len(p.Comments))
	for i, c := range p.Comments {
		out.Comments[i] = c.Clone()
	}
	return &out
}
