package models

import (
	"encoding/json"
	"time"
)

// ChangeKind names the mutation that produced a change record.
type ChangeKind string

const (
	ChangePostCreated  ChangeKind = "post_created"
	ChangePostEdited   ChangeKind = "post_edited"
	ChangePostDeleted  ChangeKind = "post_deleted"
	ChangePostExpired  ChangeKind = "post_expired"
	ChangePostLiked    ChangeKind = "post_liked"
	ChangeCommentAdded ChangeKind = "comment_added"
	ChangeCommentLiked ChangeKind = "comment_liked"
	ChangeReplyAdded   ChangeKind = "reply_added"
	ChangeReplyLiked   ChangeKind = "reply_liked"
)

// ChangeRecord describes one committed mutation.
//
// Version is the new version of the entity at Path; AggregateVersion is the
// version of the enclosing post document after the commit, which totally
// orders records of one post. Value is the JSON encoding of the new entity
// and is empty when Tombstone is set.
type ChangeRecord struct {
	Seq              uint64          `json:"seq"`
	Path             EntityPath      `json:"path"`
	Version          uint64          `json:"version"`
	AggregateVersion uint64          `json:"aggregate_version"`
	Kind             ChangeKind      `json:"kind"`
	Actor            string          `json:"actor,omitempty"`
	Value            json.RawMessage `json:"value,omitempty"`
	Tombstone        bool            `json:"tombstone,omitempty"`
	CommittedAt      time.Time       `json:"committed_at"`
	Origin           string          `json:"origin,omitempty"`
}

// PostID is a shorthand for rec.Path.PostID.
func (r ChangeRecord) PostID() string {
	return r.Path.PostID
}
