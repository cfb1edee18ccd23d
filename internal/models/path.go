package models

import (
	"fmt"
	"strings"
)

// PathLevel tells which entity an EntityPath addresses.
type PathLevel int

const (
	LevelPost PathLevel = iota + 1
	LevelComment
	LevelReply
)

// EntityPath addresses a post, a comment of a post or a reply of a comment:
//
//	posts/{postId}
//	posts/{postId}/comments/{commentId}
//	posts/{postId}/comments/{commentId}/replies/{replyId}
type EntityPath struct {
	PostID    string
	CommentID string
	ReplyID   string
}

func PostPath(postID string) EntityPath {
	return EntityPath{PostID: postID}
}

func CommentPath(postID, commentID string) EntityPath {
	return EntityPath{PostID: postID, CommentID: commentID}
}

func ReplyPath(postID, commentID, replyID string) EntityPath {
	return EntityPath{PostID: postID, CommentID: commentID, ReplyID: replyID}
}

// Level returns the depth of the addressed entity.
func (p EntityPath) Level() PathLevel {
	switch {
	case p.ReplyID != "":
		return LevelReply
	case p.CommentID != "":
		return LevelComment
	default:
		return LevelPost
	}
}

func (p EntityPath) String() string {
	var b strings.Builder
	b.WriteString("posts/")
	b.WriteString(p.PostID)
	if p.CommentID != "" {
		b.WriteString("/comments/")
		b.WriteString(p.CommentID)
	}
	if p.ReplyID != "" {
		b.WriteString("/replies/")
		b.WriteString(p.ReplyID)
	}
	return b.String()
}

// MarshalText lets paths travel as plain strings in JSON.
func (p EntityPath) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *EntityPath) UnmarshalText(b []byte) error {
	parsed, err := ParsePath(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePath parses the textual form produced by EntityPath.String.
func ParsePath(s string) (EntityPath, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	invalid := NewValidationError(fmt.Sprintf("invalid entity path %q", s))

	if len(parts) < 2 || parts[0] != "posts" || parts[1] == "" {
		return EntityPath{}, invalid
	}
	p := EntityPath{PostID: parts[1]}

	switch len(parts) {
	case 2:
		return p, nil
	case 4:
		if parts[2] != "comments" || parts[3] == "" {
			return EntityPath{}, invalid
		}
		p.CommentID = parts[3]
		return p, nil
	case 6:
		if parts[2] != "comments" || parts[3] == "" || parts[4] != "replies" || parts[5] == "" {
			return EntityPath{}, invalid
		}
		p.CommentID = parts[3]
		p.ReplyID = parts[5]
		return p, nil
	default:
		return EntityPath{}, invalid
	}
}
