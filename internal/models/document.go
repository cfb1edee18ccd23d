package models

import "time"

// PostDocument is the relational row holding one post aggregate. The JSON
// body carries the post and its subtree; Version is kept in its own column
// so compare-and-swap can be expressed as a conditional UPDATE.
type PostDocument struct {
	ID        string    `gorm:"primaryKey;size:64"`
	AuthorID  string    `gorm:"size:128;index;not null"`
	CreatedAt time.Time `gorm:"index;not null"`
	Version   uint64    `gorm:"not null"`
	Body      []byte    `gorm:"not null"`
}

// TableName pins the table name used by every SQL backend.
func (PostDocument) TableName() string {
	return "post_documents"
}
