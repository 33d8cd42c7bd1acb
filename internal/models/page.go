package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Page is the durable form of a collaboratively edited document.
// Content holds the encoded CRDT state; the resident replica in memory is
// the authoritative copy while the page has active sessions.
type Page struct {
	ID        int64          `json:"id" gorm:"primaryKey;autoIncrement"`
	Title     string         `json:"title" gorm:"type:text;not null"`
	OwnerID   string         `json:"owner_id" gorm:"type:varchar(64);index"`
	Content   []byte         `json:"-" gorm:"type:bytea"` // encoded CRDT state
	SavedAt   *time.Time     `json:"saved_at,omitempty"`  // last successful sync-engine save
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"` // Soft delete support
}

// DocumentID returns the stable external key clients use to address this
// page's collaboration room.
func (p *Page) DocumentID() string {
	return fmt.Sprintf("page-%d", p.ID)
}

type PageCreate struct {
	Title   string `json:"title"`
	OwnerID string `json:"owner_id"`
}
