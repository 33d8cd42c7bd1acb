package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// PermissionLevel is a user's access level on a page.
type PermissionLevel string

const (
	PermissionOwner     PermissionLevel = "owner"
	PermissionEditor    PermissionLevel = "editor"
	PermissionCommenter PermissionLevel = "commenter"
	PermissionViewer    PermissionLevel = "viewer"
	PermissionNone      PermissionLevel = "none"
)

var permissionRank = map[PermissionLevel]int{
	PermissionNone:      0,
	PermissionViewer:    1,
	PermissionCommenter: 2,
	PermissionEditor:    3,
	PermissionOwner:     4,
}

// AtLeast reports whether the level grants at least min.
func (p PermissionLevel) AtLeast(min PermissionLevel) bool {
	return permissionRank[p] >= permissionRank[min]
}

// ParsePermissionLevel maps a wire string to a known level.
func ParsePermissionLevel(s string) (PermissionLevel, bool) {
	level := PermissionLevel(s)
	_, ok := permissionRank[level]
	return level, ok
}

// CanEdit reports whether the level allows document mutation.
// Commenters and viewers receive updates but may not produce them.
func (p PermissionLevel) CanEdit() bool {
	return p.AtLeast(PermissionEditor)
}

// PagePermission grants a user an explicit access level on a page.
// The page owner has implicit owner permission without a row here.
type PagePermission struct {
	ID        string          `json:"id" gorm:"type:char(27);primaryKey"`
	PageID    int64           `json:"page_id" gorm:"not null;index:idx_page_user,unique"`
	UserID    string          `json:"user_id" gorm:"type:varchar(64);not null;index:idx_page_user,unique"`
	Level     PermissionLevel `json:"level" gorm:"type:varchar(16);not null"`
	CreatedAt time.Time       `json:"created_at" gorm:"autoCreateTime"`

	Page *Page `json:"page,omitempty" gorm:"foreignKey:PageID;references:ID"`
}

// BeforeCreate generates KSUID
func (p *PagePermission) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (PagePermission) TableName() string {
	return "page_permissions"
}
