package repository

import (
	"context"
	"errors"
	"fmt"

	"collabsync/internal/models"

	"gorm.io/gorm"
)

// PermissionRepositoryImpl resolves a user's access level on a page.
//
// Resolution order: page owner → explicit page_permissions row → none.
// Anonymous sessions (empty user id, only possible when auth is
// disabled) get editor access, which makes an open instance behave like
// a shared scratchpad.
type PermissionRepositoryImpl struct {
	db *gorm.DB
}

// NewPermissionRepository creates a new permission repository
func NewPermissionRepository(db *gorm.DB) *PermissionRepositoryImpl {
	return &PermissionRepositoryImpl{db: db}
}

// PermissionLevel returns the user's access level on a page.
func (r *PermissionRepositoryImpl) PermissionLevel(ctx context.Context, userID string, pageID int64) (models.PermissionLevel, error) {
	if models.IsAnonymous(userID) {
		return models.PermissionEditor, nil
	}

	var page models.Page
	err := r.db.WithContext(ctx).Select("id", "owner_id").First(&page, "id = ?", pageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.PermissionNone, ErrPageNotFound
	}
	if err != nil {
		return models.PermissionNone, fmt.Errorf("failed to resolve page %d: %w", pageID, err)
	}

	if page.OwnerID == userID {
		return models.PermissionOwner, nil
	}

	var perm models.PagePermission
	err = r.db.WithContext(ctx).
		Where("page_id = ? AND user_id = ?", pageID, userID).
		First(&perm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.PermissionNone, nil
	}
	if err != nil {
		return models.PermissionNone, fmt.Errorf("failed to resolve permission: %w", err)
	}

	return perm.Level, nil
}

// HasPermission reports whether the user holds at least min on the page.
func (r *PermissionRepositoryImpl) HasPermission(ctx context.Context, userID string, pageID int64, min models.PermissionLevel) (bool, error) {
	level, err := r.PermissionLevel(ctx, userID, pageID)
	if err != nil {
		return false, err
	}
	return level.AtLeast(min), nil
}

// Grant upserts an explicit permission row for a user on a page.
func (r *PermissionRepositoryImpl) Grant(ctx context.Context, userID string, pageID int64, level models.PermissionLevel) error {
	var existing models.PagePermission
	err := r.db.WithContext(ctx).
		Where("page_id = ? AND user_id = ?", pageID, userID).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		perm := &models.PagePermission{PageID: pageID, UserID: userID, Level: level}
		if err := r.db.WithContext(ctx).Create(perm).Error; err != nil {
			return fmt.Errorf("failed to grant permission: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up permission: %w", err)
	}

	if err := r.db.WithContext(ctx).Model(&existing).Update("level", level).Error; err != nil {
		return fmt.Errorf("failed to update permission: %w", err)
	}
	return nil
}
