package api

import (
	"context"

	"collabsync/internal/models"
)

// PageService defines what handlers need from page storage.
// Interface declared here, at the consumer; the repository package just
// implements it.
type PageService interface {
	Create(ctx context.Context, create *models.PageCreate) (*models.Page, error)
	GetByID(ctx context.Context, pageID int64) (*models.Page, error)
}

// PermissionService defines what handlers need from access control.
type PermissionService interface {
	Grant(ctx context.Context, userID string, pageID int64, level models.PermissionLevel) error
}

// SyncEngine defines what handlers need from the collaboration registry.
type SyncEngine interface {
	Stats() (docs int, sessions int)
}
