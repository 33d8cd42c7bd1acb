package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collabsync/internal/models"

	"gorm.io/gorm"
)

var ErrPageNotFound = errors.New("page not found")

// PageRepositoryImpl is the persistent store for page content using GORM.
// The sync engine declares the interface it needs; this type just
// implements it against Postgres.
type PageRepositoryImpl struct {
	db *gorm.DB
}

// NewPageRepository creates a new page repository
// Returns concrete type - "Accept interfaces, return structs"
func NewPageRepository(db *gorm.DB) *PageRepositoryImpl {
	return &PageRepositoryImpl{db: db}
}

// Load retrieves the stored content of a page.
func (r *PageRepositoryImpl) Load(ctx context.Context, pageID int64) ([]byte, error) {
	var page models.Page

	err := r.db.WithContext(ctx).Select("id", "content").First(&page, "id = ?", pageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load page %d: %w", pageID, err)
	}

	return page.Content, nil
}

// Save commits the encoded document state for a page.
func (r *PageRepositoryImpl) Save(ctx context.Context, pageID int64, content []byte) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.Page{}).
		Where("id = ?", pageID).
		Updates(map[string]interface{}{
			"content":  content,
			"saved_at": &now,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to save page %d: %w", pageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPageNotFound
	}

	return nil
}

// Create inserts a new page.
func (r *PageRepositoryImpl) Create(ctx context.Context, create *models.PageCreate) (*models.Page, error) {
	page := &models.Page{
		Title:   create.Title,
		OwnerID: create.OwnerID,
	}

	if err := r.db.WithContext(ctx).Create(page).Error; err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	return page, nil
}

// GetByID retrieves a page by id. Soft-deleted pages are excluded.
func (r *PageRepositoryImpl) GetByID(ctx context.Context, pageID int64) (*models.Page, error) {
	var page models.Page

	err := r.db.WithContext(ctx).First(&page, "id = ?", pageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page %d: %w", pageID, err)
	}

	return &page, nil
}
