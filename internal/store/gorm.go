package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/feichai0017/book-pipeline/internal/models"
	"github.com/feichai0017/book-pipeline/pkg/logger"
)

// GormStore 基于 GORM 的持久化实现
type GormStore struct {
	db     *gorm.DB
	logger logger.Logger
}

func NewGormStore(db *gorm.DB, log logger.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&models.Book{}, &models.Page{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &GormStore{db: db, logger: log}, nil
}

func (s *GormStore) CreateBook(ctx context.Context, book *models.Book) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		q := tx.Model(&models.Book{}).Where("title = ?", book.Title)
		if book.ISBN != "" {
			q = q.Or("isbn = ?", book.ISBN)
		}
		if err := q.Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check for duplicates: %w", err)
		}
		if count > 0 {
			return ErrDuplicateBook
		}
		if book.Status == "" {
			book.Status = models.StatusPending
		}
		if book.RunGeneration == 0 {
			book.RunGeneration = 1
		}
		return tx.Create(book).Error
	})
}

func (s *GormStore) GetBook(ctx context.Context, id string) (*models.Book, error) {
	var book models.Book
	err := s.db.WithContext(ctx).First(&book, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &book, nil
}

func (s *GormStore) ListBooks(ctx context.Context, opts ListOptions) ([]models.Book, int64, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit < 1 {
		opts.Limit = 10
	}

	q := s.db.WithContext(ctx).Model(&models.Book{})
	if opts.Search != "" {
		like := "%" + opts.Search + "%"
		q = q.Where("title LIKE ? OR author LIKE ? OR description LIKE ?", like, like, like)
	}
	if opts.Category != "" {
		q = q.Where("category = ?", opts.Category)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var books []models.Book
	err := q.Order("created_at DESC").
		Offset((opts.Page - 1) * opts.Limit).
		Limit(opts.Limit).
		Find(&books).Error
	if err != nil {
		return nil, 0, err
	}
	return books, total, nil
}

func (s *GormStore) UpdateBookMeta(ctx context.Context, book *models.Book) error {
	res := s.db.WithContext(ctx).Model(&models.Book{}).
		Where("id = ?", book.ID).
		Updates(map[string]interface{}{
			"title":            book.Title,
			"author":           book.Author,
			"description":      book.Description,
			"isbn":             book.ISBN,
			"publisher":        book.Publisher,
			"publication_year": book.PublicationYear,
			"language":         book.Language,
			"category":         book.Category,
			"cover_url":        book.CoverURL,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteBook(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("book_id = ?", id).Delete(&models.Page{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.Book{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// BeginRun transitions pending -> processing, guarded by generation.
func (s *GormStore) BeginRun(ctx context.Context, id string, generation int64) error {
	res := s.db.WithContext(ctx).Model(&models.Book{}).
		Where("id = ? AND run_generation = ?", id, generation).
		Updates(map[string]interface{}{
			"status":        models.StatusProcessing,
			"error_message": "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleRun
	}
	return nil
}

func (s *GormStore) FinishRun(ctx context.Context, id string, generation int64, status models.ProcessingStatus, errMsg string, pageCount int) error {
	if status != models.StatusProcessed && status != models.StatusFailed {
		return fmt.Errorf("non-terminal status %q", status)
	}
	updates := map[string]interface{}{
		"status":        status,
		"error_message": errMsg,
	}
	if status == models.StatusProcessed {
		updates["page_count"] = pageCount
	}
	res := s.db.WithContext(ctx).Model(&models.Book{}).
		Where("id = ? AND run_generation = ?", id, generation).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleRun
	}
	return nil
}

func (s *GormStore) ResetForReprocess(ctx context.Context, id, sourceLocation string, format models.SourceFormat) (int64, error) {
	var newGen int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Bump the generation before touching pages. Holding the book's
		// row lock from here on means an in-flight run's page insert
		// either commits before the delete below or fails its guard.
		res := tx.Model(&models.Book{}).Where("id = ?", id).
			UpdateColumn("run_generation", gorm.Expr("run_generation + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		var book models.Book
		if err := tx.Select("run_generation").First(&book, "id = ?", id).Error; err != nil {
			return err
		}
		newGen = book.RunGeneration
		if err := tx.Where("book_id = ?", id).Delete(&models.Page{}).Error; err != nil {
			return fmt.Errorf("failed to delete pages: %w", err)
		}
		return tx.Model(&models.Book{}).Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":          models.StatusPending,
				"error_message":   "",
				"source_location": sourceLocation,
				"source_format":   format,
				"page_count":      0,
			}).Error
	})
	if err != nil {
		return 0, err
	}
	return newGen, nil
}

func (s *GormStore) FailStaleProcessing(ctx context.Context, message string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Book{}).
		Where("status = ?", models.StatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.StatusFailed,
			"error_message": message,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Warn("Swept stranded processing books",
			logger.Int64("count", res.RowsAffected),
		)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) CreatePage(ctx context.Context, generation int64, page *models.Page) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Generation-guarded no-op update. It takes the book's row lock,
		// so a concurrent reset cannot commit between this check and the
		// insert below, and re-evaluates the guard against the latest
		// committed row once the lock is held.
		res := tx.Model(&models.Book{}).
			Where("id = ? AND run_generation = ?", page.BookID, generation).
			UpdateColumn("run_generation", gorm.Expr("run_generation"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Book{}).Where("id = ?", page.BookID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrStaleRun
		}
		return tx.Create(page).Error
	})
}

func (s *GormStore) GetPage(ctx context.Context, bookID string, pageNumber int) (*models.Page, error) {
	var page models.Page
	err := s.db.WithContext(ctx).
		Where("book_id = ? AND page_number = ?", bookID, pageNumber).
		First(&page).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &page, nil
}

func (s *GormStore) ListPages(ctx context.Context, bookID string) ([]models.Page, error) {
	var pages []models.Page
	err := s.db.WithContext(ctx).
		Where("book_id = ?", bookID).
		Order("page_number ASC").
		Find(&pages).Error
	if err != nil {
		return nil, err
	}
	return pages, nil
}

func (s *GormStore) DeletePages(ctx context.Context, bookID string) error {
	return s.db.WithContext(ctx).Where("book_id = ?", bookID).Delete(&models.Page{}).Error
}
