package store

import (
	"context"
	"errors"

	"github.com/feichai0017/book-pipeline/internal/models"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrStaleRun means a write carried a run generation that a newer
	// upload has already superseded.
	ErrStaleRun = errors.New("stale ingestion run")
	// ErrDuplicateBook 标题或 ISBN 已存在
	ErrDuplicateBook = errors.New("book with same title or ISBN already exists")
)

// ListOptions 分页与过滤
type ListOptions struct {
	Page     int
	Limit    int
	Search   string
	Category string
}

// Store defines persistence operations for books and their pages.
//
// Every mutation issued by an ingestion run (BeginRun, CreatePage,
// FinishRun) is predicated on the run generation the caller started with;
// a mismatch returns ErrStaleRun and the caller is expected to stop
// quietly.
type Store interface {
	CreateBook(ctx context.Context, book *models.Book) error
	GetBook(ctx context.Context, id string) (*models.Book, error)
	ListBooks(ctx context.Context, opts ListOptions) ([]models.Book, int64, error)
	UpdateBookMeta(ctx context.Context, book *models.Book) error
	DeleteBook(ctx context.Context, id string) error

	// BeginRun moves the book into processing for the given generation.
	BeginRun(ctx context.Context, id string, generation int64) error
	// FinishRun records the terminal state of a run. errMsg must be empty
	// unless status is failed.
	FinishRun(ctx context.Context, id string, generation int64, status models.ProcessingStatus, errMsg string, pageCount int) error
	// ResetForReprocess deletes the book's pages, clears any error, resets
	// the status to pending, swaps the source, and returns the new run
	// generation.
	ResetForReprocess(ctx context.Context, id, sourceLocation string, format models.SourceFormat) (int64, error)
	// FailStaleProcessing marks books stranded in processing (e.g. by a
	// crash) as failed. Returns the number of books swept.
	FailStaleProcessing(ctx context.Context, message string) (int64, error)

	CreatePage(ctx context.Context, generation int64, page *models.Page) error
	GetPage(ctx context.Context, bookID string, pageNumber int) (*models.Page, error)
	ListPages(ctx context.Context, bookID string) ([]models.Page, error)
	DeletePages(ctx context.Context, bookID string) error
}
