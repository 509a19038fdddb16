package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	cfg "github.com/feichai0017/book-pipeline/config"
	"github.com/feichai0017/book-pipeline/internal/models"
	"github.com/feichai0017/book-pipeline/internal/store"
	"github.com/feichai0017/book-pipeline/pkg/logger"
	"github.com/feichai0017/book-pipeline/pkg/statuscache"
	"github.com/feichai0017/book-pipeline/pkg/storage"
)

// batchConcurrency caps how many batch uploads are accepted in parallel.
// Ingestion itself stays one goroutine per book.
const batchConcurrency = 4

// Service is the application-facing API over books: CRUD, uploads, and
// dispatch of ingestion runs. Runs are fire-and-forget goroutines; Wait
// blocks until in-flight runs drain, for graceful shutdown.
type Service struct {
	store    store.Store
	storage  storage.Storage
	cache    *statuscache.Cache
	pipeline *Pipeline
	config   *cfg.PipelineConfig
	logger   logger.Logger

	wg sync.WaitGroup
}

func NewService(
	st store.Store,
	objects storage.Storage,
	cache *statuscache.Cache,
	pipeline *Pipeline,
	pipelineCfg *cfg.PipelineConfig,
	log logger.Logger,
) *Service {
	return &Service{
		store:    st,
		storage:  objects,
		cache:    cache,
		pipeline: pipeline,
		config:   pipelineCfg,
		logger:   log.Named("service"),
	}
}

// CreateBook validates the upload, stashes the source file under the
// upload directory, and records the book as pending. Ingestion is not
// started here; callers dispatch it explicitly so the HTTP response can
// go out first.
func (s *Service) CreateBook(ctx context.Context, book *models.Book, source io.Reader, filename string) error {
	format, ok := models.FormatFromExtension(strings.ToLower(filepath.Ext(filename)))
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}

	if book.ID == "" {
		book.ID = uuid.New().String()
	}
	book.SourceFormat = format
	book.Status = models.StatusPending
	book.ErrorMessage = ""

	location, err := s.saveSource(book.ID, format, source)
	if err != nil {
		return err
	}
	book.SourceLocation = location

	if err := s.store.CreateBook(ctx, book); err != nil {
		os.Remove(location)
		return err
	}
	return nil
}

// BatchInput is one book in a batch upload.
type BatchInput struct {
	Book     *models.Book
	Data     []byte
	Filename string
}

// BatchResult reports the outcome for one batch item, in input order.
type BatchResult struct {
	BookID string `json:"bookId,omitempty"`
	Title  string `json:"title"`
	Error  string `json:"error,omitempty"`
}

// CreateBatch creates several books concurrently and dispatches ingestion
// for each success. Failures are per-item; one bad file does not reject
// the batch.
func (s *Service) CreateBatch(ctx context.Context, inputs []BatchInput) []BatchResult {
	results := make([]BatchResult, len(inputs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, in := range inputs {
		g.Go(func() error {
			results[i].Title = in.Book.Title
			if err := s.CreateBook(ctx, in.Book, bytes.NewReader(in.Data), in.Filename); err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].BookID = in.Book.ID
			s.StartIngestion(in.Book)
			return nil
		})
	}
	g.Wait()
	return results
}

// ReplaceSource swaps in a newly uploaded document for an existing book
// and starts a fresh run. Pages from the previous run are dropped and any
// run still executing under the old generation is invalidated.
func (s *Service) ReplaceSource(ctx context.Context, bookID string, source io.Reader, filename string) (*models.Book, error) {
	format, ok := models.FormatFromExtension(strings.ToLower(filepath.Ext(filename)))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}

	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	oldLocation := book.SourceLocation

	location, err := s.saveSource(bookID, format, source)
	if err != nil {
		return nil, err
	}

	generation, err := s.store.ResetForReprocess(ctx, bookID, location, format)
	if err != nil {
		os.Remove(location)
		return nil, err
	}

	s.invalidateStatus(ctx, bookID)
	s.removeLocalSource(oldLocation)

	book, err = s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}

	s.dispatch(book, generation)
	return book, nil
}

// SaveCover uploads a cover image and records its URL on the book. A
// previous cover stored under a different extension is removed so the
// bucket does not accumulate stale covers.
func (s *Service) SaveCover(ctx context.Context, bookID string, cover io.Reader, filename string) (string, error) {
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("books/%s/cover%s", bookID, strings.ToLower(filepath.Ext(filename)))
	if _, err := s.storage.Store(ctx, cover, key); err != nil {
		return "", fmt.Errorf("failed to store cover: %w", err)
	}

	if book.CoverURL != "" {
		oldKey := fmt.Sprintf("books/%s/cover%s", bookID, strings.ToLower(filepath.Ext(book.CoverURL)))
		if oldKey != key {
			if err := s.storage.Delete(ctx, oldKey); err != nil {
				s.logger.Warn("Failed to delete previous cover",
					logger.String("key", oldKey),
					logger.Error(err),
				)
			}
		}
	}

	book.CoverURL = s.storage.URL(key)
	if err := s.store.UpdateBookMeta(ctx, book); err != nil {
		return "", err
	}
	return book.CoverURL, nil
}

// PageImage streams the stored raster image for one page. Text-native
// pages carry no image and return ErrNoPageImage.
func (s *Service) PageImage(ctx context.Context, bookID string, pageNumber int) (io.ReadCloser, error) {
	page, err := s.store.GetPage(ctx, bookID, pageNumber)
	if err != nil {
		return nil, err
	}
	if page.ImageRef == nil || *page.ImageRef == "" {
		return nil, ErrNoPageImage
	}
	return s.storage.Get(ctx, *page.ImageRef)
}

// StartIngestion dispatches a run for the book's current generation.
func (s *Service) StartIngestion(book *models.Book) {
	s.dispatch(book, book.RunGeneration)
}

// dispatch launches the run goroutine. The run is detached from any HTTP
// request context; it owns its own lifetime and drives the book to a
// terminal status on its own.
func (s *Service) dispatch(book *models.Book, generation int64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		s.pipeline.Run(ctx, book, generation)
		s.cleanupAfterRun(ctx, book.ID, generation, book.SourceLocation)
	}()
}

// cleanupAfterRun removes the transient local source file once the run it
// belonged to is over, but only if no newer upload has replaced it.
func (s *Service) cleanupAfterRun(ctx context.Context, bookID string, generation int64, location string) {
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil || book.RunGeneration != generation {
		return
	}
	s.removeLocalSource(location)
}

func (s *Service) removeLocalSource(location string) {
	if location == "" || strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return
	}
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove source file",
			logger.String("path", location),
			logger.Error(err),
		)
	}
}

func (s *Service) GetBook(ctx context.Context, id string) (*models.Book, error) {
	return s.store.GetBook(ctx, id)
}

func (s *Service) ListBooks(ctx context.Context, opts store.ListOptions) ([]models.Book, int64, error) {
	return s.store.ListBooks(ctx, opts)
}

func (s *Service) UpdateBookMeta(ctx context.Context, book *models.Book) error {
	return s.store.UpdateBookMeta(ctx, book)
}

func (s *Service) ListPages(ctx context.Context, bookID string) ([]models.Page, error) {
	if _, err := s.store.GetBook(ctx, bookID); err != nil {
		return nil, err
	}
	return s.store.ListPages(ctx, bookID)
}

// GetStatus answers a status poll, preferring the cache for finished
// books and falling back to the database row.
func (s *Service) GetStatus(ctx context.Context, bookID string) (*statuscache.RunStatus, error) {
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, bookID); err == nil {
			return cached, nil
		} else if !errors.Is(err, statuscache.ErrMiss) {
			s.logger.Warn("Status cache unavailable, reading database",
				logger.String("book_id", bookID),
				logger.Error(err),
			)
		}
	}

	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	return &statuscache.RunStatus{
		BookID:     book.ID,
		Status:     string(book.Status),
		Error:      book.ErrorMessage,
		PageCount:  book.PageCount,
		FinishedAt: book.UpdatedAt,
	}, nil
}

// DeleteBook removes the book row, its pages, its objects in storage, its
// cached status, and any leftover local source file.
func (s *Service) DeleteBook(ctx context.Context, bookID string) error {
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return err
	}

	if err := s.store.DeletePages(ctx, bookID); err != nil {
		return err
	}
	if err := s.store.DeleteBook(ctx, bookID); err != nil {
		return err
	}

	if err := s.storage.DeletePrefix(ctx, fmt.Sprintf("books/%s/", bookID)); err != nil {
		s.logger.Warn("Failed to delete book objects",
			logger.String("book_id", bookID),
			logger.Error(err),
		)
	}
	s.invalidateStatus(ctx, bookID)
	s.removeLocalSource(book.SourceLocation)
	return nil
}

func (s *Service) invalidateStatus(ctx context.Context, bookID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, bookID); err != nil {
		s.logger.Warn("Failed to invalidate cached status",
			logger.String("book_id", bookID),
			logger.Error(err),
		)
	}
}

// SweepStale marks books left in processing by an earlier crash as
// failed. Called once at startup, before the API starts accepting work.
func (s *Service) SweepStale(ctx context.Context) error {
	n, err := s.store.FailStaleProcessing(ctx, "ingestion interrupted by restart")
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warn("Swept books stranded in processing", logger.Int64("count", n))
	}
	return nil
}

// Wait blocks until all dispatched runs finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// WaitTimeout waits for runs to drain, giving up after d.
func (s *Service) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// saveSource writes the uploaded document under the upload directory.
// The name carries a random suffix so a re-upload never lands on the path
// a still-running ingestion may be reading.
func (s *Service) saveSource(bookID string, format models.SourceFormat, source io.Reader) (string, error) {
	if err := os.MkdirAll(s.config.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}

	location := filepath.Join(s.config.UploadDir, fmt.Sprintf("%s-%s.%s", bookID, uuid.NewString()[:8], format))
	f, err := os.Create(location)
	if err != nil {
		return "", fmt.Errorf("failed to create source file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, io.LimitReader(source, s.config.MaxFileSize+1)); err != nil {
		os.Remove(location)
		return "", fmt.Errorf("failed to write source file: %w", err)
	}

	info, err := f.Stat()
	if err == nil && info.Size() > s.config.MaxFileSize {
		os.Remove(location)
		return "", fmt.Errorf("source file exceeds %d bytes", s.config.MaxFileSize)
	}
	return location, nil
}
