package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	cfg "github.com/feichai0017/book-pipeline/config"
	"github.com/feichai0017/book-pipeline/internal/models"
	"github.com/feichai0017/book-pipeline/internal/store"
)

// testConfig returns pipeline tuning with pacing stripped so tests run fast.
func testConfig(dir string) *cfg.PipelineConfig {
	return &cfg.PipelineConfig{
		RenderDPI:      150,
		MaxImageSize:   2048,
		OCRLanguage:    "eng",
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		PagePacing:     0,
		FailurePacing:  0,
		UploadDir:      dir,
		MaxFileSize:    10 * 1024 * 1024,
	}
}

// fakeStore is an in-memory store.Store with the same generation
// semantics as the real one.
type fakeStore struct {
	mu    sync.Mutex
	books map[string]*models.Book
	pages []models.Page

	beginErr error
	pageErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{books: make(map[string]*models.Book)}
}

func (f *fakeStore) CreateBook(_ context.Context, book *models.Book) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.books {
		if b.Title == book.Title || (book.ISBN != "" && b.ISBN == book.ISBN) {
			return store.ErrDuplicateBook
		}
	}
	if book.Status == "" {
		book.Status = models.StatusPending
	}
	if book.RunGeneration == 0 {
		book.RunGeneration = 1
	}
	cp := *book
	f.books[book.ID] = &cp
	return nil
}

func (f *fakeStore) GetBook(_ context.Context, id string) (*models.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeStore) ListBooks(_ context.Context, _ store.ListOptions) ([]models.Book, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Book, 0, len(f.books))
	for _, b := range f.books {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (f *fakeStore) UpdateBookMeta(_ context.Context, book *models.Book) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[book.ID]
	if !ok {
		return store.ErrNotFound
	}
	b.Title = book.Title
	b.Author = book.Author
	b.Category = book.Category
	b.CoverURL = book.CoverURL
	return nil
}

func (f *fakeStore) DeleteBook(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.books[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.books, id)
	return nil
}

func (f *fakeStore) BeginRun(_ context.Context, id string, generation int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return f.beginErr
	}
	b, ok := f.books[id]
	if !ok || b.RunGeneration != generation {
		return store.ErrStaleRun
	}
	b.Status = models.StatusProcessing
	b.ErrorMessage = ""
	return nil
}

func (f *fakeStore) FinishRun(_ context.Context, id string, generation int64, status models.ProcessingStatus, errMsg string, pageCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[id]
	if !ok || b.RunGeneration != generation {
		return store.ErrStaleRun
	}
	b.Status = status
	b.ErrorMessage = errMsg
	if status == models.StatusProcessed {
		b.PageCount = pageCount
	}
	return nil
}

func (f *fakeStore) ResetForReprocess(_ context.Context, id, sourceLocation string, format models.SourceFormat) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	f.deletePagesLocked(id)
	b.RunGeneration++
	b.Status = models.StatusPending
	b.ErrorMessage = ""
	b.SourceLocation = sourceLocation
	b.SourceFormat = format
	b.PageCount = 0
	return b.RunGeneration, nil
}

func (f *fakeStore) FailStaleProcessing(_ context.Context, message string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, b := range f.books {
		if b.Status == models.StatusProcessing {
			b.Status = models.StatusFailed
			b.ErrorMessage = message
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CreatePage(_ context.Context, generation int64, page *models.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pageErr != nil {
		return f.pageErr
	}
	b, ok := f.books[page.BookID]
	if !ok {
		return store.ErrNotFound
	}
	if b.RunGeneration != generation {
		return store.ErrStaleRun
	}
	f.pages = append(f.pages, *page)
	return nil
}

func (f *fakeStore) GetPage(_ context.Context, bookID string, pageNumber int) (*models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pages {
		if p.BookID == bookID && p.PageNumber == pageNumber {
			cp := p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListPages(_ context.Context, bookID string) ([]models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Page
	for _, p := range f.pages {
		if p.BookID == bookID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

func (f *fakeStore) DeletePages(_ context.Context, bookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletePagesLocked(bookID)
	return nil
}

func (f *fakeStore) deletePagesLocked(bookID string) {
	kept := f.pages[:0]
	for _, p := range f.pages {
		if p.BookID != bookID {
			kept = append(kept, p)
		}
	}
	f.pages = kept
}

// fakeStorage is an in-memory object store.
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) Store(_ context.Context, reader io.Reader, key string) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return key, nil
}

func (f *fakeStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStorage) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeStorage) DeletePrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			delete(f.objects, k)
		}
	}
	return nil
}

func (f *fakeStorage) URL(key string) string { return "http://storage.test/" + key }

func (f *fakeStorage) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// fakeEngine hands out workers that read the page number back out of the
// fake image bytes. failPage, when > 0, makes recognition of that page
// fail on every attempt.
type fakeEngine struct {
	mu       sync.Mutex
	acquired int
	released int
	attempts map[string]int
	failPage string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{attempts: make(map[string]int)}
}

func (e *fakeEngine) Acquire(_ context.Context, _ string) (Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acquired++
	return &fakeWorker{engine: e}, nil
}

type fakeWorker struct {
	engine *fakeEngine
}

func (w *fakeWorker) Recognize(_ context.Context, image []byte) (string, error) {
	e := w.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	id := string(image)
	e.attempts[id]++
	if id == e.failPage {
		return "", fmt.Errorf("recognition failed for %s", id)
	}
	return "text of " + id, nil
}

func (w *fakeWorker) Release() error {
	w.engine.mu.Lock()
	defer w.engine.mu.Unlock()
	w.engine.released++
	return nil
}

// fakeOpener serves fixed bytes for any location.
type fakeOpener struct {
	data []byte
	err  error
}

func (o *fakeOpener) Open(_ context.Context, _ string) ([]byte, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.data, nil
}

// imageSource is a PageSource of synthetic images named img-1..img-n.
type imageSource struct {
	count  int
	closed bool
}

func (s *imageSource) Count() int { return s.count }

func (s *imageSource) Page(_ context.Context, n int) (*PageContent, error) {
	return &PageContent{Image: []byte(fmt.Sprintf("img-%d", n))}, nil
}

func (s *imageSource) NeedsRecognition() bool { return true }

func (s *imageSource) Close() error {
	s.closed = true
	return nil
}
