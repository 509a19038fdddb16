package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/feichai0017/book-pipeline/api/handlers"
	"github.com/feichai0017/book-pipeline/api/routes"
	cfg "github.com/feichai0017/book-pipeline/config"
	"github.com/feichai0017/book-pipeline/internal/ingest"
	"github.com/feichai0017/book-pipeline/internal/store"
	"github.com/feichai0017/book-pipeline/pkg/logger"
)

// memStorage keeps objects in a map; enough for handler tests.
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStorage) Store(_ context.Context, reader io.Reader, key string) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return key, nil
}

func (m *memStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStorage) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}

func (m *memStorage) URL(key string) string { return "http://storage.test/" + key }

var testDBSeq atomic.Int64

// stubEngine must never be reached by text-native uploads.
type stubEngine struct{}

func (stubEngine) Acquire(context.Context, string) (ingest.Worker, error) {
	return nil, fmt.Errorf("no recognition engine in this test")
}

type localOpener struct{}

func (localOpener) Open(_ context.Context, location string) ([]byte, error) {
	return os.ReadFile(location)
}

func newTestRouter(t *testing.T) (*gin.Engine, *ingest.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:handlertest%d?mode=memory&cache=shared&_busy_timeout=5000", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	bookStore, err := store.NewGormStore(db, logger.NewTestLogger())
	require.NoError(t, err)

	config := &cfg.PipelineConfig{
		OCRLanguage:   "eng",
		RetryAttempts: 1,
		UploadDir:     t.TempDir(),
		MaxFileSize:   1024 * 1024,
	}
	objects := &memStorage{objects: make(map[string][]byte)}
	log := logger.NewTestLogger()
	pipeline := ingest.NewPipeline(bookStore, objects, nil, localOpener{}, stubEngine{}, ingest.NopRefiner{}, config, log)
	service := ingest.NewService(bookStore, objects, nil, pipeline, config, log)

	r := gin.New()
	routes.SetupRoutes(r, handlers.NewHandlers(service, log))
	return r, service
}

func newUploadRequest(t *testing.T, url string, fields map[string]string, fileField, filename string, contents []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := w.CreateFormFile(fileField, filename)
		require.NoError(t, err)
		_, err = fw.Write(contents)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func uploadBook(t *testing.T, r *gin.Engine, title string, contents []byte) string {
	t.Helper()
	w := httptest.NewRecorder()
	req := newUploadRequest(t, "/api/v1/books", map[string]string{"title": title}, "file", "book.txt", contents)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var book struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &book))
	require.NotEmpty(t, book.ID)
	return book.ID
}

func TestUploadBookAccepted(t *testing.T) {
	r, service := newTestRouter(t)

	id := uploadBook(t, r, "Walden", []byte("pond\n\nwoods"))
	service.Wait()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/books/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"processed"`)
	assert.Contains(t, w.Body.String(), `"pageCount":2`)
}

func TestUploadBookMissingTitle(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := newUploadRequest(t, "/api/v1/books", nil, "file", "book.txt", []byte("text"))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadBookMissingFile(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := newUploadRequest(t, "/api/v1/books", map[string]string{"title": "Walden"}, "", "", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadBookUnsupportedFormat(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := newUploadRequest(t, "/api/v1/books", map[string]string{"title": "Walden"}, "file", "book.mobi", []byte("x"))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadBookDuplicateTitle(t *testing.T) {
	r, service := newTestRouter(t)

	uploadBook(t, r, "Walden", []byte("text"))
	service.Wait()

	w := httptest.NewRecorder()
	req := newUploadRequest(t, "/api/v1/books", map[string]string{"title": "Walden"}, "file", "book.txt", []byte("text"))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetBookNotFound(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/books/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListBooks(t *testing.T) {
	r, service := newTestRouter(t)

	uploadBook(t, r, "Walden", []byte("text"))
	uploadBook(t, r, "Moby Dick", []byte("text two"))
	service.Wait()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/books?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Total)
}

func TestListPages(t *testing.T) {
	r, service := newTestRouter(t)

	id := uploadBook(t, r, "Walden", []byte("one\n\ntwo\n\nthree"))
	service.Wait()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/books/"+id+"/pages", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
		Pages []struct {
			PageNumber int     `json:"pageNumber"`
			Text       *string `json:"text"`
		} `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Count)
	assert.Equal(t, 1, resp.Pages[0].PageNumber)
	require.NotNil(t, resp.Pages[0].Text)
	assert.Equal(t, "one", *resp.Pages[0].Text)
}

func TestGetPageImage(t *testing.T) {
	r, service := newTestRouter(t)

	id := uploadBook(t, r, "Walden", []byte("one\n\ntwo"))
	service.Wait()

	// text-native pages carry no rendered image
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/books/"+id+"/pages/1/image", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Page has no image")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/books/"+id+"/pages/99/image", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/books/"+id+"/pages/zero/image", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetStatus(t *testing.T) {
	r, service := newTestRouter(t)

	id := uploadBook(t, r, "Walden", []byte("text"))
	service.Wait()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/books/"+id+"/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"processed"`)
}

func TestDeleteBook(t *testing.T) {
	r, service := newTestRouter(t)

	id := uploadBook(t, r, "Walden", []byte("text"))
	service.Wait()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/books/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/books/"+id, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReplaceSourceReprocesses(t *testing.T) {
	r, service := newTestRouter(t)

	id := uploadBook(t, r, "Walden", []byte("old"))
	service.Wait()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "walden-v2.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("new\n\ntext"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPut, "/api/v1/books/"+id+"/source", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	service.Wait()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/books/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pageCount":2`)
}

func TestUpdateBookMeta(t *testing.T) {
	r, service := newTestRouter(t)

	id := uploadBook(t, r, "Walden", []byte("text"))
	service.Wait()

	payload := `{"title":"Walden; or, Life in the Woods","author":"Thoreau"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/books/"+id, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"author":"Thoreau"`)
}

func TestUploadBatch(t *testing.T) {
	r, service := newTestRouter(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range []string{"first.txt", "second.txt"} {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte("contents of " + name))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/books/batch", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	service.Wait()

	var resp struct {
		Results []struct {
			BookID string `json:"bookId"`
			Error  string `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	for _, res := range resp.Results {
		assert.NotEmpty(t, res.BookID)
		assert.Empty(t, res.Error)
	}
}
