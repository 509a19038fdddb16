package handlers

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/book-pipeline/internal/ingest"
	"github.com/feichai0017/book-pipeline/internal/models"
	"github.com/feichai0017/book-pipeline/internal/store"
	"github.com/feichai0017/book-pipeline/pkg/logger"
)

type BookHandler struct {
	service *ingest.Service
	logger  logger.Logger
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewBookHandler(service *ingest.Service, logger logger.Logger) *BookHandler {
	return &BookHandler{
		service: service,
		logger:  logger,
	}
}

// bookMetaForm carries the metadata fields of a multipart upload.
type bookMetaForm struct {
	Title           string `form:"title" json:"title" binding:"required"`
	Author          string `form:"author" json:"author"`
	Description     string `form:"description" json:"description"`
	ISBN            string `form:"isbn" json:"isbn"`
	Publisher       string `form:"publisher" json:"publisher"`
	PublicationYear int    `form:"publicationYear" json:"publicationYear"`
	Language        string `form:"language" json:"language"`
	Category        string `form:"category" json:"category"`
}

// UploadBook 上传并开始处理一本书
func (h *BookHandler) UploadBook(c *gin.Context) {
	var meta bookMetaForm
	if err := c.ShouldBind(&meta); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid book metadata", err)
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid file upload", err)
		return
	}
	defer file.Close()

	book := &models.Book{
		Title:           meta.Title,
		Author:          meta.Author,
		Description:     meta.Description,
		ISBN:            meta.ISBN,
		Publisher:       meta.Publisher,
		PublicationYear: meta.PublicationYear,
		Language:        meta.Language,
		Category:        meta.Category,
	}

	if err := h.service.CreateBook(c.Request.Context(), book, file, header.Filename); err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnsupportedFormat):
			h.handleError(c, http.StatusBadRequest, "Unsupported file format", err)
		case errors.Is(err, store.ErrDuplicateBook):
			h.handleError(c, http.StatusConflict, "Book already exists", err)
		default:
			h.handleError(c, http.StatusInternalServerError, "Failed to create book", err)
		}
		return
	}

	if cover, coverHeader, err := c.Request.FormFile("cover"); err == nil {
		defer cover.Close()
		if _, err := h.service.SaveCover(c.Request.Context(), book.ID, cover, coverHeader.Filename); err != nil {
			h.logger.Warn("Failed to save cover", logger.String("book_id", book.ID), logger.Error(err))
		}
	}

	h.service.StartIngestion(book)

	c.JSON(http.StatusAccepted, book)
}

// UploadBatch 批量上传
func (h *BookHandler) UploadBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid form data", err)
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		h.handleError(c, http.StatusBadRequest, "No files provided", nil)
		return
	}

	inputs := make([]ingest.BatchInput, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			h.handleError(c, http.StatusBadRequest, "Unreadable file in batch", err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			h.handleError(c, http.StatusBadRequest, "Unreadable file in batch", err)
			return
		}
		inputs = append(inputs, ingest.BatchInput{
			Book:     &models.Book{Title: titleFromFilename(fh.Filename)},
			Data:     data,
			Filename: fh.Filename,
		})
	}

	results := h.service.CreateBatch(c.Request.Context(), inputs)
	c.JSON(http.StatusAccepted, gin.H{"results": results})
}

// GetBook 获取图书详情
func (h *BookHandler) GetBook(c *gin.Context) {
	book, err := h.service.GetBook(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Book not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to get book", err)
		return
	}
	c.JSON(http.StatusOK, book)
}

// ListBooks 分页列出图书
func (h *BookHandler) ListBooks(c *gin.Context) {
	opts := store.ListOptions{
		Page:     queryInt(c, "page", 1),
		Limit:    queryInt(c, "limit", 20),
		Search:   c.Query("search"),
		Category: c.Query("category"),
	}

	books, total, err := h.service.ListBooks(c.Request.Context(), opts)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to list books", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"books": books,
		"total": total,
		"page":  opts.Page,
		"limit": opts.Limit,
	})
}

// UpdateBook 更新图书元数据
func (h *BookHandler) UpdateBook(c *gin.Context) {
	book, err := h.service.GetBook(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Book not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to get book", err)
		return
	}

	var meta bookMetaForm
	if err := c.ShouldBindJSON(&meta); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid book metadata", err)
		return
	}

	book.Title = meta.Title
	book.Author = meta.Author
	book.Description = meta.Description
	book.ISBN = meta.ISBN
	book.Publisher = meta.Publisher
	book.PublicationYear = meta.PublicationYear
	book.Language = meta.Language
	book.Category = meta.Category

	if err := h.service.UpdateBookMeta(c.Request.Context(), book); err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to update book", err)
		return
	}
	c.JSON(http.StatusOK, book)
}

// DeleteBook 删除图书及其页面
func (h *BookHandler) DeleteBook(c *gin.Context) {
	if err := h.service.DeleteBook(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Book not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to delete book", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Book deleted successfully"})
}

// ListPages 按页码顺序返回图书页面
func (h *BookHandler) ListPages(c *gin.Context) {
	pages, err := h.service.ListPages(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Book not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to list pages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pages": pages, "count": len(pages)})
}

// GetPageImage 返回单页的渲染图片
func (h *BookHandler) GetPageImage(c *gin.Context) {
	pageNumber, err := strconv.Atoi(c.Param("page"))
	if err != nil || pageNumber < 1 {
		h.handleError(c, http.StatusBadRequest, "Invalid page number", err)
		return
	}

	image, err := h.service.PageImage(c.Request.Context(), c.Param("id"), pageNumber)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.handleError(c, http.StatusNotFound, "Page not found", err)
		case errors.Is(err, ingest.ErrNoPageImage):
			h.handleError(c, http.StatusNotFound, "Page has no image", err)
		default:
			h.handleError(c, http.StatusInternalServerError, "Failed to get page image", err)
		}
		return
	}
	defer image.Close()

	c.Header("Content-Type", "image/png")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, image); err != nil {
		h.logger.Warn("Failed to stream page image", logger.Error(err))
	}
}

// GetStatus 查询处理状态
func (h *BookHandler) GetStatus(c *gin.Context) {
	status, err := h.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Book not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to get status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ReplaceSource 重新上传文档并重新处理
func (h *BookHandler) ReplaceSource(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid file upload", err)
		return
	}
	defer file.Close()

	book, err := h.service.ReplaceSource(c.Request.Context(), c.Param("id"), file, header.Filename)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.handleError(c, http.StatusNotFound, "Book not found", err)
		case errors.Is(err, ingest.ErrUnsupportedFormat):
			h.handleError(c, http.StatusBadRequest, "Unsupported file format", err)
		default:
			h.handleError(c, http.StatusInternalServerError, "Failed to replace source", err)
		}
		return
	}
	c.JSON(http.StatusAccepted, book)
}

// UploadCover 上传封面
func (h *BookHandler) UploadCover(c *gin.Context) {
	file, header, err := c.Request.FormFile("cover")
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid cover upload", err)
		return
	}
	defer file.Close()

	url, err := h.service.SaveCover(c.Request.Context(), c.Param("id"), file, header.Filename)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleError(c, http.StatusNotFound, "Book not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to save cover", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"coverUrl": url})
}

// handleError 统一错误处理
func (h *BookHandler) handleError(c *gin.Context, status int, message string, err error) {
	h.logger.Error(message,
		logger.String("path", c.Request.URL.Path),
		logger.Error(err),
	)

	response := ErrorResponse{
		Message: message,
	}
	if err != nil {
		response.Error = err.Error()
	}

	c.JSON(status, response)
}

// titleFromFilename derives a placeholder title for batch uploads that
// carry no metadata.
func titleFromFilename(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 1 {
		return fallback
	}
	return v
}
