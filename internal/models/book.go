package models

import (
	"time"
)

// SourceFormat 上传文件格式
type SourceFormat string

const (
	FormatPDF  SourceFormat = "pdf"
	FormatEPUB SourceFormat = "epub"
	FormatText SourceFormat = "txt"
)

// ProcessingStatus is the lifecycle state of a book's ingestion run.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusProcessed  ProcessingStatus = "processed"
	StatusFailed     ProcessingStatus = "failed"
)

// Book 图书记录
//
// SourceLocation points at the uploaded document: either a local path under
// the upload directory or an http(s) URL into object storage. RunGeneration
// is bumped on every upload/re-upload; an ingestion run carries the
// generation it started with and any write from a superseded run is
// rejected by the store.
type Book struct {
	ID              string           `gorm:"primaryKey" json:"id"`
	Title           string           `gorm:"not null;index" json:"title"`
	Author          string           `json:"author"`
	Description     string           `json:"description"`
	ISBN            string           `gorm:"index" json:"isbn"`
	Publisher       string           `json:"publisher"`
	PublicationYear int              `json:"publicationYear,omitempty"`
	Language        string           `json:"language"`
	Category        string           `gorm:"index" json:"category"`
	CoverURL        string           `json:"coverUrl,omitempty"`
	SourceFormat    SourceFormat     `gorm:"not null" json:"sourceFormat"`
	SourceLocation  string           `json:"sourceLocation,omitempty"`
	Status          ProcessingStatus `gorm:"not null;index" json:"status"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	RunGeneration   int64            `gorm:"not null;default:1" json:"-"`
	PageCount       int              `json:"pageCount"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Page 图书单页
//
// PageNumber is 1-based and contiguous within a book. Text is nullable: a
// page that defeats recognition is still recorded, with no text. ImageRef
// is the object storage key of the rendered page image; text-native pages
// have none.
type Page struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	BookID     string    `gorm:"not null;index:idx_book_page,unique,priority:1" json:"bookId"`
	PageNumber int       `gorm:"not null;index:idx_book_page,unique,priority:2" json:"pageNumber"`
	Text       *string   `json:"text"`
	ImageRef   *string   `json:"imageRef,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FormatFromExtension maps a file extension (with or without the leading
// dot) to a source format.
func FormatFromExtension(ext string) (SourceFormat, bool) {
	switch ext {
	case ".pdf", "pdf":
		return FormatPDF, true
	case ".epub", "epub":
		return FormatEPUB, true
	case ".txt", "txt":
		return FormatText, true
	default:
		return "", false
	}
}
