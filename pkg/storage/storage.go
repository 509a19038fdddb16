package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/feichai0017/book-pipeline/pkg/logger"
	"github.com/feichai0017/book-pipeline/pkg/storage/minio"
	"github.com/feichai0017/book-pipeline/pkg/storage/s3"
)

// StorageType 定义存储类型
type StorageType string

const (
	StorageTypeS3    StorageType = "s3"
	StorageTypeMinio StorageType = "minio"
)

// Storage is the object store holding uploaded sources, cover images, and
// rendered page images.
type Storage interface {
	// Store uploads the object and returns its key.
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	// Get fetches the object bytes.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes a single object.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object under the prefix. Used to drop a
	// book's rendered pages in bulk on delete or re-process.
	DeletePrefix(ctx context.Context, prefix string) error
	// URL returns a durable reference for later retrieval of the object.
	URL(key string) string
}

// NewStorage 创建存储实例的工厂方法
func NewStorage(storageType StorageType, logger logger.Logger) (Storage, error) {
	switch storageType {
	case StorageTypeS3:
		return s3.GetClient(logger)
	case StorageTypeMinio:
		return minio.GetClient(logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}
