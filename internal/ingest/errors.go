package ingest

import "errors"

// Fatal pipeline errors. Any of these aborts the whole run and marks the
// book failed; everything else is recoverable at the page level.
var (
	// ErrSourceUnavailable 无法读取上传文件
	ErrSourceUnavailable = errors.New("source document unavailable")
	// ErrUnsupportedFormat 不支持的文件格式
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrCorruptDocument 文件损坏无法解析
	ErrCorruptDocument = errors.New("corrupt document")
)

// ErrNoPageImage 该页没有落库的图片
var ErrNoPageImage = errors.New("page has no stored image")
