package handlers

import (
	"github.com/feichai0017/book-pipeline/internal/ingest"
	"github.com/feichai0017/book-pipeline/pkg/logger"
)

type Handlers struct {
	Book *BookHandler
}

func NewHandlers(
	service *ingest.Service,
	logger logger.Logger,
) *Handlers {
	return &Handlers{
		Book: NewBookHandler(service, logger),
	}
}
