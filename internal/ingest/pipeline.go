package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	cfg "github.com/feichai0017/book-pipeline/config"
	"github.com/feichai0017/book-pipeline/internal/models"
	"github.com/feichai0017/book-pipeline/internal/store"
	"github.com/feichai0017/book-pipeline/pkg/logger"
	"github.com/feichai0017/book-pipeline/pkg/statuscache"
	"github.com/feichai0017/book-pipeline/pkg/storage"
)

// Pipeline drives a single book through open, page extraction,
// recognition, refinement, and persistence. One Pipeline is shared by all
// runs; all per-run state lives on the stack of Run.
type Pipeline struct {
	store   store.Store
	storage storage.Storage
	cache   *statuscache.Cache
	opener  Opener
	engine  Engine
	refiner Refiner
	config  *cfg.PipelineConfig
	logger  logger.Logger

	// openSource is swappable in tests
	openSource func(data []byte, format models.SourceFormat, opts RenderOptions) (PageSource, error)
}

func NewPipeline(
	st store.Store,
	objects storage.Storage,
	cache *statuscache.Cache,
	opener Opener,
	engine Engine,
	refiner Refiner,
	pipelineCfg *cfg.PipelineConfig,
	log logger.Logger,
) *Pipeline {
	return &Pipeline{
		store:   st,
		storage: objects,
		cache:   cache,
		opener:  opener,
		engine:  engine,
		refiner: refiner,
		config:  pipelineCfg,
		logger:  log.Named("pipeline"),

		openSource: OpenSource,
	}
}

// Run executes one ingestion run for the book under the given run
// generation. It always drives the book to a terminal status, except when
// the generation turns out to be stale, in which case a newer run owns the
// book and this one stops without writing anything further.
func (p *Pipeline) Run(ctx context.Context, book *models.Book, generation int64) {
	log := p.logger.With(
		logger.String("book_id", book.ID),
		logger.Int64("generation", generation),
	)

	if err := p.store.BeginRun(ctx, book.ID, generation); err != nil {
		if errors.Is(err, store.ErrStaleRun) {
			log.Info("Run superseded before start, aborting")
			return
		}
		log.Error("Failed to mark book processing", logger.Error(err))
		p.finish(ctx, book.ID, generation, models.StatusFailed, err.Error(), 0, log)
		return
	}

	pageCount, err := p.process(ctx, book, generation, log)
	if err != nil {
		if errors.Is(err, store.ErrStaleRun) {
			log.Info("Run superseded mid-flight, aborting")
			return
		}
		log.Error("Ingestion run failed", logger.Error(err))
		p.finish(ctx, book.ID, generation, models.StatusFailed, err.Error(), 0, log)
		return
	}

	p.finish(ctx, book.ID, generation, models.StatusProcessed, "", pageCount, log)
	log.Info("Ingestion run finished", logger.Int("pages", pageCount))
}

// process runs the page loop and returns the number of pages persisted.
// Fatal errors (source unavailable, unsupported format, corrupt document,
// persistence failures) abort the run; per-page extraction/recognition
// failures are recorded as pages without text and the loop continues.
func (p *Pipeline) process(ctx context.Context, book *models.Book, generation int64, log logger.Logger) (int, error) {
	data, err := p.opener.Open(ctx, book.SourceLocation)
	if err != nil {
		return 0, err
	}

	source, err := p.openSource(data, book.SourceFormat, RenderOptions{
		DPI:          p.config.RenderDPI,
		MaxImageSize: p.config.MaxImageSize,
	})
	if err != nil {
		return 0, err
	}
	defer source.Close()

	var worker Worker
	if source.NeedsRecognition() {
		worker, err = p.engine.Acquire(ctx, p.config.OCRLanguage)
		if err != nil {
			return 0, fmt.Errorf("failed to acquire recognition worker: %w", err)
		}
		defer func() {
			if err := worker.Release(); err != nil {
				log.Warn("Failed to release recognition worker", logger.Error(err))
			}
		}()
	}

	total := source.Count()
	log.Info("Document opened",
		logger.String("format", string(book.SourceFormat)),
		logger.Int("pages", total),
		logger.Bool("recognition", source.NeedsRecognition()),
	)

	for n := 1; n <= total; n++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		page, pageErr := p.processPage(ctx, book.ID, source, worker, n, log)
		if pageErr != nil {
			// 单页失败不终止整本书
			log.Warn("Page failed after retries, storing without text",
				logger.Int("page", n),
				logger.Error(pageErr),
			)
			page = &models.Page{BookID: book.ID, PageNumber: n}
			sleep(ctx, p.config.FailurePacing)
		}

		if err := p.store.CreatePage(ctx, generation, page); err != nil {
			return 0, err
		}

		if n < total {
			sleep(ctx, p.config.PagePacing)
		}
	}

	return total, nil
}

// processPage materializes one page, recognizes its image when needed,
// refines the text, and uploads the rendered image. Each step that talks
// to a flaky dependency is wrapped in bounded retry.
func (p *Pipeline) processPage(ctx context.Context, bookID string, source PageSource, worker Worker, n int, log logger.Logger) (*models.Page, error) {
	var content *PageContent
	err := withRetry(ctx, p.config.RetryAttempts, p.config.RetryBaseDelay, func() error {
		var err error
		content, err = source.Page(ctx, n)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("page %d extraction: %w", n, err)
	}

	text := content.Text
	page := &models.Page{BookID: bookID, PageNumber: n}

	if content.Image != nil {
		err = withRetry(ctx, p.config.RetryAttempts, p.config.RetryBaseDelay, func() error {
			var err error
			text, err = worker.Recognize(ctx, content.Image)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("page %d recognition: %w", n, err)
		}

		key := fmt.Sprintf("books/%s/pages/page-%d.png", bookID, n)
		if _, err := p.storage.Store(ctx, bytes.NewReader(content.Image), key); err != nil {
			// 图片丢了不影响文本
			log.Warn("Failed to store page image",
				logger.Int("page", n),
				logger.Error(err),
			)
		} else {
			page.ImageRef = &key
		}
	}

	if p.config.RefineEnabled {
		text = p.refiner.Improve(ctx, text)
	}
	page.Text = &text
	return page, nil
}

// finish records the terminal state in the database and mirrors it into
// the status cache. A stale generation means a newer run already owns the
// book, so neither write happens.
func (p *Pipeline) finish(ctx context.Context, bookID string, generation int64, status models.ProcessingStatus, errMsg string, pageCount int, log logger.Logger) {
	if err := p.store.FinishRun(ctx, bookID, generation, status, errMsg, pageCount); err != nil {
		if errors.Is(err, store.ErrStaleRun) {
			log.Info("Run superseded at finish, result discarded")
			return
		}
		log.Error("Failed to record run result", logger.Error(err))
		return
	}

	if p.cache == nil {
		return
	}
	if err := p.cache.Save(ctx, &statuscache.RunStatus{
		BookID:     bookID,
		Status:     string(status),
		Error:      errMsg,
		PageCount:  pageCount,
		FinishedAt: time.Now(),
	}); err != nil {
		log.Warn("Failed to cache run status", logger.Error(err))
	}
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
