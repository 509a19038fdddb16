package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/feichai0017/book-pipeline/api/handlers"
	"github.com/feichai0017/book-pipeline/api/routes"
	"github.com/feichai0017/book-pipeline/config"
	"github.com/feichai0017/book-pipeline/internal/ingest"
	"github.com/feichai0017/book-pipeline/internal/store"
	"github.com/feichai0017/book-pipeline/pkg/logger"
	"github.com/feichai0017/book-pipeline/pkg/statuscache"
	"github.com/feichai0017/book-pipeline/pkg/storage"
)

func main() {
	// init logger
	log, err := logger.NewLogger(
		logger.WithLevel("info"),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{"stdout", "logs/app.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	pipelineCfg := config.GetPipelineConfig()

	// init database
	db, err := gorm.Open(postgres.Open(config.GetPostgresConfig().DSN), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect database:", logger.Error(err))
	}
	bookStore, err := store.NewGormStore(db, log)
	if err != nil {
		log.Fatal("Failed to init store:", logger.Error(err))
	}

	// init object storage
	objects, err := storage.NewStorage(storage.StorageType(pipelineCfg.StorageBackend), log)
	if err != nil {
		log.Fatal("Failed to init storage:", logger.Error(err))
	}

	cache := statuscache.New(log)

	// init recognition engine
	var engine ingest.Engine
	switch pipelineCfg.OCREngine {
	case "textract":
		engine, err = ingest.NewTextractEngine(context.Background())
		if err != nil {
			log.Fatal("Failed to init textract engine:", logger.Error(err))
		}
	default:
		engine = ingest.NewTesseractEngine()
	}

	// init text refiner
	var refiner ingest.Refiner = ingest.NopRefiner{}
	if pipelineCfg.RefineEnabled && config.GetRefinerConfig().APIKey != "" {
		refiner = ingest.NewOpenAIRefiner(log)
	}

	pipeline := ingest.NewPipeline(bookStore, objects, cache, ingest.NewOpener(), engine, refiner, pipelineCfg, log)
	service := ingest.NewService(bookStore, objects, cache, pipeline, pipelineCfg, log)

	// books stranded in processing by a previous crash become failed
	if err := service.SweepStale(context.Background()); err != nil {
		log.Fatal("Failed to sweep stale books:", logger.Error(err))
	}

	// init handlers
	h := handlers.NewHandlers(service, log)
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = pipelineCfg.MaxFileSize
	routes.SetupRoutes(r, h)

	srv := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}

	// start server
	go func() {
		log.Info("Server starting on port 8080")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error:", logger.Error(err))
		}
	}()

	// wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// graceful shutdown: stop accepting requests, then drain in-flight runs
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown:", logger.Error(err))
	}

	if !service.WaitTimeout(30 * time.Second) {
		log.Warn("Ingestion runs still in flight at shutdown deadline")
	}
}
