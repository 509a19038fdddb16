package ingest

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// Engine hands out recognition workers. Acquire is expensive (model
// load), so a run acquires exactly one worker and reuses it for every
// page, releasing it on the way out whatever happened.
type Engine interface {
	Acquire(ctx context.Context, language string) (Worker, error)
}

// Worker converts page images to plain text. Not safe for concurrent use;
// a run owns its worker exclusively.
type Worker interface {
	Recognize(ctx context.Context, image []byte) (string, error)
	Release() error
}

// TesseractEngine backs workers with a local Tesseract instance via
// gosseract.
type TesseractEngine struct{}

func NewTesseractEngine() *TesseractEngine {
	return &TesseractEngine{}
}

func (e *TesseractEngine) Acquire(_ context.Context, language string) (Worker, error) {
	client := gosseract.NewClient()

	if language == "" {
		language = "eng"
	}
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	return &tesseractWorker{client: client}, nil
}

type tesseractWorker struct {
	client *gosseract.Client
}

func (w *tesseractWorker) Recognize(_ context.Context, image []byte) (string, error) {
	if err := w.client.SetImageFromBytes(image); err != nil {
		return "", fmt.Errorf("failed to set image: %w", err)
	}

	text, err := w.client.Text()
	if err != nil {
		return "", fmt.Errorf("failed to recognize text: %w", err)
	}
	return text, nil
}

func (w *tesseractWorker) Release() error {
	return w.client.Close()
}
