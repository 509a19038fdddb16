package config

import (
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	pipelineOnce   sync.Once
	pipelineConfig *PipelineConfig
)

// PipelineConfig holds ingestion tuning parameters. These are quality and
// pacing knobs, not correctness parameters: a higher RenderDPI improves
// recognition at a memory/time cost, the delays keep external engines from
// being hammered.
type PipelineConfig struct {
	RenderDPI      int           `yaml:"renderDPI"`
	MaxImageSize   int           `yaml:"maxImageSize"`
	OCRLanguage    string        `yaml:"ocrLanguage"`
	OCREngine      string        `yaml:"ocrEngine"` // tesseract | textract
	RetryAttempts  uint          `yaml:"retryAttempts"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`
	PagePacing     time.Duration `yaml:"pagePacing"`
	FailurePacing  time.Duration `yaml:"failurePacing"`
	UploadDir      string        `yaml:"uploadDir"`
	MaxFileSize    int64         `yaml:"maxFileSize"`
	StorageBackend string        `yaml:"storageBackend"` // minio | s3
	RefineEnabled  bool          `yaml:"refineEnabled"`
}

func defaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		RenderDPI:      300,
		MaxImageSize:   2048,
		OCRLanguage:    "eng",
		OCREngine:      "tesseract",
		RetryAttempts:  3,
		RetryBaseDelay: 500 * time.Millisecond,
		PagePacing:     500 * time.Millisecond,
		FailurePacing:  time.Second,
		UploadDir:      "uploads/waiting-process",
		MaxFileSize:    50 * 1024 * 1024, // 50MB
		StorageBackend: "minio",
		RefineEnabled:  true,
	}
}

// GetPipelineConfig loads pipeline tuning from the yaml file named by
// PIPELINE_CONFIG, falling back to defaults when unset or unreadable.
func GetPipelineConfig() *PipelineConfig {
	pipelineOnce.Do(func() {
		loadEnv()
		pipelineConfig = defaultPipelineConfig()

		path := os.Getenv("PIPELINE_CONFIG")
		if path == "" {
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: pipeline config %s not readable, using defaults: %v", path, err)
			return
		}
		if err := yaml.Unmarshal(data, pipelineConfig); err != nil {
			log.Printf("Warning: pipeline config %s invalid, using defaults: %v", path, err)
			pipelineConfig = defaultPipelineConfig()
		}
	})
	return pipelineConfig
}
