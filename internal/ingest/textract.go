package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	cfg "github.com/feichai0017/book-pipeline/config"
)

// TextractEngine recognizes pages with AWS Textract instead of a local
// Tesseract install. The client is stateless, so acquire/release are
// cheap; the lifecycle is kept so the pipeline treats both engines alike.
type TextractEngine struct {
	client *textract.Client
}

func NewTextractEngine(ctx context.Context) (*TextractEngine, error) {
	textractCfg := cfg.GetTextractConfig()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(textractCfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			textractCfg.AccessKey,
			textractCfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &TextractEngine{client: textract.NewFromConfig(awsCfg)}, nil
}

func (e *TextractEngine) Acquire(_ context.Context, _ string) (Worker, error) {
	// Textract picks the language itself; the hint is ignored.
	return &textractWorker{client: e.client}, nil
}

type textractWorker struct {
	client *textract.Client
}

func (w *textractWorker) Recognize(ctx context.Context, image []byte) (string, error) {
	out, err := w.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: image},
	})
	if err != nil {
		return "", fmt.Errorf("textract detection failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range out.Blocks {
		if block.BlockType == types.BlockTypeLine {
			sb.WriteString(aws.ToString(block.Text))
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func (w *textractWorker) Release() error { return nil }
