package ingest

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	cfg "github.com/feichai0017/book-pipeline/config"
	"github.com/feichai0017/book-pipeline/pkg/logger"
)

// Refiner improves recognized or extracted text. It must never fail a
// page: any problem degrades to returning the input unchanged.
type Refiner interface {
	Improve(ctx context.Context, text string) string
}

// NopRefiner passes text through untouched.
type NopRefiner struct{}

func (NopRefiner) Improve(_ context.Context, text string) string { return text }

const refinePrompt = `You clean up OCR output from book pages. Fix obvious ` +
	`recognition errors (0/O, 1/l, rn/m), repair words broken across line ` +
	`breaks, and normalize whitespace. Do not paraphrase, translate, or add ` +
	`content. Return only the cleaned text.`

// OpenAIRefiner cleans text with a chat completion call.
type OpenAIRefiner struct {
	client openai.Client
	model  string
	logger logger.Logger
}

func NewOpenAIRefiner(log logger.Logger) *OpenAIRefiner {
	refinerCfg := cfg.GetRefinerConfig()

	opts := []option.RequestOption{
		option.WithAPIKey(refinerCfg.APIKey),
	}
	if refinerCfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(refinerCfg.BaseURL))
	}

	return &OpenAIRefiner{
		client: openai.NewClient(opts...),
		model:  refinerCfg.Model,
		logger: log,
	}
}

func (r *OpenAIRefiner) Improve(ctx context.Context, text string) string {
	if text == "" {
		return text
	}

	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(refinePrompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		r.logger.Warn("Text refinement failed, keeping original",
			logger.Error(err),
		)
		return text
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return text
	}
	return resp.Choices[0].Message.Content
}
