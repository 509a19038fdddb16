package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/feichai0017/book-pipeline/internal/models"
)

// PageContent is one unit produced by a PageSource: a rendered page image
// under the raster strategy, or a text block under the text-native one.
// Exactly one of the two fields is populated.
type PageContent struct {
	Image []byte
	Text  string
}

// PageSource is a lazy, finite, ordered sequence of page contents. Page
// numbering is 1-based. Under the text-native strategy numbering is
// synthetic: block 1 is page 1 regardless of where it sat in the original
// document.
type PageSource interface {
	// Count reports the number of pages/blocks.
	Count() int
	// Page materializes page n (1-based). Errors are recoverable at the
	// page level.
	Page(ctx context.Context, n int) (*PageContent, error)
	// NeedsRecognition reports whether pages carry images that require an
	// OCR worker.
	NeedsRecognition() bool
	// Close releases temporary resources.
	Close() error
}

// minEmbeddedTextLen is the amount of extractable text on the first page
// above which a PDF is treated as text-native instead of scanned.
const minEmbeddedTextLen = 64

// OpenSource selects the strategy for the document and returns its page
// sequence. PDFs with a usable embedded text layer take the text-native
// path; scanned PDFs are rasterized; EPUB and plain text are always
// text-native.
func OpenSource(data []byte, format models.SourceFormat, opts RenderOptions) (PageSource, error) {
	switch format {
	case models.FormatPDF:
		if text, ok := probeEmbeddedText(data); ok {
			return newTextSource(text), nil
		}
		return newPDFSource(data, opts)
	case models.FormatEPUB:
		text, err := extractEPUBText(data)
		if err != nil {
			return nil, err
		}
		return newTextSource(text), nil
	case models.FormatText:
		return newTextSource(string(data)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

var blockSplitRE = regexp.MustCompile(`\n\s*\n`)

// splitBlocks cuts whole-document text into blocks on runs of blank
// lines. Empty blocks are dropped; ordering is preserved.
func splitBlocks(text string) []string {
	raw := blockSplitRE.Split(text, -1)
	blocks := make([]string, 0, len(raw))
	for _, b := range raw {
		b = strings.TrimSpace(b)
		if b != "" {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

type textSource struct {
	blocks []string
}

func newTextSource(text string) *textSource {
	return &textSource{blocks: splitBlocks(text)}
}

func (s *textSource) Count() int { return len(s.blocks) }

func (s *textSource) Page(_ context.Context, n int) (*PageContent, error) {
	if n < 1 || n > len(s.blocks) {
		return nil, fmt.Errorf("block %d out of range 1..%d", n, len(s.blocks))
	}
	return &PageContent{Text: s.blocks[n-1]}, nil
}

func (s *textSource) NeedsRecognition() bool { return false }

func (s *textSource) Close() error { return nil }
