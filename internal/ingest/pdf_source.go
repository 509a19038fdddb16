package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// RenderOptions tune the raster strategy. Higher DPI improves recognition
// accuracy at a memory/time cost.
type RenderOptions struct {
	DPI          int
	MaxImageSize int
}

// pdfSource renders one page at a time from a scanned PDF kept in a temp
// file, so only a single page image is resident in memory at once.
type pdfSource struct {
	path  string
	count int
	opts  RenderOptions
}

func newPDFSource(data []byte, opts RenderOptions) (*pdfSource, error) {
	if opts.DPI <= 0 {
		opts.DPI = 300
	}
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = 2048
	}

	count, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: document has no pages", ErrCorruptDocument)
	}

	f, err := os.CreateTemp("", "ingest-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	return &pdfSource{path: f.Name(), count: count, opts: opts}, nil
}

func (s *pdfSource) Count() int { return s.count }

func (s *pdfSource) NeedsRecognition() bool { return true }

// Page renders page n with pdftoppm (poppler-utils) and downscales the
// result to fit MaxImageSize without enlargement.
func (s *pdfSource) Page(ctx context.Context, n int) (*PageContent, error) {
	if n < 1 || n > s.count {
		return nil, fmt.Errorf("page %d out of range 1..%d", n, s.count)
	}

	tmpDir, err := os.MkdirTemp("", "ingest-page-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	pageArg := strconv.Itoa(n)
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-f", pageArg,
		"-l", pageArg,
		"-r", strconv.Itoa(s.opts.DPI),
		"-singlefile",
		s.path,
		prefix,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed for page %d: %w (output: %s)", n, err, string(output))
	}

	rendered, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm produced no output for page %d: %w", n, err)
	}

	normalized, err := normalizeImage(rendered, s.opts.MaxImageSize)
	if err != nil {
		return nil, err
	}

	return &PageContent{Image: normalized}, nil
}

func (s *pdfSource) Close() error {
	return os.Remove(s.path)
}

// normalizeImage decodes a rendered page and bounds it to fit
// maxSize x maxSize, never enlarging.
func normalizeImage(data []byte, maxSize int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode rendered page: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxSize || bounds.Dy() > maxSize {
		img = imaging.Fit(img, maxSize, maxSize, imaging.Lanczos)
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode page image: %w", err)
	}
	return buf.Bytes(), nil
}

// probeEmbeddedText extracts the whole text layer of a PDF. It reports ok
// when the first page carries enough text to treat the document as
// text-native rather than scanned.
func probeEmbeddedText(data []byte) (text string, ok bool) {
	// the parser panics on some malformed files; a failed probe just
	// means the raster path
	defer func() {
		if r := recover(); r != nil {
			text, ok = "", false
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", false
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return "", false
	}

	var sb strings.Builder
	firstPageLen := 0
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if i == 1 {
			firstPageLen = len(strings.TrimSpace(text))
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	if firstPageLen < minEmbeddedTextLen {
		return "", false
	}
	return sb.String(), true
}
