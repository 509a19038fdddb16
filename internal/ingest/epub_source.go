package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/simp-lee/epub"
)

// extractEPUBText concatenates the spine-ordered chapter text of an EPUB.
// Chapter boundaries become blank lines, so the block splitter keeps them
// as segment boundaries.
func extractEPUBText(data []byte) (string, error) {
	book, err := epub.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if errors.Is(err, epub.ErrDRMProtected) {
			return "", fmt.Errorf("%w: DRM protected", ErrUnsupportedFormat)
		}
		return "", fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	defer book.Close()

	var sb strings.Builder
	for _, ch := range book.Chapters() {
		text, err := ch.TextContent()
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: no extractable text", ErrCorruptDocument)
	}
	return sb.String(), nil
}
