package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/book-pipeline/internal/models"
)

func TestSplitBlocks(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"single block", "just one paragraph", []string{"just one paragraph"}},
		{"two blocks", "first\n\nsecond", []string{"first", "second"}},
		{"blank lines with spaces", "first\n  \n\t\nsecond", []string{"first", "second"}},
		{"leading and trailing blanks", "\n\nfirst\n\n", []string{"first"}},
		{"inner newlines kept", "line a\nline b\n\nnext", []string{"line a\nline b", "next"}},
		{"empty input", "", nil},
		{"only whitespace", " \n \n ", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitBlocks(tc.in)
			if len(tc.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTextSourcePaging(t *testing.T) {
	src := newTextSource("alpha\n\nbeta\n\ngamma")

	assert.Equal(t, 3, src.Count())
	assert.False(t, src.NeedsRecognition())

	// 页码从 1 开始
	page, err := src.Page(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "alpha", page.Text)
	assert.Nil(t, page.Image)

	page, err = src.Page(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "gamma", page.Text)

	_, err = src.Page(context.Background(), 0)
	assert.Error(t, err)
	_, err = src.Page(context.Background(), 4)
	assert.Error(t, err)

	assert.NoError(t, src.Close())
}

func TestOpenSourceTextNative(t *testing.T) {
	src, err := OpenSource([]byte("a\n\nb"), models.FormatText, RenderOptions{})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, 2, src.Count())
	assert.False(t, src.NeedsRecognition())
}

func TestOpenSourceUnsupportedFormat(t *testing.T) {
	_, err := OpenSource([]byte("x"), models.SourceFormat("mobi"), RenderOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestOpenSourceCorruptPDF(t *testing.T) {
	_, err := OpenSource([]byte("definitely not a pdf"), models.FormatPDF, RenderOptions{DPI: 150, MaxImageSize: 2048})
	assert.ErrorIs(t, err, ErrCorruptDocument)
}

func TestOpenSourceCorruptEPUB(t *testing.T) {
	_, err := OpenSource([]byte("definitely not a zip"), models.FormatEPUB, RenderOptions{})
	assert.ErrorIs(t, err, ErrCorruptDocument)
}
