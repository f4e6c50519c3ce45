package converter

import (
	"context"
	"errors"
	"image"
	"io"
	"path/filepath"
	"strings"

	"github.com/osvaldoandrade/markerq/pkg/domain"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrEmptyDocument     = errors.New("document is empty")
)

// StreamInfo describes an input stream before it is handed to an engine.
type StreamInfo struct {
	Filename  string
	MIMEType  string
	Extension string
}

// NewStreamInfo derives the extension from filename and normalizes mimeType.
func NewStreamInfo(filename, mimeType string) StreamInfo {
	ext := strings.ToLower(filepath.Ext(filename))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return StreamInfo{
		Filename:  filename,
		MIMEType:  strings.ToLower(strings.TrimSpace(mimeType)),
		Extension: ext,
	}
}

// Output is what an engine produces for one document. Images are keyed by
// the name used in the markdown image references.
type Output struct {
	Markdown string
	Images   map[string]image.Image
	Metadata domain.Metadata
}

// Engine converts one document format into markdown.
type Engine interface {
	Name() string
	Accepts(info StreamInfo) bool
	Convert(ctx context.Context, r io.ReaderAt, size int64, info StreamInfo) (*Output, error)
}
