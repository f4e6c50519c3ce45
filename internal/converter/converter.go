package converter

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/osvaldoandrade/markerq/internal/metrics"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

// Converter turns one document into a ConversionResult. Failures are
// reported in the result, never returned or propagated as panics.
type Converter interface {
	Convert(ctx context.Context, doc domain.Document) domain.ConversionResult
}

type converter struct {
	loader *Loader
	logger *slog.Logger
}

func NewConverter(loader *Loader, logger *slog.Logger) Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &converter{loader: loader, logger: logger}
}

func (c *converter) Convert(ctx context.Context, doc domain.Document) (res domain.ConversionResult) {
	start := time.Now()
	res = domain.ConversionResult{
		Filename: doc.Filename,
		Images:   map[string]string{},
		Metadata: domain.Metadata{CustomMetadata: map[string]any{}},
	}
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("converter panic", "file", doc.Filename, "panic", rec)
			res = errorResult(doc.Filename, fmt.Errorf("conversion aborted: %v", rec))
		}
		res.Time = time.Since(start).Seconds()
		metrics.DocumentsConvertedTotal.WithLabelValues(string(res.Status)).Inc()
		metrics.ConversionDurationSeconds.Observe(res.Time)
	}()

	if len(doc.Data) == 0 {
		return errorResult(doc.Filename, ErrEmptyDocument)
	}

	mc, err := c.loader.Load()
	if err != nil {
		return errorResult(doc.Filename, fmt.Errorf("load model: %w", err))
	}

	detected := mimetype.Detect(doc.Data)
	info := NewStreamInfo(doc.Filename, detected.String())
	engine, ok := mc.Engine(info)
	if !ok {
		info = NewStreamInfo(doc.Filename, doc.ContentType)
		if engine, ok = mc.Engine(info); !ok {
			return errorResult(doc.Filename, fmt.Errorf("%w: %s", ErrUnsupportedFormat, detected.String()))
		}
	}

	out, err := engine.Convert(ctx, bytes.NewReader(doc.Data), int64(len(doc.Data)), info)
	if err != nil {
		c.logger.Warn("conversion failed", "file", doc.Filename, "engine", engine.Name(), "err", err)
		return errorResult(doc.Filename, err)
	}

	res.Markdown = out.Markdown
	res.Metadata = out.Metadata
	if res.Metadata.CustomMetadata == nil {
		res.Metadata.CustomMetadata = map[string]any{}
	}
	names := make([]string, 0, len(out.Images))
	for name := range out.Images {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		encoded, err := encodePNG(out.Images[name])
		if err != nil {
			c.logger.Warn("dropping image", "file", doc.Filename, "image", name, "err", err)
			continue
		}
		res.Images[name] = encoded
	}
	res.Status = domain.ItemOK
	return res
}

func errorResult(filename string, err error) domain.ConversionResult {
	return domain.ConversionResult{
		Filename: filename,
		Images:   map[string]string{},
		Metadata: domain.Metadata{CustomMetadata: map[string]any{}},
		Status:   domain.ItemError,
		Error:    err.Error(),
	}
}

// IsPDF reports whether an upload is a PDF. Generic or missing content types
// fall back to sniffing head.
func IsPDF(contentType string, head []byte) bool {
	ct := NewStreamInfo("", contentType).MIMEType
	switch ct {
	case mimePDF:
		return true
	case "", "application/octet-stream":
		return len(head) > 0 && mimetype.Detect(head).Is(mimePDF)
	}
	return false
}
