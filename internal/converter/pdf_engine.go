package converter

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

const mimePDF = "application/pdf"

var infoKeys = []string{"Title", "Author", "Subject", "Keywords", "Creator", "Producer"}

type pdfEngine struct {
	logger        *slog.Logger
	extractImages bool
}

// NewPDFEngine returns the engine for PDF input.
func NewPDFEngine(logger *slog.Logger, extractImages bool) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &pdfEngine{logger: logger, extractImages: extractImages}
}

func (e *pdfEngine) Name() string { return "pdf" }

func (e *pdfEngine) Accepts(info StreamInfo) bool {
	return info.MIMEType == mimePDF || info.Extension == ".pdf"
}

func (e *pdfEngine) Convert(ctx context.Context, r io.ReaderAt, size int64, info StreamInfo) (out *Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("malformed pdf: %v", rec)
		}
	}()

	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, err
	}

	numPages := reader.NumPage()
	pages := make([][]textLine, 0, numPages)
	images := map[string]image.Image{}
	imageNames := make([][]string, numPages)
	base := strings.TrimSuffix(filepath.Base(info.Filename), filepath.Ext(info.Filename))
	if base == "" || base == "." {
		base = "document"
	}

	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, nil)
			continue
		}
		lines, perr := pageLines(page)
		if perr != nil {
			e.logger.Warn("skipping unreadable page", "file", info.Filename, "page", i, "err", perr)
		}
		pages = append(pages, lines)

		if !e.extractImages {
			continue
		}
		imgs, errs := pageImages(page)
		for _, ierr := range errs {
			e.logger.Debug("image skipped", "file", info.Filename, "page", i, "err", ierr)
		}
		for k, img := range imgs {
			name := fmt.Sprintf("%s_page%d_img%d.png", base, i, k+1)
			images[name] = img
			imageNames[i-1] = append(imageNames[i-1], name)
		}
	}

	body := bodyFontSize(pages)
	var sections []string
	for i, lines := range pages {
		blocks := renderLines(lines, body)
		for _, name := range imageNames[i] {
			blocks = append(blocks, fmt.Sprintf("![%s](%s)", name, name))
		}
		if len(blocks) > 0 {
			sections = append(sections, strings.Join(blocks, "\n\n"))
		}
	}

	md := strings.Join(sections, "\n\n")
	if md != "" {
		md += "\n"
	}
	return &Output{
		Markdown: md,
		Images:   images,
		Metadata: documentMetadata(reader, numPages),
	}, nil
}

func pageLines(p pdf.Page) (lines []textLine, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			lines, err = nil, fmt.Errorf("content stream: %v", rec)
		}
	}()
	return collectLines(p.Content().Text), nil
}

func documentMetadata(r *pdf.Reader, pages int) domain.Metadata {
	md := domain.Metadata{Pages: pages, CustomMetadata: map[string]any{}}
	trailer := r.Trailer()

	if lang := strings.TrimSpace(trailer.Key("Root").Key("Lang").Text()); lang != "" {
		md.Languages = []string{lang}
	}

	info := trailer.Key("Info")
	for _, k := range infoKeys {
		if v := strings.TrimSpace(info.Key(k).Text()); v != "" {
			md.CustomMetadata[strings.ToLower(k)] = v
		}
	}

	md.TOC = outlineEntries(r.Outline().Child, 1)
	return md
}

func outlineEntries(items []pdf.Outline, level int) []domain.TOCEntry {
	var out []domain.TOCEntry
	for _, it := range items {
		title := strings.TrimSpace(it.Title)
		if title == "" && len(it.Child) == 0 {
			continue
		}
		out = append(out, domain.TOCEntry{
			Title:    title,
			Level:    level,
			Children: outlineEntries(it.Child, level+1),
		})
	}
	return out
}
