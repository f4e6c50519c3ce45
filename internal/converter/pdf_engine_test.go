package converter

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func convertFixture(t *testing.T, f fixturePDF, filename string, images bool) *Output {
	t.Helper()
	data := f.bytes()
	e := NewPDFEngine(nil, images)
	out, err := e.Convert(context.Background(), bytes.NewReader(data), int64(len(data)), NewStreamInfo(filename, mimePDF))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	return out
}

func TestPDFEngineMarkdown(t *testing.T) {
	out := convertFixture(t, reportPDF(), "report.pdf", false)

	want := "# Annual Report\n\nRevenue grew in every region this year.\n\nSecond paragraph.\n\n## Methods\n\nDetails follow.\n"
	if out.Markdown != want {
		t.Fatalf("unexpected markdown:\n%q\nwant:\n%q", out.Markdown, want)
	}
	if len(out.Images) != 0 {
		t.Fatalf("expected no images, got %d", len(out.Images))
	}
}

func TestPDFEngineMetadata(t *testing.T) {
	md := convertFixture(t, reportPDF(), "report.pdf", false).Metadata

	if md.Pages != 2 {
		t.Fatalf("expected 2 pages, got %d", md.Pages)
	}
	if len(md.Languages) != 1 || md.Languages[0] != "en-US" {
		t.Fatalf("unexpected languages %v", md.Languages)
	}
	if md.CustomMetadata["title"] != "Annual Report" || md.CustomMetadata["author"] != "markerq tests" {
		t.Fatalf("unexpected custom metadata %v", md.CustomMetadata)
	}
	if len(md.TOC) != 2 || md.TOC[0].Title != "Annual Report" || md.TOC[1].Title != "Methods" || md.TOC[1].Level != 1 {
		t.Fatalf("unexpected toc %+v", md.TOC)
	}
}

func TestPDFEngineExtractsImages(t *testing.T) {
	f := reportPDF()
	f.grayImage = true

	out := convertFixture(t, f, "report.pdf", true)
	img, ok := out.Images["report_page1_img1.png"]
	if !ok {
		t.Fatalf("expected page image, got %v", out.Images)
	}
	if b := img.Bounds(); b.Dx() != 2 || b.Dy() != 2 {
		t.Fatalf("unexpected bounds %v", b)
	}
	if !strings.Contains(out.Markdown, "![report_page1_img1.png](report_page1_img1.png)") {
		t.Fatalf("markdown missing image reference:\n%s", out.Markdown)
	}

	noImages := convertFixture(t, f, "report.pdf", false)
	if len(noImages.Images) != 0 || strings.Contains(noImages.Markdown, "![") {
		t.Fatal("images extracted while disabled")
	}
}

func TestPDFEngineRejectsGarbage(t *testing.T) {
	data := []byte("%PDF-1.4\nthis is not really a pdf")
	e := NewPDFEngine(nil, false)
	if _, err := e.Convert(context.Background(), bytes.NewReader(data), int64(len(data)), NewStreamInfo("bad.pdf", mimePDF)); err == nil {
		t.Fatal("expected error for malformed pdf")
	}
}

func TestPDFEngineHonorsCancellation(t *testing.T) {
	data := reportPDF().bytes()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewPDFEngine(nil, false)
	if _, err := e.Convert(ctx, bytes.NewReader(data), int64(len(data)), NewStreamInfo("r.pdf", mimePDF)); err == nil {
		t.Fatal("expected context error")
	}
}

func TestPDFEngineAccepts(t *testing.T) {
	e := NewPDFEngine(nil, false)
	if !e.Accepts(NewStreamInfo("x.bin", "application/pdf; charset=binary")) {
		t.Fatal("expected mime match")
	}
	if !e.Accepts(NewStreamInfo("X.PDF", "")) {
		t.Fatal("expected extension match")
	}
	if e.Accepts(NewStreamInfo("notes.txt", "text/plain")) {
		t.Fatal("unexpected match for text")
	}
}
