package controllers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/markerq/internal/converter"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

// SingleField and BatchField are the multipart field names the API accepts.
const (
	SingleField = "pdf_file"
	BatchField  = "pdf_files"
	sniffBytes  = 512

	unsupportedMessage = "Only PDF files are supported."
)

var (
	errMissingFile = errors.New("missing file")
	errUnsupported = errors.New("unsupported content type")
	errTooLarge    = errors.New("file too large")
)

// UploadLimits bounds what a multipart upload may carry.
type UploadLimits struct {
	MaxFileBytes int64
}

func readDocument(c *gin.Context, field string, limits UploadLimits) (domain.Document, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return domain.Document{}, fmt.Errorf("%w: %s", errMissingFile, field)
	}
	return loadFile(fh, limits)
}

func readDocuments(c *gin.Context, field string, limits UploadLimits) ([]domain.Document, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errMissingFile, field)
	}
	files := form.File[field]
	docs := make([]domain.Document, 0, len(files))
	for _, fh := range files {
		doc, err := loadFile(fh, limits)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func loadFile(fh *multipart.FileHeader, limits UploadLimits) (domain.Document, error) {
	if limits.MaxFileBytes > 0 && fh.Size > limits.MaxFileBytes {
		return domain.Document{}, fmt.Errorf("%w: %s", errTooLarge, fh.Filename)
	}
	f, err := fh.Open()
	if err != nil {
		return domain.Document{}, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return domain.Document{}, fmt.Errorf("read upload: %w", err)
	}

	contentType := fh.Header.Get("Content-Type")
	head := data
	if len(head) > sniffBytes {
		head = head[:sniffBytes]
	}
	if !converter.IsPDF(contentType, head) {
		return domain.Document{}, errUnsupported
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "application/pdf"
	}
	return domain.Document{Filename: fh.Filename, ContentType: contentType, Data: data}, nil
}

// uploadStatus maps an upload error onto a response.
func uploadStatus(err error) (int, gin.H) {
	switch {
	case errors.Is(err, errUnsupported):
		return http.StatusUnsupportedMediaType, gin.H{"error": unsupportedMessage}
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()}
	}
	return http.StatusBadRequest, gin.H{"error": err.Error()}
}
