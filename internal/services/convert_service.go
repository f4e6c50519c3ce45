package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/osvaldoandrade/markerq/internal/converter"
	"github.com/osvaldoandrade/markerq/internal/providers"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

// ConvertOutcome is an inline conversion plus where its output was saved, if anywhere.
type ConvertOutcome struct {
	Result  domain.ConversionResult
	SavedTo string
}

// ConvertService runs conversions in the request goroutine. It backs simple mode.
type ConvertService interface {
	ConvertOne(ctx context.Context, doc domain.Document) (*ConvertOutcome, error)
	ConvertMany(ctx context.Context, docs []domain.Document) (*domain.BatchResult, error)
}

type convertService struct {
	conv         converter.Converter
	outputs      providers.OutputStore
	logger       *slog.Logger
	maxBatchSize int
}

// NewConvertService builds the inline converter. A nil store disables output persistence.
func NewConvertService(conv converter.Converter, outputs providers.OutputStore, logger *slog.Logger, maxBatchSize int) ConvertService {
	if logger == nil {
		logger = slog.Default()
	}
	return &convertService{conv: conv, outputs: outputs, logger: logger, maxBatchSize: maxBatchSize}
}

func (s *convertService) ConvertOne(ctx context.Context, doc domain.Document) (*ConvertOutcome, error) {
	if len(doc.Data) == 0 {
		return nil, ErrEmptyDocument
	}
	out := &ConvertOutcome{Result: s.conv.Convert(ctx, doc)}
	out.SavedTo = s.save(ctx, out.Result)
	return out, nil
}

func (s *convertService) ConvertMany(ctx context.Context, docs []domain.Document) (*domain.BatchResult, error) {
	if len(docs) == 0 {
		return nil, ErrEmptyBatch
	}
	if s.maxBatchSize > 0 && len(docs) > s.maxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(docs), s.maxBatchSize)
	}
	results := make([]domain.ConversionResult, 0, len(docs))
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := s.conv.Convert(ctx, doc)
		s.save(ctx, res)
		results = append(results, res)
	}
	batch := domain.NewBatchResult(results)
	return &batch, nil
}

func (s *convertService) save(ctx context.Context, res domain.ConversionResult) string {
	if s.outputs == nil || !res.OK() {
		return ""
	}
	folder, err := providers.SaveMarkdown(ctx, s.outputs, res)
	if err != nil {
		s.logger.Warn("output not saved", "file", res.Filename, "err", err)
		return ""
	}
	s.logger.Info("markdown saved", "file", res.Filename, "folder", folder)
	return folder
}
