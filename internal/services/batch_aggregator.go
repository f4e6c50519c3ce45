package services

import (
	"context"
	"log/slog"

	"github.com/osvaldoandrade/markerq/internal/converter"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

// ProgressPublisher receives batch progress. Only the worker holding the lease writes it.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, id string, p domain.ProgressSnapshot) error
}

// BatchAggregator converts the documents of one batch task in input order.
type BatchAggregator interface {
	Run(ctx context.Context, taskID string, docs []domain.Document) ([]domain.ConversionResult, error)
}

type batchAggregator struct {
	conv     converter.Converter
	progress ProgressPublisher
	logger   *slog.Logger
}

func NewBatchAggregator(conv converter.Converter, progress ProgressPublisher, logger *slog.Logger) BatchAggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &batchAggregator{conv: conv, progress: progress, logger: logger}
}

// Run returns one result per document. A failed item does not stop the loop;
// only cancellation of ctx does, in which case no results are returned.
func (a *batchAggregator) Run(ctx context.Context, taskID string, docs []domain.Document) ([]domain.ConversionResult, error) {
	total := len(docs)
	results := make([]domain.ConversionResult, 0, total)
	a.publish(ctx, taskID, domain.ProgressSnapshot{Current: 0, Total: total})

	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := a.conv.Convert(ctx, doc)
		if !res.OK() {
			a.logger.Warn("batch item failed", "task_id", taskID, "index", i+1, "file", doc.Filename, "err", res.Error)
		}
		results = append(results, res)
		a.publish(ctx, taskID, domain.ProgressSnapshot{Current: i + 1, Total: total})
	}
	return results, nil
}

func (a *batchAggregator) publish(ctx context.Context, taskID string, p domain.ProgressSnapshot) {
	if a.progress == nil {
		return
	}
	if err := a.progress.PublishProgress(ctx, taskID, p); err != nil {
		a.logger.Warn("progress publish failed", "task_id", taskID, "progress", p.String(), "err", err)
	}
}
