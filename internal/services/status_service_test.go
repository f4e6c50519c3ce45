package services

import (
	"context"
	"testing"

	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollUnknownTaskReportsProcessing(t *testing.T) {
	store := newMemoryStore(t)
	svc := NewStatusService(store.TaskStorage(), store.ResultStorage(), nil)

	view, err := svc.Poll(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, domain.PollProcessing, view.State)
	assert.Equal(t, "does-not-exist", view.TaskID)
	assert.Nil(t, view.Progress)
}

func TestPollPendingBatchReportsProgress(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	dispatch := NewDispatchService(store.TaskStorage(), nil, 0)
	svc := NewStatusService(store.TaskStorage(), store.ResultStorage(), nil)

	task, err := dispatch.SubmitBatch(ctx, []domain.Document{pdfDoc("a"), pdfDoc("b"), pdfDoc("c")}, SubmitOptions{})
	require.NoError(t, err)

	view, err := svc.Poll(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PollProcessing, view.State)
	assert.Nil(t, view.Progress)

	require.NoError(t, store.TaskStorage().PublishProgress(ctx, task.ID, domain.ProgressSnapshot{Current: 1, Total: 3}))
	view, err = svc.Poll(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Progress)
	assert.Equal(t, "1/3", view.Progress.String())
	assert.Equal(t, 0.33, view.Progress.Percent())
}

func TestPollCompletedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	dispatch := NewDispatchService(store.TaskStorage(), nil, 0)
	svc := NewStatusService(store.TaskStorage(), store.ResultStorage(), nil)
	worker := NewWorkerService(store, &fakeConverter{}, nil, nil, testWorkerConfig())

	task, err := dispatch.SubmitSingle(ctx, pdfDoc("a.pdf"), SubmitOptions{})
	require.NoError(t, err)
	claimed, err := worker.ProcessNext(ctx, "slot-0")
	require.NoError(t, err)
	require.True(t, claimed)

	first, err := svc.Poll(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PollSuccess, first.State)
	require.NotNil(t, first.Record)
	assert.Equal(t, "a.pdf", first.Record.Single().Filename)

	second, err := svc.Poll(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPollFailedHidesDetail(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	dispatch := NewDispatchService(store.TaskStorage(), nil, 0)
	svc := NewStatusService(store.TaskStorage(), store.ResultStorage(), nil)

	task, err := dispatch.SubmitSingle(ctx, pdfDoc("a.pdf"), SubmitOptions{MaxAttempts: 1})
	require.NoError(t, err)
	_, ok, err := store.TaskStorage().Claim(ctx, "w1", domain.AllKinds(), 30)
	require.NoError(t, err)
	require.True(t, ok)
	_, dead, err := store.TaskStorage().Nack(ctx, task.ID, "w1", 0, "redis: connection pool exhausted")
	require.NoError(t, err)
	require.True(t, dead)

	view, err := svc.Poll(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PollFailed, view.State)
	assert.Equal(t, FailedMessage, view.Message)
	assert.NotContains(t, view.Message, "redis")
	assert.Nil(t, view.Record)
}
