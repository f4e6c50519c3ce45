package services

import (
	"context"
	"testing"
	"time"

	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertAndWaitSuccess(t *testing.T) {
	store := newMemoryStore(t)
	dispatch := NewDispatchService(store.TaskStorage(), nil, 0)
	status := NewStatusService(store.TaskStorage(), store.ResultStorage(), nil)
	worker := NewWorkerService(store, &fakeConverter{}, nil, nil, testWorkerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	sync := NewSyncWaitService(dispatch, status, 5*time.Second, 10*time.Millisecond, nil)
	view, err := sync.ConvertAndWait(ctx, domain.KindSingle, []domain.Document{pdfDoc("a.pdf")}, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.PollSuccess, view.State)
	require.NotNil(t, view.Record)
	assert.Equal(t, domain.ItemOK, view.Record.Single().Status)

	polled, err := status.Poll(context.Background(), view.TaskID)
	require.NoError(t, err)
	assert.Equal(t, view, polled)
}

func TestWaitTimeoutDoesNotCancelTask(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	dispatch := NewDispatchService(store.TaskStorage(), nil, 0)
	status := NewStatusService(store.TaskStorage(), store.ResultStorage(), nil)
	sync := NewSyncWaitService(dispatch, status, 50*time.Millisecond, 10*time.Millisecond, nil)

	view, err := sync.ConvertAndWait(ctx, domain.KindSingle, []domain.Document{pdfDoc("slow.pdf")}, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.PollTimeout, view.State)
	assert.Equal(t, TimeoutMessage, view.Message)
	require.NotEmpty(t, view.TaskID)

	task, err := store.TaskStorage().Get(ctx, view.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)

	worker := NewWorkerService(store, &fakeConverter{}, nil, nil, testWorkerConfig())
	claimed, err := worker.ProcessNext(ctx, "late-slot")
	require.NoError(t, err)
	require.True(t, claimed)

	later, err := status.Poll(ctx, view.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.PollSuccess, later.State)
}

func TestWaitReturnsFailed(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	dispatch := NewDispatchService(store.TaskStorage(), nil, 0)
	status := NewStatusService(store.TaskStorage(), store.ResultStorage(), nil)
	sync := NewSyncWaitService(dispatch, status, time.Second, 10*time.Millisecond, nil)

	task, err := dispatch.SubmitSingle(ctx, pdfDoc("a.pdf"), SubmitOptions{MaxAttempts: 1})
	require.NoError(t, err)
	worker := NewWorkerService(storeWithTasks{store, missingDocuments{store.TaskStorage()}}, &fakeConverter{}, nil, nil, testWorkerConfig())
	_, err = worker.ProcessNext(ctx, "slot")
	require.NoError(t, err)

	view, err := sync.Wait(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PollFailed, view.State)
	assert.Equal(t, FailedMessage, view.Message)
}

func TestWaitHonorsCallerContext(t *testing.T) {
	store := newMemoryStore(t)
	dispatch := NewDispatchService(store.TaskStorage(), nil, 0)
	status := NewStatusService(store.TaskStorage(), store.ResultStorage(), nil)
	sync := NewSyncWaitService(dispatch, status, 10*time.Second, 10*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sync.ConvertAndWait(ctx, domain.KindSingle, []domain.Document{pdfDoc("a.pdf")}, SubmitOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConvertAndWaitPassesValidationErrors(t *testing.T) {
	store := newMemoryStore(t)
	dispatch := NewDispatchService(store.TaskStorage(), nil, 0)
	sync := NewSyncWaitService(dispatch, NewStatusService(store.TaskStorage(), store.ResultStorage(), nil), time.Second, 10*time.Millisecond, nil)

	_, err := sync.ConvertAndWait(context.Background(), domain.KindBatch, nil, SubmitOptions{})
	assert.ErrorIs(t, err, ErrEmptyBatch)
}
