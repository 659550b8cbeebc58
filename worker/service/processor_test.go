package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"imageTasks/internal/broker"
	"imageTasks/internal/metrics"
	"imageTasks/internal/models"
	"imageTasks/internal/repository"
	"imageTasks/internal/storage"
	"imageTasks/worker/converter"
)

type fakeImageProcessor struct {
	calls int
	err   error
	panic bool
}

func (f *fakeImageProcessor) Process(processingType string, _ map[string]any, data []byte) (*converter.Result, error) {
	f.calls++
	if f.panic {
		panic("decoder exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &converter.Result{Data: append([]byte(processingType+":"), data...), ContentType: "image/png"}, nil
}

type flakyBlobStore struct {
	*storage.MemoryStore
	getErr error
	putErr error
}

func (s *flakyBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *flakyBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.MemoryStore.Put(ctx, key, data, contentType)
}

type flakyRepo struct {
	*repository.MemoryRepo
	updateErr error
}

func (r *flakyRepo) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, opts ...repository.UpdateOption) (*models.Task, error) {
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	return r.MemoryRepo.UpdateTaskStatus(ctx, taskID, status, opts...)
}

type harness struct {
	repo      *flakyRepo
	blobs     *flakyBlobStore
	images    *fakeImageProcessor
	metrics   *metrics.Metrics
	processor *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:    &flakyRepo{MemoryRepo: repository.NewMemoryRepo()},
		blobs:   &flakyBlobStore{MemoryStore: storage.NewMemoryStore("http://blobs.test")},
		images:  &fakeImageProcessor{},
		metrics: metrics.New(),
	}
	h.processor = NewProcessor(h.repo, h.blobs, h.images, nil, h.metrics, zaptest.NewLogger(t))
	return h
}

// pendingTask stores an original blob and a PENDING record and returns the
// queue body for it.
func (h *harness) pendingTask(t *testing.T) (*models.Task, []byte) {
	t.Helper()
	ctx := context.Background()
	task := &models.Task{
		TaskID:            "task-" + t.Name(),
		OriginalImageKey:  storage.GenerateKey("original"),
		ProcessedImageKey: storage.GenerateKey("processed"),
		ProcessingType:    "grayscale",
		Parameters:        map[string]any{},
		Status:            models.StatusPending,
	}
	require.NoError(t, h.blobs.MemoryStore.Put(ctx, task.OriginalImageKey, []byte("pixels"), "image/png"))
	require.NoError(t, h.repo.MemoryRepo.CreateTask(ctx, task))

	body, err := task.Message().Encode()
	require.NoError(t, err)
	return task, body
}

func (h *harness) status(t *testing.T, taskID string) *models.Task {
	t.Helper()
	task, err := h.repo.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task
}

func TestProcessor_CompletesTask(t *testing.T) {
	h := newHarness(t)
	task, body := h.pendingTask(t)

	outcome := h.processor.HandleDelivery(context.Background(), body)

	assert.Equal(t, broker.Ack, outcome)
	got := h.status(t, task.TaskID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	data, err := h.blobs.MemoryStore.Get(context.Background(), task.ProcessedImageKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("grayscale:pixels"), data)
	assert.Equal(t, 1, h.images.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Deliveries.WithLabelValues("ack")))
}

func TestProcessor_ProcessingErrorFailsTask(t *testing.T) {
	h := newHarness(t)
	h.images.err = errors.New("unsupported processing type: sepia")
	task, body := h.pendingTask(t)

	outcome := h.processor.HandleDelivery(context.Background(), body)

	assert.Equal(t, broker.Ack, outcome, "failed tasks are acknowledged, not requeued")
	got := h.status(t, task.TaskID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "sepia")
	assert.False(t, h.blobs.Has(task.ProcessedImageKey))
}

func TestProcessor_PanicFailsTask(t *testing.T) {
	h := newHarness(t)
	h.images.panic = true
	task, body := h.pendingTask(t)

	outcome := h.processor.HandleDelivery(context.Background(), body)

	assert.Equal(t, broker.Ack, outcome)
	got := h.status(t, task.TaskID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "decoder exploded")
}

func TestProcessor_DuplicateDeliveryIsDiscarded(t *testing.T) {
	h := newHarness(t)
	task, body := h.pendingTask(t)
	ctx := context.Background()

	require.Equal(t, broker.Ack, h.processor.HandleDelivery(ctx, body))
	first := h.status(t, task.TaskID)
	require.Equal(t, models.StatusCompleted, first.Status)

	outcome := h.processor.HandleDelivery(ctx, body)

	assert.Equal(t, broker.Ack, outcome)
	assert.Equal(t, 1, h.images.calls, "processing must not run twice")
	second := h.status(t, task.TaskID)
	assert.Equal(t, models.StatusCompleted, second.Status)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestProcessor_DuplicateAfterFailureIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.images.err = errors.New("bad input")
	task, body := h.pendingTask(t)
	ctx := context.Background()

	require.Equal(t, broker.Ack, h.processor.HandleDelivery(ctx, body))
	h.images.err = nil

	assert.Equal(t, broker.Ack, h.processor.HandleDelivery(ctx, body))
	assert.Equal(t, 1, h.images.calls)
	assert.Equal(t, models.StatusFailed, h.status(t, task.TaskID).Status)
}

func TestProcessor_ResumesTaskLeftProcessing(t *testing.T) {
	h := newHarness(t)
	task, body := h.pendingTask(t)
	ctx := context.Background()

	_, err := h.repo.UpdateTaskStatus(ctx, task.TaskID, models.StatusProcessing)
	require.NoError(t, err)

	outcome := h.processor.HandleDelivery(ctx, body)

	assert.Equal(t, broker.Ack, outcome)
	assert.Equal(t, 1, h.images.calls)
	assert.Equal(t, models.StatusCompleted, h.status(t, task.TaskID).Status)
}

func TestProcessor_MalformedMessageRejected(t *testing.T) {
	h := newHarness(t)

	for _, body := range [][]byte{
		[]byte("not json"),
		[]byte(`{"task_id": ""}`),
		[]byte(`{"task_id": "x", "original_image_key": "a"}`),
	} {
		assert.Equal(t, broker.Reject, h.processor.HandleDelivery(context.Background(), body), string(body))
	}
	assert.Zero(t, h.images.calls)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.Deliveries.WithLabelValues("reject")))
}

func TestProcessor_UnknownTaskRejected(t *testing.T) {
	h := newHarness(t)
	msg := &models.TaskMessage{
		TaskID:            "ghost",
		OriginalImageKey:  "original/a",
		ProcessedImageKey: "processed/b",
		ProcessingType:    "grayscale",
		Parameters:        map[string]any{},
	}
	body, err := msg.Encode()
	require.NoError(t, err)

	assert.Equal(t, broker.Reject, h.processor.HandleDelivery(context.Background(), body))
	assert.Zero(t, h.images.calls)
}

func TestProcessor_StoreUnavailableRequeues(t *testing.T) {
	h := newHarness(t)
	task, body := h.pendingTask(t)
	h.repo.updateErr = errors.New("connection reset")

	assert.Equal(t, broker.Requeue, h.processor.HandleDelivery(context.Background(), body))
	assert.Zero(t, h.images.calls)

	h.repo.updateErr = nil
	assert.Equal(t, models.StatusPending, h.status(t, task.TaskID).Status)
	assert.Equal(t, broker.Ack, h.processor.HandleDelivery(context.Background(), body))
	assert.Equal(t, models.StatusCompleted, h.status(t, task.TaskID).Status)
}

func TestProcessor_BlobErrors(t *testing.T) {
	t.Run("missing original fails the task", func(t *testing.T) {
		h := newHarness(t)
		task, body := h.pendingTask(t)
		h.blobs.getErr = storage.ErrObjectNotFound

		assert.Equal(t, broker.Ack, h.processor.HandleDelivery(context.Background(), body))
		assert.Equal(t, models.StatusFailed, h.status(t, task.TaskID).Status)
	})

	t.Run("transient read requeues", func(t *testing.T) {
		h := newHarness(t)
		task, body := h.pendingTask(t)
		h.blobs.getErr = errors.New("timeout")

		assert.Equal(t, broker.Requeue, h.processor.HandleDelivery(context.Background(), body))
		assert.Equal(t, models.StatusProcessing, h.status(t, task.TaskID).Status)

		h.blobs.getErr = nil
		assert.Equal(t, broker.Ack, h.processor.HandleDelivery(context.Background(), body))
		assert.Equal(t, models.StatusCompleted, h.status(t, task.TaskID).Status)
	})

	t.Run("failed write requeues", func(t *testing.T) {
		h := newHarness(t)
		task, body := h.pendingTask(t)
		h.blobs.putErr = errors.New("bucket full")

		assert.Equal(t, broker.Requeue, h.processor.HandleDelivery(context.Background(), body))
		assert.Equal(t, models.StatusProcessing, h.status(t, task.TaskID).Status)
	})
}

func TestProcessor_WithImagingConverter(t *testing.T) {
	repo := repository.NewMemoryRepo()
	blobs := storage.NewMemoryStore("http://blobs.test")
	logger := zaptest.NewLogger(t)
	p := NewProcessor(repo, blobs, converter.NewConverter(logger), nil, nil, logger)
	ctx := context.Background()

	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for x := 0; x < 64; x++ {
		img.Set(x, x%32, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	task := &models.Task{
		TaskID:            "real-image",
		OriginalImageKey:  "original/real",
		ProcessedImageKey: "processed/real",
		ProcessingType:    "resize",
		Parameters:        map[string]any{"width": 16.0},
		Status:            models.StatusPending,
	}
	require.NoError(t, blobs.Put(ctx, task.OriginalImageKey, buf.Bytes(), "image/png"))
	require.NoError(t, repo.CreateTask(ctx, task))
	body, err := task.Message().Encode()
	require.NoError(t, err)

	require.Equal(t, broker.Ack, p.HandleDelivery(ctx, body))

	data, err := blobs.Get(ctx, task.ProcessedImageKey)
	require.NoError(t, err)
	out, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 16, out.Bounds().Dx())
	assert.Equal(t, 8, out.Bounds().Dy())
}

func TestProcessor_OversizedImageFailsTask(t *testing.T) {
	repo := repository.NewMemoryRepo()
	blobs := storage.NewMemoryStore("http://blobs.test")
	logger := zaptest.NewLogger(t)
	p := NewProcessor(repo, blobs, converter.NewConverter(logger), nil, nil, logger)
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 20000, 1))))

	task := &models.Task{
		TaskID:            "huge-image",
		OriginalImageKey:  "original/huge",
		ProcessedImageKey: "processed/huge",
		ProcessingType:    "invert",
		Parameters:        map[string]any{},
		Status:            models.StatusPending,
	}
	require.NoError(t, blobs.Put(ctx, task.OriginalImageKey, buf.Bytes(), "image/png"))
	require.NoError(t, repo.CreateTask(ctx, task))
	body, err := task.Message().Encode()
	require.NoError(t, err)

	assert.Equal(t, broker.Ack, p.HandleDelivery(ctx, body))

	got, err := repo.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "image too large")
	assert.False(t, blobs.Has(task.ProcessedImageKey))
}
