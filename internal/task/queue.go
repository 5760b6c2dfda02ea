package task

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bitpress/mediaprep/internal/metrics"
)

// Static errors for queue operations.
var (
	// ErrEmptySelection is returned when a task is enqueued with no media.
	ErrEmptySelection = errors.New("task has no media selected")
	// ErrDuplicateItem is returned when a task carries two items with the
	// same identifier.
	ErrDuplicateItem = errors.New("duplicate media id in task")
	// ErrNoMedia is returned when every item in a task was dropped and
	// there is nothing to deliver.
	ErrNoMedia = errors.New("no media was compressed")
	// ErrCompletionCallback is returned when the result was produced but
	// could not be delivered to the completion callback.
	ErrCompletionCallback = errors.New("completion callback failed")
	// ErrQueueClosed is returned when enqueueing into a closed queue.
	ErrQueueClosed = errors.New("task queue is closed")
	// ErrQueueFull is returned when the queue cannot accept more tasks.
	ErrQueueFull = errors.New("task queue is full")
)

// Transcoder re-encodes one source video into the output rendition.
type Transcoder interface {
	Transcode(ctx context.Context, source, output string) error
}

// StillCompressor encodes one decoded image, returning the encoded bytes
// and the file extension of the chosen format. Empty format or zero quality
// select the compressor defaults.
type StillCompressor interface {
	Compress(img image.Image, format string, quality float64) (data []byte, ext string, err error)
}

// Scratch manages the on-disk workspace for task artifacts.
type Scratch interface {
	// SaveOutput writes an artifact and returns its absolute path.
	SaveOutput(ctx context.Context, taskID, name string, data []byte) (string, error)
	// OutputPath reserves a path for an artifact produced out of process.
	OutputPath(taskID, name string) (string, error)
	// Cleanup removes the given staged files.
	Cleanup(ctx context.Context, paths []string) error
}

// Uploader pushes finished artifacts to remote storage and returns the
// location they can be fetched from.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

// Notifier delivers a task result to a callback endpoint.
type Notifier interface {
	Notify(ctx context.Context, url string, res *Result) error
}

// Recorder persists task results for later inspection.
type Recorder interface {
	Record(ctx context.Context, res *Result) error
}

// EnqueueOptions customizes one task submission.
type EnqueueOptions struct {
	// OnComplete runs on the worker goroutine once the result is assembled,
	// before the task is marked COMPLETED. A non-nil return fails the task
	// the same way an undeliverable callback does.
	OnComplete func(*Result) error
	// OnError runs on the worker goroutine after the task fails.
	OnError func(error)
}

// Handle tracks one enqueued task to completion.
type Handle struct {
	taskID string
	done   chan struct{}
	once   sync.Once
	res    *Result
	err    error
}

func newHandle(taskID string) *Handle {
	return &Handle{taskID: taskID, done: make(chan struct{})}
}

// TaskID returns the identifier of the tracked task.
func (h *Handle) TaskID() string {
	return h.taskID
}

// Done is closed once the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result blocks until the task completes or ctx is cancelled. On task
// failure it returns the failure alongside the partial result.
func (h *Handle) Result(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) resolve(res *Result, err error) {
	h.once.Do(func() {
		h.res = res
		h.err = err
		close(h.done)
	})
}

type work struct {
	task   *Task
	opts   EnqueueOptions
	handle *Handle
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	// Repository persists tasks. Required.
	Repository Repository
	// Transcoder processes video items. Required.
	Transcoder Transcoder
	// Stills processes image items. Required.
	Stills StillCompressor
	// Scratch provides the on-disk workspace. Required.
	Scratch Scratch
	// Uploader pushes artifacts to remote storage. Nil disables uploads
	// and leaves artifacts on local disk.
	Uploader Uploader
	// Notifier delivers completion callbacks. Nil disables callbacks.
	Notifier Notifier
	// Recorder persists results. Nil disables history.
	Recorder Recorder
	// CallbackURL is the default callback target for tasks that do not
	// carry their own.
	CallbackURL string
	// TaskTimeout bounds the processing of one task. Zero means no limit.
	TaskTimeout time.Duration
	// QueueSize is the maximum number of waiting tasks. Defaults to 64.
	QueueSize int
	// Logger receives queue progress. Defaults to slog.Default().
	Logger *slog.Logger
}

// Queue processes tasks strictly in submission order. A single worker
// goroutine owns all processing, so at most one task is ever in the
// PROCESSING state and results are delivered in FIFO order.
type Queue struct {
	repo        Repository
	transcoder  Transcoder
	stills      StillCompressor
	scratch     Scratch
	uploader    Uploader
	notifier    Notifier
	recorder    Recorder
	callbackURL string
	timeout     time.Duration
	logger      *slog.Logger

	pending chan *work
	quit    chan struct{}
	wg      sync.WaitGroup

	mu      sync.RWMutex
	running bool
	closed  bool
}

// NewQueue validates the configuration and creates a stopped queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Repository == nil {
		return nil, errors.New("queue: repository is required")
	}
	if cfg.Transcoder == nil {
		return nil, errors.New("queue: transcoder is required")
	}
	if cfg.Stills == nil {
		return nil, errors.New("queue: still compressor is required")
	}
	if cfg.Scratch == nil {
		return nil, errors.New("queue: scratch storage is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Queue{
		repo:        cfg.Repository,
		transcoder:  cfg.Transcoder,
		stills:      cfg.Stills,
		scratch:     cfg.Scratch,
		uploader:    cfg.Uploader,
		notifier:    cfg.Notifier,
		recorder:    cfg.Recorder,
		callbackURL: cfg.CallbackURL,
		timeout:     cfg.TaskTimeout,
		logger:      cfg.Logger,
		pending:     make(chan *work, cfg.QueueSize),
		quit:        make(chan struct{}),
	}, nil
}

// Start launches the worker goroutine. The context bounds all processing;
// cancelling it abandons queued tasks and interrupts the in-flight one.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.running {
		return errors.New("task queue already started")
	}
	q.running = true
	q.wg.Add(1)
	go q.run(ctx)
	return nil
}

// Close stops intake, waits for the in-flight task to finish, and cancels
// whatever is still waiting. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.quit)
	q.wg.Wait()
	q.drainPending(ErrQueueClosed)
}

// Enqueue validates the task, persists it and appends it to the queue. The
// task must be PENDING with at least one item of a known kind and no
// duplicate item IDs. The returned handle resolves once the task reaches a
// terminal state.
func (q *Queue) Enqueue(ctx context.Context, t *Task, opts EnqueueOptions) (*Handle, error) {
	if t == nil || t.ItemCount() == 0 {
		return nil, ErrEmptySelection
	}
	if status := t.GetStatus(); status != StatusPending {
		return nil, fmt.Errorf("task %s is %s, not %s", t.ID, status, StatusPending)
	}
	seen := make(map[string]struct{}, t.ItemCount())
	for i := 0; i < t.ItemCount(); i++ {
		item, _ := t.Item(i)
		if !item.Kind.IsValid() {
			return nil, fmt.Errorf("item %s: unknown media kind %q", item.ID, item.Kind)
		}
		if _, dup := seen[item.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
		}
		seen[item.ID] = struct{}{}
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	if err := q.repo.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}

	h := newHandle(t.ID)
	select {
	case q.pending <- &work{task: t, opts: opts, handle: h}:
	default:
		_ = q.repo.Delete(ctx, t.ID)
		return nil, ErrQueueFull
	}

	metrics.TasksEnqueued.Inc()
	metrics.QueueDepth.Set(float64(len(q.pending)))
	q.logger.Info("task enqueued",
		slog.String("task_id", t.ID),
		slog.String("title", t.Title),
		slog.Int("items", t.ItemCount()),
	)
	return h, nil
}

// Task retrieves a task by ID.
func (q *Queue) Task(ctx context.Context, taskID string) (*Task, error) {
	return q.repo.FindByID(ctx, taskID)
}

// Tasks lists all known tasks.
func (q *Queue) Tasks(ctx context.Context) ([]*Task, error) {
	return q.repo.List(ctx)
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			q.drainPending(ctx.Err())
			return
		case <-q.quit:
			return
		case w := <-q.pending:
			metrics.QueueDepth.Set(float64(len(q.pending)))
			q.process(ctx, w)
		}
	}
}

// drainPending cancels every queued task that never started.
func (q *Queue) drainPending(cause error) {
	for {
		select {
		case w := <-q.pending:
			_ = w.task.Cancel()
			_ = q.repo.Save(context.Background(), w.task)
			res := w.task.BuildResult()
			q.record(context.Background(), res)
			metrics.TasksCancelled.Inc()
			w.handle.resolve(res, cause)
			if w.opts.OnError != nil {
				w.opts.OnError(cause)
			}
		default:
			metrics.QueueDepth.Set(0)
			return
		}
	}
}

// process drives one task end to end on the worker goroutine. The per-task
// timeout bounds compression and upload; delivery, journaling and cleanup
// run detached so that finished work always settles, bounded by the clients'
// own timeouts.
func (q *Queue) process(ctx context.Context, w *work) {
	t := w.task
	started := time.Now()

	taskCtx := ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	postCtx := context.WithoutCancel(taskCtx)

	if err := t.Start(); err != nil {
		q.finishFailed(postCtx, w, err)
		return
	}
	_ = q.repo.Save(taskCtx, t)
	q.logger.Info("task processing",
		slog.String("task_id", t.ID),
		slog.String("title", t.Title),
		slog.Int("items", t.ItemCount()),
	)

	for i := 0; i < t.ItemCount(); i++ {
		if ctx.Err() != nil {
			break
		}
		itemStart := time.Now()
		item, _ := t.Item(i)
		if err := q.compressItem(taskCtx, t, i); err != nil {
			q.logger.Warn("dropping media item",
				slog.String("task_id", t.ID),
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()),
			)
			t.FailItem(i, err.Error())
			metrics.ItemsDropped.WithLabelValues(string(item.Kind)).Inc()
		} else {
			metrics.ItemsProcessed.WithLabelValues(string(item.Kind)).Inc()
		}
		metrics.ItemDuration.WithLabelValues(string(item.Kind)).Observe(time.Since(itemStart).Seconds())
		_ = q.repo.Save(taskCtx, t)
	}

	if err := ctx.Err(); err != nil {
		q.finishCancelled(postCtx, w, err)
		metrics.TaskDuration.Observe(time.Since(started).Seconds())
		return
	}

	if len(t.BuildResult().Items) == 0 {
		q.finishFailed(postCtx, w, ErrNoMedia)
		metrics.TaskDuration.Observe(time.Since(started).Seconds())
		return
	}

	q.uploadItems(taskCtx, t)

	// The callback is part of the task: a result that cannot be delivered
	// fails the task, without retry.
	res := t.BuildResult()
	res.Status = StatusCompleted
	res.CompletedAt = time.Now()
	if url := q.callbackTarget(t); url != "" && q.notifier != nil {
		if err := q.notifier.Notify(postCtx, url, res); err != nil {
			metrics.CallbacksTotal.WithLabelValues("failed").Inc()
			q.finishFailed(postCtx, w, fmt.Errorf("%w: %w", ErrCompletionCallback, err))
			metrics.TaskDuration.Observe(time.Since(started).Seconds())
			return
		}
		metrics.CallbacksTotal.WithLabelValues("delivered").Inc()
	}
	if w.opts.OnComplete != nil {
		if err := w.opts.OnComplete(res); err != nil {
			q.finishFailed(postCtx, w, fmt.Errorf("%w: %w", ErrCompletionCallback, err))
			metrics.TaskDuration.Observe(time.Since(started).Seconds())
			return
		}
	}

	_ = t.Complete()
	_ = q.repo.Save(postCtx, t)
	q.record(postCtx, res)
	q.cleanup(postCtx, t)
	metrics.TasksCompleted.Inc()
	metrics.TaskDuration.Observe(time.Since(started).Seconds())
	q.logger.Info("task completed",
		slog.String("task_id", t.ID),
		slog.Int("delivered", len(res.Items)),
		slog.Int("dropped", len(res.Dropped)),
	)

	w.handle.resolve(res, nil)
}

// finishFailed settles a task that produced no deliverable result or whose
// result could not be delivered.
func (q *Queue) finishFailed(ctx context.Context, w *work, cause error) {
	t := w.task
	_ = t.Fail(cause.Error())
	_ = q.repo.Save(ctx, t)
	res := t.BuildResult()

	// Failures are still announced when a callback target exists, unless
	// the callback itself is what failed.
	if url := q.callbackTarget(t); url != "" && q.notifier != nil && !errors.Is(cause, ErrCompletionCallback) {
		if err := q.notifier.Notify(ctx, url, res); err != nil {
			q.logger.Warn("failure callback undeliverable",
				slog.String("task_id", t.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	q.record(ctx, res)
	q.cleanup(ctx, t)
	metrics.TasksFailed.Inc()
	q.logger.Error("task failed",
		slog.String("task_id", t.ID),
		slog.String("error", cause.Error()),
	)

	w.handle.resolve(res, cause)
	if w.opts.OnError != nil {
		w.opts.OnError(cause)
	}
}

// finishCancelled settles the in-flight task when the queue context is
// cancelled mid-processing.
func (q *Queue) finishCancelled(ctx context.Context, w *work, cause error) {
	t := w.task
	_ = t.Cancel()
	_ = q.repo.Save(ctx, t)
	res := t.BuildResult()

	q.record(ctx, res)
	q.cleanup(ctx, t)
	metrics.TasksCancelled.Inc()
	q.logger.Info("task cancelled", slog.String("task_id", t.ID))

	w.handle.resolve(res, cause)
	if w.opts.OnError != nil {
		w.opts.OnError(cause)
	}
}

// compressItem runs one media item through compression and records the
// artifact path on the item.
func (q *Queue) compressItem(ctx context.Context, t *Task, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item, ok := t.Item(index)
	if !ok {
		return fmt.Errorf("no item at index %d", index)
	}

	var outputPath string
	switch item.Kind {
	case KindImage:
		if item.Media.Image == nil {
			return errors.New("image item has no decoded payload")
		}
		data, ext, err := q.stills.Compress(item.Media.Image, item.Media.Format, item.Media.Quality)
		if err != nil {
			return err
		}
		path, err := q.scratch.SaveOutput(ctx, t.ID, item.ID+"."+ext, data)
		if err != nil {
			return err
		}
		outputPath = path

	case KindVideo:
		if item.Media.Path == "" {
			return errors.New("video item has no source path")
		}
		path, err := q.scratch.OutputPath(t.ID, item.ID+".mp4")
		if err != nil {
			return err
		}
		if err := q.transcoder.Transcode(ctx, item.Media.Path, path); err != nil {
			return err
		}
		outputPath = path

	default:
		return fmt.Errorf("unknown media kind %q", item.Kind)
	}

	return t.CompressItem(index, outputPath)
}

// uploadItems pushes every compressed artifact to remote storage. An upload
// failure never drops an item: the artifact already exists on local disk,
// so the failure is noted on the item and it stays deliverable.
func (q *Queue) uploadItems(ctx context.Context, t *Task) {
	if q.uploader == nil {
		return
	}
	for i := 0; i < t.ItemCount(); i++ {
		item, _ := t.Item(i)
		if item.State != StateCompressed {
			continue
		}
		if err := q.uploadItem(ctx, t, i, item); err != nil {
			metrics.UploadsTotal.WithLabelValues("failed").Inc()
			t.SetItemError(i, fmt.Sprintf("upload: %v", err))
			q.logger.Warn("artifact upload failed",
				slog.String("task_id", t.ID),
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()),
			)
		} else {
			metrics.UploadsTotal.WithLabelValues("ok").Inc()
		}
		_ = q.repo.Save(ctx, t)
	}
}

func (q *Queue) uploadItem(ctx context.Context, t *Task, index int, item Item) error {
	if err := t.TransitionItem(index, StateUploading); err != nil {
		return err
	}
	f, err := os.Open(item.OutputPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	key := t.ID + "/" + filepath.Base(item.OutputPath)
	url, err := q.uploader.Upload(ctx, key, f, contentTypeForPath(item.OutputPath))
	if err != nil {
		return err
	}
	return t.UploadItem(index, url)
}

// callbackTarget resolves the callback URL for a task.
func (q *Queue) callbackTarget(t *Task) string {
	if t.CallbackURL != "" {
		return t.CallbackURL
	}
	return q.callbackURL
}

func (q *Queue) record(ctx context.Context, res *Result) {
	if q.recorder == nil {
		return
	}
	if err := q.recorder.Record(ctx, res); err != nil {
		q.logger.Warn("result not recorded",
			slog.String("task_id", res.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) cleanup(ctx context.Context, t *Task) {
	paths := t.ScratchInputs()
	if len(paths) == 0 {
		return
	}
	if err := q.scratch.Cleanup(ctx, paths); err != nil {
		q.logger.Warn("scratch cleanup failed",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

func contentTypeForPath(path string) string {
	switch strings.TrimPrefix(filepath.Ext(path), ".") {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
