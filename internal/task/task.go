// Package task provides the Task aggregate and the queue that processes
// batches of selected media. A task groups the media items one request
// selected for compression; the queue drives them through compression,
// optional upload and completion delivery, strictly one task at a time.
package task

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bitpress/mediaprep/internal/task/id"
)

// MediaKind discriminates what a task item carries.
type MediaKind string

const (
	// KindImage is a decoded still image, compressed in-process.
	KindImage MediaKind = "image"
	// KindVideo is a video file on disk, re-encoded through ffmpeg.
	KindVideo MediaKind = "video"
)

// IsValid returns true if the media kind is known.
func (k MediaKind) IsValid() bool {
	return k == KindImage || k == KindVideo
}

// Media is one selected payload: a decoded image or a path to a video file.
type Media struct {
	// ID identifies the payload within its task. Empty means the task
	// assigns one on creation.
	ID string
	// Kind selects which payload field is set.
	Kind MediaKind
	// Image is the decoded still, set when Kind is KindImage.
	Image image.Image
	// Path is the source video file, set when Kind is KindVideo.
	Path string
	// Staged marks Path as a scratch copy owned by the service. Staged
	// inputs are removed once the task settles; caller paths never are.
	Staged bool
	// Format selects the still output encoding ("jpeg" or "png"). Empty
	// means the compressor default.
	Format string
	// Quality is the still encoding quality in (0, 1]. Zero means the
	// compressor default.
	Quality float64
}

// Status represents the current state of a Task.
type Status string

const (
	// StatusPending indicates the task is waiting in the queue.
	StatusPending Status = "PENDING"
	// StatusProcessing indicates the task's items are being worked on.
	StatusProcessing Status = "PROCESSING"
	// StatusCompleted indicates the task finished and its result was delivered.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the task produced no result or delivery failed.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the task was abandoned before processing.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid task state transition")

// validTransitions defines which task state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// MediaState represents the lifecycle of a single task item. States only
// move forward; a failed item is terminal and excluded from the result.
type MediaState string

const (
	// StateUncompressed indicates the item has not been processed yet.
	StateUncompressed MediaState = "UNCOMPRESSED"
	// StateCompressed indicates the compressed artifact exists on disk.
	StateCompressed MediaState = "COMPRESSED"
	// StateUploading indicates the artifact is being uploaded.
	StateUploading MediaState = "UPLOADING"
	// StateUploaded indicates the artifact is stored remotely.
	StateUploaded MediaState = "UPLOADED"
	// StateFailed indicates the item was dropped from the task.
	StateFailed MediaState = "FAILED"
)

// validItemTransitions defines the forward-only item lifecycle.
var validItemTransitions = map[MediaState][]MediaState{
	StateUncompressed: {StateCompressed, StateFailed},
	StateCompressed:   {StateUploading, StateFailed},
	StateUploading:    {StateUploaded, StateFailed},
	StateUploaded:     {},
	StateFailed:       {},
}

func canItemTransition(from, to MediaState) bool {
	allowed, ok := validItemTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Item is one media payload tracked through a task.
type Item struct {
	// ID is the item identifier, unique within the task.
	ID string `json:"id"`
	// Index is the position of this item in the original selection.
	Index int `json:"index"`
	// Kind is the media kind of the payload.
	Kind MediaKind `json:"kind"`
	// Media is the source payload. The decoded image is released once the
	// item is compressed.
	Media Media `json:"-"`
	// State is the current item lifecycle state.
	State MediaState `json:"state"`
	// OutputPath is the local path of the compressed artifact.
	OutputPath string `json:"output_path,omitempty"`
	// URL is the remote location when an uploader is configured.
	URL string `json:"url,omitempty"`
	// Error contains the failure reason for dropped items, or a non-fatal
	// upload failure note on items that are still deliverable.
	Error string `json:"error,omitempty"`
}

// DroppedItem records one selected media that failed processing and was
// left out of the result.
type DroppedItem struct {
	ItemID string `json:"item_id"`
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result is the completion payload for one task: the processed items in
// selection order, plus a record of everything that was dropped.
type Result struct {
	TaskID      string        `json:"task_id"`
	Title       string        `json:"title,omitempty"`
	Status      Status        `json:"status"`
	Items       []Item        `json:"items"`
	Dropped     []DroppedItem `json:"dropped,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Task represents one media compression request aggregate. It tracks the
// selected items through their lifecycle and the overall task status.
type Task struct {
	mu sync.RWMutex

	// ID is the unique identifier for this task.
	ID string
	// Title is the caller-supplied display name for the batch.
	Title string
	// Status is the current task state.
	Status Status
	// Items are the selected media payloads, in selection order.
	Items []Item
	// Error contains any error message if the task failed.
	Error string
	// CallbackURL overrides the queue's completion callback target.
	CallbackURL string
	// CreatedAt is when the task was created.
	CreatedAt time.Time
	// UpdatedAt is when the task was last updated.
	UpdatedAt time.Time
	// StartedAt is when processing started.
	StartedAt time.Time
	// CompletedAt is when processing finished.
	CompletedAt time.Time
}

// New creates a Task in PENDING state wrapping the given media selection.
// Media without an ID get one assigned from their selection position.
func New(title string, media []Media) *Task {
	now := time.Now()
	items := make([]Item, len(media))
	for i, m := range media {
		itemID := m.ID
		if itemID == "" {
			itemID = fmt.Sprintf("item-%03d", i)
		}
		items[i] = Item{
			ID:    itemID,
			Index: i,
			Kind:  m.Kind,
			Media: m,
			State: StateUncompressed,
		}
	}
	return &Task{
		ID:        id.Generate(),
		Title:     title,
		Status:    StatusPending,
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewWithID creates a Task with the specified ID, for tests and callers
// that generate identifiers externally.
func NewWithID(taskID, title string, media []Media) *Task {
	t := New(title, media)
	t.ID = taskID
	return t
}

// TransitionTo attempts to change the task status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (t *Task) TransitionTo(status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !canTransition(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}

	t.Status = status
	t.UpdatedAt = time.Now()

	switch status {
	case StatusProcessing:
		t.StartedAt = t.UpdatedAt
	case StatusCompleted, StatusFailed, StatusCancelled:
		t.CompletedAt = t.UpdatedAt
	}

	return nil
}

// Start transitions the task from PENDING to PROCESSING.
func (t *Task) Start() error {
	return t.TransitionTo(StatusProcessing)
}

// Complete transitions the task to COMPLETED state.
func (t *Task) Complete() error {
	return t.TransitionTo(StatusCompleted)
}

// Fail transitions the task to FAILED state with an error message.
func (t *Task) Fail(errMsg string) error {
	t.mu.Lock()
	t.Error = errMsg
	t.mu.Unlock()
	return t.TransitionTo(StatusFailed)
}

// Cancel transitions the task to CANCELLED state.
func (t *Task) Cancel() error {
	return t.TransitionTo(StatusCancelled)
}

// GetStatus returns the current task status (thread-safe).
func (t *Task) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status == StatusCompleted ||
		t.Status == StatusFailed ||
		t.Status == StatusCancelled
}

// ItemCount returns the number of selected items.
func (t *Task) ItemCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.Items)
}

// Item returns a copy of the item at index.
func (t *Task) Item(index int) (Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= len(t.Items) {
		return Item{}, false
	}
	return t.Items[index], true
}

// TransitionItem moves the item at index to the given state, enforcing the
// forward-only item lifecycle.
func (t *Task) TransitionItem(index int, state MediaState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.Items) {
		return fmt.Errorf("no item at index %d", index)
	}
	item := &t.Items[index]
	if !canItemTransition(item.State, state) {
		return fmt.Errorf("%w: item %s %s -> %s", ErrInvalidTransition, item.ID, item.State, state)
	}
	item.State = state
	t.UpdatedAt = time.Now()
	return nil
}

// CompressItem marks the item compressed and records where the artifact
// landed. The decoded image payload is released; the artifact on disk is
// now the source of truth.
func (t *Task) CompressItem(index int, outputPath string) error {
	if err := t.TransitionItem(index, StateCompressed); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Items[index].OutputPath = outputPath
	t.Items[index].Media.Image = nil
	return nil
}

// UploadItem marks the item uploaded and records its remote URL.
func (t *Task) UploadItem(index int, url string) error {
	if err := t.TransitionItem(index, StateUploaded); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Items[index].URL = url
	return nil
}

// FailItem drops the item with a failure reason. Unlike task failure, a
// failed item never fails the task by itself; it is recorded and skipped.
func (t *Task) FailItem(index int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.Items) {
		return
	}
	item := &t.Items[index]
	item.State = StateFailed
	item.Error = reason
	item.Media.Image = nil
	t.UpdatedAt = time.Now()
}

// SetItemError annotates the item with a non-fatal failure note without
// changing its state.
func (t *Task) SetItemError(index int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.Items) {
		return
	}
	t.Items[index].Error = reason
	t.UpdatedAt = time.Now()
}

// ScratchInputs returns the staged input copies owned by this task. These
// are the files the queue removes once the task settles.
func (t *Task) ScratchInputs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var paths []string
	for _, item := range t.Items {
		if item.Media.Staged && item.Media.Path != "" {
			paths = append(paths, item.Media.Path)
		}
	}
	return paths
}

// BuildResult assembles the completion payload: processed items in selection
// order and a dropped record for everything else. An item stuck in UPLOADING
// compressed fine and only its upload failed, so it stays deliverable from
// local disk. Status and Error reflect the task at the time of the call.
func (t *Task) BuildResult() *Result {
	t.mu.RLock()
	defer t.mu.RUnlock()

	res := &Result{
		TaskID:      t.ID,
		Title:       t.Title,
		Status:      t.Status,
		Error:       t.Error,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
	for _, item := range t.Items {
		switch item.State {
		case StateCompressed, StateUploading, StateUploaded:
			res.Items = append(res.Items, item)
		case StateFailed:
			res.Dropped = append(res.Dropped, DroppedItem{ItemID: item.ID, Index: item.Index, Reason: item.Error})
		default:
			res.Dropped = append(res.Dropped, DroppedItem{ItemID: item.ID, Index: item.Index, Reason: "never processed"})
		}
	}
	return res
}

// Clone creates a deep copy of the task for safe reads.
func (t *Task) Clone() *Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	items := make([]Item, len(t.Items))
	copy(items, t.Items)

	return &Task{
		ID:          t.ID,
		Title:       t.Title,
		Status:      t.Status,
		Items:       items,
		Error:       t.Error,
		CallbackURL: t.CallbackURL,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}
