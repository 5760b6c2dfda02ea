package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	// Accepted still input formats. WebP is decode-only.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/bitpress/mediaprep/internal/history"
	"github.com/bitpress/mediaprep/internal/storage"
	"github.com/bitpress/mediaprep/internal/task"
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	queue     *task.Queue
	staging   *storage.LocalStorage
	history   *history.Store
	validator *validator.Validate
	logger    *slog.Logger
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithHistory wires the task journal into the read endpoints. Without it
// the history routes answer 404.
func WithHistory(store *history.Store) HandlerOption {
	return func(h *Handlers) {
		h.history = store
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(queue *task.Queue, staging *storage.LocalStorage, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		queue:     queue,
		staging:   staging,
		validator: validator.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateTask handles POST /v1/tasks requests.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	media, err := h.buildSelection(r.Context(), req.Items)
	if err != nil {
		h.logger.Warn("rejecting media selection",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_MEDIA")
		return
	}

	t := task.New(req.Title, media)
	t.CallbackURL = req.WebhookURL

	if _, err := h.queue.Enqueue(r.Context(), t, task.EnqueueOptions{}); err != nil {
		h.discardStaged(r.Context(), media)
		switch {
		case errors.Is(err, task.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "task queue is full", "QUEUE_FULL")
		case errors.Is(err, task.ErrQueueClosed):
			writeError(w, http.StatusServiceUnavailable, "service is shutting down", "QUEUE_CLOSED")
		case errors.Is(err, task.ErrEmptySelection), errors.Is(err, task.ErrDuplicateItem):
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_SELECTION")
		default:
			h.logger.Error("failed to enqueue task",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to create task", "TASK_CREATION_FAILED")
		}
		return
	}

	h.logger.Info("task accepted",
		slog.String("task_id", t.ID),
		slog.Int("items", t.ItemCount()),
	)

	writeJSON(w, http.StatusAccepted, CreateTaskResponse{
		TaskID:    t.ID,
		Status:    string(t.GetStatus()),
		ItemCount: t.ItemCount(),
	})
}

// buildSelection turns request items into domain media: image payloads are
// decoded in place, video payloads are staged into the scratch workspace.
// Any staged file is removed again if a later item fails.
func (h *Handlers) buildSelection(ctx context.Context, items []TaskItemRequest) ([]task.Media, error) {
	media := make([]task.Media, 0, len(items))
	fail := func(err error) ([]task.Media, error) {
		h.discardStaged(ctx, media)
		return nil, err
	}

	for i, item := range items {
		m := task.Media{
			ID:      item.ID,
			Kind:    task.MediaKind(item.Kind),
			Format:  item.Format,
			Quality: item.Quality,
		}

		switch m.Kind {
		case task.KindImage:
			if item.Data == "" {
				return fail(fmt.Errorf("item %d: image items require a base64 payload", i))
			}
			raw, err := base64.StdEncoding.DecodeString(item.Data)
			if err != nil {
				return fail(fmt.Errorf("item %d: invalid base64 payload: %w", i, err))
			}
			img, _, err := image.Decode(bytes.NewReader(raw))
			if err != nil {
				return fail(fmt.Errorf("item %d: undecodable image: %w", i, err))
			}
			m.Image = img

		case task.KindVideo:
			switch {
			case item.Data != "":
				raw, err := base64.StdEncoding.DecodeString(item.Data)
				if err != nil {
					return fail(fmt.Errorf("item %d: invalid base64 payload: %w", i, err))
				}
				path, err := h.staging.SaveInput(ctx, fmt.Sprintf("input-%03d.mp4", i), bytes.NewReader(raw))
				if err != nil {
					return fail(fmt.Errorf("item %d: stage payload: %w", i, err))
				}
				m.Path = path
				m.Staged = true
			case item.Path != "":
				m.Path = item.Path
			default:
				return fail(fmt.Errorf("item %d: video items require a payload or a path", i))
			}
		}

		media = append(media, m)
	}
	return media, nil
}

// discardStaged removes scratch copies of inputs that never made it into
// the queue.
func (h *Handlers) discardStaged(ctx context.Context, media []task.Media) {
	var paths []string
	for _, m := range media {
		if m.Staged && m.Path != "" {
			paths = append(paths, m.Path)
		}
	}
	if len(paths) == 0 {
		return
	}
	if err := h.staging.Cleanup(ctx, paths); err != nil {
		h.logger.Warn("staged input cleanup failed",
			slog.String("error", err.Error()),
		)
	}
}

// GetTask handles GET /v1/tasks/{id} requests.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required", "MISSING_TASK_ID")
		return
	}

	t, err := h.queue.Task(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get task",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get task", "TASK_FETCH_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, newTaskResponse(t))
}

// newTaskResponse builds a snapshot DTO from a task clone.
func newTaskResponse(t *task.Task) TaskResponse {
	resp := TaskResponse{
		TaskID:      t.ID,
		Title:       t.Title,
		Status:      string(t.Status),
		Items:       make([]TaskItemResponse, 0, len(t.Items)),
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
	for _, item := range t.Items {
		resp.Items = append(resp.Items, TaskItemResponse{
			ID:         item.ID,
			Kind:       string(item.Kind),
			State:      string(item.State),
			OutputPath: item.OutputPath,
			URL:        item.URL,
			Error:      item.Error,
		})
	}
	return resp
}

// History handles GET /v1/history requests.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "history is not enabled", "HISTORY_DISABLED")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "INVALID_LIMIT")
			return
		}
		limit = n
	}

	entries, err := h.history.List(limit)
	if err != nil {
		h.logger.Error("failed to list history",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list history", "HISTORY_FETCH_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{Entries: entries})
}

// HistoryEntry handles GET /v1/history/{id} requests.
func (h *Handlers) HistoryEntry(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "history is not enabled", "HISTORY_DISABLED")
		return
	}

	taskID := r.PathValue("id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required", "MISSING_TASK_ID")
		return
	}

	entry, err := h.history.Get(taskID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no history entry for task", "ENTRY_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get history entry",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get history entry", "HISTORY_FETCH_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
