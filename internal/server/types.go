// Package server provides the HTTP surface of the media preparation service.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/bitpress/mediaprep/internal/history"
)

// CreateTaskRequest is the HTTP request body for submitting a compression task.
type CreateTaskRequest struct {
	// Title is an optional display name for the batch.
	Title string `json:"title"`
	// WebhookURL overrides the service-wide completion callback target.
	WebhookURL string `json:"webhook_url" validate:"omitempty,url"`
	// Items is the media selection, processed in the given order.
	Items []TaskItemRequest `json:"items" validate:"required,min=1,dive"`
}

// TaskItemRequest is one selected media payload.
type TaskItemRequest struct {
	// ID is an optional stable identifier. Missing IDs are generated from
	// the item's position.
	ID string `json:"id"`
	// Kind selects the payload type.
	Kind string `json:"kind" validate:"required,oneof=image video"`
	// Data is the base64-encoded payload. Required for images, optional
	// for videos that reference a server-local path instead.
	Data string `json:"data" validate:"omitempty,base64"`
	// Path is a server-local source file, only meaningful for videos.
	Path string `json:"path"`
	// Format selects the still output encoding. Defaults to jpeg.
	Format string `json:"format" validate:"omitempty,oneof=jpeg png"`
	// Quality is the still encoding quality in (0, 1]. Zero uses the default.
	Quality float64 `json:"quality" validate:"omitempty,gt=0,lte=1"`
}

// CreateTaskResponse is the HTTP response after accepting a task.
type CreateTaskResponse struct {
	// TaskID is the unique identifier for the created task.
	TaskID string `json:"task_id"`
	// Status is the task status at the time of acceptance.
	Status string `json:"status"`
	// ItemCount is the number of selected media items.
	ItemCount int `json:"item_count"`
}

// TaskItemResponse is the snapshot of one item within a task.
type TaskItemResponse struct {
	// ID is the item identifier, unique within the task.
	ID string `json:"id"`
	// Kind is the media kind of the payload.
	Kind string `json:"kind"`
	// State is the current item lifecycle state.
	State string `json:"state"`
	// OutputPath is the local path of the compressed artifact.
	OutputPath string `json:"output_path,omitempty"`
	// URL is the remote location once the artifact is uploaded.
	URL string `json:"url,omitempty"`
	// Error is the drop reason for failed items, or an upload failure note.
	Error string `json:"error,omitempty"`
}

// TaskResponse is the HTTP response for a task snapshot.
type TaskResponse struct {
	// TaskID is the unique identifier for the task.
	TaskID string `json:"task_id"`
	// Title is the caller-supplied display name.
	Title string `json:"title,omitempty"`
	// Status is the current task status.
	Status string `json:"status"`
	// Items are the per-item snapshots, in selection order.
	Items []TaskItemResponse `json:"items"`
	// Error contains any error message if the task failed.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the task was accepted.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when processing started, omitted while pending.
	StartedAt time.Time `json:"started_at,omitzero"`
	// CompletedAt is when the task settled, omitted until then.
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// HistoryResponse is the HTTP response for the task journal.
type HistoryResponse struct {
	// Entries are journal entries, newest first.
	Entries []history.Entry `json:"entries"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
