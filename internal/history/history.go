// Package history journals task outcomes in an embedded pebble database.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/bitpress/mediaprep/internal/task"
)

// defaultListLimit bounds List when the caller does not.
const defaultListLimit = 50

// ErrNotFound is returned when no journal entry exists for a task.
var ErrNotFound = errors.New("history entry not found")

// Entry is one journaled task outcome. It is a condensed record, not the
// full result: enough to answer what happened to a task and why items
// were dropped.
type Entry struct {
	TaskID      string       `json:"task_id"`
	Title       string       `json:"title,omitempty"`
	Status      string       `json:"status"`
	Delivered   int          `json:"delivered"`
	Dropped     []DropRecord `json:"dropped,omitempty"`
	DurationMS  int64        `json:"duration_ms"`
	Error       string       `json:"error,omitempty"`
	CompletedAt time.Time    `json:"completed_at"`
}

// DropRecord names one dropped item and why it was left out.
type DropRecord struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Store is a pebble-backed journal of task outcomes. Entries are keyed by
// task ID; the ID's unix timestamp prefix makes the keyspace sort
// chronologically, so a reverse scan yields newest-first.
type Store struct {
	db *pebble.DB
}

var _ task.Recorder = (*Store)(nil)

// Open opens or creates the journal at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record journals the outcome of one settled task, overwriting any prior
// entry for the same task ID.
func (s *Store) Record(ctx context.Context, res *task.Result) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := json.Marshal(newEntry(res))
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	if err := s.db.Set([]byte(res.TaskID), data, pebble.Sync); err != nil {
		return fmt.Errorf("record history entry: %w", err)
	}
	return nil
}

func newEntry(res *task.Result) Entry {
	e := Entry{
		TaskID:      res.TaskID,
		Title:       res.Title,
		Status:      string(res.Status),
		Delivered:   len(res.Items),
		Error:       res.Error,
		CompletedAt: res.CompletedAt,
	}
	if !res.StartedAt.IsZero() && !res.CompletedAt.IsZero() {
		e.DurationMS = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
	}
	for _, d := range res.Dropped {
		e.Dropped = append(e.Dropped, DropRecord{ID: d.ItemID, Reason: d.Reason})
	}
	return e
}

// Get returns the journal entry for taskID, or ErrNotFound.
func (s *Store) Get(taskID string) (*Entry, error) {
	data, closer, err := s.db.Get([]byte(taskID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get history entry: %w", err)
	}
	defer func() { _ = closer.Close() }()

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal history entry: %w", err)
	}
	return &entry, nil
}

// List returns up to limit entries, newest first. A limit of zero or less
// falls back to a default of 50.
func (s *Store) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	defer func() { _ = iter.Close() }()

	entries := make([]Entry, 0, limit)
	for ok := iter.Last(); ok && len(entries) < limit; ok = iter.Prev() {
		var entry Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			// Skip records written by an incompatible version.
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
