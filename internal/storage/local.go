// Package storage provides the on-disk scratch workspace for task media.
// Staged inputs live at the workspace root with unique suffixes; compressed
// artifacts live in one subdirectory per task.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitpress/mediaprep/internal/task"
)

// LocalStorage implements the scratch workspace on local disk.
type LocalStorage struct {
	dir string
}

var _ task.Scratch = (*LocalStorage)(nil)

// NewLocalStorage creates a new LocalStorage instance rooted at dir.
// If dir is empty, a directory under os.TempDir() is used.
// The directory is created if it doesn't exist.
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "mediaprep")
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	return &LocalStorage{dir: dir}, nil
}

// Dir returns the scratch workspace root.
func (s *LocalStorage) Dir() string {
	return s.dir
}

// SaveInput stages uploaded source data in the workspace and returns the
// file path. The name is used as a base for the filename with a unique
// suffix.
func (s *LocalStorage) SaveInput(ctx context.Context, name string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.CreateTemp(s.dir, sanitize(name)+"_*")
	if err != nil {
		return "", fmt.Errorf("create input file: %w", err)
	}

	fileName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(fileName)
		return "", fmt.Errorf("write input file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(fileName)
		return "", fmt.Errorf("close input file: %w", err)
	}

	return fileName, nil
}

// SaveOutput writes a compressed artifact into the task's directory and
// returns its path.
func (s *LocalStorage) SaveOutput(ctx context.Context, taskID, name string, data []byte) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	path, err := s.OutputPath(taskID, name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

// OutputPath reserves a path for an artifact produced out of process, such
// as the transcoder's muxer output. Any stale file at the path is removed.
func (s *LocalStorage) OutputPath(taskID, name string) (string, error) {
	dir := filepath.Join(s.dir, sanitize(taskID))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create task directory: %w", err)
	}

	path := filepath.Join(dir, sanitize(name))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("clear stale artifact: %w", err)
	}
	return path, nil
}

// Cleanup removes the specified staged files.
// It continues cleanup even if some files fail to delete,
// returning the first error encountered.
func (s *LocalStorage) Cleanup(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove staged file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// sanitize keeps names from escaping the workspace directory.
func sanitize(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" || name == "." || name == ".." {
		return "media"
	}
	return name
}
