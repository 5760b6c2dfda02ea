package task

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryRepository_Save(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := New("batch one", testMedia(1))
	err := repo.Save(ctx, task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found, err := repo.FindByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found.ID != task.ID {
		t.Errorf("expected ID %s, got %s", task.ID, found.ID)
	}
	if found.Title != task.Title {
		t.Errorf("expected title %s, got %s", task.Title, found.Title)
	}
}

func TestMemoryRepository_Save_Update(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := New("", testMedia(1))
	_ = repo.Save(ctx, task)

	_ = task.Start()
	_ = repo.Save(ctx, task)

	found, err := repo.FindByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found.Status != StatusProcessing {
		t.Errorf("expected status %s, got %s", StatusProcessing, found.Status)
	}
}

func TestMemoryRepository_FindByID_NotFound(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.FindByID(ctx, "nonexistent")
	if err != ErrTaskNotFound {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMemoryRepository_FindByID_ReturnsClone(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := New("", testMedia(1))
	_ = repo.Save(ctx, task)

	found1, _ := repo.FindByID(ctx, task.ID)
	found1.Status = StatusCompleted
	found1.Items[0].State = StateFailed

	found2, _ := repo.FindByID(ctx, task.ID)
	if found2.Status == StatusCompleted {
		t.Error("modifying returned task should not affect stored task")
	}
	if found2.Items[0].State == StateFailed {
		t.Error("modifying returned items should not affect stored task")
	}
}

func TestMemoryRepository_List(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := New(fmt.Sprintf("batch-%d", i), testMedia(1))
		_ = repo.Save(ctx, task)
	}

	tasks, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("expected 3 tasks, got %d", len(tasks))
	}
}

func TestMemoryRepository_List_Empty(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	tasks, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected empty list, got %d tasks", len(tasks))
	}
}

func TestMemoryRepository_List_ReturnsClones(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := New("", testMedia(1))
	_ = repo.Save(ctx, task)

	tasks, _ := repo.List(ctx)
	tasks[0].Status = StatusFailed

	found, _ := repo.FindByID(ctx, task.ID)
	if found.Status == StatusFailed {
		t.Error("modifying listed task should not affect stored task")
	}
}

func TestMemoryRepository_Delete(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := New("", testMedia(1))
	_ = repo.Save(ctx, task)

	err := repo.Delete(ctx, task.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = repo.FindByID(ctx, task.ID)
	if err != ErrTaskNotFound {
		t.Errorf("expected ErrTaskNotFound after delete, got %v", err)
	}
}

func TestMemoryRepository_Delete_NotFound(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.Delete(ctx, "nonexistent")
	if err != ErrTaskNotFound {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMemoryRepository_ConcurrentAccess(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			task := New(fmt.Sprintf("batch-%d", n), testMedia(1))
			_ = repo.Save(ctx, task)
			_, _ = repo.FindByID(ctx, task.ID)
			_, _ = repo.List(ctx)
		}(i)
	}
	wg.Wait()

	tasks, _ := repo.List(ctx)
	if len(tasks) != 10 {
		t.Errorf("expected 10 tasks, got %d", len(tasks))
	}
}
