package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AddToQueue prepends a task to the tenant's queue (newest-first). A task
// with no id gets one; ids must be unique across all columns.
func (s *Store) AddToQueue(ctx context.Context, tenantID string, task Task) (Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	task.Status = StatusQueued

	err := s.WithBoard(ctx, tenantID, func(b *Board) error {
		if _, _, found := b.Find(task.ID); found {
			return fmt.Errorf("%w: %s", ErrDuplicateID, task.ID)
		}
		b.prepend(ColumnQueue, task)
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// StartTask removes the task from whichever column holds it, stamps it
// executing, and appends it to inProgress. Returns the updated task.
func (s *Store) StartTask(ctx context.Context, tenantID, taskID string) (Task, error) {
	var started Task
	err := s.WithBoard(ctx, tenantID, func(b *Board) error {
		task, _, found := b.remove(taskID)
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		now := time.Now().UTC()
		task.StartedAt = &now
		task.Status = StatusExecuting
		b.Columns.InProgress = append(b.Columns.InProgress, task)
		started = task
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return started, nil
}

// SetSessionKey records the spawned sub-agent session on an in-progress
// task. Persisted immediately so a restart has something to recover from.
func (s *Store) SetSessionKey(ctx context.Context, tenantID, taskID, sessionKey string) error {
	return s.WithBoard(ctx, tenantID, func(b *Board) error {
		for i := range b.Columns.InProgress {
			if b.Columns.InProgress[i].ID == taskID {
				b.Columns.InProgress[i].ChildSessionKey = sessionKey
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNotInProgress, taskID)
	})
}

// Completion carries the terminal outcome applied by CompleteTask.
type Completion struct {
	Result  string
	Error   string
	Timeout bool
}

// CompleteTask moves an in-progress task to done, stamping completedAt and
// the outcome. Completing a task that is no longer in progress returns
// ErrNotInProgress; a late timer treats that as a safe no-op.
func (s *Store) CompleteTask(ctx context.Context, tenantID, taskID string, outcome Completion) (Task, error) {
	var completed Task
	err := s.WithBoard(ctx, tenantID, func(b *Board) error {
		idx := -1
		for i := range b.Columns.InProgress {
			if b.Columns.InProgress[i].ID == taskID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrNotInProgress, taskID)
		}
		task := b.Columns.InProgress[idx]
		b.Columns.InProgress = append(b.Columns.InProgress[:idx], b.Columns.InProgress[idx+1:]...)

		now := time.Now().UTC()
		task.CompletedAt = &now
		task.Result = outcome.Result
		task.Error = outcome.Error
		if outcome.Timeout {
			task.Status = StatusTimeout
		} else {
			task.Status = StatusDone
		}
		b.prepend(ColumnDone, task)
		completed = task
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return completed, nil
}

// MoveTask relocates a task to the given column (e.g. blocked and back).
// Moving into done or inProgress goes through CompleteTask/StartTask
// instead, so status stamps stay consistent.
func (s *Store) MoveTask(ctx context.Context, tenantID, taskID string, to Column) (Task, error) {
	if to == ColumnDone || to == ColumnInProgress {
		return Task{}, fmt.Errorf("move to %s not allowed; use the lifecycle operations", to)
	}
	var moved Task
	err := s.WithBoard(ctx, tenantID, func(b *Board) error {
		task, from, found := b.remove(taskID)
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		if from == to {
			// Put it back where it was.
			b.prepend(to, task)
			moved = task
			return nil
		}
		switch to {
		case ColumnQueue:
			task.Status = StatusQueued
		case ColumnBlocked:
			task.Status = StatusBlocked
		}
		b.prepend(to, task)
		moved = task
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return moved, nil
}

// UpdateTask applies an operator edit to a task wherever it lives.
func (s *Store) UpdateTask(ctx context.Context, tenantID, taskID string, mutate func(*Task)) (Task, error) {
	var updated Task
	err := s.WithBoard(ctx, tenantID, func(b *Board) error {
		for _, c := range Columns {
			list := b.column(c)
			for i := range *list {
				if (*list)[i].ID == taskID {
					mutate(&(*list)[i])
					updated = (*list)[i]
					return nil
				}
			}
		}
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	})
	if err != nil {
		return Task{}, err
	}
	return updated, nil
}

// DeleteTask removes the task from whichever column holds it.
func (s *Store) DeleteTask(ctx context.Context, tenantID, taskID string) error {
	return s.WithBoard(ctx, tenantID, func(b *Board) error {
		if _, _, found := b.remove(taskID); !found {
			return fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return nil
	})
}

// GetTask finds a task by id across all columns.
func (s *Store) GetTask(ctx context.Context, tenantID, taskID string) (Task, Column, error) {
	board, err := s.LoadBoard(ctx, tenantID)
	if err != nil {
		return Task{}, "", err
	}
	task, col, found := board.Find(taskID)
	if !found {
		return Task{}, "", fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return task, col, nil
}
