package persistence

import (
	"time"
)

// Priority of a task as set by the operator.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Column names a lifecycle list on a tenant's board.
type Column string

const (
	ColumnQueue      Column = "queue"
	ColumnInProgress Column = "inProgress"
	ColumnDone       Column = "done"
	ColumnBlocked    Column = "blocked"
)

// Columns in scan order. A task lives in exactly one of these.
var Columns = []Column{ColumnQueue, ColumnInProgress, ColumnDone, ColumnBlocked}

// TaskStatus mirrors the column a task occupies, plus the timeout flavor of done.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusExecuting TaskStatus = "executing"
	StatusDone      TaskStatus = "done"
	StatusTimeout   TaskStatus = "timeout"
	StatusBlocked   TaskStatus = "blocked"
)

// Task is one unit of work tracked through the board.
// ChildSessionKey links the task to the sub-agent session spawned for it and
// is kept after completion so the operator can follow up with that session.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Priority        Priority   `json:"priority,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	Source          string     `json:"source,omitempty"`
	Status          TaskStatus `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	ChildSessionKey string     `json:"childSessionRef,omitempty"`
}

// BoardColumns is the columns object of the stored board document.
type BoardColumns struct {
	Queue      []Task `json:"queue"`
	InProgress []Task `json:"inProgress"`
	Done       []Task `json:"done"`
	Blocked    []Task `json:"blocked"`
}

// Board is one tenant's durable task document.
type Board struct {
	Columns BoardColumns `json:"columns"`
}

// normalize replaces nil column slices so the board always serializes
// with arrays, never null. Consumers index into columns unconditionally.
func (b *Board) normalize() {
	for _, c := range Columns {
		if list := b.column(c); *list == nil {
			*list = []Task{}
		}
	}
}

func (b *Board) column(c Column) *[]Task {
	switch c {
	case ColumnQueue:
		return &b.Columns.Queue
	case ColumnInProgress:
		return &b.Columns.InProgress
	case ColumnDone:
		return &b.Columns.Done
	case ColumnBlocked:
		return &b.Columns.Blocked
	}
	return nil
}

// Tasks returns the tasks of the named column.
func (b *Board) Tasks(c Column) []Task {
	if list := b.column(c); list != nil {
		return *list
	}
	return nil
}

// Find locates a task by id, returning the column holding it.
func (b *Board) Find(id string) (Task, Column, bool) {
	for _, c := range Columns {
		for _, t := range *b.column(c) {
			if t.ID == id {
				return t, c, true
			}
		}
	}
	return Task{}, "", false
}

// remove deletes a task by id from whichever column holds it.
func (b *Board) remove(id string) (Task, Column, bool) {
	for _, c := range Columns {
		list := b.column(c)
		for i, t := range *list {
			if t.ID == id {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return t, c, true
			}
		}
	}
	return Task{}, "", false
}

// prepend inserts a task at the head of a column (newest-first).
func (b *Board) prepend(c Column, t Task) {
	list := b.column(c)
	*list = append([]Task{t}, *list...)
}
