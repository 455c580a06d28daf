// Package scheduler executes typed, interdependent units of work with
// bounded concurrency and failure recovery. It is agnostic to what a task
// does: the execute function is supplied by the caller, in practice a call
// into the code transformer or another collaborator.
//
// The scheduler holds no state between runs and may serve multiple sessions
// concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies the kind of work a task performs.
type TaskType string

const (
	TypeAnalyze   TaskType = "analyze"
	TypePlan      TaskType = "plan"
	TypeImplement TaskType = "implement"
	TypeReview    TaskType = "review"
	TypeTest      TaskType = "test"
)

// Role names the worker specialization a task is assigned to.
type Role string

const (
	RoleAnalyzer    Role = "analyzer"
	RoleDeveloper   Role = "developer"
	RoleReviewer    Role = "reviewer"
	RoleTestAuthor  Role = "test-author"
	RoleCoordinator Role = "coordinator"
)

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one schedulable unit of work.
type Task struct {
	ID           string
	Type         TaskType
	Input        any
	DependsOn    []string
	AssignedRole Role
	// Priority is caller bookkeeping only. It never affects scheduling
	// order, which follows declaration order among ready tasks.
	Priority int

	Status      TaskStatus
	RetryCount  int
	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// NewTask creates a pending task with a fresh ID.
func NewTask(taskType TaskType, role Role, input any, dependsOn ...string) Task {
	return Task{
		ID:           uuid.New().String(),
		Type:         taskType,
		Input:        input,
		DependsOn:    dependsOn,
		AssignedRole: role,
		Status:       TaskPending,
		EnqueuedAt:   time.Now(),
	}
}

// Result records one task's outcome.
type Result struct {
	TaskID      string
	Type        TaskType
	Output      any
	Err         error
	Attempts    int
	StartedAt   time.Time
	CompletedAt time.Time
}

// Failed reports whether the task ended in a failed state.
func (r Result) Failed() bool {
	return r.Err != nil
}

// ExecuteFunc performs one task attempt.
type ExecuteFunc func(ctx context.Context, task *Task) (any, error)

// RecoverFunc decides whether a failed task attempt should be retried.
// It is invoked immediately after every failure, before the task is given
// up on.
type RecoverFunc func(ctx context.Context, task *Task, err error) bool

// Sentinel errors surfaced in task results and run outcomes.
var (
	// ErrDependencyFailed marks a task that never ran because a task it
	// depends on failed.
	ErrDependencyFailed = errors.New("dependency failed")
	// ErrTasksFailed is returned by Run when at least one task failed.
	ErrTasksFailed = errors.New("one or more tasks failed")
)

// DependencyError wraps ErrDependencyFailed with the failed dependency id.
type DependencyError struct {
	TaskID       string
	DependencyID string
}

// Error implements the error interface.
func (e *DependencyError) Error() string {
	return fmt.Sprintf("task %s blocked: dependency %s failed", e.TaskID, e.DependencyID)
}

// Unwrap lets errors.Is match ErrDependencyFailed.
func (e *DependencyError) Unwrap() error {
	return ErrDependencyFailed
}
