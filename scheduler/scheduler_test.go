package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// maxTracker observes the peak number of simultaneously running tasks.
type maxTracker struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (m *maxTracker) TaskStarted(TaskType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current++
	if m.current > m.peak {
		m.peak = m.current
	}
}

func (m *maxTracker) TaskFinished(TaskType, bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current--
}

func tasksByID(results []Result) map[string]Result {
	out := make(map[string]Result, len(results))
	for _, r := range results {
		out[r.TaskID] = r
	}
	return out
}

func TestRunAllIndependent(t *testing.T) {
	tasks := []Task{
		{ID: "t1", Type: TypeImplement},
		{ID: "t2", Type: TypeImplement},
		{ID: "t3", Type: TypeImplement},
		{ID: "t4", Type: TypeImplement},
	}

	var executed atomic.Int64
	execute := func(ctx context.Context, task *Task) (any, error) {
		executed.Add(1)
		return task.ID + "-done", nil
	}

	results, err := Run(context.Background(), tasks, execute, nil, Options{MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if executed.Load() != 4 {
		t.Errorf("expected 4 executions, got %d", executed.Load())
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Failed() {
			t.Errorf("task %s failed: %v", r.TaskID, r.Err)
		}
	}
	if results[0].TaskID != "t1" || results[3].TaskID != "t4" {
		t.Errorf("results not in declaration order: %v", results)
	}
}

func TestRunConcurrencyBound(t *testing.T) {
	var tasks []Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, Task{ID: fmt.Sprintf("t%d", i), Type: TypeImplement})
	}

	tracker := &maxTracker{}
	execute := func(ctx context.Context, task *Task) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}

	_, err := Run(context.Background(), tasks, execute, nil, Options{
		MaxConcurrent: 2,
		Observer:      tracker,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tracker.peak > 2 {
		t.Errorf("concurrency bound violated: peak %d running", tracker.peak)
	}
}

func TestRunDependencyOrder(t *testing.T) {
	tasks := []Task{
		{ID: "analyze", Type: TypeAnalyze},
		{ID: "implement", Type: TypeImplement, DependsOn: []string{"analyze"}},
		{ID: "review", Type: TypeReview, DependsOn: []string{"implement"}},
	}

	execute := func(ctx context.Context, task *Task) (any, error) {
		time.Sleep(2 * time.Millisecond)
		return nil, nil
	}

	results, err := Run(context.Background(), tasks, execute, nil, Options{MaxConcurrent: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	byID := tasksByID(results)
	if byID["implement"].StartedAt.Before(byID["analyze"].CompletedAt) {
		t.Error("implement started before analyze completed")
	}
	if byID["review"].StartedAt.Before(byID["implement"].CompletedAt) {
		t.Error("review started before implement completed")
	}
}

func TestRunDeclarationOrderTieBreak(t *testing.T) {
	// Priority must not affect scheduling: with one worker, independent
	// tasks run strictly in declaration order.
	tasks := []Task{
		{ID: "first", Type: TypeImplement, Priority: 0},
		{ID: "second", Type: TypeImplement, Priority: 99},
		{ID: "third", Type: TypeImplement, Priority: 50},
	}

	var mu sync.Mutex
	var order []string
	execute := func(ctx context.Context, task *Task) (any, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return nil, nil
	}

	if _, err := Run(context.Background(), tasks, execute, nil, Options{MaxConcurrent: 1}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"first", "second", "third"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("expected execution order %v, got %v", want, order)
		}
	}
}

func TestRunRetrySucceeds(t *testing.T) {
	tasks := []Task{{ID: "flaky", Type: TypeImplement}}

	var attempts atomic.Int64
	execute := func(ctx context.Context, task *Task) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient transformer error")
		}
		return "ok", nil
	}
	recoverHook := func(ctx context.Context, task *Task, err error) bool {
		return true
	}

	results, err := Run(context.Background(), tasks, execute, recoverHook, Options{MaxRetries: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Failed() {
		t.Fatalf("expected success after retries, got %v", results[0].Err)
	}
	if results[0].Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", results[0].Attempts)
	}
	if results[0].Output != "ok" {
		t.Errorf("expected output from final attempt, got %v", results[0].Output)
	}
}

func TestRunRecoverDeclines(t *testing.T) {
	tasks := []Task{{ID: "fatal", Type: TypeImplement}}

	var attempts atomic.Int64
	execute := func(ctx context.Context, task *Task) (any, error) {
		attempts.Add(1)
		return nil, errors.New("invalid input")
	}
	recoverHook := func(ctx context.Context, task *Task, err error) bool {
		return false
	}

	results, err := Run(context.Background(), tasks, execute, recoverHook, Options{MaxRetries: 5})
	if !errors.Is(err, ErrTasksFailed) {
		t.Fatalf("expected ErrTasksFailed, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected exactly 1 attempt when recover declines, got %d", attempts.Load())
	}
	if !results[0].Failed() {
		t.Error("expected failed result")
	}
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	tasks := []Task{{ID: "doomed", Type: TypeImplement}}

	var attempts atomic.Int64
	execute := func(ctx context.Context, task *Task) (any, error) {
		attempts.Add(1)
		return nil, errors.New("still broken")
	}
	recoverHook := func(ctx context.Context, task *Task, err error) bool {
		return true
	}

	results, err := Run(context.Background(), tasks, execute, recoverHook, Options{MaxRetries: 2})
	if !errors.Is(err, ErrTasksFailed) {
		t.Fatalf("expected ErrTasksFailed, got %v", err)
	}
	// Initial attempt plus two retries.
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
	if results[0].Attempts != 3 {
		t.Errorf("expected result to record 3 attempts, got %d", results[0].Attempts)
	}
}

func TestRunFailureBlocksDependents(t *testing.T) {
	tasks := []Task{
		{ID: "broken", Type: TypeAnalyze},
		{ID: "blocked", Type: TypeImplement, DependsOn: []string{"broken"}},
		{ID: "downstream", Type: TypeReview, DependsOn: []string{"blocked"}},
		{ID: "independent", Type: TypeImplement},
	}

	execute := func(ctx context.Context, task *Task) (any, error) {
		if task.ID == "broken" {
			return nil, errors.New("analysis failed")
		}
		return "done", nil
	}

	results, err := Run(context.Background(), tasks, execute, nil, Options{})
	if !errors.Is(err, ErrTasksFailed) {
		t.Fatalf("expected ErrTasksFailed, got %v", err)
	}

	byID := tasksByID(results)
	if !byID["broken"].Failed() {
		t.Error("broken should be failed")
	}
	if !errors.Is(byID["blocked"].Err, ErrDependencyFailed) {
		t.Errorf("blocked should carry ErrDependencyFailed, got %v", byID["blocked"].Err)
	}
	if !errors.Is(byID["downstream"].Err, ErrDependencyFailed) {
		t.Errorf("downstream should carry ErrDependencyFailed, got %v", byID["downstream"].Err)
	}
	if byID["independent"].Failed() {
		t.Errorf("independent task should succeed, got %v", byID["independent"].Err)
	}
}

func TestRunGraphValidation(t *testing.T) {
	execute := func(ctx context.Context, task *Task) (any, error) { return nil, nil }

	tests := []struct {
		name  string
		tasks []Task
	}{
		{
			name: "unknown dependency",
			tasks: []Task{
				{ID: "a", DependsOn: []string{"ghost"}},
			},
		},
		{
			name: "cycle",
			tasks: []Task{
				{ID: "a", DependsOn: []string{"b"}},
				{ID: "b", DependsOn: []string{"a"}},
			},
		},
		{
			name: "duplicate id",
			tasks: []Task{
				{ID: "a"},
				{ID: "a"},
			},
		},
		{
			name: "missing id",
			tasks: []Task{
				{ID: ""},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Run(context.Background(), tt.tasks, execute, nil, Options{}); err == nil {
				t.Error("expected graph validation error")
			}
		})
	}
}

func TestRunEmpty(t *testing.T) {
	results, err := Run(context.Background(), nil, func(ctx context.Context, task *Task) (any, error) {
		return nil, nil
	}, nil, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	tasks := []Task{
		{ID: "slow", Type: TypeImplement},
		{ID: "after", Type: TypeImplement, DependsOn: []string{"slow"}},
	}

	execute := func(ctx context.Context, task *Task) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	done := make(chan struct{})
	var err error
	go func() {
		_, err = Run(ctx, tasks, execute, nil, Options{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewTask(t *testing.T) {
	task := NewTask(TypeImplement, RoleDeveloper, "payload", "dep1")
	if task.ID == "" {
		t.Error("expected generated id")
	}
	if task.Status != TaskPending {
		t.Errorf("expected pending status, got %s", task.Status)
	}
	if len(task.DependsOn) != 1 || task.DependsOn[0] != "dep1" {
		t.Errorf("unexpected dependencies: %v", task.DependsOn)
	}
}
