package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Observer receives task lifecycle notifications. Implementations must be
// safe for concurrent use. Used to feed metrics without coupling the
// scheduler to an instrumentation backend.
type Observer interface {
	TaskStarted(taskType TaskType)
	TaskFinished(taskType TaskType, failed bool, duration time.Duration)
}

// Options tunes one scheduler run.
type Options struct {
	// MaxConcurrent bounds how many tasks run at once (default 2, the
	// external code transformer is cost-sensitive).
	MaxConcurrent int
	// MaxRetries bounds per-task retries after the first attempt (default 2).
	MaxRetries int
	Logger     *slog.Logger
	Observer   Observer
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 2
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// attempt is the outcome of one execution attempt.
type attempt struct {
	task        *Task
	output      any
	err         error
	startedAt   time.Time
	completedAt time.Time
}

// Run executes the task set, respecting declared dependencies, with at most
// opts.MaxConcurrent tasks running at any instant. Ready tasks start in
// declaration order; Priority never affects scheduling. On failure the
// recover hook is consulted; a retryable task is re-enqueued with its
// RetryCount incremented, up to opts.MaxRetries. A permanently failed task
// fails its transitive dependents without running them.
//
// Results are returned for every task, in declaration order. The returned
// error is non-nil iff at least one task ended failed (ErrTasksFailed) or
// the context was cancelled.
func Run(ctx context.Context, tasks []Task, execute ExecuteFunc, recoverHook RecoverFunc, opts Options) ([]Result, error) {
	if execute == nil {
		return nil, fmt.Errorf("execute function is required")
	}
	opts.applyDefaults()
	if len(tasks) == 0 {
		return nil, nil
	}

	graph, err := newDepGraph(tasks)
	if err != nil {
		return nil, fmt.Errorf("build task graph: %w", err)
	}

	r := &run{
		graph:    graph,
		execute:  execute,
		recover:  recoverHook,
		opts:     opts,
		outcomes: make(chan attempt, len(tasks)),
		results:  make(map[string]Result, len(tasks)),
		attempts: make(map[string]int, len(tasks)),
	}

	r.enqueue(graph.ready())
	r.launch(ctx)

	remaining := len(tasks)
	cancelled := false
	for remaining > 0 && !cancelled {
		select {
		case a := <-r.outcomes:
			r.running--
			remaining -= r.handle(ctx, a)
			r.launch(ctx)
		case <-ctx.Done():
			cancelled = true
		}
	}
	r.wg.Wait()

	if cancelled {
		// Drain in-flight outcomes, then fail whatever never finished.
		for {
			select {
			case a := <-r.outcomes:
				r.handle(ctx, a)
				continue
			default:
			}
			break
		}
		for _, t := range tasks {
			if _, ok := r.results[t.ID]; !ok {
				r.results[t.ID] = Result{TaskID: t.ID, Type: t.Type, Err: ctx.Err()}
			}
		}
	}

	// Assemble results in declaration order.
	out := make([]Result, 0, len(tasks))
	failed := 0
	for _, t := range tasks {
		res := r.results[t.ID]
		if res.Failed() {
			failed++
		}
		out = append(out, res)
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}
	if failed > 0 {
		return out, fmt.Errorf("%w: %d of %d", ErrTasksFailed, failed, len(tasks))
	}
	return out, nil
}

// run holds the state of one scheduler invocation. The queue and all task
// bookkeeping are owned by the drain loop; only execution attempts run on
// other goroutines.
type run struct {
	graph    *depGraph
	execute  ExecuteFunc
	recover  RecoverFunc
	opts     Options
	outcomes chan attempt
	results  map[string]Result
	attempts map[string]int
	queue    []*Task
	running  int
	wg       sync.WaitGroup
}

// enqueue appends ready tasks to the FIFO queue, preserving the declaration
// order the graph already established.
func (r *run) enqueue(ready []*Task) {
	r.queue = append(r.queue, ready...)
}

// launch fills free worker slots from the front of the queue.
func (r *run) launch(ctx context.Context) {
	for r.running < r.opts.MaxConcurrent && len(r.queue) > 0 {
		task := r.queue[0]
		r.queue = r.queue[1:]
		r.running++

		if task.Status != TaskRunning {
			task.Status = TaskRunning
			task.StartedAt = time.Now()
			if r.opts.Observer != nil {
				r.opts.Observer.TaskStarted(task.Type)
			}
		}

		r.wg.Add(1)
		go func(t *Task) {
			defer r.wg.Done()
			started := time.Now()
			output, err := r.execute(ctx, t)
			r.outcomes <- attempt{
				task:        t,
				output:      output,
				err:         err,
				startedAt:   started,
				completedAt: time.Now(),
			}
		}(task)
	}
}

// handle processes one attempt outcome. It returns how many tasks were
// finally accounted for: 0 when the task was re-enqueued for retry, 1 plus
// the number of cascaded dependent failures otherwise.
func (r *run) handle(ctx context.Context, a attempt) int {
	task := a.task
	r.attempts[task.ID]++

	if a.err == nil {
		r.record(task, Result{
			TaskID:      task.ID,
			Type:        task.Type,
			Output:      a.output,
			Attempts:    r.attempts[task.ID],
			StartedAt:   task.StartedAt,
			CompletedAt: a.completedAt,
		})
		r.enqueue(r.graph.markCompleted(task.ID))
		return 1
	}

	if r.recover != nil && r.recover(ctx, task, a.err) {
		if task.RetryCount < r.opts.MaxRetries {
			task.RetryCount++
			r.opts.Logger.Debug("Retrying task",
				"task_id", task.ID,
				"attempt", task.RetryCount+1,
				"error", a.err)
			r.enqueue([]*Task{task})
			return 0
		}
		r.opts.Logger.Warn("Task retry budget exhausted",
			"task_id", task.ID,
			"retry_count", task.RetryCount)
	}

	r.record(task, Result{
		TaskID:      task.ID,
		Type:        task.Type,
		Err:         a.err,
		Attempts:    r.attempts[task.ID],
		StartedAt:   task.StartedAt,
		CompletedAt: a.completedAt,
	})
	r.opts.Logger.Warn("Task failed permanently",
		"task_id", task.ID,
		"task_type", string(task.Type),
		"attempts", r.attempts[task.ID],
		"error", a.err)

	blocked := r.graph.transitiveDependents(task.ID)
	r.graph.remove(task.ID)

	cascaded := 0
	for _, dep := range blocked {
		if _, seen := r.results[dep.ID]; seen {
			continue
		}
		dep.Status = TaskFailed
		r.results[dep.ID] = Result{
			TaskID: dep.ID,
			Type:   dep.Type,
			Err:    &DependencyError{TaskID: dep.ID, DependencyID: task.ID},
		}
		r.graph.remove(dep.ID)
		cascaded++
	}
	return 1 + cascaded
}

// record finalizes one task's result and status.
func (r *run) record(task *Task, res Result) {
	if res.Failed() {
		task.Status = TaskFailed
	} else {
		task.Status = TaskCompleted
	}
	task.CompletedAt = res.CompletedAt
	r.results[task.ID] = res
	if r.opts.Observer != nil {
		r.opts.Observer.TaskFinished(task.Type, res.Failed(), res.CompletedAt.Sub(res.StartedAt))
	}
}
