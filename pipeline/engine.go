package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/mxn2020/geenius-sub000/config"
	"github.com/mxn2020/geenius-sub000/metrics"
	"github.com/mxn2020/geenius-sub000/pipeline/hosts"
	"github.com/mxn2020/geenius-sub000/session"
)

// Deps carries the engine's collaborators. Every external capability is
// injected here; the engine never reaches for ambient state.
type Deps struct {
	Store       *session.Store
	Transformer hosts.Transformer
	Source      hosts.SourceHost
	Deploy      hosts.DeployHost
	// Provision is optional; when nil the provision phase is skipped.
	Provision hosts.Provisioner
	Config    *config.Config
	Logger    *slog.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Engine owns workflow execution: it creates sessions, runs their pipelines
// on background goroutines, and answers status and cancellation requests.
type Engine struct {
	store       *session.Store
	transformer hosts.Transformer
	source      hosts.SourceHost
	deploy      hosts.DeployHost
	provision   hosts.Provisioner
	cfg         *config.Config
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// New creates an Engine from its dependencies.
func New(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("source host is required")
	}
	if deps.Deploy == nil {
		return nil, fmt.Errorf("deploy host is required")
	}
	if deps.Config == nil {
		deps.Config = config.DefaultConfig()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		store:       deps.Store,
		transformer: deps.Transformer,
		source:      deps.Source,
		deploy:      deps.Deploy,
		provision:   deps.Provision,
		cfg:         deps.Config,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		cancels:     make(map[string]context.CancelFunc),
	}, nil
}

// Submit validates the batch, creates its session, and starts the pipeline
// on a background goroutine. It returns the session id before the pipeline
// completes.
func (e *Engine) Submit(ctx context.Context, batch Batch) (string, error) {
	if err := batch.Validate(); err != nil {
		return "", err
	}
	batch = batch.normalized()

	sess := session.NewSession(batch.Kind)
	if err := e.store.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	// The run outlives the submission request: it gets its own context,
	// cancelled by Cancel or Close.
	runCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", ErrEngineClosed
	}
	e.cancels[sess.ID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	e.metrics.SessionStarted(string(batch.Kind))
	e.logger.Info("Session submitted",
		"session_id", sess.ID,
		"kind", string(batch.Kind),
		"changes", len(batch.Changes))

	go func() {
		defer e.wg.Done()
		defer e.release(sess.ID)
		e.run(runCtx, sess.ID, batch)
	}()

	return sess.ID, nil
}

// Status returns the summary view for a session, or ErrNotFound when the
// id is unknown or expired.
func (e *Engine) Status(ctx context.Context, id string) (*session.Summary, error) {
	summary, ok := e.store.Summary(ctx, id)
	if !ok {
		return nil, ErrNotFound
	}
	return summary, nil
}

// Cancel requests cancellation of a running session. It is accepted only
// while the session is in a cancellable state: any non-terminal status
// except deploying, and not once the commit step has started (from there
// the run has irreversible external side effects).
func (e *Engine) Cancel(ctx context.Context, id string) error {
	kind, err := CancelSession(ctx, e.store, id)
	if err != nil {
		return err
	}
	e.metrics.SessionFinished(string(kind), "cancelled")
	e.logger.Info("Session cancelled", "session_id", id)

	e.mu.Lock()
	cancel := e.cancels[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// CancelSession marks a session cancelled in the store if its state allows
// it, and returns the session's kind. It carries the cancellability rules
// so out-of-process tooling applies the same checks as Engine.Cancel.
func CancelSession(ctx context.Context, store *session.Store, id string) (session.Kind, error) {
	sess, ok := store.Get(ctx, id)
	if !ok {
		return "", ErrNotFound
	}
	if sess.Status.Terminal() {
		return "", fmt.Errorf("%w: session already %s", ErrNotCancellable, sess.Status)
	}
	if sess.Status == session.StatusDeploying {
		return "", fmt.Errorf("%w: deployment in progress", ErrNotCancellable)
	}
	if sess.Results[resultCommitStarted] != "" {
		return "", fmt.Errorf("%w: commit already started", ErrNotCancellable)
	}

	if err := store.Fail(ctx, id, session.FailureCancelled, "cancelled by request"); err != nil {
		return "", err
	}
	return sess.Kind, nil
}

// Close stops accepting submissions, cancels every running pipeline, and
// waits for them to wind down.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Wait blocks until every running pipeline has finished. Intended for
// one-shot command use; servers use Close.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	if cancel, ok := e.cancels[id]; ok {
		cancel()
		delete(e.cancels, id)
	}
	e.mu.Unlock()
}

// log appends a session log entry; store failures are absorbed there.
func (e *Engine) log(ctx context.Context, id string, level session.LogLevel, msg string, metadata map[string]string) {
	_ = e.store.AppendLog(ctx, id, session.LogEntry{
		Level:    level,
		Message:  msg,
		Metadata: metadata,
	})
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify reduces a name to a branch-safe slug.
func slugify(name string) string {
	slug := slugRe.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "change"
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return slug
}

// branchName derives the session's working branch. It incorporates the
// session id so independent sessions never collide, and is persisted on
// first use so a retried run reuses it.
func branchName(projectName, sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "geenius/" + slugify(projectName) + "-" + short
}
