package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StoreOptions tunes session retention.
type StoreOptions struct {
	// TTL is how long session records are retained.
	TTL time.Duration
	// LogCap bounds the log entries kept on the session record itself.
	LogCap int
	// SummaryLogCount is how many trailing entries a Summary includes.
	SummaryLogCount int
}

// DefaultStoreOptions returns the retention defaults.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		TTL:             24 * time.Hour,
		LogCap:          200,
		SummaryLogCount: 20,
	}
}

// Store persists session records in a NATS KV bucket with a process-local
// fallback. Within one process the in-memory copy is authoritative so that
// concurrent updates (a log append racing a status update) are serialized
// and never lost; the KV bucket provides durability across restarts.
//
// All methods are safe for concurrent use.
type Store struct {
	mu      chan struct{} // buffered size 1, used as a mutex that respects ctx
	kv      jetstream.KeyValue
	opts    StoreOptions
	logger  *slog.Logger
	mem     map[string]*Session
	touched map[string]time.Time
	// rev tracks the last KV revision this process read or wrote per
	// session, so writes can detect a concurrent writer.
	rev map[string]uint64
	// audit retains the full log history per session, beyond LogCap.
	audit    map[string][]LogEntry
	kvBroken bool
}

// NewStore creates a Store backed by a JetStream KV bucket, creating the
// bucket with the configured TTL if it does not exist.
func NewStore(ctx context.Context, js jetstream.JetStream, bucket string, opts StoreOptions, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Geenius workflow sessions",
			TTL:         opts.TTL,
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("create session bucket: %w", err)
		}
	}
	return newStore(kv, opts, logger), nil
}

// NewMemoryStore creates a Store with no durable backend. Records live only
// in process memory and expire after the configured TTL.
func NewMemoryStore(opts StoreOptions, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return newStore(nil, opts, logger)
}

func newStore(kv jetstream.KeyValue, opts StoreOptions, logger *slog.Logger) *Store {
	if opts.LogCap <= 0 {
		opts.LogCap = DefaultStoreOptions().LogCap
	}
	if opts.SummaryLogCount <= 0 {
		opts.SummaryLogCount = DefaultStoreOptions().SummaryLogCount
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultStoreOptions().TTL
	}
	return &Store{
		mu:      make(chan struct{}, 1),
		kv:      kv,
		opts:    opts,
		logger:  logger,
		mem:     make(map[string]*Session),
		touched: make(map[string]time.Time),
		rev:     make(map[string]uint64),
		audit:   make(map[string][]LogEntry),
	}
}

func (s *Store) lock(ctx context.Context) error {
	select {
	case s.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) unlock() { <-s.mu }

// Create stores a new session record.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	if _, ok := s.load(ctx, sess.ID); ok {
		return ErrAlreadyExists
	}
	s.mem[sess.ID] = sess.clone()
	s.touched[sess.ID] = time.Now()
	s.persist(ctx, sess.ID)
	return nil
}

// Get retrieves a session by id. It returns false when the id is unknown or
// the record has expired.
func (s *Store) Get(ctx context.Context, id string) (*Session, bool) {
	if err := s.lock(ctx); err != nil {
		return nil, false
	}
	defer s.unlock()

	sess, ok := s.load(ctx, id)
	if !ok {
		return nil, false
	}
	return sess.clone(), true
}

// UpdateStatus transitions a session's status, progress, and step label.
// Progress is monotonic: a smaller value than currently stored is ignored.
// The estimated completion time is recomputed from the elapsed/progress
// ratio whenever progress is positive.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, progress int, stepLabel string) error {
	return s.update(ctx, id, func(sess *Session) error {
		sess.Status = status
		if progress > sess.Progress {
			sess.Progress = progress
		}
		if stepLabel != "" {
			sess.CurrentStep = stepLabel
		}
		if sess.Progress > 0 && !status.Terminal() {
			elapsed := time.Since(sess.StartedAt)
			total := time.Duration(float64(elapsed) / float64(sess.Progress) * 100)
			eta := sess.StartedAt.Add(total)
			sess.EstimatedCompletionAt = &eta
		}
		if status.Terminal() {
			now := time.Now()
			sess.CompletedAt = &now
			sess.EstimatedCompletionAt = nil
		}
		return nil
	})
}

// Fail marks a session failed (or cancelled, for FailureCancelled) with a
// reason and error message. This is the one path allowed to reset progress,
// to 0, signalling abnormal termination.
func (s *Store) Fail(ctx context.Context, id string, reason FailureReason, errMsg string) error {
	return s.update(ctx, id, func(sess *Session) error {
		sess.Status = StatusFailed
		if reason == FailureCancelled {
			sess.Status = StatusCancelled
		}
		sess.Progress = 0
		sess.Error = errMsg
		sess.FailureReason = reason
		now := time.Now()
		sess.CompletedAt = &now
		sess.EstimatedCompletionAt = nil
		return nil
	})
}

// Complete marks a session completed at 100% progress.
func (s *Store) Complete(ctx context.Context, id string, stepLabel string) error {
	return s.UpdateStatus(ctx, id, StatusCompleted, 100, stepLabel)
}

// AppendLog appends a log entry to the session. Storage write failures are
// absorbed: the entry is retained in memory and the call succeeds, because
// logging must never abort a workflow. An error is returned only when the
// session does not exist.
func (s *Store) AppendLog(ctx context.Context, id string, entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	sess, ok := s.load(ctx, id)
	if !ok {
		return ErrNotFound
	}
	s.audit[id] = append(s.audit[id], entry)
	sess.Logs = append(sess.Logs, entry)
	if len(sess.Logs) > s.opts.LogCap {
		sess.Logs = sess.Logs[len(sess.Logs)-s.opts.LogCap:]
	}
	s.touched[id] = time.Now()
	s.persist(ctx, id)
	return nil
}

// AuditLog returns the full unbounded log history retained for a session.
func (s *Store) AuditLog(ctx context.Context, id string) []LogEntry {
	if err := s.lock(ctx); err != nil {
		return nil
	}
	defer s.unlock()
	return append([]LogEntry(nil), s.audit[id]...)
}

// UpdateFileUnit applies a partial update to one file unit, creating the
// unit if it does not exist yet.
func (s *Store) UpdateFileUnit(ctx context.Context, id, path string, patch FileUnitPatch) error {
	return s.update(ctx, id, func(sess *Session) error {
		unit, ok := sess.FileUnits[path]
		if !ok {
			unit = &FileUnit{Status: FileUnitPending}
			if sess.FileUnits == nil {
				sess.FileUnits = make(map[string]*FileUnit)
			}
			sess.FileUnits[path] = unit
		}
		if patch.Status != nil {
			unit.Status = *patch.Status
		}
		if patch.ChangeCount != nil {
			unit.ChangeCount = *patch.ChangeCount
		}
		if patch.ProcessingTimeMs != nil {
			unit.ProcessingTimeMs = *patch.ProcessingTimeMs
		}
		if patch.Error != nil {
			unit.Error = *patch.Error
		}
		return nil
	})
}

// SetResult records one pipeline-owned output value.
func (s *Store) SetResult(ctx context.Context, id, key, value string) error {
	return s.update(ctx, id, func(sess *Session) error {
		if sess.Results == nil {
			sess.Results = make(Results)
		}
		sess.Results[key] = value
		return nil
	})
}

// UpdateRetryState records the pipeline-level retry position.
func (s *Store) UpdateRetryState(ctx context.Context, id string, state *RetryState) error {
	return s.update(ctx, id, func(sess *Session) error {
		sess.RetryState = state
		return nil
	})
}

// Summary returns the reduced session view for external polling.
func (s *Store) Summary(ctx context.Context, id string) (*Summary, bool) {
	if err := s.lock(ctx); err != nil {
		return nil, false
	}
	defer s.unlock()

	sess, ok := s.load(ctx, id)
	if !ok {
		return nil, false
	}

	recent := sess.Logs
	if len(recent) > s.opts.SummaryLogCount {
		recent = recent[len(recent)-s.opts.SummaryLogCount:]
	}
	counts := make(map[FileUnitStatus]int)
	for _, unit := range sess.FileUnits {
		counts[unit.Status]++
	}
	results := make(Results, len(sess.Results))
	for k, v := range sess.Results {
		results[k] = v
	}
	var retry *RetryState
	if sess.RetryState != nil {
		r := *sess.RetryState
		retry = &r
	}
	return &Summary{
		ID:                    sess.ID,
		Kind:                  sess.Kind,
		Status:                sess.Status,
		Progress:              sess.Progress,
		CurrentStep:           sess.CurrentStep,
		StartedAt:             sess.StartedAt,
		CompletedAt:           sess.CompletedAt,
		EstimatedCompletionAt: sess.EstimatedCompletionAt,
		RecentLogs:            append([]LogEntry(nil), recent...),
		LogCount:              len(s.audit[id]),
		FileCounts:            counts,
		Results:               results,
		RetryState:            retry,
		Error:                 sess.Error,
		FailureReason:         sess.FailureReason,
	}, true
}

// List returns every live session known to the store, including sessions
// persisted by other processes. A KV outage degrades to the in-memory set.
func (s *Store) List(ctx context.Context) []*Session {
	if err := s.lock(ctx); err != nil {
		return nil
	}
	defer s.unlock()

	s.expire()
	if s.kv != nil {
		lister, err := s.kv.ListKeys(ctx)
		if err != nil {
			s.warnKV("session list failed, using in-memory state only", err)
		} else {
			for id := range lister.Keys() {
				s.load(ctx, id)
			}
		}
	}
	out := make([]*Session, 0, len(s.mem))
	for _, sess := range s.mem {
		out = append(out, sess.clone())
	}
	return out
}

// update runs a mutation under the store lock and mirrors the result to KV.
// Terminal sessions are immutable, including a terminal state another
// process wrote to KV since this process last touched the record.
func (s *Store) update(ctx context.Context, id string, fn func(*Session) error) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	sess, ok := s.load(ctx, id)
	if !ok {
		return ErrNotFound
	}
	if sess.Status.Terminal() {
		return ErrTerminal
	}
	if err := fn(sess); err != nil {
		return err
	}
	s.touched[id] = time.Now()
	if s.persist(ctx, id) {
		return ErrTerminal
	}
	return nil
}

// load returns the live in-memory record for id, hydrating from KV when the
// process has not seen the session before (resume after restart). Expired
// records are treated as absent. Must be called with the lock held.
func (s *Store) load(ctx context.Context, id string) (*Session, bool) {
	s.expire()
	if sess, ok := s.mem[id]; ok {
		return sess, true
	}
	if s.kv == nil {
		return nil, false
	}
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, jetstream.ErrKeyNotFound) {
			s.warnKV("session read failed, using in-memory state only", err)
		}
		return nil, false
	}
	var sess Session
	if err := json.Unmarshal(entry.Value(), &sess); err != nil {
		s.logger.Error("Corrupt session record", "session_id", id, "error", err)
		return nil, false
	}
	s.mem[id] = &sess
	s.touched[id] = time.Now()
	s.rev[id] = entry.Revision()
	s.audit[id] = append([]LogEntry(nil), sess.Logs...)
	return &sess, true
}

// persist mirrors the in-memory record to KV, degrading to memory-only on
// failure. Writes are revision-checked: a conflicting terminal record
// written by another process (a cancel from a second CLI invocation) wins
// and is adopted, reported through the return value so update can refuse
// the mutation. Any other conflict means our own earlier write never
// landed, and the in-memory record stays authoritative. Must be called
// with the lock held.
func (s *Store) persist(ctx context.Context, id string) (terminal bool) {
	if s.kv == nil {
		return false
	}
	sess := s.mem[id]
	data, err := json.Marshal(sess)
	if err != nil {
		s.logger.Error("Marshal session failed", "session_id", id, "error", err)
		return false
	}

	last, known := s.rev[id]
	var rev uint64
	if known {
		rev, err = s.kv.Update(ctx, id, data, last)
	} else {
		rev, err = s.kv.Put(ctx, id, data)
	}
	if err != nil && known {
		if s.adoptTerminal(ctx, id) {
			return true
		}
		rev, err = s.kv.Put(ctx, id, data)
	}
	if err != nil {
		s.warnKV("session write failed, retaining in-memory state", err)
		return false
	}
	s.rev[id] = rev
	if s.kvBroken {
		s.kvBroken = false
		s.logger.Info("Session store recovered, KV writes resumed")
	}
	return false
}

// adoptTerminal re-reads the stored record after a write conflict and, when
// another process has driven the session to a terminal state, replaces the
// local record with it. Must be called with the lock held.
func (s *Store) adoptTerminal(ctx context.Context, id string) bool {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		return false
	}
	var stored Session
	if err := json.Unmarshal(entry.Value(), &stored); err != nil {
		return false
	}
	if !stored.Status.Terminal() || s.mem[id].Status.Terminal() {
		return false
	}
	s.mem[id] = &stored
	s.rev[id] = entry.Revision()
	s.touched[id] = time.Now()
	return true
}

// warnKV logs a backing-store failure once per outage rather than per call.
func (s *Store) warnKV(msg string, err error) {
	if s.kvBroken {
		return
	}
	s.kvBroken = true
	s.logger.Warn(msg, "error", err)
}

// expire drops in-memory records not touched within the TTL. KV applies the
// same TTL server-side. Must be called with the lock held.
func (s *Store) expire() {
	cutoff := time.Now().Add(-s.opts.TTL)
	for id, at := range s.touched {
		if at.Before(cutoff) {
			delete(s.mem, id)
			delete(s.touched, id)
			delete(s.rev, id)
			delete(s.audit, id)
		}
	}
}
