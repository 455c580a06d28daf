// Package session provides the durable session record and store for the
// Geenius workflow engine. A session tracks one workflow run from submission
// to terminal state, backed by NATS KV with a process-local fallback.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the workflow variant a session runs.
type Kind string

const (
	// KindChangeRequest applies a batch of requested code changes.
	KindChangeRequest Kind = "change-request"
	// KindInitialization bootstraps a new project (branch, provision, deploy).
	KindInitialization Kind = "initialization"
)

// Status represents the current phase-level state of a session.
type Status string

const (
	StatusReceived   Status = "received"
	StatusValidating Status = "validating"
	StatusAnalyzing  Status = "analyzing"
	StatusProcessing Status = "processing"
	StatusPublishing Status = "publishing"
	StatusDeploying  Status = "deploying"
	StatusTesting    Status = "testing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is a final state. Terminal sessions
// are immutable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FailureReason distinguishes why a session failed, letting callers decide
// whether a resubmission could succeed.
type FailureReason string

const (
	// FailureFatal marks a configuration error that no retry can fix.
	FailureFatal FailureReason = "fatal"
	// FailureRetriesExhausted marks a transient error that outlived the retry budget.
	FailureRetriesExhausted FailureReason = "retries_exhausted"
	// FailureCancelled marks an external cancellation request.
	FailureCancelled FailureReason = "cancelled"
)

// LogLevel is the severity of a session log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one append-only session log record.
type LogEntry struct {
	Level     LogLevel          `json:"level"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// FileUnitStatus tracks the processing state of a single affected file.
type FileUnitStatus string

const (
	FileUnitPending    FileUnitStatus = "pending"
	FileUnitProcessing FileUnitStatus = "processing"
	FileUnitCompleted  FileUnitStatus = "completed"
	FileUnitFailed     FileUnitStatus = "failed"
)

// FileUnit records per-file transformation outcome within a session.
type FileUnit struct {
	Status           FileUnitStatus `json:"status"`
	ChangeCount      int            `json:"change_count"`
	ProcessingTimeMs int64          `json:"processing_time_ms,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// FileUnitPatch carries partial updates to a file unit. Nil fields are
// left unchanged.
type FileUnitPatch struct {
	Status           *FileUnitStatus
	ChangeCount      *int
	ProcessingTimeMs *int64
	Error            *string
}

// RetryState records the pipeline-level retry position for a session.
type RetryState struct {
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"max_attempts"`
	LastError     string    `json:"last_error"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// Results holds pipeline-owned outputs (branch name, publish id, deployment
// URL, ...). The store persists them verbatim and never interprets the
// contents.
type Results map[string]string

// Session is one tracked workflow run.
type Session struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Status      Status `json:"status"`
	Progress    int    `json:"progress"`
	CurrentStep string `json:"current_step"`

	StartedAt             time.Time  `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	EstimatedCompletionAt *time.Time `json:"estimated_completion_at,omitempty"`

	Logs       []LogEntry           `json:"logs,omitempty"`
	RetryState *RetryState          `json:"retry_state,omitempty"`
	FileUnits  map[string]*FileUnit `json:"file_units,omitempty"`
	Results    Results              `json:"results,omitempty"`

	Error         string        `json:"error,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
}

// NewSession creates a session in the received state with a fresh ID.
func NewSession(kind Kind) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusReceived,
		StartedAt: time.Now(),
		FileUnits: make(map[string]*FileUnit),
		Results:   make(Results),
	}
}

// Validate checks that the session record is well formed.
func (s *Session) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if s.Kind == "" {
		return &ValidationError{Field: "kind", Message: "kind is required"}
	}
	if s.Progress < 0 || s.Progress > 100 {
		return &ValidationError{Field: "progress", Message: "progress must be 0-100"}
	}
	return nil
}

// clone returns a deep copy so callers never share mutable state with the store.
func (s *Session) clone() *Session {
	out := *s
	out.Logs = append([]LogEntry(nil), s.Logs...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.EstimatedCompletionAt != nil {
		t := *s.EstimatedCompletionAt
		out.EstimatedCompletionAt = &t
	}
	if s.RetryState != nil {
		rs := *s.RetryState
		out.RetryState = &rs
	}
	out.FileUnits = make(map[string]*FileUnit, len(s.FileUnits))
	for path, unit := range s.FileUnits {
		u := *unit
		out.FileUnits[path] = &u
	}
	out.Results = make(Results, len(s.Results))
	for k, v := range s.Results {
		out.Results[k] = v
	}
	return &out
}

// Summary is the reduced session view exposed for external polling. It never
// contains internal task-graph state.
type Summary struct {
	ID                    string                 `json:"id"`
	Kind                  Kind                   `json:"kind"`
	Status                Status                 `json:"status"`
	Progress              int                    `json:"progress"`
	CurrentStep           string                 `json:"current_step"`
	StartedAt             time.Time              `json:"started_at"`
	CompletedAt           *time.Time             `json:"completed_at,omitempty"`
	EstimatedCompletionAt *time.Time             `json:"estimated_completion_at,omitempty"`
	RecentLogs            []LogEntry             `json:"recent_logs,omitempty"`
	LogCount              int                    `json:"log_count"`
	FileCounts            map[FileUnitStatus]int `json:"file_counts,omitempty"`
	Results               Results                `json:"results,omitempty"`
	RetryState            *RetryState            `json:"retry_state,omitempty"`
	Error                 string                 `json:"error,omitempty"`
	FailureReason         FailureReason          `json:"failure_reason,omitempty"`
}

// ValidationError indicates a malformed session field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
