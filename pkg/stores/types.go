package stores

import (
	"context"
	"time"
)

// StateProvider reads and writes named state documents. The engine is agnostic to
// where the bytes live.
type StateProvider interface {
	// GetState returns the document stored under name, or def when there is none.
	GetState(ctx context.Context, name string, def []byte) ([]byte, error)

	// SaveState replaces the document stored under name.
	SaveState(ctx context.Context, name string, data []byte) error
}

// Locker is implemented by providers that can guard state against concurrent
// transactions. A transaction holds the lock from its start until it commits or closes.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Lister is implemented by providers that can enumerate their documents.
type Lister interface {
	ListStates(ctx context.Context) ([]string, error)
}

// RunStatus is the status of a recorded transaction.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCommitted RunStatus = "committed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAbandoned RunStatus = "abandoned"
)

// Run is the record of one transaction.
type Run struct {
	ID          string     `json:"id"`
	Stage       string     `json:"stage"`
	Status      RunStatus  `json:"status"`
	Error       *string    `json:"error,omitempty"`
	ModelDiffs  int        `json:"model_diffs"`
	ResourceOps int        `json:"resource_diffs"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RunEvent is one event recorded for a run.
type RunEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Node      string         `json:"node,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunRecorder persists transaction runs and their events.
type RunRecorder interface {
	SaveRun(ctx context.Context, run *Run) error
	AppendRunEvent(ctx context.Context, event *RunEvent) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListRunEvents(ctx context.Context, runID string) ([]*RunEvent, error)
}
