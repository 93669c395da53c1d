package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/peace/pkg/storage"
)

// ExecutionStatus is the recorded outcome of a command execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning     ExecutionStatus = "running"
	ExecutionStatusComplete    ExecutionStatus = "complete"
	ExecutionStatusItemError   ExecutionStatus = "item_error"
	ExecutionStatusInterrupted ExecutionStatus = "interrupted"
	ExecutionStatusFailed      ExecutionStatus = "failed"
)

// IsTerminal reports whether the status ends an execution.
func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecutionStatusRunning
}

// Execution is one run of a command against a flow.
type Execution struct {
	ID          string          `json:"id" yaml:"id"`
	Command     string          `json:"command" yaml:"command"`
	FlowID      string          `json:"flow_id" yaml:"flow_id"`
	Profile     string          `json:"profile" yaml:"profile"`
	Status      ExecutionStatus `json:"status" yaml:"status"`
	StartedAt   time.Time       `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Error       *string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata    string          `json:"metadata" yaml:"metadata"` // JSON blob

	// Items is filled by GetExecution.
	Items []*ItemOutcome `json:"items,omitempty" yaml:"items,omitempty"`
}

// ItemOutcome is the final status of one item within an execution.
type ItemOutcome struct {
	ID          int64     `json:"id" yaml:"id"`
	ExecutionID string    `json:"execution_id" yaml:"execution_id"`
	ItemID      string    `json:"item_id" yaml:"item_id"`
	Status      string    `json:"status" yaml:"status"`
	Error       *string   `json:"error,omitempty" yaml:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
}

// Store is the persistence layer for state documents and command history.
type Store interface {
	storage.Storage

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Execution history
	RecordExecution(ctx context.Context, exec *Execution) error
	CompleteExecution(ctx context.Context, id string, status ExecutionStatus, errMsg *string) error
	RecordItemOutcome(ctx context.Context, outcome *ItemOutcome) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, flowID *string, limit, offset int) ([]*Execution, error)
	DeleteExecution(ctx context.Context, id string) error

	// Utility
	HealthCheck(ctx context.Context) error
}
