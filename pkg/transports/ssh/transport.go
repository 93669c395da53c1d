// Package ssh runs commands and manages files on remote hosts over SSH and
// SFTP. Remote items reach hosts through a Pool that keeps one connection per
// user and address for the duration of a command.
package ssh

import (
	"time"

	"github.com/openfroyo/peace/pkg/engine"
)

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// FileInfo describes a remote file.
type FileInfo struct {
	Path    string
	Exists  bool
	Size    int64
	Mode    uint32
	ModTime time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "write")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// EngineError classifies the error for the scheduler: temporary failures
// are transient, everything else is permanent.
func (e *TransportError) EngineError() *engine.EngineError {
	var err *engine.EngineError
	if e.IsTemporary {
		err = engine.NewTransientError("ssh "+e.Op+" failed", e)
	} else {
		err = engine.NewPermanentError("ssh "+e.Op+" failed", e)
	}
	err = err.WithCode(engine.ErrCodeTransport).WithDetail("op", e.Op)
	if e.IsAuthError {
		err = err.WithDetail("auth", true)
	}
	return err
}
