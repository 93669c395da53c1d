// Package engine provides the execution graph, the access-aware concurrent
// scheduler, item lifecycle statuses, and the error taxonomy shared by the
// reconciliation pipeline.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, a remote host briefly unreachable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates that stored and discovered state disagree.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid flow definition, cycle in the graph, missing state file.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// ItemID is the item that caused the error, if applicable.
	ItemID string `json:"item_id,omitempty"`

	// Operation is the item function or command block running when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	switch {
	case e.ItemID != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (item=%s, operation=%s)", e.Class, msg, e.ItemID, e.Operation)
	case e.ItemID != "":
		return fmt.Sprintf("[%s] %s (item=%s)", e.Class, msg, e.ItemID)
	case e.Operation != "":
		return fmt.Sprintf("[%s] %s (operation=%s)", e.Class, msg, e.Operation)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithItem adds item context to an error.
func (e *EngineError) WithItem(itemID string) *EngineError {
	e.ItemID = itemID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Only transient and throttled errors are retryable: a conflict between
// stored and discovered state needs the user to rediscover.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// HasCode returns true if any engine error in the chain has the code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeInterrupted      = "INTERRUPTED"

	ErrCodeGraphCycle = "GRAPH_CYCLE"

	ErrCodeItemFn                        = "ITEM_FN_FAILED"
	ErrCodeParamsResolve                 = "PARAMS_RESOLVE"
	ErrCodeParamsSpecsMismatch           = "PARAMS_SPECS_MISMATCH"
	ErrCodeStatesSerialize               = "STATES_SERIALIZE"
	ErrCodeStatesDeserialize             = "STATES_DESERIALIZE"
	ErrCodeStatesCurrentDiscoverRequired = "STATES_CURRENT_DISCOVER_REQUIRED"
	ErrCodeStatesGoalDiscoverRequired    = "STATES_GOAL_DISCOVER_REQUIRED"
	ErrCodeStateStoredStale              = "STATE_STORED_STALE"
	ErrCodePolicyDenied                  = "POLICY_DENIED"
	ErrCodeCmdBlockMismatch              = "CMD_BLOCK_MISMATCH"
	ErrCodeWorkspaceNotFound             = "WORKSPACE_NOT_FOUND"
	ErrCodeStorage                       = "STORAGE_ERROR"
	ErrCodeTransport                     = "TRANSPORT_ERROR"
)
