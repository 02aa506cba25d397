package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrIOFailure         = errors.New("storage i/o failure")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyTerminal   = errors.New("agent already terminal")
	ErrGeneration        = errors.New("generation failed")
	ErrTimeout           = errors.New("execution timed out")
	ErrResourceLimit     = errors.New("execution resource limit exceeded")
	ErrRuntime           = errors.New("execution runtime error")
	ErrConcurrency       = errors.New("agent already scheduled")
	ErrMerge             = errors.New("merge failed")
	ErrNotDir            = errors.New("not a directory")
	ErrIsDir             = errors.New("is a directory")
	ErrExists            = errors.New("already exists")
)

// StorageError wraps a catalog failure with the catalog and path involved.
type StorageError struct {
	Catalog CatalogName
	Op      string
	Path    string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Catalog, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Catalog, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TransitionError reports a refused lifecycle move.
type TransitionError struct {
	AgentID AgentID
	From    State
	To      State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("agent %s: cannot move from %s to %s", e.AgentID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ExecutionError carries the executor failure class (ErrTimeout,
// ErrResourceLimit or ErrRuntime) and the underlying cause.
type ExecutionError struct {
	Kind error
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// MergeError reports an aborted accept. Stable is unchanged when it is
// returned.
type MergeError struct {
	AgentID AgentID
	Err     error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge agent %s: %v", e.AgentID, e.Err)
}

func (e *MergeError) Unwrap() []error { return []error{ErrMerge, e.Err} }
