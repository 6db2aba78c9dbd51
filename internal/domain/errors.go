package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration    = errors.New("configuration failure")
	ErrContainment      = errors.New("containment failure")
	ErrWorkflowDenied   = errors.New("workflow denied")
	ErrPermissionDenied = errors.New("permission denied")
	ErrPersistence      = errors.New("persistence failure")
	ErrNotFound         = errors.New("not found")
)

// ConfigurationError reports an invalid, ambiguous or duplicate descriptor.
type ConfigurationError struct {
	UID    string
	Reason string
}

func (e ConfigurationError) Error() string {
	if e.UID == "" {
		return fmt.Sprintf("configuration: %s", e.Reason)
	}
	return fmt.Sprintf("configuration %s: %s", e.UID, e.Reason)
}

func (e ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// ContainmentError reports a parent/child mismatch or a type the parent does
// not accept.
type ContainmentError struct {
	Parent int64
	Child  int64
	Type   string
	Reason string
}

func (e ContainmentError) Error() string {
	switch {
	case e.Type != "":
		return fmt.Sprintf("type %s not allowed in container %d: %s", e.Type, e.Parent, e.Reason)
	case e.Child != 0:
		return fmt.Sprintf("object %d is not contained in %d: %s", e.Child, e.Parent, e.Reason)
	default:
		return fmt.Sprintf("containment: %s", e.Reason)
	}
}

func (e ContainmentError) Is(target error) bool { return target == ErrContainment }

// WorkflowDeniedError indicates no eligible transition and the action is not
// one of the current state's own actions.
type WorkflowDeniedError struct {
	Process string
	State   string
	Action  string
}

func (e WorkflowDeniedError) Error() string {
	if e.Process == "" {
		return fmt.Sprintf("action %s not permitted", e.Action)
	}
	return fmt.Sprintf("action %s not permitted in state %s of process %s", e.Action, e.State, e.Process)
}

func (e WorkflowDeniedError) Is(target error) bool { return target == ErrWorkflowDenied }

// PermissionDeniedError indicates a failed ACL check.
type PermissionDeniedError struct {
	Permission string
	ObjectID   int64
	UserID     string
}

func (e PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission %s required on %d", e.Permission, e.ObjectID)
}

func (e PermissionDeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// PersistenceError wraps a pool failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// Persistence wraps err as a PersistenceError unless it already is one or is
// one of the engine's own failure kinds.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	for _, kind := range []error{ErrConfiguration, ErrContainment, ErrWorkflowDenied, ErrPermissionDenied, ErrNotFound, ErrInvalidValue} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return &PersistenceError{Op: op, Err: err}
}

var ErrInvalidValue = errors.New("invalid value")

// InvalidValueError reports a field value that does not fit its datatype.
type InvalidValueError struct {
	Field  string
	Reason string
}

func (e InvalidValueError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

func (e InvalidValueError) Is(target error) bool { return target == ErrInvalidValue }
