package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/atvirokodosprendimai/devforge/internal/rmp"
)

var (
	// ErrNotFound is returned for missing servers and servers owned by
	// someone else.
	ErrNotFound = errors.New("server not found")
	// ErrNotRunning is returned when an operation needs a running server.
	ErrNotRunning = errors.New("server is not running")
	// ErrAgentInstalled is returned when installing an agent already present.
	ErrAgentInstalled = errors.New("agent is already installed")
	// ErrAgentNotInstalled is returned when removing an agent that is absent.
	ErrAgentNotInstalled = errors.New("agent is not installed")
	// ErrManagementUnreachable is returned when the machine's management API
	// does not answer at all.
	ErrManagementUnreachable = errors.New("management API unreachable on this server; it was provisioned before agent management was available, delete and recreate it to use this feature")
	// ErrMissingCredentials is returned when the user has not configured
	// the provider and mesh keys yet.
	ErrMissingCredentials = errors.New("provider API key, mesh API key and mesh network id must be configured before creating a server")
)

// ValidationError rejects a request before anything is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Reason: err.Error()}
}

// OperationError is a refusal reported by the management API.
type OperationError struct {
	Op  string
	Err *rmp.Error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Err.Message)
}

func (e *OperationError) Unwrap() error { return e.Err }

// managementError translates a management API client error. Any transport
// failure, timeouts included, is reported as unreachable.
func managementError(op string, err error) error {
	var unreachable *rmp.UnreachableError
	if errors.As(err, &unreachable) || errors.Is(err, context.DeadlineExceeded) {
		return ErrManagementUnreachable
	}
	var rmpErr *rmp.Error
	if errors.As(err, &rmpErr) {
		return &OperationError{Op: op, Err: rmpErr}
	}
	return fmt.Errorf("%s failed: %w", op, err)
}
