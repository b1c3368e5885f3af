/*
errors.go - Error taxonomy for the approval engine

ERROR CATEGORIES:
  1. Client errors - validation, authorization, conflicts (caller can fix)
  2. Not found     - unknown request or governed object
  3. Engine errors - missing handler, malformed policy data

Every structured error unwraps to a sentinel so callers can use errors.Is
without depending on the concrete type. Nothing here is retried
automatically: a human re-submits or re-decides.

SEE ALSO:
  - api/handlers.go: maps these errors to HTTP statuses
*/
package approval

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrAuthorization      = errors.New("actor is not an eligible approver")
	ErrValidation         = errors.New("validation failed")
	ErrDependencyConflict = errors.New("dependent rows block delete")
	ErrHandlerNotFound    = errors.New("no handler registered for action")
	ErrPolicyResolution   = errors.New("policy document is malformed")

	// ErrAlreadyDecided is returned for any attempt to move a terminal request.
	ErrAlreadyDecided = errors.New("request already decided")

	// ErrDuplicateVote is returned when a voter votes twice on one request.
	ErrDuplicateVote = errors.New("voter already voted on this request")

	// ErrDuplicateRequest is returned when an open request already exists for
	// the same (object_type, object_id, action).
	ErrDuplicateRequest = errors.New("an open request already exists")

	// ErrConcurrentModification is returned by stores when a status guard
	// matched no row.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrRequestNotFound = errors.New("request not found")
	ErrObjectNotFound  = errors.New("object not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AuthorizationError is returned when the actor cannot decide the request.
type AuthorizationError struct {
	ActorID string
	Key     ActionKey
	Scope   string
}

func (e *AuthorizationError) Error() string {
	if e.Key == (ActionKey{}) {
		return fmt.Sprintf("actor %q is not allowed to manage approvals (scope %q)", e.ActorID, e.Scope)
	}
	return fmt.Sprintf("actor %q may not decide %s (scope %q)", e.ActorID, e.Key, e.Scope)
}

func (e *AuthorizationError) Unwrap() error { return ErrAuthorization }

// ValidationError is returned for bad input, refused before any mutation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DependencyConflictError is raised by a cascade-gated delete when children
// exist and cascade was not requested.
type DependencyConflictError struct {
	ObjectType ObjectType
	ObjectID   string
	Counts     map[string]int
}

func (e *DependencyConflictError) Error() string {
	return fmt.Sprintf("%s %s has dependents: %s", e.ObjectType, e.ObjectID, FormatCounts(e.Counts))
}

func (e *DependencyConflictError) Unwrap() error { return ErrDependencyConflict }

// HandlerNotFoundError is raised when no handler exists for a key.
type HandlerNotFoundError struct {
	Key ActionKey
}

func (e *HandlerNotFoundError) Error() string {
	return "no handler registered for " + e.Key.String()
}

func (e *HandlerNotFoundError) Unwrap() error { return ErrHandlerNotFound }

// AlreadyDecidedError reports the terminal status the request already holds.
type AlreadyDecidedError struct {
	RequestID RequestID
	Status    Status
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("request %s already decided: %s", e.RequestID, e.Status)
}

func (e *AlreadyDecidedError) Unwrap() error { return ErrAlreadyDecided }

// DuplicateRequestError names the open request that blocks a submission.
type DuplicateRequestError struct {
	Existing RequestID
	Key      ActionKey
	ObjectID string
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("open request %s already exists for %s %s", e.Existing, e.Key, e.ObjectID)
}

func (e *DuplicateRequestError) Unwrap() error { return ErrDuplicateRequest }

// PolicyResolutionError wraps a parse failure of a stored policy document.
// It never leaves the resolver; the document is treated as absent.
type PolicyResolutionError struct {
	Scope     string
	Namespace string
	Err       error
}

func (e *PolicyResolutionError) Error() string {
	return fmt.Sprintf("policy document %s/%s: %v", e.Namespace, e.Scope, e.Err)
}

func (e *PolicyResolutionError) Unwrap() []error { return []error{ErrPolicyResolution, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// FormatCounts renders a table→count map as "a=1, b=2" in table order.
func FormatCounts(counts map[string]int) string {
	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	parts := make([]string, len(tables))
	for i, t := range tables {
		parts[i] = fmt.Sprintf("%s=%d", t, counts[t])
	}
	return strings.Join(parts, ", ")
}

// IsClientError returns true if the caller supplied something invalid.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict returns true if the request clashes with current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDependencyConflict) ||
		errors.Is(err, ErrAlreadyDecided) ||
		errors.Is(err, ErrDuplicateVote) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRequestNotFound) || errors.Is(err, ErrObjectNotFound)
}
