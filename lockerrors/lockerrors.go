// Package lockerrors defines the closed set of caller-contract errors the
// lock manager and multigranularity coordinator may return: typed,
// categorized errors rather than ad-hoc fmt.Errorf strings. These are raised
// synchronously, before any state mutation, and leave every table untouched.
package lockerrors

import (
	"errors"
	"fmt"
)

// Category classifies a caller-contract violation.
type Category int

const (
	CategoryDuplicateLockRequest Category = iota
	CategoryNoLockHeld
	CategoryInvalidLock
	CategoryUnsupportedOperation
)

func (c Category) String() string {
	switch c {
	case CategoryDuplicateLockRequest:
		return "DUPLICATE_LOCK_REQUEST"
	case CategoryNoLockHeld:
		return "NO_LOCK_HELD"
	case CategoryInvalidLock:
		return "INVALID_LOCK"
	case CategoryUnsupportedOperation:
		return "UNSUPPORTED_OPERATION"
	default:
		return "UNKNOWN"
	}
}

// LockError is the single concrete error type carried by all four caller
// contract violations; Category distinguishes them for errors.As callers.
type LockError struct {
	Category Category
	Txn      uint64
	Resource string
	Reason   string
}

func (e *LockError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: txn %d, resource %s", e.Category, e.Txn, e.Resource)
	}
	return fmt.Sprintf("%s: txn %d, resource %s: %s", e.Category, e.Txn, e.Resource, e.Reason)
}

// DuplicateLockRequest reports that a transaction already holds a lock on a
// resource it is requesting anew.
func DuplicateLockRequest(txn uint64, resource string, reason string) error {
	return &LockError{Category: CategoryDuplicateLockRequest, Txn: txn, Resource: resource, Reason: reason}
}

// NoLockHeld reports that a transaction does not hold the lock an operation
// assumes it holds.
func NoLockHeld(txn uint64, resource string) error {
	return &LockError{Category: CategoryNoLockHeld, Txn: txn, Resource: resource}
}

// InvalidLock reports an illegal mode transition (e.g. promote to a
// non-substitutable mode, or promote to SIX outside acquire-and-release).
func InvalidLock(txn uint64, resource string, reason string) error {
	return &LockError{Category: CategoryInvalidLock, Txn: txn, Resource: resource, Reason: reason}
}

// UnsupportedOperation reports a mutating call against a readonly context.
func UnsupportedOperation(resource string, reason string) error {
	return &LockError{Category: CategoryUnsupportedOperation, Resource: resource, Reason: reason}
}

// Is classifies err as one of the four caller-contract categories, or false
// if err is nil or not a *LockError. Unwraps through errors.As, so it also
// matches a *LockError wrapped by fmt.Errorf("...: %w", err).
func Is(err error, category Category) bool {
	var le *LockError
	return errors.As(err, &le) && le.Category == category
}

// IsCallerError reports whether err is one of the four caller-contract
// LockError kinds, as opposed to some other error (or the unwrapped
// InvariantViolation, which production callers never see in the first
// place). Useful for a host layer that wants to branch on "my request was
// rejected" without switching on every individual category.
func IsCallerError(err error) bool {
	var le *LockError
	return errors.As(err, &le)
}

// InvariantViolation is panicked (never returned) when an internal
// consistency invariant would be broken by a mutation that caller contract
// checks should have already prevented. Production callers never see this;
// only tests recover it.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (e InvariantViolation) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Detail)
}

// PanicInvariant panics with an InvariantViolation. Call sites use this
// instead of returning an error because an invariant break indicates a
// defect in the manager itself, not a caller mistake.
func PanicInvariant(invariant, detail string) {
	panic(InvariantViolation{Invariant: invariant, Detail: detail})
}
