// Package errs defines the error taxonomy shared by the engine: definition
// problems found before execution, transient and permanent step failures,
// cache corruption, and cancellation.
package errs

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

// Validation check names.
const (
	CheckDefinition = "definition"
	CheckRegistry   = "registry"
	CheckParams     = "params"
	CheckPorts      = "ports"
	CheckCycle      = "cycle"
	CheckOutputs    = "outputs"
	CheckExternals  = "externals"
)

// ValidationError is reported before any node executes.
type ValidationError struct {
	Check    string
	Nodes    []string
	Problems []string
}

// Validation builds a ValidationError for one check. Nodes are sorted so the
// message is stable.
func Validation(check string, nodes []string, problems ...string) *ValidationError {
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	return &ValidationError{Check: check, Nodes: sorted, Problems: problems}
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "validation failed (%s)", e.Check)
	if len(e.Nodes) > 0 {
		fmt.Fprintf(&b, " for [%s]", strings.Join(e.Nodes, ", "))
	}
	if len(e.Problems) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Problems, "; "))
	}
	return b.String()
}

// TransientError marks a failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that retrying will not fix. Attempts is the
// number of attempts made before giving up, zero when unknown.
type PermanentError struct {
	Err      error
	Attempts int
}

func (e *PermanentError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("permanent after %d attempts: %v", e.Attempts, e.Err)
	}
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// CacheCorruptionError describes a stored entry that failed verification.
// It is logged and the entry discarded, never returned to a step.
type CacheCorruptionError struct {
	Fingerprint string
	Reason      string
	Err         error
}

func (e *CacheCorruptionError) Error() string {
	msg := fmt.Sprintf("cache entry %s corrupt: %s", e.Fingerprint, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CacheCorruptionError) Unwrap() error { return e.Err }

// CancellationError reports that the run was cancelled while work was pending
// or in flight.
type CancellationError struct {
	Err error
}

func (e *CancellationError) Error() string {
	if e.Err == nil {
		return "cancelled"
	}
	return "cancelled: " + e.Err.Error()
}

func (e *CancellationError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf formats a new retryable error.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Permanent wraps err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a new non-retryable error.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

type temporary interface {
	Temporary() bool
}

// IsTransient reports whether err should be retried. Explicit permanent
// marks win over anything found deeper in the chain.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var tmp temporary
	if errors.As(err, &tmp) && tmp.Temporary() {
		return true
	}
	return false
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// IsCancellation reports whether err carries a CancellationError.
func IsCancellation(err error) bool {
	var c *CancellationError
	return errors.As(err, &c)
}

// Kind names an error class for logs, events and exit codes.
type Kind string

const (
	KindNone         Kind = ""
	KindValidation   Kind = "validation"
	KindCancellation Kind = "cancellation"
	KindCorruption   Kind = "corruption"
	KindPermanent    Kind = "permanent"
	KindTransient    Kind = "transient"
)

// Classify returns the class of err. Unmarked errors are permanent.
func Classify(err error) Kind {
	var corrupt *CacheCorruptionError
	switch {
	case err == nil:
		return KindNone
	case IsValidation(err):
		return KindValidation
	case IsCancellation(err):
		return KindCancellation
	case errors.As(err, &corrupt):
		return KindCorruption
	case IsTransient(err):
		return KindTransient
	default:
		return KindPermanent
	}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
