// Package nodestore defines the Execution Context: the per-run record of
// every node's state, fingerprint, attempt count and outcome.
//
// # Why Node Store Exists
//
// The DAG is immutable once validated; everything that changes during a
// run lives here. Keeping the two apart means:
//   - **Clarity:** workers update state without touching graph structure
//   - **Resumability:** a Snapshot of the store is all that is needed to
//     resume an interrupted run with the same run ID
//   - **Flexibility:** the in-memory implementation can be swapped for a
//     persistent one without changing the scheduler
//
// # State Transitions
//
// Nodes follow this lifecycle:
//
//	Pending → Ready → Running → Succeeded | Failed
//	Pending | Ready | Running → Skipped
//
// Succeeded, Failed and Skipped are terminal. Implementations reject any
// other transition with ErrIllegalTransition.
package nodestore

import (
	"context"
	"errors"
	"time"
)

// ErrIllegalTransition is returned for a state change the lifecycle forbids.
var ErrIllegalTransition = errors.New("illegal node state transition")

// ErrUnknownNode is returned for a node the store was not initialized with.
var ErrUnknownNode = errors.New("unknown node")

// Record is everything the store knows about one node.
type Record struct {
	Node        string    `json:"node"`
	State       State     `json:"state"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Attempts    int       `json:"attempts"`
	Cached      bool      `json:"cached"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

// Duration is the wall time between start and finish, zero if either is
// unset.
func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is the interface for the mutable execution state of one run.
//
// # Thread-Safety Requirements
//
// Implementations MUST be safe for concurrent use: every worker updates
// its own node while the coordinator reads others.
type Store interface {
	// RunID identifies the run. It survives Snapshot and restore.
	RunID() string

	// Init registers nodes and puts every one of them in Pending. Nodes
	// restored from a snapshot keep their attempt history and fingerprint;
	// the rest of their record is cleared.
	Init(ctx context.Context, nodes []string) error

	// Transition moves a node to a new state, enforcing the lifecycle.
	Transition(ctx context.Context, node string, to State) error

	// Update applies fn to a node's record. fn must not change State; use
	// Transition for that.
	Update(ctx context.Context, node string, fn func(*Record)) error

	// Get returns a copy of a node's record.
	Get(ctx context.Context, node string) (Record, error)

	// Snapshot returns a serializable copy of the whole store.
	Snapshot(ctx context.Context) (*Snapshot, error)
}
