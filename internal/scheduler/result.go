package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/fingerprint"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/nodestore"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// NodeResult is the final record of one node.
type NodeResult struct {
	Node  string
	Step  model.Identity
	State nodestore.State

	// Outputs is set when State is Succeeded; Err when it is Failed, or
	// Skipped by cancellation mid-flight.
	Outputs model.Outputs
	Err     error

	Duration    time.Duration
	Attempts    int
	Cached      bool
	Resumed     bool
	Fingerprint fingerprint.Fingerprint
	Reason      string
}

// Result is returned once a run terminates.
type Result struct {
	RunID    string
	Status   Status
	Nodes    map[string]*NodeResult
	Duration time.Duration

	// Snapshot is the final Execution Context, suitable for Request.Resume.
	Snapshot *nodestore.Snapshot

	outputs map[string]model.Artifact
}

// Output returns a produced artifact by output identity.
func (r *Result) Output(identity string) (model.Artifact, bool) {
	a, ok := r.outputs[identity]
	return a, ok
}

// OutputIdentities lists every produced output identity in sorted order.
func (r *Result) OutputIdentities() []string {
	ids := make([]string, 0, len(r.outputs))
	for id := range r.outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NodeIDs returns the node IDs in sorted order.
func (r *Result) NodeIDs() []string {
	ids := make([]string, 0, len(r.Nodes))
	for id := range r.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Counts tallies nodes by final state.
func (r *Result) Counts() map[nodestore.State]int {
	out := make(map[nodestore.State]int)
	for _, n := range r.Nodes {
		out[n.State]++
	}
	return out
}

// Computed returns how many nodes ran their step rather than reusing a
// cached result.
func (r *Result) Computed() int {
	total := 0
	for _, n := range r.Nodes {
		if n.State == nodestore.Succeeded && !n.Cached {
			total++
		}
	}
	return total
}

// Err summarizes an unsuccessful run, or returns nil.
func (r *Result) Err() error {
	switch r.Status {
	case StatusSucceeded:
		return nil
	case StatusCancelled:
		return &errs.CancellationError{Err: context.Canceled}
	}
	var failures []error
	for _, id := range r.NodeIDs() {
		if n := r.Nodes[id]; n.State == nodestore.Failed {
			failures = append(failures, fmt.Errorf("node %s: %w", id, n.Err))
		}
	}
	if len(failures) == 0 {
		return fmt.Errorf("run %s failed", r.RunID)
	}
	return errors.Join(failures...)
}
