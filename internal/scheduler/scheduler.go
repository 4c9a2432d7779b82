package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/specialistvlad/scenegrid/internal/cache"
	"github.com/specialistvlad/scenegrid/internal/dag"
	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/events"
	"github.com/specialistvlad/scenegrid/internal/executor"
	"github.com/specialistvlad/scenegrid/internal/inmemorystore"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/nodestore"
)

// ReasonCancelled is the skip reason of nodes stopped by cancellation.
const ReasonCancelled = "cancelled"

// Config holds the scheduler settings.
type Config struct {
	Workers int `yaml:"workers"`
}

// Scheduler executes DAGs. It is safe to run several DAGs concurrently on
// one Scheduler; they share the cache and therefore its single-flight
// guarantees.
type Scheduler struct {
	cfg   Config
	cache *cache.Store
	exec  *executor.Executor
	sink  events.Sink
	now   func() time.Time
}

// New creates a scheduler. A nil cache store disables caching; a nil sink
// discards events.
func New(cfg Config, store *cache.Store, exec *executor.Executor, sink events.Sink) (*Scheduler, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if exec == nil {
		return nil, errors.New("scheduler requires an executor")
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Scheduler{cfg: cfg, cache: store, exec: exec, sink: sink, now: time.Now}, nil
}

// Request describes one run.
type Request struct {
	// RunID names the run. Empty means a fresh UUID, or the resumed
	// snapshot's ID.
	RunID string

	// External supplies the artifacts bound to the DAG's external inputs.
	External map[string]model.Artifact

	// Required overrides the DAG's required outputs when non-empty. Entries
	// are output identities or node IDs.
	Required []string

	// Resume continues a previous run from its snapshot.
	Resume *nodestore.Snapshot
}

// Run executes d and returns once no node is Pending, Ready or Running.
// The error is non-nil only when the run could not start; node failures
// are reported in the Result.
func (s *Scheduler) Run(ctx context.Context, d *dag.DAG, req Request) (*Result, error) {
	if !d.Validated() {
		return nil, errors.New("DAG must be validated before it can run")
	}
	if err := checkExternals(d, req.External); err != nil {
		return nil, err
	}
	required, err := resolveRequired(d, req.Required)
	if err != nil {
		return nil, err
	}

	var store *inmemorystore.Store
	if req.Resume != nil {
		if req.RunID != "" && req.RunID != req.Resume.RunID {
			return nil, fmt.Errorf("cannot resume run %q as %q", req.Resume.RunID, req.RunID)
		}
		store = inmemorystore.FromSnapshot(req.Resume)
	} else {
		store = inmemorystore.New(req.RunID)
	}
	ids := make([]string, len(d.Nodes))
	for i, n := range d.Nodes {
		ids[i] = n.ID
	}
	if err := store.Init(ctx, ids); err != nil {
		return nil, fmt.Errorf("initializing run state: %w", err)
	}

	r := newRun(s, d, store, req, required)
	return r.execute(ctx)
}

func checkExternals(d *dag.DAG, supplied map[string]model.Artifact) error {
	declared := make(map[string]bool, len(d.Externals))
	for _, name := range d.Externals {
		declared[name] = true
	}

	var nodes, problems []string
	for _, n := range d.Nodes {
		for _, port := range n.InputPorts() {
			b := n.Bindings[port]
			if b == nil || b.External == "" {
				continue
			}
			if a, ok := supplied[b.External]; !ok || a.IsMissing() {
				nodes = append(nodes, n.ID)
				problems = append(problems, fmt.Sprintf("node %q: external input %q is not supplied", n.ID, b.External))
			}
		}
	}
	names := make([]string, 0, len(supplied))
	for name := range supplied {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !declared[name] {
			problems = append(problems, fmt.Sprintf("unknown external input %q", name))
		}
	}
	if len(problems) > 0 {
		return errs.Validation(errs.CheckExternals, nodes, problems...)
	}
	return nil
}

func resolveRequired(d *dag.DAG, override []string) (map[*dag.Node]bool, error) {
	out := make(map[*dag.Node]bool)
	if len(override) == 0 {
		for n := range d.RequiredNodes() {
			out[n] = true
		}
		return out, nil
	}
	var problems []string
	for _, id := range override {
		if ref, ok := d.Output(id); ok {
			out[ref.Node] = true
			continue
		}
		if n, ok := d.Node(id); ok {
			out[n] = true
			continue
		}
		problems = append(problems, fmt.Sprintf("required output %q is not produced by any node", id))
	}
	if len(problems) > 0 {
		return nil, errs.Validation(errs.CheckOutputs, nil, problems...)
	}
	return out, nil
}
