package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/specialistvlad/scenegrid/internal/cache"
	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/dag"
	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/events"
	"github.com/specialistvlad/scenegrid/internal/executor"
	"github.com/specialistvlad/scenegrid/internal/fingerprint"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/nodestore"
)

type task struct {
	node   *dag.Node
	pos    int
	inputs model.Inputs
}

type outcome struct {
	node     *dag.Node
	outputs  model.Outputs
	err      error
	fp       fingerprint.Fingerprint
	attempts int
	cached   bool
	duration time.Duration
}

// run is the coordinator state of one Run call. Only the coordinator
// goroutine touches it; workers see tasks and return outcomes.
type run struct {
	*Scheduler
	d        *dag.DAG
	store    nodestore.Store
	external map[string]model.Artifact
	required map[*dag.Node]bool

	pos     map[*dag.Node]int
	waiting map[*dag.Node]int
	nodes   map[string]*NodeResult
	ready   readyQueue
}

func newRun(s *Scheduler, d *dag.DAG, store nodestore.Store, req Request, required map[*dag.Node]bool) *run {
	r := &run{
		Scheduler: s,
		d:         d,
		store:     store,
		external:  req.External,
		required:  required,
		pos:       make(map[*dag.Node]int, len(d.Nodes)),
		waiting:   make(map[*dag.Node]int, len(d.Nodes)),
		nodes:     make(map[string]*NodeResult, len(d.Nodes)),
	}
	for i, n := range d.Order() {
		r.pos[n] = i
		r.waiting[n] = len(n.Deps)
		res := &NodeResult{Node: n.ID, Step: n.Step.Identity, State: nodestore.Pending}
		if req.Resume != nil {
			if rec, ok := req.Resume.Record(n.ID); ok && rec.State == nodestore.Succeeded {
				res.Resumed = true
			}
		}
		r.nodes[n.ID] = res
	}
	return r
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	runID := r.store.RunID()
	logger := ctxlog.FromContext(ctx).With("run_id", runID)
	ctx = ctxlog.WithLogger(ctx, logger)
	start := r.now()

	r.publish(ctx, events.Event{Kind: events.RunStarted})
	logger.Info("🚀 Starting concurrent execution...", "nodes", len(r.d.Nodes), "workers", r.cfg.Workers)

	tasks := make(chan *task)
	done := make(chan *outcome)
	var wg sync.WaitGroup
	for range r.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				done <- r.work(ctx, t)
			}
		}()
	}

	for _, n := range r.d.Order() {
		if r.waiting[n] == 0 {
			r.settle(ctx, n)
		}
	}

	running := 0
	cancelled := ctx.Done()
	for running > 0 || r.ready.Len() > 0 {
		if cancelled != nil && ctx.Err() != nil {
			cancelled = nil
			r.cancelPending(ctx)
			continue
		}

		var send chan<- *task
		var next *task
		if r.ready.Len() > 0 {
			send, next = tasks, r.ready[0]
		}

		select {
		case send <- next:
			heap.Pop(&r.ready)
			r.transition(ctx, next.node, nodestore.Running)
			running++
		case o := <-done:
			running--
			r.finish(ctx, o)
		case <-cancelled:
		}
	}
	close(tasks)
	wg.Wait()

	res := &Result{
		RunID:    runID,
		Status:   r.status(),
		Nodes:    r.nodes,
		Duration: r.now().Sub(start),
		outputs:  make(map[string]model.Artifact),
	}
	for _, id := range r.d.Outputs() {
		ref, _ := r.d.Output(id)
		if nr := r.nodes[ref.Node.ID]; nr.State == nodestore.Succeeded {
			res.outputs[id] = nr.Outputs[ref.Port]
		}
	}
	snap, err := r.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshotting run state: %w", err)
	}
	res.Snapshot = snap

	r.publish(ctx, events.Event{Kind: events.RunFinished, Status: string(res.Status)})
	counts := res.Counts()
	logger.Info("🏁 Execution finished.",
		"status", res.Status,
		"succeeded", counts[nodestore.Succeeded],
		"failed", counts[nodestore.Failed],
		"skipped", counts[nodestore.Skipped],
		"duration", res.Duration)
	return res, nil
}

// settle evaluates a Pending node whose upstream nodes are all terminal:
// it becomes Ready with its inputs assembled, or Skipped.
func (r *run) settle(ctx context.Context, n *dag.Node) {
	res := r.nodes[n.ID]
	if res.State != nodestore.Pending {
		return
	}
	if ctx.Err() != nil {
		r.skip(ctx, n, ReasonCancelled)
		return
	}

	inputs := make(model.Inputs, len(n.Bindings))
	for _, port := range n.InputPorts() {
		b := n.Bindings[port]
		if b == nil {
			inputs[port] = model.Missing()
			continue
		}
		if b.External != "" {
			inputs[port] = r.external[b.External]
			continue
		}
		up := r.nodes[b.From.ID]
		switch {
		case up.State == nodestore.Succeeded:
			inputs[port] = up.Outputs[b.FromPort]
		case b.BestEffort:
			ctxlog.FromContext(ctx).Warn("Best-effort input unavailable, passing missing marker.",
				"node", n.ID, "port", port, "upstream", b.From.ID, "upstream_state", up.State.String())
			inputs[port] = model.Missing()
		default:
			r.skip(ctx, n, fmt.Sprintf("upstream %s %s", b.From.ID, up.State))
			return
		}
	}

	r.transition(ctx, n, nodestore.Ready)
	heap.Push(&r.ready, &task{node: n, pos: r.pos[n], inputs: inputs})
}

func (r *run) finish(ctx context.Context, o *outcome) {
	n := o.node
	res := r.nodes[n.ID]
	res.Fingerprint = o.fp
	res.Attempts = o.attempts
	res.Cached = o.cached
	res.Duration = o.duration

	to := nodestore.Succeeded
	switch {
	case o.err == nil:
		res.Outputs = o.outputs
	case errs.IsCancellation(o.err):
		to = nodestore.Skipped
		res.Reason = ReasonCancelled
		res.Err = o.err
	default:
		to = nodestore.Failed
		res.Err = o.err
	}

	r.update(ctx, n)
	r.transition(ctx, n, to)

	logger := ctxlog.FromContext(ctx).With("node", n.ID, "step", n.Step.Identity.String())
	switch to {
	case nodestore.Succeeded:
		logger.Info("✅ Node succeeded.", "cached", o.cached, "attempts", o.attempts, "duration", o.duration)
	case nodestore.Failed:
		logger.Error("❌ Node failed.", "attempts", o.attempts, "error", o.err)
	default:
		logger.Warn("Node interrupted by cancellation.")
	}
	r.release(ctx, n)
}

func (r *run) skip(ctx context.Context, n *dag.Node, reason string) {
	res := r.nodes[n.ID]
	res.Reason = reason
	r.update(ctx, n)
	r.transition(ctx, n, nodestore.Skipped)
	ctxlog.FromContext(ctx).Debug("Node skipped.", "node", n.ID, "reason", reason)
	r.release(ctx, n)
}

// release counts n as terminal for each dependent and settles those with
// no upstream left.
func (r *run) release(ctx context.Context, n *dag.Node) {
	for _, dep := range n.Dependents {
		r.waiting[dep]--
		if r.waiting[dep] == 0 {
			r.settle(ctx, dep)
		}
	}
}

func (r *run) cancelPending(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	logger.Warn("🛑 Run cancelled, skipping pending nodes.", "cause", context.Cause(ctx))
	r.ready = r.ready[:0]
	for _, n := range r.d.Order() {
		if st := r.nodes[n.ID].State; st == nodestore.Pending || st == nodestore.Ready {
			r.nodes[n.ID].Reason = ReasonCancelled
			r.update(ctx, n)
			r.transition(ctx, n, nodestore.Skipped)
		}
	}
}

func (r *run) update(ctx context.Context, n *dag.Node) {
	res := r.nodes[n.ID]
	err := r.store.Update(ctx, n.ID, func(rec *nodestore.Record) {
		rec.Attempts += res.Attempts
		if res.Fingerprint != "" {
			rec.Fingerprint = res.Fingerprint.String()
		}
		rec.Cached = res.Cached
		rec.Reason = res.Reason
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
	})
	if err != nil {
		ctxlog.FromContext(ctx).Error("Failed to record node result.", "node", n.ID, "error", err)
	}
}

func (r *run) transition(ctx context.Context, n *dag.Node, to nodestore.State) {
	res := r.nodes[n.ID]
	if err := r.store.Transition(ctx, n.ID, to); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to record node state.", "node", n.ID, "error", err)
	}
	res.State = to

	ev := events.Event{
		Kind:     events.NodeState,
		Node:     n.ID,
		Step:     n.Step.Identity.String(),
		State:    to,
		Attempts: res.Attempts,
		Cached:   res.Cached,
		Reason:   res.Reason,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	r.publish(ctx, ev)
}

func (r *run) publish(ctx context.Context, ev events.Event) {
	ev.RunID = r.store.RunID()
	ev.Time = r.now()
	r.sink.Publish(ctx, ev)
}

func (r *run) status() Status {
	status := StatusSucceeded
	for n := range r.required {
		res := r.nodes[n.ID]
		switch {
		case res.State == nodestore.Failed:
			return StatusFailed
		case res.State == nodestore.Skipped && res.Reason != ReasonCancelled:
			return StatusFailed
		case res.State != nodestore.Succeeded:
			status = StatusCancelled
		}
	}
	return status
}

// work runs on a worker goroutine. It reads only the task and the
// scheduler's immutable fields.
func (r *run) work(ctx context.Context, t *task) *outcome {
	n := t.node
	logger := ctxlog.FromContext(ctx).With("node", n.ID, "step", n.Step.Identity.String())
	ctx = ctxlog.WithLogger(ctx, logger)

	o := &outcome{node: n}
	start := r.now()
	defer func() { o.duration = r.now().Sub(start) }()

	if err := ctx.Err(); err != nil {
		o.err = &errs.CancellationError{Err: err}
		return o
	}
	o.fp = fingerprint.FromInputs(n.Step.Identity, n.Params, t.inputs)

	if !n.Step.ToleratesMissing {
		for _, port := range n.InputPorts() {
			if a, ok := t.inputs[port]; ok && a.IsMissing() {
				o.err = errs.Permanentf("input %q is missing and step %s does not tolerate missing inputs", port, n.Step.Identity)
				return o
			}
		}
	}

	logger.Debug("▶️ Running node.", "fingerprint", o.fp.Short())

	var mu sync.Mutex
	var rep executor.Report
	compute := func(ctx context.Context) (model.Outputs, error) {
		out, rp, err := r.exec.Execute(ctx, n.Step, n.Params, t.inputs)
		mu.Lock()
		rep = rp
		mu.Unlock()
		return out, err
	}

	if n.Step.NonCacheable || r.cache == nil {
		o.outputs, o.err = compute(ctx)
	} else {
		entry, how, err := r.cache.GetOrCompute(ctx, o.fp, n.Step.Identity, compute)
		if err == nil {
			o.outputs = entry.Outputs
			o.cached = how != cache.Computed
		}
		o.err = err
	}

	mu.Lock()
	o.attempts = rep.Attempts
	mu.Unlock()
	return o
}
