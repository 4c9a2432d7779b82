// Package scheduler runs a validated DAG to completion on a bounded pool of
// workers.
//
// # Why Scheduler Exists
//
// The scheduler is the engine that turns a static plan into a run. It owns
// the per-node state machine for the lifetime of one run and decides, after
// every completion, which nodes may start next:
//   - **Automatic Parallelization:** independent branches run concurrently
//   - **Dependency Safety:** a node starts only after every upstream node is
//     terminal and its outputs are durably cached
//   - **Failure Isolation:** a failed node skips its descendants without
//     stopping unrelated branches
//   - **Reuse:** every ready node is fingerprinted and resolved through the
//     cache, so unchanged work is never repeated
//
// # How It Works
//
// A single coordinator goroutine owns all state. It keeps a ready queue
// ordered by topological position and hands nodes to workers over an
// unbuffered channel, so dispatch blocks while every worker is busy. Workers
// report back over a second unbuffered channel; the coordinator settles the
// finished node and evaluates its dependents:
//
//	Pending → Ready → Running → Succeeded | Failed
//	Pending | Ready | Running → Skipped
//
// A dependent whose upstream failed or was skipped is Skipped in turn,
// unless the edge is best-effort, in which case it receives the missing
// marker. Steps that do not tolerate the marker fail.
//
// # Cancellation
//
// When the run context is done the coordinator stops dispatching, marks all
// Pending and Ready nodes Skipped with reason "cancelled", and waits for
// running nodes to observe the context. A node interrupted that way also
// ends Skipped.
//
// # Relationship with Other Components
//
//   - **DAG:** read-only plan; the scheduler never mutates it
//   - **Cache Store:** sole path to computed artifacts
//   - **Executor:** runs one step with retries on behalf of a worker
//   - **Node Store:** per-run record, exposed as a Snapshot for resume
package scheduler
