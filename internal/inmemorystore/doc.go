// Package inmemorystore provides an ephemeral, thread-safe, in-memory
// implementation of the nodestore.Store interface.
//
// # Characteristics
//
//   - **Ephemeral:** Created fresh for each run, or restored from a Snapshot
//   - **Thread-Safe:** One sync.Map entry per node, each guarded by its own mutex
//   - **Lifecycle-Checked:** Transition rejects moves nodestore.CanTransition forbids
//
// # Concurrency Model
//
// Every worker updates only the node it is running while the coordinator
// reads the others. The key space is fixed once Init has run, so sync.Map
// with a per-record mutex avoids a global lock on the hot path.
package inmemorystore
