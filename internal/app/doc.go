// Package app contains the core application logic. It wires configuration,
// logging, the cache, the executor and the scheduler into an App, and
// exposes the operations the command line drives: building a DAG from
// definition files, running it, and maintaining the cache. It is decoupled
// from any specific entrypoint.
package app
