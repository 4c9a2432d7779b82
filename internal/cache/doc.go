// Package cache is the content-addressable result store.
//
// A Store maps fingerprints to immutable entries held by a pluggable
// Backend. GetOrCompute guarantees that, within one process, at most one
// computation runs per fingerprint at a time; other callers wait and share
// the result. Backends that also implement Locker extend the guarantee
// across processes sharing the same storage.
//
// Entries are verified on every read. An entry that fails verification is
// logged, deleted and reported as a miss, so a corrupt entry is never
// handed to a step.
//
// When MaxBytes is set, the store evicts least recently used entries until
// the total stored size fits, skipping any fingerprint whose computation is
// in flight.
package cache
