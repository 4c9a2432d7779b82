// Package executor runs a single step: it applies the per-attempt timeout,
// classifies failures as transient or permanent, and retries transient
// failures with exponential backoff.
//
// Classification rules, first match wins:
//
//   - the run's context is done: CancellationError, never retried;
//   - the attempt hit its own deadline: transient;
//   - the error is marked transient, or is a network timeout: transient;
//   - anything else: permanent.
//
// When the attempt budget runs out the last transient error is returned
// as a PermanentError carrying the attempt count.
package executor
