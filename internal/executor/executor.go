package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/params"
)

// Config holds the executor settings shared by all steps.
type Config struct {
	Retry RetryPolicy
	// Timeout bounds each attempt. Zero disables it. A step's own
	// Timeout takes precedence.
	Timeout time.Duration
}

// Report describes how an execution went.
type Report struct {
	Attempts int
	Delays   []time.Duration
	Errors   []error
}

// Executor runs steps. It is safe for concurrent use.
type Executor struct {
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRand replaces the jitter source, for tests.
func WithRand(fn func() float64) Option {
	return func(e *Executor) { e.rand = fn }
}

// New returns an executor for cfg.
func New(cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("step timeout must not be negative")
	}
	e := &Executor{cfg: cfg, sleep: sleepCtx, rand: rand.Float64}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs step until it succeeds, fails permanently, exhausts its
// attempts, or ctx is done.
func (e *Executor) Execute(ctx context.Context, step *model.Step, p params.Set, in model.Inputs) (model.Outputs, Report, error) {
	logger := ctxlog.FromContext(ctx).With("step", step.Identity.String())
	var rep Report

	timeout := e.cfg.Timeout
	if step.Timeout > 0 {
		timeout = step.Timeout
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, rep, &errs.CancellationError{Err: err}
		}
		rep.Attempts = attempt

		out, err := e.attempt(ctx, step, p, in, timeout)
		if err == nil {
			if attempt > 1 {
				logger.Info("Step succeeded after retry.", "attempts", attempt)
			}
			return out, rep, nil
		}
		rep.Errors = append(rep.Errors, err)

		if errs.IsCancellation(err) {
			return nil, rep, err
		}
		if !errs.IsTransient(err) {
			var perm *errs.PermanentError
			if errors.As(err, &perm) {
				perm.Attempts = attempt
				return nil, rep, perm
			}
			return nil, rep, &errs.PermanentError{Err: err, Attempts: attempt}
		}
		if attempt >= e.cfg.Retry.MaxAttempts {
			logger.Warn("Step exhausted retries.", "attempts", attempt, "error", err)
			return nil, rep, &errs.PermanentError{Err: err, Attempts: attempt}
		}

		delay := e.cfg.Retry.Delay(attempt, e.rand())
		rep.Delays = append(rep.Delays, delay)
		logger.Warn("🔁 Transient step failure, retrying.", "attempt", attempt, "delay", delay, "error", err)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, rep, &errs.CancellationError{Err: err}
		}
	}
}

type attemptResult struct {
	out model.Outputs
	err error
}

// attempt runs one bounded call. The compute port runs in its own
// goroutine so a port that ignores its context cannot hold the worker
// past the deadline.
func (e *Executor) attempt(ctx context.Context, step *model.Step, p params.Set, in model.Inputs, timeout time.Duration) (model.Outputs, error) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		var res attemptResult
		defer func() {
			if r := recover(); r != nil {
				res = attemptResult{err: errs.Permanentf("step panicked: %v", r)}
			}
			done <- res
		}()
		res.out, res.err = step.Compute.Compute(attemptCtx, in, p)
	}()

	var res attemptResult
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		res.err = attemptCtx.Err()
	}

	if res.err == nil {
		if err := checkOutputs(step, res.out); err != nil {
			return nil, errs.Permanent(err)
		}
		return res.out, nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, &errs.CancellationError{Err: ctx.Err()}
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return nil, errs.Transient(fmt.Errorf("attempt timed out after %s: %w", timeout, res.err))
	default:
		return nil, res.err
	}
}

// checkOutputs enforces the declared output port set.
func checkOutputs(step *model.Step, out model.Outputs) error {
	var problems []string
	for _, port := range step.Outputs {
		a, ok := out[port.Name]
		if !ok || a.IsMissing() {
			problems = append(problems, fmt.Sprintf("missing output %q", port.Name))
		}
	}
	var extra []string
	for name := range out {
		if _, ok := step.OutputPort(name); !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		problems = append(problems, fmt.Sprintf("undeclared output %q", name))
	}
	if len(problems) > 0 {
		return fmt.Errorf("step %s broke its output contract: %s", step.Identity, strings.Join(problems, "; "))
	}
	return nil
}
