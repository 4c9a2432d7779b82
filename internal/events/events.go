// Package events carries run progress out of the scheduler: node state
// changes and run milestones, fanned out to any number of sinks.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/nodestore"
)

// Kind classifies an Event.
type Kind string

const (
	RunStarted  Kind = "run_started"
	NodeState   Kind = "node_state"
	RunFinished Kind = "run_finished"
)

// Event is a single progress notification.
type Event struct {
	Kind     Kind            `json:"kind"`
	RunID    string          `json:"run_id"`
	Node     string          `json:"node,omitempty"`
	Step     string          `json:"step,omitempty"`
	State    nodestore.State `json:"state"`
	Status   string          `json:"status,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	Cached   bool            `json:"cached,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Error    string          `json:"error,omitempty"`
	Time     time.Time       `json:"time"`
}

// Sink receives events. Publish must not block for long; it is called from
// the scheduler's coordinator.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Multi fans an event out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	switch len(live) {
	case 0:
		return Discard
	case 1:
		return live[0]
	}
	return SinkFunc(func(ctx context.Context, ev Event) {
		for _, s := range live {
			s.Publish(ctx, ev)
		}
	})
}

// Log writes node state changes to the context logger at debug level and
// run milestones at info.
var Log Sink = SinkFunc(func(ctx context.Context, ev Event) {
	logger := ctxlog.FromContext(ctx)
	switch ev.Kind {
	case NodeState:
		level := slog.LevelDebug
		if ev.State == nodestore.Failed {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "Node state changed.",
			"node", ev.Node, "step", ev.Step, "state", ev.State.String(),
			"attempts", ev.Attempts, "cached", ev.Cached, "reason", ev.Reason, "error", ev.Error)
	default:
		logger.Info("Run event.", "kind", string(ev.Kind), "run_id", ev.RunID, "status", ev.Status)
	}
})

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of what has been recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// States returns the sequence of states recorded for node.
func (r *Recorder) States(node string) []nodestore.State {
	var out []nodestore.State
	for _, ev := range r.Events() {
		if ev.Kind == NodeState && ev.Node == node {
			out = append(out, ev.State)
		}
	}
	return out
}
