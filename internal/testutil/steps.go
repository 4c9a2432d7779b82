package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/params"
	"github.com/specialistvlad/scenegrid/internal/registry"
)

// Module registers a fixed list of steps.
type Module []*model.Step

// Register implements the registry.Module interface.
func (m Module) Register(r *registry.Registry) {
	for _, s := range m {
		r.Register(s)
	}
}

// Ports builds a port list from names.
func Ports(names ...string) []model.Port {
	ports := make([]model.Port, len(names))
	for i, n := range names {
		ports[i] = model.Port{Name: n, Type: "blob"}
	}
	return ports
}

// Recorder counts compute calls per step name.
type Recorder struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{calls: make(map[string]int)}
}

func (r *Recorder) record(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[name]++
	r.order = append(r.order, name)
	return r.calls[name]
}

// Calls returns how many times the named step computed.
func (r *Recorder) Calls(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

// Total returns the number of compute calls across all steps.
func (r *Recorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Order returns step names in the order they started computing.
func (r *Recorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Echo returns a compute function whose every output is a blob derived
// from the step name, the canonical parameters and the input checksums, so
// it is a pure function of what the engine fingerprints.
func Echo(rec *Recorder, name string, outputs ...string) model.ComputeFunc {
	return func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
		if rec != nil {
			rec.record(name)
		}
		return EchoOutputs(name, in, p, outputs...), nil
	}
}

// EchoOutputs computes what Echo would return.
func EchoOutputs(name string, in model.Inputs, p params.Set, outputs ...string) model.Outputs {
	ports := make([]string, 0, len(in))
	for port := range in {
		ports = append(ports, port)
	}
	sort.Strings(ports)
	var parts []string
	for _, port := range ports {
		parts = append(parts, port+"="+string(in[port].Checksum()))
	}
	out := make(model.Outputs, len(outputs))
	for _, o := range outputs {
		out[o] = model.NewBlob([]byte(fmt.Sprintf("%s.%s|%s|%s", name, o, p.Canonical(), strings.Join(parts, ","))), "text/plain")
	}
	return out
}

// Step declares a version 1.0.0 step with blob ports.
func Step(name string, inputs, outputs []string, compute model.ComputePort) *model.Step {
	return &model.Step{
		Identity: model.Identity{Name: name, Version: "1.0.0"},
		Inputs:   Ports(inputs...),
		Outputs:  Ports(outputs...),
		Compute:  compute,
	}
}

// EchoStep is Step with an Echo compute function.
func EchoStep(rec *Recorder, name string, inputs, outputs []string) *model.Step {
	return Step(name, inputs, outputs, Echo(rec, name, outputs...))
}

// Script returns a compute function that fails with errs[i] on call i and
// delegates to then once the script is exhausted.
func Script(rec *Recorder, name string, then model.ComputeFunc, errs ...error) model.ComputeFunc {
	var calls atomic.Int64
	return func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
		call := int(calls.Add(1))
		if rec != nil {
			rec.record(name)
		}
		if call <= len(errs) && errs[call-1] != nil {
			return nil, errs[call-1]
		}
		return then(ctx, in, p)
	}
}
