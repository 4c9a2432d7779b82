// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file models a registered step kind: its identity, declared ports,
// parameter schema and compute port.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/specialistvlad/scenegrid/internal/params"
)

// Identity names a step kind and the version of its logic. Bumping Version
// invalidates every cached result the step produced.
type Identity struct {
	Name    string
	Version string
}

func (id Identity) String() string {
	return id.Name + "@" + id.Version
}

// Port is a named, typed input or output slot of a step.
type Port struct {
	Name        string
	Type        string
	Description string

	// Optional input ports may be left unbound; the step then receives the
	// missing marker. Only steps that tolerate missing inputs may declare
	// them.
	Optional bool
}

// Inputs maps input port names to the artifacts bound to them.
type Inputs map[string]Artifact

// Outputs maps output port names to produced artifacts.
type Outputs map[string]Artifact

// ComputePort is the external collaborator that does a step's real work.
// It must be a pure function of its inputs and parameters unless the step
// is declared NonCacheable.
type ComputePort interface {
	Compute(ctx context.Context, in Inputs, p params.Set) (Outputs, error)
}

// ComputeFunc adapts a function to the ComputePort interface.
type ComputeFunc func(ctx context.Context, in Inputs, p params.Set) (Outputs, error)

// Compute calls f(ctx, in, p).
func (f ComputeFunc) Compute(ctx context.Context, in Inputs, p params.Set) (Outputs, error) {
	return f(ctx, in, p)
}

// Step is a registered unit of computation. It is immutable once registered.
type Step struct {
	Identity
	Description string

	Inputs  []Port
	Outputs []Port
	Params  params.Schema

	Compute ComputePort

	// NonCacheable marks steps whose result depends on more than their
	// inputs and parameters, such as resolving the latest catalog scene.
	NonCacheable bool

	// ToleratesMissing marks steps that accept the missing-input marker on
	// a best-effort edge instead of failing.
	ToleratesMissing bool

	// Timeout overrides the engine's per-attempt timeout when positive.
	Timeout time.Duration

	// Check validates resolved parameters beyond what the schema expresses.
	Check func(params.Set) error
}

// InputPort returns the declared input port with the given name.
func (s *Step) InputPort(name string) (Port, bool) {
	return findPort(s.Inputs, name)
}

// OutputPort returns the declared output port with the given name.
func (s *Step) OutputPort(name string) (Port, bool) {
	return findPort(s.Outputs, name)
}

func findPort(ports []Port, name string) (Port, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Validate reports structural problems with a step declaration.
func (s *Step) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("step name is empty"))
	}
	if s.Version == "" {
		errs = append(errs, fmt.Errorf("step %q has no version", s.Name))
	}
	if s.Compute == nil {
		errs = append(errs, fmt.Errorf("step %q has no compute port", s.Name))
	}
	if len(s.Outputs) == 0 {
		errs = append(errs, fmt.Errorf("step %q declares no outputs", s.Name))
	}
	for kind, ports := range map[string][]Port{"input": s.Inputs, "output": s.Outputs} {
		seen := make(map[string]bool, len(ports))
		for _, p := range ports {
			if p.Name == "" {
				errs = append(errs, fmt.Errorf("step %q has an unnamed %s port", s.Name, kind))
			}
			if seen[p.Name] {
				errs = append(errs, fmt.Errorf("step %q declares %s port %q twice", s.Name, kind, p.Name))
			}
			seen[p.Name] = true
		}
	}
	for _, p := range s.Inputs {
		if p.Optional && !s.ToleratesMissing {
			errs = append(errs, fmt.Errorf("step %q: optional input %q requires a step that tolerates missing inputs", s.Name, p.Name))
		}
	}
	return errors.Join(errs...)
}
