package config

import (
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// ExternalPrefix introduces a reference to an external input.
const ExternalPrefix = "external"

// Definition is the unified representation of a pipeline.
type Definition struct {
	// Required lists the output identities the caller needs. When empty,
	// every node is required.
	Required  []string
	Externals []*External
	Steps     []*Step
}

// External declares an input supplied by the caller at run time.
type External struct {
	Name        string
	Description string
	Source      string
}

// Step is one node of the pipeline as written by the user.
type Step struct {
	Name    string
	Uses    string
	Version string

	// Params is an object value, or cty.NilVal when none were given.
	Params cty.Value

	// Inputs maps input port names to references.
	Inputs map[string]string

	// BestEffort lists input ports whose producer may fail without
	// skipping this step.
	BestEffort []string

	// Publish renames output ports; the default identity is "step.port".
	Publish map[string]string

	// Source locates the declaration for error messages.
	Source string
}

// Ref is a parsed input reference.
type Ref struct {
	External bool
	Node     string
	Port     string
}

func (r Ref) String() string {
	if r.External {
		return ExternalPrefix + "." + r.Port
	}
	return r.Node + "." + r.Port
}

// ParseRef parses "node.port" or "external.name".
func ParseRef(s string) (Ref, error) {
	node, port, ok := strings.Cut(s, ".")
	if !ok || node == "" || port == "" || strings.Contains(port, ".") {
		return Ref{}, fmt.Errorf("reference %q must have the form node.port or external.name", s)
	}
	if node == ExternalPrefix {
		return Ref{External: true, Port: port}, nil
	}
	return Ref{Node: node, Port: port}, nil
}

// Merge appends other into d. Duplicate step or external names are errors.
func (d *Definition) Merge(other *Definition) error {
	steps := make(map[string]*Step, len(d.Steps))
	for _, s := range d.Steps {
		steps[s.Name] = s
	}
	for _, s := range other.Steps {
		if prev, ok := steps[s.Name]; ok {
			return fmt.Errorf("step %q declared twice (%s and %s)", s.Name, prev.Source, s.Source)
		}
		steps[s.Name] = s
		d.Steps = append(d.Steps, s)
	}

	externals := make(map[string]*External, len(d.Externals))
	for _, e := range d.Externals {
		externals[e.Name] = e
	}
	for _, e := range other.Externals {
		if prev, ok := externals[e.Name]; ok {
			return fmt.Errorf("external %q declared twice (%s and %s)", e.Name, prev.Source, e.Source)
		}
		externals[e.Name] = e
		d.Externals = append(d.Externals, e)
	}

	d.Required = append(d.Required, other.Required...)
	return nil
}
