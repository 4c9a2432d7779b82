package dag

import (
	"sort"
)

// DAG is the validated execution plan. Build and Validate are the only
// ways to obtain one that the scheduler accepts.
type DAG struct {
	Nodes     []*Node
	Externals []string
	Required  []string

	byID      map[string]*Node
	outputs   map[string]OutputRef
	order     []*Node
	validated bool
}

// New assembles an unvalidated DAG. Nodes keep the order of specs as their
// declaration order.
func New(externals, required []string, specs ...NodeSpec) *DAG {
	d := &DAG{
		Externals: append([]string(nil), externals...),
		Required:  append([]string(nil), required...),
		byID:      make(map[string]*Node, len(specs)),
	}
	sortStrings(d.Externals)
	for i, spec := range specs {
		n := &Node{
			ID:         spec.ID,
			Index:      i,
			Step:       spec.Step,
			Params:     spec.Params,
			Bindings:   make(map[string]*Binding, len(spec.Inputs)),
			Publish:    spec.Publish,
			bestEffort: append([]string(nil), spec.BestEffort...),
		}
		for port, ref := range spec.Inputs {
			n.Bindings[port] = &Binding{Port: port, Ref: ref}
		}
		d.Nodes = append(d.Nodes, n)
		if _, dup := d.byID[spec.ID]; !dup {
			d.byID[spec.ID] = n
		}
	}
	return d
}

// Node returns the node with the given id.
func (d *DAG) Node(id string) (*Node, bool) {
	n, ok := d.byID[id]
	return n, ok
}

// Order returns the topological order computed by Validate.
func (d *DAG) Order() []*Node {
	return append([]*Node(nil), d.order...)
}

// Validated reports whether Validate succeeded.
func (d *DAG) Validated() bool { return d.validated }

// Output resolves an output identity.
func (d *DAG) Output(identity string) (OutputRef, bool) {
	ref, ok := d.outputs[identity]
	return ref, ok
}

// Outputs returns every output identity in sorted order.
func (d *DAG) Outputs() []string {
	ids := make([]string, 0, len(d.outputs))
	for id := range d.outputs {
		ids = append(ids, id)
	}
	sortStrings(ids)
	return ids
}

// RequiredNodes returns the nodes producing the required outputs. A
// required entry may be an output identity or a node id. With nothing
// required, every node is returned.
func (d *DAG) RequiredNodes() map[*Node][]string {
	out := make(map[*Node][]string)
	if len(d.Required) == 0 {
		for _, n := range d.Nodes {
			for _, p := range n.Step.Outputs {
				out[n] = append(out[n], p.Name)
			}
		}
		return out
	}
	for _, id := range d.Required {
		if ref, ok := d.outputs[id]; ok {
			out[ref.Node] = append(out[ref.Node], ref.Port)
			continue
		}
		if n, ok := d.byID[id]; ok {
			for _, p := range n.Step.Outputs {
				out[n] = append(out[n], p.Name)
			}
		}
	}
	return out
}

func sortStrings(s []string) { sort.Strings(s) }
