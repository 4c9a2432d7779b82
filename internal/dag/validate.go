package dag

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/specialistvlad/scenegrid/internal/config"
	"github.com/specialistvlad/scenegrid/internal/errs"
)

// Validate runs the port, cycle and output checks. On success it resolves
// edges and computes the topological order.
func (d *DAG) Validate() error {
	if err := d.checkPorts(); err != nil {
		return err
	}
	d.link()
	if err := d.checkCycles(); err != nil {
		return err
	}
	if err := d.checkOutputs(); err != nil {
		return err
	}
	d.validated = true
	return nil
}

type problems struct {
	nodes map[string]bool
	list  []string
}

func (p *problems) add(node, format string, args ...any) {
	if p.nodes == nil {
		p.nodes = make(map[string]bool)
	}
	if node != "" {
		p.nodes[node] = true
	}
	p.list = append(p.list, fmt.Sprintf(format, args...))
}

func (p *problems) err(check string) error {
	if len(p.list) == 0 {
		return nil
	}
	nodes := make([]string, 0, len(p.nodes))
	for n := range p.nodes {
		nodes = append(nodes, n)
	}
	return errs.Validation(check, nodes, p.list...)
}

func (d *DAG) checkPorts() error {
	var p problems
	externals := make(map[string]bool, len(d.Externals))
	for _, e := range d.Externals {
		externals[e] = true
	}

	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" || strings.Contains(n.ID, ".") {
			p.add(n.ID, "node id %q must be non-empty and contain no dots", n.ID)
		}
		if seen[n.ID] {
			p.add(n.ID, "node %q declared more than once", n.ID)
		}
		seen[n.ID] = true
		if n.Step == nil {
			p.add(n.ID, "node %q has no step", n.ID)
			continue
		}

		for _, port := range n.InputPorts() {
			if decl, _ := n.Step.InputPort(port); decl.Optional {
				continue
			}
			if _, ok := n.Bindings[port]; !ok {
				p.add(n.ID, "node %q: input %q is not bound", n.ID, port)
			}
		}

		for _, port := range sortedKeys(n.Bindings) {
			b := n.Bindings[port]
			if _, ok := n.Step.InputPort(port); !ok {
				p.add(n.ID, "node %q: binds undeclared input %q", n.ID, port)
				continue
			}
			ref, err := config.ParseRef(b.Ref)
			if err != nil {
				p.add(n.ID, "node %q: input %q: %v", n.ID, port, err)
				continue
			}
			if ref.External {
				if !externals[ref.Port] {
					p.add(n.ID, "node %q: input %q references undeclared external %q", n.ID, port, ref.Port)
				}
				continue
			}
			from, ok := d.byID[ref.Node]
			if !ok {
				p.add(n.ID, "node %q: input %q references unknown node %q", n.ID, port, ref.Node)
				continue
			}
			if from.Step == nil {
				continue
			}
			if _, ok := from.Step.OutputPort(ref.Port); !ok {
				p.add(n.ID, "node %q: input %q references %q, which has no output %q", n.ID, port, ref.Node, ref.Port)
			}
		}

		for _, port := range n.bestEffort {
			b, ok := n.Bindings[port]
			if !ok {
				p.add(n.ID, "node %q: best-effort input %q is not bound", n.ID, port)
				continue
			}
			if ref, err := config.ParseRef(b.Ref); err == nil && ref.External {
				p.add(n.ID, "node %q: best-effort input %q is bound to an external", n.ID, port)
			}
		}

		for _, port := range sortedKeys(n.Publish) {
			if _, ok := n.Step.OutputPort(port); !ok {
				p.add(n.ID, "node %q: publishes undeclared output %q", n.ID, port)
			}
		}
	}
	return p.err(errs.CheckPorts)
}

// link resolves bindings into edges. It assumes checkPorts passed.
func (d *DAG) link() {
	for _, n := range d.Nodes {
		n.Deps, n.Dependents = nil, nil
	}
	for _, n := range d.Nodes {
		best := make(map[string]bool, len(n.bestEffort))
		for _, port := range n.bestEffort {
			best[port] = true
		}
		deps := make(map[*Node]bool)
		for _, port := range sortedKeys(n.Bindings) {
			b := n.Bindings[port]
			ref, _ := config.ParseRef(b.Ref)
			b.BestEffort = best[port]
			if ref.External {
				b.External = ref.Port
				continue
			}
			b.From, b.FromPort = d.byID[ref.Node], ref.Port
			deps[b.From] = true
		}
		for dep := range deps {
			n.Deps = append(n.Deps, dep)
			dep.Dependents = append(dep.Dependents, n)
		}
	}
	for _, n := range d.Nodes {
		sortNodes(n.Deps)
		sortNodes(n.Dependents)
	}
}

// checkCycles runs Kahn's algorithm with a min-heap on declaration index,
// which yields the dispatch order. Nodes left over are either on a cycle
// or downstream of one; Tarjan's algorithm separates the two.
func (d *DAG) checkCycles() error {
	indeg := make(map[*Node]int, len(d.Nodes))
	for _, n := range d.Nodes {
		indeg[n] = len(n.Deps)
	}
	ready := &nodeHeap{}
	for _, n := range d.Nodes {
		if indeg[n] == 0 {
			heap.Push(ready, n)
		}
	}

	order := make([]*Node, 0, len(d.Nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(*Node)
		order = append(order, n)
		for _, m := range n.Dependents {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	if len(order) == len(d.Nodes) {
		d.order = order
		return nil
	}

	remaining := make(map[*Node]bool)
	for n, deg := range indeg {
		if deg > 0 {
			remaining[n] = true
		}
	}
	members := cycleMembers(d.Nodes, remaining)
	sort.Strings(members)
	return errs.Validation(errs.CheckCycle, members,
		fmt.Sprintf("dependency cycle through %s", strings.Join(members, ", ")))
}

// cycleMembers returns the ids of nodes in strongly connected components
// of size greater than one, or with a self edge, within the subgraph.
func cycleMembers(nodes []*Node, within map[*Node]bool) []string {
	index := 0
	indices := make(map[*Node]int)
	low := make(map[*Node]int)
	onStack := make(map[*Node]bool)
	var stack []*Node
	var members []string

	var strongConnect func(v *Node)
	strongConnect = func(v *Node) {
		indices[v] = index
		low[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		selfLoop := false
		for _, w := range v.Dependents {
			if !within[w] {
				continue
			}
			if w == v {
				selfLoop = true
			}
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], indices[w])
			}
		}

		if low[v] == indices[v] {
			var scc []*Node
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if len(scc) > 1 || selfLoop {
				for _, w := range scc {
					members = append(members, w.ID)
				}
			}
		}
	}

	for _, n := range nodes {
		if within[n] {
			if _, seen := indices[n]; !seen {
				strongConnect(n)
			}
		}
	}
	return members
}

func (d *DAG) checkOutputs() error {
	var p problems
	producers := make(map[string][]string)
	d.outputs = make(map[string]OutputRef)
	for _, n := range d.Nodes {
		for _, port := range n.Step.Outputs {
			id := n.OutputIdentity(port.Name)
			producers[id] = append(producers[id], n.ID+"."+port.Name)
			d.outputs[id] = OutputRef{Node: n, Port: port.Name}
		}
	}
	for _, id := range sortedKeys(producers) {
		if from := producers[id]; len(from) > 1 {
			for _, f := range from {
				node, _, _ := strings.Cut(f, ".")
				p.nodes = addNode(p.nodes, node)
			}
			p.add("", "output identity %q produced by %s", id, strings.Join(from, ", "))
		}
	}
	for _, id := range d.Required {
		if _, ok := d.outputs[id]; ok {
			continue
		}
		if _, ok := d.byID[id]; ok {
			continue
		}
		p.add("", "required output %q is not produced by any node", id)
	}
	if err := p.err(errs.CheckOutputs); err != nil {
		d.outputs = nil
		return err
	}
	return nil
}

func addNode(m map[string]bool, id string) map[string]bool {
	if m == nil {
		m = make(map[string]bool)
	}
	m[id] = true
	return m
}

type nodeHeap []*Node

func (h nodeHeap) Len() int           { return len(h) }
func (h nodeHeap) Less(i, j int) bool { return h[i].Index < h[j].Index }
func (h nodeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)        { *h = append(*h, x.(*Node)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
