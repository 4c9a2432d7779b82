package dag

import (
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/params"
)

// Binding feeds one input port of a node.
type Binding struct {
	Port string
	Ref  string

	// Set for bindings to another node's output.
	From     *Node
	FromPort string

	// Set for bindings to an external input.
	External string

	BestEffort bool
}

// Node is a step bound to a resolved parameter set.
type Node struct {
	ID     string
	Index  int
	Step   *model.Step
	Params params.Set

	// Bindings by input port name.
	Bindings map[string]*Binding
	Publish  map[string]string

	// Deps and Dependents hold distinct neighbours in declaration order.
	Deps       []*Node
	Dependents []*Node

	bestEffort []string
}

// OutputIdentity returns the identity under which port is published.
func (n *Node) OutputIdentity(port string) string {
	if alias, ok := n.Publish[port]; ok && alias != "" {
		return alias
	}
	return n.ID + "." + port
}

// InputPorts returns the node's bound input port names in sorted order.
func (n *Node) InputPorts() []string {
	ports := make([]string, 0, len(n.Step.Inputs))
	for _, p := range n.Step.Inputs {
		ports = append(ports, p.Name)
	}
	sortStrings(ports)
	return ports
}

// OutputRef locates the producer of an output identity.
type OutputRef struct {
	Node *Node
	Port string
}

// NodeSpec declares one node for New.
type NodeSpec struct {
	ID         string
	Step       *model.Step
	Params     params.Set
	Inputs     map[string]string
	BestEffort []string
	Publish    map[string]string
}
