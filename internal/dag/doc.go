// Package dag is the planning layer. It turns a format-agnostic pipeline
// Definition into a graph of step nodes bound to resolved parameters,
// validates that graph, and computes the deterministic topological order
// the scheduler dispatches in.
//
// Validation runs three checks in order and stops at the first that fails:
//
//  1. ports: every declared input of every node is bound exactly once, to
//     a declared output of an existing node or to a declared external, and
//     nothing binds an undeclared input;
//  2. cycle: the graph is acyclic. The error names exactly the nodes that
//     sit on a cycle, not the nodes merely downstream of one;
//  3. outputs: every output identity (a published alias, or "node.port")
//     is unique, and every required identity exists.
package dag
