package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/terrane-io/terrane/internal/ir"
)

// DAG represents a directed acyclic graph of resources for dependency ordering.
type DAG struct {
	nodes    map[string]*dagNode
	order    []string // topological order (creation order)
	revOrder []string // reverse topological order (destruction order)
}

type dagNode struct {
	addr     string
	edges    []string // resources this node depends on
	revEdges []string // resources that depend on this node
}

// BuildDAG constructs a dependency graph from declared resources. It resolves
// both explicit dependsOn entries and implicit ptr:// references. A reference
// to a resource absent from the declaration fails with UndefinedReferenceError;
// a reference cycle fails with CycleError.
func BuildDAG(resources []*ir.Resource) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*dagNode),
	}

	for _, res := range resources {
		addr := res.Addr()
		dag.nodes[addr] = &dagNode{addr: addr}
	}

	for _, res := range resources {
		addr := res.Addr()
		node := dag.nodes[addr]

		for _, dep := range res.DependsOn {
			if _, ok := dag.nodes[dep]; !ok {
				return nil, &ir.UndefinedReferenceError{Address: addr, Reference: dep}
			}
			node.edges = append(node.edges, dep)
		}

		for _, ref := range extractRefs(res.Properties) {
			depAddr := refToAddr(ref)
			if depAddr == "" {
				return nil, &ir.UndefinedReferenceError{Address: addr, Reference: ref}
			}
			if _, ok := dag.nodes[depAddr]; !ok {
				return nil, &ir.UndefinedReferenceError{Address: addr, Reference: ref}
			}
			node.edges = append(node.edges, depAddr)
		}
	}

	return dag.finish()
}

// BuildDAGFromState constructs a dependency graph from state records (for
// destroy ordering). Dependencies recorded against resources that no longer
// exist are tolerated with placeholder nodes.
func BuildDAGFromState(records []*ir.StateRecord) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*dagNode),
	}

	for _, rec := range records {
		addr := rec.Addr()
		node := &dagNode{addr: addr}
		node.edges = append(node.edges, rec.Dependencies...)
		dag.nodes[addr] = node
	}

	for _, node := range dag.nodes {
		for _, dep := range node.edges {
			if _, ok := dag.nodes[dep]; !ok {
				dag.nodes[dep] = &dagNode{addr: dep}
			}
		}
	}

	return dag.finish()
}

func (d *DAG) finish() (*DAG, error) {
	for addr, node := range d.nodes {
		for _, dep := range node.edges {
			d.nodes[dep].revEdges = append(d.nodes[dep].revEdges, addr)
		}
	}

	order, err := d.topoSort()
	if err != nil {
		return nil, err
	}
	d.order = order

	d.revOrder = make([]string, len(order))
	for i, addr := range order {
		d.revOrder[len(order)-1-i] = addr
	}

	return d, nil
}

// CreationOrder returns resources in dependency-respecting creation order.
func (d *DAG) CreationOrder() []string {
	return d.order
}

// DestructionOrder returns resources in reverse dependency order (safe for deletion).
func (d *DAG) DestructionOrder() []string {
	return d.revOrder
}

// Dependencies returns the direct dependencies for a given address.
func (d *DAG) Dependencies(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.edges
	}
	return nil
}

// Dependents returns the addresses that directly depend on the given address.
func (d *DAG) Dependents(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.revEdges
	}
	return nil
}

// TransitiveDeps returns every address reachable through dependency edges.
func (d *DAG) TransitiveDeps(addr string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(a string) {
		for _, dep := range d.Dependencies(a) {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(addr)

	deps := make([]string, 0, len(seen))
	for dep := range seen {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

// topoSort performs Kahn's algorithm. Ties between independent nodes break
// lexicographically by address so the resulting order is deterministic
// across runs.
func (d *DAG) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(d.nodes))
	for addr, node := range d.nodes {
		inDegree[addr] = len(node.edges)
	}

	var queue []string
	for addr, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, addr)
		}
	}
	sort.Strings(queue)

	var sorted []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		var ready []string
		for _, dependent := range d.nodes[node].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		if len(ready) > 0 {
			queue = append(queue, ready...)
			sort.Strings(queue)
		}
	}

	if len(sorted) != len(d.nodes) {
		inCycle := make(map[string]bool, len(d.nodes))
		for addr := range d.nodes {
			inCycle[addr] = true
		}
		for _, addr := range sorted {
			delete(inCycle, addr)
		}
		var members []string
		for addr := range inCycle {
			members = append(members, addr)
		}
		sort.Strings(members)
		return nil, &ir.CycleError{Addrs: members}
	}

	return sorted, nil
}

// extractRefs extracts all ptr:// references from a property value.
func extractRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "ptr://") {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	case map[any]any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	case []any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	}
	return refs
}

// refToAddr converts a ptr:// reference to a resource address.
// ptr://aws:Route53.HostedZone/primary/zone_id -> aws:Route53.HostedZone.primary
func refToAddr(ref string) string {
	if !strings.HasPrefix(ref, "ptr://") {
		return ""
	}
	path := ref[6:]
	// Format: provider:Type/name/attribute
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return fmt.Sprintf("%s.%s", parts[0], parts[1])
}
