// Package parallel executes the domains of a story as a dependency DAG:
// topological layering, concurrent fan-out within a layer, and aggregation
// of the per-domain results between layers.
package parallel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCycle reports a dependency cycle in a domain graph.
var ErrCycle = errors.New("dependency cycle")

// Graph is a set of domains and their dependency edges. A domain may only
// start after all of its dependencies finished.
type Graph struct {
	Domains []string
	Deps    map[string][]string
}

// Validate checks that every dependency edge references a known domain and
// that no domain appears twice.
func (g Graph) Validate() error {
	known := make(map[string]struct{}, len(g.Domains))
	for _, d := range g.Domains {
		if d == "" {
			return errors.New("empty domain name")
		}
		if _, dup := known[d]; dup {
			return fmt.Errorf("duplicate domain %q", d)
		}
		known[d] = struct{}{}
	}
	for d, deps := range g.Deps {
		if _, ok := known[d]; !ok {
			return fmt.Errorf("dependency map names unknown domain %q", d)
		}
		for _, dep := range deps {
			if _, ok := known[dep]; !ok {
				return fmt.Errorf("domain %q depends on unknown domain %q", d, dep)
			}
		}
	}
	return nil
}

// TopoSort returns a dependency-respecting order of the domains via Kahn's
// algorithm. Ties break alphabetically so the order is deterministic. A
// cycle returns ErrCycle naming the domains stuck on it.
func TopoSort(g Graph) ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	indegree := make(map[string]int, len(g.Domains))
	dependents := make(map[string][]string)
	for _, d := range g.Domains {
		indegree[d] = 0
	}
	for d, deps := range g.Deps {
		for _, dep := range deps {
			indegree[d]++
			dependents[dep] = append(dependents[dep], d)
		}
	}

	var ready []string
	for _, d := range g.Domains {
		if indegree[d] == 0 {
			ready = append(ready, d)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.Domains))
	for len(ready) > 0 {
		d := ready[0]
		ready = ready[1:]
		order = append(order, d)
		released := false
		for _, dep := range dependents[d] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.Domains) {
		var stuck []string
		for d, n := range indegree {
			if n > 0 {
				stuck = append(stuck, d)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}

// Layers groups the domains into execution layers: a domain's layer is one
// past the deepest layer of its dependencies, and dependency-free domains
// sit in layer zero. Members of one layer can run concurrently and are
// sorted alphabetically.
func Layers(g Graph) ([][]string, error) {
	order, err := TopoSort(g)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, nil
	}

	level := make(map[string]int, len(order))
	deepest := 0
	for _, d := range order {
		l := 0
		for _, dep := range g.Deps[d] {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[d] = l
		if l > deepest {
			deepest = l
		}
	}

	layers := make([][]string, deepest+1)
	for _, d := range g.Domains {
		layers[level[d]] = append(layers[level[d]], d)
	}
	for _, layer := range layers {
		sort.Strings(layer)
	}
	return layers, nil
}
