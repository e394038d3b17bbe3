package parallel

import (
	"fmt"
	"reflect"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestTopoSortOrdersDependenciesFirst(t *testing.T) {
	g := Graph{
		Domains: []string{"fe", "be", "qa"},
		Deps:    map[string][]string{"qa": {"fe", "be"}},
	}
	order, err := TopoSort(g)
	require.NoError(t, err)
	require.Equal(t, []string{"be", "fe", "qa"}, order)
}

func TestTopoSortDetectsCycle(t *testing.T) {
	g := Graph{
		Domains: []string{"a", "b"},
		Deps:    map[string][]string{"a": {"b"}, "b": {"a"}},
	}
	_, err := TopoSort(g)
	require.ErrorIs(t, err, ErrCycle)
	require.Contains(t, err.Error(), "a")
	require.Contains(t, err.Error(), "b")
}

func TestTopoSortSelfDependencyIsCycle(t *testing.T) {
	g := Graph{
		Domains: []string{"a"},
		Deps:    map[string][]string{"a": {"a"}},
	}
	_, err := TopoSort(g)
	require.ErrorIs(t, err, ErrCycle)
}

func TestValidateRejectsUnknownDomains(t *testing.T) {
	_, err := TopoSort(Graph{
		Domains: []string{"fe"},
		Deps:    map[string][]string{"fe": {"ghost"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "ghost")

	_, err = TopoSort(Graph{
		Domains: []string{"fe"},
		Deps:    map[string][]string{"ghost": {"fe"}},
	})
	require.Error(t, err)
}

func TestLayersGroupByDependencyDepth(t *testing.T) {
	g := Graph{
		Domains: []string{"fe", "be", "qa"},
		Deps:    map[string][]string{"qa": {"fe", "be"}},
	}
	layers, err := Layers(g)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"be", "fe"}, {"qa"}}, layers)
}

func TestLayersUseDeepestDependency(t *testing.T) {
	// d depends only on a, so it runs alongside b even though c goes deeper.
	g := Graph{
		Domains: []string{"a", "b", "c", "d"},
		Deps: map[string][]string{
			"b": {"a"},
			"c": {"b"},
			"d": {"a"},
		},
	}
	layers, err := Layers(g)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a"}, {"b", "d"}, {"c"}}, layers)
}

func TestLayersEmptyGraph(t *testing.T) {
	layers, err := Layers(Graph{})
	require.NoError(t, err)
	require.Nil(t, layers)
}

// genDAG builds graphs that are acyclic by construction: domain j may only
// depend on domains with a smaller index.
func genDAG() gopter.Gen {
	return gen.IntRange(1, 8).FlatMap(func(size any) gopter.Gen {
		n := size.(int)
		pairs := n * (n - 1) / 2
		return gen.SliceOfN(pairs, gen.Bool()).Map(func(mask []bool) Graph {
			g := Graph{Deps: make(map[string][]string)}
			for i := 0; i < n; i++ {
				g.Domains = append(g.Domains, fmt.Sprintf("d%d", i))
			}
			k := 0
			for j := 1; j < n; j++ {
				for i := 0; i < j; i++ {
					if mask[k] {
						g.Deps[g.Domains[j]] = append(g.Deps[g.Domains[j]], g.Domains[i])
					}
					k++
				}
			}
			return g
		})
	}, reflect.TypeOf(Graph{}))
}

func TestLayerAssignmentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every domain sits one layer past its deepest dependency", prop.ForAll(
		func(g Graph) bool {
			layers, err := Layers(g)
			if err != nil {
				return false
			}

			level := make(map[string]int)
			count := 0
			for i, layer := range layers {
				if !sort.StringsAreSorted(layer) {
					return false
				}
				for _, d := range layer {
					if _, dup := level[d]; dup {
						return false
					}
					level[d] = i
					count++
				}
			}
			if count != len(g.Domains) {
				return false
			}

			for _, d := range g.Domains {
				want := 0
				for _, dep := range g.Deps[d] {
					if level[dep] >= level[d] {
						return false
					}
					if level[dep]+1 > want {
						want = level[dep] + 1
					}
				}
				if level[d] != want {
					return false
				}
			}
			return true
		},
		genDAG(),
	))

	properties.Property("topological order places dependencies earlier", prop.ForAll(
		func(g Graph) bool {
			order, err := TopoSort(g)
			if err != nil || len(order) != len(g.Domains) {
				return false
			}
			pos := make(map[string]int, len(order))
			for i, d := range order {
				pos[d] = i
			}
			for _, d := range g.Domains {
				for _, dep := range g.Deps[d] {
					if pos[dep] >= pos[d] {
						return false
					}
				}
			}
			return true
		},
		genDAG(),
	))

	properties.TestingRun(t)
}
