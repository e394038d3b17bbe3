package gates

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderAndNumbers(t *testing.T) {
	all := All()
	require.Len(t, all, Count)
	require.Equal(t, PreFlight, all[0])
	require.Equal(t, MergeApproval, all[7])
	for i, g := range all {
		require.Equal(t, i, g.Number())
		require.True(t, g.Valid())
	}
}

func TestNextWalksTheChain(t *testing.T) {
	g := PreFlight
	var visited []Gate
	for {
		visited = append(visited, g)
		next, ok := g.Next()
		if !ok {
			break
		}
		g = next
	}
	require.Equal(t, All(), visited)

	_, ok := MergeApproval.Next()
	require.False(t, ok)
}

func TestAutoExecutableGates(t *testing.T) {
	require.True(t, Build.AutoExecutable())
	require.True(t, Test.AutoExecutable())
	auto := 0
	for _, g := range All() {
		if g.AutoExecutable() {
			auto++
		}
	}
	require.Equal(t, 2, auto)
}

func TestInvalidLabel(t *testing.T) {
	g := Gate("gate-9")
	require.False(t, g.Valid())
	require.Equal(t, -1, g.Number())
	_, ok := g.Next()
	require.False(t, ok)
}

func TestFromNumber(t *testing.T) {
	g, err := FromNumber(5)
	require.NoError(t, err)
	require.Equal(t, PMValidation, g)

	_, err = FromNumber(8)
	require.Error(t, err)
}

func TestNamesAndOwners(t *testing.T) {
	require.Equal(t, "pre-flight", PreFlight.Name())
	require.Equal(t, "merge-authorization", MergeApproval.Name())
	require.Equal(t, "qa", QA.Owner())
	require.Equal(t, "human", MergeApproval.Owner())
}
