package closure_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/nixsync/pkg/closure"
	"github.com/kalbasit/nixsync/pkg/storepath"
)

type graph map[storepath.Path][]storepath.Path

func (g graph) References(_ context.Context, p storepath.Path) ([]storepath.Path, error) {
	return g[p], nil
}

func TestWalkOrderingInvariant(t *testing.T) {
	t.Parallel()

	// x -> y -> z
	g := graph{
		"x": {"y"},
		"y": {"z"},
		"z": {},
	}

	res, err := closure.Walk(context.Background(), g, []storepath.Path{"x"})
	require.NoError(t, err)

	assert.True(t, res.Contains("x"))
	assert.True(t, res.Contains("y"))
	assert.True(t, res.Contains("z"))

	index := make(map[storepath.Path]int, len(res.Order))
	for i, p := range res.Order {
		index[p] = i
	}

	// every reference of x must precede x in the order
	assert.Less(t, index["z"], index["y"])
	assert.Less(t, index["y"], index["x"])
}

func TestSelfReferenceAppearsOnce(t *testing.T) {
	t.Parallel()

	g := graph{"x": {"x"}}

	res, err := closure.Walk(context.Background(), g, []storepath.Path{"x"})
	require.NoError(t, err)

	assert.Equal(t, []storepath.Path{"x"}, res.Order)
}

func TestCyclesTerminate(t *testing.T) {
	t.Parallel()

	g := graph{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	}

	res, err := closure.Walk(context.Background(), g, []storepath.Path{"a"})
	require.NoError(t, err)

	assert.Len(t, res.Order, 3)
	assert.True(t, res.Contains("a"))
	assert.True(t, res.Contains("b"))
	assert.True(t, res.Contains("c"))
}

func TestClosureIsIdempotent(t *testing.T) {
	t.Parallel()

	g := graph{
		"x": {"y"},
		"y": {"z"},
		"z": {},
	}

	first, err := closure.Walk(context.Background(), g, []storepath.Path{"x"})
	require.NoError(t, err)

	second, err := closure.Walk(context.Background(), g, first.Order)
	require.NoError(t, err)

	assert.ElementsMatch(t, first.Order, second.Order)
}

func TestEmptyRootsProducesEmptyResult(t *testing.T) {
	t.Parallel()

	res, err := closure.Walk(context.Background(), graph{}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Order)
	assert.Empty(t, res.Set)
}
