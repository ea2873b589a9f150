package node_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/overseer/node"
	"github.com/tomyedwab/overseer/node/nodetest"
)

func TestPoolRoundRobin(t *testing.T) {
	t.Parallel()
	a, b, c := nodetest.NewNode("a"), nodetest.NewNode("b"), nodetest.NewNode("c")
	pool := node.NewPool(a, b, c)

	var got []string
	for range 7 {
		n, err := pool.NextNode()
		require.NoError(t, err)
		got = append(got, n.Name())
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a"}, got)
}

func TestPoolRepeatable(t *testing.T) {
	t.Parallel()
	seq := func() []string {
		pool := node.NewPool(nodetest.NewNode("x"), nodetest.NewNode("y"))
		var names []string
		for range 5 {
			n, err := pool.NextNode()
			require.NoError(t, err)
			names = append(names, n.Name())
		}
		return names
	}
	require.Equal(t, seq(), seq())
}

func TestPoolEmpty(t *testing.T) {
	t.Parallel()
	pool := node.NewPool()
	_, err := pool.NextNode()
	require.ErrorIs(t, err, node.ErrEmptyPool)

	pool.Add(nodetest.NewNode("late"))
	n, err := pool.NextNode()
	require.NoError(t, err)
	require.Equal(t, "late", n.Name())
}

func TestPoolLookup(t *testing.T) {
	t.Parallel()
	pool := node.NewPool(nodetest.NewNode("a"), nodetest.NewNode("b"))
	n, ok := pool.Lookup("b")
	require.True(t, ok)
	require.Equal(t, "b", n.Name())
	_, ok = pool.Lookup("zzz")
	require.False(t, ok)
	require.Equal(t, []string{"a", "b"}, pool.Names())
	require.Equal(t, 2, pool.Len())
}
