package node_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tomyedwab/overseer/node"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func runLocal(t *testing.T, n *node.LocalNode, command string) node.Result {
	t.Helper()
	results := make(chan node.Result, 1)
	a := n.Run(command)
	require.Equal(t, command, a.Command())
	require.NotEmpty(t, a.ID())
	a.Start(t.Context(), func(r node.Result) { results <- r })
	select {
	case r := <-results:
		return r
	case <-time.After(10 * time.Second):
		t.Fatalf("command %q did not complete", command)
		return node.Result{}
	}
}

func TestLocalNode(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	n := node.NewLocalNode("local", node.LocalConfig{Shell: sh, WaitDelay: 100 * time.Millisecond})
	t.Cleanup(n.Wait)
	require.Equal(t, "local", n.Name())

	t.Run("success", func(t *testing.T) {
		res := runLocal(t, n, "echo hello")
		require.True(t, res.Succeeded())
		require.Equal(t, 0, res.ExitStatus)
	})
	t.Run("exit status", func(t *testing.T) {
		res := runLocal(t, n, "exit 3")
		require.False(t, res.Succeeded())
		require.NoError(t, res.Err)
		require.Equal(t, 3, res.ExitStatus)
	})
	t.Run("backgrounded child", func(t *testing.T) {
		start := time.Now()
		res := runLocal(t, n, "sleep 1 &")
		require.True(t, res.Succeeded(), res.String())
		require.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestLocalNodeLaunchFailure(t *testing.T) {
	n := node.NewLocalNode("broken", node.LocalConfig{Shell: "/does/not/exist"})
	t.Cleanup(n.Wait)
	res := runLocal(t, n, "true")
	require.Error(t, res.Err)
	require.False(t, res.Succeeded())
}

func TestLocalNodeOutlivesContext(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	n := node.NewLocalNode("local", node.LocalConfig{Shell: sh, WaitDelay: 100 * time.Millisecond})
	t.Cleanup(n.Wait)

	ctx, cancel := context.WithCancel(t.Context())
	results := make(chan node.Result, 1)
	n.Run("sleep 0.3").Start(ctx, func(r node.Result) { results <- r })
	cancel()

	select {
	case res := <-results:
		require.True(t, res.Succeeded(), res.String())
	case <-time.After(10 * time.Second):
		t.Fatal("command did not complete")
	}
}
