package service_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tomyedwab/overseer/node"
	"github.com/tomyedwab/overseer/node/nodetest"
	"github.com/tomyedwab/overseer/service"
)

func TestData(t *testing.T) {
	t.Parallel()
	svc := newService(t, 2, node.NewPool(nodetest.NewNode("a"), nodetest.NewNode("b")))
	require.NoError(t, svc.Start(t.Context()))
	setUp(t, svc.Instances()[0])

	require.Equal(t, service.Snapshot{
		Name:               "sample",
		Count:              2,
		LastInstanceNumber: 2,
		State:              service.StateStarting,
		Instances: []service.InstanceSnapshot{
			{Number: 1, Node: "a", State: service.InstanceUp},
			{Number: 2, Node: "b", State: service.InstanceStarting},
		},
	}, svc.Data())
}

func TestSnapshotEncoding(t *testing.T) {
	t.Parallel()
	snap := service.Snapshot{
		Name:               "sample",
		Count:              1,
		LastInstanceNumber: 4,
		State:              service.StateDegraded,
		Instances:          []service.InstanceSnapshot{{Number: 4, Node: "a", State: service.InstanceFailed}},
	}

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"sample","count":1,"last_instance_number":4,"state":"DEGRADED",
		"instances":[{"number":4,"node":"a","state":"FAILED"}]}`, string(raw))

	out, err := yaml.Marshal(snap)
	require.NoError(t, err)
	require.Contains(t, string(out), "state: DEGRADED")
	var back service.Snapshot
	require.NoError(t, yaml.Unmarshal(out, &back))
	require.Equal(t, snap, back)
}

func restoreFixture(t *testing.T, states ...service.InstanceState) (*node.Pool, service.Snapshot) {
	t.Helper()
	pool := node.NewPool(nodetest.NewNode("a"))
	svc := newService(t, len(states), pool)
	require.NoError(t, svc.Start(t.Context()))
	for i, inst := range svc.Instances() {
		switch states[i] {
		case service.InstanceUp:
			setUp(t, inst)
		case service.InstanceFailed:
			completeStart(t, inst, 1)
		case service.InstanceDown:
			require.NoError(t, inst.Stop(t.Context()))
		}
	}
	return pool, svc.Data()
}

func TestRestoreUp(t *testing.T) {
	t.Parallel()
	pool, snap := restoreFixture(t, service.InstanceUp, service.InstanceUp)
	require.Equal(t, service.StateUp, snap.State)

	restored := newService(t, 2, pool)
	require.NoError(t, restored.Restore(t.Context(), snap))
	require.Equal(t, service.StateUp, restored.State())
	require.Equal(t, 2, restored.LastInstanceNumber())
	instances := restored.Instances()
	require.Len(t, instances, 2)
	for _, inst := range instances {
		require.Equal(t, service.InstanceMonitoring, inst.State())
		require.Nil(t, inst.StartAction())
		require.True(t, fakeAction(t, inst.MonitorAction()).Started())
		require.Equal(t, inst.MonitorCommand(), inst.MonitorAction().Command())
	}
	require.Equal(t, []int{1, 2}, numbers(instances))

	completeMonitor(t, instances[0], 0)
	completeMonitor(t, instances[1], 0)
	require.Equal(t, service.StateUp, restored.State())
}

func TestRestoreDegraded(t *testing.T) {
	t.Parallel()
	pool, snap := restoreFixture(t, service.InstanceUp, service.InstanceFailed)
	require.Equal(t, service.StateDegraded, snap.State)

	restored := newService(t, 2, pool)
	require.NoError(t, restored.Restore(t.Context(), snap))
	require.Equal(t, service.StateDegraded, restored.State())
	instances := restored.Instances()
	require.Len(t, instances, 2)
	require.Equal(t, service.InstanceMonitoring, instances[0].State())
	require.Equal(t, service.InstanceMonitoring, instances[1].State())

	// The failed instance turns out to be alive after all.
	completeMonitor(t, instances[1], 0)
	completeMonitor(t, instances[0], 0)
	require.Equal(t, service.StateUp, restored.State())
}

func TestRestoreReverifiesToFailure(t *testing.T) {
	t.Parallel()
	pool, snap := restoreFixture(t, service.InstanceUp, service.InstanceUp)
	restored := newService(t, 2, pool)
	require.NoError(t, restored.Restore(t.Context(), snap))

	instances := restored.Instances()
	completeMonitor(t, instances[0], 1)
	require.Equal(t, service.StateDegraded, restored.State())
	completeMonitor(t, instances[1], 1)
	require.Equal(t, service.StateFailed, restored.State())
}

func TestRestoreKeepsDownInstancesDown(t *testing.T) {
	t.Parallel()
	pool, snap := restoreFixture(t, service.InstanceUp, service.InstanceDown)
	restored := newService(t, 2, pool)
	require.NoError(t, restored.Restore(t.Context(), snap))

	instances := restored.Instances()
	require.Equal(t, service.InstanceMonitoring, instances[0].State())
	require.Equal(t, service.InstanceDown, instances[1].State())
	require.Nil(t, instances[1].MonitorAction())
	require.Equal(t, snap.State, restored.State())
}

func TestRestoreThenAbsorb(t *testing.T) {
	t.Parallel()
	pool, snap := restoreFixture(t, service.InstanceUp, service.InstanceFailed)
	restored := newService(t, 2, pool)
	require.NoError(t, restored.Restore(t.Context(), snap))

	// Absorbing derives the aggregate from the instances, which are all
	// being checked.
	next := newService(t, 2, pool)
	_, err := next.AbsorbPrevious(restored)
	require.NoError(t, err)
	require.Equal(t, service.StateDegraded, restored.State())
	require.Equal(t, service.StateUp, next.State())

	for _, inst := range next.Instances() {
		completeMonitor(t, inst, 0)
	}
	require.Equal(t, service.StateUp, next.State())
}

func TestRestoreErrors(t *testing.T) {
	t.Parallel()
	pool := node.NewPool(nodetest.NewNode("a"))
	good := service.Snapshot{
		Name:               "sample",
		Count:              2,
		LastInstanceNumber: 3,
		State:              service.StateUp,
		Instances: []service.InstanceSnapshot{
			{Number: 1, Node: "a", State: service.InstanceUp},
			{Number: 3, Node: "a", State: service.InstanceUp},
		},
	}
	cases := []struct {
		scenario string
		mutate   func(*service.Snapshot)
	}{
		{"wrong_name", func(s *service.Snapshot) { s.Name = "other" }},
		{"count_mismatch", func(s *service.Snapshot) { s.Count = 3 }},
		{"unknown_node", func(s *service.Snapshot) { s.Instances[1].Node = "gone" }},
		{"no_node_but_up", func(s *service.Snapshot) { s.Instances[0].Node = "" }},
		{"duplicate_number", func(s *service.Snapshot) { s.Instances[1].Number = 1 }},
		{"number_above_last", func(s *service.Snapshot) { s.LastInstanceNumber = 2 }},
		{"number_zero", func(s *service.Snapshot) { s.Instances[0].Number = 0 }},
		{"bad_state", func(s *service.Snapshot) { s.State = service.State(99) }},
		{"bad_instance_state", func(s *service.Snapshot) { s.Instances[0].State = service.InstanceState(99) }},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			snap := good
			snap.Instances = append([]service.InstanceSnapshot(nil), good.Instances...)
			tc.mutate(&snap)

			svc := newService(t, 2, pool)
			err := svc.Restore(t.Context(), snap)
			require.ErrorIs(t, err, service.ErrSnapshot)
			require.Empty(t, svc.Instances(), "nothing fabricated")
			require.Equal(t, service.StateDown, svc.State())
		})
	}

	t.Run("good", func(t *testing.T) {
		svc := newService(t, 2, pool)
		require.NoError(t, svc.Restore(t.Context(), good))
		require.Equal(t, []int{1, 3}, numbers(svc.Instances()))
	})
}

func TestRestoreWithoutNode(t *testing.T) {
	t.Parallel()
	pool := node.NewPool()
	svc := newService(t, 2, pool)
	require.ErrorIs(t, svc.Start(t.Context()), node.ErrEmptyPool)
	require.NoError(t, svc.Instances()[1].Stop(t.Context()))

	snap := svc.Data()
	require.Equal(t, []service.InstanceSnapshot{
		{Number: 1, Node: "", State: service.InstanceFailed},
		{Number: 2, Node: "", State: service.InstanceDown},
	}, snap.Instances)

	restored := newService(t, 2, pool)
	require.NoError(t, restored.Restore(t.Context(), snap))
	require.Equal(t, snap, restored.Data())
	for _, inst := range restored.Instances() {
		require.Nil(t, inst.Node())
		require.Nil(t, inst.MonitorAction())
	}

	// Numbering carries on past the restored instances.
	next := newService(t, 3, node.NewPool(nodetest.NewNode("a")))
	rec, err := next.AbsorbPrevious(restored)
	require.NoError(t, err)
	require.Equal(t, []int{3}, numbers(rec.Added))
}
