package service_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/overseer/node"
	"github.com/tomyedwab/overseer/node/nodetest"
	"github.com/tomyedwab/overseer/service"
)

func newService(t *testing.T, count int, pool *node.Pool) *service.Service {
	t.Helper()
	svc, err := service.New(service.Config{
		Name:    "sample",
		Command: "sleep 60 & echo $! > {{.PidFile}}",
		PidFile: "/tmp/sample-{{.Number}}.pid",
		Count:   count,
	}, pool, nil)
	require.NoError(t, err)
	return svc
}

func fakeAction(t *testing.T, a node.Action) *nodetest.Action {
	t.Helper()
	require.NotNil(t, a)
	fa, ok := a.(*nodetest.Action)
	require.True(t, ok, "unexpected action type %T", a)
	return fa
}

func completeStart(t *testing.T, inst *service.Instance, exitStatus int) {
	t.Helper()
	require.True(t, fakeAction(t, inst.StartAction()).Complete(exitStatus))
}

func completeMonitor(t *testing.T, inst *service.Instance, exitStatus int) {
	t.Helper()
	require.True(t, fakeAction(t, inst.MonitorAction()).Complete(exitStatus))
}

// setUp drives a started instance through a successful start and check.
func setUp(t *testing.T, inst *service.Instance) {
	t.Helper()
	completeStart(t, inst, 0)
	require.NoError(t, inst.RunMonitor(t.Context()))
	completeMonitor(t, inst, 0)
	require.Equal(t, service.InstanceUp, inst.State())
}

func instanceStates(svc *service.Service) []service.InstanceState {
	var states []service.InstanceState
	for _, inst := range svc.Instances() {
		states = append(states, inst.State())
	}
	return states
}

func numbers(instances []*service.Instance) []int {
	var out []int
	for _, inst := range instances {
		out = append(out, inst.Number())
	}
	return out
}
