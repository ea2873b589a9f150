package service_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/overseer/service"
)

func TestAggregate(t *testing.T) {
	t.Parallel()
	const (
		down       = service.InstanceDown
		starting   = service.InstanceStarting
		up         = service.InstanceUp
		monitoring = service.InstanceMonitoring
		failed     = service.InstanceFailed
	)
	cases := []struct {
		scenario string
		given    []service.InstanceState
		then     service.State
	}{
		{"empty", nil, service.StateDown},
		{"all_down", []service.InstanceState{down, down}, service.StateDown},
		{"starting", []service.InstanceState{starting, starting}, service.StateStarting},
		{"starting_and_up", []service.InstanceState{starting, up}, service.StateStarting},
		{"starting_and_down", []service.InstanceState{starting, down}, service.StateStarting},
		{"all_up", []service.InstanceState{up, up}, service.StateUp},
		{"up_and_monitoring", []service.InstanceState{up, monitoring}, service.StateUp},
		{"all_monitoring", []service.InstanceState{monitoring, monitoring}, service.StateUp},
		{"one_failed", []service.InstanceState{up, failed}, service.StateDegraded},
		{"failed_and_starting", []service.InstanceState{failed, starting}, service.StateDegraded},
		{"failed_and_down", []service.InstanceState{failed, down}, service.StateDegraded},
		{"all_failed", []service.InstanceState{failed, failed}, service.StateFailed},
		{"up_and_down", []service.InstanceState{up, down}, service.StateDegraded},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.Equal(t, tc.then, service.Aggregate(tc.given))
		})
	}
}

func TestStateText(t *testing.T) {
	t.Parallel()
	for _, st := range []service.State{service.StateDown, service.StateStarting, service.StateUp, service.StateDegraded, service.StateFailed} {
		text, err := st.MarshalText()
		require.NoError(t, err)
		var back service.State
		require.NoError(t, back.UnmarshalText(text))
		require.Equal(t, st, back)
		require.Equal(t, string(text), st.String())
	}

	var st service.State
	require.Error(t, st.UnmarshalText([]byte("SIDEWAYS")))
	var ist service.InstanceState
	require.Error(t, ist.UnmarshalText([]byte("SIDEWAYS")))
	require.NoError(t, ist.UnmarshalText([]byte("MONITORING")))
	require.Equal(t, service.InstanceMonitoring, ist)
	_, err := service.State(42).MarshalText()
	require.Error(t, err)
	require.Equal(t, "State(42)", service.State(42).String())
}
