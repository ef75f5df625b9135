package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemorySink_ChainsHashesAcrossAppends(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Event{Action: ActionDeviceSelected, Device: "GPU.0", Result: "ok"}))
	require.NoError(t, s.Append(ctx, Event{Action: ActionCompileFailed, Device: "GPU.0", Result: "error"}))

	events, err := s.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "", events[0].PrevHash)
	require.Equal(t, events[0].EventHash, events[1].PrevHash)
	require.NotEqual(t, events[0].EventHash, events[1].EventHash)
}

func TestMemorySink_ListFiltersByAction(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Event{Action: ActionDeviceSelected, Device: "CPU"}))
	require.NoError(t, s.Append(ctx, Event{Action: ActionInferenceFailed, Device: "CPU"}))

	out, err := s.List(ctx, Query{Action: ActionInferenceFailed})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, ActionInferenceFailed, out[0].Action)
}
