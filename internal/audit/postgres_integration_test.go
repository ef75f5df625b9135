package audit

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostgresSinkIntegrationAppendThenList(t *testing.T) {
	dsn := os.Getenv("AUTODEVICE_POSTGRES_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("set AUTODEVICE_POSTGRES_DSN_INTEGRATION to run Postgres integration tests")
	}
	ctx := context.Background()
	sink, err := NewPostgresSink(ctx, dsn)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Append(ctx, Event{Action: ActionDeviceSelected, Device: "CPU", Result: "ok"}))

	events, err := sink.List(ctx, Query{Action: ActionDeviceSelected})
	require.NoError(t, err)
	require.NotEmpty(t, events)
}
