package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mashoujiang/autodevice/internal/audit"
	"github.com/mashoujiang/autodevice/internal/backend"
	"github.com/mashoujiang/autodevice/internal/perfsink"
	"github.com/mashoujiang/autodevice/internal/workerpool"
)

type fakeScheduler struct {
	needPerf bool
	preferred string
}

func (f *fakeScheduler) Submit(task workerpool.Task) {
	req := backend.NewFakeRequest()
	slot := workerpool.NewSlot(req)
	req.SetCompletionCallback(func(status backend.Status) {
		slot.SetStatus(status)
		if c := slot.TakeTask(); c != nil {
			c()
		}
	})
	task(slot)
}

func (f *fakeScheduler) NeedPerfCounters() bool { return f.needPerf }
func (f *fakeScheduler) SetPreferredDevice(name string) { f.preferred = name }

func TestPipeline_HappyPathCompletes(t *testing.T) {
	sched := &fakeScheduler{}
	req := New(sched, []string{"in0"}, []string{"out0"}, nil)
	req.SetInput("in0", backend.NewFakeBuffer("in0"))
	req.SetOutput("out0", backend.NewFakeBuffer("out0"))

	err := req.Start(context.Background(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, req.Wait(ctx))
	require.Equal(t, StateCompleted, req.State())
}

func TestPipeline_ArchivesPerfCountersWhenSinkSet(t *testing.T) {
	sched := &fakeScheduler{needPerf: true}
	sink := perfsink.NewMemorySink()
	req := New(sched, []string{"in0"}, []string{"out0"}, nil)
	req.SetPerfSink(sink)
	req.SetInput("in0", backend.NewFakeBuffer("in0"))
	req.SetOutput("out0", backend.NewFakeBuffer("out0"))

	require.NoError(t, req.Start(context.Background(), nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, req.Wait(ctx))

	_, ok := sink.Get(req.ID())
	require.True(t, ok)
}

func TestPipeline_RemoteBufferOnKnownDeviceSetsPreferred(t *testing.T) {
	sched := &fakeScheduler{}
	req := New(sched, nil, nil, nil)
	err := req.Start(context.Background(), &RemoteBuffer{InputName: "in0", DeviceName: "GPU.1"}, map[string]bool{"GPU.1": true})
	require.NoError(t, err)
	require.Equal(t, "GPU.1", sched.preferred)
}

func TestPipeline_RemoteBufferOnUnknownDeviceFailsBeforeBinding(t *testing.T) {
	sched := &fakeScheduler{}
	req := New(sched, nil, nil, nil)
	err := req.Start(context.Background(), &RemoteBuffer{InputName: "in0", DeviceName: "FPGA"}, map[string]bool{"GPU.1": true})
	require.Error(t, err)
	require.Equal(t, StateFailed, req.State())
	require.Nil(t, req.boundSlot)
}

func TestPipeline_InferenceFailureTransitionsToFailed(t *testing.T) {
	sched := &fakeScheduler{}
	req := New(sched, nil, nil, nil)

	failSched := &failingScheduler{}
	req.scheduler = failSched
	err := req.Start(context.Background(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	waitErr := req.Wait(ctx)
	require.Error(t, waitErr)
	require.Equal(t, StateFailed, req.State())
}

func TestPipeline_InferenceFailureRecordsAuditEvent(t *testing.T) {
	sched := &failingScheduler{}
	sink := audit.NewMemorySink()
	req := New(sched, nil, nil, nil)
	req.SetAuditSink(sink)

	err := req.Start(context.Background(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, req.Wait(ctx))

	events, err := sink.List(context.Background(), audit.Query{Action: audit.ActionInferenceFailed})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, req.ID(), events[0].Resource)
}

type failingScheduler struct{}

func (f *failingScheduler) Submit(task workerpool.Task) {
	fr := backend.NewFakeRequest()
	fr.Work = func() backend.Status { return backend.StatusGeneralError }
	slot := workerpool.NewSlot(fr)
	fr.SetCompletionCallback(func(status backend.Status) {
		slot.SetStatus(status)
		if c := slot.TakeTask(); c != nil {
			c()
		}
	})
	task(slot)
}
func (f *failingScheduler) NeedPerfCounters() bool { return false }
