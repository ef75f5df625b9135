package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mashoujiang/autodevice/internal/backend"
	"github.com/mashoujiang/autodevice/internal/config"
	"github.com/mashoujiang/autodevice/internal/pipeline"
	"github.com/mashoujiang/autodevice/internal/workerpool"
	"github.com/mashoujiang/autodevice/pkg/deviceapi"
)

func newTestScheduler(t *testing.T, numRequests int) *Scheduler {
	t.Helper()
	cn := backend.NewFakeCompiledNetwork(uint32(numRequests))
	s, err := New(context.Background(), cn, deviceapi.DeviceDescriptor{DeviceName: "CPU", RequestedRequestCount: -1}, config.Map{}, false)
	require.NoError(t, err)
	return s
}

// P1: |idle| + |busy| = |slots| at rest.
func TestScheduler_IdlePlusBusyEqualsSlotsAtRest(t *testing.T) {
	s := newTestScheduler(t, 2)
	require.Equal(t, 2, s.SlotCount())
	require.Equal(t, 2, s.IdleLen())
}

// Scenario 3: worker pool overflow with slots=2, submit 5 tasks; tasks
// that find no idle slot wait on the overflow queue. All 5 complete, the
// final idle queue size is 2 and the overflow queue is empty.
func TestScheduler_OverflowDrainsAndIdleRecovers(t *testing.T) {
	s := newTestScheduler(t, 2)

	var wg sync.WaitGroup
	wg.Add(5)
	var completed int32Counter

	for i := 0; i < 5; i++ {
		s.Submit(func(slot *workerpool.Slot) {
			slot.Arm(func() {
				completed.inc()
				wg.Done()
			})
			slot.Request.StartAsync(context.Background())
		})
	}

	waitTimeout(t, &wg, 2*time.Second)
	require.Equal(t, 5, completed.get())
	require.Equal(t, 2, s.IdleLen())
	require.Equal(t, 0, s.OverflowLen())
}

func TestScheduler_CloseRefusesFurtherIdlePush(t *testing.T) {
	s := newTestScheduler(t, 1)
	s.Close()
	ok := s.idle.TryPush(workerpool.NewSlot(nil))
	require.False(t, ok)
}

// Scenario 6: destroying a Scheduler mid-flight blocks until the
// in-flight task is observed complete before Close returns.
func TestScheduler_CloseBlocksForInFlightCompletion(t *testing.T) {
	s := newTestScheduler(t, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	var finished int32Counter

	s.Submit(func(slot *workerpool.Slot) {
		slot.Arm(func() {
			finished.inc()
		})
		fr := slot.Request.(*backend.FakeRequest)
		fr.Work = func() backend.Status {
			close(started)
			<-release
			return backend.StatusOK
		}
		slot.Request.StartAsync(context.Background())
	})

	<-started

	closeDone := make(chan struct{})
	go func() {
		s.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned before in-flight work completed")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after in-flight work completed")
	}
	require.Equal(t, 1, finished.get())
}

func TestScheduler_CreateRequestReturnsRequestInCreatedState(t *testing.T) {
	s := newTestScheduler(t, 1)
	req := s.CreateRequest([]string{"in0"}, []string{"out0"})
	require.NotNil(t, req)
	require.Equal(t, pipeline.StateCreated, req.State())
}

func TestScheduler_GetConfigMissIsHardError(t *testing.T) {
	s := newTestScheduler(t, 1)
	_, err := s.GetConfig("UNKNOWN")
	require.Error(t, err)
}

func TestScheduler_GetMetricOptimalProxiedFromBackend(t *testing.T) {
	s := newTestScheduler(t, 3)
	v, err := s.GetMetric(deviceapi.MetricOptimalNumberOfInferR)
	require.NoError(t, err)
	require.Equal(t, uint32(3), v)
}

type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for tasks to complete")
	}
}
