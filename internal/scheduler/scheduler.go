// Package scheduler implements the Compiled-Network Scheduler (spec
// §4.5): it owns a fixed pool of WorkerSlots behind a bounded idle queue
// and an unbounded overflow queue, and runs the completion-callback
// re-scheduling protocol of spec §5. It is a direct port of
// AutoExecutableNetwork from the original multi-device plugin — the
// IdleGuard destructor becomes a deferred return-to-idle, and the
// thread_local slot handoff becomes an explicit parameter into the
// pipeline's stage-1 closure.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mashoujiang/autodevice/internal/backend"
	"github.com/mashoujiang/autodevice/internal/config"
	"github.com/mashoujiang/autodevice/internal/errkind"
	"github.com/mashoujiang/autodevice/internal/observability"
	"github.com/mashoujiang/autodevice/internal/pipeline"
	"github.com/mashoujiang/autodevice/internal/workerpool"
	"github.com/mashoujiang/autodevice/pkg/deviceapi"
)

// Scheduler owns worker slots for one chosen device and compiled network.
// A Scheduler is created once per compile call and lives until the caller
// releases it (spec §3's Lifecycle).
type Scheduler struct {
	chosenDevice     deviceapi.DeviceDescriptor
	compiled         backend.CompiledNetwork
	cfg              config.Map
	needPerfCounters bool

	slots    []*workerpool.Slot
	idle     *workerpool.IdleQueue
	overflow *workerpool.OverflowQueue

	// inFlight counts slot-work dispatched but not yet observed complete
	// by onCompletion, so Close can join on it (spec §5's destructor
	// blocking on in-flight work) rather than returning immediately.
	inFlight sync.WaitGroup

	createdRequestCount int

	// PreferredDevice is written by pipeline Stage 0 without a lock, on
	// the assumption that a caller does not submit multiple requests
	// concurrently for the same AsyncRequest (spec §5).
	PreferredDevice string
}

// New constructs a Scheduler following the slot-count derivation of
// AutoExecutableNetwork's constructor: query OPTIMAL_NUMBER_OF_INFER_REQUESTS,
// treating a query failure as 0, then use the descriptor's explicit
// request count if non-negative, else max(optimal, 1).
func New(ctx context.Context, compiled backend.CompiledNetwork, device deviceapi.DeviceDescriptor, cfg config.Map, needPerfCounters bool) (*Scheduler, error) {
	_, span := observability.StartSpan(ctx, "scheduler.new", attribute.String("device", device.DeviceName))
	defer span.End()

	var optimal uint32
	if v, err := compiled.GetMetric(deviceapi.MetricOptimalNumberOfInferR); err == nil {
		if n, ok := v.(uint32); ok {
			optimal = n
		}
	}

	numRequests := device.RequestedRequestCount
	if numRequests < 0 {
		numRequests = int(optimal)
		if numRequests == 0 {
			numRequests = 1
		}
	}

	s := &Scheduler{
		chosenDevice:     device,
		compiled:         compiled,
		cfg:              cfg,
		needPerfCounters: needPerfCounters,
		slots:            make([]*workerpool.Slot, 0, numRequests),
		idle:             workerpool.NewIdleQueue(numRequests),
		overflow:         workerpool.NewOverflowQueue(),
	}

	for i := 0; i < numRequests; i++ {
		req := compiled.CreateInferRequest()
		slot := workerpool.NewSlot(req)
		s.slots = append(s.slots, slot)
		if !s.idle.TryPush(slot) {
			return nil, errkind.New(errkind.CompileFailure, fmt.Errorf("failed to seed idle queue for %s", device.DeviceName))
		}
		req.SetCompletionCallback(s.onCompletion(slot))
	}

	observability.Tracef("scheduler: device=%s slots=%d optimal=%d", device.DeviceName, numRequests, optimal)
	return s, nil
}

// onCompletion builds the completion callback installed on slot's backend
// request. It implements the re-scheduling protocol of spec §5 step by
// step: capture status, run the stage-3 continuation, return the slot to
// idle, then drain one overflow task if present.
func (s *Scheduler) onCompletion(slot *workerpool.Slot) func(status backend.Status) {
	return func(status backend.Status) {
		pushed := false
		defer s.inFlight.Done()
		defer func() {
			// Return-to-idle guard: runs on every exit path, including a
			// panic from the continuation, mirroring IdleGuard's
			// destructor always pushing the slot back unless the normal
			// path already did so.
			if r := recover(); r != nil {
				if !pushed {
					s.idle.TryPush(slot)
				}
				observability.Errorf("scheduler: completion continuation panicked, slot returned to idle: %v", r)
			}
		}()

		slot.SetStatus(status)
		task := slot.TakeTask()
		if task != nil {
			task()
		}

		if !s.idle.TryPush(slot) {
			// Shutdown in progress: refused push is absorbed silently.
			pushed = true
			return
		}
		pushed = true
		observability.Default.IncCounter(observability.MetricIdlePop, map[string]string{"device": s.chosenDevice.DeviceName}, 1)

		if next, ok := s.overflow.TryPop(); ok {
			s.trySchedule(next)
		}
	}
}

// Submit enqueues a unit of pipeline work (spec §4.5's submit). If a slot
// is idle, it runs synchronously on the caller's thread (the fast path);
// otherwise it is parked on the overflow queue.
func (s *Scheduler) Submit(task workerpool.Task) {
	s.trySchedule(task)
}

// trySchedule is try_schedule from spec §4.5, a direct port of
// ScheduleToWorkerInferRequest.
func (s *Scheduler) trySchedule(task workerpool.Task) {
	slot, ok := s.idle.TryPop()
	if !ok {
		s.overflow.Push(task)
		observability.Default.SetGauge(observability.MetricOverflowDepth, map[string]string{"device": s.chosenDevice.DeviceName}, float64(s.overflow.Len()))
		return
	}
	observability.Default.IncCounter(observability.MetricFastpath, map[string]string{"device": s.chosenDevice.DeviceName}, 1)
	s.inFlight.Add(1)
	task(slot)
}

// createRequestSlotHint reports whether the Nth created request (0-based)
// should share buffers with a pre-created slot's request, per spec
// §4.5's "first N requests avoid a buffer copy."
func (s *Scheduler) createRequestSlotHint() (req backend.Request, shareable bool) {
	num := s.createdRequestCount
	s.createdRequestCount++
	if num < len(s.slots) {
		return s.slots[num].Request, true
	}
	return nil, false
}

// CreateRequest is create_request() (spec §4.5/§4.6): it builds the
// AsyncRequest a caller actually submits and waits on, sharing buffers
// with a pre-created slot's request for the first len(slots) calls so
// the common case of one request per slot needs no extra buffer copy.
func (s *Scheduler) CreateRequest(inputNames, outputNames []string) *pipeline.Request {
	shareWith, _ := s.createRequestSlotHint()
	return pipeline.New(s, inputNames, outputNames, shareWith)
}

// SetPreferredDevice is called by pipeline Stage 0 without a lock; see the
// PreferredDevice field comment.
func (s *Scheduler) SetPreferredDevice(name string) { s.PreferredDevice = name }

func (s *Scheduler) ChosenDevice() deviceapi.DeviceDescriptor { return s.chosenDevice }
func (s *Scheduler) NeedPerfCounters() bool                   { return s.needPerfCounters }

// GetContext proxies to the backend's remote context if any.
func (s *Scheduler) GetContext() (interface{}, error) {
	ctx, err := s.compiled.GetContext()
	if err != nil {
		return nil, errkind.New(errkind.Misuse, fmt.Errorf(
			"none of the devices in AUTO has an associated remote context; device priorities: %s: %w",
			s.chosenDevice.DeviceName, err))
	}
	return ctx, nil
}

// GetConfig looks up key in the per-Scheduler config map; a miss is a
// hard error.
func (s *Scheduler) GetConfig(key string) (string, error) {
	if v, ok := s.cfg[key]; ok {
		return v, nil
	}
	return "", errkind.New(errkind.Misuse, fmt.Errorf("%s not found in the ExecutableNetwork config", key))
}

// GetMetric implements the local-vs-proxied-vs-hard-error lookup of spec
// §4.5: OPTIMAL_NUMBER_OF_INFER_REQUESTS is always proxied from the
// backend and a missing metric there is fatal; a handful of keys are
// answered locally; anything else is an error.
func (s *Scheduler) GetMetric(key string) (interface{}, error) {
	switch key {
	case deviceapi.MetricOptimalNumberOfInferR:
		v, err := s.compiled.GetMetric(deviceapi.MetricOptimalNumberOfInferR)
		if err != nil {
			return nil, errkind.New(errkind.Misuse, fmt.Errorf(
				"every device used with AUTO should support OPTIMAL_NUMBER_OF_INFER_REQUESTS, failed for %s: %w",
				s.chosenDevice.DeviceName, err))
		}
		return v, nil
	case deviceapi.MetricNetworkName:
		return s.compiled.GetMetric(deviceapi.MetricNetworkName)
	case deviceapi.MetricSupportedMetrics:
		return []string{
			deviceapi.MetricOptimalNumberOfInferR,
			deviceapi.MetricSupportedMetrics,
			deviceapi.MetricNetworkName,
			deviceapi.MetricSupportedConfigKeys,
		}, nil
	case deviceapi.MetricSupportedConfigKeys:
		return []string{deviceapi.ConfigDevicePriorities}, nil
	default:
		return nil, errkind.New(errkind.Misuse, fmt.Errorf("unsupported network metric: %s", key))
	}
}

// Close is the Scheduler's destructor (spec §5's cancellation): refuse
// further idle pushes, then block until every slot already dispatched has
// been observed complete by onCompletion, then drop the slot references.
// This is the slot-sequence clear of spec §5 blocking each slot's
// destructor on its in-flight work.
func (s *Scheduler) Close() {
	s.idle.SetCapacity(0)
	s.inFlight.Wait()
	s.slots = nil
}

// IdleLen and OverflowLen are exposed for the testable properties of
// spec §8 (P1-P3); production callers have no use for them.
func (s *Scheduler) IdleLen() int     { return s.idle.Len() }
func (s *Scheduler) OverflowLen() int { return s.overflow.Len() }
func (s *Scheduler) SlotCount() int   { return len(s.slots) }
