// Package pipeline implements the Async Request Pipeline (spec §4.6): a
// four-stage state machine that binds an inference request to a worker
// slot, mirrors I/O buffers, starts device-side inference, and finalizes
// with status and optional performance counters.
//
// Grounded on AutoAsyncInferRequest/AutoInferRequest from the original
// multi-device plugin. The original threads the granted slot through a
// thread_local pointer read at the start of stage 1; here the Scheduler
// passes the slot directly into the stage-1 closure (spec's Open Question
// resolution), so no process-global state is needed.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mashoujiang/autodevice/internal/audit"
	"github.com/mashoujiang/autodevice/internal/backend"
	"github.com/mashoujiang/autodevice/internal/errkind"
	"github.com/mashoujiang/autodevice/internal/observability"
	"github.com/mashoujiang/autodevice/internal/workerpool"
	"github.com/mashoujiang/autodevice/pkg/deviceapi"
)

// State is one point in the AsyncRequest state machine:
// CREATED -> BOUND -> RUNNING -> {COMPLETED|FAILED}.
type State int

const (
	StateCreated State = iota
	StateBound
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateBound:
		return "BOUND"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Scheduler is the subset of scheduler.Scheduler the pipeline depends on,
// kept narrow to avoid an import cycle between scheduler and pipeline.
type Scheduler interface {
	Submit(task workerpool.Task)
	NeedPerfCounters() bool
}

// PerfSink archives a completed request's performance counters. Kept
// narrow (matching perfsink.Sink structurally) so pipeline doesn't import
// the perfsink package directly.
type PerfSink interface {
	Archive(ctx context.Context, device, requestID string, counters map[string]backend.ProfileRecord) (string, error)
}

// Request is one AsyncRequest (spec §3): a device-agnostic buffer set that
// will be bound to a WorkerSlot for the lifetime of one inference.
type Request struct {
	id        string
	scheduler Scheduler
	perfSink  PerfSink
	auditSink audit.Sink

	inputs  map[string]backend.Buffer
	outputs map[string]backend.Buffer

	needPerfCounters bool
	perfCounters     map[string]backend.ProfileRecord

	boundSlot *workerpool.Slot
	state     State
	err       error
	started   bool

	done chan struct{}
}

// New creates an AsyncRequest sharing shareWith's buffers when
// non-nil (the first N requests optimization of spec §4.5), else
// allocating its own empty buffer maps for the caller to populate.
func New(sched Scheduler, inputNames, outputNames []string, shareWith backend.Request) *Request {
	r := &Request{
		id:        uuid.NewString(),
		scheduler: sched,
		inputs:    map[string]backend.Buffer{},
		outputs:   map[string]backend.Buffer{},
		state:     StateCreated,
		done:      make(chan struct{}),
	}
	if shareWith != nil {
		for _, name := range inputNames {
			if b, ok := shareWith.GetBlob(name); ok {
				r.inputs[name] = b
			}
		}
		for _, name := range outputNames {
			if b, ok := shareWith.GetBlob(name); ok {
				r.outputs[name] = b
			}
		}
	}
	return r
}

func (r *Request) SetInput(name string, buf backend.Buffer)  { r.inputs[name] = buf }
func (r *Request) SetOutput(name string, buf backend.Buffer) { r.outputs[name] = buf }
func (r *Request) State() State                              { return r.state }
func (r *Request) Err() error                                { return r.err }
func (r *Request) ID() string                                { return r.id }
func (r *Request) PerfCounters() map[string]backend.ProfileRecord { return r.perfCounters }

// SetPerfSink archives this request's performance counters once it
// completes with counting enabled. Optional: a nil sink (the default)
// skips archival.
func (r *Request) SetPerfSink(s PerfSink) { r.perfSink = s }

// SetAuditSink records an inference_failed event if this request's
// pipeline ends in StateFailed. Optional: a nil sink (the default) skips
// recording, matching SetPerfSink's opt-in shape.
func (r *Request) SetAuditSink(s audit.Sink) { r.auditSink = s }

// RemoteBuffer tags an input as originating on a specific device name, for
// Stage 0's preferred-device override.
type RemoteBuffer struct {
	InputName  string
	DeviceName string
}

// preferredDeviceSetter is implemented by scheduler.Scheduler; kept as an
// optional interface so fakes in tests don't need to support it.
type preferredDeviceSetter interface {
	SetPreferredDevice(string)
}

// Start runs Stage 0 then submits Stage 1 to the scheduler. remote is nil
// when no input is tagged as belonging to a specific device. candidates is
// the initial candidate device-name set Stage 0 validates against.
func (r *Request) Start(ctx context.Context, remote *RemoteBuffer, candidates map[string]bool) error {
	ctx, span := observability.StartSpan(ctx, "pipeline.stage0")
	defer span.End()

	// Stage 0 (immediate executor): remote-buffer override or validation.
	if remote != nil {
		if !candidates[remote.DeviceName] {
			r.state = StateFailed
			r.err = errkind.New(errkind.RemoteBufferMismatch,
				fmt.Errorf("remote buffer on unknown device %q", remote.DeviceName))
			close(r.done)
			return r.err
		}
		if setter, ok := r.scheduler.(preferredDeviceSetter); ok {
			setter.SetPreferredDevice(remote.DeviceName)
		}
	}

	r.started = true
	r.scheduler.Submit(func(slot *workerpool.Slot) {
		r.runStage1And2(ctx, slot)
	})
	return nil
}

// runStage1And2 is Stage 1 (mirror buffers onto the slot's request) and
// Stage 2 (arm the stage-3 continuation, start async inference). It runs
// synchronously on whichever goroutine grants it a slot: the caller of
// Submit on the fast path, or the completion callback that pops it from
// the overflow queue.
func (r *Request) runStage1And2(ctx context.Context, slot *workerpool.Slot) {
	_, span := observability.StartSpan(ctx, "pipeline.stage1")
	r.boundSlot = slot
	r.state = StateBound

	for name, buf := range r.inputs {
		if existing, ok := slot.Request.GetBlob(name); !ok || existing != buf {
			slot.Request.SetBlob(name, buf)
		}
	}
	for name, buf := range r.outputs {
		if existing, ok := slot.Request.GetBlob(name); !ok || existing != buf {
			slot.Request.SetBlob(name, buf)
		}
	}
	span.End()

	_, span2 := observability.StartSpan(ctx, "pipeline.stage2")
	r.state = StateRunning
	slot.Arm(func() { r.runStage3(ctx) })
	slot.Request.StartAsync(ctx)
	span2.End()
}

// runStage3 is the completion continuation: inspect status, collect perf
// counters if enabled, and transition to a terminal state.
func (r *Request) runStage3(ctx context.Context) {
	_, span := observability.StartSpan(ctx, "pipeline.stage3")
	defer span.End()
	defer close(r.done)

	status := r.boundSlot.Status()
	if status != backend.StatusOK {
		r.state = StateFailed
		r.err = errkind.New(errkind.InferenceFailure, fmt.Errorf("inference failed with status %d", status))
		observability.Default.IncCounter(observability.MetricPipelineFailures, nil, 1)
		r.recordAuditFailure(ctx)
		return
	}

	if r.needPerfCounters || (r.scheduler != nil && r.scheduler.NeedPerfCounters()) {
		r.perfCounters = r.boundSlot.Request.GetPerformanceCounts()
		if r.perfSink != nil {
			if _, archiveErr := r.perfSink.Archive(ctx, r.deviceName(), r.id, r.perfCounters); archiveErr != nil {
				observability.Warnf("pipeline: perf counter archive failed for %s: %v", r.id, archiveErr)
			}
		}
	}
	r.state = StateCompleted
}

// deviceNamer is implemented by scheduler.Scheduler; kept optional so
// fakes in tests don't need to support it.
type deviceNamer interface {
	ChosenDevice() deviceapi.DeviceDescriptor
}

func (r *Request) deviceName() string {
	if namer, ok := r.scheduler.(deviceNamer); ok {
		return namer.ChosenDevice().DeviceName
	}
	return ""
}

// recordAuditFailure is a best-effort side channel, mirroring
// Dispatcher.recordAudit: an audit sink failure must never change the
// pipeline's own outcome.
func (r *Request) recordAuditFailure(ctx context.Context) {
	if r.auditSink == nil {
		return
	}
	ev := audit.Event{
		Action:   audit.ActionInferenceFailed,
		Device:   r.deviceName(),
		Resource: r.id,
		Result:   "error",
		Details:  r.err.Error(),
	}
	if err := r.auditSink.Append(ctx, ev); err != nil {
		observability.Warnf("pipeline: audit append failed for %s: %v", r.id, err)
	}
}

// Wait blocks until the pipeline reaches a terminal state or ctx is done,
// whichever comes first.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAndWait is the AsyncRequest destructor (spec §5): joins on the
// pipeline unconditionally, unlike Wait, which gives up when ctx is done.
// Destroying a Request that was never Start-ed returns immediately with a
// nil error, since nothing closes r.done otherwise.
func (r *Request) StopAndWait() error {
	if !r.started {
		return nil
	}
	<-r.done
	return r.err
}
