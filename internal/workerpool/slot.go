// Package workerpool implements the Bounded Idle Queue, the Overflow Task
// Queue, and the WorkerSlot type that together back the Compiled-Network
// Scheduler. The queue operations are a direct port of the original
// multi-device plugin's lock-guarded bounded/unbounded queues
// (IE::details::ThreadSafeBoundedPriorityQueue / ThreadSafeQueue), adapted
// to Go's mutex-guarded-slice idiom the way the teacher's memory_queue.go
// guards its slice of task refs.
package workerpool

import (
	"sync"

	"github.com/mashoujiang/autodevice/internal/backend"
)

// Task is one unit of pipeline work submitted to the scheduler or parked
// on the overflow queue. It takes the granted Slot as an explicit
// parameter rather than reading a thread-local: the original plugin set a
// thread_local pointer before running the task on the same thread; here
// the slot is passed in directly (spec's Open Question resolution).
type Task func(*Slot)

// Continuation is the stage-3 body armed on a slot before StartAsync and
// run from the backend's completion callback.
type Continuation func()

// Slot is one pre-created device-side request plus its current task and
// status (spec §3's WorkerSlot). A slot is in exactly one of two states:
// idle (present in the idle queue, PendingTask nil) or busy (absent from
// the idle queue, PendingTask set).
type Slot struct {
	mu          sync.Mutex
	Request     backend.Request
	PendingTask Continuation
	LastStatus  backend.Status
}

func NewSlot(req backend.Request) *Slot {
	return &Slot{Request: req}
}

// Arm sets the continuation to run when Request completes and must be
// called before StartAsync, per Stage 2.
func (s *Slot) Arm(task Continuation) {
	s.mu.Lock()
	s.PendingTask = task
	s.mu.Unlock()
}

// TakeTask moves the pending task out, clearing it, mirroring the
// original's "move-out _task" in the completion callback.
func (s *Slot) TakeTask() Continuation {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.PendingTask
	s.PendingTask = nil
	return t
}

func (s *Slot) SetStatus(status backend.Status) {
	s.mu.Lock()
	s.LastStatus = status
	s.mu.Unlock()
}

func (s *Slot) Status() backend.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastStatus
}
