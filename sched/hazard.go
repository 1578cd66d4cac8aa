package sched

import (
	"sync"

	"github.com/gogpu/terrain/backend"
)

// accessSet is the declared resource footprint of one in-flight task.
type accessSet struct {
	reads  map[backend.ResourceID]struct{}
	writes map[backend.ResourceID]struct{}
}

// HazardTracker tracks the declared read/write resource sets of every
// in-flight task and decides whether a newly-ready task may start.
//
// A candidate is rejected when its declared write set intersects the
// read-or-write set of any in-flight task, or its declared read set
// intersects an in-flight write set. Reads never conflict with other
// reads. Conflict granularity is the whole resource handle.
//
// The tracker spans processing cycles: work from a later cycle is held
// back until earlier-cycle tasks touching the same resource retire.
type HazardTracker struct {
	mu       sync.Mutex
	inflight map[TaskID]accessSet
}

// NewHazardTracker creates an empty tracker.
func NewHazardTracker() *HazardTracker {
	return &HazardTracker{
		inflight: make(map[TaskID]accessSet),
	}
}

// Admit reports whether the task's declared resource sets conflict with
// any in-flight task. Tasks with empty declarations are always admitted.
func (h *HazardTracker) Admit(t *Task) bool {
	reads, writes := t.accessSets()
	if len(reads) == 0 && len(writes) == 0 {
		return true
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, in := range h.inflight {
		for w := range writes {
			if _, ok := in.writes[w]; ok {
				return false
			}
			if _, ok := in.reads[w]; ok {
				return false
			}
		}
		for r := range reads {
			if _, ok := in.writes[r]; ok {
				return false
			}
		}
	}
	return true
}

// Track records the task's declared sets as in-flight.
func (h *HazardTracker) Track(t *Task) {
	reads, writes := t.accessSets()

	h.mu.Lock()
	h.inflight[t.ID()] = accessSet{reads: reads, writes: writes}
	h.mu.Unlock()
}

// Release drops the task's in-flight record after it retires.
func (h *HazardTracker) Release(id TaskID) {
	h.mu.Lock()
	delete(h.inflight, id)
	h.mu.Unlock()
}

// InFlight returns the number of tracked tasks.
func (h *HazardTracker) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inflight)
}
