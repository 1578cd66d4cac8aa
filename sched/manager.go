package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/terrain/backend"
)

// Manager errors.
var (
	// ErrNilBackend is returned when a manager is created without a backend.
	ErrNilBackend = errors.New("sched: backend is required")

	// ErrSyncTimeout is returned when in-flight work does not retire
	// within the synchronization timeout.
	ErrSyncTimeout = errors.New("sched: timed out waiting for in-flight work")

	// ErrStalled is returned by Drain when pending tasks can make no
	// progress (a dependency was never scheduled, or the graph is cyclic).
	ErrStalled = errors.New("sched: pending tasks cannot make progress")
)

// Default scheduling budgets.
const (
	// DefaultMaxCommandsPerTick caps the number of commands batched into
	// one submission.
	DefaultMaxCommandsPerTick = 256

	// DefaultTickBudget caps the wall-clock time one tick spends
	// preparing tasks.
	DefaultTickBudget = 4 * time.Millisecond

	// syncTimeout is the maximum time to wait for one in-flight batch.
	syncTimeout = 5 * time.Second
)

// nopHandler silently discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// ManagerConfig holds configuration for creating a Manager.
type ManagerConfig struct {
	// Backend executes submitted command batches. Required.
	Backend backend.Backend

	// Logger receives scheduling diagnostics. Nil disables logging.
	Logger *slog.Logger

	// MaxCommandsPerTick caps the commands batched per tick.
	// Defaults to DefaultMaxCommandsPerTick if <= 0.
	MaxCommandsPerTick int

	// TickBudget caps the wall-clock time spent preparing per tick.
	// 0 means DefaultTickBudget; negative disables the time budget.
	TickBudget time.Duration
}

// TickStats summarizes what one tick did.
type TickStats struct {
	// Retired is the number of tasks that reached a terminal state.
	Retired int

	// Prepared is the number of tasks whose generators ran and whose
	// commands were submitted this tick.
	Prepared int

	// Skipped is the number of tasks dropped due to invalid owners.
	Skipped int

	// Failed is the number of tasks whose generator returned an error.
	Failed int

	// Commands is the number of commands submitted, barriers included.
	Commands int

	// Pending and InFlight are the collection sizes after the tick.
	Pending  int
	InFlight int
}

// batch is one submitted command sequence and the tasks it carries.
type batch struct {
	tasks []*Task
	temps []TempResource
	fence backend.Fence
}

// Manager owns the pending and in-flight task collections and drives
// the per-tick scheduling loop. See the package documentation for the
// scheduling model.
//
// AddTask is safe to call from any goroutine, including while tasks are
// in flight. Tick, SyncIfNeeded and Drain must be called from a single
// goroutine (the cooperative submission thread).
type Manager struct {
	be     backend.Backend
	logger *slog.Logger

	maxCommands int
	tickBudget  time.Duration

	mu       sync.Mutex
	nextID   TaskID
	pending  []*Task
	inflight []*batch
	curTemps []TempResource

	hazards *HazardTracker
}

// NewManager creates a manager over the given backend.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, ErrNilBackend
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(nopHandler{})
	}

	maxCmds := cfg.MaxCommandsPerTick
	if maxCmds <= 0 {
		maxCmds = DefaultMaxCommandsPerTick
	}
	budget := cfg.TickBudget
	if budget == 0 {
		budget = DefaultTickBudget
	}

	return &Manager{
		be:          cfg.Backend,
		logger:      logger,
		maxCommands: maxCmds,
		tickBudget:  budget,
		nextID:      1,
		hazards:     NewHazardTracker(),
	}, nil
}

// Hazards returns the manager's hazard tracker.
func (m *Manager) Hazards() *HazardTracker { return m.hazards }

// AddTask enqueues a new pending task. Safe to call while other tasks
// are in flight. The task's creation order, and therefore its position
// in deterministic FIFO preparation, is the AddTask order.
func (m *Manager) AddTask(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := t.markScheduled(m.nextID); err != nil {
		return fmt.Errorf("add task %q: %w", t.Label(), err)
	}
	m.nextID++
	m.pending = append(m.pending, t)

	m.logger.Debug("sched: task added",
		"task", t.Label(),
		"id", uint64(t.ID()),
		"deps", len(t.deps))
	return nil
}

// Idle reports whether no tasks are pending or in flight.
func (m *Manager) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) == 0 && len(m.inflight) == 0
}

// PendingCount returns the number of tasks waiting to be prepared.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// InFlightCount returns the number of submitted, unretired batches.
func (m *Manager) InFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Tick runs one scheduling step: retire signaled batches, prepare ready
// hazard-free tasks in creation order, and submit one batched command
// sequence. Tick never blocks.
func (m *Manager) Tick() TickStats {
	var stats TickStats
	start := time.Now()

	m.retireSignaled(&stats)
	prepared, cmds := m.prepare(start, &stats)
	m.submit(prepared, cmds, &stats)

	m.mu.Lock()
	stats.Pending = len(m.pending)
	stats.InFlight = len(m.inflight)
	m.mu.Unlock()
	return stats
}

// retireSignaled pops every in-flight batch whose fence has signaled
// and retires its tasks.
func (m *Manager) retireSignaled(stats *TickStats) {
	m.mu.Lock()
	var done []*batch
	remaining := m.inflight[:0]
	for _, b := range m.inflight {
		signaled, err := m.be.Poll(b.fence)
		if err != nil {
			m.logger.Error("sched: fence poll failed", "error", err)
			signaled = true
		}
		if signaled {
			done = append(done, b)
		} else {
			remaining = append(remaining, b)
		}
	}
	m.inflight = remaining
	m.mu.Unlock()

	for _, b := range done {
		m.retireBatch(b, stats)
	}
}

// retireBatch transitions every task in the batch to Completed, fires
// completion callbacks, and releases the batch's temporary resources in
// two strict groups: dependent views first, owning allocations second.
func (m *Manager) retireBatch(b *batch, stats *TickStats) {
	for _, t := range b.tasks {
		t.setState(StateCompleted)
		m.hazards.Release(t.ID())
		t.fireCompletion()
		stats.Retired++

		m.logger.Debug("sched: task completed", "task", t.Label(), "id", uint64(t.ID()))
	}

	releaseOrdered(b.temps)

	if b.fence != nil {
		m.be.DestroyFence(b.fence)
	}
}

// prepare selects ready, hazard-free tasks in creation order and runs
// their generators until the per-tick budget is exhausted.
func (m *Manager) prepare(start time.Time, stats *TickStats) (prepared []*Task, cmds []backend.Command) {
	for {
		if len(cmds) >= m.maxCommands {
			break
		}
		if m.tickBudget > 0 && time.Since(start) > m.tickBudget {
			break
		}

		t := m.takeAdmissible()
		if t == nil {
			break
		}

		if !t.ownersAlive() {
			// Invalidated owner: silent skip, zero effect, dependents
			// unblocked normally.
			t.setState(StateSkipped)
			m.hazards.Release(t.ID())
			t.fireCompletion()
			stats.Skipped++
			stats.Retired++
			m.logger.Debug("sched: task skipped, owner invalidated", "task", t.Label())
			continue
		}

		eff, err := t.runGenerator()
		if err != nil {
			// Contained at the manager boundary: the task retires with
			// empty effect and its dependents proceed.
			m.logger.Error("sched: generator failed", "task", t.Label(), "error", err)
			releaseOrdered(eff.Temps)
			t.setState(StateCompleted)
			m.hazards.Release(t.ID())
			t.fireCompletion()
			stats.Failed++
			stats.Retired++
			continue
		}

		if len(prepared) > 0 {
			cmds = append(cmds, backend.Barrier{})
		}
		cmds = append(cmds, eff.Commands...)
		prepared = append(prepared, t)
		m.pendTemps(t, eff)
		stats.Prepared++

		if len(eff.Shaders) > 0 {
			m.logger.Debug("sched: task prepared",
				"task", t.Label(),
				"commands", len(eff.Commands),
				"shaders", eff.Shaders)
		}
	}
	return prepared, cmds
}

// takeAdmissible removes and returns the earliest-created pending task
// whose dependencies have retired and whose declared resources do not
// conflict with in-flight work. The task is tracked as in-flight and
// transitioned to Preparing before it is returned. Returns nil when no
// task is admissible.
func (m *Manager) takeAdmissible() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, t := range m.pending {
		if !t.Ready() {
			continue
		}
		t.setState(StateReady)
		if !m.hazards.Admit(t) {
			continue
		}

		t.setState(StatePreparing)
		m.hazards.Track(t)
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		return t
	}
	return nil
}

// pendTemps appends a prepared task's temporaries to the current batch
// accumulation stored on the manager.
func (m *Manager) pendTemps(t *Task, eff Effect) {
	m.mu.Lock()
	m.curTemps = append(m.curTemps, eff.Temps...)
	m.mu.Unlock()
}

// submit hands the batched commands to the backend under one fence.
func (m *Manager) submit(prepared []*Task, cmds []backend.Command, stats *TickStats) {
	if len(prepared) == 0 {
		return
	}

	m.mu.Lock()
	temps := m.curTemps
	m.curTemps = nil
	m.mu.Unlock()

	b := &batch{tasks: prepared, temps: temps}

	fence, err := m.be.CreateFence()
	if err != nil {
		m.logger.Error("sched: fence creation failed", "error", err)
		m.failBatch(b, stats)
		return
	}
	b.fence = fence

	if err := m.be.Submit(cmds, fence); err != nil {
		m.logger.Error("sched: submit failed", "error", err, "commands", len(cmds))
		m.failBatch(b, stats)
		return
	}

	for _, t := range prepared {
		t.setState(StateSubmitted)
	}
	stats.Commands += len(cmds)

	m.mu.Lock()
	m.inflight = append(m.inflight, b)
	m.mu.Unlock()
}

// failBatch retires a batch whose submission failed. Tasks complete
// with unknown device effect; downstream work proceeds against
// partially-stale data rather than stalling the graph.
func (m *Manager) failBatch(b *batch, stats *TickStats) {
	m.retireBatch(b, stats)
	stats.Failed += len(b.tasks)
}

// SyncIfNeeded blocks the calling thread until all currently tracked
// in-flight work has retired. This is the only blocking primitive the
// manager exposes; callers performing direct CPU-side access on a
// resource the scheduler also touches must call it first.
func (m *Manager) SyncIfNeeded() error {
	m.mu.Lock()
	waiting := m.inflight
	m.inflight = nil
	m.mu.Unlock()

	// Every batch retires even when an earlier fence fails: a device
	// error on one batch must not leave later tasks Submitted forever
	// with their hazard entries held. The first failure is reported
	// after the walk.
	var firstErr error
	var stats TickStats
	for _, b := range waiting {
		ok, err := m.be.Wait(b.fence, syncTimeout)
		switch {
		case err != nil:
			m.logger.Error("sched: fence wait failed during sync", "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("sync: %w", err)
			}
		case !ok:
			if firstErr == nil {
				firstErr = ErrSyncTimeout
			}
		}
		m.retireBatch(b, &stats)
	}
	return firstErr
}

// Drain ticks until the manager is idle or the budget is exhausted.
// A budget of 0 drains without a time limit. Pending work left by an
// exhausted budget remains queued for the next call.
//
// Returns ErrStalled if pending tasks exist but none can ever run.
func (m *Manager) Drain(budget time.Duration) error {
	start := time.Now()

	for !m.Idle() {
		if budget > 0 && time.Since(start) > budget {
			return nil
		}

		stats := m.Tick()
		if stats.Prepared > 0 || stats.Retired > 0 {
			continue
		}

		if stats.InFlight > 0 {
			// Nothing new to prepare; wait for the oldest batch. A full
			// unbudgeted wait that saw no signal means the fence will
			// never fire.
			if !m.waitOldest(budget, start) && budget <= 0 {
				return ErrSyncTimeout
			}
			continue
		}
		if stats.Pending > 0 {
			return ErrStalled
		}
	}
	return nil
}

// waitOldest blocks on the oldest in-flight fence so the next tick can
// retire it, bounded by the remaining drain budget. Reports whether the
// fence signaled; an error counts as signaled so the next tick's poll
// retires the batch rather than waiting again.
func (m *Manager) waitOldest(budget time.Duration, start time.Time) bool {
	m.mu.Lock()
	if len(m.inflight) == 0 {
		m.mu.Unlock()
		return true
	}
	fence := m.inflight[0].fence
	m.mu.Unlock()

	timeout := syncTimeout
	if budget > 0 {
		remaining := budget - time.Since(start)
		if remaining <= 0 {
			return true
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	ok, err := m.be.Wait(fence, timeout)
	if err != nil {
		m.logger.Error("sched: fence wait failed", "error", err)
		return true
	}
	return ok
}
