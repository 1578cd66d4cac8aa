package sched

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/terrain/backend"
)

// Task errors.
var (
	// ErrNilGenerator is returned when a task is created without a generator.
	ErrNilGenerator = errors.New("sched: task generator is nil")

	// ErrNoOwners is returned when a task is created with an empty owners list.
	ErrNoOwners = errors.New("sched: task must have at least one owner")

	// ErrAlreadyScheduled is returned when a task is added to a manager twice.
	ErrAlreadyScheduled = errors.New("sched: task already added to a manager")

	// ErrGeneratorRan is returned when a generator is invoked a second time.
	ErrGeneratorRan = errors.New("sched: task generator already ran")

	// ErrResourcesSealed is returned when DeclareResources is called
	// after preparation has begun.
	ErrResourcesSealed = errors.New("sched: resources cannot be declared after prepare")
)

// TaskID identifies a task within one Manager. IDs follow creation
// order: a lower ID was added earlier.
type TaskID uint64

// State is a task's lifecycle state.
type State int

const (
	// StatePending means the task is waiting for its dependencies.
	StatePending State = iota

	// StateReady means every dependency has retired.
	StateReady

	// StatePreparing means the generator is running or has run, and the
	// task's commands are being batched.
	StatePreparing

	// StateSubmitted means the task's batch has been handed to the backend.
	StateSubmitted

	// StateCompleted means the task's work has retired.
	StateCompleted

	// StateSkipped means an owner became invalid before preparation;
	// the task retired with zero effect.
	StateSkipped
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateReady:
		return "Ready"
	case StatePreparing:
		return "Preparing"
	case StateSubmitted:
		return "Submitted"
	case StateCompleted:
		return "Completed"
	case StateSkipped:
		return "Skipped"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Owner is an external object whose continued validity is a
// precondition for a task's preparation. Owners are weak references:
// the task checks existence and never frees them.
type Owner interface {
	// Alive reports whether the owner is still valid.
	Alive() bool
}

// Effect is everything a generator produces: the deferred command
// sequence, the temporary resources it allocated, and the shader module
// identifiers it used (recorded for diagnostics only).
type Effect struct {
	Commands []backend.Command
	Temps    []TempResource
	Shaders  []string
}

// Generator produces a task's effect. It is invoked lazily, at most
// once, and only when the task is ready. Generators must be pure
// functions of inputs captured at task creation: all side effects are
// contained in the returned Effect, never applied to shared state
// directly.
type Generator func() (Effect, error)

// Config describes a task to create.
type Config struct {
	// Label is the debug label.
	Label string

	// Generate is the once-callable command generator. Required.
	Generate Generator

	// OnComplete is invoked exactly once after the task retires
	// (completed, skipped, or failed). Optional.
	OnComplete func()

	// Owners are the external objects that must remain valid through
	// preparation. Required, non-empty. If any owner is invalid at
	// preparation time, the task degrades to a no-op.
	Owners []Owner

	// Deps are tasks that must retire before this task prepares.
	Deps []*Task
}

// Task is a single deferred unit of compute work.
//
// A Task is created with NewTask, handed to a Manager with AddTask, and
// driven through its lifecycle by the manager's tick loop:
//
//	Pending -> Ready -> Preparing -> Submitted -> Completed
//	Pending/Ready -> Skipped (owner invalidated)
//
// Task is safe for concurrent use.
type Task struct {
	mu sync.Mutex

	id    TaskID
	label string
	state State

	gen    Generator
	genRan bool

	onComplete    func()
	callbackFired bool

	owners []Owner
	deps   []*Task

	reads  map[backend.ResourceID]struct{}
	writes map[backend.ResourceID]struct{}

	scheduled bool
}

// NewTask creates a task from the given config.
// Returns an error if the generator is nil or the owners list is empty.
func NewTask(cfg Config) (*Task, error) {
	if cfg.Generate == nil {
		return nil, ErrNilGenerator
	}
	if len(cfg.Owners) == 0 {
		return nil, ErrNoOwners
	}

	t := &Task{
		label:      cfg.Label,
		gen:        cfg.Generate,
		onComplete: cfg.OnComplete,
		owners:     append([]Owner(nil), cfg.Owners...),
		deps:       append([]*Task(nil), cfg.Deps...),
		reads:      make(map[backend.ResourceID]struct{}),
		writes:     make(map[backend.ResourceID]struct{}),
	}
	return t, nil
}

// ID returns the task's manager-assigned identity. Zero until the task
// has been added to a manager.
func (t *Task) ID() TaskID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Label returns the debug label.
func (t *Task) Label() string { return t.label }

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Retired reports whether the task has reached a terminal state
// (Completed or Skipped). A retired dependency no longer blocks its
// dependents.
func (t *Task) Retired() bool {
	s := t.State()
	return s == StateCompleted || s == StateSkipped
}

// Ready reports whether every dependency has retired.
func (t *Task) Ready() bool {
	for _, d := range t.deps {
		if !d.Retired() {
			return false
		}
	}
	return true
}

// Dependencies returns a copy of the task's dependency list.
func (t *Task) Dependencies() []*Task {
	return append([]*Task(nil), t.deps...)
}

// DeclareResources adds resource handles to the task's declared read
// and write sets for hazard tracking, in addition to its dependency
// edges. It may be called any time before preparation begins and is
// purely additive.
func (t *Task) DeclareResources(reads, writes []backend.ResourceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state >= StatePreparing {
		return ErrResourcesSealed
	}
	for _, r := range reads {
		t.reads[r] = struct{}{}
	}
	for _, w := range writes {
		t.writes[w] = struct{}{}
	}
	return nil
}

// ownersAlive reports whether every owner is still valid.
func (t *Task) ownersAlive() bool {
	for _, o := range t.owners {
		if o == nil || !o.Alive() {
			return false
		}
	}
	return true
}

// accessSets returns snapshots of the declared read and write sets.
func (t *Task) accessSets() (reads, writes map[backend.ResourceID]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reads = make(map[backend.ResourceID]struct{}, len(t.reads))
	for r := range t.reads {
		reads[r] = struct{}{}
	}
	writes = make(map[backend.ResourceID]struct{}, len(t.writes))
	for w := range t.writes {
		writes[w] = struct{}{}
	}
	return reads, writes
}

// markScheduled assigns the task's identity when it joins a manager.
func (t *Task) markScheduled(id TaskID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.scheduled {
		return ErrAlreadyScheduled
	}
	t.scheduled = true
	t.id = id
	return nil
}

// setState transitions the task's lifecycle state.
func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// runGenerator invokes the generator exactly once. A panicking
// generator is treated as a failed one: the panic is contained here so
// a single bad phase can never stall the graph.
func (t *Task) runGenerator() (eff Effect, err error) {
	t.mu.Lock()
	if t.genRan {
		t.mu.Unlock()
		return Effect{}, ErrGeneratorRan
	}
	t.genRan = true
	gen := t.gen
	t.gen = nil
	t.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			eff = Effect{}
			err = fmt.Errorf("sched: generator for %q panicked: %v", t.label, r)
		}
	}()
	return gen()
}

// fireCompletion invokes the completion callback exactly once.
func (t *Task) fireCompletion() {
	t.mu.Lock()
	if t.callbackFired || t.onComplete == nil {
		t.mu.Unlock()
		return
	}
	t.callbackFired = true
	cb := t.onComplete
	t.mu.Unlock()

	cb()
}
