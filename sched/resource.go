package sched

import (
	"fmt"

	"github.com/gogpu/terrain/backend"
)

// TempKind classifies a temporary resource for cleanup ordering.
type TempKind int

const (
	// TempView is a dependent resource referencing another resource's
	// storage (a buffer view, a bind group). Views are released before
	// any owning allocation in the same release batch; freeing storage
	// while a view still references it causes backend errors.
	TempView TempKind = iota

	// TempAlloc is an owning allocation (a buffer, an image, an array).
	TempAlloc
)

// String returns the string representation of TempKind.
func (k TempKind) String() string {
	switch k {
	case TempView:
		return "View"
	case TempAlloc:
		return "Alloc"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// TempResource is a temporary resource allocated by a task's generator.
// It is exclusively owned by that task until the task retires, after
// which the manager calls Release.
type TempResource struct {
	// Handle identifies the resource for diagnostics.
	Handle backend.ResourceID

	// Kind determines the release group (views before allocations).
	Kind TempKind

	// Release frees the resource. May be nil for resources whose
	// lifetime is managed elsewhere.
	Release func()
}

// releaseOrdered releases temporary resources in two strict groups:
// first every dependent view, then every owning allocation. The order
// within a group follows the slice order.
func releaseOrdered(temps []TempResource) {
	for _, r := range temps {
		if r.Kind == TempView && r.Release != nil {
			r.Release()
		}
	}
	for _, r := range temps {
		if r.Kind == TempAlloc && r.Release != nil {
			r.Release()
		}
	}
}
