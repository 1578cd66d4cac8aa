// Package sched implements the deferred compute task scheduler at the
// heart of incremental terrain regeneration.
//
// A Task is a single deferred unit of GPU work: a generator that, when
// invoked, produces a command sequence, the temporary resources it
// allocated, and the shader modules it used. Generation is lazy - it
// runs at most once, and only when every dependency has retired.
//
// The Manager owns the pending and in-flight task collections and
// drives a cooperative tick loop: each tick it retires signaled
// batches, selects ready tasks in creation order, filters them through
// the HazardTracker so that tasks touching the same resource never
// overlap in flight, batches their commands behind explicit barriers,
// and submits the batch with one fence. SyncIfNeeded is the sole
// blocking primitive.
//
// "Concurrency" here means overlapping in-flight GPU batches, not CPU
// threads: the submission side is a single-threaded tick loop, and the
// compute backend is an opaque box observed only through fences.
package sched
