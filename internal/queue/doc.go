// Package queue is the only sanctioned crossing point from background goroutines onto the
// host main thread.
//
// Ownership boundary:
// - queued actions and their completion signalling
// - bounded, non-blocking draining on the host tick
// - timeout and late-result discard
//
// Any goroutine may Submit or Enqueue. Only the host tick may Drain.
package queue
