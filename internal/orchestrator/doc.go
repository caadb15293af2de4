// Package orchestrator wires the command registry, the action queue and a connection client
// into one rebuildable generation, and provides the Runtime that swaps generations during a
// hot reload.
//
// Ownership boundary:
// - Orchestrator: one generation. Registry contents, queue binding, UI attach and detach,
//   user-issued submissions. Rebuilt on every reload.
// - Runtime: everything that outlives a reload. Queue, survival store, update controller,
//   host tick registration.
package orchestrator
