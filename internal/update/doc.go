// Package update detects new code bundles and sequences an in-place reload.
//
// A check walks Idle -> CheckingVersion -> Downloading -> Staged -> Reloading -> Idle. Any
// failure before Reloading returns to Idle and keeps the running code. The reload itself is
// delegated to a Reloader, which owns teardown and rebuild of the object graph.
package update
