package client

import (
	"sync"
	"time"

	"github.com/danmuck/hostbridge/internal/logging"
)

// Mode is the connection lifecycle phase.
type Mode string

const (
	ModeDisconnected Mode = "disconnected"
	ModeConnecting   Mode = "connecting"
	ModeRegistered   Mode = "registered"
	ModeActive       Mode = "active"
	ModeDegraded     Mode = "degraded"
)

// State is a read-only snapshot of a client's ConnectionState.
type State struct {
	Mode                  Mode      `json:"mode"`
	Transport             string    `json:"transport"`
	ProjectID             string    `json:"project_identifier"`
	LastSuccessfulContact time.Time `json:"last_successful_contact"`
	ConsecutiveFailures   int       `json:"consecutive_failures"`
	DegradedTransitions   int       `json:"degraded_transitions"`
	PendingResults        int       `json:"pending_results"`
	LastError             string    `json:"last_error,omitempty"`
}

// stateTracker is mutated only from the owning client's goroutines.
type stateTracker struct {
	mu           sync.RWMutex
	st           State
	degradeAfter int
}

func newStateTracker(transport, projectID string, degradeAfter int) *stateTracker {
	return &stateTracker{
		st: State{
			Mode:      ModeDisconnected,
			Transport: transport,
			ProjectID: projectID,
		},
		degradeAfter: degradeAfter,
	}
}

func (t *stateTracker) snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.st
}

func (t *stateTracker) mode() Mode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.st.Mode
}

func (t *stateTracker) failures() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.st.ConsecutiveFailures
}

func (t *stateTracker) setMode(m Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.Mode = m
}

func (t *stateTracker) registered(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.Mode = ModeRegistered
	t.st.ConsecutiveFailures = 0
	t.st.LastSuccessfulContact = at
	t.st.LastError = ""
}

// recordSuccess resets the failure counter. A registered link becomes Active.
func (t *stateTracker) recordSuccess(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st.ConsecutiveFailures > 0 || t.st.Mode == ModeDegraded {
		logging.Infof(
			"client.%s recovered project=%q after_failures=%d",
			t.st.Transport,
			t.st.ProjectID,
			t.st.ConsecutiveFailures,
		)
	}
	t.st.ConsecutiveFailures = 0
	t.st.LastSuccessfulContact = at
	t.st.LastError = ""
	switch t.st.Mode {
	case ModeRegistered, ModeActive, ModeDegraded:
		t.st.Mode = ModeActive
	}
}

// recordFailure counts one failed exchange and enters Degraded once the threshold is hit.
func (t *stateTracker) recordFailure(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.ConsecutiveFailures++
	if err != nil {
		t.st.LastError = err.Error()
	}
	if t.st.ConsecutiveFailures >= t.degradeAfter && t.st.Mode != ModeDegraded {
		t.st.Mode = ModeDegraded
		t.st.DegradedTransitions++
		logging.Warnf(
			"client.%s degraded project=%q failures=%d err=%v",
			t.st.Transport,
			t.st.ProjectID,
			t.st.ConsecutiveFailures,
			err,
		)
	}
	return t.st.ConsecutiveFailures
}

func (t *stateTracker) setPendingResults(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.PendingResults = n
}
