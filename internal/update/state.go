package update

import "time"

// State is the controller's position in one update cycle.
type State string

const (
	StateIdle            State = "idle"
	StateCheckingVersion State = "checking_version"
	StateDownloading     State = "downloading"
	StateStaged          State = "staged"
	StateReloading       State = "reloading"
)

// Transition is one observed state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Marker string
	Reason string
}
