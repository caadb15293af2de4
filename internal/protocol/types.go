package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Server endpoint paths, relative to the configured server URL.
const (
	PathRegister  = "/register"
	PathPoll      = "/poll"
	PathPush      = "/push"
	PathResult    = "/result"
	PathHeartbeat = "/heartbeat"
	PathVersion   = "/version"
)

// QueryProjectIdentifier carries the project on the push upgrade request.
const QueryProjectIdentifier = "project_identifier"

// Result status values reported on POST /result.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultTimedOut  = "timed_out"
)

// Command is one server-issued unit of work, as polled or pushed.
type Command struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Validate enforces the fields every command must carry.
func (c Command) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id", ErrMissingField)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name", ErrMissingField)
	}
	return nil
}

type RegisterRequest struct {
	ProjectIdentifier string `json:"project_identifier"`
}

type PollRequest struct {
	ProjectIdentifier string `json:"project_identifier"`
}

type HeartbeatRequest struct {
	ProjectIdentifier string `json:"project_identifier"`
}

// Ack is the generic {ok} response for register and heartbeat.
type Ack struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type PollResponse struct {
	Commands []Command `json:"commands"`
}

type ResultRequest struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Payload   any    `json:"payload,omitempty"`
}

// Validate rejects results the server could not correlate.
func (r ResultRequest) Validate() error {
	if strings.TrimSpace(r.CommandID) == "" {
		return fmt.Errorf("%w: command_id", ErrMissingField)
	}
	switch r.Status {
	case ResultCompleted, ResultFailed, ResultTimedOut:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatus, r.Status)
	}
}

// VersionInfo is the GET /version response.
type VersionInfo struct {
	VersionMarker string `json:"version_marker"`
	BundleURL     string `json:"bundle_url"`
}

// Validate requires a marker; the bundle URL is only needed when the marker differs.
func (v VersionInfo) Validate() error {
	if strings.TrimSpace(v.VersionMarker) == "" {
		return fmt.Errorf("%w: version_marker", ErrMissingField)
	}
	return nil
}

// DecodeCommandFrame parses one push frame into a validated command.
func DecodeCommandFrame(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return cmd, nil
}

// SplitCommands separates well-formed commands from malformed ones. Each malformed entry
// yields one ErrMalformed error naming its index.
func (r PollResponse) SplitCommands() ([]Command, []error) {
	valid := make([]Command, 0, len(r.Commands))
	var malformed []error
	for i, cmd := range r.Commands {
		if err := cmd.Validate(); err != nil {
			malformed = append(malformed, fmt.Errorf("%w: commands[%d]: %v", ErrMalformed, i, err))
			continue
		}
		valid = append(valid, cmd)
	}
	return valid, malformed
}
