package protocol

import (
	"errors"
	"testing"

	"github.com/danmuck/hostbridge/internal/testutil/testlog"
)

func TestDecodeCommandFrame(t *testing.T) {
	testlog.Start(t)
	cmd, err := DecodeCommandFrame([]byte(`{"id":"c1","name":"echo","parameters":{"x":1}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.ID != "c1" || cmd.Name != "echo" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if v, ok := cmd.Parameters["x"].(float64); !ok || v != 1 {
		t.Fatalf("unexpected parameters: %+v", cmd.Parameters)
	}
}

func TestDecodeCommandFrameRejectsMalformed(t *testing.T) {
	testlog.Start(t)
	cases := []string{
		`not json`,
		`{"name":"echo"}`,
		`{"id":"c1","name":"  "}`,
	}
	for _, raw := range cases {
		if _, err := DecodeCommandFrame([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("frame %q: expected ErrMalformed, got %v", raw, err)
		}
	}
}

func TestResultRequestValidate(t *testing.T) {
	testlog.Start(t)
	if err := (ResultRequest{CommandID: "c1", Status: ResultCompleted}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (ResultRequest{Status: ResultFailed}).Validate(); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if err := (ResultRequest{CommandID: "c1", Status: "done"}).Validate(); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestPollResponseSplitCommands(t *testing.T) {
	testlog.Start(t)
	resp := PollResponse{Commands: []Command{
		{ID: "a", Name: "echo"},
		{ID: "", Name: "echo"},
		{ID: "b", Name: "ping"},
		{ID: "c", Name: " "},
	}}
	valid, malformed := resp.SplitCommands()
	if len(valid) != 2 || valid[0].ID != "a" || valid[1].ID != "b" {
		t.Fatalf("unexpected valid commands: %+v", valid)
	}
	if len(malformed) != 2 {
		t.Fatalf("expected 2 malformed, got %d", len(malformed))
	}
	for _, err := range malformed {
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed, got %v", err)
		}
	}
	if valid, malformed := (PollResponse{}).SplitCommands(); len(valid) != 0 || malformed != nil {
		t.Fatalf("empty response: valid=%v malformed=%v", valid, malformed)
	}
	if err := (VersionInfo{}).Validate(); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected missing marker error, got %v", err)
	}
}
