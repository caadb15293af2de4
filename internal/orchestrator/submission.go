package orchestrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/danmuck/hostbridge/internal/queue"
)

var (
	ErrInvalidCommandText = errors.New("orchestrator: invalid command text")
	ErrSubmissionNotFound = errors.New("orchestrator: submission not found")
)

// Submission is the caller-facing view of one user-issued command.
type Submission struct {
	ID          string         `json:"id"`
	Command     string         `json:"command"`
	Params      map[string]any `json:"params,omitempty"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// ParseCommandText splits "name {json}" into a command name and parameters. The JSON part
// is optional but must be an object when present.
func ParseCommandText(text string) (string, map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil, fmt.Errorf("%w: empty", ErrInvalidCommandText)
	}
	name, rest := text, ""
	if i := strings.IndexFunc(text, func(r rune) bool { return r == '{' || unicode.IsSpace(r) }); i >= 0 {
		name, rest = text[:i], strings.TrimSpace(text[i:])
	}
	if name == "" {
		return "", nil, fmt.Errorf("%w: missing command name", ErrInvalidCommandText)
	}
	if rest == "" {
		return name, nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(rest)))
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return "", nil, fmt.Errorf("%w: parameters: %v", ErrInvalidCommandText, err)
	}
	if params == nil {
		return "", nil, fmt.Errorf("%w: parameters must be a JSON object", ErrInvalidCommandText)
	}
	if dec.More() {
		return "", nil, fmt.Errorf("%w: trailing data after parameters", ErrInvalidCommandText)
	}
	return name, params, nil
}

// Submissions tracks user-issued actions. Terminal entries beyond limit are pruned oldest
// first.
type Submissions struct {
	mu    sync.Mutex
	limit int
	items map[string]*queue.Action
}

func NewSubmissions(limit int) *Submissions {
	if limit <= 0 {
		limit = 128
	}
	return &Submissions{
		limit: limit,
		items: make(map[string]*queue.Action),
	}
}

func (s *Submissions) track(a *queue.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[a.ID] = a
	s.pruneLocked()
}

func (s *Submissions) Get(id string) (Submission, bool) {
	s.mu.Lock()
	a, ok := s.items[strings.TrimSpace(id)]
	s.mu.Unlock()
	if !ok {
		return Submission{}, false
	}
	return snapshot(a), true
}

// List returns every tracked submission, newest first.
func (s *Submissions) List() []Submission {
	s.mu.Lock()
	out := make([]Submission, 0, len(s.items))
	for _, a := range s.items {
		out = append(out, snapshot(a))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out
}

func (s *Submissions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Submissions) pruneLocked() {
	if len(s.items) <= s.limit {
		return
	}
	terminal := make([]*queue.Action, 0, len(s.items))
	for _, a := range s.items {
		if a.Status().Terminal() {
			terminal = append(terminal, a)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CreatedAt.Before(terminal[j].CreatedAt)
	})
	for _, a := range terminal {
		if len(s.items) <= s.limit {
			return
		}
		delete(s.items, a.ID)
	}
}

func snapshot(a *queue.Action) Submission {
	sub := Submission{
		ID:          a.ID,
		Command:     a.Name,
		Params:      a.Params,
		Status:      a.Status().String(),
		SubmittedAt: a.CreatedAt,
	}
	select {
	case <-a.Done():
		result, err := a.Result()
		sub.Result = result
		if err != nil {
			sub.Error = err.Error()
		}
		sub.Status = a.Status().String()
	default:
	}
	return sub
}
