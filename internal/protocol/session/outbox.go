package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingResult tracks one command result the server has not accepted yet.
type PendingResult struct {
	CommandID     string
	Status        string
	Payload       any
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string
}

// ResultOutbox stores pending results by command_id, bounded by limit.
type ResultOutbox struct {
	mu    sync.RWMutex
	limit int
	items map[string]PendingResult
}

func NewResultOutbox(limit int) *ResultOutbox {
	return &ResultOutbox{
		limit: limit,
		items: make(map[string]PendingResult),
	}
}

// Upsert stores item. It reports false when the outbox is full and the id is new.
func (o *ResultOutbox) Upsert(item PendingResult) bool {
	key := strings.TrimSpace(item.CommandID)
	if key == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.items[key]; !exists && o.limit > 0 && len(o.items) >= o.limit {
		return false
	}
	o.items[key] = item
	return true
}

func (o *ResultOutbox) MarkAttempt(commandID string, at time.Time, lastErr string) (PendingResult, bool) {
	key := strings.TrimSpace(commandID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingResult{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

func (o *ResultOutbox) Remove(commandID string) {
	key := strings.TrimSpace(commandID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *ResultOutbox) Get(commandID string) (PendingResult, bool) {
	key := strings.TrimSpace(commandID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *ResultOutbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns pending results oldest first.
func (o *ResultOutbox) List() []PendingResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingResult, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].CommandID < out[j].CommandID
	})
	return out
}
