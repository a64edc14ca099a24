package crmsync

import (
	"sync"
	"time"
)

// ProgressEntry is the poll-visible state of the active background stage
// for one scope.
type ProgressEntry struct {
	Stage     string    `json:"stage"`
	Processed int       `json:"processed"`
	Total     int       `json:"total,omitempty"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProgressTracker holds ephemeral per-scope progress. Entries are created
// when a background stage starts and cleared when a scope is reused; they
// do not survive a restart, so an absent entry means unknown.
type ProgressTracker struct {
	mu      sync.RWMutex
	entries map[string]ProgressEntry
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{entries: map[string]ProgressEntry{}}
}

func (t *ProgressTracker) Set(scope Scope, stage string, processed, total int, message string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[scope.Key()] = ProgressEntry{
		Stage:     stage,
		Processed: processed,
		Total:     total,
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	}
}

// Advance bumps the processed count without touching the rest of the entry.
func (t *ProgressTracker) Advance(scope Scope, delta int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[scope.Key()]
	if !ok {
		return
	}
	entry.Processed += delta
	entry.UpdatedAt = time.Now().UTC()
	t.entries[scope.Key()] = entry
}

func (t *ProgressTracker) Get(scope Scope) (ProgressEntry, bool) {
	if t == nil {
		return ProgressEntry{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[scope.Key()]
	return entry, ok
}

func (t *ProgressTracker) Clear(scope Scope) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, scope.Key())
}
