package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// loadPending reads tasks/pending.json, tolerating a missing file as empty.
func (p *Persister) loadPending() ([]PendingEntry, error) {
	raw, err := os.ReadFile(p.pendingPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persist: read pending: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []PendingEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("persist: parse pending: %w", err)
	}
	return entries, nil
}

// writePending atomically rewrites pending.json (write temp + rename).
func (p *Persister) writePending(entries []PendingEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("persist: marshal pending: %w", err)
	}
	tmp := p.pendingPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("persist: write temp pending: %w", err)
	}
	if err := os.Rename(tmp, p.pendingPath()); err != nil {
		return fmt.Errorf("persist: rename pending: %w", err)
	}
	return nil
}

// addPending inserts taskID into pending.json if not already present. The
// read-modify-write is serialized by pendingMu so concurrent completions
// (e.g. TASK_CREATED racing TASK_COMPLETED for distinct tasks) never clobber
// each other.
func (p *Persister) addPending(taskID string) error {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	entries, err := p.loadPending()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.TaskID == taskID {
			return nil
		}
	}
	entries = append(entries, PendingEntry{TaskID: taskID, TS: time.Now().UnixMilli()})
	return p.writePending(entries)
}

// removePending deletes taskID from pending.json if present.
func (p *Persister) removePending(taskID string) error {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	entries, err := p.loadPending()
	if err != nil {
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.TaskID != taskID {
			out = append(out, e)
		}
	}
	return p.writePending(out)
}

// Pending returns a snapshot of the current pending set.
func (p *Persister) Pending() ([]PendingEntry, error) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return p.loadPending()
}
