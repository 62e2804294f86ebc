// Package persist implements the Task Persister: an append-only,
// crash-recoverable JSONL log of every event that mutates a task. Grounded
// in the teacher's internal/agent/recovery.Manager, with the rule shapes
// (mark-running/completed/failed, pending-set bookkeeping) carried over but
// the storage medium swapped from SQLite to the JSONL file layout the
// external interface contract mandates.
package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomwork/loom/internal/task"
)

// Line is one record in a task's JSONL log.
type Line struct {
	TS     int64           `json:"ts"`
	Event  string          `json:"event"`
	TaskID string          `json:"taskId"`
	Data   json.RawMessage `json:"data"`
}

// IndexEntry is one line of tasks/index.jsonl.
type IndexEntry struct {
	TaskID string `json:"taskId"`
	Date   string `json:"date"`
}

// PendingEntry is one element of the tasks/pending.json array.
type PendingEntry struct {
	TaskID string `json:"taskId"`
	TS     int64  `json:"ts"`
}

// Persister owns the on-disk layout under a data root:
//
//	tasks/YYYY-MM-DD/{taskId}.jsonl
//	tasks/index.jsonl
//	tasks/pending.json
type Persister struct {
	root string

	pendingMu sync.Mutex // serializes pending.json read-modify-write

	datesMu sync.Mutex
	dates   map[string]string // taskID -> YYYY-MM-DD, the date of its first line this run
}

// New constructs a Persister rooted at dataDir/tasks, creating the
// directory tree if absent.
func New(dataDir string) (*Persister, error) {
	root := filepath.Join(dataDir, "tasks")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create %s: %w", root, err)
	}
	return &Persister{root: root, dates: make(map[string]string)}, nil
}

func (p *Persister) indexPath() string   { return filepath.Join(p.root, "index.jsonl") }
func (p *Persister) pendingPath() string { return filepath.Join(p.root, "pending.json") }

// taskDate returns the date directory a task's log lives under. The first
// call for a given taskID in this process picks today's date and appends an
// index entry; subsequent calls (including those seeded by ResolvePath at
// startup) reuse the recorded value so every line for one task lands in one
// file.
func (p *Persister) taskDate(taskID string) (string, error) {
	p.datesMu.Lock()
	defer p.datesMu.Unlock()

	if d, ok := p.dates[taskID]; ok {
		return d, nil
	}
	date := time.Now().UTC().Format("2006-01-02")
	p.dates[taskID] = date
	if err := p.appendIndex(IndexEntry{TaskID: taskID, Date: date}); err != nil {
		return "", err
	}
	return date, nil
}

func (p *Persister) appendIndex(entry IndexEntry) error {
	f, err := os.OpenFile(p.indexPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("persist: open index: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	return enc.Encode(entry)
}

// appendLine writes one JSONL line to the task's log file, creating the
// date directory and file as needed.
func (p *Persister) appendLine(taskID, event string, data any) error {
	date, err := p.taskDate(taskID)
	if err != nil {
		return err
	}
	dir := filepath.Join(p.root, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist: create %s: %w", dir, err)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("persist: marshal %s data: %w", event, err)
	}
	line := Line{
		TS:     time.Now().UnixMilli(),
		Event:  event,
		TaskID: taskID,
		Data:   raw,
	}

	path := filepath.Join(dir, taskID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("persist: open %s: %w", path, err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(line)
}

// ResolvePath consults the index (last-write-wins) and returns the JSONL
// path for taskID, or "" if unknown.
func (p *Persister) ResolvePath(taskID string) (string, error) {
	f, err := os.Open(p.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("persist: open index: %w", err)
	}
	defer f.Close()

	date := ""
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var entry IndexEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			continue
		}
		if entry.TaskID == taskID {
			date = entry.Date
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("persist: scan index: %w", err)
	}
	if date == "" {
		return "", nil
	}
	p.datesMu.Lock()
	if _, ok := p.dates[taskID]; !ok {
		p.dates[taskID] = date
	}
	p.datesMu.Unlock()
	return filepath.Join(p.root, date, taskID+".jsonl"), nil
}

func messagesJSON(msgs []task.Message) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		raw, err := json.Marshal(m)
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out
}

// RecordTaskCreated appends TASK_CREATED, adds an index entry (via
// taskDate), and adds the task to pending.json.
func (p *Persister) RecordTaskCreated(taskID string, ctx *task.Context) error {
	data := map[string]any{
		"inputText":     ctx.InputText,
		"source":        ctx.Source,
		"inputMetadata": ctx.InputMetadata,
		"taskType":      ctx.TaskType,
		"description":   ctx.Description,
	}
	if err := p.appendLine(taskID, "TASK_CREATED", data); err != nil {
		return err
	}
	return p.addPending(taskID)
}

// RecordReasonDone appends REASON_DONE with the reasoning, plan, and the
// messages newly appended since the last delta.
func (p *Persister) RecordReasonDone(taskID string, ctx *task.Context, newMessages []task.Message) error {
	data := map[string]any{
		"reasoning":   ctx.Reasoning,
		"plan":        ctx.Plan,
		"newMessages": messagesJSON(newMessages),
	}
	return p.appendLine(taskID, "REASON_DONE", data)
}

// RecordToolCallCompleted appends TOOL_CALL_COMPLETED.
func (p *Persister) RecordToolCallCompleted(taskID string, newMessages []task.Message) error {
	return p.appendLine(taskID, "TOOL_CALL_COMPLETED", map[string]any{"newMessages": messagesJSON(newMessages)})
}

// RecordToolCallFailed appends TOOL_CALL_FAILED.
func (p *Persister) RecordToolCallFailed(taskID string, newMessages []task.Message) error {
	return p.appendLine(taskID, "TOOL_CALL_FAILED", map[string]any{"newMessages": messagesJSON(newMessages)})
}

// RecordStepCompleted appends STEP_COMPLETED with the running action count
// and the action record that was just appended to ActionsDone — the latter
// is what lets replay reconstruct ActionsDone exactly (invariant 3); the
// named actionsCount field alone is not sufficient to do so. newMessages
// carries any Context.Messages a respond/stub step appended (e.g. the
// assistant-visible response text), so a crash-recovered replay sees them
// too, not just a live in-memory run.
func (p *Persister) RecordStepCompleted(taskID string, actionsCount int, record task.ActionRecord, newMessages []task.Message) error {
	return p.appendLine(taskID, "STEP_COMPLETED", map[string]any{
		"actionsCount": actionsCount,
		"actionRecord": record,
		"newMessages":  messagesJSON(newMessages),
	})
}

// RecordNeedMoreInfo appends NEED_MORE_INFO.
func (p *Persister) RecordNeedMoreInfo(taskID string, reasoning map[string]any) error {
	return p.appendLine(taskID, "NEED_MORE_INFO", map[string]any{"reasoning": reasoning})
}

// RecordTaskSuspended appends TASK_SUSPENDED.
func (p *Persister) RecordTaskSuspended(taskID string, ctx *task.Context, newMessages []task.Message) error {
	data := map[string]any{
		"suspendedState": ctx.SuspendedState,
		"suspendReason":  ctx.SuspendReason,
		"reasoning":      ctx.Reasoning,
		"plan":           ctx.Plan,
		"newMessages":    messagesJSON(newMessages),
	}
	return p.appendLine(taskID, "TASK_SUSPENDED", data)
}

// RecordTaskResumed appends TASK_RESUMED and re-adds the task to pending.json.
func (p *Persister) RecordTaskResumed(taskID, newInput string, previousState task.State) error {
	data := map[string]any{"newInput": newInput, "previousState": previousState}
	if err := p.appendLine(taskID, "TASK_RESUMED", data); err != nil {
		return err
	}
	return p.addPending(taskID)
}

// RecordTaskCompleted appends TASK_COMPLETED and removes the task from
// pending.json.
func (p *Persister) RecordTaskCompleted(taskID, finalResult string, iterations int, newMessages []task.Message) error {
	data := map[string]any{
		"finalResult": finalResult,
		"iterations":  iterations,
		"newMessages": messagesJSON(newMessages),
	}
	if err := p.appendLine(taskID, "TASK_COMPLETED", data); err != nil {
		return err
	}
	return p.removePending(taskID)
}

// RecordTaskFailed appends TASK_FAILED and removes the task from
// pending.json.
func (p *Persister) RecordTaskFailed(taskID, errMsg string) error {
	if err := p.appendLine(taskID, "TASK_FAILED", map[string]any{"error": errMsg}); err != nil {
		return err
	}
	return p.removePending(taskID)
}
