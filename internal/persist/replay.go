package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/loomwork/loom/internal/task"
)

// Replay folds a task's JSONL log into a fresh Context, applying each
// line's delta in order. Unknown event names are skipped so the log format
// can grow without breaking old readers.
func Replay(path string) (*task.Context, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	defer f.Close()

	var ctx *task.Context
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for sc.Scan() {
		var line Line
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		if ctx == nil {
			ctx = &task.Context{ID: line.TaskID}
		}
		applyDelta(ctx, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("persist: scan %s: %w", path, err)
	}
	if ctx == nil {
		return nil, fmt.Errorf("persist: %s contained no recognizable lines", path)
	}
	return ctx, nil
}

func applyDelta(ctx *task.Context, line Line) {
	var data map[string]json.RawMessage
	if err := json.Unmarshal(line.Data, &data); err != nil {
		return
	}

	appendMessages := func(key string) {
		var raws []json.RawMessage
		if err := json.Unmarshal(data[key], &raws); err != nil {
			return
		}
		for _, r := range raws {
			var m task.Message
			if err := json.Unmarshal(r, &m); err == nil {
				ctx.AppendMessage(m)
			}
		}
	}

	switch line.Event {
	case "TASK_CREATED":
		_ = json.Unmarshal(data["inputText"], &ctx.InputText)
		_ = json.Unmarshal(data["source"], &ctx.Source)
		_ = json.Unmarshal(data["inputMetadata"], &ctx.InputMetadata)
		_ = json.Unmarshal(data["taskType"], &ctx.TaskType)
		_ = json.Unmarshal(data["description"], &ctx.Description)

	case "REASON_DONE":
		_ = json.Unmarshal(data["reasoning"], &ctx.Reasoning)
		_ = json.Unmarshal(data["plan"], &ctx.Plan)
		appendMessages("newMessages")

	case "TOOL_CALL_COMPLETED", "TOOL_CALL_FAILED":
		appendMessages("newMessages")

	case "STEP_COMPLETED":
		var record task.ActionRecord
		if err := json.Unmarshal(data["actionRecord"], &record); err == nil {
			ctx.ActionsDone = append(ctx.ActionsDone, record)
			if ctx.Plan != nil {
				for i := range ctx.Plan.Steps {
					if ctx.Plan.Steps[i].Index == record.StepIndex {
						ctx.Plan.Steps[i].Completed = true
						break
					}
				}
			}
		}
		appendMessages("newMessages")

	case "NEED_MORE_INFO":
		_ = json.Unmarshal(data["reasoning"], &ctx.Reasoning)

	case "TASK_SUSPENDED":
		var suspended task.State
		_ = json.Unmarshal(data["suspendedState"], &suspended)
		ctx.SuspendedState = suspended
		_ = json.Unmarshal(data["suspendReason"], &ctx.SuspendReason)
		_ = json.Unmarshal(data["reasoning"], &ctx.Reasoning)
		_ = json.Unmarshal(data["plan"], &ctx.Plan)
		appendMessages("newMessages")

	case "TASK_RESUMED":
		var newInput string
		_ = json.Unmarshal(data["newInput"], &newInput)
		if newInput != "" {
			ctx.AppendMessage(task.Message{Role: task.RoleUser, Content: newInput})
		}
		ctx.SuspendedState = ""

	case "TASK_COMPLETED":
		_ = json.Unmarshal(data["finalResult"], &ctx.FinalResult)
		_ = json.Unmarshal(data["iterations"], &ctx.Iteration)
		appendMessages("newMessages")

	case "TASK_FAILED":
		_ = json.Unmarshal(data["error"], &ctx.Error)
	}
}
