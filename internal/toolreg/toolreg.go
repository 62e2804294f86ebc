// Package toolreg implements the Tool Executor and the Subagent/Tool
// Registry: a lookup-then-validate-then-execute pipeline gated per task type,
// grounded on the teacher's tools.Registry.Execute.
package toolreg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomwork/loom/internal/logging"
)

// maxResultChars bounds how much of a tool result's serialized text is
// allowed into the session/context; anything beyond it is cut and marked.
const maxResultChars = 8000

const truncationMarker = "\n...[truncated]"

// Result is the outcome of a tool execution. Execute never emits a bus
// event itself; the caller emits TOOL_CALL_COMPLETED/FAILED only after it
// has folded Result into the task's Context, so no handler ever observes a
// completion event before the context reflects it.
type Result struct {
	Content string
	IsError bool
}

// Tool is anything callable by name with a JSON-schema-described input.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage) (Result, error)
}

// Call is a single invocation request, as produced by a Planner step.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Definition is the wire-shape advertised to the model's tool-use API.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Registry holds every Tool known to the process, plus the per-task-type
// allow-lists that gate which of them a given task may invoke. The
// allow-list check is a prompt-injection safety net: even if a compromised
// model output requests a tool by name, a task whose type does not list it
// never reaches Execute.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	allowed map[string]map[string]bool    // taskType -> set of tool names
	timeout time.Duration
	schemas map[string]*jsonschema.Schema // tool name -> compiled Schema(), lazily built
	stats   map[string]*Stats             // tool name -> running call statistics
}

// Stats is the running call statistics for one tool, updated on every
// Execute that reaches schema validation, whatever its outcome. Calls
// rejected by the allow-list or naming an unknown tool are not counted.
type Stats struct {
	Calls      int
	Successes  int
	Failures   int
	LastCalled time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout bounds every Execute call; zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		allowed: make(map[string]map[string]bool),
		schemas: make(map[string]*jsonschema.Schema),
		stats:   make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool, callable by any task type until AllowForTaskType
// scopes it.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// AllowForTaskType grants taskType permission to call the named tool. A
// task type with no entries here has no allow-list and may call any
// registered tool — scope every agentic task type explicitly.
func (r *Registry) AllowForTaskType(taskType, toolName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.allowed[taskType]
	if !ok {
		set = make(map[string]bool)
		r.allowed[taskType] = set
	}
	set[toolName] = true
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every registered tool's wire definition, filtered to
// taskType's allow-list when one is configured.
func (r *Registry) Definitions(taskType string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, scoped := r.allowed[taskType]
	defs := make([]Definition, 0, len(r.tools))
	for name, tool := range r.tools {
		if scoped && !set[name] {
			continue
		}
		defs = append(defs, Definition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return defs
}

// NotAllowedError means the task type's allow-list rejected the call before
// the tool ever ran.
type NotAllowedError struct {
	TaskType string
	Tool     string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("tool %q is not permitted for task type %q", e.Tool, e.TaskType)
}

// Execute looks up, validates, and runs a tool call. It never emits a bus
// event: the caller owns emitting TOOL_CALL_COMPLETED/FAILED, and must do so
// only after folding the returned Result into the task's Context.
func (r *Registry) Execute(ctx context.Context, taskType string, call Call) (Result, error) {
	r.mu.RLock()
	if set, scoped := r.allowed[taskType]; scoped && !set[call.Name] {
		r.mu.RUnlock()
		logging.Warnf("toolreg: rejected %s for task type %s (not in allow-list)", call.Name, taskType)
		return Result{}, &NotAllowedError{TaskType: taskType, Tool: call.Name}
	}
	tool, ok := r.tools[call.Name]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		return Result{Content: fmt.Sprintf("unknown tool: %s", call.Name), IsError: true}, nil
	}

	if err := r.validate(call.Name, tool, call.Input); err != nil {
		logging.Warnf("toolreg: %s: input failed schema validation: %v", call.Name, err)
		r.recordStats(call.Name, false)
		return Result{Content: fmt.Sprintf("invalid input for tool %q: %v", call.Name, err), IsError: true}, nil
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var res Result
	done := make(chan error, 1)
	go func() {
		var execErr error
		res, execErr = tool.Execute(runCtx, call.Input)
		done <- execErr
	}()
	var err error
	select {
	case err = <-done:
	case <-runCtx.Done():
		err = fmt.Errorf("tool %q did not complete: %w", call.Name, runCtx.Err())
	}
	if err != nil {
		logging.Errorf("toolreg: %s failed: %v", call.Name, err)
		r.recordStats(call.Name, false)
		return Result{Content: err.Error(), IsError: true}, nil
	}

	res.Content = truncate(res.Content)
	r.recordStats(call.Name, !res.IsError)
	return res, nil
}

// validate checks call input against tool's declared schema, compiling and
// caching the schema on first use. A tool that declares no schema (or an
// empty object schema) is treated as unconstrained.
func (r *Registry) validate(name string, tool Tool, input json.RawMessage) error {
	schema, err := r.compiledSchema(name, tool)
	if err != nil {
		logging.Warnf("toolreg: %s: schema compile failed, skipping validation: %v", name, err)
		return nil
	}
	if schema == nil {
		return nil
	}

	var doc any
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	return schema.Validate(doc)
}

func (r *Registry) compiledSchema(name string, tool Tool) (*jsonschema.Schema, error) {
	r.mu.RLock()
	schema, cached := r.schemas[name]
	r.mu.RUnlock()
	if cached {
		return schema, nil
	}

	raw := tool.Schema()
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("{}")) {
		r.mu.Lock()
		r.schemas[name] = nil
		r.mu.Unlock()
		return nil, nil
	}

	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	r.mu.Lock()
	r.schemas[name] = compiled
	r.mu.Unlock()
	return compiled, nil
}

// recordStats updates name's running call statistics under mu.
func (r *Registry) recordStats(name string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		s = &Stats{}
		r.stats[name] = s
	}
	s.Calls++
	s.LastCalled = time.Now()
	if success {
		s.Successes++
	} else {
		s.Failures++
	}
}

// StatsFor returns a copy of name's running call statistics.
func (r *Registry) StatsFor(name string) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.stats[name]; ok {
		return *s
	}
	return Stats{}
}

// truncate enforces maxResultChars on a tool result's serialized text,
// appending an explicit trailing marker when content is cut.
func truncate(content string) string {
	if len(content) <= maxResultChars {
		return content
	}
	return content[:maxResultChars] + truncationMarker
}
