package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/loomwork/loom/internal/agent"
	"github.com/loomwork/loom/internal/logging"
	"github.com/loomwork/loom/internal/toolreg"
)

// ChatResponse is the model's structured reply to one think step: private
// reasoning text plus any tool calls it chose to make.
type ChatResponse struct {
	Text      string
	ToolCalls []ToolCall
}

// ConversationModel is the pure function the Orchestrator calls for each
// think step and for compaction summaries. Distinct from agent.Thinker: this
// one sees the raw conversation turn, not a planned Task.
type ConversationModel interface {
	Chat(ctx context.Context, systemPrompt string, messages []Message, tools []toolreg.Definition) (ChatResponse, error)
	Summarize(ctx context.Context, systemPrompt string, messages []Message) (string, error)
}

// Reflector is the optional post-compaction reflection hook.
type Reflector interface {
	Reflect(ctx context.Context, messages []Message, summary string) (string, error)
}

// ReplyFunc delivers a user-visible message to a channel. It is the only
// way a think step's output becomes visible outside the process — the
// model's raw text output is otherwise private (the "inner monologue" model).
type ReplyFunc func(channelType, channelID, text, replyTo string) error

// ErrAuthExpired and ErrRateLimited are sentinel causes a ConversationModel
// implementation can wrap so classifyError can route the right user-visible
// message.
var (
	ErrAuthExpired = errors.New("orchestrator: auth expired")
	ErrRateLimited = errors.New("orchestrator: rate limited")
)

const (
	defaultCompactThreshold = 0.8
	defaultContextWindow    = 200_000
	defaultQueueCapacity    = 256

	reflectMinMessages = 6
	reflectMinUserMsgs = 2
)

// Options configures an Orchestrator.
type Options struct {
	SystemPrompt     string
	CompactThreshold float64 // fraction of ContextWindow that triggers compaction
	ContextWindow    int
}

// DefaultOptions mirrors internal/config.Defaults()'s session group.
func DefaultOptions() Options {
	return Options{
		CompactThreshold: defaultCompactThreshold,
		ContextWindow:    defaultContextWindow,
	}
}

// Orchestrator is the Conversation Orchestrator: the user-facing loop that
// owns session history and decides, each turn, whether to reply, spawn a
// subagent task, resume one, or invoke a skill.
type Orchestrator struct {
	session *Session
	log     *SessionLog
	tools   *toolreg.Registry
	model   ConversationModel
	agent   *agent.Agent
	skills  *SkillRegistry
	reply   ReplyFunc

	reflector Reflector

	systemPrompt     string
	compactThreshold float64
	contextWindow    int

	queue   chan QueueItem
	wg      sync.WaitGroup
	running atomic.Bool

	mu              sync.Mutex
	lastPromptTok   int
	lastChannelType string
	lastChannelID   string
}

// New constructs an Orchestrator. Call Start to begin draining the queue.
func New(a *agent.Agent, tools *toolreg.Registry, model ConversationModel, sessionLog *SessionLog, skills *SkillRegistry, reply ReplyFunc, reflector Reflector, opts Options) *Orchestrator {
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = defaultCompactThreshold
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = defaultContextWindow
	}
	return &Orchestrator{
		session:          NewSession(),
		log:              sessionLog,
		tools:            tools,
		model:            model,
		agent:            a,
		skills:           skills,
		reply:            reply,
		reflector:        reflector,
		systemPrompt:     opts.SystemPrompt,
		compactThreshold: opts.CompactThreshold,
		contextWindow:    opts.ContextWindow,
		queue:            make(chan QueueItem, defaultQueueCapacity),
	}
}

// Start replays any persisted session history and launches the single
// serial worker. The model's system prompt was already fixed at
// construction (§4.5: "built once on start for cache friendliness").
func (o *Orchestrator) Start() error {
	replayed, err := o.log.Replay()
	if err != nil {
		return fmt.Errorf("orchestrator: replay session log: %w", err)
	}
	for _, m := range replayed {
		o.session.Append(m)
	}
	o.session.NewMessagesSince() // replayed turns are already on disk

	o.running.Store(true)
	o.wg.Add(1)
	go o.drain()
	return nil
}

// Stop stops accepting new queue items and awaits the worker and any
// in-flight reflection goroutines.
func (o *Orchestrator) Stop() {
	if !o.running.CompareAndSwap(true, false) {
		return
	}
	close(o.queue)
	o.wg.Wait()
}

// SubmitMessage enqueues a user-facing inbound message. It never blocks:
// when the queue is saturated the item is logged and dropped.
func (o *Orchestrator) SubmitMessage(text, channelType, channelID, replyTo string) {
	o.enqueue(QueueItem{Kind: KindMessage, Message: InboundMessage{
		Text: text, ChannelType: channelType, ChannelID: channelID, ReplyTo: replyTo,
	}})
}

// HandleNotify is the Agent's notify callback target: it enqueues a
// task_notify item, which the worker formats as a synthetic user message.
func (o *Orchestrator) HandleNotify(n agent.Notification) {
	o.enqueue(QueueItem{Kind: KindTaskNotify, Notify: TaskNotification{
		Type: n.Type, TaskID: n.TaskID, Result: n.Result, Error: n.Error, Message: n.Message,
	}})
}

func (o *Orchestrator) enqueue(item QueueItem) {
	if !o.running.Load() {
		logging.Warnf("orchestrator: dropping %s item, not running", item.Kind)
		return
	}
	select {
	case o.queue <- item:
	default:
		logging.Errorf("orchestrator: queue saturated, dropping %s item", item.Kind)
	}
}

// drain is the single serial worker: at most one think step is ever
// in flight, matching the teacher's LaneMain (MaxConcurrent = 1).
func (o *Orchestrator) drain() {
	defer o.wg.Done()
	ctx := context.Background()
	for item := range o.queue {
		switch item.Kind {
		case KindMessage:
			o.handleInboundMessage(ctx, item.Message)
		case KindTaskNotify:
			o.handleTaskNotify(ctx, item.Notify)
		case KindThink:
			o.think(ctx)
		}
	}
}

func (o *Orchestrator) handleInboundMessage(ctx context.Context, in InboundMessage) {
	o.mu.Lock()
	o.lastChannelType = in.ChannelType
	o.lastChannelID = in.ChannelID
	o.mu.Unlock()

	o.appendAndPersist(Message{Role: RoleUser, Content: in.Text})
	o.think(ctx)
}

func (o *Orchestrator) handleTaskNotify(ctx context.Context, n TaskNotification) {
	o.appendAndPersist(Message{Role: RoleUser, Content: formatNotify(n)})
	o.think(ctx)
}

func formatNotify(n TaskNotification) string {
	switch n.Type {
	case "completed":
		return fmt.Sprintf("[Task %s completed]\n%s", n.TaskID, n.Result)
	case "failed":
		return fmt.Sprintf("[Task %s failed]\n%s", n.TaskID, n.Error)
	default:
		return fmt.Sprintf("[Task %s] %s", n.TaskID, n.Message)
	}
}

func (o *Orchestrator) appendAndPersist(m Message) {
	o.session.Append(m)
	for _, fresh := range o.session.NewMessagesSince() {
		if err := o.log.Append(fresh); err != nil {
			logging.Warnf("orchestrator: persist session message: %v", err)
		}
	}
}

// think is the per-turn think step described in §4.5.
func (o *Orchestrator) think(ctx context.Context) {
	o.maybeCompact(ctx)

	messages := o.session.Snapshot()
	tools := append(builtinDefinitions(), o.tools.Definitions("")...)

	resp, err := o.model.Chat(ctx, o.systemPrompt, messages, tools)
	if err != nil {
		o.deliverError(err)
		return
	}

	o.mu.Lock()
	o.lastPromptTok = estimateTokens(messages)
	o.mu.Unlock()

	if len(resp.ToolCalls) == 0 {
		o.appendAndPersist(Message{Role: RoleAssistant, Content: resp.Text})
		return
	}

	o.appendAndPersist(Message{Role: RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})

	needsFollowUp := false
	for _, call := range resp.ToolCalls {
		if o.dispatchToolCall(ctx, call) {
			needsFollowUp = true
		}
	}
	if needsFollowUp {
		o.enqueue(QueueItem{Kind: KindThink})
	}
}

// dispatchToolCall executes one tool call and appends its result message.
// It returns whether the call requires a follow-up think step: reply,
// spawn_subagent, and a forked use_skill are terminal for the turn; every
// other call (including an inline use_skill) queues another think.
func (o *Orchestrator) dispatchToolCall(ctx context.Context, call ToolCall) bool {
	switch call.Name {
	case "reply":
		o.runReply(call)
		return false
	case "spawn_subagent":
		o.runSpawnSubagent(ctx, call)
		return false
	case "resume_task":
		o.runResumeTask(call)
		return true
	case "use_skill":
		return o.runUseSkill(ctx, call)
	default:
		return o.runGenericTool(ctx, call)
	}
}

type replyInput struct {
	Text        string `json:"text"`
	ChannelType string `json:"channelType"`
	ChannelID   string `json:"channelId"`
	ReplyTo     string `json:"replyTo"`
}

func (o *Orchestrator) runReply(call ToolCall) {
	var in replyInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		o.appendToolResult(call.ID, "invalid reply input: "+err.Error(), true)
		return
	}
	o.mu.Lock()
	if in.ChannelType == "" {
		in.ChannelType = o.lastChannelType
	}
	if in.ChannelID == "" {
		in.ChannelID = o.lastChannelID
	}
	o.mu.Unlock()

	if o.reply == nil {
		o.appendToolResult(call.ID, "no reply channel configured", true)
		return
	}
	if err := o.reply(in.ChannelType, in.ChannelID, in.Text, in.ReplyTo); err != nil {
		o.appendToolResult(call.ID, "reply delivery failed: "+err.Error(), true)
		return
	}
	o.appendToolResult(call.ID, "delivered", false)
}

type spawnSubagentInput struct {
	Description string `json:"description"`
	Input       string `json:"input"`
	Type        string `json:"type"`
}

func (o *Orchestrator) runSpawnSubagent(ctx context.Context, call ToolCall) {
	var in spawnSubagentInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		o.appendToolResult(call.ID, "invalid spawn_subagent input: "+err.Error(), true)
		return
	}
	taskID, err := o.agent.Submit(ctx, in.Input, "orchestrator", in.Type, in.Description)
	if err != nil {
		o.appendToolResult(call.ID, "spawn_subagent failed: "+err.Error(), true)
		return
	}
	o.appendToolResult(call.ID, fmt.Sprintf(`{"taskId":%q}`, taskID), false)
}

type resumeTaskInput struct {
	TaskID string `json:"task_id"`
	Input  string `json:"input"`
}

func (o *Orchestrator) runResumeTask(call ToolCall) {
	var in resumeTaskInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		o.appendToolResult(call.ID, "invalid resume_task input: "+err.Error(), true)
		return
	}
	if err := o.agent.Resume(in.TaskID, in.Input); err != nil {
		o.appendToolResult(call.ID, "resume_task failed: "+err.Error(), true)
		return
	}
	o.appendToolResult(call.ID, "resumed", false)
}

type useSkillInput struct {
	Name string `json:"name"`
	Args string `json:"args"`
}

func (o *Orchestrator) runUseSkill(ctx context.Context, call ToolCall) bool {
	var in useSkillInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		o.appendToolResult(call.ID, "invalid use_skill input: "+err.Error(), true)
		return true
	}
	skill, ok := o.skills.Get(in.Name)
	if !ok {
		o.appendToolResult(call.ID, (&ErrSkillNotFound{Name: in.Name}).Error(), true)
		return true
	}

	switch skill.Mode {
	case SkillModeFork:
		taskID, err := o.agent.Submit(ctx, skill.Body+"\n\n"+in.Args, "orchestrator", "", skill.Name)
		if err != nil {
			o.appendToolResult(call.ID, "use_skill fork failed: "+err.Error(), true)
			return false
		}
		o.appendToolResult(call.ID, fmt.Sprintf(`{"taskId":%q}`, taskID), false)
		return false
	default: // SkillModeInline
		o.appendToolResult(call.ID, "skill injected", false)
		o.appendAndPersist(Message{Role: RoleUser, Content: skill.Body})
		return true
	}
}

func (o *Orchestrator) runGenericTool(ctx context.Context, call ToolCall) bool {
	result, err := o.tools.Execute(ctx, "", toolreg.Call{ID: call.ID, Name: call.Name, Input: call.Input})
	if err != nil {
		o.appendToolResult(call.ID, err.Error(), true)
		return true
	}
	o.appendToolResult(call.ID, result.Content, result.IsError)
	return true
}

func (o *Orchestrator) appendToolResult(toolCallID, content string, isError bool) {
	meta := map[string]any{"isError": isError}
	o.appendAndPersist(Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, Metadata: meta})
}

// maybeCompact implements §4.5's compaction contract: estimate token usage
// as max(last-prompt-tokens-seen, full-session-estimate); if at or above
// threshold, summarize, archive, and reset.
func (o *Orchestrator) maybeCompact(ctx context.Context) {
	messages := o.session.Snapshot()
	fullEstimate := estimateTokens(messages)

	o.mu.Lock()
	estimate := o.lastPromptTok
	o.mu.Unlock()
	if fullEstimate > estimate {
		estimate = fullEstimate
	}

	threshold := int(o.compactThreshold * float64(o.contextWindow))
	if estimate < threshold {
		return
	}

	summary, err := o.model.Summarize(ctx, summarizerSystemPrompt, messages)
	if err != nil {
		logging.Warnf("orchestrator: compaction summarize failed: %v", err)
		return
	}

	substantial := len(messages) >= reflectMinMessages && countUserMessages(messages) >= reflectMinUserMsgs

	if err := o.log.Archive(Message{Role: RoleAssistant, Content: summary}); err != nil {
		logging.Warnf("orchestrator: compaction archive failed: %v", err)
		return
	}
	o.session.ResetToSummary(summary)
	o.mu.Lock()
	o.lastPromptTok = 0
	o.mu.Unlock()

	if o.reflector != nil && substantial {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logging.Errorf("orchestrator: reflection panic: %v", r)
				}
			}()
			if _, err := o.reflector.Reflect(context.Background(), messages, summary); err != nil {
				logging.Warnf("orchestrator: reflection failed: %v", err)
			}
		}()
	}
}

func countUserMessages(messages []Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

const summarizerSystemPrompt = "Summarize the conversation below for continuity after compaction. Preserve user goals, decisions made, and any unresolved tool failures."

// deliverError classifies a think-step error and, if a reply channel is
// known, delivers a user-visible error message for it (§4.5: "a user-visible
// error message is delivered on the inbound channel, classified: auth/
// rate-limit/generic LLM/other").
func (o *Orchestrator) deliverError(err error) {
	logging.Errorf("orchestrator: think step failed: %v", err)
	if o.reply == nil {
		return
	}
	o.mu.Lock()
	channelType, channelID := o.lastChannelType, o.lastChannelID
	o.mu.Unlock()
	if channelID == "" {
		return
	}
	msg := classifyError(err)
	if deliverErr := o.reply(channelType, channelID, msg, ""); deliverErr != nil {
		logging.Warnf("orchestrator: failed to deliver error message: %v", deliverErr)
	}
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, ErrAuthExpired):
		return "Authentication expired — please reconnect your model provider."
	case errors.Is(err, ErrRateLimited):
		return "Rate limited by the model provider — please try again shortly."
	default:
		return "Something went wrong talking to the model: " + err.Error()
	}
}

func builtinDefinitions() []toolreg.Definition {
	return []toolreg.Definition{
		{
			Name:        "reply",
			Description: "Deliver a user-visible reply message on a channel. The only way to produce visible output this turn.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"},"channelType":{"type":"string"},"channelId":{"type":"string"},"replyTo":{"type":"string"}},"required":["text"]}`),
		},
		{
			Name:        "spawn_subagent",
			Description: "Delegate work to a new Agent task. Results arrive later as a task notification.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"description":{"type":"string"},"input":{"type":"string"},"type":{"type":"string"}},"required":["input"]}`),
		},
		{
			Name:        "resume_task",
			Description: "Resume a previously completed Agent task with new input.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"task_id":{"type":"string"},"input":{"type":"string"}},"required":["task_id","input"]}`),
		},
		{
			Name:        "use_skill",
			Description: "Invoke a named skill, either forking a subagent task or injecting its body inline.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"args":{"type":"string"}},"required":["name"]}`),
		},
	}
}
