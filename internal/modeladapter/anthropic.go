// Package modeladapter wires the Agent's Thinker and the Conversation
// Orchestrator's ConversationModel to the Anthropic Messages API, using the
// official SDK the same way the teacher's internal/agent/ai.AnthropicProvider
// does: one client, one configured model, JSON tool schemas translated
// straight into the SDK's ToolParam shape.
//
// Both interfaces this package implements are black boxes by design (the
// reasoning/planning logic they sit behind is explicitly out of scope) —
// this is one concrete reference wiring behind each, not core orchestration
// logic.
package modeladapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomwork/loom/internal/agent"
	"github.com/loomwork/loom/internal/orchestrator"
	"github.com/loomwork/loom/internal/task"
	"github.com/loomwork/loom/internal/toolreg"
)

const defaultMaxTokens = 4096

// planToolName is the synthetic tool the Thinker forces the model to call so
// its reply arrives as parseable structured output instead of free text.
const planToolName = "submit_plan"

var planSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"needMoreInfo": {"type": "boolean"},
		"goal": {"type": "string"},
		"reasoning": {"type": "string"},
		"steps": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"description": {"type": "string"},
					"actionType": {"type": "string", "enum": ["tool_call", "respond", "stub"]},
					"toolName": {"type": "string"},
					"toolInput": {"type": "object"}
				},
				"required": ["description", "actionType"]
			}
		}
	},
	"required": ["needMoreInfo", "steps"]
}`)

// Adapter implements agent.Thinker and orchestrator.ConversationModel over a
// single Anthropic client and model.
type Adapter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// New constructs an Adapter. model should come from configuration, never be
// hardcoded, matching the teacher's NewAnthropicProvider contract.
func New(apiKey, model string, maxTokens int) *Adapter {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Adapter{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

var _ agent.Thinker = (*Adapter)(nil)
var _ orchestrator.ConversationModel = (*Adapter)(nil)

type planOutput struct {
	NeedMoreInfo bool   `json:"needMoreInfo"`
	Goal         string `json:"goal"`
	Reasoning    string `json:"reasoning"`
	Steps        []struct {
		Description string          `json:"description"`
		ActionType  string          `json:"actionType"`
		ToolName    string          `json:"toolName"`
		ToolInput   json.RawMessage `json:"toolInput"`
	} `json:"steps"`
}

// Think forces a submit_plan tool call so the model's plan arrives as
// structured JSON rather than prose the Agent would have to re-parse.
func (a *Adapter) Think(ctx context.Context, tc *task.Context, tools []toolreg.Definition) (agent.ThinkResult, error) {
	system := thinkSystemPrompt(tc)
	messages := buildThinkMessages(tc)
	toolDefs := append(toDefinitionParams(tools), anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
		Name:        planToolName,
		Description: anthropic.String("Submit the plan for this reasoning pass."),
		InputSchema: schemaToParam(planSchema),
	}})

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages:  messages,
		Tools:     toolDefs,
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: planToolName},
		},
	})
	if err != nil {
		return agent.ThinkResult{}, fmt.Errorf("modeladapter: think: %w", err)
	}

	for _, block := range msg.Content {
		toolUse, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok || toolUse.Name != planToolName {
			continue
		}
		var out planOutput
		if err := json.Unmarshal(toolUse.Input, &out); err != nil {
			return agent.ThinkResult{}, fmt.Errorf("modeladapter: decode plan: %w", err)
		}
		if out.NeedMoreInfo {
			return agent.ThinkResult{NeedMoreInfo: true}, nil
		}
		return agent.ThinkResult{Plan: toTaskPlan(out)}, nil
	}
	return agent.ThinkResult{}, fmt.Errorf("modeladapter: think: model did not call %s", planToolName)
}

func toTaskPlan(out planOutput) *task.Plan {
	plan := &task.Plan{Goal: out.Goal, Reasoning: out.Reasoning}
	for i, s := range out.Steps {
		step := task.Step{
			Index:       i,
			Description: s.Description,
			ActionType:  task.ActionType(s.ActionType),
		}
		if s.ToolName != "" {
			step.ActionParams = map[string]any{
				"name":  s.ToolName,
				"id":    fmt.Sprintf("call_%d", i),
				"input": []byte(s.ToolInput),
			}
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan
}

func thinkSystemPrompt(tc *task.Context) string {
	return fmt.Sprintf("You are planning the next step for task %q (type=%s). "+
		"Call %s with either needMoreInfo=true, or a goal/reasoning/steps plan.",
		tc.ID, tc.TaskType, planToolName)
}

func buildThinkMessages(tc *task.Context) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(tc.InputText)))
	for _, m := range tc.Messages {
		switch m.Role {
		case task.RoleUser:
			if m.Content == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case task.RoleAssistant:
			if m.Content != "" {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			}
		case task.RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	return out
}

// Chat implements orchestrator.ConversationModel: a free-form think step
// with real tool definitions, no forced tool choice — the conversation
// orchestrator's model decides for itself whether to call reply,
// spawn_subagent, resume_task, use_skill, or any registered tool.
func (a *Adapter) Chat(ctx context.Context, systemPrompt string, messages []orchestrator.Message, tools []toolreg.Definition) (orchestrator.ChatResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  buildChatMessages(messages),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = toDefinitionParams(tools)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return orchestrator.ChatResponse{}, classifyAnthropicErr(err)
	}

	var resp orchestrator.ChatResponse
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Text += b.Text
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, orchestrator.ToolCall{
				ID: b.ID, Name: b.Name, Input: json.RawMessage(b.Input),
			})
		}
	}
	return resp, nil
}

// Summarize condenses the session for compaction. Grounded on the teacher's
// runner.CollectToolFailures/FormatToolFailuresSection contract: a
// compaction summary must preserve unresolved tool failures, not just the
// narrative thread.
func (a *Adapter) Summarize(ctx context.Context, systemPrompt string, messages []orchestrator.Message) (string, error) {
	prompt := "Summarize this conversation for continuity after history is discarded. " +
		"Preserve user goals, decisions made, and any unresolved tool failures verbatim."
	if systemPrompt != "" {
		prompt = systemPrompt + "\n\n" + prompt
	}
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: prompt}},
		Messages:  buildChatMessages(messages),
	})
	if err != nil {
		return "", classifyAnthropicErr(err)
	}
	var out string
	for _, block := range msg.Content {
		if t, ok := block.AsAny().(anthropic.TextBlock); ok {
			out += t.Text
		}
	}
	return out, nil
}

// Reflect implements orchestrator.Reflector: an optional post-compaction
// pass producing durable takeaways rather than a continuity summary.
func (a *Adapter) Reflect(ctx context.Context, messages []orchestrator.Message, summary string) (string, error) {
	prompt := fmt.Sprintf("The conversation below was just compacted to this summary:\n\n%s\n\n"+
		"Looking at the full conversation, note any durable lessons, preferences, or "+
		"recurring issues worth remembering beyond this summary. Be brief.", summary)
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: prompt}},
		Messages:  buildChatMessages(messages),
	})
	if err != nil {
		return "", classifyAnthropicErr(err)
	}
	var out string
	for _, block := range msg.Content {
		if t, ok := block.AsAny().(anthropic.TextBlock); ok {
			out += t.Text
		}
	}
	return out, nil
}

var _ orchestrator.Reflector = (*Adapter)(nil)

func buildChatMessages(messages []orchestrator.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case orchestrator.RoleUser:
			if m.Content == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case orchestrator.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				_ = json.Unmarshal(tc.Input, &input)
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{ID: tc.ID, Name: tc.Name, Input: input},
				})
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.MessageParam{Role: anthropic.MessageParamRoleAssistant, Content: blocks})
			}
		case orchestrator.RoleTool:
			isError, _ := m.Metadata["isError"].(bool)
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, isError)))
		}
	}
	return out
}

func toDefinitionParams(tools []toolreg.Definition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: schemaToParam(t.InputSchema),
		}})
	}
	return out
}

func schemaToParam(raw json.RawMessage) anthropic.ToolInputSchemaParam {
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return anthropic.ToolInputSchemaParam{}
	}
	param := anthropic.ToolInputSchemaParam{Properties: schema["properties"]}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				param.Required = append(param.Required, s)
			}
		}
	}
	return param
}

// classifyAnthropicErr wraps an API error so the Conversation Orchestrator
// can route it to the right user-visible message (errors.Is against
// orchestrator.ErrAuthExpired/ErrRateLimited). The SDK surfaces HTTP status
// indirectly through its error message rather than a stable typed field, so
// classification matches on status text the way the teacher's own provider
// code logs raw error strings rather than asserting on SDK-internal types.
func classifyAnthropicErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "authentication_error"):
		return fmt.Errorf("%w: %s", orchestrator.ErrAuthExpired, msg)
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate_limit"):
		return fmt.Errorf("%w: %s", orchestrator.ErrRateLimited, msg)
	default:
		return fmt.Errorf("modeladapter: %w", err)
	}
}
