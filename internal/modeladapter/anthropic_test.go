package modeladapter

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/orchestrator"
)

func TestSchemaToParam_ExtractsPropertiesAndRequired(t *testing.T) {
	raw := json.RawMessage(`{"type":"object","properties":{"x":{"type":"string"}},"required":["x"]}`)
	param := schemaToParam(raw)
	require.NotNil(t, param.Properties)
	require.Equal(t, []string{"x"}, param.Required)
}

func TestSchemaToParam_TolerantOfMalformedSchema(t *testing.T) {
	param := schemaToParam(json.RawMessage(`not json`))
	require.Nil(t, param.Properties)
	require.Empty(t, param.Required)
}

func TestBuildChatMessages_SkipsEmptyUserMessages(t *testing.T) {
	messages := []orchestrator.Message{
		{Role: orchestrator.RoleUser, Content: ""},
		{Role: orchestrator.RoleUser, Content: "hi"},
	}
	out := buildChatMessages(messages)
	require.Len(t, out, 1)
}

func TestBuildChatMessages_ToolResultCarriesIsErrorFromMetadata(t *testing.T) {
	messages := []orchestrator.Message{
		{Role: orchestrator.RoleTool, Content: "boom", ToolCallID: "c1", Metadata: map[string]any{"isError": true}},
	}
	out := buildChatMessages(messages)
	require.Len(t, out, 1)
}

func TestToTaskPlan_MapsStepsAndToolParams(t *testing.T) {
	out := planOutput{
		Goal: "do thing",
		Steps: []struct {
			Description string          `json:"description"`
			ActionType  string          `json:"actionType"`
			ToolName    string          `json:"toolName"`
			ToolInput   json.RawMessage `json:"toolInput"`
		}{
			{Description: "call it", ActionType: "tool_call", ToolName: "echo", ToolInput: json.RawMessage(`{"a":1}`)},
			{Description: "reply", ActionType: "respond"},
		},
	}
	plan := toTaskPlan(out)
	require.Equal(t, "do thing", plan.Goal)
	require.Len(t, plan.Steps, 2)
	require.Equal(t, "echo", plan.Steps[0].ActionParams["name"])
	require.Nil(t, plan.Steps[1].ActionParams)
}

func TestClassifyAnthropicErr_MapsAuthAndRateLimit(t *testing.T) {
	authErr := classifyAnthropicErr(errors.New("401 authentication_error: invalid key"))
	require.True(t, errors.Is(authErr, orchestrator.ErrAuthExpired))

	rlErr := classifyAnthropicErr(errors.New("429 rate_limit_error: slow down"))
	require.True(t, errors.Is(rlErr, orchestrator.ErrRateLimited))

	other := classifyAnthropicErr(errors.New("500 internal error"))
	require.False(t, errors.Is(other, orchestrator.ErrAuthExpired))
	require.False(t, errors.Is(other, orchestrator.ErrRateLimited))
}
