package toolreg

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type echoTool struct{}

func (echoTool) Name() string               { return "echo" }
func (echoTool) Description() string        { return "echoes its input" }
func (echoTool) Schema() json.RawMessage    { return json.RawMessage(`{}`) }
func (echoTool) Execute(_ context.Context, input json.RawMessage) (Result, error) {
	return Result{Content: string(input)}, nil
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r := New()
	res, err := r.Execute(context.Background(), "default", Call{Name: "nope"})
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestRegistry_AllowListRejectsUnlisted(t *testing.T) {
	r := New()
	r.Register(echoTool{})
	r.AllowForTaskType("restricted", "other_tool")

	_, err := r.Execute(context.Background(), "restricted", Call{Name: "echo", Input: json.RawMessage(`"hi"`)})
	require.Error(t, err)
	var nae *NotAllowedError
	require.ErrorAs(t, err, &nae)
}

func TestRegistry_UnscopedTaskTypeAllowsAny(t *testing.T) {
	r := New()
	r.Register(echoTool{})

	res, err := r.Execute(context.Background(), "default", Call{Name: "echo", Input: json.RawMessage(`"hi"`)})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, `"hi"`, res.Content)
}

func TestRegistry_DefinitionsFilteredByAllowList(t *testing.T) {
	r := New()
	r.Register(echoTool{})
	r.AllowForTaskType("scoped", "echo")

	defs := r.Definitions("scoped")
	require.Len(t, defs, 1)
	require.Equal(t, "echo", defs[0].Name)

	defs = r.Definitions("scoped_other")
	require.Len(t, defs, 1, "an unscoped-but-unused task type still sees registered tools")
}

type strictTool struct{}

func (strictTool) Name() string        { return "strict" }
func (strictTool) Description() string { return "requires a string 'name' field" }
func (strictTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`)
}
func (strictTool) Execute(_ context.Context, input json.RawMessage) (Result, error) {
	return Result{Content: string(input)}, nil
}

func TestRegistry_ExecuteRejectsInputFailingSchema(t *testing.T) {
	r := New()
	r.Register(strictTool{})

	res, err := r.Execute(context.Background(), "default", Call{Name: "strict", Input: json.RawMessage(`{}`)})
	require.NoError(t, err, "a validation failure is a non-throwing structured error")
	require.True(t, res.IsError)
	require.Contains(t, res.Content, "strict")
}

func TestRegistry_ExecuteAcceptsInputSatisfyingSchema(t *testing.T) {
	r := New()
	r.Register(strictTool{})

	res, err := r.Execute(context.Background(), "default", Call{Name: "strict", Input: json.RawMessage(`{"name": "ok"}`)})
	require.NoError(t, err)
	require.False(t, res.IsError)
}

func TestRegistry_ExecuteTracksPerToolStats(t *testing.T) {
	r := New()
	r.Register(echoTool{})
	r.Register(strictTool{})

	_, _ = r.Execute(context.Background(), "default", Call{Name: "echo", Input: json.RawMessage(`"hi"`)})
	_, _ = r.Execute(context.Background(), "default", Call{Name: "strict", Input: json.RawMessage(`{}`)})

	echoStats := r.StatsFor("echo")
	require.Equal(t, 1, echoStats.Calls)
	require.Equal(t, 1, echoStats.Successes)
	require.Equal(t, 0, echoStats.Failures)

	strictStats := r.StatsFor("strict")
	require.Equal(t, 1, strictStats.Calls)
	require.Equal(t, 0, strictStats.Successes)
	require.Equal(t, 1, strictStats.Failures)
}

type oversizedTool struct{ size int }

func (t oversizedTool) Name() string               { return "oversized" }
func (oversizedTool) Description() string     { return "returns a huge result" }
func (oversizedTool) Schema() json.RawMessage { return json.RawMessage(`{}`) }
func (t oversizedTool) Execute(_ context.Context, _ json.RawMessage) (Result, error) {
	return Result{Content: string(make([]byte, t.size))}, nil
}

func TestRegistry_ExecuteTruncatesOversizedResults(t *testing.T) {
	r := New()
	r.Register(oversizedTool{size: maxResultChars + 500})

	res, err := r.Execute(context.Background(), "default", Call{Name: "oversized"})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, res.Content, maxResultChars+len(truncationMarker))
	require.Contains(t, res.Content, truncationMarker)
}
