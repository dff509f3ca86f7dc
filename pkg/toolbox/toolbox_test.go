package toolbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
}

func newTestToolbox(t *testing.T) *Toolbox {
	builtins, err := Builtins(fixedNow)
	require.NoError(t, err)
	tb, err := NewToolbox(builtins...)
	require.NoError(t, err)
	return tb
}

func TestBuiltinsAreListedSorted(t *testing.T) {
	tb := newTestToolbox(t)
	listing := tb.List()
	require.Len(t, listing, 2)
	assert.Equal(t, "current_time", listing[0].Name)
	assert.Equal(t, "word_count", listing[1].Name)
	assert.Equal(t, KindBuiltin, listing[1].Kind)
	assert.Equal(t, "object", listing[1].Parameters["type"])
}

func TestWordCount(t *testing.T) {
	tb := newTestToolbox(t)
	out, err := tb.Execute(context.Background(), "wordCount", json.RawMessage(`{"text":"one two  three"}`))
	require.NoError(t, err)

	var res WordCountResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 3, res.Words)
	assert.Equal(t, 14, res.Characters)
}

func TestCurrentTime(t *testing.T) {
	tb := newTestToolbox(t)
	out, err := tb.Execute(context.Background(), "current_time", nil)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T12:30:00Z", out)
}

func TestInvalidArgumentsAreConfigErrors(t *testing.T) {
	tb := newTestToolbox(t)
	_, err := tb.Execute(context.Background(), "word_count", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))

	_, err = tb.Execute(context.Background(), "word_count", json.RawMessage(`{"text": 3}`))
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))
}

func TestUnknownTool(t *testing.T) {
	tb := newTestToolbox(t)
	_, err := tb.Execute(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDuplicateRegistration(t *testing.T) {
	tb := newTestToolbox(t)
	builtins, err := Builtins(fixedNow)
	require.NoError(t, err)
	err = tb.Register(builtins[0])
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
}

const scripts = `
tools:
  - name: greetUser
    description: Greets someone
    parameters:
      type: object
      properties:
        name:
          type: string
      required: [name]
    template: 'Hello, {{ .name | upper }}!'
`

func TestScriptedTool(t *testing.T) {
	tools, err := ParseScripts([]byte(scripts))
	require.NoError(t, err)
	require.Len(t, tools, 1)

	tb, err := NewToolbox(tools...)
	require.NoError(t, err)

	tool, err := tb.Get("greet_user")
	require.NoError(t, err)
	assert.Equal(t, KindScripted, tool.Describe().Kind)

	out, err := tb.Execute(context.Background(), "greet_user", json.RawMessage(`{"name":"ada"}`))
	require.NoError(t, err)
	assert.Equal(t, "Hello, ADA!", out)

	_, err = tb.Execute(context.Background(), "greet_user", json.RawMessage(`{}`))
	assert.True(t, errdefs.IsConfig(err))
}

func TestScriptParseErrors(t *testing.T) {
	_, err := ParseScripts([]byte("tools: [\n"))
	assert.True(t, errdefs.IsConfig(err))

	_, err = ParseScripts([]byte("tools:\n  - name: bad\n    template: '{{ .x '\n"))
	assert.True(t, errdefs.IsConfig(err))

	_, err = ParseScripts([]byte("tools:\n  - template: hi\n"))
	assert.True(t, errdefs.IsConfig(err))
}
