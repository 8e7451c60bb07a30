package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKnownTypes(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, ev Event)
	}{
		{
			name:  "thinking",
			frame: `{"type":"thinking","status":"reading files"}`,
			check: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.Thinking)
				assert.Equal(t, "reading files", ev.Thinking.Status)
			},
		},
		{
			name:  "text",
			frame: `{"type":"text","content":"hello"}`,
			check: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.Text)
				assert.Equal(t, "hello", ev.Text.Content)
			},
		},
		{
			name:  "tool_call with parent",
			frame: `{"type":"tool_call","tool_id":"t-2","name":"read_file","depth":1,"parent_id":"t-1","args":{"path":"main.go"}}`,
			check: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.ToolCall)
				assert.Equal(t, "t-2", ev.ToolCall.ToolID)
				assert.Equal(t, 1, ev.ToolCall.Depth)
				assert.Equal(t, "t-1", ev.ToolCall.ParentID)
				assert.Equal(t, "main.go", ev.ToolCall.Args["path"])
			},
		},
		{
			name:  "tool_result failure",
			frame: `{"type":"tool_result","tool_id":"t-2","result":"permission denied","is_error":true,"duration_ms":42}`,
			check: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.ToolResult)
				assert.True(t, ev.ToolResult.IsError)
				assert.EqualValues(t, 42, ev.ToolResult.DurationMS)
			},
		},
		{
			name:  "approval_needed",
			frame: `{"type":"approval_needed","tool_id":"t-3","name":"edit_file","path":"a.go","diff":"--- a\n+++ b\n"}`,
			check: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.ApprovalNeeded)
				assert.Equal(t, "edit_file", ev.ApprovalNeeded.Name)
			},
		},
		{
			name:  "choice",
			frame: `{"type":"choice","tool_id":"q-1","question":"pick one","options":[{"id":"a","label":"A"}],"allow_multiple":false}`,
			check: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.Choice)
				require.Len(t, ev.Choice.Options, 1)
				assert.Equal(t, "a", ev.Choice.Options[0].ID)
			},
		},
		{
			name:  "session_info with skip_approvals",
			frame: `{"type":"session_info","session_id":"s-1","run_id":"r-1","skip_approvals":true}`,
			check: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.SessionInfo)
				require.NotNil(t, ev.SessionInfo.SkipApprovals)
				assert.True(t, *ev.SessionInfo.SkipApprovals)
			},
		},
		{
			name:  "done with usage",
			frame: `{"type":"done","run_id":"r-1","usage":{"prompt_tokens":10,"completion_tokens":5,"cost_usd":0.01}}`,
			check: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.Done)
				assert.Equal(t, 10, ev.Done.Usage.PromptTokens)
			},
		},
		{
			name:  "error recoverable",
			frame: `{"type":"error","message":"rate limited","recoverable":true}`,
			check: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.Error)
				assert.True(t, ev.Error.Recoverable)
			},
		},
		{
			name:  "cancelled",
			frame: `{"type":"cancelled","run_id":"r-1"}`,
			check: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.Cancelled)
				assert.Equal(t, "r-1", ev.Cancelled.RunID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			require.NoError(t, ev.Validate())
			tt.check(t, ev)
		})
	}
}

func TestDecodeFailsClosed(t *testing.T) {
	_, err := Decode([]byte(`{"type":"telemetry","data":{}}`))
	require.ErrorIs(t, err, ErrUnknownEventType)

	_, err = Decode([]byte(`{"content":"no discriminator"}`))
	require.ErrorIs(t, err, ErrMissingType)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestEncodeRoundTrip(t *testing.T) {
	ev := Event{
		Type: EventToolCall,
		ToolCall: &ToolCallPayload{
			ToolID:   "t-9",
			Name:     "task",
			Depth:    0,
			ParentID: "",
		},
	}
	data, err := Encode(ev)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev.Type, back.Type)
	assert.Equal(t, ev.ToolCall.ToolID, back.ToolCall.ToolID)
	assert.Equal(t, ev.ToolCall.Name, back.ToolCall.Name)
}

func TestEncodeRejectsInconsistentUnion(t *testing.T) {
	_, err := Encode(Event{Type: EventText})
	require.Error(t, err)

	_, err = Encode(Event{Type: "bogus"})
	require.ErrorIs(t, err, ErrUnknownEventType)
}

func TestTerminal(t *testing.T) {
	assert.True(t, EventDone.Terminal())
	assert.True(t, EventError.Terminal())
	assert.True(t, EventCancelled.Terminal())
	assert.False(t, EventText.Terminal())
	assert.False(t, EventApprovalNeeded.Terminal())
}
