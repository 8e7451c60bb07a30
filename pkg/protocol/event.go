// Package protocol defines the wire vocabulary for streamed agent sessions.
//
// A session server emits a strictly ordered sequence of JSON objects, each
// carrying a "type" discriminator. This package decodes those frames into a
// tagged union and fails closed on anything outside the fixed vocabulary:
// an unknown type is a decoding error, never a guess.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies the kind of server event.
type EventType string

const (
	EventThinking       EventType = "thinking"
	EventText           EventType = "text"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventApprovalNeeded EventType = "approval_needed"
	EventQuestion       EventType = "question"
	EventChoice         EventType = "choice"
	EventSessionInfo    EventType = "session_info"
	EventDone           EventType = "done"
	EventError          EventType = "error"
	EventCancelled      EventType = "cancelled"
)

// ErrUnknownEventType is returned when a frame carries a type outside the
// fixed vocabulary.
var ErrUnknownEventType = errors.New("unknown event type")

// ErrMissingType is returned when a frame has no type discriminator.
var ErrMissingType = errors.New("missing event type")

// Terminal reports whether the event settles the run it belongs to.
func (t EventType) Terminal() bool {
	switch t {
	case EventDone, EventError, EventCancelled:
		return true
	}
	return false
}

// Event is the decoded form of one server frame. Exactly one payload pointer
// is non-nil, matching Type.
type Event struct {
	Type EventType `json:"type"`

	Thinking       *ThinkingPayload    `json:"-"`
	Text           *TextPayload        `json:"-"`
	ToolCall       *ToolCallPayload    `json:"-"`
	ToolResult     *ToolResultPayload  `json:"-"`
	ApprovalNeeded *ApprovalPayload    `json:"-"`
	Question       *QuestionPayload    `json:"-"`
	Choice         *ChoicePayload      `json:"-"`
	SessionInfo    *SessionInfoPayload `json:"-"`
	Done           *DonePayload        `json:"-"`
	Error          *ErrorPayload       `json:"-"`
	Cancelled      *CancelledPayload   `json:"-"`
}

// ThinkingPayload carries an ephemeral status line. It never becomes part of
// the durable transcript.
type ThinkingPayload struct {
	Status string `json:"status"`
}

// TextPayload carries a streamed assistant text delta.
type TextPayload struct {
	Content string `json:"content"`
}

// ToolCallPayload announces a tool invocation. ParentID references the
// enclosing delegation when the call runs inside a sub-agent.
type ToolCallPayload struct {
	ToolID      string         `json:"tool_id"`
	Name        string         `json:"name"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description,omitempty"`
	Depth       int            `json:"depth"`
	ParentID    string         `json:"parent_id,omitempty"`
}

// ToolResultPayload completes a previously announced tool invocation.
type ToolResultPayload struct {
	ToolID     string         `json:"tool_id"`
	Name       string         `json:"name,omitempty"`
	Result     string         `json:"result,omitempty"`
	Preview    string         `json:"preview,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Depth      int            `json:"depth,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// ApprovalPayload asks the user to approve a pending tool call.
type ApprovalPayload struct {
	ToolID         string `json:"tool_id"`
	Name           string `json:"name"`
	Path           string `json:"path,omitempty"`
	Diff           string `json:"diff,omitempty"`
	ContentPreview string `json:"content_preview,omitempty"`
}

// QuestionPayload asks the user a free-text question.
type QuestionPayload struct {
	Question string `json:"question"`
	ToolID   string `json:"tool_id"`
}

// ChoiceOption is one selectable answer of a choice request.
type ChoiceOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ChoicePayload asks the user to pick from a fixed option list.
type ChoicePayload struct {
	Question      string         `json:"question"`
	Options       []ChoiceOption `json:"options"`
	AllowMultiple bool           `json:"allow_multiple"`
	ToolID        string         `json:"tool_id"`
}

// SessionInfoPayload updates session-level identity and source state.
type SessionInfoPayload struct {
	SessionID     string   `json:"session_id"`
	RunID         string   `json:"run_id"`
	Sources       []string `json:"sources,omitempty"`
	SourceErrors  []string `json:"source_errors,omitempty"`
	SkipApprovals *bool    `json:"skip_approvals,omitempty"`
	SessionName   string   `json:"session_name,omitempty"`
}

// Usage aggregates token and cost totals for one run.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int     `json:"cache_write_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// DonePayload settles a run successfully.
type DonePayload struct {
	RunID string `json:"run_id"`
	Usage Usage  `json:"usage"`
}

// ErrorPayload settles a run with a failure. Recoverable only hints what the
// surrounding UI should offer next; the run settles either way.
type ErrorPayload struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// CancelledPayload settles a run after a cancellation.
type CancelledPayload struct {
	RunID string `json:"run_id"`
}

// Decode parses one wire frame. Payload fields sit at the top level of the
// frame next to the type discriminator.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if head.Type == "" {
		return Event{}, ErrMissingType
	}

	ev := Event{Type: head.Type}
	var payload any
	switch head.Type {
	case EventThinking:
		ev.Thinking = &ThinkingPayload{}
		payload = ev.Thinking
	case EventText:
		ev.Text = &TextPayload{}
		payload = ev.Text
	case EventToolCall:
		ev.ToolCall = &ToolCallPayload{}
		payload = ev.ToolCall
	case EventToolResult:
		ev.ToolResult = &ToolResultPayload{}
		payload = ev.ToolResult
	case EventApprovalNeeded:
		ev.ApprovalNeeded = &ApprovalPayload{}
		payload = ev.ApprovalNeeded
	case EventQuestion:
		ev.Question = &QuestionPayload{}
		payload = ev.Question
	case EventChoice:
		ev.Choice = &ChoicePayload{}
		payload = ev.Choice
	case EventSessionInfo:
		ev.SessionInfo = &SessionInfoPayload{}
		payload = ev.SessionInfo
	case EventDone:
		ev.Done = &DonePayload{}
		payload = ev.Done
	case EventError:
		ev.Error = &ErrorPayload{}
		payload = ev.Error
	case EventCancelled:
		ev.Cancelled = &CancelledPayload{}
		payload = ev.Cancelled
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, head.Type)
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", head.Type, err)
	}
	return ev, nil
}

// Encode serializes an event back into the flat wire shape Decode accepts.
func Encode(ev Event) ([]byte, error) {
	payload := ev.payload()
	if payload == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}
	typeRaw, err := json.Marshal(ev.Type)
	if err != nil {
		return nil, err
	}
	fields["type"] = typeRaw
	return json.Marshal(fields)
}

// payload returns the populated payload pointer for the event's type, or nil
// when the union is inconsistent.
func (e Event) payload() any {
	switch e.Type {
	case EventThinking:
		if e.Thinking != nil {
			return e.Thinking
		}
	case EventText:
		if e.Text != nil {
			return e.Text
		}
	case EventToolCall:
		if e.ToolCall != nil {
			return e.ToolCall
		}
	case EventToolResult:
		if e.ToolResult != nil {
			return e.ToolResult
		}
	case EventApprovalNeeded:
		if e.ApprovalNeeded != nil {
			return e.ApprovalNeeded
		}
	case EventQuestion:
		if e.Question != nil {
			return e.Question
		}
	case EventChoice:
		if e.Choice != nil {
			return e.Choice
		}
	case EventSessionInfo:
		if e.SessionInfo != nil {
			return e.SessionInfo
		}
	case EventDone:
		if e.Done != nil {
			return e.Done
		}
	case EventError:
		if e.Error != nil {
			return e.Error
		}
	case EventCancelled:
		if e.Cancelled != nil {
			return e.Cancelled
		}
	}
	return nil
}

// Validate checks that the union is consistent: a known type with its
// matching payload populated.
func (e Event) Validate() error {
	if e.Type == "" {
		return ErrMissingType
	}
	if e.payload() == nil {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	return nil
}
