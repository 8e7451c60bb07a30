package simserver

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/odvcencio/spool/pkg/protocol"
)

// scriptFor picks a canned event sequence based on the first word of the
// user's message. Unknown messages get the plain text script.
func scriptFor(message, sessionID, runID string) []protocol.Event {
	word := strings.ToLower(strings.Fields(message + " x")[0])
	switch word {
	case "tools":
		return toolScript(sessionID, runID)
	case "approve":
		return approvalScript(sessionID, runID)
	case "ask":
		return choiceScript(sessionID, runID)
	case "fail":
		return errorScript(sessionID, runID)
	default:
		return textScript(sessionID, runID)
	}
}

func sessionInfo(sessionID, runID string) protocol.Event {
	return protocol.Event{Type: protocol.EventSessionInfo, SessionInfo: &protocol.SessionInfoPayload{
		SessionID:   sessionID,
		RunID:       runID,
		SessionName: "simulated session",
		Sources:     []string{"README.md", "go.mod"},
	}}
}

func thinking(status string) protocol.Event {
	return protocol.Event{Type: protocol.EventThinking, Thinking: &protocol.ThinkingPayload{Status: status}}
}

func text(content string) protocol.Event {
	return protocol.Event{Type: protocol.EventText, Text: &protocol.TextPayload{Content: content}}
}

func toolCall(id, name, desc string, depth int, parent string) protocol.Event {
	return protocol.Event{Type: protocol.EventToolCall, ToolCall: &protocol.ToolCallPayload{
		ToolID: id, Name: name, Description: desc, Depth: depth, ParentID: parent,
	}}
}

func toolResult(id, result string, isErr bool) protocol.Event {
	return protocol.Event{Type: protocol.EventToolResult, ToolResult: &protocol.ToolResultPayload{
		ToolID: id, Result: result, DurationMS: 120, IsError: isErr,
	}}
}

func done(runID string) protocol.Event {
	return protocol.Event{Type: protocol.EventDone, Done: &protocol.DonePayload{
		RunID: runID,
		Usage: protocol.Usage{PromptTokens: 1841, CompletionTokens: 312, CostUSD: 0.0042},
	}}
}

func textScript(sessionID, runID string) []protocol.Event {
	return []protocol.Event{
		sessionInfo(sessionID, runID),
		thinking("reading the question"),
		text("Here is "),
		text("a streamed "),
		text("answer, split across frames."),
		done(runID),
	}
}

func toolScript(sessionID, runID string) []protocol.Event {
	return []protocol.Event{
		sessionInfo(sessionID, runID),
		thinking("planning tool calls"),
		toolCall("t-1", "grep", "search for handlers", 0, ""),
		toolResult("t-1", "3 matches", false),
		toolCall("t-2", "task", "delegate: summarize matches", 0, ""),
		toolCall("t-3", "read_file", "read server.go", 1, "t-2"),
		toolResult("t-3", "212 lines", false),
		toolCall("t-4", "read_file", "read router.go", 1, "t-2"),
		toolResult("t-4", "88 lines", false),
		toolResult("t-2", "summary ready", false),
		text("Found three handlers; two share a router."),
		done(runID),
	}
}

func approvalScript(sessionID, runID string) []protocol.Event {
	return []protocol.Event{
		sessionInfo(sessionID, runID),
		thinking("preparing an edit"),
		toolCall("t-1", "edit_file", "update the listen address", 0, ""),
		{Type: protocol.EventApprovalNeeded, ApprovalNeeded: &protocol.ApprovalPayload{
			ToolID: "t-1",
			Name:   "edit_file",
			Path:   "config/server.go",
			Diff:   fixtureDiff(),
		}},
		toolResult("t-1", "file updated", false),
		text("Listen address updated."),
		done(runID),
	}
}

func choiceScript(sessionID, runID string) []protocol.Event {
	return []protocol.Event{
		sessionInfo(sessionID, runID),
		{Type: protocol.EventChoice, Choice: &protocol.ChoicePayload{
			ToolID:   "q-1",
			Question: "Which environment should this target?",
			Options: []protocol.ChoiceOption{
				{ID: "dev", Label: "Development"},
				{ID: "staging", Label: "Staging"},
				{ID: "prod", Label: "Production"},
			},
		}},
		text("Targeting the environment you picked."),
		done(runID),
	}
}

func errorScript(sessionID, runID string) []protocol.Event {
	return []protocol.Event{
		sessionInfo(sessionID, runID),
		thinking("contacting the model"),
		{Type: protocol.EventError, Error: &protocol.ErrorPayload{
			Message:     "upstream model returned 529, try again shortly",
			Recoverable: true,
		}},
	}
}

// fixtureDiff produces a realistic unified diff for the approval script.
func fixtureDiff() string {
	before := strings.Join([]string{
		"package config",
		"",
		"const (",
		`	ListenAddr = "0.0.0.0:8080"`,
		"	ReadTimeout = 30",
		")",
		"",
	}, "\n")
	after := strings.Join([]string{
		"package config",
		"",
		"const (",
		`	ListenAddr = "127.0.0.1:8080"`,
		"	ReadTimeout = 30",
		")",
		"",
	}, "\n")

	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/config/server.go",
		ToFile:   "b/config/server.go",
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return fmt.Sprintf("diff unavailable: %v", err)
	}
	return out
}
