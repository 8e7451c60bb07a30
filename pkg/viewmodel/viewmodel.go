// Package viewmodel defines the render-ready snapshot types the engine
// exposes at its presentation boundary. Snapshots are plain, serializable
// values recomputed on each event; any renderer (terminal, web, or a test
// harness) consumes them without touching engine state.
package viewmodel

import (
	"time"

	"github.com/odvcencio/spool/pkg/diff"
)

// Snapshot captures everything a renderer needs for a single session.
type Snapshot struct {
	Session     SessionView   `json:"session"`
	Run         RunView       `json:"run"`
	Transcript  []MessageView `json:"transcript"`
	ToolTree    []ToolNode    `json:"toolTree,omitempty"`
	Approval    *ApprovalView `json:"approval,omitempty"`
	Choice      *ChoiceView   `json:"choice,omitempty"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// SessionView mirrors the session record for renderers.
type SessionView struct {
	SessionID     string   `json:"sessionId,omitempty"`
	RunID         string   `json:"runId,omitempty"`
	SessionName   string   `json:"sessionName,omitempty"`
	Sources       []string `json:"sources,omitempty"`
	SourceErrors  []string `json:"sourceErrors,omitempty"`
	SkipApprovals bool     `json:"skipApprovals"`
}

// RunView summarizes run lifecycle state and the outbound queue.
type RunView struct {
	Status      string     `json:"status"` // idle, streaming, settled
	Thinking    string     `json:"thinking,omitempty"`
	QueueLength int        `json:"queueLength"`
	Usage       UsageView  `json:"usage"`
	LastError   *ErrorView `json:"lastError,omitempty"`
}

// ErrorView carries the error that settled the current run. Recoverable
// hints whether the UI should invite an immediate retry or a fresh session.
type ErrorView struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// UsageView contains token and cost totals from the last settled run.
type UsageView struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	CacheReadTokens  int     `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int     `json:"cacheWriteTokens,omitempty"`
	CostUSD          float64 `json:"costUsd,omitempty"`
}

// MessageView is a render-friendly transcript entry.
type MessageView struct {
	ID              string    `json:"id"`
	Role            string    `json:"role"`
	Content         string    `json:"content,omitempty"`
	ToolName        string    `json:"toolName,omitempty"`
	ToolDescription string    `json:"toolDescription,omitempty"`
	ToolCount       int       `json:"toolCount,omitempty"`
	DurationMS      int64     `json:"durationMs,omitempty"`
	AutoApproved    bool      `json:"autoApproved,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ToolNode is one node of the reconstructed tool forest.
type ToolNode struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"` // task, tool
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Result      string         `json:"result,omitempty"`
	Preview     string         `json:"preview,omitempty"`
	Depth       int            `json:"depth"`
	Seq         int            `json:"seq"`
	DurationMS  int64          `json:"durationMs,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Children    []ToolNode     `json:"children,omitempty"`
}

// ApprovalView is an open approval request plus its derived diff stat.
type ApprovalView struct {
	ToolID   string     `json:"toolId"`
	Name     string     `json:"name"`
	Path     string     `json:"path,omitempty"`
	Diff     string     `json:"diff,omitempty"`
	DiffStat *diff.Stat `json:"diffStat,omitempty"`
	Preview  string     `json:"preview,omitempty"`
}

// ChoiceOptionView is one selectable answer of an open choice request.
type ChoiceOptionView struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ChoiceView is an open choice request.
type ChoiceView struct {
	ToolID        string             `json:"toolId"`
	Question      string             `json:"question"`
	Options       []ChoiceOptionView `json:"options,omitempty"`
	AllowMultiple bool               `json:"allowMultiple"`
	AllowFreeText bool               `json:"allowFreeText"`
}
