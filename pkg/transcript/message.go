package transcript

import "time"

// Role classifies a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleStatus    Role = "status"
	RoleError     Role = "error"
	RoleThinking  Role = "thinking"
	RoleToolChain Role = "tool_chain"
)

// Message is one transcript entry. Entries are immutable once appended,
// except the tail assistant message, which accumulates streamed text, and
// the run's tool_chain entry, whose ToolCount tracks arrivals.
type Message struct {
	ID              string    `json:"id"`
	Role            Role      `json:"role"`
	Content         string    `json:"content,omitempty"`
	ToolName        string    `json:"toolName,omitempty"`
	ToolDescription string    `json:"toolDescription,omitempty"`
	ToolCount       int       `json:"toolCount,omitempty"`
	DurationMS      int64     `json:"durationMs,omitempty"`
	AutoApproved    bool      `json:"autoApproved,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
