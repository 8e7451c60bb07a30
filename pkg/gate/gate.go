// Package gate manages the synchronous barriers that pause new user input
// during a run: at most one outstanding approval request and at most one
// outstanding choice request at a time.
//
// The protocol never emits both for the same tool id, but the client does
// not assume that: when both happen to be set, Active returns the approval
// and the choice stays inert until the approval resolves.
package gate

import (
	"errors"
	"sync"

	"github.com/odvcencio/spool/pkg/logging"
)

// ApprovalDecision is the user's answer to an approval request.
type ApprovalDecision string

const (
	// ApproveOnce approves this one call.
	ApproveOnce ApprovalDecision = "once"
	// ApproveAlways approves and remembers the tool for this project.
	ApproveAlways ApprovalDecision = "always"
	// Reject declines the call, optionally with free-text feedback.
	Reject ApprovalDecision = "reject"
)

// ErrEmptyResolution is returned when a non-cancelled choice resolution
// selects nothing and carries no free-text answer.
var ErrEmptyResolution = errors.New("choice resolution selects nothing")

// PendingApproval is an open approval request.
type PendingApproval struct {
	ToolID  string
	Name    string
	Path    string
	Diff    string
	Preview string
}

// ChoiceOption is one selectable answer of a pending choice.
type ChoiceOption struct {
	ID    string
	Label string
}

// PendingChoice is an open choice request. A free-text question from the
// server is represented as a choice with no options and AllowFreeText set.
type PendingChoice struct {
	ToolID        string
	Question      string
	Options       []ChoiceOption
	AllowMultiple bool
	AllowFreeText bool
}

// ApprovalResolution is the caller's answer to a pending approval.
type ApprovalResolution struct {
	Decision ApprovalDecision
	Feedback string
}

// ChoiceResolution is the caller's answer to a pending choice. Cancelled is
// distinct from selecting zero options.
type ChoiceResolution struct {
	SelectedIDs []string
	FreeText    string
	Cancelled   bool
}

// Validate rejects a commit that selects nothing. Cancellation is always
// valid.
func (r ChoiceResolution) Validate() error {
	if r.Cancelled {
		return nil
	}
	if len(r.SelectedIDs) == 0 && r.FreeText == "" {
		return ErrEmptyResolution
	}
	return nil
}

// Kind identifies which barrier, if any, currently owns user input.
type Kind int

const (
	KindNone Kind = iota
	KindApproval
	KindChoice
)

// Gate is the single input-owning barrier surfaced to renderers. At most one
// of Approval and Choice is non-nil, matching Kind.
type Gate struct {
	Kind     Kind
	Approval *PendingApproval
	Choice   *PendingChoice
}

// Controller enforces the singleton discipline and defines the permitted
// resolutions. Safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	approval *PendingApproval
	choice   *PendingChoice
	log      *logging.Logger
}

// NewController creates a gate controller. The logger may be nil.
func NewController(log *logging.Logger) *Controller {
	return &Controller{log: log}
}

// OpenApproval opens the approval barrier. A second approval while one is
// outstanding is a protocol anomaly: it is logged and the original is kept.
func (c *Controller) OpenApproval(p PendingApproval) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.approval != nil {
		c.log.Warn(logging.CategoryGate, "approval_already_open",
			"approval_needed while an approval is outstanding", map[string]any{
				"open_tool_id": c.approval.ToolID,
				"new_tool_id":  p.ToolID,
			})
		return false
	}
	cp := p
	c.approval = &cp
	c.log.Info(logging.CategoryGate, "approval_opened", p.Name, map[string]any{"tool_id": p.ToolID})
	return true
}

// OpenChoice opens the choice barrier, with the same singleton discipline as
// OpenApproval.
func (c *Controller) OpenChoice(p PendingChoice) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.choice != nil {
		c.log.Warn(logging.CategoryGate, "choice_already_open",
			"choice while a choice is outstanding", map[string]any{
				"open_tool_id": c.choice.ToolID,
				"new_tool_id":  p.ToolID,
			})
		return false
	}
	cp := p
	cp.Options = append([]ChoiceOption(nil), p.Options...)
	c.choice = &cp
	c.log.Info(logging.CategoryGate, "choice_opened", p.Question, map[string]any{"tool_id": p.ToolID})
	return true
}

// Open reports whether any barrier is outstanding.
func (c *Controller) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approval != nil || c.choice != nil
}

// Active returns the barrier that currently owns input. Approval takes
// priority when both are somehow outstanding.
func (c *Controller) Active() Gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.approval != nil {
		cp := *c.approval
		return Gate{Kind: KindApproval, Approval: &cp}
	}
	if c.choice != nil {
		cp := *c.choice
		cp.Options = append([]ChoiceOption(nil), c.choice.Options...)
		return Gate{Kind: KindChoice, Choice: &cp}
	}
	return Gate{Kind: KindNone}
}

// PendingApproval returns the outstanding approval, if any.
func (c *Controller) PendingApproval() *PendingApproval {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.approval == nil {
		return nil
	}
	cp := *c.approval
	return &cp
}

// PendingChoice returns the outstanding choice, if any.
func (c *Controller) PendingChoice() *PendingChoice {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.choice == nil {
		return nil
	}
	cp := *c.choice
	cp.Options = append([]ChoiceOption(nil), c.choice.Options...)
	return &cp
}

// ResolveApproval clears the approval barrier for toolID. Resolving a
// stale or closed gate is a no-op, reported by the second return value.
func (c *Controller) ResolveApproval(toolID string, res ApprovalResolution) (PendingApproval, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.approval == nil || c.approval.ToolID != toolID {
		c.log.Debug(logging.CategoryGate, "approval_stale", "resolution for a closed approval gate",
			map[string]any{"tool_id": toolID})
		return PendingApproval{}, false
	}
	resolved := *c.approval
	c.approval = nil
	c.log.Info(logging.CategoryGate, "approval_resolved", string(res.Decision),
		map[string]any{"tool_id": toolID})
	return resolved, true
}

// ResolveChoice clears the choice barrier for toolID. The choice selector is
// inert while an approval is outstanding, and resolving a stale or closed
// gate is a no-op.
func (c *Controller) ResolveChoice(toolID string, res ChoiceResolution) (PendingChoice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.approval != nil {
		c.log.Debug(logging.CategoryGate, "choice_inert", "choice resolution while approval is open",
			map[string]any{"tool_id": toolID})
		return PendingChoice{}, false
	}
	if c.choice == nil || c.choice.ToolID != toolID {
		c.log.Debug(logging.CategoryGate, "choice_stale", "resolution for a closed choice gate",
			map[string]any{"tool_id": toolID})
		return PendingChoice{}, false
	}
	resolved := *c.choice
	c.choice = nil
	outcome := "committed"
	if res.Cancelled {
		outcome = "cancelled"
	}
	c.log.Info(logging.CategoryGate, "choice_resolved", outcome, map[string]any{"tool_id": toolID})
	return resolved, true
}

// Reset drops any outstanding barriers. Used when a run settles with gates
// still open after a cancellation.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approval = nil
	c.choice = nil
}
