// Package transcript folds the ordered server event stream into the linear
// conversation transcript and the flat tool-item collection the tool tree is
// rebuilt from.
//
// The reducer is a per-run state machine (idle, active, settled). Events are
// applied strictly in arrival order; reconstruction of derived views happens
// wholesale on read, never incrementally.
package transcript

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/spool/pkg/gate"
	"github.com/odvcencio/spool/pkg/logging"
	"github.com/odvcencio/spool/pkg/protocol"
	"github.com/odvcencio/spool/pkg/session"
	"github.com/odvcencio/spool/pkg/tooltree"
)

// Phase is the reducer's per-run lifecycle state.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseActive  Phase = "active"
	PhaseSettled Phase = "settled"
)

// Option configures a Reducer.
type Option func(*Reducer)

// WithLogger attaches a structured logger.
func WithLogger(log *logging.Logger) Option {
	return func(r *Reducer) { r.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reducer) { r.now = now }
}

// WithAnomalyHook registers a callback invoked once per protocol anomaly,
// keyed by anomaly kind.
func WithAnomalyHook(fn func(kind string)) Option {
	return func(r *Reducer) { r.onAnomaly = fn }
}

// Reducer accumulates transcript and tool state for the active run. Safe for
// concurrent use; the run controller serializes Apply calls, renderers read
// snapshots concurrently.
type Reducer struct {
	mu        sync.Mutex
	gates     *gate.Controller
	sess      *session.Session
	log       *logging.Logger
	now       func() time.Time
	onAnomaly func(kind string)

	phase    Phase
	messages []*Message
	thinking string
	textRun  bool // tail assistant message belongs to the current unbroken text run

	items    map[string]*tooltree.Item
	order    []string // arrival order of tool ids for the active run
	nextSeq  int
	chainIdx int // index of the run's tool_chain message, -1 when absent

	usage    protocol.Usage
	hasUsage bool
	lastErr  *protocol.ErrorPayload
}

// NewReducer creates a reducer bound to the given gate controller and
// session record.
func NewReducer(gates *gate.Controller, sess *session.Session, opts ...Option) *Reducer {
	r := &Reducer{
		gates:    gates,
		sess:     sess,
		now:      time.Now,
		phase:    PhaseIdle,
		items:    make(map[string]*tooltree.Item),
		chainIdx: -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BeginRun resets per-run state, appends the user's message, and moves the
// reducer to the active phase. The transcript itself persists across runs.
func (r *Reducer) BeginRun(userText string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.phase = PhaseActive
	r.thinking = ""
	r.textRun = false
	r.items = make(map[string]*tooltree.Item)
	r.order = nil
	r.nextSeq = 0
	r.chainIdx = -1
	r.hasUsage = false
	r.usage = protocol.Usage{}
	r.lastErr = nil

	r.appendLocked(&Message{Role: RoleUser, Content: userText})
}

// Apply folds one server event into the reducer. Events arriving after the
// run has settled are a protocol anomaly and are ignored.
func (r *Reducer) Apply(ev protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase == PhaseSettled {
		r.anomalyLocked("event_after_settle", string(ev.Type), ev)
		return nil
	}
	if r.phase == PhaseIdle {
		r.phase = PhaseActive
	}

	// Any non-thinking event clears the ephemeral status line.
	if ev.Type != protocol.EventThinking {
		r.thinking = ""
	}

	switch ev.Type {
	case protocol.EventThinking:
		r.thinking = ev.Thinking.Status

	case protocol.EventText:
		r.applyTextLocked(ev.Text)

	case protocol.EventToolCall:
		r.textRun = false
		r.applyToolCallLocked(ev.ToolCall)

	case protocol.EventToolResult:
		r.textRun = false
		r.applyToolResultLocked(ev.ToolResult)

	case protocol.EventApprovalNeeded:
		r.textRun = false
		r.gates.OpenApproval(gate.PendingApproval{
			ToolID:  ev.ApprovalNeeded.ToolID,
			Name:    ev.ApprovalNeeded.Name,
			Path:    ev.ApprovalNeeded.Path,
			Diff:    ev.ApprovalNeeded.Diff,
			Preview: ev.ApprovalNeeded.ContentPreview,
		})

	case protocol.EventQuestion:
		// A bare question is a free-text-only choice.
		r.textRun = false
		r.gates.OpenChoice(gate.PendingChoice{
			ToolID:        ev.Question.ToolID,
			Question:      ev.Question.Question,
			AllowFreeText: true,
		})

	case protocol.EventChoice:
		r.textRun = false
		opts := make([]gate.ChoiceOption, 0, len(ev.Choice.Options))
		for _, o := range ev.Choice.Options {
			opts = append(opts, gate.ChoiceOption{ID: o.ID, Label: o.Label})
		}
		r.gates.OpenChoice(gate.PendingChoice{
			ToolID:        ev.Choice.ToolID,
			Question:      ev.Choice.Question,
			Options:       opts,
			AllowMultiple: ev.Choice.AllowMultiple,
		})

	case protocol.EventSessionInfo:
		r.sess.Merge(*ev.SessionInfo)
		r.log.SetRunID(ev.SessionInfo.RunID)

	case protocol.EventDone:
		r.usage = ev.Done.Usage
		r.hasUsage = true
		r.phase = PhaseSettled
		r.log.Info(logging.CategoryCost, "run_usage", "", map[string]any{
			"prompt_tokens":     ev.Done.Usage.PromptTokens,
			"completion_tokens": ev.Done.Usage.CompletionTokens,
			"cost_usd":          ev.Done.Usage.CostUSD,
		})

	case protocol.EventError:
		// Recoverable only hints what the surrounding UI offers next; the
		// run settles either way.
		r.appendLocked(&Message{Role: RoleError, Content: ev.Error.Message})
		errCopy := *ev.Error
		r.lastErr = &errCopy
		r.phase = PhaseSettled

	case protocol.EventCancelled:
		r.closeDanglingLocked()
		r.phase = PhaseSettled

	default:
		r.anomalyLocked("unknown_event_type", string(ev.Type), ev)
		return fmt.Errorf("%w: %q", protocol.ErrUnknownEventType, ev.Type)
	}
	return nil
}

// ForceCancelled synthesizes the terminal effects of a cancelled event. Used
// by the run controller when the user cancels locally.
func (r *Reducer) ForceCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseSettled {
		return
	}
	r.thinking = ""
	r.textRun = false
	r.closeDanglingLocked()
	r.phase = PhaseSettled
}

// AppendStatus appends a status entry outside the normal event flow, e.g. an
// auto-approval notice.
func (r *Reducer) AppendStatus(content string, autoApproved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(&Message{Role: RoleStatus, Content: content, AutoApproved: autoApproved})
}

func (r *Reducer) applyTextLocked(p *protocol.TextPayload) {
	if r.textRun && len(r.messages) > 0 {
		tail := r.messages[len(r.messages)-1]
		if tail.Role == RoleAssistant {
			tail.Content += p.Content
			return
		}
	}
	r.appendLocked(&Message{Role: RoleAssistant, Content: p.Content})
	r.textRun = true
}

func (r *Reducer) applyToolCallLocked(p *protocol.ToolCallPayload) {
	if item, ok := r.items[p.ToolID]; ok {
		// Re-announce: refresh descriptive fields, keep arrival order.
		item.Name = p.Name
		item.Description = p.Description
		item.Depth = p.Depth
		item.ParentID = p.ParentID
		item.Status = tooltree.StatusRunning
	} else {
		item := &tooltree.Item{
			ID:          p.ToolID,
			Kind:        tooltree.KindForName(p.Name),
			Depth:       p.Depth,
			Name:        p.Name,
			Description: p.Description,
			Status:      tooltree.StatusRunning,
			Seq:         r.nextSeq,
			ParentID:    p.ParentID,
			StartTime:   r.now(),
		}
		r.nextSeq++
		r.items[p.ToolID] = item
		r.order = append(r.order, p.ToolID)
	}

	if r.chainIdx < 0 {
		r.appendLocked(&Message{Role: RoleToolChain})
		r.chainIdx = len(r.messages) - 1
	}
	r.messages[r.chainIdx].ToolCount = len(r.order)
}

func (r *Reducer) applyToolResultLocked(p *protocol.ToolResultPayload) {
	item, ok := r.items[p.ToolID]
	if !ok {
		r.anomalyLocked("tool_result_unknown_id", p.ToolID, nil)
		return
	}
	if p.IsError {
		item.Status = tooltree.StatusError
	} else {
		item.Status = tooltree.StatusDone
	}
	item.Result = p.Result
	item.Preview = p.Preview
	item.DurationMS = p.DurationMS
	if p.Metadata != nil {
		item.Metadata = p.Metadata
	}
	item.EndTime = r.now()
}

// closeDanglingLocked forces every pending or running item to a terminal
// status so nothing renders as eternally running after cancellation.
func (r *Reducer) closeDanglingLocked() {
	for _, id := range r.order {
		item := r.items[id]
		if item.Status.Terminal() {
			continue
		}
		item.Status = tooltree.StatusError
		if item.Result == "" {
			item.Result = "cancelled"
		}
		item.EndTime = r.now()
	}
}

func (r *Reducer) appendLocked(m *Message) {
	m.ID = ulid.Make().String()
	m.Timestamp = r.now()
	r.messages = append(r.messages, m)
}

func (r *Reducer) anomalyLocked(kind, detail string, ev any) {
	r.log.Warn(logging.CategoryProtocol, kind, detail, map[string]any{"event": ev})
	if r.onAnomaly != nil {
		r.onAnomaly(kind)
	}
}

// Phase returns the reducer's lifecycle state.
func (r *Reducer) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Thinking returns the ephemeral status line, if any.
func (r *Reducer) Thinking() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thinking
}

// Usage returns the usage totals recorded by the last done event.
func (r *Reducer) Usage() (protocol.Usage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage, r.hasUsage
}

// LastError returns the error that settled the current run, if any.
func (r *Reducer) LastError() *protocol.ErrorPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastErr == nil {
		return nil
	}
	cp := *r.lastErr
	return &cp
}

// Messages returns a copy of the transcript in order.
func (r *Reducer) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, *m)
	}
	return out
}

// Items returns the active run's tool items in arrival order.
func (r *Reducer) Items() []tooltree.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tooltree.Item, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.items[id])
	}
	return out
}

// Forest rebuilds the tool tree from the current items.
func (r *Reducer) Forest() []*tooltree.Node {
	return tooltree.Build(r.Items())
}
