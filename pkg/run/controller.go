// Package run owns the run lifecycle for one interactive session: starting
// runs, consuming the server event stream, the outbound FIFO queue, gate
// resolution entry points, and cancellation. It composes the transcript
// reducer, the gate controller, and the session record, and exposes plain
// snapshots at the presentation boundary.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/spool/pkg/bus"
	"github.com/odvcencio/spool/pkg/diff"
	"github.com/odvcencio/spool/pkg/gate"
	"github.com/odvcencio/spool/pkg/logging"
	"github.com/odvcencio/spool/pkg/observability"
	"github.com/odvcencio/spool/pkg/protocol"
	"github.com/odvcencio/spool/pkg/session"
	"github.com/odvcencio/spool/pkg/tooltree"
	"github.com/odvcencio/spool/pkg/transcript"
	"github.com/odvcencio/spool/pkg/viewmodel"
)

// Status is the run lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStreaming Status = "streaming"
	StatusSettled   Status = "settled"
)

// ErrBusy is returned when a slash command arrives while a run is streaming
// or a gate is open. Commands require a clean state and are never queued.
var ErrBusy = errors.New("a run is in flight or a gate is open")

// SubmitOutcome reports what happened to a submitted input.
type SubmitOutcome string

const (
	// OutcomeSent means the text started a new run immediately.
	OutcomeSent SubmitOutcome = "sent"
	// OutcomeQueued means the text joined the outbound queue.
	OutcomeQueued SubmitOutcome = "queued"
	// OutcomeCommand means the text was dispatched as a slash command.
	OutcomeCommand SubmitOutcome = "command"
	// OutcomeRejected means the input was dropped, not queued.
	OutcomeRejected SubmitOutcome = "rejected"
)

// EventStream yields decoded server events in arrival order. Recv returns
// io.EOF after the stream's terminal event has been delivered.
type EventStream interface {
	Recv(ctx context.Context) (protocol.Event, error)
	Close() error
}

// Transport is the client-to-server half of the session contract. Any
// implementation that delivers the event union in order and accepts these
// four operations can back the controller.
type Transport interface {
	StartRun(ctx context.Context, message string) (EventStream, error)
	ResolveApproval(ctx context.Context, toolID string, res gate.ApprovalResolution) error
	ResolveChoice(ctx context.Context, toolID string, res gate.ChoiceResolution) error
	CancelRun(ctx context.Context, runID string) error
}

// QueuedMessage is a user message waiting for the current run to settle.
type QueuedMessage struct {
	Content   string
	Timestamp time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger attaches a structured logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithBus publishes a snapshot to the bus after every state change.
func WithBus(b bus.MessageBus) Option {
	return func(c *Controller) { c.snapBus = b }
}

// WithOnUpdate registers an in-process snapshot callback.
func WithOnUpdate(fn func(viewmodel.Snapshot)) Option {
	return func(c *Controller) { c.onUpdate = fn }
}

// WithCommandHandler sets the dispatcher for slash commands. Without one,
// commands are rejected even when idle.
func WithCommandHandler(fn func(command string) error) Option {
	return func(c *Controller) { c.command = fn }
}

// WithSkipApprovals seeds the skip-approvals preference.
func WithSkipApprovals(skip bool) Option {
	return func(c *Controller) { c.skipApprovals = true; c.skipApprovalsVal = skip }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller reconciles one session. All mutation of the transcript, tool
// items, and session record flows through it; renderers only read recomputed
// snapshots.
type Controller struct {
	mu        sync.Mutex
	transport Transport
	reducer   *transcript.Reducer
	gates     *gate.Controller
	sess      *session.Session
	log       *logging.Logger
	snapBus   bus.MessageBus
	onUpdate  func(viewmodel.Snapshot)
	command   func(string) error
	now       func() time.Time

	skipApprovals    bool
	skipApprovalsVal bool

	status     Status
	queue      []QueuedMessage
	cancelRun  context.CancelFunc
	runStarted time.Time
	runToken   int // incremented per run so stale stream goroutines are ignored
}

// NewController creates a controller over the given transport.
func NewController(transport Transport, opts ...Option) *Controller {
	c := &Controller{
		transport: transport,
		now:       time.Now,
		status:    StatusIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sess = session.New(c.skipApprovals && c.skipApprovalsVal)
	c.gates = gate.NewController(c.log)
	c.reducer = transcript.NewReducer(c.gates, c.sess,
		transcript.WithLogger(c.log),
		transcript.WithClock(c.now),
		transcript.WithAnomalyHook(func(kind string) {
			metricAnomalies.WithLabelValues(kind).Inc()
		}),
	)
	return c
}

// Status returns the run lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// QueueLen returns the outbound queue length.
func (c *Controller) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Session returns the session record.
func (c *Controller) Session() *session.Session {
	return c.sess
}

// Gates returns the gate controller.
func (c *Controller) Gates() *gate.Controller {
	return c.gates
}

// Submit routes one piece of user input.
//
// Precedence: slash commands are rejected outright while a run is streaming
// or a gate is open, and dispatched when idle; plain text is queued while
// busy and sent immediately otherwise.
func (c *Controller) Submit(text string) (SubmitOutcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return OutcomeRejected, nil
	}

	isCommand := strings.HasPrefix(text, "/")

	c.mu.Lock()
	busy := c.status == StatusStreaming || c.gates.Open()

	if isCommand {
		c.mu.Unlock()
		if busy {
			c.log.Info(logging.CategoryRun, "command_rejected", text, nil)
			return OutcomeRejected, ErrBusy
		}
		if c.command == nil {
			return OutcomeRejected, fmt.Errorf("no command handler for %q", text)
		}
		return OutcomeCommand, c.command(text)
	}

	if busy {
		c.queue = append(c.queue, QueuedMessage{Content: text, Timestamp: c.now()})
		metricQueueDepth.Set(float64(len(c.queue)))
		c.log.Info(logging.CategoryRun, "message_queued", "", map[string]any{"queue_len": len(c.queue)})
		c.mu.Unlock()
		c.publish()
		return OutcomeQueued, nil
	}

	c.startRunLocked(text)
	c.mu.Unlock()
	c.publish()
	return OutcomeSent, nil
}

// startRunLocked transitions to streaming and launches the consumer
// goroutine. Caller holds c.mu.
func (c *Controller) startRunLocked(text string) {
	c.status = StatusStreaming
	c.runStarted = c.now()
	c.runToken++
	token := c.runToken

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel

	c.reducer.BeginRun(text)
	c.log.Info(logging.CategoryRun, "run_started", "", nil)

	go c.consume(ctx, token, text)
}

// consume drives one run's event stream to its terminal event.
func (c *Controller) consume(ctx context.Context, token int, text string) {
	ctx, span := observability.StartSpan(ctx, "run")
	defer span.End()

	stream, err := c.transport.StartRun(ctx, text)
	if err != nil {
		observability.RecordError(ctx, err)
		c.handleEvent(ctx, token, protocol.Event{
			Type:  protocol.EventError,
			Error: &protocol.ErrorPayload{Message: fmt.Sprintf("failed to start run: %v", err)},
		})
		return
	}
	defer stream.Close()

	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			if c.runOver(token) || errors.Is(err, context.Canceled) {
				return
			}
			// The connection died before a terminal event arrived. The
			// transport adapter normally synthesizes this; cover any
			// transport here as well.
			msg := "stream closed before terminal event"
			if !errors.Is(err, io.EOF) {
				msg = fmt.Sprintf("%s: %v", msg, err)
			}
			observability.RecordError(ctx, err)
			c.handleEvent(ctx, token, protocol.Event{
				Type:  protocol.EventError,
				Error: &protocol.ErrorPayload{Message: msg},
			})
			return
		}

		terminal := ev.Type.Terminal()
		c.handleEvent(ctx, token, ev)
		if terminal {
			return
		}
	}
}

// runOver reports whether the given run has already settled or been
// superseded.
func (c *Controller) runOver(token int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return token != c.runToken || c.status != StatusStreaming
}

// handleEvent folds one event into engine state and performs the
// post-transition work (gate metrics, auto-approval, drain, publish).
func (c *Controller) handleEvent(ctx context.Context, token int, ev protocol.Event) {
	c.mu.Lock()
	if token != c.runToken || c.status != StatusStreaming {
		c.mu.Unlock()
		c.log.Debug(logging.CategoryStream, "stale_event_dropped", string(ev.Type), nil)
		return
	}

	metricEvents.WithLabelValues(string(ev.Type)).Inc()
	observability.AddEvent(ctx, "event", observability.AttrEventType.String(string(ev.Type)))

	if err := c.reducer.Apply(ev); err != nil {
		c.log.Error(logging.CategoryStream, "apply_failed", err.Error(), nil)
	}

	var autoApprove *protocol.ApprovalPayload
	switch ev.Type {
	case protocol.EventApprovalNeeded:
		metricGatesOpened.WithLabelValues("approval").Inc()
		if c.sess.SkipApprovals() {
			autoApprove = ev.ApprovalNeeded
		}
	case protocol.EventQuestion, protocol.EventChoice:
		metricGatesOpened.WithLabelValues("choice").Inc()
	case protocol.EventDone:
		c.settleLocked("done")
	case protocol.EventError:
		c.settleLocked("error")
	case protocol.EventCancelled:
		c.settleLocked("cancelled")
	}
	c.mu.Unlock()

	if autoApprove != nil {
		c.autoApprove(autoApprove)
	}
	c.drainIfReady()
	c.publish()
}

// settleLocked records settlement. Caller holds c.mu.
func (c *Controller) settleLocked(outcome string) {
	c.status = StatusSettled
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	metricRunsSettled.WithLabelValues(outcome).Inc()
	metricRunDuration.Observe(c.now().Sub(c.runStarted).Seconds())
	c.log.Info(logging.CategoryRun, "run_settled", outcome, nil)
}

// autoApprove resolves an approval gate on the user's behalf when the
// skip-approvals toggle is on.
func (c *Controller) autoApprove(p *protocol.ApprovalPayload) {
	resolved, ok := c.gates.ResolveApproval(p.ToolID, gate.ApprovalResolution{Decision: gate.ApproveOnce})
	if !ok {
		return
	}
	c.reducer.AppendStatus(fmt.Sprintf("auto-approved %s", resolved.Name), true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.transport.ResolveApproval(ctx, p.ToolID, gate.ApprovalResolution{Decision: gate.ApproveOnce}); err != nil {
		c.log.Error(logging.CategoryGate, "auto_approve_failed", err.Error(), map[string]any{"tool_id": p.ToolID})
	}
}

// ResolveApproval answers the outstanding approval gate. Resolving a stale
// or closed gate is a no-op.
func (c *Controller) ResolveApproval(ctx context.Context, toolID string, res gate.ApprovalResolution) error {
	_, ok := c.gates.ResolveApproval(toolID, res)
	if !ok {
		return nil
	}
	err := c.transport.ResolveApproval(ctx, toolID, res)
	c.drainIfReady()
	c.publish()
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	return nil
}

// ResolveChoice answers the outstanding choice gate. An empty non-cancel
// resolution is invalid and leaves the gate open; resolving a stale or
// closed gate is a no-op.
func (c *Controller) ResolveChoice(ctx context.Context, toolID string, res gate.ChoiceResolution) error {
	if err := res.Validate(); err != nil {
		return err
	}
	_, ok := c.gates.ResolveChoice(toolID, res)
	if !ok {
		return nil
	}
	err := c.transport.ResolveChoice(ctx, toolID, res)
	c.drainIfReady()
	c.publish()
	if err != nil {
		return fmt.Errorf("resolve choice: %w", err)
	}
	return nil
}

// Cancel aborts the in-flight run. It synthesizes the same terminal effects
// as a cancelled event and is idempotent: cancelling when nothing is
// streaming is a no-op.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.status != StatusStreaming {
		c.mu.Unlock()
		return
	}
	cancel := c.cancelRun
	c.cancelRun = nil
	runID := c.sess.RunID()

	c.reducer.ForceCancelled()
	c.gates.Reset()
	metricEvents.WithLabelValues(string(protocol.EventCancelled)).Inc()
	c.settleLocked("cancelled")
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	go func() {
		ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := c.transport.CancelRun(ctx, runID); err != nil {
			c.log.Warn(logging.CategoryRun, "cancel_request_failed", err.Error(), nil)
		}
	}()

	c.drainIfReady()
	c.publish()
}

// SetSkipApprovals records the user's toggle. It affects future approval
// requests only.
func (c *Controller) SetSkipApprovals(skip bool) {
	c.sess.SetSkipApprovals(skip)
	c.publish()
}

// drainIfReady pops the queue head and starts it as a new run whenever the
// run has settled and no gate is open. Called after every transition that
// could make that true.
func (c *Controller) drainIfReady() {
	c.mu.Lock()
	if c.status == StatusStreaming || c.gates.Open() || len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	metricQueueDepth.Set(float64(len(c.queue)))
	c.log.Info(logging.CategoryRun, "queue_drained", "", map[string]any{"remaining": len(c.queue)})
	c.startRunLocked(next.Content)
	c.mu.Unlock()
	c.publish()
}

// Snapshot recomputes the presentation-boundary view of the session.
func (c *Controller) Snapshot() viewmodel.Snapshot {
	c.mu.Lock()
	status := c.status
	queueLen := len(c.queue)
	c.mu.Unlock()

	snap := viewmodel.Snapshot{
		GeneratedAt: c.now(),
		Run: viewmodel.RunView{
			Status:      string(status),
			Thinking:    c.reducer.Thinking(),
			QueueLength: queueLen,
		},
	}

	info := c.sess.Snapshot()
	snap.Session = viewmodel.SessionView{
		SessionID:     info.SessionID,
		RunID:         info.RunID,
		SessionName:   info.SessionName,
		Sources:       info.Sources,
		SourceErrors:  info.SourceErrors,
		SkipApprovals: info.SkipApprovals,
	}

	if usage, ok := c.reducer.Usage(); ok {
		snap.Run.Usage = viewmodel.UsageView{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			CacheReadTokens:  usage.CacheReadTokens,
			CacheWriteTokens: usage.CacheWriteTokens,
			CostUSD:          usage.CostUSD,
		}
	}
	if lastErr := c.reducer.LastError(); lastErr != nil {
		snap.Run.LastError = &viewmodel.ErrorView{
			Message:     lastErr.Message,
			Recoverable: lastErr.Recoverable,
		}
	}

	for _, m := range c.reducer.Messages() {
		snap.Transcript = append(snap.Transcript, viewmodel.MessageView{
			ID:              m.ID,
			Role:            string(m.Role),
			Content:         m.Content,
			ToolName:        m.ToolName,
			ToolDescription: m.ToolDescription,
			ToolCount:       m.ToolCount,
			DurationMS:      m.DurationMS,
			AutoApproved:    m.AutoApproved,
			Timestamp:       m.Timestamp,
		})
	}

	snap.ToolTree = toolNodeViews(c.reducer.Forest())

	if p := c.gates.PendingApproval(); p != nil {
		view := &viewmodel.ApprovalView{
			ToolID:  p.ToolID,
			Name:    p.Name,
			Path:    p.Path,
			Diff:    p.Diff,
			Preview: p.Preview,
		}
		if p.Diff != "" {
			stat := diff.Parse(p.Diff)
			view.DiffStat = &stat
		}
		snap.Approval = view
	}
	if p := c.gates.PendingChoice(); p != nil {
		view := &viewmodel.ChoiceView{
			ToolID:        p.ToolID,
			Question:      p.Question,
			AllowMultiple: p.AllowMultiple,
			AllowFreeText: p.AllowFreeText,
		}
		for _, o := range p.Options {
			view.Options = append(view.Options, viewmodel.ChoiceOptionView{ID: o.ID, Label: o.Label})
		}
		snap.Choice = view
	}

	return snap
}

func toolNodeViews(forest []*tooltree.Node) []viewmodel.ToolNode {
	if len(forest) == 0 {
		return nil
	}
	out := make([]viewmodel.ToolNode, 0, len(forest))
	for _, n := range forest {
		out = append(out, viewmodel.ToolNode{
			ID:          n.ID,
			Kind:        string(n.Kind),
			Name:        n.Name,
			Description: n.Description,
			Status:      string(n.Status),
			Result:      n.Result,
			Preview:     n.Preview,
			Depth:       n.Depth,
			Seq:         n.Seq,
			DurationMS:  n.DurationMS,
			Metadata:    n.Metadata,
			Children:    toolNodeViews(n.Children),
		})
	}
	return out
}

// publish pushes a fresh snapshot to the in-process callback and the bus.
func (c *Controller) publish() {
	snap := c.Snapshot()
	if c.onUpdate != nil {
		c.onUpdate(snap)
	}
	if c.snapBus != nil {
		data, err := json.Marshal(snap)
		if err != nil {
			c.log.Error(logging.CategoryRun, "snapshot_marshal_failed", err.Error(), nil)
			return
		}
		_ = c.snapBus.Publish(context.Background(), bus.SnapshotSubject(snap.Session.SessionID), data)
	}
}
