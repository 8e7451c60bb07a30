package run_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/spool/pkg/gate"
	"github.com/odvcencio/spool/pkg/protocol"
	"github.com/odvcencio/spool/pkg/run"
)

// fakeStream is fed by the test, one event at a time.
type fakeStream struct {
	ch chan protocol.Event
}

func (s *fakeStream) Recv(ctx context.Context) (protocol.Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return protocol.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return protocol.Event{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error { return nil }

func (s *fakeStream) push(evs ...protocol.Event) {
	for _, ev := range evs {
		s.ch <- ev
	}
}

// fakeTransport records every operation and hands out controllable streams.
type fakeTransport struct {
	mu        sync.Mutex
	messages  []string
	streams   []*fakeStream
	approvals []gate.ApprovalResolution
	choices   []gate.ChoiceResolution
	cancelled []string
}

func (f *fakeTransport) StartRun(ctx context.Context, message string) (run.EventStream, error) {
	s := &fakeStream{ch: make(chan protocol.Event, 64)}
	f.mu.Lock()
	f.messages = append(f.messages, message)
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeTransport) ResolveApproval(ctx context.Context, toolID string, res gate.ApprovalResolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = append(f.approvals, res)
	return nil
}

func (f *fakeTransport) ResolveChoice(ctx context.Context, toolID string, res gate.ChoiceResolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.choices = append(f.choices, res)
	return nil
}

func (f *fakeTransport) CancelRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeTransport) stream(t *testing.T, i int) *fakeStream {
	t.Helper()
	var s *fakeStream
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.streams) > i {
			s = f.streams[i]
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond, "stream %d never started", i)
	return s
}

func (f *fakeTransport) startedMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func doneEv() protocol.Event {
	return protocol.Event{Type: protocol.EventDone, Done: &protocol.DonePayload{
		Usage: protocol.Usage{PromptTokens: 10, CompletionTokens: 2},
	}}
}

func approvalEv(toolID string) protocol.Event {
	return protocol.Event{Type: protocol.EventApprovalNeeded, ApprovalNeeded: &protocol.ApprovalPayload{
		ToolID: toolID, Name: "edit_file",
	}}
}

func waitStatus(t *testing.T, c *run.Controller, want run.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Status() == want },
		time.Second, 5*time.Millisecond, "status never reached %s", want)
}

func TestSubmitIdleStartsRun(t *testing.T) {
	ft := &fakeTransport{}
	c := run.NewController(ft)

	outcome, err := c.Submit("hello")
	require.NoError(t, err)
	assert.Equal(t, run.OutcomeSent, outcome)
	assert.Equal(t, run.StatusStreaming, c.Status())

	ft.stream(t, 0).push(doneEv())
	waitStatus(t, c, run.StatusSettled)

	snap := c.Snapshot()
	assert.Equal(t, 10, snap.Run.Usage.PromptTokens)
	require.NotEmpty(t, snap.Transcript)
	assert.Equal(t, "hello", snap.Transcript[0].Content)
}

func TestSubmitEmptyRejected(t *testing.T) {
	ft := &fakeTransport{}
	c := run.NewController(ft)

	outcome, err := c.Submit("   ")
	require.NoError(t, err)
	assert.Equal(t, run.OutcomeRejected, outcome)
	assert.Equal(t, run.StatusIdle, c.Status())
	assert.Empty(t, ft.startedMessages())
}

func TestPlainTextQueuedWhileStreaming(t *testing.T) {
	ft := &fakeTransport{}
	c := run.NewController(ft)

	_, err := c.Submit("first")
	require.NoError(t, err)
	s0 := ft.stream(t, 0)

	outcome, err := c.Submit("second")
	require.NoError(t, err)
	assert.Equal(t, run.OutcomeQueued, outcome)
	assert.Equal(t, 1, c.QueueLen())

	outcome, err = c.Submit("third")
	require.NoError(t, err)
	assert.Equal(t, run.OutcomeQueued, outcome)
	assert.Equal(t, 2, c.QueueLen())

	// Settling the run drains exactly one queued message, FIFO.
	s0.push(doneEv())
	s1 := ft.stream(t, 1)
	assert.Equal(t, []string{"first", "second"}, ft.startedMessages())
	assert.Equal(t, 1, c.QueueLen())

	s1.push(doneEv())
	ft.stream(t, 2).push(doneEv())
	waitStatus(t, c, run.StatusSettled)
	require.Eventually(t, func() bool { return c.QueueLen() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, ft.startedMessages())
}

func TestSlashCommandDispatchedWhenIdle(t *testing.T) {
	ft := &fakeTransport{}
	var got string
	c := run.NewController(ft, run.WithCommandHandler(func(cmd string) error {
		got = cmd
		return nil
	}))

	outcome, err := c.Submit("/help")
	require.NoError(t, err)
	assert.Equal(t, run.OutcomeCommand, outcome)
	assert.Equal(t, "/help", got)
	assert.Empty(t, ft.startedMessages())
}

func TestSlashCommandRejectedWhileBusy(t *testing.T) {
	ft := &fakeTransport{}
	called := false
	c := run.NewController(ft, run.WithCommandHandler(func(string) error {
		called = true
		return nil
	}))

	_, err := c.Submit("go do something")
	require.NoError(t, err)

	outcome, err := c.Submit("/compact")
	assert.ErrorIs(t, err, run.ErrBusy)
	assert.Equal(t, run.OutcomeRejected, outcome)
	assert.False(t, called)
	// Rejected, never queued.
	assert.Equal(t, 0, c.QueueLen())
}

func TestOpenGateBlocksDrain(t *testing.T) {
	ft := &fakeTransport{}
	c := run.NewController(ft)

	_, err := c.Submit("approve something")
	require.NoError(t, err)
	s0 := ft.stream(t, 0)

	s0.push(approvalEv("t-1"))
	require.Eventually(t, func() bool { return c.Gates().Open() }, time.Second, 5*time.Millisecond)

	// Queue while gated.
	outcome, err := c.Submit("next message")
	require.NoError(t, err)
	assert.Equal(t, run.OutcomeQueued, outcome)

	// Run settles while the gate is still open: the queue must hold.
	s0.push(doneEv())
	waitStatus(t, c, run.StatusSettled)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"approve something"}, ft.startedMessages())
	assert.Equal(t, 1, c.QueueLen())

	// Resolving the gate is the enabling transition that drains.
	err = c.ResolveApproval(context.Background(), "t-1", gate.ApprovalResolution{Decision: gate.ApproveOnce})
	require.NoError(t, err)

	ft.stream(t, 1)
	assert.Equal(t, []string{"approve something", "next message"}, ft.startedMessages())
	assert.Equal(t, 0, c.QueueLen())
}

func TestResolveApprovalForwardsToTransport(t *testing.T) {
	ft := &fakeTransport{}
	c := run.NewController(ft)

	_, err := c.Submit("approve")
	require.NoError(t, err)
	ft.stream(t, 0).push(approvalEv("t-1"))
	require.Eventually(t, func() bool { return c.Gates().Open() }, time.Second, 5*time.Millisecond)

	res := gate.ApprovalResolution{Decision: gate.Reject, Feedback: "not that file"}
	require.NoError(t, c.ResolveApproval(context.Background(), "t-1", res))

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.approvals, 1)
	assert.Equal(t, gate.Reject, ft.approvals[0].Decision)
	assert.Equal(t, "not that file", ft.approvals[0].Feedback)
}

func TestStaleResolutionDoesNotReachTransport(t *testing.T) {
	ft := &fakeTransport{}
	c := run.NewController(ft)

	require.NoError(t, c.ResolveApproval(context.Background(), "never-opened", gate.ApprovalResolution{Decision: gate.ApproveOnce}))

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Empty(t, ft.approvals)
}

func TestEmptyChoiceResolutionKeepsGateOpen(t *testing.T) {
	ft := &fakeTransport{}
	c := run.NewController(ft)

	_, err := c.Submit("ask")
	require.NoError(t, err)
	ft.stream(t, 0).push(protocol.Event{Type: protocol.EventChoice, Choice: &protocol.ChoicePayload{
		ToolID: "q-1", Question: "pick", Options: []protocol.ChoiceOption{{ID: "a", Label: "A"}},
	}})
	require.Eventually(t, func() bool { return c.Gates().Open() }, time.Second, 5*time.Millisecond)

	err = c.ResolveChoice(context.Background(), "q-1", gate.ChoiceResolution{})
	assert.ErrorIs(t, err, gate.ErrEmptyResolution)
	assert.True(t, c.Gates().Open())

	require.NoError(t, c.ResolveChoice(context.Background(), "q-1", gate.ChoiceResolution{SelectedIDs: []string{"a"}}))
	assert.False(t, c.Gates().Open())
}

func TestCancelSynthesizesSettlement(t *testing.T) {
	ft := &fakeTransport{}
	c := run.NewController(ft)

	_, err := c.Submit("long run")
	require.NoError(t, err)
	s0 := ft.stream(t, 0)
	s0.push(
		protocol.Event{Type: protocol.EventSessionInfo, SessionInfo: &protocol.SessionInfoPayload{
			SessionID: "s-1", RunID: "r-1",
		}},
		protocol.Event{Type: protocol.EventToolCall, ToolCall: &protocol.ToolCallPayload{
			ToolID: "t-1", Name: "bash",
		}},
	)
	require.Eventually(t, func() bool { return len(c.Snapshot().ToolTree) == 1 }, time.Second, 5*time.Millisecond)

	c.Cancel()
	assert.Equal(t, run.StatusSettled, c.Status())

	snap := c.Snapshot()
	require.Len(t, snap.ToolTree, 1)
	assert.Equal(t, "error", snap.ToolTree[0].Status)
	assert.Equal(t, "cancelled", snap.ToolTree[0].Result)

	require.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.cancelled) == 1 && ft.cancelled[0] == "r-1"
	}, time.Second, 5*time.Millisecond)

	// Idempotent: a second cancel changes nothing.
	c.Cancel()
	time.Sleep(20 * time.Millisecond)
	ft.mu.Lock()
	assert.Len(t, ft.cancelled, 1)
	ft.mu.Unlock()
}

func TestCancelWhenIdleIsNoOp(t *testing.T) {
	ft := &fakeTransport{}
	c := run.NewController(ft)

	c.Cancel()
	assert.Equal(t, run.StatusIdle, c.Status())
	ft.mu.Lock()
	assert.Empty(t, ft.cancelled)
	ft.mu.Unlock()
}

func TestCancelResetsGatesAndDrains(t *testing.T) {
	ft := &fakeTransport{}
	c := run.NewController(ft)

	_, err := c.Submit("approve")
	require.NoError(t, err)
	ft.stream(t, 0).push(approvalEv("t-1"))
	require.Eventually(t, func() bool { return c.Gates().Open() }, time.Second, 5*time.Millisecond)

	_, err = c.Submit("queued while gated")
	require.NoError(t, err)

	c.Cancel()
	assert.False(t, c.Gates().Open())

	// Cancellation settled the run and dropped the gate, so the queue drains.
	ft.stream(t, 1)
	assert.Contains(t, ft.startedMessages(), "queued while gated")
}

func TestAutoApproveWhenSkipApprovalsOn(t *testing.T) {
	ft := &fakeTransport{}
	c := run.NewController(ft, run.WithSkipApprovals(true))

	_, err := c.Submit("approve")
	require.NoError(t, err)
	s0 := ft.stream(t, 0)
	s0.push(approvalEv("t-1"))

	require.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.approvals) == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, c.Gates().Open())

	// The transcript records the auto-approval.
	var sawStatus bool
	for _, m := range c.Snapshot().Transcript {
		if m.Role == "status" && m.AutoApproved {
			sawStatus = true
		}
	}
	assert.True(t, sawStatus)
}

func TestStreamDropSettlesWithError(t *testing.T) {
	ft := &fakeTransport{}
	c := run.NewController(ft)

	_, err := c.Submit("hello")
	require.NoError(t, err)
	s0 := ft.stream(t, 0)
	close(s0.ch) // connection gone before any terminal event

	waitStatus(t, c, run.StatusSettled)
	snap := c.Snapshot()
	require.NotNil(t, snap.Run.LastError)
	assert.False(t, snap.Run.LastError.Recoverable)
}
