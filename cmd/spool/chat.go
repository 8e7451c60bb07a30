package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/odvcencio/spool/pkg/config"
	"github.com/odvcencio/spool/pkg/gate"
	"github.com/odvcencio/spool/pkg/run"
	"github.com/odvcencio/spool/pkg/viewmodel"
)

// renderer prints incremental snapshot changes to the terminal. The engine
// recomputes whole snapshots; the renderer diffs against what it last drew.
type renderer struct {
	drawn       int // transcript entries already printed
	lastContent string
	thinking    string
	gateShown   string // tool id of the gate prompt currently on screen
}

func (r *renderer) render(snap viewmodel.Snapshot) {
	// Ephemeral status line.
	if snap.Run.Thinking != r.thinking {
		r.thinking = snap.Run.Thinking
		if r.thinking != "" {
			fmt.Printf("\r\033[2K  … %s\n", r.thinking)
		}
	}

	for i, m := range snap.Transcript {
		switch {
		case i < r.drawn-1:
			continue
		case i == r.drawn-1:
			// Tail entry may still be accumulating streamed text.
			if m.Role == "assistant" && m.Content != r.lastContent {
				fmt.Print(strings.TrimPrefix(m.Content, r.lastContent))
				r.lastContent = m.Content
			}
			continue
		}
		if i > 0 && r.drawn > 0 {
			fmt.Println()
		}
		switch m.Role {
		case "user":
			fmt.Printf("> %s\n", m.Content)
			r.lastContent = ""
		case "assistant":
			fmt.Print(m.Content)
			r.lastContent = m.Content
		case "tool_chain":
			fmt.Printf("  [%d tool calls]\n", m.ToolCount)
			r.lastContent = ""
		case "status":
			fmt.Printf("  ~ %s\n", m.Content)
			r.lastContent = ""
		case "error":
			fmt.Printf("  ! %s\n", m.Content)
			r.lastContent = ""
		}
		r.drawn = i + 1
	}

	if snap.Approval != nil && snap.Approval.ToolID != r.gateShown {
		r.gateShown = snap.Approval.ToolID
		fmt.Printf("\napproval needed: %s", snap.Approval.Name)
		if snap.Approval.Path != "" {
			fmt.Printf(" (%s)", snap.Approval.Path)
		}
		fmt.Println()
		if snap.Approval.Diff != "" {
			fmt.Println(snap.Approval.Diff)
			if snap.Approval.DiffStat != nil {
				fmt.Printf("  %s\n", snap.Approval.DiffStat)
			}
		}
		fmt.Println("  [y] approve once  [a] always  [n] reject")
	} else if snap.Approval == nil && snap.Choice != nil && snap.Choice.ToolID != r.gateShown {
		r.gateShown = snap.Choice.ToolID
		fmt.Printf("\n%s\n", snap.Choice.Question)
		for i, opt := range snap.Choice.Options {
			fmt.Printf("  [%d] %s\n", i+1, opt.Label)
		}
		if snap.Choice.AllowFreeText || len(snap.Choice.Options) == 0 {
			fmt.Println("  (or type an answer)")
		}
	}
	if snap.Approval == nil && snap.Choice == nil {
		r.gateShown = ""
	}
}

func (r *renderer) settled(snap viewmodel.Snapshot) {
	if len(snap.ToolTree) > 0 {
		fmt.Println()
		printForest(snap.ToolTree, "  ")
	}
	u := snap.Run.Usage
	if u.PromptTokens > 0 || u.CompletionTokens > 0 {
		fmt.Printf("\n  tokens: %d in / %d out", u.PromptTokens, u.CompletionTokens)
		if u.CostUSD > 0 {
			fmt.Printf("  cost: $%.4f", u.CostUSD)
		}
		fmt.Println()
	}
	if snap.Run.QueueLength > 0 {
		fmt.Printf("  (%d queued message(s) draining)\n", snap.Run.QueueLength)
	}
}

func printForest(nodes []viewmodel.ToolNode, indent string) {
	for _, n := range nodes {
		marker := "·"
		switch n.Status {
		case "done":
			marker = "✓"
		case "error":
			marker = "✗"
		case "running":
			marker = "▸"
		}
		fmt.Printf("%s%s %s", indent, marker, n.Name)
		if n.Description != "" {
			fmt.Printf(" — %s", n.Description)
		}
		if n.DurationMS > 0 {
			fmt.Printf(" (%dms)", n.DurationMS)
		}
		fmt.Println()
		printForest(n.Children, indent+"  ")
	}
}

// runChat drives the interactive loop until EOF or interrupt.
func runChat(ctx context.Context, cfg *config.Config, skipApprovals bool) error {
	r := &renderer{}
	settledCh := make(chan viewmodel.Snapshot, 8)

	onUpdate := run.WithOnUpdate(func(snap viewmodel.Snapshot) {
		r.render(snap)
		if snap.Run.Status == string(run.StatusSettled) {
			select {
			case settledCh <- snap:
			default:
			}
		}
	})

	ctrl, _, cleanup, err := buildController(cfg, skipApprovals, onUpdate)
	if err != nil {
		return err
	}
	defer cleanup()

	commands := map[string]string{
		"/help":           "show commands",
		"/cancel":         "cancel the in-flight run",
		"/skip-approvals": "toggle auto-approval (on|off)",
		"/quit":           "exit",
	}
	quit := make(chan struct{})
	ctrlCommands := run.WithCommandHandler(func(cmd string) error {
		fields := strings.Fields(cmd)
		switch fields[0] {
		case "/help":
			for name, desc := range commands {
				fmt.Printf("  %-16s %s\n", name, desc)
			}
		case "/skip-approvals":
			on := len(fields) > 1 && fields[1] == "on"
			ctrl.SetSkipApprovals(on)
			fmt.Printf("  skip approvals: %v\n", on)
		case "/quit":
			close(quit)
		default:
			return fmt.Errorf("unknown command %q (try /help)", fields[0])
		}
		return nil
	})
	ctrlCommands(ctrl)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("\n> ")
	for {
		select {
		case <-ctx.Done():
			ctrl.Cancel()
			return nil
		case <-quit:
			return nil
		case snap := <-settledCh:
			r.settled(snap)
			if snap.Run.QueueLength == 0 {
				fmt.Print("\n> ")
			}
		case line, ok := <-lines:
			if !ok {
				ctrl.Cancel()
				return scanner.Err()
			}
			if err := handleInput(ctrl, line); err != nil {
				fmt.Printf("  ! %v\n", err)
			}
			if ctrl.Status() != run.StatusStreaming && !ctrl.Gates().Open() {
				// Give the drain loop a beat before reprinting the prompt.
				time.Sleep(10 * time.Millisecond)
			}
		}
	}
}

// handleInput routes a line either to the open gate or to Submit.
func handleInput(ctrl *run.Controller, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if line == "/cancel" {
		ctrl.Cancel()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	active := ctrl.Gates().Active()
	switch active.Kind {
	case gate.KindApproval:
		res := gate.ApprovalResolution{}
		switch strings.ToLower(line) {
		case "y", "yes":
			res.Decision = gate.ApproveOnce
		case "a", "always":
			res.Decision = gate.ApproveAlways
		case "n", "no", "reject":
			res.Decision = gate.Reject
		default:
			res.Decision = gate.Reject
			res.Feedback = line
		}
		return ctrl.ResolveApproval(ctx, active.Approval.ToolID, res)

	case gate.KindChoice:
		res := gate.ChoiceResolution{}
		picked := false
		for i, opt := range active.Choice.Options {
			if line == fmt.Sprintf("%d", i+1) || strings.EqualFold(line, opt.ID) {
				res.SelectedIDs = []string{opt.ID}
				picked = true
				break
			}
		}
		if !picked {
			res.FreeText = line
		}
		return ctrl.ResolveChoice(ctx, active.Choice.ToolID, res)
	}

	outcome, err := ctrl.Submit(line)
	if outcome == run.OutcomeQueued {
		fmt.Printf("  (queued, %d waiting)\n", ctrl.QueueLen())
	}
	return err
}
