// Package tooltree reconstructs the hierarchical tool-execution forest from
// the flat, parent-referencing items a run accumulates.
//
// Reconstruction is a pure function over the whole item list and is re-run
// from scratch on every state change. A child whose parent has not arrived
// yet is promoted to a root; the next rebuild re-parents it once the parent
// shows up. No incremental mutation, no dangling links.
package tooltree

import (
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of one tool invocation.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Kind distinguishes delegation containers from leaf tools. It is a naming
// convention only; the tree algorithm never inspects it.
type Kind string

const (
	KindTask Kind = "task"
	KindTool Kind = "tool"
)

// KindForName maps a tool name to its item kind. Sub-agent delegations are
// identified purely by convention on the name.
func KindForName(name string) Kind {
	if strings.EqualFold(name, "task") {
		return KindTask
	}
	return KindTool
}

// Item is one tool invocation as accumulated by the transcript reducer.
// Seq is the monotonic arrival order within the run and is the sole sibling
// tie-break.
type Item struct {
	ID          string
	Kind        Kind
	Depth       int
	Name        string
	Description string
	Result      string
	Preview     string
	Status      Status
	Seq         int
	ParentID    string
	Metadata    map[string]any
	StartTime   time.Time
	EndTime     time.Time
	DurationMS  int64
}

// Node is an item plus its reconstructed children.
type Node struct {
	Item
	Children []*Node
}

// Build reconstructs the ordered forest for the given items.
//
// An item attaches to a parent iff its ParentID resolves within the input
// set; otherwise it becomes a root regardless of its stated depth. Root and
// child lists are sorted ascending by Seq.
func Build(items []Item) []*Node {
	if len(items) == 0 {
		return nil
	}

	index := make(map[string]*Node, len(items))
	nodes := make([]*Node, 0, len(items))
	for _, item := range items {
		n := &Node{Item: item}
		nodes = append(nodes, n)
		index[item.ID] = n
	}

	var roots []*Node
	for _, n := range nodes {
		if n.ParentID != "" {
			if parent, ok := index[n.ParentID]; ok && parent != n {
				parent.Children = append(parent.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}

	sortBySeq(roots)
	for _, n := range nodes {
		sortBySeq(n.Children)
	}
	return roots
}

func sortBySeq(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Seq < nodes[j].Seq
	})
}

// Walk visits every node of the forest depth-first in sibling order.
func Walk(forest []*Node, fn func(*Node)) {
	for _, n := range forest {
		fn(n)
		Walk(n.Children, fn)
	}
}

// Count returns the total number of nodes in the forest.
func Count(forest []*Node) int {
	total := 0
	Walk(forest, func(*Node) { total++ })
	return total
}
