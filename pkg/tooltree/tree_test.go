package tooltree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(id string, seq int, parent string) Item {
	return Item{ID: id, Seq: seq, ParentID: parent, Name: "tool-" + id, Status: StatusRunning}
}

func TestBuildEmpty(t *testing.T) {
	assert.Nil(t, Build(nil))
	assert.Nil(t, Build([]Item{}))
}

func TestBuildNesting(t *testing.T) {
	forest := Build([]Item{
		item("a", 0, ""),
		item("b", 1, "a"),
		item("c", 2, "a"),
		item("d", 3, "b"),
	})
	require.Len(t, forest, 1)
	root := forest[0]
	assert.Equal(t, "a", root.ID)
	require.Len(t, root.Children, 2)
	assert.Equal(t, "b", root.Children[0].ID)
	assert.Equal(t, "c", root.Children[1].ID)
	require.Len(t, root.Children[0].Children, 1)
	assert.Equal(t, "d", root.Children[0].Children[0].ID)
}

func TestOrphanPromotedToRoot(t *testing.T) {
	// Parent "missing" never arrived; the child must not dangle.
	forest := Build([]Item{
		item("a", 0, ""),
		item("b", 1, "missing"),
	})
	require.Len(t, forest, 2)
	assert.Equal(t, "a", forest[0].ID)
	assert.Equal(t, "b", forest[1].ID)
}

func TestOrphanReparentedOnRebuild(t *testing.T) {
	items := []Item{item("child", 1, "parent")}
	forest := Build(items)
	require.Len(t, forest, 1)
	assert.Equal(t, "child", forest[0].ID)

	// The parent shows up later; a rebuild over the full list reattaches.
	items = append(items, item("parent", 0, ""))
	forest = Build(items)
	require.Len(t, forest, 1)
	assert.Equal(t, "parent", forest[0].ID)
	require.Len(t, forest[0].Children, 1)
	assert.Equal(t, "child", forest[0].Children[0].ID)
}

func TestSiblingsSortedBySeqOnly(t *testing.T) {
	// Input order scrambled; Seq decides.
	forest := Build([]Item{
		item("c", 5, ""),
		item("a", 1, ""),
		item("b", 3, ""),
	})
	require.Len(t, forest, 3)
	assert.Equal(t, "a", forest[0].ID)
	assert.Equal(t, "b", forest[1].ID)
	assert.Equal(t, "c", forest[2].ID)
}

func TestBuildDeterministic(t *testing.T) {
	items := []Item{
		item("r1", 0, ""),
		item("r2", 4, ""),
		item("x", 1, "r1"),
		item("y", 2, "r1"),
		item("z", 5, "r2"),
	}
	first := Build(items)
	for i := 0; i < 10; i++ {
		again := Build(items)
		require.Equal(t, Count(first), Count(again))
		var a, b []string
		Walk(first, func(n *Node) { a = append(a, n.ID) })
		Walk(again, func(n *Node) { b = append(b, n.ID) })
		assert.Equal(t, a, b)
	}
}

func TestSelfParentPromoted(t *testing.T) {
	forest := Build([]Item{item("loop", 0, "loop")})
	require.Len(t, forest, 1)
	assert.Empty(t, forest[0].Children)
}

func TestKindForName(t *testing.T) {
	assert.Equal(t, KindTask, KindForName("task"))
	assert.Equal(t, KindTask, KindForName("Task"))
	assert.Equal(t, KindTool, KindForName("read_file"))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusError.Terminal())
}

func TestCount(t *testing.T) {
	forest := Build([]Item{
		item("a", 0, ""),
		item("b", 1, "a"),
		item("c", 2, "b"),
	})
	assert.Equal(t, 3, Count(forest))
}
