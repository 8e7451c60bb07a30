package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/spool/pkg/protocol"
)

func boolPtr(b bool) *bool { return &b }

func TestMergeKeepsExistingOnEmptyFields(t *testing.T) {
	s := New(false)
	s.Merge(protocol.SessionInfoPayload{SessionID: "s-1", RunID: "r-1", SessionName: "alpha"})
	s.Merge(protocol.SessionInfoPayload{RunID: "r-2"})

	info := s.Snapshot()
	assert.Equal(t, "s-1", info.SessionID)
	assert.Equal(t, "r-2", info.RunID)
	assert.Equal(t, "alpha", info.SessionName)
}

func TestMergeSkipApprovalsPointer(t *testing.T) {
	s := New(true)

	// Absent pointer leaves the toggle alone.
	s.Merge(protocol.SessionInfoPayload{SessionID: "s-1"})
	assert.True(t, s.SkipApprovals())

	s.Merge(protocol.SessionInfoPayload{SkipApprovals: boolPtr(false)})
	assert.False(t, s.SkipApprovals())
}

func TestMergeSourcesReplaceWholesale(t *testing.T) {
	s := New(false)
	s.Merge(protocol.SessionInfoPayload{Sources: []string{"a.md", "b.md"}})
	s.Merge(protocol.SessionInfoPayload{Sources: []string{"c.md"}})

	info := s.Snapshot()
	assert.Equal(t, []string{"c.md"}, info.Sources)
}

func TestSetSkipApprovals(t *testing.T) {
	s := New(false)
	s.SetSkipApprovals(true)
	assert.True(t, s.SkipApprovals())
	assert.True(t, s.Snapshot().SkipApprovals)
}

func TestSnapshotIsolated(t *testing.T) {
	s := New(false)
	s.Merge(protocol.SessionInfoPayload{Sources: []string{"a.md"}})

	info := s.Snapshot()
	info.Sources[0] = "mutated"
	assert.Equal(t, "a.md", s.Snapshot().Sources[0])
}

func TestLocalIDInsideGit(t *testing.T) {
	prev := runGit
	defer func() { runGit = prev }()
	runGit = func(ctx context.Context, dir string, args ...string) ([]byte, error) {
		switch args[len(args)-1] {
		case "--show-toplevel":
			return []byte("/home/dev/myrepo\n"), nil
		case "HEAD":
			return []byte("feature/login\n"), nil
		}
		return nil, errors.New("unexpected git call")
	}

	id := LocalID("/home/dev/myrepo/pkg")
	assert.Equal(t, "myrepo-feature/login", id)

	// Cached: the stub can be removed and the answer stays.
	runGit = func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("should not be called")
	}
	assert.Equal(t, id, LocalID("/home/dev/myrepo/pkg"))
}

func TestLocalIDOutsideGit(t *testing.T) {
	prev := runGit
	defer func() { runGit = prev }()
	runGit = func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("not a repo")
	}

	id := LocalID("/tmp/scratch")
	require.Contains(t, id, "scratch-")
	// Deterministic for the same path.
	assert.Equal(t, id, LocalID("/tmp/scratch"))
}
