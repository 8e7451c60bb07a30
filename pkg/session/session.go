// Package session holds the session-scoped record that outlives individual
// runs: identity, context sources, and the skip-approvals toggle.
package session

import (
	"sync"

	"github.com/odvcencio/spool/pkg/protocol"
)

// Info is a plain copy of the session record, safe to hand to renderers.
type Info struct {
	SessionID     string   `json:"sessionId"`
	RunID         string   `json:"runId"`
	SessionName   string   `json:"sessionName,omitempty"`
	Sources       []string `json:"sources,omitempty"`
	SourceErrors  []string `json:"sourceErrors,omitempty"`
	SkipApprovals bool     `json:"skipApprovals"`
}

// Session is mutated by session_info events and by the user's explicit
// skip-approvals toggle. Safe for concurrent use.
type Session struct {
	mu            sync.Mutex
	sessionID     string
	runID         string
	sessionName   string
	sources       []string
	sourceErrors  []string
	skipApprovals bool
}

// New creates a session record. skipApprovals seeds the user preference
// before any session_info arrives.
func New(skipApprovals bool) *Session {
	return &Session{skipApprovals: skipApprovals}
}

// Merge folds a session_info payload into the record. Empty fields in the
// payload leave the current values alone.
func (s *Session) Merge(info protocol.SessionInfoPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info.SessionID != "" {
		s.sessionID = info.SessionID
	}
	if info.RunID != "" {
		s.runID = info.RunID
	}
	if info.SessionName != "" {
		s.sessionName = info.SessionName
	}
	if info.Sources != nil {
		s.sources = append([]string(nil), info.Sources...)
	}
	if info.SourceErrors != nil {
		s.sourceErrors = append([]string(nil), info.SourceErrors...)
	}
	if info.SkipApprovals != nil {
		s.skipApprovals = *info.SkipApprovals
	}
}

// SetSkipApprovals records the user's explicit toggle.
func (s *Session) SetSkipApprovals(skip bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipApprovals = skip
}

// SkipApprovals reports the current toggle state.
func (s *Session) SkipApprovals() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipApprovals
}

// RunID returns the server-assigned id of the current run, if known.
func (s *Session) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// SessionID returns the server-assigned session id, if known.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Snapshot returns a plain copy of the record.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:     s.sessionID,
		RunID:         s.runID,
		SessionName:   s.sessionName,
		Sources:       append([]string(nil), s.sources...),
		SourceErrors:  append([]string(nil), s.sourceErrors...),
		SkipApprovals: s.skipApprovals,
	}
}
