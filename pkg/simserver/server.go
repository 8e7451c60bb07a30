// Package simserver is a small scripted agent server for demos and
// integration tests. It speaks the same wire contract as a real server,
// over both SSE and WebSocket, including pausable approval and choice
// gates and run cancellation.
package simserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/odvcencio/spool/pkg/logging"
	"github.com/odvcencio/spool/pkg/protocol"
)

// gateAnswer is the server-side record of a resolved gate.
type gateAnswer struct {
	rejected  bool // approval declined
	cancelled bool // choice dismissed
}

// Server serves scripted sessions. Safe for concurrent use.
type Server struct {
	log     *logging.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	gates   map[string]chan gateAnswer    // keyed by tool id
	cancels map[string]context.CancelFunc // keyed by run id
}

// Option configures a Server.
type Option func(*Server)

// WithLogger attaches a structured logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithEventsPerSecond paces script playback. Zero means full speed.
func WithEventsPerSecond(n float64) Option {
	return func(s *Server) {
		if n > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(n), 1)
		}
	}
}

// New creates a simulated server.
func New(opts ...Option) *Server {
	s := &Server{
		limiter: rate.NewLimiter(rate.Inf, 1),
		gates:   make(map[string]chan gateAnswer),
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the HTTP surface: SSE runs, the shared WebSocket endpoint,
// and the resolution and cancel operations.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/runs", s.handleRuns)
	r.Post("/runs/approval", s.handleApproval)
	r.Post("/runs/choice", s.handleChoice)
	r.Post("/runs/{runID}/cancel", s.handleCancel)
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := "sim-" + uuid.NewString()[:8]
	runID := uuid.NewString()

	ctx, cancel := context.WithCancel(r.Context())
	s.registerCancel(runID, cancel)
	defer s.dropCancel(runID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(ev protocol.Event) error {
		data, err := protocol.Encode(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	s.play(ctx, runID, scriptFor(req.Message, sessionID, runID), emit)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "handler exit")

	ctx := r.Context()

	// First frame must start a run.
	var start struct {
		Op      string `json:"op"`
		Message string `json:"message"`
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &start); err != nil || start.Op != "start" {
		conn.Close(websocket.StatusPolicyViolation, "expected start frame")
		return
	}

	sessionID := "sim-" + uuid.NewString()[:8]
	runID := uuid.NewString()

	runCtx, cancel := context.WithCancel(ctx)
	s.registerCancel(runID, cancel)
	defer s.dropCancel(runID)

	g, gctx := errgroup.WithContext(runCtx)

	// Op reader: gate resolutions and cancellation arrive on the same socket.
	g.Go(func() error {
		for {
			var op struct {
				Op        string `json:"op"`
				ToolID    string `json:"tool_id"`
				Decision  string `json:"decision"`
				Cancelled bool   `json:"cancelled"`
			}
			_, data, err := conn.Read(gctx)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(data, &op); err != nil {
				continue
			}
			switch op.Op {
			case "approval":
				s.deliver(op.ToolID, gateAnswer{rejected: op.Decision == "reject"})
			case "choice":
				s.deliver(op.ToolID, gateAnswer{cancelled: op.Cancelled})
			case "cancel":
				cancel()
			}
		}
	})

	g.Go(func() error {
		defer cancel()
		emit := func(ev protocol.Event) error {
			data, err := protocol.Encode(ev)
			if err != nil {
				return err
			}
			return conn.Write(gctx, websocket.MessageText, data)
		}
		s.play(gctx, runID, scriptFor(start.Message, sessionID, runID), emit)
		return nil
	})

	// The reader exits with a read error once the client closes its side;
	// that is the normal end of a run socket.
	_ = g.Wait()
	conn.Close(websocket.StatusNormalClosure, "run settled")
}

// play emits one script, pausing at gates and honoring cancellation. When
// the run context is cancelled mid-script, a cancelled event settles the
// stream.
func (s *Server) play(ctx context.Context, runID string, events []protocol.Event, emit func(protocol.Event) error) {
	skipResults := make(map[string]bool)

	for _, ev := range events {
		if err := s.limiter.Wait(ctx); err != nil {
			emit(protocol.Event{Type: protocol.EventCancelled, Cancelled: &protocol.CancelledPayload{RunID: runID}})
			return
		}

		if ev.Type == protocol.EventToolResult && skipResults[ev.ToolResult.ToolID] {
			emit(toolResult(ev.ToolResult.ToolID, "rejected by user", true))
			continue
		}

		if err := emit(ev); err != nil {
			s.log.Warn(logging.CategoryStream, "emit_failed", err.Error(), nil)
			return
		}

		switch ev.Type {
		case protocol.EventApprovalNeeded:
			answer, ok := s.await(ctx, ev.ApprovalNeeded.ToolID)
			if !ok {
				emit(protocol.Event{Type: protocol.EventCancelled, Cancelled: &protocol.CancelledPayload{RunID: runID}})
				return
			}
			if answer.rejected {
				skipResults[ev.ApprovalNeeded.ToolID] = true
			}
		case protocol.EventQuestion:
			if _, ok := s.await(ctx, ev.Question.ToolID); !ok {
				emit(protocol.Event{Type: protocol.EventCancelled, Cancelled: &protocol.CancelledPayload{RunID: runID}})
				return
			}
		case protocol.EventChoice:
			answer, ok := s.await(ctx, ev.Choice.ToolID)
			if !ok || answer.cancelled {
				emit(protocol.Event{Type: protocol.EventCancelled, Cancelled: &protocol.CancelledPayload{RunID: runID}})
				return
			}
		}
	}
}

// await blocks until the gate for toolID resolves or the run is cancelled.
func (s *Server) await(ctx context.Context, toolID string) (gateAnswer, bool) {
	ch := make(chan gateAnswer, 1)
	s.mu.Lock()
	s.gates[toolID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.gates, toolID)
		s.mu.Unlock()
	}()

	select {
	case answer := <-ch:
		return answer, true
	case <-ctx.Done():
		return gateAnswer{}, false
	}
}

func (s *Server) deliver(toolID string, answer gateAnswer) {
	s.mu.Lock()
	ch, ok := s.gates[toolID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- answer:
	default:
	}
}

func (s *Server) registerCancel(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()
}

func (s *Server) dropCancel(runID string) {
	s.mu.Lock()
	delete(s.cancels, runID)
	s.mu.Unlock()
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToolID   string `json:"tool_id"`
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.deliver(req.ToolID, gateAnswer{rejected: req.Decision == "reject"})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToolID    string `json:"tool_id"`
		Cancelled bool   `json:"cancelled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.deliver(req.ToolID, gateAnswer{cancelled: req.Cancelled})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	s.mu.Lock()
	cancel, ok := s.cancels[runID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}
