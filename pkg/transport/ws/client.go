// Package ws implements the session transport over a single WebSocket. The
// run stream and the client's operations (start, gate resolutions, cancel)
// share one connection: events flow server-to-client as flat JSON frames,
// operations flow client-to-server as op frames.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/odvcencio/spool/pkg/gate"
	"github.com/odvcencio/spool/pkg/logging"
	"github.com/odvcencio/spool/pkg/protocol"
	"github.com/odvcencio/spool/pkg/run"
)

// Client dials the agent server's /ws endpoint once per run.
type Client struct {
	wsURL string
	log   *logging.Logger

	mu   sync.Mutex
	conn *websocket.Conn // connection of the in-flight run, nil between runs
}

// Option configures a Client.
type Option func(*Client)

// WithLogger attaches a structured logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the server at baseURL. The http(s) scheme
// is rewritten to ws(s).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	c := &Client{wsURL: u.String()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// op frames are the client-to-server half of the socket protocol.
type opFrame struct {
	Op          string   `json:"op"` // start, approval, choice, cancel
	Message     string   `json:"message,omitempty"`
	ToolID      string   `json:"tool_id,omitempty"`
	Decision    string   `json:"decision,omitempty"`
	Feedback    string   `json:"feedback,omitempty"`
	SelectedIDs []string `json:"selected_ids,omitempty"`
	FreeText    string   `json:"free_text,omitempty"`
	Cancelled   bool     `json:"cancelled,omitempty"`
	RunID       string   `json:"run_id,omitempty"`
}

// StartRun dials the socket, sends the start frame, and returns the run's
// event stream.
func (c *Client) StartRun(ctx context.Context, message string) (run.EventStream, error) {
	conn, _, err := websocket.Dial(ctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	conn.SetReadLimit(1 << 22)

	if err := wsjson.Write(ctx, conn, opFrame{Op: "start", Message: message}); err != nil {
		conn.Close(websocket.StatusInternalError, "start failed")
		return nil, fmt.Errorf("send start: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return &stream{conn: conn, client: c, log: c.log}, nil
}

// ResolveApproval sends an approval resolution on the run's socket.
func (c *Client) ResolveApproval(ctx context.Context, toolID string, res gate.ApprovalResolution) error {
	return c.send(ctx, opFrame{
		Op:       "approval",
		ToolID:   toolID,
		Decision: string(res.Decision),
		Feedback: res.Feedback,
	})
}

// ResolveChoice sends a choice resolution on the run's socket.
func (c *Client) ResolveChoice(ctx context.Context, toolID string, res gate.ChoiceResolution) error {
	return c.send(ctx, opFrame{
		Op:          "choice",
		ToolID:      toolID,
		SelectedIDs: res.SelectedIDs,
		FreeText:    res.FreeText,
		Cancelled:   res.Cancelled,
	})
}

// CancelRun sends a cancel frame. With no socket open there is nothing to
// cancel server-side.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	err := c.send(ctx, opFrame{Op: "cancel", RunID: runID})
	if errors.Is(err, errNoConn) {
		return nil
	}
	return err
}

var errNoConn = errors.New("no run socket open")

func (c *Client) send(ctx context.Context, frame opFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNoConn
	}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return fmt.Errorf("send %s: %w", frame.Op, err)
	}
	return nil
}

func (c *Client) release(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// stream decodes incoming socket frames into events. A socket that closes
// before a terminal event yields a synthesized non-recoverable error event.
type stream struct {
	conn        *websocket.Conn
	client      *Client
	log         *logging.Logger
	sawTerminal bool
	synthesized bool
}

func (s *stream) Recv(ctx context.Context) (protocol.Event, error) {
	if s.sawTerminal || s.synthesized {
		// Drain politely; the socket is per-run.
		return protocol.Event{}, io.EOF
	}

	_, data, err := s.conn.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Event{}, ctx.Err()
		}
		s.synthesized = true
		s.log.Warn(logging.CategoryStream, "socket_dropped", err.Error(), nil)
		return protocol.Event{
			Type:  protocol.EventError,
			Error: &protocol.ErrorPayload{Message: "connection lost before terminal event"},
		}, nil
	}

	ev, err := protocol.Decode(data)
	if err != nil {
		// Fail closed: an undecodable frame poisons the stream.
		s.log.Error(logging.CategoryStream, "decode_failed", err.Error(), nil)
		return protocol.Event{}, err
	}
	if ev.Type.Terminal() {
		s.sawTerminal = true
	}
	return ev, nil
}

func (s *stream) Close() error {
	s.client.release(s.conn)
	return s.conn.Close(websocket.StatusNormalClosure, "run settled")
}
