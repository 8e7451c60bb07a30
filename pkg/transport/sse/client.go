// Package sse implements the session transport over HTTP with a
// Server-Sent-Events run stream. Runs are started with a POST whose response
// streams one event per data frame; gate resolutions and cancellation are
// separate POSTs against the same server.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/odvcencio/spool/pkg/gate"
	"github.com/odvcencio/spool/pkg/logging"
	"github.com/odvcencio/spool/pkg/protocol"
	"github.com/odvcencio/spool/pkg/run"
)

// Client talks to one agent server. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger attaches a structured logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: the run stream stays open for the whole run.
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type startRunRequest struct {
	Message string `json:"message"`
}

type approvalRequest struct {
	ToolID   string `json:"tool_id"`
	Decision string `json:"decision"`
	Feedback string `json:"feedback,omitempty"`
}

type choiceRequest struct {
	ToolID      string   `json:"tool_id"`
	SelectedIDs []string `json:"selected_ids,omitempty"`
	FreeText    string   `json:"free_text,omitempty"`
	Cancelled   bool     `json:"cancelled,omitempty"`
}

// StartRun posts the user message and returns the run's event stream.
func (c *Client) StartRun(ctx context.Context, message string) (run.EventStream, error) {
	body, err := json.Marshal(startRunRequest{Message: message})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/runs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("start run: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	return &stream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		log:     c.log,
	}, nil
}

// ResolveApproval posts an approval resolution.
func (c *Client) ResolveApproval(ctx context.Context, toolID string, res gate.ApprovalResolution) error {
	return c.post(ctx, "/runs/approval", approvalRequest{
		ToolID:   toolID,
		Decision: string(res.Decision),
		Feedback: res.Feedback,
	})
}

// ResolveChoice posts a choice resolution.
func (c *Client) ResolveChoice(ctx context.Context, toolID string, res gate.ChoiceResolution) error {
	return c.post(ctx, "/runs/choice", choiceRequest{
		ToolID:      toolID,
		SelectedIDs: res.SelectedIDs,
		FreeText:    res.FreeText,
		Cancelled:   res.Cancelled,
	})
}

// CancelRun asks the server to abort the run. Best effort; the engine has
// already settled locally by the time this is sent.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	if runID == "" {
		return nil
	}
	return c.post(ctx, "/runs/"+runID+"/cancel", struct{}{})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("post %s: %s", path, resp.Status)
	}
	return nil
}

// stream decodes SSE data frames into events. A connection that drops before
// a terminal event yields a synthesized non-recoverable error event, so the
// consumer always sees the run settle.
type stream struct {
	body        io.ReadCloser
	scanner     *bufio.Scanner
	log         *logging.Logger
	sawTerminal bool
	synthesized bool
}

// Recv returns the next event. It returns io.EOF once the stream is
// exhausted after a terminal event.
func (s *stream) Recv(ctx context.Context) (protocol.Event, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Event{}, err
	}

	var data bytes.Buffer
	for s.scanner.Scan() {
		line := s.scanner.Text()

		// Comment lines keep the connection alive; they carry no event.
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(after, " "))
			continue
		}
		if line == "" && data.Len() > 0 {
			ev, err := protocol.Decode(data.Bytes())
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
	}

	if err := s.scanner.Err(); err != nil && ctx.Err() != nil {
		return protocol.Event{}, ctx.Err()
	}

	if s.sawTerminal || s.synthesized {
		return protocol.Event{}, io.EOF
	}

	// The server went away mid-run. Settle the run with an error the UI can
	// explain instead of leaving it streaming forever.
	s.synthesized = true
	s.log.Warn(logging.CategoryStream, "stream_dropped", "connection lost before terminal event", nil)
	return protocol.Event{
		Type:  protocol.EventError,
		Error: &protocol.ErrorPayload{Message: "connection lost before terminal event"},
	}, nil
}

// Close releases the underlying response body.
func (s *stream) Close() error {
	return s.body.Close()
}

// Ping checks server reachability.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz: %s", resp.Status)
	}
	return nil
}
