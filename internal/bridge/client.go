package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
	"github.com/dmihaylov4/WRKT-sub002/internal/run"
)

// RunChannel is an attached live-relay subscription for one run.
type RunChannel interface {
	Read() (protocol.Message, error)
	Write(msg protocol.Message) error
	Close() error
}

// SessionFeed streams session lifecycle records for one participant.
type SessionFeed interface {
	Next() (run.Session, error)
	Close() error
}

// ServiceClient is the slice of the coordination service the relay pumps
// call. *Client implements it.
type ServiceClient interface {
	Accept(ctx context.Context, runID string) (run.Session, error)
	Decline(ctx context.Context, runID string) error
	Complete(ctx context.Context, runID string, final protocol.FinalStats) (run.Session, error)
	FetchLatestSnapshot(ctx context.Context, runID, participantID string) (protocol.Snapshot, error)
	DialRun(ctx context.Context, runID string) (RunChannel, error)
}

// Client talks to the coordination service on the wearer's behalf over
// HTTP and websocket, authenticating every call with the bearer token.
type Client struct {
	baseURL string
	wsURL   string
	token   string
	httpc   *http.Client
}

func NewClient(baseURL, token string) *Client {
	base := strings.TrimRight(baseURL, "/")
	ws := base
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return &Client{
		baseURL: base,
		wsURL:   ws,
		token:   token,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) CreateInvite(ctx context.Context, inviteeID string) (run.Session, error) {
	var out run.Session
	err := c.do(ctx, http.MethodPost, "/runs/invites", map[string]string{"invitee_id": inviteeID}, &out)
	return out, err
}

func (c *Client) Accept(ctx context.Context, runID string) (run.Session, error) {
	var out run.Session
	err := c.do(ctx, http.MethodPost, "/runs/"+runID+"/accept", nil, &out)
	return out, err
}

func (c *Client) Decline(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+runID+"/decline", nil, nil)
}

func (c *Client) Complete(ctx context.Context, runID string, final protocol.FinalStats) (run.Session, error) {
	var out run.Session
	err := c.do(ctx, http.MethodPost, "/runs/"+runID+"/complete", final, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, runID string) (run.Session, error) {
	var out run.Session
	err := c.do(ctx, http.MethodGet, "/runs/"+runID, nil, &out)
	return out, err
}

// Pending lists invites waiting on the caller's confirmation.
func (c *Client) Pending(ctx context.Context) ([]run.Session, error) {
	var out []run.Session
	err := c.do(ctx, http.MethodGet, "/runs/pending", nil, &out)
	return out, err
}

// Active returns the caller's current live session, or run.ErrNotFound.
func (c *Client) Active(ctx context.Context) (run.Session, error) {
	var out run.Session
	err := c.do(ctx, http.MethodGet, "/runs/active", nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context) ([]run.Session, error) {
	var out []run.Session
	err := c.do(ctx, http.MethodGet, "/runs/history", nil, &out)
	return out, err
}

// FetchLatestSnapshot returns the newest flushed snapshot for one
// participant of a run, for catch-up after a gap in the live channel.
func (c *Client) FetchLatestSnapshot(ctx context.Context, runID, participantID string) (protocol.Snapshot, error) {
	var out protocol.Snapshot
	path := "/runs/" + runID + "/snapshots/latest?participant_id=" + url.QueryEscape(participantID)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// RouteReady reports that the post-run route render for the caller is
// available at routeURL.
func (c *Client) RouteReady(ctx context.Context, runID, routeURL string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+runID+"/route-ready", map[string]string{"route_url": routeURL}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return run.ErrorFromCode(body.Error)
	}
	return fmt.Errorf("service: unexpected status %d", resp.StatusCode)
}

// DialRun attaches to the live relay channel for runID.
func (c *Client) DialRun(ctx context.Context, runID string) (RunChannel, error) {
	conn, err := c.dial(ctx, "/stream/ws/runs/"+runID)
	if err != nil {
		return nil, err
	}
	return &runConn{conn: conn}, nil
}

// DialFeed attaches to the session lifecycle feed for participantID.
func (c *Client) DialFeed(ctx context.Context, participantID string) (SessionFeed, error) {
	conn, err := c.dial(ctx, "/stream/ws/participants/"+participantID+"/sessions")
	if err != nil {
		return nil, err
	}
	return &feedConn{conn: conn}, nil
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL+path, h)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return conn, nil
}

// runConn frames protocol messages over one websocket. The mutex
// serializes writers; gorilla permits a single concurrent writer.
type runConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (r *runConn) Read() (protocol.Message, error) {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			// One undecodable frame is not worth a reconnect cycle.
			continue
		}
		return msg, nil
	}
}

func (r *runConn) Write(msg protocol.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, raw)
}

func (r *runConn) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return r.conn.Close()
}

type feedConn struct {
	conn *websocket.Conn
}

func (f *feedConn) Next() (run.Session, error) {
	var s run.Session
	_, data, err := f.conn.ReadMessage()
	if err != nil {
		return run.Session{}, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return run.Session{}, err
	}
	return s, nil
}

func (f *feedConn) Close() error {
	_ = f.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return f.conn.Close()
}
