// Package push delivers off-app notifications through the external
// dispatch service, used for invite delivery when the invitee's app is
// not in the foreground.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxTitleLen is the dispatch service's title length limit.
	MaxTitleLen = 250

	// MaxBodyLen is the dispatch service's message length limit.
	MaxBodyLen = 1024
)

// Priority levels understood by the dispatch service.
const (
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// Notification is one message addressed to a participant's devices.
type Notification struct {
	ParticipantID string
	Title         string
	Body          string
	Priority      int
}

// Notifier delivers notifications to participants who are off-app.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Noop drops every notification. Used when no dispatch service is
// configured, so invite flow never depends on push being available.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, Notification) error { return nil }

// response is the dispatch service's JSON reply.
type response struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors,omitempty"`
}

// Client posts notifications to an HTTP dispatch service.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// New returns a Client for baseURL, or Noop when baseURL is empty.
func New(baseURL, token string) Notifier {
	if baseURL == "" {
		return Noop{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify implements Notifier against the HTTP dispatch service.
func (c *Client) Notify(ctx context.Context, n Notification) error {
	title := n.Title
	if len(title) > MaxTitleLen {
		title = title[:MaxTitleLen]
	}
	body := n.Body
	if len(body) > MaxBodyLen {
		body = body[:MaxBodyLen]
	}

	form := url.Values{
		"token":    {c.token},
		"user":     {n.ParticipantID},
		"title":    {title},
		"message":  {body},
		"priority": {strconv.Itoa(n.Priority)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("sending push notification: %w", err)
	}
	defer resp.Body.Close()

	var result response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding push response: %w", err)
	}
	if result.Status != 1 {
		return fmt.Errorf("push dispatch error: %s", strings.Join(result.Errors, "; "))
	}
	return nil
}
