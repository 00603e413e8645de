// Package client talks to a running daemon over its unix socket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/store"
)

// Error is a non-2xx answer from the daemon.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Client is an HTTP client bound to one daemon socket.
type Client struct {
	http *http.Client
	base string
}

// New returns a client for the daemon listening on socketPath. No
// connection is made until the first call.
func New(socketPath string) *Client {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		MaxIdleConns:    2,
		IdleConnTimeout: 30 * time.Second,
	}
	return &Client{http: &http.Client{Transport: tr}, base: "http://chatsyncd"}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	var env struct {
		Success bool             `json:"success"`
		Data    json.RawMessage  `json:"data"`
		Error   *api.ErrorDetail `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if !env.Success || resp.StatusCode >= 300 {
		e := &Error{StatusCode: resp.StatusCode, Code: "UNKNOWN", Message: resp.Status}
		if env.Error != nil {
			e.Code, e.Message = env.Error.Code, env.Error.Message
		}
		return e
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func call[T any](ctx context.Context, c *Client, method, path string, body any) (*T, error) {
	var out T
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*api.Status, error) {
	return call[api.Status](ctx, c, http.MethodGet, "/v1/status", nil)
}

func (c *Client) SetNetwork(ctx context.Context, reachable, constrained bool) (*api.Status, error) {
	req := api.NetworkRequest{Reachable: reachable, Constrained: constrained}
	return call[api.Status](ctx, c, http.MethodPut, "/v1/network", req)
}

func (c *Client) SetPower(ctx context.Context, constrained bool) (*api.Status, error) {
	return call[api.Status](ctx, c, http.MethodPut, "/v1/power", api.PowerRequest{Constrained: constrained})
}

// Sync runs a drain on the daemon and waits for it.
func (c *Client) Sync(ctx context.Context) (*api.SyncResult, error) {
	return call[api.SyncResult](ctx, c, http.MethodPost, "/v1/sync", nil)
}

func (c *Client) Retry(ctx context.Context, ref store.Ref) (*store.SyncState, error) {
	return call[store.SyncState](ctx, c, http.MethodPost, "/v1/retry", api.RetryRequest{Kind: ref.Kind, ID: ref.ID})
}

func (c *Client) Conversations(ctx context.Context, limit int, archived bool) ([]store.Conversation, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if archived {
		q.Set("archived", "true")
	}
	convs, err := call[[]store.Conversation](ctx, c, http.MethodGet, "/v1/conversations?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

// Open opens the two-party conversation with peerID, creating it if needed.
func (c *Client) Open(ctx context.Context, peerID string) (*store.Conversation, error) {
	return call[store.Conversation](ctx, c, http.MethodPost, "/v1/conversations", api.OpenRequest{PeerID: peerID})
}

func (c *Client) MarkRead(ctx context.Context, convID string) (*store.Conversation, error) {
	return call[store.Conversation](ctx, c, http.MethodPost, conversationPath(convID, "read"), nil)
}

func (c *Client) Messages(ctx context.Context, convID string, limit int, before string) (*api.MessagePage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if before != "" {
		q.Set("before", before)
	}
	return call[api.MessagePage](ctx, c, http.MethodGet, conversationPath(convID, "messages")+"?"+q.Encode(), nil)
}

func (c *Client) Send(ctx context.Context, convID, text string) (*store.Message, error) {
	return call[store.Message](ctx, c, http.MethodPost, conversationPath(convID, "messages"), api.SendRequest{Text: text})
}

func conversationPath(convID, sub string) string {
	return "/v1/conversations/" + url.PathEscape(convID) + "/" + sub
}
