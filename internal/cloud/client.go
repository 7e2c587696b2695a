// Package cloud implements the cloud transport capability against a REST
// backend, with a websocket stream for the message listener. The coordinator
// never sees HTTP details; it talks to the capability interface only.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/store"
	syncpkg "github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/sync"
)

type Config struct {
	BaseURL string
	WSURL   string
	Token   string
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// IsSignedIn reports whether the client holds credentials for the backend.
func (c *Client) IsSignedIn() bool {
	return c.cfg.BaseURL != "" && c.cfg.Token != ""
}

// SaveMessage upserts a message by ID. PUT keeps the operation idempotent, so
// a crash-interrupted send retried by the sweep cannot duplicate.
func (c *Client) SaveMessage(ctx context.Context, msg store.Message) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	path := "/v1/messages/" + url.PathEscape(msg.ID)
	if err := c.do(ctx, http.MethodPut, path, msg, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		resp.ID = msg.ID
	}
	return resp.ID, nil
}

func (c *Client) GetMessages(ctx context.Context, peerID string, limit int) ([]store.Message, error) {
	path := fmt.Sprintf("/v1/messages?peer=%s&limit=%d", url.QueryEscape(peerID), limit)
	var messages []store.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// ListenMessages opens the websocket stream and invokes fn per message until
// unsubscribed or the stream breaks.
func (c *Client) ListenMessages(peerID string, fn func(store.Message)) (func(), error) {
	if c.cfg.WSURL == "" {
		return nil, fmt.Errorf("no websocket endpoint configured")
	}
	endpoint := c.cfg.WSURL + "/v1/messages/stream"
	if peerID != "" {
		endpoint += "?peer=" + url.QueryEscape(peerID)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to open message stream: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg store.Message
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Warn("Cloud message stream closed", "error", err)
				}
				return
			}
			fn(msg)
		}
	}()

	return func() {
		conn.Close()
		<-done
	}, nil
}

func (c *Client) SaveLocation(ctx context.Context, sample store.LocationSample, emergency bool) error {
	body := struct {
		store.LocationSample
		Emergency bool `json:"emergency"`
	}{sample, emergency}
	return c.do(ctx, http.MethodPost, "/v1/locations", body, nil)
}

func (c *Client) SaveLocationBatch(ctx context.Context, samples []store.LocationSample) error {
	return c.do(ctx, http.MethodPost, "/v1/locations/batch", samples, nil)
}

func (c *Client) SaveEmergencyEvent(ctx context.Context, ev syncpkg.EmergencyEvent) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/emergencies", ev, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) UpdateEmergencyStatus(ctx context.Context, nodeID, status string) error {
	body := map[string]string{"status": status}
	path := "/v1/emergency-status/" + url.PathEscape(nodeID)
	return c.do(ctx, http.MethodPut, path, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
