// Package surface is the client side of the daemon's surface server. The
// CLI and the terminal panel use it to send messages and follow events.
package surface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Dicklesworthstone/clipagent/internal/apierr"
	"github.com/Dicklesworthstone/clipagent/internal/notify"
	"github.com/Dicklesworthstone/clipagent/internal/router"
	"github.com/Dicklesworthstone/clipagent/internal/server"
)

// DefaultTimeout bounds a single message round trip. Message handlers may
// call the remote API, so this is generous.
const DefaultTimeout = 60 * time.Second

// Client talks to a running daemon.
type Client struct {
	base   string
	http   *http.Client
	dialer *websocket.Dialer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for the daemon listening at addr. addr may be a
// host:port or a full http URL.
func New(addr string, opts ...Option) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: DefaultTimeout},
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts one message. A failed response is returned as *apierr.Error.
// When out is non-nil the response data is decoded into it.
func (c *Client) Send(ctx context.Context, typ string, payload any, out any) error {
	msg := router.Message{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		msg.Payload = raw
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/message", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindNetwork, err, "daemon not reachable; is `clipagent serve` running?")
	}
	defer resp.Body.Close()

	var reply struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error *apierr.Error   `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return apierr.Wrap(apierr.KindNetwork, err, "read daemon response")
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, fmt.Sprintf("unexpected daemon response (status %d)", resp.StatusCode))
	}

	if !reply.OK {
		if reply.Error == nil {
			return apierr.New(apierr.KindInternal, "daemon returned an empty error")
		}
		return reply.Error
	}
	if out != nil && len(reply.Data) > 0 {
		if err := json.Unmarshal(reply.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", typ, err)
		}
	}
	return nil
}

// Health fetches the daemon's health document.
func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNetwork, err, "daemon not reachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierr.Newf(apierr.KindHTTP, "health check: %s", resp.Status)
	}
	var out server.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &out, nil
}

// Subscribe opens the event stream. The returned channel is closed when
// ctx is cancelled or the connection drops.
func (c *Client) Subscribe(ctx context.Context) (<-chan notify.Event, error) {
	u, err := url.Parse(c.base + "/events")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNetwork, err, "subscribe to daemon events")
	}

	events := make(chan notify.Event, notify.DefaultBuffer)
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	go func() {
		defer close(events)
		defer close(done)
		for {
			var ev notify.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
