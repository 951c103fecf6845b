package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Notification is a server-initiated JSON-RPC message (no id), such as
// approval.required or task.event.
type Notification struct {
	Method string
	Params json.RawMessage
}

// CallError is a JSON-RPC error returned by the daemon.
type CallError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("rpc %d: %s", e.Code, e.Message)
}

type wireMsg struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *CallError      `json:"error,omitempty"`
}

// Client is a JSON-RPC client over the daemon's websocket endpoint.
// Calls may be issued from any goroutine; responses are matched by id and
// server pushes surface on Notifications.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan wireMsg
	readErr error

	notes chan Notification
	done  chan struct{}
}

// Dial connects to the daemon at addr, authenticates with token, and
// verifies the protocol handshake before returning.
func Dial(ctx context.Context, addr, token string) (*Client, error) {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, wsEndpoint(addr), opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan wireMsg),
		notes:   make(chan Notification, 32),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	var hello struct {
		Protocol string `json:"protocol"`
		Version  string `json:"version"`
	}
	if err := c.Call(ctx, "system.hello", map[string]any{"client": "crewd-cli"}, &hello); err != nil {
		c.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if hello.Protocol != "crewd" {
		c.Close()
		return nil, fmt.Errorf("handshake: unexpected protocol %q", hello.Protocol)
	}
	return c, nil
}

// wsEndpoint normalizes a bind address or URL into the /ws websocket URL.
func wsEndpoint(addr string) string {
	addr = strings.TrimSpace(addr)
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
	case strings.HasPrefix(addr, "http://"):
		addr = "ws://" + strings.TrimPrefix(addr, "http://")
	case strings.HasPrefix(addr, "https://"):
		addr = "wss://" + strings.TrimPrefix(addr, "https://")
	default:
		addr = "ws://" + addr
	}
	addr = strings.TrimRight(addr, "/")
	if !strings.HasSuffix(addr, "/ws") {
		addr += "/ws"
	}
	return addr
}

func (c *Client) readLoop() {
	for {
		var msg wireMsg
		if err := wsjson.Read(context.Background(), c.conn, &msg); err != nil {
			c.mu.Lock()
			c.readErr = err
			for id, ch := range c.pending {
				delete(c.pending, id)
				close(ch)
			}
			c.mu.Unlock()
			close(c.done)
			close(c.notes)
			return
		}
		switch {
		case msg.ID != nil:
			c.mu.Lock()
			ch := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case msg.Method != "":
			select {
			case c.notes <- Notification{Method: msg.Method, Params: msg.Params}:
			default:
				// A stalled console falls back to its poll cycle.
			}
		}
	}
}

// Call issues a request and decodes the matching response into out.
// A *CallError is returned when the daemon rejects the call.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	ch := make(chan wireMsg, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return fmt.Errorf("connection closed: %w", err)
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	c.writeMu.Lock()
	err := wsjson.Write(ctx, c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return errors.New("connection closed")
		}
		if msg.Error != nil {
			return msg.Error
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notifications yields server pushes. The channel closes when the
// connection drops.
func (c *Client) Notifications() <-chan Notification { return c.notes }

// Close tears down the websocket. Pending calls fail.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client closing")
}
