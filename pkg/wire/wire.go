// Package wire implements the framed control-channel protocol spoken over a
// conductor's admin and app WebSocket interfaces. Every outbound call is a
// tagged request envelope carrying a correlation id; the read loop matches
// response envelopes back to their waiting callers and hands signal envelopes
// to the registered subscriber. Signals that arrive while nobody is
// subscribed are buffered and can be drained later.
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// Message envelope types.
const (
	typeRequest  = "request"
	typeResponse = "response"
	typeSignal   = "signal"
)

// Message is the framing envelope exchanged on a control channel.
type Message struct {
	Type string          `json:"type"`
	ID   uint64          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// call is the inner payload of a request: a named method plus its parameters.
type call struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// reply mirrors call on the response side so errors can be detected.
type reply struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RemoteError is a structured error returned by the remote end of a channel.
type RemoteError struct {
	Method string
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("wire: %s: remote error: %s", e.Method, e.Body)
}

// ErrClosed is returned by Call when the channel has been closed, either
// explicitly or because the underlying connection failed.
var ErrClosed = errors.New("wire: connection closed")

// SignalHandler receives the payload of a signal envelope.
type SignalHandler func(data json.RawMessage)

// Subscription is the capability token acquired by SubscribeSignals. Holding
// it is the only way to release the handler slot again.
type Subscription struct {
	c    *Client
	once sync.Once
}

// Cancel releases the handler slot. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.c.mu.Lock()
		s.c.handler = nil
		s.c.mu.Unlock()
	})
}

// Client is a control-channel client over one WebSocket connection. It is
// safe for concurrent use; any number of calls may be in flight at once and
// responses are matched by correlation id, not submission order.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan reply
	handler  SignalHandler
	buffered []json.RawMessage
	closed   bool

	readDone chan struct{}
}

// DialOptions configures Dial.
type DialOptions struct {
	// HTTPClient is used for the WebSocket handshake.
	HTTPClient *http.Client
	// HTTPHeader is applied to the handshake request.
	HTTPHeader http.Header
	// Logger receives warnings about unmatched or malformed frames.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// Dial connects to the given URL and starts the read loop. An http or https
// scheme is rewritten to ws or wss.
func Dial(ctx context.Context, url string, opts *DialOptions) (*Client, error) {
	if opts == nil {
		opts = &DialOptions{}
	}

	conn, _, err := websocket.Dial(ctx, wsURL(url), &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: opts.HTTPHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", url, err)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		conn:     conn,
		log:      log,
		pending:  make(map[uint64]chan reply),
		readDone: make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// wsURL converts an http(s) URL to its ws(s) equivalent. URLs already using
// ws/wss are left unchanged.
func wsURL(u string) string {
	if strings.HasPrefix(u, "https://") {
		return "wss://" + u[len("https://"):]
	}

	if strings.HasPrefix(u, "http://") {
		return "ws://" + u[len("http://"):]
	}

	return u
}

// Call sends a named method with its parameters and waits for the matching
// response. It returns the raw response payload, a *RemoteError if the remote
// end reported one, or ErrClosed if the connection went away first.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	inner, err := json.Marshal(call{Type: method, Data: params})
	if err != nil {
		return nil, fmt.Errorf("wire: %s: marshal params: %w", method, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env, err := json.Marshal(Message{Type: typeRequest, ID: id, Data: inner})
	if err != nil {
		return nil, fmt.Errorf("wire: %s: marshal envelope: %w", method, err)
	}

	if err := c.conn.Write(ctx, websocket.MessageText, env); err != nil {
		return nil, fmt.Errorf("wire: %s: write: %w", method, err)
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if r.Type == "error" {
			return nil, &RemoteError{Method: method, Body: string(r.Data)}
		}
		return r.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.readDone:
		return nil, ErrClosed
	}
}

// SubscribeSignals installs the signal handler and returns the capability
// token that releases it. Only one subscriber may exist at a time. Signals
// buffered while nobody was subscribed are delivered to the new handler
// first, in arrival order.
func (c *Client) SubscribeSignals(h SignalHandler) (*Subscription, error) {
	c.mu.Lock()
	if c.handler != nil {
		c.mu.Unlock()
		return nil, errors.New("wire: signal handler already subscribed")
	}
	c.handler = h
	backlog := c.buffered
	c.buffered = nil
	c.mu.Unlock()

	for _, data := range backlog {
		h(data)
	}

	return &Subscription{c: c}, nil
}

// DrainSignals returns and clears the signals buffered while no handler was
// subscribed.
func (c *Client) DrainSignals() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.buffered
	c.buffered = nil
	return out
}

// Close tears the connection down. It is idempotent; pending calls fail with
// ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close(websocket.StatusNormalClosure, "")
	<-c.readDone

	if err != nil && !errors.As(err, new(websocket.CloseError)) {
		return fmt.Errorf("wire: close: %w", err)
	}

	return nil
}

// readLoop reads envelopes until the connection fails, routing responses to
// their waiting callers and signals to the subscriber.
func (c *Client) readLoop() {
	defer close(c.readDone)

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.fail()
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("wire: dropping unparseable frame", "error", err)
			continue
		}

		switch msg.Type {
		case typeResponse:
			var r reply
			if err := json.Unmarshal(msg.Data, &r); err != nil {
				c.log.Warn("wire: dropping unparseable response payload", "id", msg.ID, "error", err)
				continue
			}

			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()

			if !ok {
				c.log.Warn("wire: dropping response with no waiting caller", "id", msg.ID)
				continue
			}
			ch <- r

		case typeSignal:
			c.mu.Lock()
			h := c.handler
			if h == nil {
				c.buffered = append(c.buffered, msg.Data)
			}
			c.mu.Unlock()

			if h != nil {
				h(msg.Data)
			}

		case typeRequest:
			c.log.Warn("wire: dropping unexpected request from remote", "id", msg.ID)

		default:
			c.log.Warn("wire: dropping frame with unknown type", "type", msg.Type)
		}
	}
}

// fail marks the client closed and releases every pending caller.
func (c *Client) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
