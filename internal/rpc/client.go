package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	appErr "autojudge/pkg/errors"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("rpc client closed")

// TransportError marks failures of the connection itself, as opposed to a
// fault returned by the server.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "rpc transport: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err came from the connection.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// DialOptions configures Dial.
type DialOptions struct {
	Token            string
	HandshakeTimeout time.Duration
	// OnNotify receives server notifications on the read goroutine.
	OnNotify func(method string, params json.RawMessage)
}

// Client is one RPC session. Calls may be issued concurrently.
type Client struct {
	ws       *websocket.Conn
	onNotify func(string, json.RawMessage)

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan *Message
	seq     atomic.Uint64

	ready     chan struct{}
	readyOnce sync.Once
	session   SessionInfo

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial opens a session at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadBufferSize:   64 << 10,
		WriteBufferSize:  64 << 10,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			var fault Fault
			if json.NewDecoder(resp.Body).Decode(&fault) == nil && fault.Code != "" {
				return nil, fault.Err()
			}
		}
		return nil, &TransportError{Err: err}
	}
	c := &Client{
		ws:       ws,
		onNotify: opts.OnNotify,
		pending:  make(map[string]chan *Message),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Session waits for the session.ready notification.
func (c *Client) Session(ctx context.Context) (SessionInfo, error) {
	select {
	case <-c.ready:
		return c.session, nil
	case <-c.done:
		return SessionInfo{}, c.closedErr()
	case <-ctx.Done():
		return SessionInfo{}, ctx.Err()
	}
}

// Call sends method with params and decodes the result into out (which may
// be nil). Server faults come back as *errors.Error.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return appErr.Wrapf(err, appErr.InvalidParams, "encode params failed")
		}
		raw = b
	}
	id := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan *Message, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return c.closedErr()
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, &Message{ID: id, Method: method, Params: raw}); err != nil {
		c.shutdown(err)
		return &TransportError{Err: err}
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.Err()
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return appErr.Wrapf(err, appErr.InvalidFormat, "decode %s result failed", method)
		}
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return &TransportError{Err: ctx.Err()}
	}
}

// Done is closed once the session ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the session ended, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the session.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) write(ctx context.Context, msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteJSON(msg)
}

func (c *Client) readLoop() {
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.shutdown(err)
			return
		}
		switch {
		case msg.IsResponse():
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				m := msg
				select {
				case ch <- &m:
				default:
				}
			}
		case msg.IsNotification():
			if msg.Method == MethodSessionReady {
				var info SessionInfo
				if json.Unmarshal(msg.Params, &info) == nil {
					c.readyOnce.Do(func() {
						c.session = info
						close(c.ready)
					})
				}
			}
			if c.onNotify != nil {
				c.onNotify(msg.Method, msg.Params)
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		close(c.done)
		c.mu.Unlock()
		_ = c.ws.Close()
	})
}

func (c *Client) closedErr() error {
	if errors.Is(c.err, ErrClosed) {
		return ErrClosed
	}
	return &TransportError{Err: c.err}
}
