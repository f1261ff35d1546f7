package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	// ErrChannelClosed is returned for calls made or pending after the channel was torn down.
	ErrChannelClosed = errors.New("connection closed")
	// ErrCallFailed is wrapped by every CallError.
	ErrCallFailed = errors.New("call failed")
)

// CallError is an error reported by the worker for one call.
// It is local to that call and does not affect the channel.
type CallError struct {
	ID        uint64
	Operation string
	Message   string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %d (%s) failed: %s", e.ID, e.Operation, e.Message)
}

func (e *CallError) Unwrap() error { return ErrCallFailed }

// Handshake sends the init request on a freshly accepted connection and waits for the worker's init response.
func Handshake(ctx context.Context, conn *websocket.Conn, req InitRequest) (*InitResult, error) {
	err := wsjson.Write(ctx, conn, Request{Type: TypeInit, Init: &req})
	if err != nil {
		return nil, fmt.Errorf("writing init request: %w", err)
	}
	var resp Response
	err = wsjson.Read(ctx, conn, &resp)
	if err != nil {
		return nil, fmt.Errorf("reading init response: %w", err)
	}
	if resp.Type != TypeInit || resp.Init == nil {
		return nil, fmt.Errorf("expected init response, got %q", resp.Type)
	}
	return resp.Init, nil
}

type ClientOption func(c *Client)

// WithOnLost sets a function that is called once if the channel goes away without a normal close.
func WithOnLost(f func(err error)) ClientOption {
	return func(c *Client) {
		c.onLost = f
	}
}

// WithOnAbandon sets a function that is called when a caller stops waiting for a call before its response arrived.
func WithOnAbandon(f func(id uint64, op string)) ClientOption {
	return func(c *Client) {
		c.onAbandon = f
	}
}

// Client is the supervisor side of the channel.
// It is safe for concurrent use: many calls may be in flight, the worker answers them one at a time.
type Client struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	onLost    func(err error)
	onAbandon func(id uint64, op string)

	mut      sync.Mutex
	nextID   uint64
	pending  map[uint64]*Future
	closed   bool
	closeErr error

	readerDone chan struct{}
}

// NewClient wraps a connection whose handshake has completed, and starts reading responses.
func NewClient(conn *websocket.Conn, log *zap.SugaredLogger, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:        log.Named("rpc_client"),
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		pending:    map[uint64]*Future{},
		readerDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	conn.SetReadLimit(ReadLimit)
	go c.readMessages()
	return c
}

// Go sends a call request and returns without waiting for the response.
// ctx is only checked before sending; the write itself is bound to the channel, so a caller giving up can't break it.
func (c *Client) Go(ctx context.Context, op string, args ...any) (*Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rawArgs := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d of %s: %w", i, op, err)
		}
		rawArgs[i] = b
	}

	c.mut.Lock()
	if c.closed {
		err := c.closeErr
		c.mut.Unlock()
		return nil, err
	}
	c.nextID++
	f := &Future{id: c.nextID, op: op, client: c, done: make(chan struct{})}
	c.pending[f.id] = f
	c.mut.Unlock()

	c.log.Debugw("sending call", "ID", f.id, "Operation", op)
	writeCtx, cancel := context.WithTimeout(c.ctx, WriteTimeout)
	defer cancel()
	err := wsjson.Write(writeCtx, c.conn, Request{Type: TypeCall, ID: f.id, Operation: op, Args: rawArgs})
	if err != nil {
		if c.take(f.id) != nil {
			f.resolve(nil, err)
		}
		return nil, fmt.Errorf("writing call request: %w", err)
	}
	return f, nil
}

// Invoke sends a call request and waits for its response.
func (c *Client) Invoke(ctx context.Context, op string, args ...any) (json.RawMessage, error) {
	f, err := c.Go(ctx, op, args...)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// SendShutdown asks the worker to release the native object and exit. It does not wait for the worker.
func (c *Client) SendShutdown(ctx context.Context) error {
	c.mut.Lock()
	closed := c.closed
	c.mut.Unlock()
	if closed {
		return ErrChannelClosed
	}
	return SendShutdown(ctx, c.conn)
}

// SendShutdown writes a shutdown request on a connection that has no Client, such as one whose handshake was rejected.
func SendShutdown(ctx context.Context, conn *websocket.Conn) error {
	return wsjson.Write(ctx, conn, Request{Type: TypeShutdown})
}

// Pending returns the number of calls still waiting for a response.
func (c *Client) Pending() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.pending)
}

// Close tears down the channel. Every pending call is rejected with ErrChannelClosed.
func (c *Client) Close() error {
	c.fail(ErrChannelClosed)
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.readerDone
	if err != nil {
		c.log.Debugf("error closing conn: %s", err)
	}
	return nil
}

// Done is closed once the channel has stopped reading responses.
func (c *Client) Done() <-chan struct{} { return c.readerDone }

// fail marks the client closed and rejects all pending calls. It returns false if the client was already closed.
func (c *Client) fail(err error) bool {
	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return false
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = map[uint64]*Future{}
	c.mut.Unlock()

	for _, f := range pending {
		f.resolve(nil, err)
	}
	if len(pending) > 0 {
		c.log.Debugw("rejected pending calls", "Count", len(pending), "Error", err)
	}
	return true
}

func (c *Client) take(id uint64) *Future {
	c.mut.Lock()
	defer c.mut.Unlock()
	f, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return f
}

func (c *Client) abandon(f *Future, err error) bool {
	if c.take(f.id) == nil {
		return false
	}
	f.resolve(nil, err)
	c.log.Debugw("abandoned call", "ID", f.id, "Operation", f.op, "Error", err)
	if c.onAbandon != nil {
		c.onAbandon(f.id, f.op)
	}
	return true
}

func (c *Client) readMessages() {
	defer close(c.readerDone)
	for {
		var msg Response
		err := wsjson.Read(c.ctx, c.conn, &msg)
		if err != nil {
			closeErr := fmt.Errorf("%w: %s", ErrChannelClosed, err)
			if c.fail(closeErr) && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.log.Debugf("channel lost: %s", err)
				if c.onLost != nil {
					c.onLost(err)
				}
			}
			return
		}

		switch msg.Type {
		case TypeResult, TypeError:
		default:
			c.log.Debugw("dropping unexpected message", "Type", msg.Type)
			continue
		}

		f := c.take(msg.ID)
		if f == nil {
			c.log.Debugw("dropping response for unknown call", "ID", msg.ID)
			continue
		}
		if msg.Type == TypeError {
			f.resolve(nil, &CallError{ID: msg.ID, Operation: f.op, Message: msg.Error})
			continue
		}
		f.resolve(msg.Result, nil)
	}
}

// Future is a call whose response may not have arrived yet.
type Future struct {
	id     uint64
	op     string
	client *Client
	done   chan struct{}

	result json.RawMessage
	err    error
}

func (f *Future) ID() uint64 { return f.id }

// Done is closed when the call has been answered or rejected.
func (f *Future) Done() <-chan struct{} { return f.done }

// resolve must be called at most once, by whoever removed the future from the pending table.
func (f *Future) resolve(result json.RawMessage, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Wait blocks until the call is answered. If ctx is done first, the call is abandoned and a late response is dropped.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
	}
	if f.client.abandon(f, ctx.Err()) {
		return nil, ctx.Err()
	}
	// lost the race with the response or with close
	<-f.done
	return f.result, f.err
}

// Decode waits for the call and unmarshals its result into v.
func (f *Future) Decode(ctx context.Context, v any) error {
	res, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	if len(res) == 0 {
		return nil
	}
	return json.Unmarshal(res, v)
}
