package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// ErrClientClosed is returned by requests and event reads after Close.
var ErrClientClosed = errors.New("dap client closed")

// ResponseError is a response with success set to false.
type ResponseError struct {
	Command string
	Message string
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	if e.Message == "" {
		return e.Command + " failed"
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// Client sends requests to a debug adapter and correlates their responses.
// Events are queued in arrival order and read with NextEvent.
type Client struct {
	transport Transport
	seq       atomic.Int64
	pending   map[int]chan reply
	pendingMu sync.Mutex
	err       error
	events    eventQueue
	done      chan struct{}
	closeOnce sync.Once
}

type reply struct {
	resp *Response
	err  error
}

// NewClient starts reading from transport.
func NewClient(transport Transport) *Client {
	c := &Client{
		transport: transport,
		pending:   make(map[int]chan reply),
		events:    eventQueue{notify: make(chan struct{}, 1)},
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Close closes the client and its transport.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	return err
}

func (c *Client) receiveLoop() {
	for {
		content, err := c.transport.Receive()
		if err != nil {
			select {
			case <-c.done:
				err = ErrClientClosed
			default:
			}
			c.fail(err)
			return
		}
		if !gjson.ValidBytes(content) {
			continue
		}

		switch gjson.GetBytes(content, "type").String() {
		case "response":
			c.handleResponse(content)
		case "event":
			c.events.push(Event{
				Seq:   int(gjson.GetBytes(content, "seq").Int()),
				Event: gjson.GetBytes(content, "event").String(),
				Body:  json.RawMessage(gjson.GetBytes(content, "body").Raw),
			})
		}
	}
}

// fail completes every pending request and the event queue with err.
func (c *Client) fail(err error) {
	c.pendingMu.Lock()
	c.err = err
	for seq, ch := range c.pending {
		ch <- reply{err: err}
		delete(c.pending, seq)
	}
	c.pendingMu.Unlock()
	c.events.close(err)
}

func (c *Client) handleResponse(content []byte) {
	seq := int(gjson.GetBytes(content, "request_seq").Int())

	c.pendingMu.Lock()
	ch, ok := c.pending[seq]
	delete(c.pending, seq)
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	var resp Response
	if err := json.Unmarshal(content, &resp); err != nil {
		ch <- reply{err: fmt.Errorf("decode %s response: %w", gjson.GetBytes(content, "command").String(), err)}
		return
	}
	ch <- reply{resp: &resp}
}

// Call sends command with args and decodes the response body into out,
// which may be nil.
func (c *Client) Call(ctx context.Context, command string, args, out any) error {
	seq := int(c.seq.Add(1))

	content, err := json.Marshal(Request{
		Seq:       seq,
		Type:      "request",
		Command:   command,
		Arguments: args,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", command, err)
	}

	ch := make(chan reply, 1)
	c.pendingMu.Lock()
	if c.err != nil {
		err := c.err
		c.pendingMu.Unlock()
		return fmt.Errorf("%s: %w", command, err)
	}
	c.pending[seq] = ch
	c.pendingMu.Unlock()

	if err := c.transport.Send(content); err != nil {
		c.forget(seq)
		return fmt.Errorf("send %s: %w", command, err)
	}

	var r reply
	select {
	case <-ctx.Done():
		c.forget(seq)
		return ctx.Err()
	case <-c.done:
		c.forget(seq)
		return ErrClientClosed
	case r = <-ch:
	}
	if r.err != nil {
		return fmt.Errorf("%s: %w", command, r.err)
	}
	if !r.resp.Success {
		return &ResponseError{Command: command, Message: r.resp.Message}
	}
	if out != nil && len(r.resp.Body) > 0 {
		if err := json.Unmarshal(r.resp.Body, out); err != nil {
			return fmt.Errorf("decode %s response: %w", command, err)
		}
	}
	return nil
}

func (c *Client) forget(seq int) {
	c.pendingMu.Lock()
	delete(c.pending, seq)
	c.pendingMu.Unlock()
}

// NextEvent returns the oldest queued event, waiting for one if needed.
// After the transport fails it returns the transport error.
func (c *Client) NextEvent(ctx context.Context) (Event, error) {
	return c.events.next(ctx)
}

// eventQueue is an unbounded FIFO with a single consumer, so the receive
// loop never blocks on a slow reader.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	err    error
	notify chan struct{}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) close(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, nil
		}
		err := q.err
		q.mu.Unlock()
		if err != nil {
			return Event{}, err
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.notify:
		}
	}
}
