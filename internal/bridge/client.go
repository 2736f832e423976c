package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/iambrandonn/potter/internal/ndjson"
	"github.com/iambrandonn/potter/internal/protocol"
)

// EventRecord is a decoded event notification tagged with its arrival order.
type EventRecord struct {
	Seq    uint64
	Method string
	Event  protocol.Event
}

type callResult struct {
	result json.RawMessage
	rpcErr *protocol.RPCError
	err    error
}

// Client multiplexes one JSON-RPC connection to the app-server. A single
// reader goroutine consumes every inbound line: responses complete pending
// calls, approval requests are answered immediately, and event
// notifications are queued for Events() without ever blocking the reader.
type Client struct {
	encoder *ndjson.Encoder
	decoder *ndjson.Decoder
	logger  *slog.Logger

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[protocol.RequestID]chan callResult
	closed   bool
	closeErr error
	seq      uint64

	queue  *eventQueue
	events chan EventRecord
	stop   chan struct{}
	once   sync.Once
	done   chan struct{}
}

// NewClient starts reading from r and writing requests to w.
func NewClient(w io.Writer, r io.Reader, logger *slog.Logger) *Client {
	c := &Client{
		encoder: ndjson.NewEncoder(w, logger),
		decoder: ndjson.NewDecoder(r, logger),
		logger:  logger,
		pending: make(map[protocol.RequestID]chan callResult),
		queue:   newEventQueue(),
		events:  make(chan EventRecord),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go c.readLoop()
	go c.forward()

	return c
}

// Events returns decoded event notifications in arrival order. The channel
// closes after the app-server output ends and every queued event has been
// delivered.
func (c *Client) Events() <-chan EventRecord {
	return c.events
}

// Done is closed once the app-server output stream has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the output stream ended, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close stops event delivery. Pending calls fail with ErrClosed.
func (c *Client) Close() {
	c.once.Do(func() { close(c.stop) })
	c.shutdown(ErrClosed)
}

// Call sends a request and waits for its response, decoding the result
// into result when it is non-nil.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	id := protocol.NumericID(c.nextID.Add(1))
	ch := make(chan callResult, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.logger.Debug("sending request", "method", method, "id", id.String())

	if err := c.encoder.Encode(protocol.Request{ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.rpcErr != nil {
			return &ResponseError{Method: method, ID: id, Err: res.rpcErr}
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(res.result, result); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", method, err)
		}
		return nil
	}
}

// Notify sends a notification. A nil params omits the member.
func (c *Client) Notify(method string, params any) error {
	if err := c.encoder.Encode(protocol.Notification{Method: method, Params: params}); err != nil {
		return fmt.Errorf("failed to send %s notification: %w", method, err)
	}
	return nil
}

// inject queues a locally produced event behind everything already received.
func (c *Client) inject(msg protocol.EventMsg) {
	c.mu.Lock()
	c.seq++
	rec := EventRecord{Seq: c.seq, Event: protocol.Event{Msg: msg}}
	c.mu.Unlock()
	c.queue.push(rec)
}

func (c *Client) forget(id protocol.RequestID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var msg protocol.Message
		err := c.decoder.Decode(&msg)

		var lineErr *ndjson.LineError
		switch {
		case err == nil:
			c.dispatch(&msg)
		case errors.As(err, &lineErr):
			c.transportError(lineErr)
		case errors.Is(err, io.EOF):
			c.logger.Info("app-server stdout closed")
			c.shutdown(ErrClosed)
			return
		default:
			c.logger.Error("failed to read app-server output", "error", err)
			c.shutdown(fmt.Errorf("failed to read app-server output: %w", err))
			return
		}
	}
}

func (c *Client) dispatch(msg *protocol.Message) {
	switch msg.Kind() {
	case protocol.MessageKindResponse, protocol.MessageKindError:
		c.complete(*msg.ID, callResult{result: msg.Result, rpcErr: msg.Error})
	case protocol.MessageKindNotification:
		c.notification(msg)
	case protocol.MessageKindRequest:
		c.answer(msg)
	default:
		c.logger.Warn("ignoring message with no id or method")
	}
}

func (c *Client) complete(id protocol.RequestID, res callResult) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("response for unknown request", "id", id.String())
		return
	}
	ch <- res
}

func (c *Client) notification(msg *protocol.Message) {
	if !strings.HasPrefix(msg.Method, protocol.EventMethodPrefix) {
		c.logger.Debug("ignoring notification", "method", msg.Method)
		return
	}
	if len(msg.Params) == 0 {
		return
	}

	var ev protocol.Event
	if err := json.Unmarshal(msg.Params, &ev); err != nil {
		c.transportError(&ndjson.LineError{Line: c.decoder.Line(), Raw: msg.Params, Err: err})
		return
	}

	c.mu.Lock()
	c.seq++
	rec := EventRecord{Seq: c.seq, Method: msg.Method, Event: ev}
	c.mu.Unlock()

	c.queue.push(rec)
}

// answer replies to a server request. Approvals are always granted;
// anything else is rejected with method-not-found.
func (c *Client) answer(msg *protocol.Message) {
	id := *msg.ID

	if decision, ok := protocol.ApprovalDecision(msg.Method); ok {
		c.logger.Debug("approving server request", "method", msg.Method, "id", id.String(), "decision", decision.Decision)
		if err := c.encoder.Encode(protocol.Response{ID: id, Result: decision}); err != nil {
			c.logger.Error("failed to answer approval request", "method", msg.Method, "error", err)
		}
		return
	}

	protoErr := &ApprovalProtocolError{Method: msg.Method, ID: id}
	c.logger.Warn("rejecting server request", "method", msg.Method, "id", id.String(), "error", protoErr)
	reply := protocol.ErrorResponse{
		ID: id,
		Error: protocol.RPCError{
			Code:    protocol.ErrorCodeMethodNotFound,
			Message: protoErr.Error(),
		},
	}
	if err := c.encoder.Encode(reply); err != nil {
		c.logger.Error("failed to reject server request", "method", msg.Method, "error", err)
	}
}

// transportError fails every pending call, or, when nothing is waiting,
// surfaces the malformed line as an error event.
func (c *Client) transportError(lineErr *ndjson.LineError) {
	c.mu.Lock()
	waiters := c.pending
	c.pending = make(map[protocol.RequestID]chan callResult)
	c.mu.Unlock()

	if len(waiters) > 0 {
		for _, ch := range waiters {
			ch <- callResult{err: lineErr}
		}
		return
	}

	c.inject(protocol.NewEventMsg(&protocol.ErrorEvent{
		Message: fmt.Sprintf("invalid app-server message: %v", lineErr),
	}))
}

func (c *Client) shutdown(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = reason
	waiters := c.pending
	c.pending = make(map[protocol.RequestID]chan callResult)
	c.mu.Unlock()

	waitErr := reason
	if errors.Is(reason, ErrClosed) {
		waitErr = fmt.Errorf("app-server stdout closed while waiting for response: %w", ErrClosed)
	}
	for _, ch := range waiters {
		ch <- callResult{err: waitErr}
	}

	c.queue.close()
}

func (c *Client) forward() {
	defer close(c.events)

	for {
		rec, ok := c.queue.pop()
		if !ok {
			return
		}
		select {
		case c.events <- rec:
		case <-c.stop:
			return
		}
	}
}

// eventQueue is an unbounded FIFO between the reader and the consumer.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []EventRecord
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(rec EventRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, rec)
	q.cond.Signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// pop blocks until an item is available. It returns false once the queue
// is closed and drained.
func (q *eventQueue) pop() (EventRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return EventRecord{}, false
	}
	rec := q.items[0]
	q.items[0] = EventRecord{}
	q.items = q.items[1:]
	return rec, true
}
