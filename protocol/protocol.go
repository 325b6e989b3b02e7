// Package protocol implements the protocol context: the owner of a
// session's state machine, codec, transport, handler registry, and
// middleware chain, dispatching every inbound message through an explicit,
// pluggable pipeline.
package protocol

import (
	"context"
	"sort"
	"sync"

	"github.com/obinexus/libpolycall/fsm"
	"github.com/obinexus/libpolycall/message"
	"github.com/obinexus/libpolycall/polyerr"
	"github.com/obinexus/libpolycall/transport"
)

// Lifecycle states for the protocol context, distinct from the handshake's
// own stage machine: a context is "ready" once a session has completed its
// handshake and begins dispatching application traffic.
const (
	StateReady  fsm.State = "ready"
	StateClosed fsm.State = "closed"
	StateError  fsm.State = "error"
)

const (
	evFault fsm.Event = "fault"
	evClose fsm.Event = "close"
)

// Decision is a middleware's verdict on an inbound message.
type Decision int

const (
	// Allow lets dispatch proceed to the next middleware or the handler.
	Allow Decision = iota
	// Deny aborts dispatch; the context emits an access-denied response.
	Deny
)

// Middleware inspects (and may annotate) an inbound message before
// dispatch. Returning Deny aborts dispatch and the context answers with an
// AccessDenied error message; returning a non-nil error aborts dispatch and
// the context answers with an Internal error message.
type Middleware func(ctx context.Context, m *message.Message) (Decision, error)

// Handler processes one inbound message and produces a response (or an
// error, converted to a peer-visible Error message while preserving the
// correlation id).
type Handler func(ctx context.Context, req *message.Message) (*message.Message, error)

// Context owns everything needed to dispatch one session's traffic: the
// codec, the transport, the handler registry, and the middleware chain.
// One Context exists per session.
type Context struct {
	mu sync.RWMutex

	t     transport.Transport
	fr    *transport.FrameReader
	codec message.Codec
	m     *fsm.Machine

	handlers    map[message.Kind]Handler
	middlewares []Middleware

	nextCID uint64

	// inflight tracks the cancel func for each request currently dispatched
	// to a handler, keyed by correlation id, so a peer-sent cancel message
	// referencing that id can unblock a handler that checks ctx at a safe
	// point.
	inflight map[uint64]context.CancelFunc

	// pending tracks requests this side has sent and is awaiting a
	// response/error for, keyed by correlation id. ReceiveOne demuxes an
	// inbound Response/Error against this map before falling through to
	// ordinary handler dispatch.
	pending map[uint64]chan *message.Message

	// fragSize, when non-zero, switches the wire to fragmented framing:
	// every frame carries the 1-byte fragment header, and encoded messages
	// larger than fragSize are split across frames.
	fragSize int
}

// New builds a Context bound to a transport and codec, starting ready.
func New(t transport.Transport, codec message.Codec) *Context {
	m := fsm.New(StateReady, StateClosed, StateError)
	m.AddTransition(StateReady, evClose, StateClosed, nil, nil)
	m.AddTransition(StateReady, evFault, StateError, nil, nil)

	return &Context{
		t:        t,
		fr:       transport.NewFrameReader(t),
		codec:    codec,
		m:        m,
		handlers: make(map[message.Kind]Handler),
		inflight: make(map[uint64]context.CancelFunc),
		pending:  make(map[uint64]chan *message.Message),
	}
}

// Request sends req as a request (assigning a correlation id if unset) and
// blocks until a matching Response/Error arrives or ctx is done. The
// caller's own ReceiveOne loop (run on whatever reader goroutine owns this
// Context) must be running concurrently for the reply to ever be
// delivered.
func (c *Context) Request(ctx context.Context, req *message.Message) (*message.Message, error) {
	if req.CorrelationID == 0 {
		req.CorrelationID = c.nextCorrelationID()
	}
	ch := make(chan *message.Message, 1)
	c.mu.Lock()
	c.pending[req.CorrelationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.CorrelationID)
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Kind == message.KindError {
			return nil, polyerr.New(polyerr.CodeInternal, string(resp.Payload))
		}
		return resp, nil
	case <-ctx.Done():
		_ = c.Send(context.Background(), &message.Message{Kind: message.KindCancel, CorrelationID: req.CorrelationID})
		return nil, polyerr.Wrap(polyerr.CodeTimeout, ctx.Err(), "request timed out or was cancelled")
	}
}

// RegisterHandler installs the handler for a message kind; re-registering
// a kind replaces the previous handler.
func (c *Context) RegisterHandler(kind message.Kind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

// Use appends a middleware to the chain, run in registration order on every
// inbound message before handler dispatch.
func (c *Context) Use(mw Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, mw)
}

// State returns the context's lifecycle state.
func (c *Context) State() fsm.State { return c.m.Current() }

// Transport returns the underlying transport, for callers that need to
// read raw frames directly (e.g. test harnesses observing a peer's
// responses).
func (c *Context) Transport() transport.Transport { return c.t }

// Close transitions the context to closed.
func (c *Context) Close() error {
	if c.m.Current() == StateClosed {
		return nil
	}
	return c.m.Fire(evClose)
}

// nextCorrelationID assigns a monotonically increasing id to outbound
// request messages lacking one.
func (c *Context) nextCorrelationID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextCID++
	return c.nextCID
}

// EnableFragmentation switches the context to fragmented framing with the
// given maximum encoded-bytes-per-frame, used once a session's handshake
// negotiates the fragmentation feature. Both peers must enable it with a
// compatible size; the negotiated Params guarantees that.
func (c *Context) EnableFragmentation(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if size > 0 {
		c.fragSize = size
	}
}

// maxFragments is bounded by the fragment header's 7-bit index.
const maxFragments = 128

// Send encodes and writes an outbound message, assigning a correlation id
// if this is a request with none set. With fragmentation enabled, an
// encoding larger than the fragment size is split across frames, each
// carrying its index and a more-fragments bit.
func (c *Context) Send(ctx context.Context, m *message.Message) error {
	if m.Kind == message.KindRequest && m.CorrelationID == 0 {
		m.CorrelationID = c.nextCorrelationID()
	}
	enc, err := c.codec.Encode(m)
	if err != nil {
		return polyerr.Wrap(polyerr.CodeInternal, err, "encode failed")
	}

	c.mu.RLock()
	fragSize := c.fragSize
	c.mu.RUnlock()
	if fragSize == 0 {
		return transport.WriteFrame(ctx, c.t, enc, nil)
	}

	total := (len(enc) + fragSize - 1) / fragSize
	if total == 0 {
		total = 1
	}
	if total > maxFragments {
		return polyerr.New(polyerr.CodeInvalidArgument, "message exceeds the fragment index space")
	}
	for i := 0; i < total; i++ {
		start := i * fragSize
		end := min(start+fragSize, len(enc))
		frag := transport.FragmentHeader{More: i < total-1, Index: uint8(i)}
		if err := transport.WriteFrame(ctx, c.t, enc[start:end], &frag); err != nil {
			return err
		}
	}
	return nil
}

// readMessageFrame returns the next complete encoded message, reassembling
// fragments when fragmented framing is enabled.
func (c *Context) readMessageFrame(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	fragSize := c.fragSize
	c.mu.RUnlock()
	if fragSize == 0 {
		frame, _, err := c.fr.ReadFrame(ctx)
		return frame, err
	}

	var assembled []byte
	for next := uint8(0); ; next++ {
		payload, frag, err := c.fr.ReadFragmentedFrame(ctx)
		if err != nil {
			return nil, err
		}
		if frag.Index != next {
			return nil, polyerr.New(polyerr.CodeProtocolViolation, "fragment received out of order")
		}
		assembled = append(assembled, payload...)
		if !frag.More {
			return assembled, nil
		}
	}
}

// ReceiveOne reads one frame, decodes it, runs the middleware chain, and
// dispatches to the registered handler:
//
//  1. decode (failure -> Error message, state -> error)
//  2. middleware chain (any Deny aborts with an access-denied response)
//  3. handler lookup + dispatch
//
// The handler's response (or converted error) is written back to the
// transport, preserving the request's correlation id.
func (c *Context) ReceiveOne(ctx context.Context) error {
	frame, err := c.readMessageFrame(ctx)
	if err != nil {
		_ = c.m.Fire(evFault)
		return err
	}

	req, err := c.codec.Decode(frame)
	if err != nil {
		_ = c.m.Fire(evFault)
		errMsg := &message.Message{Kind: message.KindError, Payload: []byte(err.Error())}
		return c.Send(ctx, errMsg)
	}

	if req.Kind == message.KindResponse || req.Kind == message.KindError {
		c.mu.RLock()
		waiter, ok := c.pending[req.CorrelationID]
		c.mu.RUnlock()
		if ok {
			waiter <- req
			return nil
		}
	}

	c.mu.RLock()
	middlewares := append([]Middleware(nil), c.middlewares...)
	c.mu.RUnlock()

	for _, mw := range middlewares {
		decision, mwErr := mw(ctx, req)
		if mwErr != nil {
			return c.respondError(ctx, req, polyerr.CodeInternal, mwErr.Error())
		}
		if decision == Deny {
			return c.respondError(ctx, req, polyerr.CodeAccessDenied, "access denied")
		}
	}

	if req.Kind == message.KindCancel {
		c.cancelInflight(req.CorrelationID)
		return nil
	}

	c.mu.RLock()
	handler, ok := c.handlers[req.Kind]
	c.mu.RUnlock()
	if !ok {
		// Never answer an unhandled error, response, or heartbeat with
		// another error: a peer doing the same would bounce errors back
		// and forth forever.
		if req.Kind == message.KindError || req.Kind == message.KindResponse || req.Kind == message.KindHeartbeat {
			return nil
		}
		return c.respondError(ctx, req, polyerr.CodeProtocolViolation, "no handler registered for kind "+string(req.Kind))
	}

	handlerCtx := ctx
	if req.CorrelationID != 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithCancel(ctx)
		c.mu.Lock()
		c.inflight[req.CorrelationID] = cancel
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, req.CorrelationID)
			c.mu.Unlock()
			cancel()
		}()
	}

	resp, err := handler(handlerCtx, req)
	if err != nil {
		if polyErr, ok := err.(*polyerr.Error); ok {
			return c.respondError(ctx, req, polyErr.Code, polyErr.Error())
		}
		return c.respondError(ctx, req, polyerr.CodeInternal, err.Error())
	}
	if resp == nil {
		return nil
	}
	resp.CorrelationID = req.CorrelationID
	return c.Send(ctx, resp)
}

// cancelInflight cancels the handler context for cid, if a request with
// that correlation id is currently dispatched. A cancel referencing an
// unknown or already-completed correlation id is a silent no-op.
func (c *Context) cancelInflight(cid uint64) {
	c.mu.RLock()
	cancel, ok := c.inflight[cid]
	c.mu.RUnlock()
	if ok {
		cancel()
	}
}

func (c *Context) respondError(ctx context.Context, req *message.Message, code polyerr.Code, message_ string) error {
	resp := &message.Message{
		Kind:          message.KindError,
		CorrelationID: req.CorrelationID,
		Payload:       []byte(code.String() + ": " + message_),
	}
	return c.Send(ctx, resp)
}

// sortedKinds is a small test/debug helper returning registered handler
// kinds in a stable order.
func (c *Context) sortedKinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.handlers))
	for k := range c.handlers {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}
