package handshake

import (
	"context"
	"time"

	"github.com/obinexus/libpolycall/fsm"
	"github.com/obinexus/libpolycall/polyerr"
	"github.com/obinexus/libpolycall/transport"
)

// Stages of the exchange, in order.
const (
	StageInit                 fsm.State = "init"
	StageHelloSent            fsm.State = "hello_sent"
	StageHelloReceived        fsm.State = "hello_received"
	StageCapabilitiesSent     fsm.State = "capabilities_sent"
	StageCapabilitiesReceived fsm.State = "capabilities_received"
	StageParamsSent           fsm.State = "params_sent"
	StageParamsReceived       fsm.State = "params_received"
	StageComplete             fsm.State = "complete"
	StageFailed               fsm.State = "failed"
)

const (
	evSendHello        fsm.Event = "send_hello"
	evRecvHello        fsm.Event = "recv_hello"
	evSendCapabilities fsm.Event = "send_capabilities"
	evRecvCapabilities fsm.Event = "recv_capabilities"
	evSendParams       fsm.Event = "send_params"
	evRecvParams       fsm.Event = "recv_params"
	evFail             fsm.Event = "fail"
)

// RetryPolicy selects how the wait between handshake retry attempts
// grows.
type RetryPolicy string

const (
	// RetryNone disables retries entirely; each stage gets one attempt.
	RetryNone RetryPolicy = "none"
	// RetryLinear waits the configured interval between every attempt.
	RetryLinear RetryPolicy = "linear"
	// RetryExponential doubles the wait after each failed attempt.
	RetryExponential RetryPolicy = "exponential"
)

// Config bounds the staged engine's timeouts and retries.
type Config struct {
	StageTimeout  time.Duration
	RetryCount    int
	RetryInterval time.Duration
	RetryPolicy   RetryPolicy
}

// DefaultConfig returns a 10s per-stage timeout with 3 linear retries at
// a 1s interval.
func DefaultConfig() Config {
	return Config{
		StageTimeout:  10 * time.Second,
		RetryCount:    3,
		RetryInterval: time.Second,
		RetryPolicy:   RetryLinear,
	}
}

// Engine drives one side of the staged Hello -> Capabilities -> Params
// exchange over a transport.Transport, tracking its stage via an
// fsm.Machine the way session and stream track their own lifecycles.
type Engine struct {
	cfg       Config
	t         transport.Transport
	fr        *transport.FrameReader
	m         *fsm.Machine
	local     Capabilities
	localMin  MinRequirements
	sessionID uint32

	remoteHello Hello
	remoteCaps  Capabilities
	negotiated  Params
}

// NewEngine builds a handshake Engine bound to t, offering local as this
// side's declared Capabilities and localMin as its non-negotiable floor.
func NewEngine(t transport.Transport, sessionID uint32, local Capabilities, localMin MinRequirements, cfg Config) *Engine {
	m := fsm.New(StageInit, StageComplete, StageFailed)
	m.AddTransition(StageInit, evSendHello, StageHelloSent, nil, nil)
	m.AddTransition(StageHelloSent, evRecvHello, StageHelloReceived, nil, nil)
	m.AddTransition(StageHelloReceived, evSendCapabilities, StageCapabilitiesSent, nil, nil)
	m.AddTransition(StageCapabilitiesSent, evRecvCapabilities, StageCapabilitiesReceived, nil, nil)
	m.AddTransition(StageCapabilitiesReceived, evSendParams, StageParamsSent, nil, nil)
	m.AddTransition(StageParamsSent, evRecvParams, StageParamsReceived, nil, nil)
	m.AddTransition(StageParamsReceived, fsm.Event("done"), StageComplete, nil, nil)

	// The responder receives each message before sending its own: it enters
	// hello_received on the peer's Hello and stays there while replying, and
	// likewise stays in capabilities_received while sending its Capabilities.
	m.AddTransition(StageInit, evRecvHello, StageHelloReceived, nil, nil)
	m.AddTransition(StageHelloReceived, evSendHello, StageHelloReceived, nil, nil)
	m.AddTransition(StageHelloReceived, evRecvCapabilities, StageCapabilitiesReceived, nil, nil)
	m.AddTransition(StageCapabilitiesReceived, evSendCapabilities, StageCapabilitiesReceived, nil, nil)

	for _, s := range []fsm.State{StageInit, StageHelloSent, StageHelloReceived, StageCapabilitiesSent, StageCapabilitiesReceived, StageParamsSent, StageParamsReceived} {
		m.AddTransition(s, evFail, StageFailed, nil, nil)
	}

	return &Engine{
		cfg:       cfg,
		t:         t,
		fr:        transport.NewFrameReader(t),
		m:         m,
		local:     local,
		localMin:  localMin,
		sessionID: sessionID,
	}
}

// Stage returns the engine's current stage.
func (e *Engine) Stage() fsm.State { return e.m.Current() }

// Negotiated returns the settled Params once the exchange reaches
// StageComplete.
func (e *Engine) Negotiated() Params { return e.negotiated }

// RunInitiator drives the client side of the exchange: send Hello, await
// the peer's Hello, exchange Capabilities, then send the locally-computed
// Params for the peer to accept.
func (e *Engine) RunInitiator(ctx context.Context, remoteMin MinRequirements) (Params, error) {
	if err := e.withRetry(ctx, e.sendHello); err != nil {
		return Params{}, e.fail(err)
	}
	if err := e.withRetry(ctx, e.recvHello); err != nil {
		return Params{}, e.fail(err)
	}
	if err := e.withRetry(ctx, e.sendCapabilities); err != nil {
		return Params{}, e.fail(err)
	}
	if err := e.withRetry(ctx, e.recvCapabilities); err != nil {
		return Params{}, e.fail(err)
	}

	params, err := Negotiate(e.local, e.remoteCaps, e.localMin, remoteMin)
	if err != nil {
		return Params{}, e.fail(err)
	}
	e.negotiated = params

	if err := e.withRetry(ctx, func(ctx context.Context) error {
		return transport.WriteFrame(ctx, e.t, params.Encode(), nil)
	}); err != nil {
		return Params{}, e.fail(err)
	}
	if err := e.m.Fire(evSendParams); err != nil {
		return Params{}, e.fail(err)
	}
	if err := e.m.Fire(evRecvParams); err != nil {
		return Params{}, e.fail(err)
	}
	if err := e.m.Fire(fsm.Event("done")); err != nil {
		return Params{}, e.fail(err)
	}
	return params, nil
}

// RunResponder drives the server side: await Hello, reply with our own,
// exchange Capabilities, then accept the initiator's Params. The responder
// recomputes the negotiation from its own view of both Capabilities and
// rejects an initiator whose Params diverge from it.
func (e *Engine) RunResponder(ctx context.Context, remoteMin MinRequirements) (Params, error) {
	if err := e.withRetry(ctx, e.recvHello); err != nil {
		return Params{}, e.fail(err)
	}
	if err := e.withRetry(ctx, e.sendHello); err != nil {
		return Params{}, e.fail(err)
	}
	if err := e.withRetry(ctx, e.recvCapabilities); err != nil {
		return Params{}, e.fail(err)
	}
	if err := e.withRetry(ctx, e.sendCapabilities); err != nil {
		return Params{}, e.fail(err)
	}

	frame, _, err := e.fr.ReadFrame(ctx)
	if err != nil {
		return Params{}, e.fail(err)
	}
	if err := e.m.Fire(evSendParams); err != nil {
		return Params{}, e.fail(err)
	}
	offered, err := DecodeParams(frame)
	if err != nil {
		return Params{}, e.fail(err)
	}
	if err := e.m.Fire(evRecvParams); err != nil {
		return Params{}, e.fail(err)
	}

	recomputed, err := Negotiate(e.local, e.remoteCaps, e.localMin, remoteMin)
	if err != nil {
		return Params{}, e.fail(err)
	}
	if recomputed != offered {
		return Params{}, e.fail(polyerr.New(polyerr.CodeProtocolViolation, "ParameterMismatch: offered params do not match local negotiation"))
	}
	e.negotiated = offered

	if err := e.m.Fire(fsm.Event("done")); err != nil {
		return Params{}, e.fail(err)
	}
	return offered, nil
}

func (e *Engine) sendHello(ctx context.Context) error {
	hello := Hello{
		Version:       ProtocolVersion,
		Secure:        e.local.Encryption,
		Compression:   e.local.Compression,
		SessionID:     e.sessionID,
		Streaming:     e.local.Streaming,
		Fragmentation: e.local.Fragmentation,
	}
	if err := transport.WriteFrame(ctx, e.t, hello.Encode(), nil); err != nil {
		return err
	}
	return e.m.Fire(evSendHello)
}

func (e *Engine) recvHello(ctx context.Context) error {
	frame, _, err := e.fr.ReadFrame(ctx)
	if err != nil {
		return err
	}
	hello, err := DecodeHello(frame)
	if err != nil {
		return err
	}
	e.remoteHello = hello
	return e.m.Fire(evRecvHello)
}

func (e *Engine) sendCapabilities(ctx context.Context) error {
	if err := transport.WriteFrame(ctx, e.t, e.local.Encode(), nil); err != nil {
		return err
	}
	return e.m.Fire(evSendCapabilities)
}

func (e *Engine) recvCapabilities(ctx context.Context) error {
	frame, _, err := e.fr.ReadFrame(ctx)
	if err != nil {
		return err
	}
	caps, err := DecodeCapabilities(frame)
	if err != nil {
		return err
	}
	e.remoteCaps = caps
	return e.m.Fire(evRecvCapabilities)
}

// withRetry runs step up to cfg.RetryCount+1 times, each attempt bounded
// by cfg.StageTimeout, waiting between attempts per the retry policy. A
// polyerr with CodeProtocolViolation is never retried: the peer has spoken,
// and speaking again won't change an invalid magic or version.
func (e *Engine) withRetry(ctx context.Context, step func(context.Context) error) error {
	retries := e.cfg.RetryCount
	if e.cfg.RetryPolicy == RetryNone {
		retries = 0
	}

	var lastErr error
	wait := e.cfg.RetryInterval
	for attempt := 0; attempt <= retries; attempt++ {
		stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
		err := step(stageCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if polyErr, ok := err.(*polyerr.Error); ok && polyErr.Code == polyerr.CodeProtocolViolation {
			return err
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			if e.cfg.RetryPolicy == RetryExponential {
				wait *= 2
			}
		}
	}
	return polyerr.Wrap(polyerr.CodeTimeout, lastErr, "MaxRetries")
}

func (e *Engine) fail(cause error) error {
	e.m.Force(StageFailed, evFail)
	return cause
}
