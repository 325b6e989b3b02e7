// Package session ties the transport, state machine, handshake engine,
// duplex stream, and protocol context into the single object an
// application actually Dials or Accepts.
package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/obinexus/libpolycall/auth"
	"github.com/obinexus/libpolycall/fsm"
	"github.com/obinexus/libpolycall/handshake"
	"github.com/obinexus/libpolycall/message"
	"github.com/obinexus/libpolycall/polyerr"
	"github.com/obinexus/libpolycall/protocol"
	"github.com/obinexus/libpolycall/stream"
	"github.com/obinexus/libpolycall/transport"
)

// Session lifecycle states: a session progresses handshake ->
// authenticated -> active, plus the two terminal states every other
// component's fsm.Machine also carries.
const (
	StateHandshake     fsm.State = "handshake"
	StateAuthenticated fsm.State = "authenticated"
	StateActive        fsm.State = "active"
	StateClosed        fsm.State = "closed"
	StateError         fsm.State = "error"
)

// StreamResource/StreamAction are the resource/action pair stamped on every
// notify message sendPump emits on a stream's behalf, so deployments wiring
// a policy engine have a concrete pair to grant (e.g. via a role statement
// allowing action "write" on resource "session:*").
const (
	StreamResource = "session:stream"
	StreamAction   = "write"
)

const (
	evAuthenticate fsm.Event = "authenticate"
	evActivate     fsm.Event = "activate"
	evClose        fsm.Event = "close"
	evFault        fsm.Event = "fault"
)

func newMachine() *fsm.Machine {
	m := fsm.New(StateHandshake, StateClosed, StateError)
	m.AddTransition(StateHandshake, evAuthenticate, StateAuthenticated, nil, nil)
	m.AddTransition(StateAuthenticated, evActivate, StateActive, nil, nil)
	m.AddTransition(StateHandshake, evActivate, StateActive, nil, nil)
	for _, s := range []fsm.State{StateHandshake, StateAuthenticated, StateActive} {
		m.AddTransition(s, evClose, StateClosed, nil, nil)
		m.AddTransition(s, evFault, StateError, nil, nil)
	}
	return m
}

// Session holds one peer-to-peer protocol instance: transport handle,
// codec choice, current state, negotiated parameters, authenticated
// identity (empty until login), issue-time, and last-activity-time, bound
// one-to-one to its transport.
type Session struct {
	mu sync.Mutex

	id         uint32
	cfg        *Config
	logger     *slog.Logger
	t          transport.Transport
	codec      message.Codec
	secure     *handshake.SecureChannel
	negotiated handshake.Params

	m    *fsm.Machine
	pctx *protocol.Context
	strm *stream.Stream

	identity   string
	accessTok  string
	refreshTok string

	issuedAt     time.Time
	lastActivity time.Time

	group       *errgroup.Group
	groupCancel context.CancelFunc

	closeOnce sync.Once
}

// Dial opens a transport to address using the named scheme, runs the
// client side of the handshake, and returns the Session. Without a token
// service it is active at once; with one it stays in the handshake state
// until an inbound message carries an authenticated identity.
func Dial(ctx context.Context, scheme, address string, opts ...Option) (*Session, error) {
	cfg := applyConfig(opts)

	dialCtx := cfg.ctx
	if ctx != nil {
		dialCtx = ctx
	}
	if cfg.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(dialCtx, cfg.connectTimeout)
		defer cancel()
	}

	t, err := transport.Dial(dialCtx, scheme, address)
	if err != nil {
		return nil, err
	}
	return newSession(cfg, t, true)
}

// Listener accepts inbound Sessions.
type Listener struct {
	tl  transport.TransportListener
	cfg *Config
}

// Listen starts listening for inbound sessions on address using the named
// scheme.
func Listen(scheme, address string, opts ...Option) (*Listener, error) {
	cfg := applyConfig(opts)
	tl, err := transport.Listen(scheme, address)
	if err != nil {
		return nil, err
	}
	return &Listener{tl: tl, cfg: cfg}, nil
}

// Accept blocks until a peer connects, runs the responder side of the
// handshake, and returns the Session. Without a token service it is active
// at once; with one it stays in the handshake state until an inbound
// message carries an authenticated identity.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	t, err := l.tl.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newSession(l.cfg, t, false)
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.tl.Close() }

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.tl.Addr() }

// newSession drives the handshake to completion, optionally upgrades to a
// Noise secure channel, wires the zero-trust integrator (if configured),
// opens the duplex stream, and launches the errgroup-supervised background
// goroutines.
func newSession(cfg *Config, t transport.Transport, initiator bool) (*Session, error) {
	codec, ok := message.Lookup(cfg.codec)
	if !ok {
		t.Close()
		return nil, polyerr.New(polyerr.CodeInvalidArgument, "session: unknown codec "+cfg.codec)
	}

	id := newSessionID()
	eng := handshake.NewEngine(t, id, cfg.localCaps, cfg.localMin, cfg.handshakeCfg)

	var negotiated handshake.Params
	var err error
	if initiator {
		negotiated, err = eng.RunInitiator(cfg.ctx, handshake.MinRequirements{})
	} else {
		negotiated, err = eng.RunResponder(cfg.ctx, handshake.MinRequirements{})
	}
	if err != nil {
		t.Close()
		return nil, err
	}

	wireTransport := t
	var secure *handshake.SecureChannel
	if negotiated.Encryption {
		secure, err = upgradeSecure(cfg.ctx, t, initiator)
		if err != nil {
			t.Close()
			return nil, err
		}
		wireTransport = newSecureTransport(t, secure)
	}

	now := time.Now().UTC()
	s := &Session{
		id:           id,
		cfg:          cfg,
		logger:       cfg.logger,
		t:            t,
		codec:        codec,
		secure:       secure,
		negotiated:   negotiated,
		m:            newMachine(),
		pctx:         protocol.New(wireTransport, codec),
		strm:         stream.New(cfg.streamCfg),
		issuedAt:     now,
		lastActivity: now,
	}

	if negotiated.Fragmentation {
		chunk := wireTransport.MaxFrameSize() - transport.LengthHeaderSize - transport.FragmentHeaderSize
		if chunk > 0 {
			s.pctx.EnableFragmentation(chunk)
		}
	}

	if cfg.tokens != nil {
		integrator := auth.New(cfg.tokens, cfg.identities, cfg.policies, cfg.auditSink)
		integrator.Install(s.pctx)
		if cfg.identities != nil {
			cfg.identities.OnDelete(cfg.tokens.RevokeBySubject)
		}
		s.pctx.Use(s.trackIdentity)
	} else {
		_ = s.m.Fire(evActivate)
	}

	s.pctx.RegisterHandler(message.KindNotify, s.deliverToStream)
	s.pctx.RegisterHandler(message.KindHeartbeat, s.handleHeartbeat)

	if err := s.strm.Open(); err != nil {
		t.Close()
		return nil, err
	}

	groupCtx, cancel := context.WithCancel(cfg.ctx)
	g, gctx := errgroup.WithContext(groupCtx)
	s.group = g
	s.groupCancel = cancel

	g.Go(func() error { return s.readPump(gctx) })
	g.Go(func() error { return s.sendPump(gctx) })
	if hb := s.heartbeatInterval(); hb > 0 {
		g.Go(func() error { return s.heartbeatLoop(gctx, hb) })
	}

	return s, nil
}

func newSessionID() uint32 {
	id := uuid.New()
	return binary.LittleEndian.Uint32(id[:4])
}

// ID returns the session's locally generated 32-bit id.
func (s *Session) ID() uint32 { return s.id }

// State returns the session's lifecycle state.
func (s *Session) State() fsm.State { return s.m.Current() }

// Negotiated returns the Params the handshake settled on.
func (s *Session) Negotiated() handshake.Params { return s.negotiated }

// Identity returns the authenticated identity id, or "" before login.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Stream returns the session's duplex stream for direct send/receive/poll
// use.
func (s *Session) Stream() *stream.Stream { return s.strm }

// Protocol returns the underlying protocol context, for registering
// application handlers and middleware beyond what newSession wires by
// default.
func (s *Session) Protocol() *protocol.Context { return s.pctx }

type loginRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret,omitempty"`
}

type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Login sends an auth.login message for identity and blocks for the
// access + refresh token response. secret is checked against the peer
// registry's stored credential hash; pass "" for identities enrolled
// without one.
func (s *Session) Login(ctx context.Context, identity, secret string) (string, error) {
	body, err := json.Marshal(loginRequest{Identity: identity, Secret: secret})
	if err != nil {
		return "", polyerr.Wrap(polyerr.CodeInvalidArgument, err, "login: encode request")
	}
	resp, err := s.pctx.Request(ctx, &message.Message{Kind: message.KindAuthLogin, Payload: body})
	if err != nil {
		return "", err
	}
	var tr tokenResponse
	if err := json.Unmarshal(resp.Payload, &tr); err != nil {
		return "", polyerr.Wrap(polyerr.CodeInternal, err, "login: decode response")
	}
	s.mu.Lock()
	s.identity = identity
	s.accessTok = tr.Token
	s.refreshTok = tr.RefreshToken
	s.mu.Unlock()
	return tr.Token, nil
}

// Refresh exchanges the stored refresh token for a new access token via an
// auth.token.refresh message, replacing the session's access token on
// success.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	refresh := s.refreshTok
	s.mu.Unlock()
	if refresh == "" {
		return "", polyerr.New(polyerr.CodeInvalidState, "refresh: no refresh token held; login first")
	}
	resp, err := s.pctx.Request(ctx, &message.Message{Kind: message.KindAuthTokenRefresh, Token: refresh})
	if err != nil {
		return "", err
	}
	var tr tokenResponse
	if err := json.Unmarshal(resp.Payload, &tr); err != nil {
		return "", polyerr.Wrap(polyerr.CodeInternal, err, "refresh: decode response")
	}
	s.mu.Lock()
	s.accessTok = tr.Token
	s.mu.Unlock()
	return tr.Token, nil
}

// trackIdentity observes the identity the auth middleware resolved onto an
// inbound message (installed after that middleware in the chain) and
// drives the session's own handshake->authenticated->active progression the
// first time a message carries one.
func (s *Session) trackIdentity(_ context.Context, m *message.Message) (protocol.Decision, error) {
	if m.IdentityID == "" {
		return protocol.Allow, nil
	}
	s.mu.Lock()
	first := s.identity == ""
	s.identity = m.IdentityID
	s.mu.Unlock()
	if first {
		_ = s.m.Fire(evAuthenticate)
		_ = s.m.Fire(evActivate)
	}
	return protocol.Allow, nil
}

// deliverToStream hands a notify message's payload to the duplex stream
// for observer fan-out.
func (s *Session) deliverToStream(_ context.Context, m *message.Message) (*message.Message, error) {
	s.strm.Deliver(m.Payload)
	return nil, nil
}

// Send pushes data into the stream's outbound buffer; sendPump drains it
// onto the wire as notify messages.
func (s *Session) Send(data []byte, flags stream.Flags) error {
	return s.strm.Send(data, flags)
}

func (s *Session) readPump(ctx context.Context) error {
	for {
		if err := s.pctx.ReceiveOne(ctx); err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.fault(err)
			return err
		}
		s.touch()
	}
}

// sendPump drains the duplex stream's outbound buffer at its configured
// poll interval and writes each chunk as a notify message.
func (s *Session) sendPump(ctx context.Context) error {
	interval := s.cfg.streamCfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	chunk := make([]byte, s.cfg.streamCfg.MaxMessageSize)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n := s.strm.DrainSend(chunk)
			if n == 0 {
				continue
			}
			payload := append([]byte(nil), chunk[:n]...)
			s.mu.Lock()
			tok := s.accessTok
			s.mu.Unlock()
			out := &message.Message{
				Kind:     message.KindNotify,
				Payload:  payload,
				Token:    tok,
				Resource: StreamResource,
				Action:   StreamAction,
			}
			if err := s.pctx.Send(ctx, out); err != nil {
				s.fault(err)
				return err
			}
			s.touch()
		}
	}
}

// heartbeatInterval resolves the heartbeat cadence: the negotiated
// heartbeat-interval (milliseconds on the wire) wins over the locally
// configured ping interval, since the handshake settled it with the peer.
func (s *Session) heartbeatInterval() time.Duration {
	if s.negotiated.HeartbeatInterval > 0 {
		return time.Duration(s.negotiated.HeartbeatInterval) * time.Millisecond
	}
	return s.cfg.pingInterval
}

// handleHeartbeat absorbs a peer's keep-alive; readPump's touch() already
// recorded the activity, so there is nothing to answer.
func (s *Session) handleHeartbeat(_ context.Context, _ *message.Message) (*message.Message, error) {
	return nil, nil
}

func (s *Session) heartbeatLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastActivity)
			tok := s.accessTok
			s.mu.Unlock()
			if idle < interval {
				continue
			}
			hb := &message.Message{Kind: message.KindHeartbeat, Token: tok, Resource: StreamResource, Action: StreamAction}
			if err := s.pctx.Send(ctx, hb); err != nil {
				return err
			}
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) fault(err error) {
	s.m.Force(StateError, evFault)
	s.logger.Error("session fault", "id", s.id, "error", err)
}

// Close tears down the session: stops the supervised background group,
// closes the duplex stream and protocol context, and closes the transport,
// idempotently.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.groupCancel()
		_ = s.group.Wait()
		_ = s.strm.Close()
		_ = s.pctx.Close()
		closeErr = s.t.Close()
		_ = s.m.Fire(evClose)
	})
	return closeErr
}

// upgradeSecure runs the two-message Noise NN exchange that follows a
// handshake settling on an encrypted Params.
func upgradeSecure(ctx context.Context, t transport.Transport, initiator bool) (*handshake.SecureChannel, error) {
	fr := transport.NewFrameReader(t)

	if initiator {
		sc, err := handshake.NewSecureInitiator()
		if err != nil {
			return nil, err
		}
		msg1, err := sc.WriteMessage(nil)
		if err != nil {
			return nil, err
		}
		if err := transport.WriteFrame(ctx, t, msg1, nil); err != nil {
			return nil, err
		}
		frame, _, err := fr.ReadFrame(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := sc.ReadMessage(frame); err != nil {
			return nil, err
		}
		return sc, nil
	}

	sc, err := handshake.NewSecureResponder()
	if err != nil {
		return nil, err
	}
	frame, _, err := fr.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := sc.ReadMessage(frame); err != nil {
		return nil, err
	}
	msg1, err := sc.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if err := transport.WriteFrame(ctx, t, msg1, nil); err != nil {
		return nil, err
	}
	return sc, nil
}

// secureTransport wraps a transport.Transport, sealing every outbound
// write and unsealing every inbound read through a completed Noise
// SecureChannel, layered underneath the ordinary length-prefixed frame
// codec.
type secureTransport struct {
	transport.Transport
	sc *handshake.SecureChannel

	mu      sync.Mutex
	pending []byte
	ready   []byte
	scratch []byte
}

func newSecureTransport(t transport.Transport, sc *handshake.SecureChannel) *secureTransport {
	return &secureTransport{Transport: t, sc: sc, scratch: make([]byte, 64*1024)}
}

func (s *secureTransport) Write(ctx context.Context, b []byte) error {
	s.mu.Lock()
	sealed, err := s.sc.Seal(nil, b)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Transport.Write(ctx, sealed)
}

func (s *secureTransport) Read(ctx context.Context, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.ready) > 0 {
			n := copy(buf, s.ready)
			s.ready = s.ready[n:]
			return n, nil
		}
		if plaintext, remaining, err := s.sc.Unseal(nil, s.pending); err == nil {
			s.pending = remaining
			s.ready = plaintext
			continue
		}
		n, err := s.Transport.Read(ctx, s.scratch)
		if n > 0 {
			s.pending = append(s.pending, s.scratch[:n]...)
		}
		if err != nil {
			return 0, err
		}
	}
}

// MaxFrameSize accounts for the Noise seal overhead added to every
// write.
func (s *secureTransport) MaxFrameSize() int {
	n := s.Transport.MaxFrameSize() - handshake.SecureOverhead
	if n < 0 {
		return 0
	}
	return n
}
