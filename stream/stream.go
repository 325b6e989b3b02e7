// Package stream implements the duplex communication channel layered on a
// negotiated session: paired circular buffers, observer fan-out, adaptive
// polling, and idle-timeout enforcement behind an explicit
// open/send/receive/poll/pause/resume/close lifecycle.
package stream

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/obinexus/libpolycall/buffer"
	"github.com/obinexus/libpolycall/fsm"
	"github.com/obinexus/libpolycall/polyerr"
)

const maxObservers = 16

// sendHeaderSize is the per-message length header each queued message
// carries in the send buffer, so message boundaries survive the queue and
// a message's true cost (payload + framing) is charged against capacity.
const sendHeaderSize = 4

// State names for the stream's fsm.Machine.
const (
	StateInit    fsm.State = "init"
	StateOpen    fsm.State = "open"
	StateActive  fsm.State = "active"
	StatePaused  fsm.State = "paused"
	StateClosing fsm.State = "closing"
	StateClosed  fsm.State = "closed"
	StateError   fsm.State = "error"
)

const (
	evOpen   fsm.Event = "open"
	evFirst  fsm.Event = "first_byte"
	evPause  fsm.Event = "pause"
	evResume fsm.Event = "resume"
	evClose  fsm.Event = "close"
	evClosed fsm.Event = "closed"
	evFault  fsm.Event = "fault"
	evReopen fsm.Event = "reopen"
)

// Observer receives copies of stream events, in registration order and
// synchronously with respect to the stream mutex.
type Observer interface {
	OnNext(data []byte)
	OnComplete()
	OnError(code polyerr.Code, message string)
}

// Flags accompanies a Send call.
type Flags struct {
	Reliable bool
	Priority bool
}

// Config bounds one stream's buffers, message size, poll cadence, and idle
// policy.
type Config struct {
	BufferSize     int
	MaxMessageSize int
	PollInterval   time.Duration
	IdleTimeout    time.Duration
	NonBlocking    bool
}

// DefaultConfig returns a fast poll that backs off, small buffers, no
// idle timeout, and background polling disabled.
func DefaultConfig() Config {
	return Config{
		BufferSize:     64 * 1024,
		MaxMessageSize: 16 * 1024,
		PollInterval:   10 * time.Millisecond,
		IdleTimeout:    0,
	}
}

// Stream is a single duplex byte channel: one circular buffer for outbound
// bytes (drained by the transport writer), one for inbound bytes (filled by
// the transport reader), an observer list, and a lifecycle fsm.Machine.
type Stream struct {
	mu sync.Mutex

	cfg  Config
	send *buffer.Circular
	recv *buffer.Circular
	m    *fsm.Machine
	poll *adaptivePoll

	observers []Observer

	bytesSent     uint64
	bytesReceived uint64
	messagesSent  uint64
	lastActivity  time.Time

	stopPoll chan struct{}
	polling  bool
}

// New builds a Stream with recovery enabled: any state can fault to
// error, and the recovery path out of error re-enters at open.
func New(cfg Config) *Stream {
	m := fsm.New(StateInit, StateClosed, StateError, fsm.WithRecovery(StateOpen))
	m.AddTransition(StateInit, evOpen, StateOpen, nil, nil)
	m.AddTransition(StateClosed, evReopen, StateOpen, nil, nil)
	m.AddTransition(StateOpen, evFirst, StateActive, nil, nil)
	m.AddTransition(StateActive, evPause, StatePaused, nil, nil)
	m.AddTransition(StatePaused, evResume, StateActive, nil, nil)
	m.AddTransition(StateOpen, evClose, StateClosing, nil, nil)
	m.AddTransition(StateActive, evClose, StateClosing, nil, nil)
	m.AddTransition(StatePaused, evClose, StateClosing, nil, nil)
	m.AddTransition(StateClosing, evClosed, StateClosed, nil, nil)
	for _, s := range []fsm.State{StateInit, StateOpen, StateActive, StatePaused, StateClosing} {
		m.AddTransition(s, evFault, StateError, nil, nil)
	}

	return &Stream{
		cfg:      cfg,
		send:     buffer.New(cfg.BufferSize),
		recv:     buffer.New(cfg.BufferSize),
		m:        m,
		poll:     newAdaptivePoll(cfg.PollInterval, cfg.PollInterval*10),
		stopPoll: make(chan struct{}),
	}
}

// State returns the stream's current lifecycle state.
func (s *Stream) State() fsm.State { return s.m.Current() }

// Open transitions init/closed -> open and, if cfg.NonBlocking is set,
// starts the background poll loop.
func (s *Stream) Open() error {
	cur := s.m.Current()
	var ev fsm.Event
	switch cur {
	case StateInit:
		ev = evOpen
	case StateClosed:
		ev = evReopen
	default:
		return polyerr.New(polyerr.CodeInvalidState, "open: illegal from state "+string(cur))
	}
	if err := s.m.Fire(ev); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if s.cfg.NonBlocking {
		s.startPolling()
	}
	return nil
}

// Send queues one message on the outbound buffer, framed with a length
// header so the drain side pops whole messages. Oversized messages are
// rejected, and a queue without room for the message plus its header
// reports ResourceExhausted so the caller can wait or drop.
func (s *Stream) Send(data []byte, flags Flags) error {
	st := s.m.Current()
	if st != StateOpen && st != StateActive {
		return polyerr.New(polyerr.CodeInvalidState, "send: illegal from state "+string(st))
	}
	if len(data) > s.cfg.MaxMessageSize {
		return polyerr.New(polyerr.CodeInvalidArgument, "send: message exceeds max_message_size")
	}

	framed := make([]byte, sendHeaderSize+len(data))
	binary.LittleEndian.PutUint32(framed[:sendHeaderSize], uint32(len(data)))
	copy(framed[sendHeaderSize:], data)

	// Single producer: Available cannot shrink between the check and the
	// write, so a framed message is queued whole or not at all.
	if s.send.Available() < len(framed) {
		return polyerr.New(polyerr.CodeResourceExhausted, "send: buffer full")
	}
	s.send.Write(framed)

	s.mu.Lock()
	s.bytesSent += uint64(len(data))
	s.messagesSent++
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if st == StateOpen {
		_ = s.m.Fire(evFirst)
	}
	return nil
}

// Receive reads up to max bytes from the inbound buffer into out.
// Blocking receive is not supported; callers wanting to wait should call
// Poll first.
func (s *Stream) Receive(out []byte, max int) (int, error) {
	st := s.m.Current()
	if st != StateOpen && st != StateActive {
		return 0, polyerr.New(polyerr.CodeInvalidState, "receive: illegal from state "+string(st))
	}
	n := s.recv.Read(out, max)
	if n > 0 {
		s.mu.Lock()
		s.bytesReceived += uint64(n)
		s.lastActivity = time.Now()
		s.mu.Unlock()
	}
	return n, nil
}

// Poll reports whether inbound data becomes available within timeout,
// sleeping between checks rather than spinning.
func (s *Stream) Poll(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if s.recv.Used() > 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(s.cfg.PollInterval)
	}
}

// DrainSend pops one whole queued message into out for whatever pumps this
// stream onto a transport.Transport, returning the message's length, or 0
// when the queue is empty. out must hold at least MaxMessageSize bytes.
// Symmetric to Deliver's role on the receive side.
func (s *Stream) DrainSend(out []byte) int {
	var header [sendHeaderSize]byte
	if s.send.Read(header[:], sendHeaderSize) < sendHeaderSize {
		return 0
	}
	msgLen := int(binary.LittleEndian.Uint32(header[:]))
	if msgLen == 0 {
		return 0
	}
	return s.send.Read(out, msgLen)
}

// Pause transitions active -> paused; while paused, no observer or
// on_data_received notifications fire.
func (s *Stream) Pause() error { return s.m.Fire(evPause) }

// Resume transitions paused -> active.
func (s *Stream) Resume() error { return s.m.Fire(evResume) }

// CreateObserver attaches an observer, enforcing the 16-per-stream limit.
func (s *Stream) CreateObserver(o Observer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.observers) >= maxObservers {
		return polyerr.New(polyerr.CodeResourceExhausted, "create_observer: stream already has the maximum of 16 observers")
	}
	s.observers = append(s.observers, o)
	return nil
}

// Close transitions to closing then closed, stops the poll loop, and
// notifies every observer's OnComplete exactly once, idempotently.
func (s *Stream) Close() error {
	cur := s.m.Current()
	if cur == StateClosed {
		return nil
	}

	if cur == StateError {
		// fsm.New wires error -(close)-> closedState directly.
		if err := s.m.Fire(evClose); err != nil {
			return err
		}
	} else {
		if err := s.m.Fire(evClose); err != nil {
			return err
		}
		if err := s.m.Fire(evClosed); err != nil {
			return err
		}
	}
	s.stopPolling()

	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range observers {
		o.OnComplete()
	}
	return nil
}

// fault collapses the stream to error and notifies observers of the cause;
// pollLoop calls it when the idle timeout is exceeded.
func (s *Stream) fault(code polyerr.Code, message string) {
	s.m.Force(StateError, evFault)
	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range observers {
		o.OnError(code, message)
	}
}

// Stats returns the stream's transfer counters.
func (s *Stream) Stats() (bytesSent, bytesReceived, messagesSent uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesSent, s.bytesReceived, s.messagesSent
}

// Deliver copies inbound bytes into the receive buffer and, unless paused,
// fans them out to observers synchronously, in registration order.
// Intended to be called by whatever reads the underlying transport.
func (s *Stream) Deliver(data []byte) {
	s.recv.Write(data)
	s.mu.Lock()
	s.lastActivity = time.Now()
	paused := s.m.Current() == StatePaused
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	if paused {
		return
	}
	for _, o := range observers {
		o.OnNext(data)
	}
}

func (s *Stream) startPolling() {
	s.mu.Lock()
	if s.polling {
		s.mu.Unlock()
		return
	}
	s.polling = true
	s.mu.Unlock()

	go s.pollLoop()
}

func (s *Stream) stopPolling() {
	s.mu.Lock()
	wasPolling := s.polling
	s.polling = false
	s.mu.Unlock()
	if wasPolling {
		close(s.stopPoll)
		s.stopPoll = make(chan struct{})
	}
}

// pollLoop enforces the idle-timeout policy, checking at an adaptive
// interval that resets to the fast interval while the receive buffer holds
// data. It does not read from the receive buffer or notify observers;
// Deliver does the observer fan-out.
func (s *Stream) pollLoop() {
	stop := s.stopPoll
	for {
		select {
		case <-stop:
			return
		default:
		}

		if s.cfg.IdleTimeout > 0 {
			s.mu.Lock()
			idle := time.Since(s.lastActivity)
			s.mu.Unlock()
			if idle > s.cfg.IdleTimeout {
				s.fault(polyerr.CodeTimeout, "idle timeout exceeded")
				return
			}
		}

		if s.recv.Used() > 0 {
			s.poll.reset()
		}
		s.poll.sleep()
	}
}
