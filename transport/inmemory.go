package transport

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
)

const inmemScheme = "inmem"

func init() {
	reg := &inmemRegistry{listeners: make(map[string]*inmemListener)}
	Register(inmemScheme, reg, reg)
}

// Addr is a reusable net.Addr for the reference drivers in this package.
type Addr struct {
	Net  string
	Name string
}

func (a Addr) Network() string { return a.Net }
func (a Addr) String() string  { return a.Name }

// inmemRegistry resolves Dial against an address to whichever inmemListener
// is currently listening on it, so tests can stand up a full session without
// a real socket. It implements both Dialer and Listener.
type inmemRegistry struct {
	mu        sync.Mutex
	listeners map[string]*inmemListener
}

func (r *inmemRegistry) Listen(address string) (TransportListener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := &inmemListener{addr: address, conns: make(chan *inmemTransport), closed: make(chan struct{})}
	r.listeners[address] = l
	return l, nil
}

func (r *inmemRegistry) Dial(ctx context.Context, address string) (Transport, error) {
	r.mu.Lock()
	l, ok := r.listeners[address]
	r.mu.Unlock()
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: inmemScheme, Err: net.UnknownNetworkError(address)}
	}

	a, b := newInmemPair(address)
	select {
	case l.conns <- b:
		return a, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type inmemListener struct {
	addr      string
	conns     chan *inmemTransport
	closeOnce sync.Once
	closed    chan struct{}
}

func (l *inmemListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *inmemListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *inmemListener) Addr() net.Addr { return Addr{Net: inmemScheme, Name: l.addr} }

// inmemTransport is an in-process byte pipe implementing Transport, used
// for tests and for same-process demos.
type inmemTransport struct {
	id         string
	readCh     <-chan []byte
	writeCh    chan<- []byte
	local      Addr
	remote     Addr
	closeOnce  sync.Once
	closed     chan struct{}
	peerClosed <-chan struct{}
	leftover   []byte
}

func newInmemPair(address string) (a, b *inmemTransport) {
	id := uuid.New().String()
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a = &inmemTransport{
		id: id, readCh: ba, writeCh: ab,
		local: Addr{Net: inmemScheme, Name: "client:" + id}, remote: Addr{Net: inmemScheme, Name: address},
		closed: aClosed, peerClosed: bClosed,
	}
	b = &inmemTransport{
		id: id, readCh: ab, writeCh: ba,
		local: Addr{Net: inmemScheme, Name: address}, remote: Addr{Net: inmemScheme, Name: "client:" + id},
		closed: bClosed, peerClosed: aClosed,
	}
	return a, b
}

func (t *inmemTransport) Write(ctx context.Context, b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case t.writeCh <- cp:
		return nil
	case <-t.closed:
		return net.ErrClosed
	case <-t.peerClosed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *inmemTransport) Read(ctx context.Context, buf []byte) (int, error) {
	if len(t.leftover) > 0 {
		n := copy(buf, t.leftover)
		t.leftover = t.leftover[n:]
		return n, nil
	}
	select {
	case chunk, ok := <-t.readCh:
		if !ok {
			return 0, io.EOF
		}
		n := copy(buf, chunk)
		if n < len(chunk) {
			t.leftover = chunk[n:]
		}
		return n, nil
	case <-t.peerClosed:
		return 0, io.EOF
	case <-t.closed:
		return 0, net.ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (t *inmemTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *inmemTransport) Closed() <-chan struct{} { return t.closed }
func (t *inmemTransport) LocalAddr() net.Addr     { return t.local }
func (t *inmemTransport) RemoteAddr() net.Addr    { return t.remote }
func (t *inmemTransport) MaxFrameSize() int       { return 1 << 20 }
