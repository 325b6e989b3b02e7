package transport

import (
	"context"
	"net"
	"sync"
	"time"
)

const tcpScheme = "tcp"

func init() {
	d := &tcpDriver{}
	Register(tcpScheme, d, d)
}

// tcpDriver implements Dialer and Listener over net.TCPConn.
type tcpDriver struct{}

func (tcpDriver) Dial(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, tcpScheme, address)
	if err != nil {
		return nil, err
	}
	return &tcpTransport{conn: conn, closed: make(chan struct{})}, nil
}

func (tcpDriver) Listen(address string) (TransportListener, error) {
	ln, err := net.Listen(tcpScheme, address)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

type tcpListener struct{ ln net.Listener }

func (l *tcpListener) Accept(ctx context.Context) (Transport, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &tcpTransport{conn: r.c, closed: make(chan struct{})}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *tcpListener) Close() error   { return l.ln.Close() }
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

// tcpTransport adapts a net.Conn (ordinary blocking I/O) to the
// context-aware Transport interface via per-call deadlines, the idiomatic
// way to thread context.Context through net.Conn per the standard library's
// own documented pattern (net.Conn.SetDeadline).
type tcpTransport struct {
	conn       net.Conn
	closed     chan struct{}
	closedOnce sync.Once
}

func (t *tcpTransport) Write(ctx context.Context, b []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	_, err := t.conn.Write(b)
	return err
}

func (t *tcpTransport) Read(ctx context.Context, buf []byte) (int, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}
	return t.conn.Read(buf)
}

func (t *tcpTransport) Close() error {
	t.closedOnce.Do(func() { close(t.closed) })
	return t.conn.Close()
}

func (t *tcpTransport) Closed() <-chan struct{} { return t.closed }

func (t *tcpTransport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *tcpTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
func (t *tcpTransport) MaxFrameSize() int    { return 64 * 1024 }
