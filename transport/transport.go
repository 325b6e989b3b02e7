// Package transport defines the opaque ordered byte pipe LibPolyCall layers
// everything else on top of, the length-prefixed wire framing used on top
// of it, and reference drivers (in-memory, TCP, TLS) registered behind a
// scheme lookup.
package transport

import (
	"context"
	"errors"
	"net"
	"sort"

	"github.com/obinexus/libpolycall/polyerr"
)

// Transport is the ordered byte pipe every session is bound to. A concrete
// driver is expected to deliver bytes in send order. The reference drivers
// report a peer disconnect as an error from Read.
type Transport interface {
	// Write sends bytes to the peer. Implementations must preserve send
	// order; partial writes are an implementation error, not a contract
	// the caller must handle (unlike the circular buffer's write()).
	Write(ctx context.Context, b []byte) error
	// Read blocks until at least one byte is available, ctx is
	// cancelled, or the peer disconnects.
	Read(ctx context.Context, buf []byte) (int, error)
	// Close terminates the transport. Idempotent.
	Close() error
	// Closed returns a channel that is closed once Close has been called
	// on this transport.
	Closed() <-chan struct{}
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// MaxFrameSize returns the largest single frame the transport can
	// carry without fragmentation.
	MaxFrameSize() int
}

// Dialer opens a Transport to a remote address; Listener accepts them. Both
// are implemented by each reference driver registered under a scheme name.
type Dialer interface {
	Dial(ctx context.Context, address string) (Transport, error)
}

type Listener interface {
	Listen(address string) (TransportListener, error)
}

// TransportListener accepts inbound Transports, analogous to net.Listener
// but returning the narrower Transport interface.
type TransportListener interface {
	Accept(ctx context.Context) (Transport, error)
	Close() error
	Addr() net.Addr
}

var (
	// ErrUnsupportedScheme is returned when no registered driver exists
	// for the requested scheme.
	ErrUnsupportedScheme = errors.New("transport: unsupported scheme")
)

type registryEntry struct {
	dialer   Dialer
	listener Listener
}

var registry = make(map[string]registryEntry)

// Register installs a Dialer/Listener pair under a scheme name (e.g. "tcp",
// "inmem"). Either half may be nil if a driver only supports one role.
func Register(scheme string, d Dialer, l Listener) {
	if _, dup := registry[scheme]; dup {
		panic("transport: driver already registered for scheme " + scheme)
	}
	registry[scheme] = registryEntry{dialer: d, listener: l}
}

// Unregister removes a scheme's driver registration. Primarily useful for
// tests.
func Unregister(scheme string) { delete(registry, scheme) }

// Schemes returns the sorted list of registered scheme names.
func Schemes() []string {
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Dial opens a Transport using the driver registered for scheme.
func Dial(ctx context.Context, scheme, address string) (Transport, error) {
	entry, ok := registry[scheme]
	if !ok || entry.dialer == nil {
		return nil, polyerr.Wrap(polyerr.CodeInvalidArgument, ErrUnsupportedScheme, scheme)
	}
	return entry.dialer.Dial(ctx, address)
}

// Listen starts listening using the driver registered for scheme.
func Listen(scheme, address string) (TransportListener, error) {
	entry, ok := registry[scheme]
	if !ok || entry.listener == nil {
		return nil, polyerr.Wrap(polyerr.CodeInvalidArgument, ErrUnsupportedScheme, scheme)
	}
	return entry.listener.Listen(address)
}
