package transport

import (
	"context"
	"testing"
	"time"
)

func dialInmemPair(t *testing.T, addr string) (Transport, Transport) {
	t.Helper()
	ln, err := Listen(inmemScheme, addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	acceptCh := make(chan Transport, 1)
	go func() {
		srv, err := ln.Accept(ctx)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		acceptCh <- srv
	}()

	cli, err := Dial(ctx, inmemScheme, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv := <-acceptCh
	return cli, srv
}

func TestInMemoryRoundTrip(t *testing.T) {
	cli, srv := dialInmemPair(t, "test/roundtrip")
	defer cli.Close()
	defer srv.Close()

	ctx := context.Background()
	want := []byte("hello duplex world")
	if err := cli.Write(ctx, want); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(want))
	n, err := srv.Read(ctx, got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(want) || string(got[:n]) != string(want) {
		t.Fatalf("got %q, want %q", got[:n], want)
	}
}

func TestInMemoryDisconnectSignal(t *testing.T) {
	cli, srv := dialInmemPair(t, "test/disconnect")
	defer srv.Close()

	cli.Close()
	select {
	case <-cli.Closed():
	default:
		t.Fatal("Closed() channel not closed after Close()")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	cli, srv := dialInmemPair(t, "test/frame")
	defer cli.Close()
	defer srv.Close()

	ctx := context.Background()
	payload := []byte("frame payload")
	if err := WriteFrame(ctx, cli, payload, nil); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	r := NewFrameReader(srv)
	got, frag, err := r.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frag != nil {
		t.Fatalf("unexpected fragment header")
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestFrameRoundTripMultiple(t *testing.T) {
	cli, srv := dialInmemPair(t, "test/frame-multi")
	defer cli.Close()
	defer srv.Close()

	ctx := context.Background()
	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three, a longer payload")}
	for _, m := range msgs {
		if err := WriteFrame(ctx, cli, m, nil); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	r := NewFrameReader(srv)
	for _, want := range msgs {
		got, _, err := r.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if string(got) != string(want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestFragmentHeaderRoundTrip(t *testing.T) {
	cli, srv := dialInmemPair(t, "test/fragment")
	defer cli.Close()
	defer srv.Close()

	ctx := context.Background()
	frag := FragmentHeader{More: true, Index: 3}
	payload := []byte("fragment body")
	if err := WriteFrame(ctx, cli, payload, &frag); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	r := NewFrameReader(srv)
	got, gotFrag, err := r.ReadFragmentedFrame(ctx)
	if err != nil {
		t.Fatalf("read fragmented frame: %v", err)
	}
	if !gotFrag.More || gotFrag.Index != 3 {
		t.Fatalf("got fragment header %+v", gotFrag)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestTLSListenRequiresCertificate(t *testing.T) {
	if _, err := Listen(tlsScheme, "127.0.0.1:0"); err == nil {
		t.Fatal("expected tls listen without a certificate to fail")
	}
}

func TestTLSDriverRejectsBadCAFile(t *testing.T) {
	d := NewTLSDriver(TLSOptions{CAFile: "/nonexistent/ca.pem"})
	if _, err := d.Dial(context.Background(), "127.0.0.1:0"); err == nil {
		t.Fatal("expected unreadable CA file to fail")
	}
}

func TestSchemesSorted(t *testing.T) {
	schemes := Schemes()
	for i := 1; i < len(schemes); i++ {
		if schemes[i-1] > schemes[i] {
			t.Fatalf("schemes not sorted: %v", schemes)
		}
	}
}
