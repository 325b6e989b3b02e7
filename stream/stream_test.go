package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/obinexus/libpolycall/polyerr"
)

type recordingObserver struct {
	mu        sync.Mutex
	next      [][]byte
	completed int
	errs      []polyerr.Code
}

func (r *recordingObserver) OnNext(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = append(r.next, append([]byte(nil), data...))
}
func (r *recordingObserver) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}
func (r *recordingObserver) OnError(code polyerr.Code, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, code)
}

func TestOpenSendReceive(t *testing.T) {
	s := New(DefaultConfig())
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Send([]byte("hello"), Flags{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("expected active after first send, got %s", s.State())
	}

	sent, _, msgs := s.Stats()
	if sent != 5 || msgs != 1 {
		t.Fatalf("unexpected stats: sent=%d msgs=%d", sent, msgs)
	}
}

func TestSendRejectsOversizeMessage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 4
	s := New(cfg)
	_ = s.Open()
	err := s.Send([]byte("toolong"), Flags{})
	if err == nil {
		t.Fatal("expected InvalidArgument for oversize message")
	}
}

func TestBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 1024
	cfg.MaxMessageSize = 512
	s := New(cfg)
	_ = s.Open()

	// Each queued message costs its payload plus the length header, so a
	// 1024-byte queue cannot hold two 512-byte messages at once.
	if err := s.Send(make([]byte, 512), Flags{}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := s.Send(make([]byte, 512), Flags{}); err == nil {
		t.Fatal("expected ResourceExhausted on second send before drain")
	}

	out := make([]byte, 512)
	if n := s.DrainSend(out); n != 512 {
		t.Fatalf("drain = %d, want 512", n)
	}
	if err := s.Send(make([]byte, 512), Flags{}); err != nil {
		t.Fatalf("send after drain: %v", err)
	}

	sent, _, msgs := s.Stats()
	if sent != 1024 || msgs != 2 {
		t.Fatalf("unexpected stats: sent=%d msgs=%d", sent, msgs)
	}
}

func TestDrainSendPreservesMessageBoundaries(t *testing.T) {
	s := New(DefaultConfig())
	_ = s.Open()
	_ = s.Send([]byte("first"), Flags{})
	_ = s.Send([]byte("second"), Flags{})

	out := make([]byte, 64)
	if n := s.DrainSend(out); string(out[:n]) != "first" {
		t.Fatalf("first drain = %q, want first", out[:n])
	}
	if n := s.DrainSend(out); string(out[:n]) != "second" {
		t.Fatalf("second drain = %q, want second", out[:n])
	}
	if n := s.DrainSend(out); n != 0 {
		t.Fatalf("drain on empty queue = %d, want 0", n)
	}
}

func TestPauseSuppressesObserverNotifications(t *testing.T) {
	s := New(DefaultConfig())
	_ = s.Open()
	_ = s.Send([]byte("x"), Flags{})

	obs := &recordingObserver{}
	if err := s.CreateObserver(obs); err != nil {
		t.Fatalf("create observer: %v", err)
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	s.Deliver([]byte("while-paused"))
	if len(obs.next) != 0 {
		t.Fatalf("expected no notifications while paused, got %d", len(obs.next))
	}
	if err := s.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	s.Deliver([]byte("after-resume"))
	if len(obs.next) != 1 {
		t.Fatalf("expected one notification after resume, got %d", len(obs.next))
	}
}

func TestObserverLimitEnforced(t *testing.T) {
	s := New(DefaultConfig())
	_ = s.Open()
	for i := 0; i < maxObservers; i++ {
		if err := s.CreateObserver(&recordingObserver{}); err != nil {
			t.Fatalf("observer %d: %v", i, err)
		}
	}
	if err := s.CreateObserver(&recordingObserver{}); err == nil {
		t.Fatal("expected ResourceExhausted beyond 16 observers")
	}
}

func TestCloseIdempotentNotifiesOnce(t *testing.T) {
	s := New(DefaultConfig())
	_ = s.Open()
	obs := &recordingObserver{}
	_ = s.CreateObserver(obs)

	for i := 0; i < 3; i++ {
		if err := s.Close(); err != nil {
			t.Fatalf("close #%d: %v", i, err)
		}
	}
	if obs.completed != 1 {
		t.Fatalf("expected exactly one OnComplete, got %d", obs.completed)
	}
}

func TestIdleTimeoutFaultsStream(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NonBlocking = true
	cfg.IdleTimeout = 30 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	s := New(cfg)
	obs := &recordingObserver{}
	_ = s.CreateObserver(obs)
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateError && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.State() != StateError {
		t.Fatalf("expected error state after idle timeout, got %s", s.State())
	}
	if err := s.Send([]byte("x"), Flags{}); err == nil {
		t.Fatal("expected InvalidState after idle-timeout fault")
	}
}
