package audit

import (
	"testing"
	"time"
)

func TestRingRoundTrip(t *testing.T) {
	r := NewRing(4)
	base := time.Now()
	for i := 0; i < 3; i++ {
		r.Emit(Event{Kind: KindLogin, IdentityID: "alice", Success: true, Timestamp: base.Add(time.Duration(i) * time.Hour)})
	}
	events := r.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestRingOverflowDropsOldest(t *testing.T) {
	r := NewRing(2)
	base := time.Now()
	r.Emit(Event{Kind: KindLogin, IdentityID: "a", Success: true, Timestamp: base})
	r.Emit(Event{Kind: KindLogin, IdentityID: "b", Success: true, Timestamp: base.Add(time.Hour)})
	r.Emit(Event{Kind: KindLogin, IdentityID: "c", Success: true, Timestamp: base.Add(2 * time.Hour)})

	events := r.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events retained, got %d", len(events))
	}
	if events[0].IdentityID != "b" || events[1].IdentityID != "c" {
		t.Fatalf("expected oldest dropped, got %+v", events)
	}
}

func TestCoalescesRepeatedFailuresWithinWindow(t *testing.T) {
	r := NewRing(16)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Emit(Event{
			Kind: KindAccessDenied, IdentityID: "alice", Resource: "doc:1", Action: "read", Success: false,
			Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond),
		})
	}
	events := r.Events()
	if len(events) != 1 {
		t.Fatalf("expected failures coalesced to 1 event, got %d", len(events))
	}
}

func TestDoesNotCoalesceAcrossWindow(t *testing.T) {
	r := NewRing(16)
	base := time.Now()
	r.Emit(Event{Kind: KindAccessDenied, IdentityID: "alice", Success: false, Timestamp: base})
	r.Emit(Event{Kind: KindAccessDenied, IdentityID: "alice", Success: false, Timestamp: base.Add(2 * CoalesceWindow)})

	events := r.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events outside coalesce window, got %d", len(events))
	}
}

func TestTokenValidateFailuresNeverCoalesce(t *testing.T) {
	r := NewRing(16)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Emit(Event{
			Kind: KindTokenValidate, IdentityID: "alice", Success: false,
			Timestamp: base.Add(time.Duration(i) * 10 * time.Millisecond),
		})
	}
	events := r.Events()
	if len(events) != 5 {
		t.Fatalf("expected every validate failure recorded, got %d", len(events))
	}
}
