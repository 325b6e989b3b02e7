package fsm

import "testing"

func buildTestMachine() *Machine {
	m := New("init", "closed", "error")
	m.AddTransition("init", "open", "ready", nil, nil)
	m.AddTransition("ready", "activate", "active", nil, nil)
	m.AddTransition("active", "close", "closed", nil, nil)
	return m
}

func TestHappyPathTransitions(t *testing.T) {
	m := buildTestMachine()
	for _, step := range []struct {
		event Event
		want  State
	}{
		{"open", "ready"},
		{"activate", "active"},
		{"close", "closed"},
	} {
		if err := m.Fire(step.event); err != nil {
			t.Fatalf("fire %s: %v", step.event, err)
		}
		if got := m.Current(); got != step.want {
			t.Fatalf("after %s: got %s, want %s", step.event, got, step.want)
		}
	}
}

func TestUndefinedTransitionIsProtocolViolation(t *testing.T) {
	m := buildTestMachine()
	err := m.Fire("activate") // illegal from init
	if err == nil {
		t.Fatal("expected error")
	}
	if m.Current() != "init" {
		t.Fatalf("state changed on rejected transition: %s", m.Current())
	}
}

func TestClosedStateAcceptsNoTransitions(t *testing.T) {
	m := buildTestMachine()
	m.Fire("open")
	m.Fire("activate")
	m.Fire("close")
	if err := m.Fire("open"); err == nil {
		t.Fatal("expected error firing from closed state")
	}
}

func TestErrorOnlyTransitionsToClose(t *testing.T) {
	m := buildTestMachine()
	m.Force("error", "fault")
	if err := m.Fire("close"); err != nil {
		t.Fatalf("close from error: %v", err)
	}
	if m.Current() != "closed" {
		t.Fatalf("got %s, want closed", m.Current())
	}
}

func TestRecoveryTransitionWhenEnabled(t *testing.T) {
	m := New("init", "closed", "error", WithRecovery("ready"))
	m.Force("error", "fault")
	if err := m.Fire("recover"); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if m.Current() != "ready" {
		t.Fatalf("got %s, want ready", m.Current())
	}
}

func TestRecoveryDisabledByDefault(t *testing.T) {
	m := buildTestMachine()
	m.Force("error", "fault")
	if err := m.Fire("recover"); err == nil {
		t.Fatal("expected error: recovery not enabled")
	}
}

func TestGuardVetoesTransition(t *testing.T) {
	m := New("init", "closed", "error")
	vetoed := false
	m.AddTransition("init", "open", "ready", func() error {
		if vetoed {
			return nil
		}
		return errGuardFailed
	}, nil)

	if err := m.Fire("open"); err == nil {
		t.Fatal("expected guard to veto")
	}
	if m.Current() != "init" {
		t.Fatalf("state changed despite veto: %s", m.Current())
	}
}

func TestHooksFireInRegistrationOrder(t *testing.T) {
	m := buildTestMachine()
	var order []int
	m.AddHook(func(from, to State, ev Event) { order = append(order, 1) })
	m.AddHook(func(from, to State, ev Event) { order = append(order, 2) })

	m.Fire("open")
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("got %v, want [1 2]", order)
	}
}

var errGuardFailed = testErr("guard failed")

type testErr string

func (e testErr) Error() string { return string(e) }
