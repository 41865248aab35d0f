package fsm

import (
	"errors"
	"testing"
)

type state string
type event string

func testMachine(t *testing.T) *Machine[state, event] {
	t.Helper()
	m, err := New[state, event]("idle", []Transition[state, event]{
		{From: "idle", Event: "start", To: "running"},
		{From: "running", Event: "stop", To: "idle"},
		{From: "running", Event: "fail", To: "failed", Guard: func(from state, ev event) error {
			return errors.New("guarded")
		}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func TestFire_Valid(t *testing.T) {
	m := testMachine(t)

	var seen []string
	m.OnTransition(func(from, to state, ev event) {
		seen = append(seen, string(from)+">"+string(to))
	})

	if got, err := m.Fire("start"); err != nil || got != "running" {
		t.Fatalf("Fire(start) = %q, %v; want running, nil", got, err)
	}
	if got, err := m.Fire("stop"); err != nil || got != "idle" {
		t.Fatalf("Fire(stop) = %q, %v; want idle, nil", got, err)
	}
	if len(seen) != 2 || seen[0] != "idle>running" || seen[1] != "running>idle" {
		t.Fatalf("observer saw %v", seen)
	}
}

func TestFire_Invalid(t *testing.T) {
	m := testMachine(t)

	got, err := m.Fire("stop")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Fire(stop) error = %v, want ErrInvalidTransition", err)
	}
	if got != "idle" {
		t.Fatalf("state after invalid transition = %q, want idle", got)
	}
}

func TestFire_GuardRejects(t *testing.T) {
	m := testMachine(t)
	m.Fire("start")

	if _, err := m.Fire("fail"); err == nil {
		t.Fatal("expected guard error")
	}
	if m.State() != "running" {
		t.Fatalf("state = %q, want running", m.State())
	}
}

func TestCanAndReset(t *testing.T) {
	m := testMachine(t)
	if !m.Can("start") || m.Can("stop") {
		t.Fatal("Can() mismatch in idle")
	}
	m.Fire("start")
	m.Reset()
	if m.State() != "idle" {
		t.Fatalf("State() after Reset = %q, want idle", m.State())
	}
}

func TestNew_DuplicateTransition(t *testing.T) {
	_, err := New[state, event]("a", []Transition[state, event]{
		{From: "a", Event: "x", To: "b"},
		{From: "a", Event: "x", To: "c"},
	})
	if err == nil {
		t.Fatal("expected duplicate transition error")
	}
}
