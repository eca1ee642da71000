package fsm

import (
	"context"
	"errors"
	"testing"
)

type state string
type event string

const (
	stateA state = "a"
	stateB state = "b"
	stateC state = "c"
)

const (
	eventGo   event = "go"
	eventFail event = "fail"
)

func TestMachineFiresRegisteredTransition(t *testing.T) {
	m, err := New(stateA, []Transition[state, event]{
		{From: stateA, Event: eventGo, To: stateB},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	to, err := m.Fire(context.Background(), eventGo)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if to != stateB {
		t.Fatalf("got %v, want %v", to, stateB)
	}
	if m.State() != stateB {
		t.Fatalf("state = %v, want %v", m.State(), stateB)
	}
}

func TestMachineRejectsUnregisteredTransition(t *testing.T) {
	m, err := New(stateA, []Transition[state, event]{
		{From: stateA, Event: eventGo, To: stateB},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := m.Fire(context.Background(), eventFail); err == nil {
		t.Fatal("expected error for an event not present in the transition table")
	}
}

func TestMachineRejectsDuplicateTransitions(t *testing.T) {
	_, err := New(stateA, []Transition[state, event]{
		{From: stateA, Event: eventGo, To: stateB},
		{From: stateA, Event: eventGo, To: stateC},
	})
	if err == nil {
		t.Fatal("expected an error constructing a machine with a duplicate (from, event) pair")
	}
}

func TestMachineGuardCanRejectTransition(t *testing.T) {
	guardErr := errors.New("guard rejected")
	m, err := New(stateA, []Transition[state, event]{
		{From: stateA, Event: eventGo, To: stateB, Guard: func(context.Context, state, event) error {
			return guardErr
		}},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := m.Fire(context.Background(), eventGo); !errors.Is(err, guardErr) {
		t.Fatalf("got %v, want guardErr", err)
	}
	if m.State() != stateA {
		t.Fatal("expected state to remain unchanged after a guard rejection")
	}
}

func TestMachineActionRunsBeforeStateCommits(t *testing.T) {
	var ran bool
	var m *Machine[state, event]
	var stateDuringAction state
	m, err := New(stateA, []Transition[state, event]{
		{From: stateA, Event: eventGo, To: stateB, Action: func(_ context.Context, from, to state, _ event) error {
			ran = true
			stateDuringAction = m.State()
			if from != stateA || to != stateB {
				t.Fatalf("unexpected action args: from=%v to=%v", from, to)
			}
			return nil
		}},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := m.Fire(context.Background(), eventGo); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if !ran {
		t.Fatal("expected action to run")
	}
	if stateDuringAction != stateA {
		t.Fatalf("state during action = %v, want %v (not yet committed)", stateDuringAction, stateA)
	}
}
