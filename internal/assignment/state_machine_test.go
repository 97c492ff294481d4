package assignment

import (
	"testing"
	"time"
)

func TestCanTransitionAndApply(t *testing.T) {
	if !CanTransition(StatusActive, StatusInactive) {
		t.Fatalf("expected active -> inactive allowed")
	}
	if !CanTransition(StatusActive, StatusTerminated) {
		t.Fatalf("expected active -> terminated allowed")
	}
	if CanTransition(StatusTerminated, StatusActive) {
		t.Fatalf("expected terminated -> active not allowed")
	}
	if CanTransition(StatusInactive, StatusActive) {
		t.Fatalf("expected inactive -> active not allowed")
	}

	a := &DriverAssignment{Status: StatusActive}
	now := time.Now()
	if err := ApplyTransition(a, StatusInactive, now); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if a.Status != StatusInactive {
		t.Fatalf("expected status inactive, got %s", a.Status)
	}
	if a.SupersededAt == nil {
		t.Fatalf("expected superseded_at set")
	}
	if a.TerminatedAt != nil {
		t.Fatalf("did not expect terminated_at")
	}

	if err := ApplyTransition(a, StatusTerminated, now); err == nil {
		t.Fatalf("expected transition out of absorbing state to fail")
	}
}
