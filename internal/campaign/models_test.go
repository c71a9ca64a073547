package campaign

import "testing"

func TestCallStatusTerminal(t *testing.T) {
	terminal := []CallStatus{CallStatusEnded, CallStatusFailed, CallStatusCanceled, CallStatusTimeout}
	active := []CallStatus{CallStatusQueued, CallStatusRinging, CallStatusInProgress}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("expected %s to be active", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to CallStatus
		want     bool
	}{
		// forward progression
		{CallStatusQueued, CallStatusRinging, true},
		{CallStatusQueued, CallStatusInProgress, true},
		{CallStatusRinging, CallStatusInProgress, true},

		// any active status may reach any terminal status
		{CallStatusQueued, CallStatusEnded, true},
		{CallStatusQueued, CallStatusFailed, true},
		{CallStatusQueued, CallStatusCanceled, true},
		{CallStatusQueued, CallStatusTimeout, true},
		{CallStatusRinging, CallStatusTimeout, true},
		{CallStatusInProgress, CallStatusEnded, true},
		{CallStatusInProgress, CallStatusCanceled, true},

		// regressions are rejected
		{CallStatusRinging, CallStatusQueued, false},
		{CallStatusInProgress, CallStatusRinging, false},
		{CallStatusEnded, CallStatusRinging, false},
		{CallStatusEnded, CallStatusQueued, false},

		// terminal statuses accept no successors, including other terminals
		{CallStatusEnded, CallStatusFailed, false},
		{CallStatusFailed, CallStatusEnded, false},
		{CallStatusCanceled, CallStatusTimeout, false},

		// same status is not a transition
		{CallStatusQueued, CallStatusQueued, false},
		{CallStatusEnded, CallStatusEnded, false},

		// unknown statuses never transition
		{CallStatus("bogus"), CallStatusEnded, false},
		{CallStatusQueued, CallStatus("bogus"), false},
	}

	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestModeValid(t *testing.T) {
	if !ModeContinuous.Valid() || !ModeBatch.Valid() {
		t.Fatalf("expected built-in modes to be valid")
	}
	if Mode("drip").Valid() {
		t.Fatalf("expected unknown mode to be invalid")
	}
}

func TestActiveStatusesMatchTerminality(t *testing.T) {
	for _, s := range ActiveStatuses() {
		if s.Terminal() {
			t.Errorf("active status %s reported terminal", s)
		}
	}
}
