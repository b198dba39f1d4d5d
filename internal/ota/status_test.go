package ota

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	legal := map[Status][]Status{
		StatusIdle:            {StatusChecking},
		StatusChecking:        {StatusNoUpdate, StatusUpdateAvailable, StatusError},
		StatusNoUpdate:        {StatusChecking},
		StatusUpdateAvailable: {StatusDownloading, StatusChecking},
		StatusDownloading:     {StatusVerifying, StatusError},
		StatusVerifying:       {StatusSuccess, StatusError},
		StatusError:           {StatusChecking},
		StatusSuccess:         nil,
	}

	all := []Status{StatusIdle, StatusChecking, StatusNoUpdate, StatusUpdateAvailable,
		StatusDownloading, StatusVerifying, StatusSuccess, StatusError}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, l := range legal[from] {
				if l == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStateMachine_Transition(t *testing.T) {
	m := NewStateMachine()
	if m.Current() != StatusIdle {
		t.Fatalf("initial status = %s, want idle", m.Current())
	}

	var seen [][2]Status
	m.OnChange(func(from, to Status) {
		seen = append(seen, [2]Status{from, to})
	})

	for _, next := range []Status{StatusChecking, StatusUpdateAvailable, StatusDownloading, StatusVerifying, StatusSuccess} {
		if err := m.Transition(next); err != nil {
			t.Fatalf("Transition(%s): %v", next, err)
		}
	}
	if len(seen) != 5 {
		t.Fatalf("observer saw %d transitions, want 5", len(seen))
	}
	if seen[4] != [2]Status{StatusVerifying, StatusSuccess} {
		t.Errorf("last transition = %v", seen[4])
	}

	t.Run("success is terminal", func(t *testing.T) {
		err := m.Transition(StatusChecking)
		if !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("expected ErrIllegalTransition, got %v", err)
		}
		if m.Current() != StatusSuccess {
			t.Errorf("status changed to %s after rejected transition", m.Current())
		}
		if len(seen) != 5 {
			t.Error("observer called for rejected transition")
		}
	})
}

func TestStatus_IsBusy(t *testing.T) {
	busy := map[Status]bool{
		StatusChecking:    true,
		StatusDownloading: true,
		StatusVerifying:   true,
	}
	for s := StatusIdle; s <= StatusError; s++ {
		if got := s.IsBusy(); got != busy[s] {
			t.Errorf("%s.IsBusy() = %v, want %v", s, got, busy[s])
		}
	}
}

func TestStatus_String(t *testing.T) {
	if StatusUpdateAvailable.String() != "update_available" {
		t.Errorf("got %q", StatusUpdateAvailable.String())
	}
	if Status(42).String() != "status(42)" {
		t.Errorf("got %q", Status(42).String())
	}
}
