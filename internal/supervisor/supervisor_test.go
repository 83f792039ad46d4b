package supervisor

import (
	"fmt"
	"testing"
)

func TestRecordHeartbeatUpdatesStatus(t *testing.T) {
	s := New("reconstruct", nil, nil)
	s.status["BTC-USD"] = &Status{Symbol: "BTC-USD"}

	s.recordHeartbeat("BTC-USD", Heartbeat{Symbol: "BTC-USD", EventsProcessed: 100})

	got := s.Status()
	if len(got) != 1 || got[0].Heartbeat.EventsProcessed != 100 {
		t.Fatalf("unexpected status: %+v", got)
	}
}

func TestRecordFailureIncrementsRestarts(t *testing.T) {
	s := New("reconstruct", nil, nil)
	s.status["BTC-USD"] = &Status{Symbol: "BTC-USD"}

	s.recordFailure("BTC-USD", fmt.Errorf("exit status 1"))
	s.recordFailure("BTC-USD", fmt.Errorf("exit status 1"))

	got := s.Status()
	if got[0].Restarts != 2 {
		t.Fatalf("Restarts = %d, want 2", got[0].Restarts)
	}
	if got[0].Running {
		t.Fatal("expected Running=false after a recorded failure")
	}
}

func TestMarkDegradedStopsRunning(t *testing.T) {
	s := New("reconstruct", nil, nil)
	s.status["BTC-USD"] = &Status{Symbol: "BTC-USD", Running: true}

	s.markDegraded("BTC-USD")

	got := s.Status()
	if !got[0].Degraded || got[0].Running {
		t.Fatalf("unexpected status after markDegraded: %+v", got[0])
	}
}

func TestNewDefaultsNilArgsFor(t *testing.T) {
	s := New("reconstruct", nil, nil)
	if args := s.argsFor("BTC-USD"); args != nil {
		t.Fatalf("expected nil default args, got %v", args)
	}
}
