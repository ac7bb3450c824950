package export

import (
	"testing"
	"time"
)

func TestStatsAccounting(t *testing.T) {
	var s Stats

	s.attempt(false)
	s.attempt(true)
	s.attempt(false)
	s.performed(100 * time.Millisecond)
	s.performed(300 * time.Millisecond)
	s.dropped()

	snap := s.Snapshot()
	if snap.ExportAttempts != 3 {
		t.Errorf("attempts = %d, want 3", snap.ExportAttempts)
	}
	if snap.ExportFromSVGAttempts != 1 {
		t.Errorf("svg attempts = %d, want 1", snap.ExportFromSVGAttempts)
	}
	if snap.PerformedExports != 2 {
		t.Errorf("performed = %d, want 2", snap.PerformedExports)
	}
	if snap.DroppedExports != 1 {
		t.Errorf("dropped = %d, want 1", snap.DroppedExports)
	}
	if snap.TimeSpentMs != 400 {
		t.Errorf("time spent = %d, want 400", snap.TimeSpentMs)
	}
	if snap.SpentAverageMs != 200 {
		t.Errorf("average = %v, want 200", snap.SpentAverageMs)
	}
}

func TestStatsAverageWithoutExports(t *testing.T) {
	var s Stats
	if avg := s.Snapshot().SpentAverageMs; avg != 0 {
		t.Errorf("average with no exports = %v, want 0", avg)
	}
}

func TestStatsReset(t *testing.T) {
	var s Stats
	s.attempt(true)
	s.performed(time.Second)
	s.Reset()

	snap := s.Snapshot()
	if snap.ExportAttempts != 0 || snap.PerformedExports != 0 || snap.TimeSpentMs != 0 {
		t.Errorf("counters survived reset: %+v", snap)
	}
}
