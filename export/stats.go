package export

import (
	"sync/atomic"
	"time"
)

// Stats holds process-wide render counters. Monotonic except on Reset.
type Stats struct {
	exportAttempts    atomic.Uint64
	performedExports  atomic.Uint64
	droppedExports    atomic.Uint64
	svgExportAttempts atomic.Uint64
	timeSpentMs       atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	ExportAttempts        uint64  `json:"export_attempts"`
	PerformedExports      uint64  `json:"performed_exports"`
	DroppedExports        uint64  `json:"dropped_exports"`
	ExportFromSVGAttempts uint64  `json:"export_from_svg_attempts"`
	TimeSpentMs           uint64  `json:"time_spent_ms"`
	SpentAverageMs        float64 `json:"spent_average_ms"`
}

func (s *Stats) attempt(fromSVG bool) {
	s.exportAttempts.Add(1)
	if fromSVG {
		s.svgExportAttempts.Add(1)
	}
}

func (s *Stats) performed(elapsed time.Duration) {
	s.performedExports.Add(1)
	s.timeSpentMs.Add(uint64(elapsed.Milliseconds()))
}

func (s *Stats) dropped() {
	s.droppedExports.Add(1)
}

// Snapshot returns a consistent-enough copy for reporting. Counters are
// read individually; exact cross-counter consistency is not guaranteed.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		ExportAttempts:        s.exportAttempts.Load(),
		PerformedExports:      s.performedExports.Load(),
		DroppedExports:        s.droppedExports.Load(),
		ExportFromSVGAttempts: s.svgExportAttempts.Load(),
		TimeSpentMs:           s.timeSpentMs.Load(),
	}
	if snap.PerformedExports > 0 {
		snap.SpentAverageMs = float64(snap.TimeSpentMs) / float64(snap.PerformedExports)
	}
	return snap
}

// Reset zeroes all counters.
func (s *Stats) Reset() {
	s.exportAttempts.Store(0)
	s.performedExports.Store(0)
	s.droppedExports.Store(0)
	s.svgExportAttempts.Store(0)
	s.timeSpentMs.Store(0)
}
