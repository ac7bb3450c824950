package observability

import (
	"time"

	"github.com/hazyhaar/hcexport/export"
)

// StatusSource is the slice of the exporter the sampler reads.
type StatusSource interface {
	PoolStatus() (size, inUse, free int)
	Stats() export.StatsSnapshot
}

// Sampler periodically records pool occupancy and render counters as
// metrics.
type Sampler struct {
	src     StatusSource
	metrics *MetricsManager
	stop    chan struct{}
	done    chan struct{}
}

// NewSampler starts sampling the source every interval.
func NewSampler(src StatusSource, metrics *MetricsManager, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s := &Sampler{
		src:     src,
		metrics: metrics,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.loop(interval)
	return s
}

// Close stops the sampling goroutine.
func (s *Sampler) Close() error {
	close(s.stop)
	<-s.done
	return nil
}

func (s *Sampler) loop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	size, inUse, free := s.src.PoolStatus()
	s.metrics.RecordSimple(MetricPoolSize, float64(size), "count")
	s.metrics.RecordSimple(MetricPoolInUse, float64(inUse), "count")
	s.metrics.RecordSimple(MetricPoolFree, float64(free), "count")

	snap := s.src.Stats()
	s.metrics.RecordSimple(MetricExportAttempts, float64(snap.ExportAttempts), "count")
	s.metrics.RecordSimple(MetricPerformedExports, float64(snap.PerformedExports), "count")
	s.metrics.RecordSimple(MetricDroppedExports, float64(snap.DroppedExports), "count")
	s.metrics.RecordSimple(MetricSpentAverageMs, snap.SpentAverageMs, "milliseconds")
}
