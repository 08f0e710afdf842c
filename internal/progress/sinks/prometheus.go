package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/novel-crawler/internal/progress"
)

// PrometheusSink exports sweep progress through its own collectors.
type PrometheusSink struct {
	sweepsStarted   *prometheus.CounterVec
	sweepsCompleted *prometheus.CounterVec
	sweepsRunning   *prometheus.GaugeVec
	sweepRuntime    *prometheus.HistogramVec
	probeResults    *prometheus.CounterVec
	downloadResults *prometheus.CounterVec
	archivedBytes   *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sweepsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_sweeps_started_total",
			Help: "Sweeps started, by site and sweep.",
		}, []string{"site", "sweep"}),
		sweepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_sweeps_completed_total",
			Help: "Sweeps completed, by site, sweep and result.",
		}, []string{"site", "sweep", "result"}),
		sweepsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "progress_sweeps_running",
			Help: "Sweeps currently running, by site.",
		}, []string{"site"}),
		sweepRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progress_sweep_runtime_seconds",
			Help:    "Wall time per completed sweep.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 4 * 3600},
		}, []string{"sweep"}),
		probeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_probe_results_total",
			Help: "Probe completions, by site, sweep and result.",
		}, []string{"site", "sweep", "result"}),
		downloadResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_download_results_total",
			Help: "Download completions, by site and result.",
		}, []string{"site", "result"}),
		archivedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_archived_bytes_total",
			Help: "Bytes of book text archived, by site.",
		}, []string{"site"}),
	}
	for _, collector := range []prometheus.Collector{
		s.sweepsStarted,
		s.sweepsCompleted,
		s.sweepsRunning,
		s.sweepRuntime,
		s.probeResults,
		s.downloadResults,
		s.archivedBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSweepStart:
			s.sweepsStarted.WithLabelValues(evt.Site, evt.Sweep).Inc()
			s.sweepsRunning.WithLabelValues(evt.Site).Inc()
		case progress.StageSweepDone:
			s.finish(evt, "success")
		case progress.StageSweepError:
			s.finish(evt, "error")
		case progress.StageProbeDone:
			s.probeResults.WithLabelValues(evt.Site, evt.Sweep, evt.Result).Inc()
		case progress.StageDownloadDone:
			s.downloadResults.WithLabelValues(evt.Site, evt.Result).Inc()
			if evt.Bytes > 0 {
				s.archivedBytes.WithLabelValues(evt.Site).Add(float64(evt.Bytes))
			}
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.sweepsCompleted.WithLabelValues(evt.Site, evt.Sweep, result).Inc()
	s.sweepsRunning.WithLabelValues(evt.Site).Dec()
	if evt.Dur > 0 {
		s.sweepRuntime.WithLabelValues(evt.Sweep).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
