package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/NTM-Digital/ntmServices/internal/domain"
	"github.com/NTM-Digital/ntmServices/internal/metrics"
	"github.com/NTM-Digital/ntmServices/internal/probe"
	"github.com/NTM-Digital/ntmServices/internal/repo"
)

// Deps are the collaborators shared by every worker of a registry.
type Deps struct {
	Monitors  repo.MonitorStore
	Incidents repo.IncidentStore
	Checker   probe.Checker
	Metrics   metrics.Recorder
	Logger    *zap.Logger

	// IntervalUnit scales check_interval and retry_interval. Zero means
	// time.Second.
	IntervalUnit time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Checker == nil {
		d.Checker = probe.NewHTTPChecker(probe.DefaultTimeout)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.IntervalUnit <= 0 {
		d.IntervalUnit = time.Second
	}
	return d
}

// Worker polls one monitor until its context is cancelled. It is built
// fresh for every registry generation and never sees edits to its monitor.
type Worker struct {
	monitor domain.Monitor
	deps    Deps
	tracker *IncidentTracker
	log     *zap.Logger
}

func NewWorker(m domain.Monitor, deps Deps) *Worker {
	deps = deps.withDefaults()
	return &Worker{
		monitor: m,
		deps:    deps,
		tracker: NewIncidentTracker(m.ID, deps.Incidents, deps.Metrics, deps.Logger),
		log: deps.Logger.With(
			zap.String("monitor_id", string(m.ID)),
			zap.String("url", m.URL),
		),
	}
}

func (w *Worker) Tracker() *IncidentTracker { return w.tracker }

// Run blocks until ctx is done. No check starts after cancellation, and a
// check interrupted by cancellation is discarded unclassified.
func (w *Worker) Run(ctx context.Context) {
	w.adoptOpenIncident(ctx)
	w.log.Info("worker_started",
		zap.Int("check_interval", w.monitor.CheckInterval),
		zap.Int("retry_interval", w.monitor.RetryInterval),
	)
	defer w.log.Info("worker_stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.deps.Monitors.TouchLastCheck(ctx, w.monitor.ID); err != nil && ctx.Err() == nil {
			w.log.Warn("last_check_write_failed", zap.Error(err))
		}

		out := w.deps.Checker.Check(ctx, w.monitor.URL)
		if ctx.Err() != nil {
			return
		}

		c := probe.Evaluate(w.monitor.Expected, out)
		w.deps.Metrics.RecordCheck(ctx, w.monitor.ID, c.Healthy, out.Latency)
		if c.Healthy {
			w.log.Debug("check_healthy", zap.Int("status", out.StatusCode), zap.Duration("latency", out.Latency))
		} else {
			w.log.Info("check_failed", zap.String("reason", c.Reason), zap.Duration("latency", out.Latency))
		}
		w.tracker.Observe(ctx, c)

		timer := time.NewTimer(w.interval(c))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Worker) interval(c probe.Classification) time.Duration {
	n := w.monitor.CheckInterval
	if !c.Healthy {
		n = w.monitor.RetryInterval
	}
	if n < 1 {
		n = 1
	}
	return time.Duration(n) * w.deps.IntervalUnit
}

func (w *Worker) adoptOpenIncident(ctx context.Context) {
	open, err := w.deps.Incidents.ListOpen(ctx, w.monitor.ID)
	if err != nil {
		w.log.Warn("open_incidents_lookup_failed", zap.Error(err))
		return
	}
	if len(open) == 0 {
		return
	}
	// ListOpen is newest first
	w.tracker.Adopt(open[0].ErrorMessage)
	w.log.Info("incident_adopted",
		zap.String("incident_id", string(open[0].ID)),
		zap.String("reason", open[0].ErrorMessage),
	)
}
