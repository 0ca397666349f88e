package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/NTM-Digital/ntmServices/internal/domain"
	"github.com/NTM-Digital/ntmServices/internal/metrics"
	"github.com/NTM-Digital/ntmServices/internal/probe"
	"github.com/NTM-Digital/ntmServices/internal/repo"
)

const (
	// FailureThreshold is the number of consecutive failures that opens an
	// incident. A single failure never does.
	FailureThreshold = 2

	incidentWriteTimeout = 5 * time.Second
)

type State int

const (
	StateStable State = iota
	StateDegraded
	StateIncident
)

func (s State) String() string {
	switch s {
	case StateDegraded:
		return "degraded"
	case StateIncident:
		return "incident"
	default:
		return "stable"
	}
}

// IncidentTracker turns a monitor's classifications into incident writes.
//
// A call to Observe that arrives while another is persisting a transition
// is dropped rather than queued; the next cycle re-evaluates against the
// state left behind. Incident writes are detached from the caller's
// cancellation and bounded by incidentWriteTimeout, so a reload cannot stop
// a replacement between its close and its open.
//
// busy only guards Observe. mu covers the counters and is never held across
// a store call, so State and Failures do not wait on persistence.
type IncidentTracker struct {
	monitorID domain.MonitorID
	incidents repo.IncidentStore
	metrics   metrics.Recorder
	log       *zap.Logger

	busy sync.Mutex

	mu       sync.Mutex
	failures int
	openMsg  string
	open     bool
}

func NewIncidentTracker(id domain.MonitorID, incidents repo.IncidentStore, rec metrics.Recorder, log *zap.Logger) *IncidentTracker {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &IncidentTracker{
		monitorID: id,
		incidents: incidents,
		metrics:   rec,
		log:       log.With(zap.String("monitor_id", string(id))),
	}
}

// Adopt marks msg as the open incident. Used when a worker starts on a
// monitor that already has one, so a later recovery still closes it.
func (t *IncidentTracker) Adopt(msg string) {
	t.setOpen(true, msg)
}

func (t *IncidentTracker) setOpen(open bool, msg string) {
	t.mu.Lock()
	t.open = open
	t.openMsg = msg
	t.mu.Unlock()
}

// Observe applies one classification. It reports false when the call was
// dropped because another transition was in flight.
func (t *IncidentTracker) Observe(ctx context.Context, c probe.Classification) bool {
	if !t.busy.TryLock() {
		t.log.Debug("incident_transition_skipped")
		return false
	}
	defer t.busy.Unlock()

	t.mu.Lock()
	if c.Healthy {
		t.failures = 0
	} else {
		t.failures++
	}
	failures, open, openMsg := t.failures, t.open, t.openMsg
	t.mu.Unlock()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), incidentWriteTimeout)
	defer cancel()

	if c.Healthy {
		if !open {
			return true
		}
		n, err := t.closeAll(wctx)
		if err != nil {
			// stay in Incident; the next healthy cycle retries the close
			t.log.Warn("incident_close_failed", zap.String("reason", openMsg), zap.Error(err))
			return true
		}
		t.log.Info("incident_closed", zap.String("reason", openMsg), zap.Int("closed", n))
		t.setOpen(false, "")
		return true
	}

	if failures < FailureThreshold {
		return true
	}
	if open && openMsg == c.Reason {
		return true
	}

	// The store closes open incidents with a different message in the same
	// transaction, which covers the replacement case.
	inc, created, err := t.incidents.OpenIncident(wctx, t.monitorID, c.Reason)
	if err != nil {
		t.log.Warn("incident_open_failed", zap.String("reason", c.Reason), zap.Error(err))
		return true
	}
	if open {
		t.metrics.IncidentClosed(wctx, t.monitorID)
		t.log.Info("incident_replaced",
			zap.String("previous_reason", openMsg),
			zap.String("reason", c.Reason),
			zap.String("incident_id", string(inc.ID)),
		)
	} else {
		t.log.Info("incident_opened",
			zap.String("reason", c.Reason),
			zap.String("incident_id", string(inc.ID)),
			zap.Int("consecutive_failures", failures),
		)
	}
	if created {
		t.metrics.IncidentOpened(wctx, t.monitorID)
	}
	t.setOpen(true, c.Reason)
	return true
}

func (t *IncidentTracker) closeAll(ctx context.Context) (int, error) {
	open, err := t.incidents.ListOpen(ctx, t.monitorID)
	if err != nil {
		return 0, fmt.Errorf("list open incidents: %w", err)
	}
	var (
		closed int
		errs   error
	)
	for _, inc := range open {
		if _, err := t.incidents.CloseIncident(ctx, inc.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close incident %s: %w", inc.ID, err))
			continue
		}
		closed++
		t.metrics.IncidentClosed(ctx, t.monitorID)
	}
	return closed, errs
}

// State returns the current state and the open incident message, if any.
func (t *IncidentTracker) State() (State, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.open:
		return StateIncident, t.openMsg
	case t.failures > 0:
		return StateDegraded, ""
	default:
		return StateStable, ""
	}
}

func (t *IncidentTracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}
