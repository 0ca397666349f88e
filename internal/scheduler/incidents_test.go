package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/NTM-Digital/ntmServices/internal/domain"
	"github.com/NTM-Digital/ntmServices/internal/probe"
	"github.com/NTM-Digital/ntmServices/internal/repo/memory"
)

func observeCodes(t *testing.T, tr *IncidentTracker, codes ...int) {
	t.Helper()
	for _, code := range codes {
		c := probe.Evaluate(domain.Expectation{}, probe.Outcome{StatusCode: code})
		if !tr.Observe(context.Background(), c) {
			t.Fatalf("observe %d was dropped", code)
		}
	}
}

func TestIncidentTracker_ScenarioA_OpenThenCloseOnRecovery(t *testing.T) {
	ctx := context.Background()
	s, m := newStoreWithMonitor(t, "a")
	tr := NewIncidentTracker(m.ID, s, nil, zap.NewNop())

	observeCodes(t, tr, 200, 200, 500)
	if all, _ := s.ListIncidents(ctx, m.ID, 0); len(all) != 0 {
		t.Fatalf("no incident expected after one failure, got %+v", all)
	}
	if st, _ := tr.State(); st != StateDegraded {
		t.Fatalf("want degraded, got %v", st)
	}

	observeCodes(t, tr, 500)
	open, _ := s.ListOpen(ctx, m.ID)
	if len(open) != 1 || open[0].ErrorMessage != "Status code 500" {
		t.Fatalf("want one open incident, got %+v", open)
	}

	observeCodes(t, tr, 200)
	if open, _ := s.ListOpen(ctx, m.ID); len(open) != 0 {
		t.Fatalf("incident should be closed, got %+v", open)
	}
	if tr.Failures() != 0 {
		t.Fatalf("failures should reset, got %d", tr.Failures())
	}
	if st, msg := tr.State(); st != StateStable || msg != "" {
		t.Fatalf("want stable, got %v %q", st, msg)
	}
	if all, _ := s.ListIncidents(ctx, m.ID, 0); len(all) != 1 {
		t.Fatalf("want exactly one incident in history, got %d", len(all))
	}
}

func TestIncidentTracker_ScenarioB_ReplacesOnNewReason(t *testing.T) {
	ctx := context.Background()
	s, m := newStoreWithMonitor(t, "b")
	tr := NewIncidentTracker(m.ID, s, nil, zap.NewNop())

	observeCodes(t, tr, 500, 500)
	if _, msg := tr.State(); msg != "Status code 500" {
		t.Fatalf("want incident for 500, got %q", msg)
	}

	observeCodes(t, tr, 503)
	if tr.Failures() != 3 {
		t.Fatalf("replacement must not reset the counter, got %d", tr.Failures())
	}
	observeCodes(t, tr, 503)

	open, _ := s.ListOpen(ctx, m.ID)
	if len(open) != 1 || open[0].ErrorMessage != "Status code 503" {
		t.Fatalf("want only the 503 incident open, got %+v", open)
	}
	all, _ := s.ListIncidents(ctx, m.ID, 0)
	if len(all) != 2 || all[1].IsOpen {
		t.Fatalf("want closed 500 plus open 503, got %+v", all)
	}
}

func TestIncidentTracker_SingleFailureNeverOpens(t *testing.T) {
	s, m := newStoreWithMonitor(t, "c")
	tr := NewIncidentTracker(m.ID, s, nil, zap.NewNop())

	observeCodes(t, tr, 500, 200, 502, 200, 504, 200)
	if all, _ := s.ListIncidents(context.Background(), m.ID, 0); len(all) != 0 {
		t.Fatalf("alternating failures must not open incidents, got %+v", all)
	}
}

func TestIncidentTracker_RepeatedFailureWritesOnce(t *testing.T) {
	s, m := newStoreWithMonitor(t, "d")
	counting := &countingIncidents{Store: s}
	tr := NewIncidentTracker(m.ID, counting, nil, zap.NewNop())

	observeCodes(t, tr, 500, 500, 500, 500)
	if counting.opens != 1 {
		t.Fatalf("want one open call, got %d", counting.opens)
	}
	if all, _ := s.ListIncidents(context.Background(), m.ID, 0); len(all) != 1 {
		t.Fatalf("want one incident, got %d", len(all))
	}
}

func TestIncidentTracker_FailedCloseKeepsIncident(t *testing.T) {
	s, m := newStoreWithMonitor(t, "e")
	flaky := &countingIncidents{Store: s, closeErr: errors.New("db down")}
	tr := NewIncidentTracker(m.ID, flaky, nil, zap.NewNop())

	observeCodes(t, tr, 500, 500, 200)
	if st, _ := tr.State(); st != StateIncident {
		t.Fatalf("state must stay incident after a failed close, got %v", st)
	}

	flaky.closeErr = nil
	observeCodes(t, tr, 200)
	if st, _ := tr.State(); st != StateStable {
		t.Fatalf("next healthy cycle should close, got %v", st)
	}
	if open, _ := s.ListOpen(context.Background(), m.ID); len(open) != 0 {
		t.Fatalf("incident still open: %+v", open)
	}
}

func TestIncidentTracker_DropsReentrantCall(t *testing.T) {
	s, m := newStoreWithMonitor(t, "f")
	blocking := &countingIncidents{Store: s, block: make(chan struct{}), entered: make(chan struct{})}
	tr := NewIncidentTracker(m.ID, blocking, nil, zap.NewNop())

	observeCodes(t, tr, 500)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Observe(context.Background(), probe.Failed("Status code 500"))
	}()
	<-blocking.entered

	if tr.Observe(context.Background(), probe.Healthy()) {
		t.Fatalf("call during an in-flight transition should be dropped")
	}
	close(blocking.block)
	<-done

	if st, msg := tr.State(); st != StateIncident || msg != "Status code 500" {
		t.Fatalf("dropped call must not change state: %v %q", st, msg)
	}
}

func TestIncidentTracker_WritesSurviveCancellation(t *testing.T) {
	s, m := newStoreWithMonitor(t, "g")
	tr := NewIncidentTracker(m.ID, s, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	tr.Observe(ctx, probe.Failed("Status code 500"))
	cancel()
	tr.Observe(ctx, probe.Failed("Status code 500"))

	if open, _ := s.ListOpen(context.Background(), m.ID); len(open) != 1 {
		t.Fatalf("incident write should not depend on caller cancellation, got %d", len(open))
	}
}

func TestIncidentTracker_AdoptedIncidentClosesOnRecovery(t *testing.T) {
	ctx := context.Background()
	s, m := newStoreWithMonitor(t, "h")
	if _, _, err := s.OpenIncident(ctx, m.ID, "Status code 502"); err != nil {
		t.Fatal(err)
	}
	tr := NewIncidentTracker(m.ID, s, nil, zap.NewNop())
	tr.Adopt("Status code 502")

	observeCodes(t, tr, 200)
	if open, _ := s.ListOpen(ctx, m.ID); len(open) != 0 {
		t.Fatalf("adopted incident should be closed, got %+v", open)
	}
}

// countingIncidents wraps the memory store to count opens, inject close
// errors, or block inside OpenIncident.
type countingIncidents struct {
	*memory.Store
	opens    int
	closeErr error
	block    chan struct{}
	entered  chan struct{}
}

func (c *countingIncidents) OpenIncident(ctx context.Context, id domain.MonitorID, msg string) (*domain.Incident, bool, error) {
	c.opens++
	if c.block != nil {
		close(c.entered)
		select {
		case <-c.block:
		case <-time.After(2 * time.Second):
		}
	}
	return c.Store.OpenIncident(ctx, id, msg)
}

func (c *countingIncidents) CloseIncident(ctx context.Context, id domain.IncidentID) (*domain.Incident, error) {
	if c.closeErr != nil {
		return nil, c.closeErr
	}
	return c.Store.CloseIncident(ctx, id)
}

func TestIncidentTracker_ReadsNeverDropObservations(t *testing.T) {
	ctx := context.Background()
	s, m := newStoreWithMonitor(t, "reads")
	tr := NewIncidentTracker(m.ID, s, nil, zap.NewNop())

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
				tr.State()
				tr.Failures()
			}
		}
	}()

	for i := 0; i < 5000; i++ {
		if !tr.Observe(ctx, probe.Failed("Status code 500")) {
			t.Fatalf("failure %d dropped during concurrent reads", i)
		}
		if !tr.Observe(ctx, probe.Healthy()) {
			t.Fatalf("recovery %d dropped during concurrent reads", i)
		}
	}
	close(stop)
	<-readerDone

	if all, _ := s.ListIncidents(ctx, m.ID, 0); len(all) != 0 {
		t.Fatalf("alternating failures must never open an incident, got %d", len(all))
	}
	if tr.Failures() != 0 {
		t.Fatalf("want failures reset, got %d", tr.Failures())
	}
}

func TestIncidentTracker_StateDoesNotWaitOnWrites(t *testing.T) {
	s, m := newStoreWithMonitor(t, "inflight")
	blocking := &countingIncidents{Store: s, block: make(chan struct{}), entered: make(chan struct{})}
	tr := NewIncidentTracker(m.ID, blocking, nil, zap.NewNop())

	observeCodes(t, tr, 500)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Observe(context.Background(), probe.Failed("Status code 500"))
	}()
	<-blocking.entered

	read := make(chan State, 1)
	go func() {
		st, _ := tr.State()
		read <- st
	}()
	select {
	case st := <-read:
		if st != StateDegraded {
			t.Fatalf("want degraded while the open is in flight, got %v", st)
		}
	case <-time.After(time.Second):
		t.Fatalf("State blocked on an in-flight incident write")
	}
	if tr.Failures() != 2 {
		t.Fatalf("want 2 failures, got %d", tr.Failures())
	}

	close(blocking.block)
	<-done
	if st, _ := tr.State(); st != StateIncident {
		t.Fatalf("want incident after the write, got %v", st)
	}
}
