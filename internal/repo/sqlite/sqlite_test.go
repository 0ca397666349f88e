package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/NTM-Digital/ntmServices/internal/domain"
	"github.com/NTM-Digital/ntmServices/internal/repo"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "uptime.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addMonitor(t *testing.T, s *Store, name string) *domain.Monitor {
	t.Helper()
	m := &domain.Monitor{
		Name:          name,
		URL:           "https://example.com/" + name,
		Expected:      domain.Expectation{Status: "ok"},
		CheckInterval: 30,
		RetryInterval: 5,
	}
	if err := s.Create(context.Background(), m); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

func TestSQLiteStore_MonitorCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b := addMonitor(t, s, "beta")
	a := addMonitor(t, s, "alpha")

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].Name != "alpha" {
		t.Fatalf("expected name order, got %+v", all)
	}
	if all[0].Expected.Status != "ok" || all[0].CreatedAt.IsZero() {
		t.Fatalf("fields not round-tripped: %+v", all[0])
	}

	interval := 90
	got, err := s.Update(ctx, b.ID, domain.MonitorPatch{CheckInterval: &interval})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.CheckInterval != 90 || got.Name != "beta" {
		t.Fatalf("unexpected update result: %+v", got)
	}
	if _, err := s.Update(ctx, b.ID, domain.MonitorPatch{}); !errors.Is(err, repo.ErrNoFields) {
		t.Fatalf("want ErrNoFields, got %v", err)
	}
	if _, err := s.Update(ctx, "missing", domain.MonitorPatch{CheckInterval: &interval}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	if err := s.TouchLastCheck(ctx, a.ID); err != nil {
		t.Fatalf("TouchLastCheck: %v", err)
	}
	if got, _ := s.Get(ctx, a.ID); got.LastCheckAt == nil {
		t.Fatalf("expected LastCheckAt to be set")
	}

	if err := s.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, a.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, a.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound on second delete, got %v", err)
	}
}

func TestSQLiteStore_OpenIncidentIsIdempotentAndReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := addMonitor(t, s, "a")

	first, created, err := s.OpenIncident(ctx, m.ID, "Status code 500")
	if err != nil || !created {
		t.Fatalf("first open: created=%v err=%v", created, err)
	}
	again, created, err := s.OpenIncident(ctx, m.ID, "Status code 500")
	if err != nil || created || again.ID != first.ID {
		t.Fatalf("repeat open: created=%v err=%v", created, err)
	}

	if _, created, err = s.OpenIncident(ctx, m.ID, "Status code 503"); err != nil || !created {
		t.Fatalf("replacement: created=%v err=%v", created, err)
	}
	open, err := s.ListOpen(ctx, m.ID)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 1 || open[0].ErrorMessage != "Status code 503" {
		t.Fatalf("want only the newest open, got %+v", open)
	}

	all, _ := s.ListIncidents(ctx, m.ID, 10)
	if len(all) != 2 || all[0].ErrorMessage != "Status code 503" || all[1].IsOpen {
		t.Fatalf("unexpected history: %+v", all)
	}

	closed, err := s.CloseIncident(ctx, open[0].ID)
	if err != nil || closed.IsOpen || closed.EndedAt == nil {
		t.Fatalf("close: %+v err=%v", closed, err)
	}
	if _, err := s.CloseIncident(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, _, err := s.OpenIncident(ctx, "nope", "x"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound for unknown monitor, got %v", err)
	}
}

func TestSQLiteStore_DeleteCascadesIncidents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := addMonitor(t, s, "a")
	if _, _, err := s.OpenIncident(ctx, m.ID, "Status code 500"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Delete(ctx, m.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	all, err := s.ListIncidents(ctx, m.ID, 10)
	if err != nil || len(all) != 0 {
		t.Fatalf("incidents should be removed with the monitor: %d err=%v", len(all), err)
	}
}

func TestSQLiteFeed_ReportsConfigChangesOnly(t *testing.T) {
	s := newTestStore(t)
	pre := addMonitor(t, s, "before-subscribe")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := NewFeed(s, 20*time.Millisecond, zap.NewNop())
	events, err := feed.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	_ = s.TouchLastCheck(ctx, pre.ID)
	name := "renamed"
	if _, err := s.Update(ctx, pre.ID, domain.MonitorPatch{Name: &name}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	m := addMonitor(t, s, "after-subscribe")

	want := []domain.ChangeEvent{
		{Operation: "UPDATE", MonitorID: pre.ID},
		{Operation: "INSERT", MonitorID: m.ID},
	}
	for i, w := range want {
		select {
		case ev := <-events:
			if ev != w {
				t.Fatalf("event %d: want %+v, got %+v", i, w, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not received", i)
		}
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			// drain a late event, then expect close
			if _, ok := <-events; ok {
				t.Fatalf("expected channel to be closed")
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}
