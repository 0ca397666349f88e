package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/NTM-Digital/ntmServices/internal/domain"
	"github.com/NTM-Digital/ntmServices/internal/probe"
	"github.com/NTM-Digital/ntmServices/internal/repo/memory"
)

// --- fakes ---

// scriptChecker answers with the scripted status codes in order and then
// repeats the last one.
type scriptChecker struct {
	mu    sync.Mutex
	codes []int
	calls int
}

func (s *scriptChecker) Check(ctx context.Context, url string) probe.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := 200
	if len(s.codes) > 0 {
		i := s.calls
		if i >= len(s.codes) {
			i = len(s.codes) - 1
		}
		code = s.codes[i]
	}
	s.calls++
	return probe.Outcome{StatusCode: code, Latency: time.Millisecond}
}

func (s *scriptChecker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newStoreWithMonitor(t *testing.T, name string) (*memory.Store, domain.Monitor) {
	t.Helper()
	s := memory.New()
	m := addMonitor(t, s, name)
	return s, m
}

func addMonitor(t *testing.T, s *memory.Store, name string) domain.Monitor {
	t.Helper()
	m := &domain.Monitor{
		Name:          name,
		URL:           "https://example.com/" + name,
		CheckInterval: 30,
		RetryInterval: 5,
	}
	if err := s.Create(context.Background(), m); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return *m
}

func testDeps(s *memory.Store, chk probe.Checker) Deps {
	return Deps{
		Monitors:     s,
		Incidents:    s,
		Checker:      chk,
		Logger:       zap.NewNop(),
		IntervalUnit: time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
