package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NTM-Digital/ntmServices/internal/domain"
	"github.com/NTM-Digital/ntmServices/internal/repo"
)

const DefaultReloadRetry = 30 * time.Second

// WorkerInfo describes one running worker for diagnostics.
type WorkerInfo struct {
	MonitorID    domain.MonitorID `json:"monitor_id"`
	Name         string           `json:"name"`
	URL          string           `json:"url"`
	Generation   uint64           `json:"generation"`
	StartedAt    time.Time        `json:"started_at"`
	State        string           `json:"state"`
	Failures     int              `json:"consecutive_failures"`
	OpenIncident string           `json:"open_incident,omitempty"`
}

type handle struct {
	info   WorkerInfo
	worker *Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns the running workers. Only Reload and Stop change the worker
// set, and they are serialized, so at most one generation runs at a time.
type Registry struct {
	deps       Deps
	feed       repo.ChangeFeed
	retryAfter time.Duration
	log        *zap.Logger

	base       context.Context
	cancelBase context.CancelFunc

	reloadMu   sync.Mutex // serializes Reload and Stop
	mu         sync.RWMutex
	workers    map[domain.MonitorID]*handle
	generation uint64
	stopped    bool
}

func NewRegistry(deps Deps, feed repo.ChangeFeed, retryAfter time.Duration) *Registry {
	deps = deps.withDefaults()
	if retryAfter <= 0 {
		retryAfter = DefaultReloadRetry
	}
	base, cancel := context.WithCancel(context.Background())
	return &Registry{
		deps:       deps,
		feed:       feed,
		retryAfter: retryAfter,
		log:        deps.Logger,
		base:       base,
		cancelBase: cancel,
		workers:    make(map[domain.MonitorID]*handle),
	}
}

// Run subscribes to the change feed, performs the initial reload and then
// reloads on every change until ctx is done. Events that arrive while a
// reload runs are coalesced into one follow-up reload. All workers are
// stopped before Run returns.
func (r *Registry) Run(ctx context.Context) error {
	defer r.Stop()

	events, err := r.feed.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to changes: %w", err)
	}

	retry := time.NewTimer(r.retryAfter)
	retry.Stop()
	defer retry.Stop()

	reload := func() {
		retry.Stop()
		if err := r.Reload(ctx); err != nil && ctx.Err() == nil {
			retry.Reset(r.retryAfter)
		}
	}

	reload()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("change feed closed")
			}
			r.log.Info("monitor_config_changed",
				zap.String("operation", ev.Operation),
				zap.String("monitor_id", string(ev.MonitorID)),
			)
			if n := drain(events); n > 0 {
				r.log.Debug("monitor_changes_coalesced", zap.Int("count", n))
			}
			reload()
		case <-retry.C:
			r.log.Info("registry_reload_retry")
			reload()
		}
	}
}

// drain empties whatever is already buffered and returns how many events it
// discarded.
func drain(ch <-chan domain.ChangeEvent) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Reload stops every running worker, waits for them to exit, and starts one
// fresh worker per monitor. When listing monitors fails the registry is left
// with no workers and the error is returned.
func (r *Registry) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	if r.stopped {
		return errors.New("registry stopped")
	}
	r.stopAllLocked()

	monitors, err := r.deps.Monitors.List(ctx)
	if err != nil {
		r.deps.Metrics.RegistryReload(ctx, false)
		r.log.Error("registry_reload_failed", zap.Error(err))
		return fmt.Errorf("list monitors: %w", err)
	}

	r.mu.Lock()
	r.generation++
	gen := r.generation
	now := time.Now().UTC()
	for _, m := range monitors {
		wctx, cancel := context.WithCancel(r.base)
		h := &handle{
			info: WorkerInfo{
				MonitorID:  m.ID,
				Name:       m.Name,
				URL:        m.URL,
				Generation: gen,
				StartedAt:  now,
			},
			worker: NewWorker(m, r.deps),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		r.workers[m.ID] = h
		go func() {
			defer close(h.done)
			h.worker.Run(wctx)
		}()
	}
	r.mu.Unlock()

	r.deps.Metrics.WorkersChanged(ctx, int64(len(monitors)))
	r.deps.Metrics.RegistryReload(ctx, true)
	r.log.Info("registry_reloaded", zap.Uint64("generation", gen), zap.Int("workers", len(monitors)))
	return nil
}

// stopAllLocked cancels every worker and waits for all of them. reloadMu
// must be held.
func (r *Registry) stopAllLocked() {
	r.mu.Lock()
	old := r.workers
	r.workers = make(map[domain.MonitorID]*handle)
	r.mu.Unlock()

	if len(old) == 0 {
		return
	}
	for _, h := range old {
		h.cancel()
	}
	for _, h := range old {
		<-h.done
	}
	r.deps.Metrics.WorkersChanged(context.Background(), -int64(len(old)))
	r.log.Debug("workers_stopped", zap.Int("count", len(old)))
}

// Stop cancels all workers and waits for them. The registry cannot be
// reloaded afterwards.
func (r *Registry) Stop() {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	r.stopAllLocked()
	r.cancelBase()
	r.log.Info("registry_stopped")
}

// Generation is the number of successful reloads so far.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Snapshot lists the running workers ordered by monitor name.
func (r *Registry) Snapshot() []WorkerInfo {
	r.mu.RLock()
	handles := make([]*handle, 0, len(r.workers))
	for _, h := range r.workers {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	out := make([]WorkerInfo, 0, len(handles))
	for _, h := range handles {
		info := h.info
		state, msg := h.worker.Tracker().State()
		info.State = state.String()
		info.OpenIncident = msg
		info.Failures = h.worker.Tracker().Failures()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].MonitorID < out[j].MonitorID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
