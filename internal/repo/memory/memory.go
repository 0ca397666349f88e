package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NTM-Digital/ntmServices/internal/domain"
	"github.com/NTM-Digital/ntmServices/internal/repo"
)

// subscriberBuffer is small on purpose: events are reload triggers, so a
// subscriber with one pending event does not need a second.
const subscriberBuffer = 8

type Store struct {
	mu        sync.RWMutex
	monitors  map[domain.MonitorID]*domain.Monitor
	incidents []*domain.Incident
	subs      map[chan domain.ChangeEvent]struct{}
}

func New() *Store {
	return &Store{
		monitors:  make(map[domain.MonitorID]*domain.Monitor),
		incidents: make([]*domain.Incident, 0, 32),
		subs:      make(map[chan domain.ChangeEvent]struct{}),
	}
}

// ---- MonitorStore ----

func (m *Store) List(ctx context.Context) ([]domain.Monitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		out = append(out, *mon)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Store) Get(ctx context.Context, id domain.MonitorID) (*domain.Monitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mon, ok := m.monitors[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *mon
	return &cp, nil
}

func (m *Store) Create(ctx context.Context, mon *domain.Monitor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mon.ID == "" {
		mon.ID = domain.MonitorID(uuid.NewString())
	}
	if mon.CreatedAt.IsZero() {
		mon.CreatedAt = time.Now().UTC()
	}
	cp := *mon
	m.monitors[mon.ID] = &cp
	m.publishLocked(domain.ChangeEvent{Operation: "INSERT", MonitorID: mon.ID})
	return nil
}

func (m *Store) Update(ctx context.Context, id domain.MonitorID, p domain.MonitorPatch) (*domain.Monitor, error) {
	if p.Empty() {
		return nil, repo.ErrNoFields
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.monitors[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	p.Apply(mon)
	m.publishLocked(domain.ChangeEvent{Operation: "UPDATE", MonitorID: id})
	cp := *mon
	return &cp, nil
}

func (m *Store) Delete(ctx context.Context, id domain.MonitorID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitors[id]; !ok {
		return repo.ErrNotFound
	}
	delete(m.monitors, id)
	kept := m.incidents[:0]
	for _, inc := range m.incidents {
		if inc.MonitorID != id {
			kept = append(kept, inc)
		}
	}
	m.incidents = kept
	m.publishLocked(domain.ChangeEvent{Operation: "DELETE", MonitorID: id})
	return nil
}

// TouchLastCheck does not publish a change event: it is engine bookkeeping,
// not a configuration change.
func (m *Store) TouchLastCheck(ctx context.Context, id domain.MonitorID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.monitors[id]
	if !ok {
		return repo.ErrNotFound
	}
	now := time.Now().UTC()
	mon.LastCheckAt = &now
	return nil
}

// ---- IncidentStore ----

func (m *Store) OpenIncident(ctx context.Context, id domain.MonitorID, msg string) (*domain.Incident, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitors[id]; !ok {
		return nil, false, repo.ErrNotFound
	}

	now := time.Now().UTC()
	var existing *domain.Incident
	for _, inc := range m.incidents {
		if inc.MonitorID != id || !inc.IsOpen {
			continue
		}
		if inc.ErrorMessage == msg {
			existing = inc
			continue
		}
		inc.IsOpen = false
		ended := now
		inc.EndedAt = &ended
	}
	if existing != nil {
		cp := *existing
		return &cp, false, nil
	}

	inc := &domain.Incident{
		ID:           domain.IncidentID(uuid.NewString()),
		MonitorID:    id,
		ErrorMessage: msg,
		IsOpen:       true,
		StartedAt:    now,
	}
	m.incidents = append(m.incidents, inc)
	cp := *inc
	return &cp, true, nil
}

func (m *Store) ListOpen(ctx context.Context, id domain.MonitorID) ([]domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Incident
	for i := len(m.incidents) - 1; i >= 0; i-- {
		if inc := m.incidents[i]; inc.MonitorID == id && inc.IsOpen {
			out = append(out, *inc)
		}
	}
	return out, nil
}

func (m *Store) CloseIncident(ctx context.Context, id domain.IncidentID) (*domain.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range m.incidents {
		if inc.ID != id {
			continue
		}
		if inc.IsOpen {
			inc.IsOpen = false
			now := time.Now().UTC()
			inc.EndedAt = &now
		}
		cp := *inc
		return &cp, nil
	}
	return nil, repo.ErrNotFound
}

func (m *Store) ListIncidents(ctx context.Context, id domain.MonitorID, limit int) ([]domain.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Incident
	// incidents are appended in start order; walk backwards for newest first
	for i := len(m.incidents) - 1; i >= 0; i-- {
		inc := m.incidents[i]
		if inc.MonitorID != id {
			continue
		}
		out = append(out, *inc)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ---- ChangeFeed ----

func (m *Store) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	ch := make(chan domain.ChangeEvent, subscriberBuffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// publishLocked must be called with m.mu held for writing.
func (m *Store) publishLocked(ev domain.ChangeEvent) {
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// subscriber already has pending events; it will reload anyway
		}
	}
}

var _ repo.MonitorStore = (*Store)(nil)
var _ repo.IncidentStore = (*Store)(nil)
var _ repo.ChangeFeed = (*Store)(nil)
