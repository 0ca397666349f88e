package repo

import (
	"context"
	"errors"

	"github.com/NTM-Digital/ntmServices/internal/domain"
)

var (
	// ErrNotFound is returned when a monitor or incident does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoFields is returned by Update when the patch sets nothing.
	ErrNoFields = errors.New("no fields to update")
)

// Ports. Each adapter under repo/ implements all three.
type MonitorStore interface {
	List(ctx context.Context) ([]domain.Monitor, error)
	Get(ctx context.Context, id domain.MonitorID) (*domain.Monitor, error)
	Create(ctx context.Context, m *domain.Monitor) error
	Update(ctx context.Context, id domain.MonitorID, p domain.MonitorPatch) (*domain.Monitor, error)
	Delete(ctx context.Context, id domain.MonitorID) error
	TouchLastCheck(ctx context.Context, id domain.MonitorID) error
}

type IncidentStore interface {
	// OpenIncident closes open incidents of the monitor whose message differs
	// from msg, then opens one with msg unless an identical one is already
	// open. The bool reports whether a new row was inserted. Safe to repeat.
	OpenIncident(ctx context.Context, id domain.MonitorID, msg string) (*domain.Incident, bool, error)
	ListOpen(ctx context.Context, id domain.MonitorID) ([]domain.Incident, error)
	CloseIncident(ctx context.Context, id domain.IncidentID) (*domain.Incident, error)
	// ListIncidents returns the newest incidents of a monitor first.
	ListIncidents(ctx context.Context, id domain.MonitorID, limit int) ([]domain.Incident, error)
}

// ChangeFeed delivers monitor row changes. The returned channel is closed
// once ctx is done.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error)
}
