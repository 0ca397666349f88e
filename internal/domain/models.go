package domain

import (
	"encoding/json"
	"time"
)

type MonitorID string

type IncidentID string

// Expectation is the structured body check configured for a monitor.
// An empty Status means the body is not inspected.
type Expectation struct {
	Status string `json:"status,omitempty" yaml:"status,omitempty"`
}

// Monitor is one configured target. A running worker never sees edits to its
// Monitor; changes are picked up by the next registry reload.
type Monitor struct {
	ID            MonitorID   `json:"id"`
	Name          string      `json:"name"`
	URL           string      `json:"url"`
	Expected      Expectation `json:"expected_response"`
	CheckInterval int         `json:"check_interval"` // seconds, used while healthy
	RetryInterval int         `json:"retry_interval"` // seconds, used while failing
	LastCheckAt   *time.Time  `json:"last_check_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// MonitorPatch carries the fields of an update; nil means unchanged.
type MonitorPatch struct {
	Name          *string      `json:"name,omitempty"`
	URL           *string      `json:"url,omitempty"`
	Expected      *Expectation `json:"expected_response,omitempty"`
	CheckInterval *int         `json:"check_interval,omitempty"`
	RetryInterval *int         `json:"retry_interval,omitempty"`
}

func (p MonitorPatch) Empty() bool {
	return p.Name == nil && p.URL == nil && p.Expected == nil &&
		p.CheckInterval == nil && p.RetryInterval == nil
}

// Apply copies the set fields of p onto m.
func (p MonitorPatch) Apply(m *Monitor) {
	if p.Name != nil {
		m.Name = *p.Name
	}
	if p.URL != nil {
		m.URL = *p.URL
	}
	if p.Expected != nil {
		m.Expected = *p.Expected
	}
	if p.CheckInterval != nil {
		m.CheckInterval = *p.CheckInterval
	}
	if p.RetryInterval != nil {
		m.RetryInterval = *p.RetryInterval
	}
}

type Incident struct {
	ID           IncidentID `json:"id"`
	MonitorID    MonitorID  `json:"monitor_id"`
	ErrorMessage string     `json:"error_message"`
	IsOpen       bool       `json:"is_open"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// OperationResync is emitted by a feed that may have missed events, for
// example after a reconnect. Subscribers should reload everything.
const OperationResync = "RESYNC"

// ChangeEvent is one monitor row change delivered by a change feed.
// The engine only uses it as a reload trigger.
type ChangeEvent struct {
	Operation string    `json:"operation"` // INSERT | UPDATE | DELETE
	MonitorID MonitorID `json:"id"`
}

// ParseExpectation decodes a stored expected_response value. Rows written by
// older tooling hold a JSON string that itself contains the object, so one
// level of string wrapping is unwrapped. Anything undecodable yields the zero
// Expectation.
func ParseExpectation(raw []byte) Expectation {
	var e Expectation
	if len(raw) == 0 {
		return e
	}
	if err := json.Unmarshal(raw, &e); err == nil {
		return e
	}
	var wrapped string
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return Expectation{}
	}
	if err := json.Unmarshal([]byte(wrapped), &e); err != nil {
		return Expectation{}
	}
	return e
}
