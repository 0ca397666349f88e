package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/NTM-Digital/ntmServices/internal/domain"
	"github.com/NTM-Digital/ntmServices/internal/repo"
)

var _ repo.ChangeFeed = (*Feed)(nil)

// keepChanges bounds the trigger log; rows older than this many sequence
// numbers behind the head are pruned on each poll.
const keepChanges = 1000

// Feed polls the monitor_changes log written by the table triggers.
type Feed struct {
	db       *sql.DB
	interval time.Duration
	log      *zap.Logger
}

func NewFeed(s *Store, interval time.Duration, log *zap.Logger) *Feed {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Feed{db: s.db, interval: interval, log: log}
}

// Subscribe starts after the newest logged change; earlier rows are never
// replayed.
func (f *Feed) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	var last int64
	if err := f.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM monitor_changes`).Scan(&last); err != nil {
		return nil, fmt.Errorf("read change head: %w", err)
	}
	out := make(chan domain.ChangeEvent, 16)
	go f.run(ctx, last, out)
	return out, nil
}

func (f *Feed) run(ctx context.Context, last int64, out chan<- domain.ChangeEvent) {
	defer close(out)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, head, err := f.poll(ctx, last)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !failing {
				f.log.Warn("feed_poll_failed", zap.Error(err))
			}
			failing = true
			continue
		}
		if failing {
			f.log.Info("feed_poll_recovered")
			events = append([]domain.ChangeEvent{{Operation: domain.OperationResync}}, events...)
			failing = false
		}
		last = head
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *Feed) poll(ctx context.Context, after int64) ([]domain.ChangeEvent, int64, error) {
	rows, err := f.db.QueryContext(ctx,
		`SELECT seq, operation, monitor_id FROM monitor_changes WHERE seq > ? ORDER BY seq ASC`, after)
	if err != nil {
		return nil, after, fmt.Errorf("poll changes: %w", err)
	}
	defer rows.Close()

	head := after
	var events []domain.ChangeEvent
	for rows.Next() {
		var (
			seq int64
			op  string
			id  string
		)
		if err := rows.Scan(&seq, &op, &id); err != nil {
			return nil, after, fmt.Errorf("scan change: %w", err)
		}
		events = append(events, domain.ChangeEvent{Operation: op, MonitorID: domain.MonitorID(id)})
		head = seq
	}
	if err := rows.Err(); err != nil {
		return nil, after, fmt.Errorf("poll changes: %w", err)
	}
	rows.Close()

	if head > keepChanges {
		if _, err := f.db.ExecContext(ctx,
			`DELETE FROM monitor_changes WHERE seq <= ?`, head-keepChanges); err != nil {
			f.log.Debug("feed_prune_failed", zap.Error(err))
		}
	}
	return events, head, nil
}
