package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/NTM-Digital/ntmServices/internal/domain"
	"github.com/NTM-Digital/ntmServices/internal/repo"
)

var _ repo.ChangeFeed = (*Feed)(nil)

var channelName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Feed turns LISTEN/NOTIFY on a dedicated connection into ChangeEvents.
type Feed struct {
	dsn     string
	channel string
	log     *zap.Logger
}

func NewFeed(dsn, channel string, log *zap.Logger) *Feed {
	return &Feed{dsn: dsn, channel: channel, log: log}
}

// Subscribe makes one LISTEN attempt before returning, so changes committed
// after it returns are delivered. If that attempt fails the connection is
// retried in the background with exponential backoff, and a RESYNC event
// follows the first successful LISTEN.
func (f *Feed) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	if !channelName.MatchString(f.channel) {
		return nil, fmt.Errorf("invalid notify channel %q", f.channel)
	}
	conn, err := f.listen(ctx)
	if err != nil {
		f.log.Warn("feed_initial_listen_failed", zap.String("channel", f.channel), zap.Error(err))
	} else {
		f.log.Info("feed_listening", zap.String("channel", f.channel))
	}
	out := make(chan domain.ChangeEvent, 16)
	go f.run(ctx, conn, out)
	return out, nil
}

func (f *Feed) run(ctx context.Context, conn *pgx.Conn, out chan<- domain.ChangeEvent) {
	defer close(out)

	missed := conn == nil
	for ctx.Err() == nil {
		if conn == nil {
			var err error
			conn, err = f.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				f.log.Error("feed_connect_gave_up", zap.String("channel", f.channel), zap.Error(err))
				continue
			}
			f.log.Info("feed_listening", zap.String("channel", f.channel))
		}
		if missed {
			f.emit(ctx, out, domain.ChangeEvent{Operation: domain.OperationResync})
			missed = false
		}

		err := f.consume(ctx, conn, out)
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = conn.Close(closeCtx)
		cancel()
		conn = nil
		if ctx.Err() != nil {
			return
		}
		f.log.Warn("feed_connection_lost", zap.String("channel", f.channel), zap.Error(err))
		missed = true
	}
}

func (f *Feed) connect(ctx context.Context) (*pgx.Conn, error) {
	return backoff.Retry(ctx,
		func() (*pgx.Conn, error) { return f.listen(ctx) },
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.log.Warn("feed_connect_retry",
				zap.String("channel", f.channel),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
}

func (f *Feed) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen: %w", err)
	}
	return conn, nil
}

func (f *Feed) consume(ctx context.Context, conn *pgx.Conn, out chan<- domain.ChangeEvent) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, err := decodeEvent(n.Payload)
		if err != nil {
			// still a change on the table; reload without knowing which row
			f.log.Warn("feed_bad_payload", zap.String("payload", n.Payload), zap.Error(err))
		}
		f.emit(ctx, out, ev)
	}
}

func (f *Feed) emit(ctx context.Context, out chan<- domain.ChangeEvent, ev domain.ChangeEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func decodeEvent(payload string) (domain.ChangeEvent, error) {
	var ev domain.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return domain.ChangeEvent{Operation: "UNKNOWN"}, fmt.Errorf("decode payload: %w", err)
	}
	return ev, nil
}
