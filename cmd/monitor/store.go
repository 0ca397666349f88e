package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/NTM-Digital/ntmServices/internal/config"
	"github.com/NTM-Digital/ntmServices/internal/repo"
	"github.com/NTM-Digital/ntmServices/internal/repo/memory"
	"github.com/NTM-Digital/ntmServices/internal/repo/postgres"
	"github.com/NTM-Digital/ntmServices/internal/repo/sqlite"
)

type backend struct {
	monitors  repo.MonitorStore
	incidents repo.IncidentStore
	feed      repo.ChangeFeed
	close     func() error
}

func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (*backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("postgres driver needs DATABASE_URL")
		}
		st, err := postgres.New(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.EnsureSchema(ctx, cfg.NotifyChannel); err != nil {
			st.Close()
			return nil, err
		}
		log.Info("store_ready", zap.String("driver", cfg.Driver), zap.String("channel", cfg.NotifyChannel))
		return &backend{
			monitors:  st,
			incidents: st,
			feed:      postgres.NewFeed(cfg.DatabaseURL, cfg.NotifyChannel, log),
			close:     func() error { st.Close(); return nil },
		}, nil

	case config.DriverSQLite:
		st, err := sqlite.New(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		log.Info("store_ready", zap.String("driver", cfg.Driver), zap.String("path", cfg.SQLitePath))
		return &backend{
			monitors:  st,
			incidents: st,
			feed:      sqlite.NewFeed(st, cfg.FeedPoll, log),
			close:     st.Close,
		}, nil

	default:
		st := memory.New()
		if cfg.MonitorsFile != "" {
			seeds, err := config.LoadSeed(cfg.MonitorsFile)
			if err != nil {
				return nil, err
			}
			for i := range seeds {
				if err := st.Create(ctx, &seeds[i]); err != nil {
					return nil, fmt.Errorf("seed monitor %q: %w", seeds[i].Name, err)
				}
			}
			log.Info("monitors_seeded", zap.String("file", cfg.MonitorsFile), zap.Int("count", len(seeds)))
		}
		log.Info("store_ready", zap.String("driver", config.DriverMemory))
		return &backend{
			monitors:  st,
			incidents: st,
			feed:      st,
			close:     func() error { return nil },
		}, nil
	}
}
