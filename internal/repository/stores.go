// Package repository opens the configured persistence backend and exposes
// its stores behind the service-layer contracts.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/repository/memory"
	mongostore "github.com/ignite/campaign-engine/internal/repository/mongo"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// CustomerStore is everything the engine needs from the customer store.
type CustomerStore interface {
	segmentation.CustomerStore
	ingest.Repository
	campaign.CustomerLookup
}

// Stores groups the repositories of one backend.
type Stores struct {
	Driver    string
	Customers CustomerStore
	Segments  segmentation.Repository
	Campaigns campaign.Repository

	// DB is set for the postgres driver and backs advisory dispatch locks
	// when Redis is not configured.
	DB *sql.DB

	ping  func(context.Context) error
	close func(context.Context) error
}

// Ping reports whether the backend is reachable.
func (s *Stores) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

// Close releases the backend's connections.
func (s *Stores) Close(ctx context.Context) error {
	if s.close == nil {
		return nil
	}
	return s.close(ctx)
}

// Open connects to the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (*Stores, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory stores; data is lost on restart")
		return &Stores{
			Driver:    cfg.Driver,
			Customers: memory.NewCustomerStore(),
			Segments:  memory.NewSegmentStore(),
			Campaigns: memory.NewCampaignStore(),
		}, nil

	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
		db.SetConnMaxLifetime(30 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres", "max_open_conns", cfg.MaxOpenConns)
		return &Stores{
			Driver:    cfg.Driver,
			Customers: postgres.NewCustomerRepo(db),
			Segments:  postgres.NewSegmentRepo(db),
			Campaigns: postgres.NewCampaignRepo(db),
			DB:        db,
			ping:      db.PingContext,
			close:     func(context.Context) error { return db.Close() },
		}, nil

	case config.DriverMongo:
		client, err := mongostore.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		db := client.Database(cfg.MongoDatabase)
		if err := mongostore.EnsureIndexes(ctx, db); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		logger.Info("connected to mongo", "database", cfg.MongoDatabase)
		return &Stores{
			Driver:    cfg.Driver,
			Customers: mongostore.NewCustomerRepo(db),
			Segments:  mongostore.NewSegmentRepo(db),
			Campaigns: mongostore.NewCampaignRepo(db),
			ping:      func(ctx context.Context) error { return client.Ping(ctx, nil) },
			close:     client.Disconnect,
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
