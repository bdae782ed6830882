package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aspect-build/sealvault/internal/connection"
	"github.com/aspect-build/sealvault/internal/crypto"
	"github.com/aspect-build/sealvault/internal/ingest"
	"github.com/aspect-build/sealvault/internal/logx"
	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/aspect-build/sealvault/internal/server/db"
	"github.com/aspect-build/sealvault/internal/storage"
	"github.com/aspect-build/sealvault/internal/verify"
	"github.com/aspect-build/sealvault/internal/webhook"
)

const stateSweepInterval = time.Minute

// App is the wired pipeline behind the HTTP surface.
type App struct {
	Config      *Config
	Store       *db.Store
	Objects     storage.Store
	Registry    provider.Registry
	Connections *connection.Manager
	Pool        *ingest.Pool
	Webhooks    *webhook.Receiver
	Verifier    *verify.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp opens the database, the object store and every pipeline component.
// Nothing runs until Start.
func NewApp(ctx context.Context, cfg *Config) (*App, error) {
	sealer, err := crypto.NewTokenSealer(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("token sealer: %w", err)
	}

	store, err := db.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := cfg.Registry()
	if len(registry) == 0 {
		logx.Warnf("no eSignature provider is configured; set a <PROVIDER>_CLIENT_ID to enable one")
	}

	mgr := connection.New(store, registry, sealer)
	pool := ingest.NewPool(store, registry, mgr, objects, cfg.Ingest)
	return &App{
		Config:      cfg,
		Store:       store,
		Objects:     objects,
		Registry:    registry,
		Connections: mgr,
		Pool:        pool,
		Webhooks:    webhook.NewReceiver(registry, store, pool, cfg.WebhookConfigs()),
		Verifier:    verify.New(store, objects),
	}, nil
}

func newObjectStore(ctx context.Context, cfg *Config) (storage.Store, error) {
	switch cfg.Storage {
	case StorageS3:
		s, err := storage.NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		logx.Infof("storing documents in s3 bucket %s", cfg.S3.Bucket)
		return s, nil
	case StorageFS, "":
		s, err := storage.NewFSStore(cfg.FSRoot)
		if err != nil {
			return nil, fmt.Errorf("fs storage: %w", err)
		}
		logx.Infof("storing documents under %s", cfg.FSRoot)
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
}

// Start launches the ingestion pool and the OAuth state sweeper.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.Pool.Start(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Connections.RunStateSweeper(ctx, stateSweepInterval)
	}()
}

// Shutdown drains the pool within ctx, then stops background work and
// closes the database.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.cancel != nil {
		if err := a.Pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain ingestion pool: %w", err))
		}
		a.cancel()
		a.wg.Wait()
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
