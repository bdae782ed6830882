// Package ingest runs document vaulting jobs on a bounded worker pool.
//
// A job is a VaultedDocument row in the pending state. Workers move it
// through downloading and uploaded to registered, or to failed with a reason.
// Rows that never made it onto the queue, or whose worker died, are found
// again by the recovery sweep.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/aspect-build/sealvault/internal/logx"
	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/aspect-build/sealvault/internal/server/db"
	"github.com/aspect-build/sealvault/internal/storage"
	"go.uber.org/zap"
)

// Defaults for Config fields left zero.
const (
	DefaultWorkers       = 4
	DefaultQueueSize     = 64
	DefaultJobTimeout    = 2 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultStaleAfter    = 10 * time.Minute
)

// Config sizes the pool.
type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	// SweepInterval is how often pending and stale rows are re-enqueued.
	SweepInterval time.Duration
	// StaleAfter is how long a row may sit in downloading or uploaded
	// before it is considered abandoned. It is raised above JobTimeout.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	// A live attempt, including recording its failure, must finish before
	// the sweep may treat its row as abandoned.
	if floor := c.JobTimeout + finalizeTimeout; c.StaleAfter <= floor {
		c.StaleAfter = floor + c.SweepInterval
	}
	return c
}

// TokenSource hands out access tokens for a connection.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, c *db.Connection) (string, error)
	ForceRefresh(ctx context.Context, c *db.Connection, staleToken string) (string, error)
}

// Pool is the ingestion queue.
type Pool struct {
	cfg      Config
	store    *db.Store
	registry provider.Registry
	tokens   TokenSource
	objects  storage.Store
	locks    *keyedMutex
	log      *zap.SugaredLogger

	mu     sync.Mutex
	jobs   chan string
	queued map[string]struct{}
	closed bool

	cancel    context.CancelFunc
	stopSweep context.CancelFunc
	wg        sync.WaitGroup
}

func NewPool(store *db.Store, registry provider.Registry, tokens TokenSource, objects storage.Store, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:      cfg,
		store:    store,
		registry: registry,
		tokens:   tokens,
		objects:  objects,
		locks:    newKeyedMutex(),
		log:      logx.With("component", "ingest"),
		jobs:     make(chan string, cfg.QueueSize),
		queued:   make(map[string]struct{}),
	}
}

// Start launches the workers and the recovery sweep. Jobs run under ctx,
// not under the request that enqueued them.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	sweepCtx, stopSweep := context.WithCancel(ctx)
	p.stopSweep = stopSweep
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Add(1)
	go p.sweeper(sweepCtx)
	p.log.Infow("ingestion pool started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

// Enqueue schedules a document without blocking. It returns false when the
// queue is full or shut down; the row stays pending for the sweep.
func (p *Pool) Enqueue(documentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if _, ok := p.queued[documentID]; ok {
		return true
	}
	select {
	case p.jobs <- documentID:
		p.queued[documentID] = struct{}{}
		return true
	default:
		p.log.Warnw("ingestion queue full, deferring to sweep", "document_id", documentID)
		return false
	}
}

func (p *Pool) dequeued(documentID string) {
	p.mu.Lock()
	delete(p.queued, documentID)
	p.mu.Unlock()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for id := range p.jobs {
		p.dequeued(id)
		if ctx.Err() != nil {
			continue
		}
		_ = p.Process(ctx, id)
	}
}

func (p *Pool) sweeper(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.SweepInterval)
	defer t.Stop()
	for {
		if _, err := p.Recover(ctx); err != nil && ctx.Err() == nil {
			p.log.Warnw("recovery sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Recover returns abandoned in-flight rows to pending and enqueues pending
// rows up to the free queue capacity. It reports how many were enqueued.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	reset, err := p.store.ResetStaleDocuments(ctx, time.Now().Add(-p.cfg.StaleAfter))
	if err != nil {
		return 0, err
	}
	for _, d := range reset {
		p.log.Warnw("reclaimed stale document", "document_id", d.ID, "attempts", d.Attempts)
	}

	pending, err := p.store.ListDocuments(ctx, db.StatusPending, p.cfg.QueueSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range pending {
		if !p.Enqueue(d.ID) {
			break
		}
		n++
	}
	if n > 0 {
		p.log.Debugw("recovery sweep enqueued documents", "count", n)
	}
	return n, nil
}

// Shutdown stops accepting work and waits for in-flight jobs. If ctx ends
// first the remaining jobs are canceled; their rows are reclaimed by a
// later sweep.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.stopSweep != nil {
		p.stopSweep()
	}
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if p.cancel != nil {
		p.cancel()
	}
	<-done
	return err
}
