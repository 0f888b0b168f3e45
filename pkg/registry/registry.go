// Package registry manages the set of materialized document runtimes.
//
// Documents materialize lazily on first access and are evicted after sitting
// idle with no attached subscribers. The registry is the only component that
// creates or drops runtimes; everything else borrows them through Get.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/mimic/internal/logger"
	"github.com/marmos91/mimic/pkg/document"
	"github.com/marmos91/mimic/pkg/metrics"
)

// Options tunes the registry's lifecycle behavior.
type Options struct {
	// IdleThreshold is how long a document with no subscribers may sit
	// without activity before eviction.
	IdleThreshold time.Duration

	// SweepInterval is how often the eviction loop runs.
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	return o
}

// Registry is the collection of live document runtimes. Safe for concurrent
// use.
type Registry struct {
	cfg  document.Config
	opts Options

	mu   sync.RWMutex
	docs map[string]*document.Runtime

	// creating holds one lock per document ID being materialized, so slow
	// storage on one document never blocks access to others.
	creatingMu sync.Mutex
	creating   map[string]*sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a registry and starts its eviction loop.
func New(cfg document.Config, opts Options) *Registry {
	r := &Registry{
		cfg:      cfg,
		opts:     opts.withDefaults(),
		docs:     make(map[string]*document.Runtime),
		creating: make(map[string]*sync.Mutex),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Get returns the runtime for a document, materializing it on first access.
// Concurrent Gets for the same document share one materialization.
func (r *Registry) Get(ctx context.Context, documentID string) (*document.Runtime, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document ID must not be empty")
	}

	// Touch while still holding the read lock: the sweeper's eviction
	// re-check runs under the write lock, so it cannot observe the runtime
	// as idle between our lookup and the touch.
	r.mu.RLock()
	rt, ok := r.docs[documentID]
	if ok {
		rt.Touch()
	}
	r.mu.RUnlock()
	if ok {
		return rt, nil
	}

	lock := r.creationLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	// Another Get may have finished materializing while we waited.
	r.mu.RLock()
	rt, ok = r.docs[documentID]
	if ok {
		rt.Touch()
	}
	closed := r.isClosed()
	r.mu.RUnlock()
	if ok {
		return rt, nil
	}
	if closed {
		return nil, fmt.Errorf("registry is shut down")
	}

	rt, err := document.Materialize(ctx, documentID, r.cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.docs[documentID] = rt
	r.mu.Unlock()

	return rt, nil
}

// Peek returns the runtime if it is currently materialized, without
// materializing it or touching its activity clock.
func (r *Registry) Peek(documentID string) (*document.Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.docs[documentID]
	return rt, ok
}

// Len returns the number of materialized documents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

func (r *Registry) creationLock(documentID string) *sync.Mutex {
	r.creatingMu.Lock()
	defer r.creatingMu.Unlock()

	lock, ok := r.creating[documentID]
	if !ok {
		lock = &sync.Mutex{}
		r.creating[documentID] = lock
	}
	return lock
}

func (r *Registry) isClosed() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *Registry) sweepLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

// sweep evicts documents that have been idle past the threshold and have no
// subscribers. A best-effort snapshot runs first; eviction proceeds even if
// it fails, because the write-ahead log still covers everything since the
// last committed snapshot.
func (r *Registry) sweep() {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("eviction sweep panicked", logger.KeyError, rec)
		}
	}()

	r.mu.RLock()
	candidates := make([]*document.Runtime, 0)
	for _, rt := range r.docs {
		if rt.Subscribers() == 0 && rt.IdleFor() >= r.opts.IdleThreshold {
			candidates = append(candidates, rt)
		}
	}
	r.mu.RUnlock()

	for _, rt := range candidates {
		r.evict(rt)
	}
}

func (r *Registry) evict(rt *document.Runtime) {
	// Re-check under the write lock: a connection may have attached or
	// submitted since the scan.
	r.mu.Lock()
	current, ok := r.docs[rt.ID()]
	if !ok || current != rt || rt.Subscribers() > 0 || rt.IdleFor() < r.opts.IdleThreshold {
		r.mu.Unlock()
		return
	}
	delete(r.docs, rt.ID())
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.SaveSnapshot(ctx); err != nil {
		logger.Warn("snapshot before eviction failed, log replay will recover the tail",
			logger.KeyDocument, rt.ID(),
			logger.KeyError, err)
	}
	rt.Close()

	metrics.DocumentEvicted()
	logger.Info("document evicted", logger.KeyDocument, rt.ID(), logger.KeyVersion, rt.Version())
}

// Shutdown stops the eviction loop, snapshots every resident document and
// closes all runtimes. The registry rejects new Gets afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	var firstErr error

	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh

		r.mu.Lock()
		docs := r.docs
		r.docs = make(map[string]*document.Runtime)
		r.mu.Unlock()

		for _, rt := range docs {
			if err := rt.SaveSnapshot(ctx); err != nil {
				logger.Error("snapshot during shutdown failed",
					logger.KeyDocument, rt.ID(),
					logger.KeyError, err)
				if firstErr == nil {
					firstErr = err
				}
			}
			rt.Close()
			metrics.DocumentClosed()
		}

		logger.Info("document registry shut down", "documents", len(docs))
	})

	return firstErr
}
