// Package document implements the per-document runtime: the single-writer
// core that validates, persists, applies and broadcasts transactions for one
// document.
//
// A Runtime holds the authoritative in-memory state of its document. All
// submits for a document funnel through one Runtime and are serialized by its
// mutex, which is what makes version numbers dense and the write-ahead log
// contiguous without any cross-process coordination.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/mimic/internal/logger"
	"github.com/marmos91/mimic/internal/pubsub"
	"github.com/marmos91/mimic/pkg/metrics"
	"github.com/marmos91/mimic/pkg/presence"
	"github.com/marmos91/mimic/pkg/schema"
	"github.com/marmos91/mimic/pkg/store/cold"
	"github.com/marmos91/mimic/pkg/store/hot"
)

// Rejection reasons sent verbatim to clients. Schema validation failures use
// the schema's own reason instead.
const (
	ReasonEmptyTransaction     = "Transaction is empty"
	ReasonDuplicateTransaction = "Transaction has already been processed"
	ReasonStorageUnavailable   = "Storage unavailable. Please retry."
)

// RejectError is a transaction rejection. Its Reason is the client-facing
// message; Err, when set, carries the underlying cause for logs.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	return e.Reason
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

// Config carries everything a runtime needs. Schema, Hot and Cold are
// required; the rest has working defaults.
type Config struct {
	Schema  schema.Schema
	Hot     hot.Store
	Cold    cold.Store
	Initial schema.InitialStateFunc

	// MaxTransactionHistory bounds the duplicate-detection window.
	MaxTransactionHistory int

	// SnapshotInterval and SnapshotTransactionThreshold trigger snapshot
	// saves on elapsed time since the last snapshot or on transactions
	// applied since, whichever comes first.
	SnapshotInterval             time.Duration
	SnapshotTransactionThreshold int

	// SubscriberQueueSize bounds each broadcast subscriber's queue.
	SubscriberQueueSize int

	// StorageTimeout caps each hot and cold storage call made on the
	// submit path.
	StorageTimeout time.Duration

	// CheckedAppend makes submits use the hot store's optimistic version
	// check. Sharded deployments enable it to catch split-brain writers.
	CheckedAppend bool
}

func (c Config) withDefaults() Config {
	if c.MaxTransactionHistory <= 0 {
		c.MaxTransactionHistory = 1000
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	if c.SnapshotTransactionThreshold <= 0 {
		c.SnapshotTransactionThreshold = 100
	}
	if c.SubscriberQueueSize <= 0 {
		c.SubscriberQueueSize = 256
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = 10 * time.Second
	}
	return c
}

func (c Config) validate() error {
	if c.Schema == nil {
		return fmt.Errorf("document config: schema is required")
	}
	if c.Hot == nil {
		return fmt.Errorf("document config: hot store is required")
	}
	if c.Cold == nil {
		return fmt.Errorf("document config: cold store is required")
	}
	return nil
}

// Broadcast is one applied transaction as delivered to subscribers. Encoded
// is the schema's canonical wire form, ready to forward to clients.
type Broadcast struct {
	Transaction *schema.Transaction
	Encoded     json.RawMessage
	Version     uint64
}

// Runtime is the live in-memory instance of one document.
type Runtime struct {
	id  string
	cfg Config

	// mu serializes the submit and snapshot pipelines.
	mu        sync.Mutex
	processed *ring

	// stateMu guards state and version so reads never wait on storage.
	stateMu sync.RWMutex
	state   json.RawMessage
	version uint64

	lastSnapshotVersion uint64
	lastSnapshotTime    time.Time
	sinceSnapshot       int

	broker       *pubsub.Broker[Broadcast]
	presence     *presence.Registry
	lastActivity atomic.Int64
}

// Materialize builds the runtime for a document: it loads the latest cold
// snapshot (or the initial state for a fresh document) and replays the
// write-ahead log tail on top.
//
// A replayed entry whose transaction no longer applies is skipped with a
// logged error; the version still advances, matching what the original
// submit committed.
func Materialize(ctx context.Context, documentID string, cfg Config) (*Runtime, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	start := time.Now()

	snap, err := cfg.Cold.Load(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("materializing document %q: %w", documentID, err)
	}

	r := &Runtime{
		id:        documentID,
		cfg:       cfg,
		processed: newRing(cfg.MaxTransactionHistory),
		broker:    pubsub.NewBroker[Broadcast](cfg.SubscriberQueueSize),
		presence:  presence.NewRegistry(cfg.SubscriberQueueSize),
	}
	r.Touch()

	restored := snap != nil
	if restored {
		r.state = snap.State
		r.version = snap.Version
		r.lastSnapshotVersion = snap.Version
	} else if cfg.Initial != nil {
		state, err := cfg.Initial(documentID)
		if err != nil {
			return nil, fmt.Errorf("building initial state for document %q: %w", documentID, err)
		}
		r.state = state
	}
	// Start the snapshot clock now so a freshly materialized document does
	// not immediately trip the time trigger.
	r.lastSnapshotTime = time.Now()

	entries, err := cfg.Hot.Entries(ctx, documentID, r.version)
	if err != nil {
		return nil, fmt.Errorf("materializing document %q: %w", documentID, err)
	}

	for _, entry := range entries {
		if entry.Version != r.version+1 {
			logger.Warn("log continuity violation during restore, continuing with available entries",
				logger.KeyDocument, documentID,
				"expected_version", r.version+1,
				"entry_version", entry.Version)
			metrics.VersionGap()
		}

		if entry.Transaction == nil {
			logger.Warn("skipping log entry without transaction",
				logger.KeyDocument, documentID,
				logger.KeyVersion, entry.Version)
			r.version = entry.Version
			continue
		}

		newState, applyErr := cfg.Schema.Apply(r.state, entry.Transaction.Ops)
		if applyErr != nil {
			logger.Error("skipping unappliable log entry during restore",
				logger.KeyDocument, documentID,
				logger.KeyVersion, entry.Version,
				logger.KeyTransaction, entry.Transaction.ID,
				logger.KeyError, applyErr)
		} else {
			r.state = newState
		}
		r.version = entry.Version
		r.processed.add(entry.Transaction.ID)
	}

	if restored {
		metrics.DocumentRestored()
		logger.Info("document restored",
			logger.KeyDocument, documentID,
			logger.KeyVersion, r.version,
			"snapshot_version", snap.Version,
			"replayed_entries", len(entries),
			logger.KeyDurationMS, logger.Duration(start))
	} else {
		metrics.DocumentCreated()
		logger.Info("document created",
			logger.KeyDocument, documentID,
			logger.KeyVersion, r.version,
			"replayed_entries", len(entries),
			logger.KeyDurationMS, logger.Duration(start))
	}

	return r, nil
}

// ID returns the document ID.
func (r *Runtime) ID() string {
	return r.id
}

// Submit runs a transaction through the three-phase pipeline: validate,
// persist to the write-ahead log, then apply and broadcast. It returns the
// version the transaction committed at.
//
// Nothing changes unless the log append succeeds, so a rejected or failed
// submit leaves state, version and the duplicate window exactly as they were.
func (r *Runtime) Submit(ctx context.Context, tx *schema.Transaction) (uint64, error) {
	r.Touch()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Phase 1: validation. Cheap checks first, schema last.
	if tx == nil || len(tx.Ops) == 0 {
		metrics.TransactionRejected()
		return 0, &RejectError{Reason: ReasonEmptyTransaction}
	}
	if r.processed.contains(tx.ID) {
		metrics.TransactionRejected()
		return 0, &RejectError{Reason: ReasonDuplicateTransaction}
	}
	if err := r.cfg.Schema.ValidateTransaction(tx); err != nil {
		metrics.TransactionRejected()
		logger.Debug("transaction failed validation",
			logger.KeyDocument, r.id,
			logger.KeyTransaction, tx.ID,
			logger.KeyError, err)
		return 0, &RejectError{Reason: err.Error(), Err: err}
	}

	next := r.version + 1
	entry := hot.Entry{
		Transaction: tx,
		Version:     next,
		Timestamp:   time.Now().UnixMilli(),
	}

	// Phase 2: durability. The transaction is committed once the append
	// returns; everything after this point must converge on it.
	appendCtx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
	defer cancel()

	var appendErr error
	if r.cfg.CheckedAppend {
		appendErr = r.cfg.Hot.AppendWithCheck(appendCtx, r.id, entry, next)
	} else {
		appendErr = r.cfg.Hot.Append(appendCtx, r.id, entry)
	}
	if appendErr != nil {
		metrics.TransactionRejected()
		var gap *hot.VersionGapError
		if errors.As(appendErr, &gap) {
			metrics.VersionGap()
			logger.Warn("optimistic append rejected by version check",
				logger.KeyDocument, r.id,
				logger.KeyTransaction, tx.ID,
				"expected_version", gap.Expected,
				"log_tail", gap.Last)
		} else {
			logger.Error("write-ahead log append failed",
				logger.KeyDocument, r.id,
				logger.KeyTransaction, tx.ID,
				logger.KeyError, appendErr)
		}
		return 0, &RejectError{Reason: ReasonStorageUnavailable, Err: appendErr}
	}

	// Phase 3: apply and broadcast. The entry is durable, so the version
	// advances and the ID enters the duplicate window even if Apply fails;
	// restore replays the entry with the same skip semantics.
	r.processed.add(tx.ID)
	r.sinceSnapshot++

	newState, applyErr := r.cfg.Schema.Apply(r.state, tx.Ops)
	if applyErr != nil {
		r.setState(r.state, next)
		logger.Error("applying durable transaction failed, state unchanged",
			logger.KeyDocument, r.id,
			logger.KeyTransaction, tx.ID,
			logger.KeyVersion, next,
			logger.KeyError, applyErr)
		metrics.TransactionRejected()
		r.maybeSnapshotLocked(ctx)
		return 0, &RejectError{Reason: applyErr.Error(), Err: applyErr}
	}
	r.setState(newState, next)

	encoded, encErr := r.cfg.Schema.Encode(tx)
	if encErr != nil {
		// The commit stands; subscribers just miss the broadcast and will
		// converge on their next snapshot request.
		logger.Error("encoding transaction for broadcast failed",
			logger.KeyDocument, r.id,
			logger.KeyTransaction, tx.ID,
			logger.KeyError, encErr)
	} else {
		r.broker.Publish(Broadcast{Transaction: tx, Encoded: encoded, Version: next})
	}

	metrics.TransactionApplied()
	logger.Debug("transaction applied",
		logger.KeyDocument, r.id,
		logger.KeyTransaction, tx.ID,
		logger.KeyVersion, next)

	r.maybeSnapshotLocked(ctx)
	return next, nil
}

func (r *Runtime) setState(state json.RawMessage, version uint64) {
	r.stateMu.Lock()
	r.state = state
	r.version = version
	r.stateMu.Unlock()
}

// GetSnapshot returns the current state and version. The returned state is
// shared and must be treated as read-only.
func (r *Runtime) GetSnapshot() (json.RawMessage, uint64) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state, r.version
}

// Version returns the current document version.
func (r *Runtime) Version() uint64 {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.version
}

// Subscribe returns a stream of applied-transaction broadcasts.
func (r *Runtime) Subscribe() *pubsub.Subscription[Broadcast] {
	return r.broker.Subscribe()
}

// Subscribers returns the number of live broadcast subscriptions. The
// registry uses it to keep documents with attached connections resident.
func (r *Runtime) Subscribers() int {
	return r.broker.SubscriberCount()
}

// Presence returns the document's presence registry.
func (r *Runtime) Presence() *presence.Registry {
	return r.presence
}

// Touch records activity for idle-eviction accounting.
func (r *Runtime) Touch() {
	r.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor returns how long the document has gone without activity.
func (r *Runtime) IdleFor() time.Duration {
	return time.Since(time.Unix(0, r.lastActivity.Load()))
}

// SaveSnapshot persists the current state to cold storage and truncates the
// covered log prefix. Saving at a version already covered by the last
// snapshot is a no-op.
func (r *Runtime) SaveSnapshot(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveSnapshotLocked(ctx)
}

func (r *Runtime) saveSnapshotLocked(ctx context.Context) error {
	state, version := r.GetSnapshot()
	if version <= r.lastSnapshotVersion {
		return nil
	}

	snap := &cold.Snapshot{
		State:         state,
		Version:       version,
		SchemaVersion: cold.CurrentSchemaVersion,
		SavedAt:       time.Now().UnixMilli(),
	}

	saveCtx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
	defer cancel()

	start := time.Now()
	err := r.cfg.Cold.Save(saveCtx, r.id, snap)
	metrics.SnapshotSaved(time.Since(start), err)
	if err != nil {
		return fmt.Errorf("saving snapshot for document %q at version %d: %w", r.id, version, err)
	}

	// Bookkeeping before truncation: a failed truncate leaves stale log
	// entries behind but must not cause a redundant re-save.
	r.lastSnapshotVersion = version
	r.lastSnapshotTime = time.Now()
	r.sinceSnapshot = 0

	if err := r.cfg.Hot.Truncate(saveCtx, r.id, version); err != nil {
		logger.Warn("log truncation after snapshot failed, stale entries remain until the next snapshot",
			logger.KeyDocument, r.id,
			logger.KeyVersion, version,
			logger.KeyError, err)
	}

	logger.Info("snapshot saved",
		logger.KeyDocument, r.id,
		logger.KeyVersion, version,
		logger.KeyDurationMS, logger.Duration(start))
	return nil
}

func (r *Runtime) maybeSnapshotLocked(ctx context.Context) {
	byCount := r.sinceSnapshot >= r.cfg.SnapshotTransactionThreshold
	byTime := time.Since(r.lastSnapshotTime) >= r.cfg.SnapshotInterval
	if !byCount && !byTime {
		return
	}

	if err := r.saveSnapshotLocked(ctx); err != nil {
		// Submits keep succeeding on the durable log; the save retries on
		// the next trigger.
		logger.Error("scheduled snapshot save failed",
			logger.KeyDocument, r.id,
			logger.KeyError, err)
	}
}

// Close releases the runtime's in-process resources. It does not persist
// anything; callers that want a final snapshot call SaveSnapshot first.
func (r *Runtime) Close() {
	r.broker.Close()
	r.presence.Close()
}
