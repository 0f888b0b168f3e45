package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/mimic/pkg/schema"
	"github.com/marmos91/mimic/pkg/schema/kv"
	"github.com/marmos91/mimic/pkg/store/cold"
	coldmem "github.com/marmos91/mimic/pkg/store/cold/memory"
	"github.com/marmos91/mimic/pkg/store/hot"
	hotmem "github.com/marmos91/mimic/pkg/store/hot/memory"
)

// failingHot wraps a hot store and fails appends on demand.
type failingHot struct {
	hot.Store
	failAppends   bool
	failTruncates bool
	truncateCalls int
}

func (f *failingHot) Append(ctx context.Context, documentID string, entry hot.Entry) error {
	if f.failAppends {
		return errors.New("disk on fire")
	}
	return f.Store.Append(ctx, documentID, entry)
}

func (f *failingHot) AppendWithCheck(ctx context.Context, documentID string, entry hot.Entry, expectedVersion uint64) error {
	if f.failAppends {
		return errors.New("disk on fire")
	}
	return f.Store.AppendWithCheck(ctx, documentID, entry, expectedVersion)
}

func (f *failingHot) Truncate(ctx context.Context, documentID string, upToVersion uint64) error {
	f.truncateCalls++
	if f.failTruncates {
		return errors.New("disk on fire")
	}
	return f.Store.Truncate(ctx, documentID, upToVersion)
}

// failingCold wraps a cold store and fails saves on demand.
type failingCold struct {
	cold.Store
	failSaves bool
	saveCalls int
}

func (f *failingCold) Save(ctx context.Context, documentID string, snapshot *cold.Snapshot) error {
	f.saveCalls++
	if f.failSaves {
		return errors.New("bucket gone")
	}
	return f.Store.Save(ctx, documentID, snapshot)
}

func testConfig() Config {
	return Config{
		Schema:  kv.New(),
		Hot:     hotmem.New(),
		Cold:    coldmem.New(),
		Initial: schema.StaticInitialState(json.RawMessage(`{}`)),
	}
}

func setTx(id, key, value string) *schema.Transaction {
	op := fmt.Sprintf(`{"set":{"key":%q,"value":%q}}`, key, value)
	return &schema.Transaction{
		ID:        id,
		Ops:       []json.RawMessage{json.RawMessage(op)},
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestMaterializeFreshDocument(t *testing.T) {
	r, err := Materialize(context.Background(), "doc-1", testConfig())
	require.NoError(t, err)
	defer r.Close()

	state, version := r.GetSnapshot()
	assert.Equal(t, uint64(0), version)
	assert.JSONEq(t, `{}`, string(state))
}

func TestSubmitAdvancesVersionAndState(t *testing.T) {
	r, err := Materialize(context.Background(), "doc-1", testConfig())
	require.NoError(t, err)
	defer r.Close()

	v, err := r.Submit(context.Background(), setTx("tx-1", "title", "hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	v, err = r.Submit(context.Background(), setTx("tx-2", "title", "world"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	state, version := r.GetSnapshot()
	assert.Equal(t, uint64(2), version)
	assert.JSONEq(t, `{"title":"world"}`, string(state))
}

func TestSubmitRejectsEmptyTransaction(t *testing.T) {
	r, err := Materialize(context.Background(), "doc-1", testConfig())
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Submit(context.Background(), &schema.Transaction{ID: "tx-1"})
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "Transaction is empty", rej.Reason)
	assert.Equal(t, uint64(0), r.Version())
}

func TestSubmitRejectsDuplicate(t *testing.T) {
	r, err := Materialize(context.Background(), "doc-1", testConfig())
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Submit(context.Background(), setTx("tx-1", "a", "1"))
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), setTx("tx-1", "a", "2"))
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "Transaction has already been processed", rej.Reason)

	state, version := r.GetSnapshot()
	assert.Equal(t, uint64(1), version, "duplicate must not advance the version")
	assert.JSONEq(t, `{"a":"1"}`, string(state))
}

func TestSubmitSchemaRejectionLeavesEverythingUntouched(t *testing.T) {
	cfg := testConfig()
	r, err := Materialize(context.Background(), "doc-1", cfg)
	require.NoError(t, err)
	defer r.Close()

	bad := &schema.Transaction{
		ID:  "tx-bad",
		Ops: []json.RawMessage{json.RawMessage(`{"explode":{}}`)},
	}
	_, err = r.Submit(context.Background(), bad)
	var rej *RejectError
	require.ErrorAs(t, err, &rej)

	assert.Equal(t, uint64(0), r.Version())

	entries, err := cfg.Hot.Entries(context.Background(), "doc-1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected transaction must not reach the log")

	// The ID must not enter the duplicate window: a corrected retry under
	// the same ID has to be accepted.
	_, err = r.Submit(context.Background(), setTx("tx-bad", "a", "1"))
	require.NoError(t, err)
}

func TestSubmitStorageFailure(t *testing.T) {
	cfg := testConfig()
	fh := &failingHot{Store: cfg.Hot, failAppends: true}
	cfg.Hot = fh

	r, err := Materialize(context.Background(), "doc-1", cfg)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Submit(context.Background(), setTx("tx-1", "a", "1"))
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "Storage unavailable. Please retry.", rej.Reason)
	assert.Equal(t, uint64(0), r.Version())

	// Same ID must succeed once storage recovers.
	fh.failAppends = false
	v, err := r.Submit(context.Background(), setTx("tx-1", "a", "1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestSubmitBroadcastsToSubscribers(t *testing.T) {
	r, err := Materialize(context.Background(), "doc-1", testConfig())
	require.NoError(t, err)
	defer r.Close()

	sub := r.Subscribe()
	defer sub.Close()

	_, err = r.Submit(context.Background(), setTx("tx-1", "a", "1"))
	require.NoError(t, err)

	select {
	case b := <-sub.C():
		assert.Equal(t, "tx-1", b.Transaction.ID)
		assert.Equal(t, uint64(1), b.Version)
		assert.NotEmpty(t, b.Encoded)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestRestoreFromSnapshotAndLog(t *testing.T) {
	cfg := testConfig()
	ctx := context.Background()

	require.NoError(t, cfg.Cold.Save(ctx, "doc-1", &cold.Snapshot{
		State:         json.RawMessage(`{"a":"1"}`),
		Version:       5,
		SchemaVersion: cold.CurrentSchemaVersion,
	}))
	require.NoError(t, cfg.Hot.Append(ctx, "doc-1", hot.Entry{
		Transaction: setTx("tx-6", "b", "2"),
		Version:     6,
	}))
	require.NoError(t, cfg.Hot.Append(ctx, "doc-1", hot.Entry{
		Transaction: setTx("tx-7", "a", "3"),
		Version:     7,
	}))

	r, err := Materialize(ctx, "doc-1", cfg)
	require.NoError(t, err)
	defer r.Close()

	state, version := r.GetSnapshot()
	assert.Equal(t, uint64(7), version)
	assert.JSONEq(t, `{"a":"3","b":"2"}`, string(state))

	// Replayed IDs are in the duplicate window.
	_, err = r.Submit(ctx, setTx("tx-6", "x", "y"))
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "Transaction has already been processed", rej.Reason)
}

func TestRestoreSurvivesUnappliableEntry(t *testing.T) {
	cfg := testConfig()
	ctx := context.Background()

	bad := &schema.Transaction{
		ID:  "tx-1",
		Ops: []json.RawMessage{json.RawMessage(`{"explode":{}}`)},
	}
	require.NoError(t, cfg.Hot.Append(ctx, "doc-1", hot.Entry{Transaction: bad, Version: 1}))
	require.NoError(t, cfg.Hot.Append(ctx, "doc-1", hot.Entry{
		Transaction: setTx("tx-2", "a", "1"),
		Version:     2,
	}))

	r, err := Materialize(ctx, "doc-1", cfg)
	require.NoError(t, err)
	defer r.Close()

	state, version := r.GetSnapshot()
	assert.Equal(t, uint64(2), version, "version advances past the skipped entry")
	assert.JSONEq(t, `{"a":"1"}`, string(state))
}

func TestSnapshotOnTransactionThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotTransactionThreshold = 3
	cfg.SnapshotInterval = time.Hour
	fh := &failingHot{Store: cfg.Hot}
	cfg.Hot = fh
	fc := &failingCold{Store: cfg.Cold}
	cfg.Cold = fc

	ctx := context.Background()
	r, err := Materialize(ctx, "doc-1", cfg)
	require.NoError(t, err)
	defer r.Close()

	for i := 1; i <= 3; i++ {
		_, err := r.Submit(ctx, setTx(fmt.Sprintf("tx-%d", i), "a", fmt.Sprint(i)))
		require.NoError(t, err)
	}

	assert.Equal(t, 1, fc.saveCalls)
	assert.Equal(t, 1, fh.truncateCalls)

	snap, err := fc.Load(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(3), snap.Version)
	assert.JSONEq(t, `{"a":"3"}`, string(snap.State))

	entries, err := fh.Entries(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries, "covered log prefix is truncated")
}

func TestSnapshotIdempotencyGuard(t *testing.T) {
	cfg := testConfig()
	fc := &failingCold{Store: cfg.Cold}
	cfg.Cold = fc

	ctx := context.Background()
	r, err := Materialize(ctx, "doc-1", cfg)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Submit(ctx, setTx("tx-1", "a", "1"))
	require.NoError(t, err)

	require.NoError(t, r.SaveSnapshot(ctx))
	require.NoError(t, r.SaveSnapshot(ctx))
	assert.Equal(t, 1, fc.saveCalls, "a save at an already-covered version is a no-op")

	// Saving on a document with no transactions at all is also a no-op.
	r2, err := Materialize(ctx, "doc-2", testConfig())
	require.NoError(t, err)
	defer r2.Close()
	require.NoError(t, r2.SaveSnapshot(ctx))
}

func TestSnapshotSaveFailureDoesNotBlockSubmits(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotTransactionThreshold = 2
	fc := &failingCold{Store: cfg.Cold, failSaves: true}
	cfg.Cold = fc

	ctx := context.Background()
	r, err := Materialize(ctx, "doc-1", cfg)
	require.NoError(t, err)
	defer r.Close()

	for i := 1; i <= 4; i++ {
		_, err := r.Submit(ctx, setTx(fmt.Sprintf("tx-%d", i), "a", fmt.Sprint(i)))
		require.NoError(t, err, "submits must keep succeeding while snapshots fail")
	}
	assert.GreaterOrEqual(t, fc.saveCalls, 2, "failed save retries on the next trigger")

	entries, err := cfg.Hot.Entries(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 4, "log is never truncated without a committed snapshot")
}

func TestFailedTruncateDoesNotResave(t *testing.T) {
	cfg := testConfig()
	fh := &failingHot{Store: cfg.Hot, failTruncates: true}
	cfg.Hot = fh
	fc := &failingCold{Store: cfg.Cold}
	cfg.Cold = fc

	ctx := context.Background()
	r, err := Materialize(ctx, "doc-1", cfg)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Submit(ctx, setTx("tx-1", "a", "1"))
	require.NoError(t, err)

	require.NoError(t, r.SaveSnapshot(ctx), "truncate failure is tolerated")
	require.NoError(t, r.SaveSnapshot(ctx))
	assert.Equal(t, 1, fc.saveCalls)
}

func TestCheckedAppendRejectsGap(t *testing.T) {
	cfg := testConfig()
	cfg.CheckedAppend = true

	ctx := context.Background()
	r, err := Materialize(ctx, "doc-1", cfg)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Submit(ctx, setTx("tx-1", "a", "1"))
	require.NoError(t, err)

	// A second writer slips an entry into the log behind this runtime's back.
	require.NoError(t, cfg.Hot.Append(ctx, "doc-1", hot.Entry{
		Transaction: setTx("tx-rogue", "b", "2"),
		Version:     2,
	}))

	_, err = r.Submit(ctx, setTx("tx-2", "c", "3"))
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "Storage unavailable. Please retry.", rej.Reason)

	var gap *hot.VersionGapError
	assert.ErrorAs(t, err, &gap)
}

func TestIdleAccounting(t *testing.T) {
	r, err := Materialize(context.Background(), "doc-1", testConfig())
	require.NoError(t, err)
	defer r.Close()

	r.Touch()
	assert.Less(t, r.IdleFor(), time.Second)
}
