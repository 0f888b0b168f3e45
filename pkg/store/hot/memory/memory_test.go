package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/mimic/pkg/schema"
	"github.com/marmos91/mimic/pkg/store/hot"
)

func entry(id string, version uint64) hot.Entry {
	return hot.Entry{
		Transaction: &schema.Transaction{ID: id},
		Version:     version,
		Timestamp:   int64(version) * 1000,
	}
}

func TestAppendAndEntries(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Append(ctx, "doc", entry("t1", 1)))
	require.NoError(t, s.Append(ctx, "doc", entry("t2", 2)))
	require.NoError(t, s.Append(ctx, "doc", entry("t3", 3)))

	all, err := s.Entries(ctx, "doc", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(1), all[0].Version)
	assert.Equal(t, uint64(3), all[2].Version)

	tail, err := s.Entries(ctx, "doc", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "t3", tail[0].Transaction.ID)
}

func TestEntries_UnknownDocument(t *testing.T) {
	s := New()

	entries, err := s.Entries(context.Background(), "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppendWithCheck(t *testing.T) {
	ctx := context.Background()
	s := New()

	// Empty log accepts expectedVersion 1.
	require.NoError(t, s.AppendWithCheck(ctx, "doc", entry("t1", 1), 1))

	// Matching tail accepts the next version.
	require.NoError(t, s.AppendWithCheck(ctx, "doc", entry("t2", 2), 2))

	// A gap is rejected and the log stays unchanged.
	err := s.AppendWithCheck(ctx, "doc", entry("t4", 4), 4)
	var gap *hot.VersionGapError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, uint64(4), gap.Expected)
	assert.Equal(t, uint64(2), gap.Last)

	entries, err := s.Entries(ctx, "doc", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestTruncate(t *testing.T) {
	ctx := context.Background()
	s := New()

	for v := uint64(1); v <= 5; v++ {
		require.NoError(t, s.Append(ctx, "doc", entry("t", v)))
	}

	require.NoError(t, s.Truncate(ctx, "doc", 3))

	entries, err := s.Entries(ctx, "doc", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(4), entries[0].Version)
	assert.Equal(t, uint64(5), entries[1].Version)

	// Truncating everything removes the log.
	require.NoError(t, s.Truncate(ctx, "doc", 5))
	entries, err = s.Entries(ctx, "doc", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDocumentsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Append(ctx, "a", entry("t1", 1)))
	require.NoError(t, s.Append(ctx, "b", entry("t2", 1)))

	require.NoError(t, s.Truncate(ctx, "a", 1))

	entries, err := s.Entries(ctx, "b", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Append(ctx, "doc", entry("t1", 1))
	var serr *hot.StoreError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "append", serr.Op)
}
