package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "talaria.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNextRunAt_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetNextRunAt(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	want := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.SetNextRunAt(ctx, want))

	got, found, err := s.GetNextRunAt(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.WithinDuration(t, want, got, time.Second)
}

func TestCommit_InsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	info := CommitInfo{
		CommitHash:      "abc123",
		CommitShortHash: "abc123"[:6],
		CommitTimestamp: time.Now(),
		PipelineStatus:  PipelineUnknown,
	}
	require.NoError(t, s.InsertCommit(ctx, info))

	got, found, err := s.GetCommit(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, PipelineUnknown, got.PipelineStatus)
	assert.Equal(t, "abc123", got.CommitShortHash[:6])
}

func TestCommit_GetMissing(t *testing.T) {
	s := openTestStore(t)
	_, found, err := s.GetCommit(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

// pagination is ordered (commit_timestamp DESC, hash ASC)
func TestListCommits_Pagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, hash := range []string{"c1", "c2", "c3", "c4", "c5"} {
		require.NoError(t, s.InsertCommit(ctx, CommitInfo{
			CommitHash:      hash,
			CommitTimestamp: base.Add(time.Duration(i) * time.Minute),
			PipelineStatus:  PipelineUnknown,
		}))
	}

	page1, total, err := s.ListCommits(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, "c5", page1[0].CommitHash) // most recent first
	assert.Equal(t, "c4", page1[1].CommitHash)

	page2, _, err := s.ListCommits(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "c3", page2[0].CommitHash)
	assert.Equal(t, "c2", page2[1].CommitHash)
}

// a second identical webhook event keeps the same status; only
// pipeline_timestamp may change
func TestUpdatePipelineStatus_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCommit(ctx, CommitInfo{
		CommitHash:      "X",
		CommitTimestamp: time.Now(),
		PipelineStatus:  PipelineUnknown,
	}))

	duration := 42.0
	ok, err := s.UpdatePipelineStatus(ctx, "X", PipelineSuccess, "http://commit", "http://pipeline", time.Now(), &duration)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := s.GetCommit(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, PipelineSuccess, got.PipelineStatus)
	assert.Equal(t, 42.0, *got.PipelineDuration)

	ok, err = s.UpdatePipelineStatus(ctx, "X", PipelineSuccess, "http://commit", "http://pipeline", time.Now(), &duration)
	require.NoError(t, err)
	assert.True(t, ok)

	got2, _, err := s.GetCommit(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, PipelineSuccess, got2.PipelineStatus)
	assert.Equal(t, 42.0, *got2.PipelineDuration)
}

func TestUpdatePipelineStatus_UnknownCommit(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.UpdatePipelineStatus(context.Background(), "missing", PipelineFailure, "", "", time.Now(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Cache tests (property 5): hit within window, shrink-on-read on a
// too-long expiration.
func TestCache_HitWithinWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "h1", []byte("payload"), time.Now().Add(time.Hour)))

	payload, found, err := s.Get(ctx, "h1", 2*time.Hour)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("payload"), payload)
}

func TestCache_ShrinkOnRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// stored expiration is 2h out, but configured duration shrank to 1h.
	require.NoError(t, s.Set(ctx, "h2", []byte("payload"), time.Now().Add(2*time.Hour)))

	_, found, err := s.Get(ctx, "h2", time.Hour)
	require.NoError(t, err)
	assert.False(t, found)

	// entry must have been deleted, not just reported as a miss.
	_, found, err = s.Get(ctx, "h2", 3*time.Hour)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_ExpiredIsDeleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "h3", []byte("payload"), time.Now().Add(-time.Minute)))

	_, found, err := s.Get(ctx, "h3", time.Hour)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCleanupExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "old", []byte("x"), time.Now().Add(-time.Hour)))
	require.NoError(t, s.Set(ctx, "fresh", []byte("y"), time.Now().Add(time.Hour)))

	n, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
