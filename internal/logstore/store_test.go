package logstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castflow/castflow/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	return NewStore(tdb.Conn, tdb.Logger)
}

func TestLogsAreMutuallyExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkFailed(ctx, "42", "Mad Men", "Series", "文件缺失: series.json", 0))

	entry, err := s.GetFailed(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "文件缺失: series.json", entry.ErrorMessage)

	// A later successful run moves the item across.
	require.NoError(t, s.MarkProcessed(ctx, "42", "Mad Men", 8.5))

	entry, err = s.GetFailed(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, entry)

	ok, err := s.IsProcessed(ctx, "42")
	require.NoError(t, err)
	assert.True(t, ok)

	// And a failure moves it back.
	require.NoError(t, s.MarkFailed(ctx, "42", "Mad Men", "Series", "douban timeout", 3.2))
	ok, err = s.IsProcessed(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ok)

	processed, failed, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, 1, failed)
}

func TestMarkProcessedUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkProcessed(ctx, "7", "Oppenheimer", 5.0))
	require.NoError(t, s.MarkProcessed(ctx, "7", "Oppenheimer", 9.1))

	processed, _, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
}

func TestListFailedPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, s.MarkFailed(ctx, id, "item "+id, "Movie", "score below threshold", 2.0))
	}

	page, total, err := s.ListFailed(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 2)

	page, total, err = s.ListFailed(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 1)
}

func TestClearProcessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkProcessed(ctx, "a", "A", 7.0))
	require.NoError(t, s.MarkProcessed(ctx, "b", "B", 7.5))
	require.NoError(t, s.ClearProcessed(ctx))

	ids, err := s.ListProcessedIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
