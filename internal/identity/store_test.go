package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castflow/castflow/internal/identity"
	"github.com/castflow/castflow/internal/testutil"
)

func newTestStore(t *testing.T) (*identity.Store, *testutil.TestDB) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	return identity.NewStore(tdb.Conn, tdb.Logger), tdb
}

func TestUpsertInsertsNewPerson(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, identity.Candidate{Name: "Jon Hamm", TMDBID: 23532, EmbyID: "E1"})
	require.NoError(t, err)
	require.NotZero(t, id)

	p, err := s.GetByMapID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Jon Hamm", p.PrimaryName)
	assert.Equal(t, 23532, p.TMDBPersonID)
	assert.Equal(t, "E1", p.EmbyPersonID)
	assert.Empty(t, p.IMDBID)
}

func TestUpsertRejectsEmptyCandidate(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Upsert(context.Background(), identity.Candidate{Name: "   "})
	assert.ErrorIs(t, err, identity.ErrEmptyCandidate)
}

func TestUpsertMergesRowsSharingIDs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Cold start after a rescan: one row knows the TMDB id, another the
	// Douban id, and a candidate arrives carrying both.
	first, err := s.Upsert(ctx, identity.Candidate{Name: "Jon Hamm", TMDBID: 23532})
	require.NoError(t, err)
	second, err := s.Upsert(ctx, identity.Candidate{Name: "乔·哈姆", DoubanID: "1019043"})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	survivor, err := s.Upsert(ctx, identity.Candidate{Name: "乔·哈姆", TMDBID: 23532, DoubanID: "1019043", EmbyID: "E1"})
	require.NoError(t, err)
	assert.Equal(t, first, survivor, "smallest map_id must survive")

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := s.GetByMapID(ctx, survivor)
	require.NoError(t, err)
	assert.Equal(t, "乔·哈姆", p.PrimaryName)
	assert.Equal(t, 23532, p.TMDBPersonID)
	assert.Equal(t, "1019043", p.DoubanID)
	assert.Equal(t, "E1", p.EmbyPersonID)
}

func TestUpsertConvergesRegardlessOfOrder(t *testing.T) {
	ctx := context.Background()

	candidates := []identity.Candidate{
		{Name: "A", TMDBID: 7},
		{Name: "A", IMDBID: "nm0000007"},
		{Name: "A", TMDBID: 7, IMDBID: "nm0000007", DoubanID: "77"},
	}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}

	for _, order := range orders {
		s, _ := newTestStore(t)
		var last int64
		for _, i := range order {
			id, err := s.Upsert(ctx, candidates[i])
			require.NoError(t, err)
			last = id
		}

		n, err := s.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "order %v must converge to one row", order)

		p, err := s.GetByMapID(ctx, last)
		require.NoError(t, err)
		assert.Equal(t, 7, p.TMDBPersonID)
		assert.Equal(t, "nm0000007", p.IMDBID)
		assert.Equal(t, "77", p.DoubanID)
	}
}

func TestUpsertNameFusion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Bare name row, then the same name arriving with IDs: fuse.
	bare, err := s.Upsert(ctx, identity.Candidate{Name: "张译"})
	require.NoError(t, err)

	fused, err := s.Upsert(ctx, identity.Candidate{Name: "张译", TMDBID: 1337})
	require.NoError(t, err)
	assert.Equal(t, bare, fused)

	p, err := s.GetByMapID(ctx, fused)
	require.NoError(t, err)
	assert.Equal(t, 1337, p.TMDBPersonID)
}

func TestUpsertSameNameDifferentPerson(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, identity.Candidate{Name: "李明", TMDBID: 100})
	require.NoError(t, err)

	// Same display name, disjoint IDs: must not fuse into row one.
	second, err := s.Upsert(ctx, identity.Candidate{Name: "李明", TMDBID: 200})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFindByAnyIDPrecedence(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.Upsert(ctx, identity.Candidate{Name: "A", TMDBID: 1})
	require.NoError(t, err)
	b, err := s.Upsert(ctx, identity.Candidate{Name: "B", DoubanID: "9"})
	require.NoError(t, err)

	// Both IDs provided: the TMDB probe runs first.
	p, err := s.FindByAnyID(ctx, identity.Candidate{TMDBID: 1, DoubanID: "9"})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, a, p.MapID)

	p, err = s.FindByAnyID(ctx, identity.Candidate{DoubanID: "9"})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, b, p.MapID)

	p, err = s.FindByAnyID(ctx, identity.Candidate{IMDBID: "nm404"})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestExternalIDUniquenessAfterMerges(t *testing.T) {
	s, tdb := newTestStore(t)
	ctx := context.Background()

	seeds := []identity.Candidate{
		{Name: "X", TMDBID: 1},
		{Name: "X", EmbyID: "E"},
		{Name: "X", IMDBID: "nm1"},
		{Name: "X", TMDBID: 1, EmbyID: "E"},
		{Name: "X", EmbyID: "E", IMDBID: "nm1", DoubanID: "D"},
	}
	for _, c := range seeds {
		_, err := s.Upsert(ctx, c)
		require.NoError(t, err)
	}

	for _, col := range []string{"emby_person_id", "tmdb_person_id", "imdb_id", "douban_celebrity_id"} {
		var dupes int
		err := tdb.Conn.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM (SELECT "+col+" FROM person_identity_map WHERE "+col+" IS NOT NULL GROUP BY "+col+" HAVING COUNT(*) > 1)").Scan(&dupes)
		require.NoError(t, err)
		assert.Zero(t, dupes, "column %s must stay unique", col)
	}
}

func TestListMissingIMDBRespectsCutoff(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, identity.Candidate{Name: "A", TMDBID: 5})
	require.NoError(t, err)

	stale, err := s.ListMissingIMDBByTMDB(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, id, stale[0].MapID)

	// Freshly synced rows drop out of the selection.
	require.NoError(t, s.TouchSynced(ctx, []int64{id}))
	stale, err = s.ListMissingIMDBByTMDB(ctx, time.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestClearEmbyIDs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, identity.Candidate{Name: "A", EmbyID: "E1", TMDBID: 1})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, identity.Candidate{Name: "B", EmbyID: "E2"})
	require.NoError(t, err)

	n, err := s.ClearEmbyIDs(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	p, err := s.FindByAnyID(ctx, identity.Candidate{EmbyID: "E1"})
	require.NoError(t, err)
	assert.Nil(t, p)
}
