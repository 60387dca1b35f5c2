package identity_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castflow/castflow/internal/identity"
	"github.com/castflow/castflow/internal/metadata/douban"
	"github.com/castflow/castflow/internal/metadata/tmdb"
	"github.com/castflow/castflow/internal/testutil"
)

type fakeTMDB struct {
	mu      sync.Mutex
	details map[int]*tmdb.PersonDetails
	errs    map[int]error
	calls   int
}

func (f *fakeTMDB) GetPersonDetails(_ context.Context, personID int) (*tmdb.PersonDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[personID]; ok {
		return nil, err
	}
	if d, ok := f.details[personID]; ok {
		return d, nil
	}
	return nil, tmdb.ErrNotFound
}

type fakeDoubanDetails struct {
	details map[string]*douban.CelebrityDetails
	errs    map[string]error
}

func (f *fakeDoubanDetails) GetCelebrityDetails(_ context.Context, id string) (*douban.CelebrityDetails, error) {
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	if d, ok := f.details[id]; ok {
		return d, nil
	}
	return nil, douban.ErrNotFound
}

func personWithIMDB(id string) *tmdb.PersonDetails {
	p := &tmdb.PersonDetails{}
	p.ImdbID = id
	return p
}

func celebrityWithIMDB(id string) *douban.CelebrityDetails {
	c := &douban.CelebrityDetails{}
	c.Extra.Info = [][]string{{"IMDb编号", id}}
	return c
}

func newTestEnricher(t *testing.T, tm identity.TMDBPersonSource, db identity.DoubanPersonSource) (*identity.Enricher, *identity.Store) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	store := identity.NewStore(tdb.Conn, testutil.NopLogger())
	return identity.NewEnricher(tdb.Conn, store, tm, db, testutil.NopLogger()), store
}

func TestEnricherTMDBPhase(t *testing.T) {
	tm := &fakeTMDB{
		details: map[int]*tmdb.PersonDetails{
			100: personWithIMDB("nm0000206"),
			200: {}, // known but without imdb id
		},
		errs: map[int]error{300: fmt.Errorf("boom")},
	}
	e, store := newTestEnricher(t, tm, nil)
	ctx := context.Background()

	idFound, err := store.Upsert(ctx, identity.Candidate{Name: "Keanu", TMDBID: 100})
	require.NoError(t, err)
	idBare, err := store.Upsert(ctx, identity.Candidate{Name: "Bare", TMDBID: 200})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, identity.Candidate{Name: "Flaky", TMDBID: 300})
	require.NoError(t, err)
	idGone, err := store.Upsert(ctx, identity.Candidate{Name: "Gone", TMDBID: 400})
	require.NoError(t, err)

	stats, err := e.Run(ctx, identity.EnricherOptions{SyncInterval: 24 * time.Hour, Workers: 2}, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Checked)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, 1, stats.Failed)

	found, err := store.GetByMapID(ctx, idFound)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "nm0000206", found.IMDBID)
	assert.False(t, found.LastSyncedAt.IsZero())

	gone, err := store.GetByMapID(ctx, idGone)
	require.NoError(t, err)
	assert.Nil(t, gone, "tmdb 404 deletes the row")

	bare, err := store.GetByMapID(ctx, idBare)
	require.NoError(t, err)
	require.NotNil(t, bare)
	assert.False(t, bare.LastSyncedAt.IsZero(), "no-imdb rows still get stamped")

	flaky, err := store.FindByAnyID(ctx, identity.Candidate{TMDBID: 300})
	require.NoError(t, err)
	require.NotNil(t, flaky)
	assert.Empty(t, flaky.IMDBID, "failed lookups keep their data")
	assert.False(t, flaky.LastSyncedAt.IsZero(), "failed lookups get stamped so they wait out the cooldown")
}

// A row whose lookup errored must not be re-selected by the very next
// run inside the same cooldown window.
func TestEnricherFailedLookupWaitsOutCooldown(t *testing.T) {
	tm := &fakeTMDB{errs: map[int]error{300: fmt.Errorf("transient")}}
	e, store := newTestEnricher(t, tm, nil)
	ctx := context.Background()

	_, err := store.Upsert(ctx, identity.Candidate{Name: "Flaky", TMDBID: 300})
	require.NoError(t, err)

	stats, err := e.Run(ctx, identity.EnricherOptions{SyncInterval: 24 * time.Hour, Workers: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, tm.calls)

	stats, err = e.Run(ctx, identity.EnricherOptions{SyncInterval: 24 * time.Hour, Workers: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Checked)
	assert.Equal(t, 1, tm.calls, "second run must not retry the stamped row")
}

func TestEnricherDoubanPhase(t *testing.T) {
	db := &fakeDoubanDetails{
		details: map[string]*douban.CelebrityDetails{
			"1054527": celebrityWithIMDB("nm0000206"),
		},
	}
	e, store := newTestEnricher(t, nil, db)
	ctx := context.Background()

	id, err := store.Upsert(ctx, identity.Candidate{Name: "基努·里维斯", DoubanID: "1054527"})
	require.NoError(t, err)

	stats, err := e.Run(ctx, identity.EnricherOptions{SyncInterval: 24 * time.Hour}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)

	p, err := store.GetByMapID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "nm0000206", p.IMDBID)
}

func TestEnricherMergesIntoExistingIMDBRow(t *testing.T) {
	// Another row already carries the IMDb id the lookup returns: the
	// two rows must converge, not conflict on the unique column.
	tm := &fakeTMDB{details: map[int]*tmdb.PersonDetails{100: personWithIMDB("nm0000206")}}
	e, store := newTestEnricher(t, tm, nil)
	ctx := context.Background()

	_, err := store.Upsert(ctx, identity.Candidate{Name: "Keanu Reeves", IMDBID: "nm0000206"})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, identity.Candidate{Name: "Keanu", TMDBID: 100})
	require.NoError(t, err)

	_, err = e.Run(ctx, identity.EnricherOptions{SyncInterval: time.Hour, Workers: 1}, nil)
	require.NoError(t, err)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	p, err := store.FindByAnyID(ctx, identity.Candidate{TMDBID: 100})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "nm0000206", p.IMDBID)
}

func TestEnricherSkipsRecentlySynced(t *testing.T) {
	tm := &fakeTMDB{details: map[int]*tmdb.PersonDetails{100: personWithIMDB("nm1")}}
	e, store := newTestEnricher(t, tm, nil)
	ctx := context.Background()

	id, err := store.Upsert(ctx, identity.Candidate{Name: "A", TMDBID: 100})
	require.NoError(t, err)
	require.NoError(t, store.TouchSynced(ctx, []int64{id}))

	stats, err := e.Run(ctx, identity.EnricherOptions{SyncInterval: time.Hour, Workers: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Checked)
	assert.Equal(t, 0, tm.calls)
}
