package collections

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castflow/castflow/internal/emby"
	"github.com/castflow/castflow/internal/metadata/tmdb"
	"github.com/castflow/castflow/internal/testutil"
)

type fakeServer struct {
	mu        sync.Mutex
	boxsets   []emby.Item
	children  map[string][]emby.Item
	items     map[string]*emby.Item
	created   map[string]string   // collection name -> emby id
	matched   map[string][]string // collection name -> matched tmdb ids
	appended  map[string][]string // collection id -> item ids
	createErr error
}

func (f *fakeServer) GetBoxsets(context.Context) ([]emby.Item, error) {
	return f.boxsets, nil
}

func (f *fakeServer) GetCollectionChildren(_ context.Context, id string) ([]emby.Item, error) {
	return f.children[id], nil
}

func (f *fakeServer) GetItemDetails(_ context.Context, id string) (*emby.Item, error) {
	if item, ok := f.items[id]; ok {
		return item, nil
	}
	return nil, emby.ErrNotFound
}

func (f *fakeServer) CreateOrUpdateCollection(_ context.Context, name string, tmdbIDs []string, itemType string) (string, []string, error) {
	if f.createErr != nil {
		return "", nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.created[name]
	if !ok {
		id = "box-" + name
		if f.created == nil {
			f.created = map[string]string{}
		}
		f.created[name] = id
	}
	return id, f.matched[name], nil
}

func (f *fakeServer) AppendItemToCollection(_ context.Context, collectionID, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appended == nil {
		f.appended = map[string][]string{}
	}
	f.appended[collectionID] = append(f.appended[collectionID], itemID)
	return nil
}

type fakeCatalog struct {
	movies      map[int]*tmdb.MovieDetails
	tvs         map[int]*tmdb.TVDetails
	collections map[int]*tmdb.CollectionDetails
}

func (f *fakeCatalog) GetMovieDetails(_ context.Context, id int) (*tmdb.MovieDetails, error) {
	if d, ok := f.movies[id]; ok {
		return d, nil
	}
	return nil, tmdb.ErrNotFound
}

func (f *fakeCatalog) GetTvDetails(_ context.Context, id int) (*tmdb.TVDetails, error) {
	if d, ok := f.tvs[id]; ok {
		return d, nil
	}
	return nil, tmdb.ErrNotFound
}

func (f *fakeCatalog) GetCollectionDetails(_ context.Context, id int) (*tmdb.CollectionDetails, error) {
	if d, ok := f.collections[id]; ok {
		return d, nil
	}
	return nil, tmdb.ErrNotFound
}

type fakeSubscriber struct {
	mu      sync.Mutex
	enabled bool
	movies  []int
	series  []int
	err     error
}

func (f *fakeSubscriber) Enabled() bool { return f.enabled }

func (f *fakeSubscriber) SubscribeMovie(_ context.Context, tmdbID int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.movies = append(f.movies, tmdbID)
	return nil
}

func (f *fakeSubscriber) SubscribeSeries(_ context.Context, tmdbID, _ int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.series = append(f.series, tmdbID)
	return nil
}

type serviceFixture struct {
	store      *Store
	server     *fakeServer
	catalog    *fakeCatalog
	subscriber *fakeSubscriber
	service    *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	store := NewStore(tdb.Conn, tdb.Logger)
	server := &fakeServer{children: map[string][]emby.Item{}, items: map[string]*emby.Item{}, matched: map[string][]string{}}
	catalog := &fakeCatalog{movies: map[int]*tmdb.MovieDetails{}, tvs: map[int]*tmdb.TVDetails{}, collections: map[int]*tmdb.CollectionDetails{}}
	subscriber := &fakeSubscriber{enabled: true}
	importer := NewImporter(&fakeTMDBSource{collections: catalog.collections}, testutil.NopLogger())
	service := NewService(store, server, catalog, importer, subscriber, testutil.NopLogger())
	return &serviceFixture{store: store, server: server, catalog: catalog, subscriber: subscriber, service: service}
}

func TestRefreshNativeClassifiesMembers(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	future := time.Now().AddDate(1, 0, 0).Format("2006-01-02")
	f.catalog.collections[2344] = &tmdb.CollectionDetails{ID: 2344, Name: "黑客帝国（系列）", Parts: []tmdb.CollectionPart{
		{ID: 603, Title: "黑客帝国", ReleaseDate: "1999-03-31"},
		{ID: 604, Title: "黑客帝国2", ReleaseDate: "2003-05-15"},
		{ID: 999603, Title: "黑客帝国5", ReleaseDate: future},
	}}
	f.server.boxsets = []emby.Item{{
		ID: "box1", Name: "黑客帝国（系列）", Type: "BoxSet",
		ProviderIDs: map[string]string{"TmdbCollection": "2344"},
		ImageTags:   map[string]string{"Primary": "tag1"},
	}}
	f.server.children["box1"] = []emby.Item{
		{ID: "m1", ProviderIDs: map[string]string{"Tmdb": "603"}},
	}

	require.NoError(t, f.service.RefreshNative(ctx, nil))

	info, err := f.store.GetInfo(ctx, "box1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.True(t, info.HasMissing)
	assert.Equal(t, "has_missing", info.Status)
	assert.Equal(t, 1, info.InLibraryCount)
	assert.Equal(t, "/Items/box1/Images/Primary?tag=tag1", info.PosterPath)

	byID := map[int]string{}
	for _, m := range info.Members {
		byID[m.TMDBID] = m.Status
	}
	assert.Equal(t, StatusInLibrary, byID[603])
	assert.Equal(t, StatusMissing, byID[604])
	assert.Equal(t, StatusUnreleased, byID[999603])
}

func TestRefreshNativePreservesSubscribedAndPrunes(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Prior snapshot: 604 already pushed to the subscribe backend, plus
	// a stale row for a boxset the server no longer has.
	require.NoError(t, f.store.SaveInfo(ctx, Info{
		EmbyCollectionID: "box1", Name: "黑客帝国（系列）", TMDBCollectionID: "2344",
		Members: []Member{{TMDBID: 604, Status: StatusSubscribed}},
	}))
	require.NoError(t, f.store.SaveInfo(ctx, Info{EmbyCollectionID: "gone", Name: "已删除"}))

	f.catalog.collections[2344] = &tmdb.CollectionDetails{ID: 2344, Parts: []tmdb.CollectionPart{
		{ID: 604, Title: "黑客帝国2", ReleaseDate: "2003-05-15"},
	}}
	f.server.boxsets = []emby.Item{{ID: "box1", Name: "黑客帝国（系列）",
		ProviderIDs: map[string]string{"TmdbCollection": "2344"}}}

	require.NoError(t, f.service.RefreshNative(ctx, nil))

	stale, err := f.store.GetInfo(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, stale)

	info, err := f.store.GetInfo(ctx, "box1")
	require.NoError(t, err)
	require.Len(t, info.Members, 1)
	assert.Equal(t, StatusSubscribed, info.Members[0].Status)
	assert.False(t, info.HasMissing)
}

func TestRefreshNativeSkipsBoxsetWithoutCollectionID(t *testing.T) {
	f := newServiceFixture(t)
	f.server.boxsets = []emby.Item{{ID: "box7", Name: "手动合集"}}

	require.NoError(t, f.service.RefreshNative(context.Background(), nil))

	info, err := f.store.GetInfo(context.Background(), "box7")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestRefreshCustomListCollection(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.catalog.collections[2344] = &tmdb.CollectionDetails{ID: 2344, Parts: []tmdb.CollectionPart{
		{ID: 603, Title: "黑客帝国"},
		{ID: 604, Title: "黑客帝国2"},
	}}
	f.catalog.movies[603] = &tmdb.MovieDetails{ID: 603, Title: "黑客帝国", ReleaseDate: "1999-03-31"}
	f.catalog.movies[604] = &tmdb.MovieDetails{ID: 604, Title: "黑客帝国2", ReleaseDate: "2003-05-15"}
	f.server.matched["矩阵系列"] = []string{"603"}

	id, err := f.store.CreateCustom(ctx, Custom{
		Name: "矩阵系列", Type: "list",
		Definition: json.RawMessage(`{"url":"https://www.themoviedb.org/collection/2344"}`),
	})
	require.NoError(t, err)

	require.NoError(t, f.service.RefreshCustom(ctx, id))

	c, err := f.store.GetCustom(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "box-矩阵系列", c.EmbyID)
	assert.Equal(t, "has_missing", c.HealthStatus)
	assert.Equal(t, 1, c.InLibraryCount)
	assert.Equal(t, 1, c.MissingCount)
	require.Len(t, c.Members, 2)
	assert.Equal(t, StatusInLibrary, c.Members[0].Status)
	assert.Equal(t, StatusMissing, c.Members[1].Status)
}

func TestRefreshCustomFilterCollection(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertMedia(ctx, MediaRow{
		TMDBID: "603", ItemType: "Movie", Title: "黑客帝国", Rating: 8.7, InLibrary: true,
	}))
	require.NoError(t, f.store.UpsertMedia(ctx, MediaRow{
		TMDBID: "604", ItemType: "Movie", Title: "平庸之作", Rating: 5.0, InLibrary: true,
	}))
	f.server.matched["高分电影"] = []string{"603"}

	id, err := f.store.CreateCustom(ctx, Custom{
		Name: "高分电影", Type: "filter",
		Definition: json.RawMessage(`{"logic":"AND","rules":[{"field":"rating","operator":"gte","value":"8"}]}`),
	})
	require.NoError(t, err)

	require.NoError(t, f.service.RefreshCustom(ctx, id))

	c, err := f.store.GetCustom(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ok", c.HealthStatus)
	assert.Equal(t, 1, c.InLibraryCount)
	assert.Empty(t, c.Members, "filter collections carry no member snapshot")
}

func TestAutoSubscribeFlipsMissingMembers(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveInfo(ctx, Info{
		EmbyCollectionID: "box1", Name: "黑客帝国（系列）",
		Status: "has_missing", HasMissing: true,
		Members: []Member{
			{TMDBID: 603, Title: "黑客帝国", ReleaseDate: "1999-03-31", Status: StatusInLibrary},
			{TMDBID: 604, Title: "黑客帝国2", ReleaseDate: "2003-05-15", Status: StatusMissing},
			{TMDBID: 605, Title: "未上映", ReleaseDate: time.Now().AddDate(1, 0, 0).Format("2006-01-02"), Status: StatusUnreleased},
		},
	}))

	stats, err := f.service.AutoSubscribe(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Subscribed)
	assert.Equal(t, []int{604}, f.subscriber.movies)

	info, err := f.store.GetInfo(ctx, "box1")
	require.NoError(t, err)
	assert.False(t, info.HasMissing)
	assert.Equal(t, "ok", info.Status)
	byID := map[int]string{}
	for _, m := range info.Members {
		byID[m.TMDBID] = m.Status
	}
	assert.Equal(t, StatusSubscribed, byID[604])
	assert.Equal(t, StatusUnreleased, byID[605], "unreleased members stay untouched")
}

func TestAutoSubscribeSkipsWhenBackendDisabled(t *testing.T) {
	f := newServiceFixture(t)
	f.subscriber.enabled = false

	stats, err := f.service.AutoSubscribe(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Attempted)
}

func TestAutoSubscribeCustomSeriesCollection(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	id, err := f.store.CreateCustom(ctx, Custom{
		Name: "追剧榜", Type: "list", ItemType: "Series",
		Definition: json.RawMessage(`{"url":"1","item_type":"Series"}`),
	})
	require.NoError(t, err)
	members := []Member{{TMDBID: 1104, Title: "广告狂人", ReleaseDate: "2007-07-19", Status: StatusMissing}}
	require.NoError(t, f.store.SaveCustomResult(ctx, id, "box2", "has_missing", 0, 1, members, ""))

	stats, err := f.service.AutoSubscribe(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Subscribed)
	assert.Equal(t, []int{1104}, f.subscriber.series)

	c, err := f.store.GetCustom(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ok", c.HealthStatus)
	assert.Zero(t, c.MissingCount)
}

func TestAppendMatching(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	id, err := f.store.CreateCustom(ctx, Custom{
		Name: "动作片", Type: "filter",
		Definition: json.RawMessage(`{"logic":"AND","rules":[{"field":"genre","operator":"contains","value":"action"}]}`),
	})
	require.NoError(t, err)
	require.NoError(t, f.store.SaveCustomResult(ctx, id, "box3", "ok", 5, 0, nil, ""))

	_, err = f.store.CreateCustom(ctx, Custom{
		Name: "文艺片", Type: "filter",
		Definition: json.RawMessage(`{"logic":"AND","rules":[{"field":"genre","operator":"contains","value":"drama"}]}`),
	})
	require.NoError(t, err)

	row := MediaRow{TMDBID: "603", ItemType: "Movie", Title: "黑客帝国", Genres: []string{"Action"}}
	require.NoError(t, f.service.AppendMatching(ctx, "item-603", row))

	assert.Equal(t, []string{"item-603"}, f.server.appended["box3"])
	assert.Len(t, f.server.appended, 1, "non-matching collections receive nothing")
}
