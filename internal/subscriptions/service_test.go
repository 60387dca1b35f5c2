package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castflow/castflow/internal/emby"
	"github.com/castflow/castflow/internal/metadata/tmdb"
	"github.com/castflow/castflow/internal/testutil"
)

type fakeServer struct {
	libraries []emby.Library
	items     []emby.Item
}

func (f *fakeServer) GetLibraries(context.Context) ([]emby.Library, error) {
	return f.libraries, nil
}

func (f *fakeServer) GetLibraryItems(context.Context, string, []string) ([]emby.Item, error) {
	return f.items, nil
}

type fakeCatalog struct {
	details map[int]*tmdb.PersonDetails
	credits map[int]*tmdb.CombinedCredits
}

func (f *fakeCatalog) GetPersonDetails(_ context.Context, id int) (*tmdb.PersonDetails, error) {
	if d, ok := f.details[id]; ok {
		return d, nil
	}
	return nil, tmdb.ErrNotFound
}

func (f *fakeCatalog) GetPersonCredits(_ context.Context, id int) (*tmdb.CombinedCredits, error) {
	if c, ok := f.credits[id]; ok {
		return c, nil
	}
	return nil, tmdb.ErrNotFound
}

type fakeSubscriber struct {
	enabled bool
	movies  []int
	series  []int
}

func (f *fakeSubscriber) Enabled() bool { return f.enabled }

func (f *fakeSubscriber) SubscribeMovie(_ context.Context, tmdbID int, _ string) error {
	f.movies = append(f.movies, tmdbID)
	return nil
}

func (f *fakeSubscriber) SubscribeSeries(_ context.Context, tmdbID, _ int, _ string) error {
	f.series = append(f.series, tmdbID)
	return nil
}

type fixture struct {
	server     *fakeServer
	catalog    *fakeCatalog
	subscriber *fakeSubscriber
	service    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	server := &fakeServer{}
	catalog := &fakeCatalog{details: map[int]*tmdb.PersonDetails{}, credits: map[int]*tmdb.CombinedCredits{}}
	subscriber := &fakeSubscriber{}
	return &fixture{
		server:     server,
		catalog:    catalog,
		subscriber: subscriber,
		service:    NewService(tdb.Conn, server, catalog, subscriber, tdb.Logger),
	}
}

func credit(id int, mediaType, title, date string, rating float64, votes int) tmdb.Credit {
	c := tmdb.Credit{ID: id, MediaType: mediaType, VoteAverage: rating, VoteCount: votes}
	if mediaType == "movie" {
		c.Title = title
		c.ReleaseDate = date
	} else {
		c.Name = title
		c.FirstAirDate = date
	}
	return c
}

func TestSubscribeFillsNameFromTMDB(t *testing.T) {
	f := newFixture(t)
	f.catalog.details[57607] = &tmdb.PersonDetails{
		ID: 57607, Name: "张国荣", ProfilePath: testutil.StringPtr("/p.jpg"),
	}

	id, err := f.service.Subscribe(context.Background(), Subscription{TMDBPersonID: 57607})
	require.NoError(t, err)

	sub, err := f.service.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "张国荣", sub.ActorName)
	assert.Equal(t, "/p.jpg", sub.ProfilePath)
	assert.Equal(t, 1900, sub.StartYear)
	assert.Equal(t, []string{"Movie", "TV"}, sub.MediaTypes)
	assert.Equal(t, 6.0, sub.MinRating)
	assert.Equal(t, "active", sub.Status)
}

func TestSubscribeRejectsDuplicatePerson(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Subscribe(ctx, Subscription{TMDBPersonID: 57607, ActorName: "张国荣"})
	require.NoError(t, err)
	_, err = f.service.Subscribe(ctx, Subscription{TMDBPersonID: 57607, ActorName: "张国荣"})
	assert.Error(t, err)
}

func TestScanClassifiesWorks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	future := time.Now().AddDate(1, 0, 0).Format("2006-01-02")
	f.catalog.credits[57607] = &tmdb.CombinedCredits{Cast: []tmdb.Credit{
		credit(10106, "movie", "霸王别姬", "1993-01-01", 9.1, 5000),
		credit(11886, "movie", "阿飞正传", "1990-12-15", 8.5, 2000),
		credit(77777, "movie", "未来之作", future, 0, 0),
		credit(55555, "movie", "低分客串", "2000-01-01", 4.0, 300),
	}}
	f.server.libraries = []emby.Library{{ID: "lib1", CollectionType: "movies"}}
	f.server.items = []emby.Item{{ID: "m1", ProviderIDs: map[string]string{"Tmdb": "10106"}}}

	id, err := f.service.Subscribe(ctx, Subscription{TMDBPersonID: 57607, ActorName: "张国荣"})
	require.NoError(t, err)

	require.NoError(t, f.service.ScanAll(ctx, nil))

	tracked, err := f.service.TrackedFor(ctx, id)
	require.NoError(t, err)
	byID := map[int]string{}
	for _, m := range tracked {
		byID[m.TMDBMediaID] = m.Status
	}
	assert.Equal(t, StatusInLibrary, byID[10106])
	assert.Equal(t, StatusMissing, byID[11886])
	assert.Equal(t, StatusUnreleased, byID[77777])
	assert.NotContains(t, byID, 55555, "rated works below the floor are dropped")
}

func TestScanRespectsStartYearAndMediaTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.catalog.credits[57607] = &tmdb.CombinedCredits{Cast: []tmdb.Credit{
		credit(1, "movie", "早期作品", "1985-01-01", 8.0, 100),
		credit(2, "movie", "后期作品", "1995-01-01", 8.0, 100),
		credit(3, "tv", "电视剧", "1996-01-01", 8.0, 100),
	}}
	f.server.libraries = []emby.Library{{ID: "lib1", CollectionType: "movies"}}

	id, err := f.service.Subscribe(ctx, Subscription{
		TMDBPersonID: 57607, ActorName: "张国荣",
		StartYear: 1990, MediaTypes: []string{"Movie"},
	})
	require.NoError(t, err)

	require.NoError(t, f.service.ScanOne(ctx, id))

	tracked, err := f.service.TrackedFor(ctx, id)
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, 2, tracked[0].TMDBMediaID)
}

func TestScanAutoSubscribesMissingWorks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriber.enabled = true

	f.catalog.credits[57607] = &tmdb.CombinedCredits{Cast: []tmdb.Credit{
		credit(11886, "movie", "阿飞正传", "1990-12-15", 8.5, 2000),
	}}
	f.server.libraries = []emby.Library{{ID: "lib1", CollectionType: "movies"}}

	id, err := f.service.Subscribe(ctx, Subscription{TMDBPersonID: 57607, ActorName: "张国荣"})
	require.NoError(t, err)

	require.NoError(t, f.service.ScanOne(ctx, id))

	assert.Equal(t, []int{11886}, f.subscriber.movies)
	tracked, err := f.service.TrackedFor(ctx, id)
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, StatusSubscribed, tracked[0].Status)
}

func TestScanPreservesSubscribedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriber.enabled = true

	f.catalog.credits[57607] = &tmdb.CombinedCredits{Cast: []tmdb.Credit{
		credit(11886, "movie", "阿飞正传", "1990-12-15", 8.5, 2000),
	}}
	f.server.libraries = []emby.Library{{ID: "lib1", CollectionType: "movies"}}

	id, err := f.service.Subscribe(ctx, Subscription{TMDBPersonID: 57607, ActorName: "张国荣"})
	require.NoError(t, err)
	require.NoError(t, f.service.ScanOne(ctx, id))
	require.Equal(t, 1, len(f.subscriber.movies))

	// Second scan with the backend now disabled: the prior subscribed
	// status must survive instead of reverting to missing.
	f.subscriber.enabled = false
	require.NoError(t, f.service.ScanOne(ctx, id))

	tracked, err := f.service.TrackedFor(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSubscribed, tracked[0].Status)
	assert.Len(t, f.subscriber.movies, 1, "no duplicate subscribe calls")
}

func TestScanSkipsPausedSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.server.libraries = []emby.Library{{ID: "lib1", CollectionType: "movies"}}
	id, err := f.service.Subscribe(ctx, Subscription{TMDBPersonID: 57607, ActorName: "张国荣"})
	require.NoError(t, err)
	require.NoError(t, f.service.SetStatus(ctx, id, "paused"))

	// No credits registered: a scan attempt would fail, so passing
	// proves the paused subscription was skipped.
	require.NoError(t, f.service.ScanAll(ctx, nil))
}

func TestUnsubscribeCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.server.libraries = []emby.Library{{ID: "lib1", CollectionType: "movies"}}
	f.catalog.credits[57607] = &tmdb.CombinedCredits{Cast: []tmdb.Credit{
		credit(11886, "movie", "阿飞正传", "1990-12-15", 8.5, 2000),
	}}

	id, err := f.service.Subscribe(ctx, Subscription{TMDBPersonID: 57607, ActorName: "张国荣"})
	require.NoError(t, err)
	require.NoError(t, f.service.ScanOne(ctx, id))

	require.NoError(t, f.service.Unsubscribe(ctx, id))
	_, err = f.service.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	tracked, err := f.service.TrackedFor(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, tracked)
}
