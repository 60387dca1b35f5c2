package collections

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castflow/castflow/internal/metadata/tmdb"
	"github.com/castflow/castflow/internal/testutil"
)

type fakeTMDBSource struct {
	collections map[int]*tmdb.CollectionDetails
	finds       map[string]*tmdb.FindResult
}

func (f *fakeTMDBSource) GetCollectionDetails(_ context.Context, id int) (*tmdb.CollectionDetails, error) {
	if d, ok := f.collections[id]; ok {
		return d, nil
	}
	return nil, tmdb.ErrNotFound
}

func (f *fakeTMDBSource) FindByImdbID(_ context.Context, imdbID string) (*tmdb.FindResult, error) {
	if r, ok := f.finds[imdbID]; ok {
		return r, nil
	}
	return nil, tmdb.ErrNotFound
}

func TestParseListDefinition(t *testing.T) {
	def, err := ParseListDefinition(json.RawMessage(`{"url":"https://www.themoviedb.org/collection/2344"}`))
	require.NoError(t, err)
	assert.Equal(t, "Movie", def.ItemType, "item type defaults to Movie")

	_, err = ParseListDefinition(json.RawMessage(`{"url":"  "}`))
	assert.Error(t, err)
}

func TestResolveTMDBCollectionURL(t *testing.T) {
	source := &fakeTMDBSource{collections: map[int]*tmdb.CollectionDetails{
		2344: {ID: 2344, Name: "黑客帝国（系列）", Parts: []tmdb.CollectionPart{
			{ID: 603, Title: "黑客帝国"},
			{ID: 604, Title: "黑客帝国2"},
		}},
	}}
	imp := NewImporter(source, testutil.NopLogger())

	ids, err := imp.Resolve(context.Background(), &ListDefinition{URL: "https://www.themoviedb.org/collection/2344-the-matrix"})
	require.NoError(t, err)
	assert.Equal(t, []int{603, 604}, ids)

	// A bare number resolves the same way.
	ids, err = imp.Resolve(context.Background(), &ListDefinition{URL: "2344"})
	require.NoError(t, err)
	assert.Equal(t, []int{603, 604}, ids)
}

func TestResolveRejectsUnknownSource(t *testing.T) {
	imp := NewImporter(&fakeTMDBSource{}, testutil.NopLogger())
	_, err := imp.Resolve(context.Background(), &ListDefinition{URL: "https://example.com/some-list"})
	assert.Error(t, err)
}

func TestIMDBPageScrapeAndResolve(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><ul>
			<li><a href="/title/tt0133093/?ref_=chart">The Matrix</a></li>
			<li><a href="/title/tt0133093/">The Matrix again</a></li>
			<li><a href="/title/tt0234215/">Reloaded</a></li>
			<li><a href="/title/tt9999999/">Unknown to TMDB</a></li>
			<li><a href="/name/nm0000206/">Keanu</a></li>
		</ul></body></html>`)
	}))
	defer page.Close()

	source := &fakeTMDBSource{finds: map[string]*tmdb.FindResult{
		"tt0133093": {MovieResults: []tmdb.FindEntry{{ID: 603, Title: "黑客帝国"}}},
		"tt0234215": {MovieResults: []tmdb.FindEntry{{ID: 604, Title: "黑客帝国2"}}},
	}}
	imp := NewImporter(source, testutil.NopLogger())

	ids, err := imp.fromIMDBPage(context.Background(), page.URL, "Movie")
	require.NoError(t, err)
	assert.Equal(t, []int{603, 604}, ids, "duplicates collapse, unknown titles drop, name links skip")
}

func TestIMDBPageSeriesPrefersTVResults(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/title/tt0804503/">Mad Men</a>`)
	}))
	defer page.Close()

	source := &fakeTMDBSource{finds: map[string]*tmdb.FindResult{
		"tt0804503": {
			MovieResults: []tmdb.FindEntry{{ID: 99, Title: "wrong"}},
			TVResults:    []tmdb.FindEntry{{ID: 1104, Name: "广告狂人"}},
		},
	}}
	imp := NewImporter(source, testutil.NopLogger())

	ids, err := imp.fromIMDBPage(context.Background(), page.URL, "Series")
	require.NoError(t, err)
	assert.Equal(t, []int{1104}, ids)
}

func TestIMDBPageWithNoTitlesFails(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>nothing here</body></html>`)
	}))
	defer page.Close()

	imp := NewImporter(&fakeTMDBSource{}, testutil.NopLogger())
	_, err := imp.fromIMDBPage(context.Background(), page.URL, "Movie")
	assert.Error(t, err)
}
