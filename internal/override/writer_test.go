package override

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castflow/castflow/internal/cast"
	"github.com/castflow/castflow/internal/emby"
	"github.com/castflow/castflow/internal/localcache"
	"github.com/castflow/castflow/internal/testutil"
)

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	root := t.TempDir()
	return NewWriter(root, testutil.NopLogger()), root
}

func TestWriteMoviePreservesSourceFields(t *testing.T) {
	w, _ := newTestWriter(t)

	source := map[string]any{
		"id":       float64(603),
		"title":    "The Matrix",
		"overview": "A computer hacker...",
		"casts": map[string]any{
			"cast": []any{map[string]any{"id": float64(1), "name": "Old Name"}},
			"crew": []any{map[string]any{"id": float64(2), "job": "Director"}},
		},
	}
	records := []cast.Record{{TMDBID: 6384, Name: "基努·里维斯", Character: "尼奥", Order: 0}}

	require.NoError(t, w.WriteMovie("603", source, records))

	written, err := w.ReadBack("Movie", "603", "all.json")
	require.NoError(t, err)
	assert.Equal(t, "The Matrix", written["title"])

	casts := written["casts"].(map[string]any)
	assert.Len(t, casts["crew"], 1, "crew must survive the cast replacement")

	newCast := casts["cast"].([]any)
	require.Len(t, newCast, 1)
	entry := newCast[0].(map[string]any)
	assert.Equal(t, "基努·里维斯", entry["name"])
	assert.Equal(t, "尼奥", entry["character"])
	assert.Equal(t, false, entry["adult"])
	assert.Equal(t, float64(0), entry["gender"])

	// Source must not be mutated by the clone.
	assert.Len(t, source["casts"].(map[string]any)["cast"], 1)
	assert.Equal(t, "Old Name", source["casts"].(map[string]any)["cast"].([]any)[0].(map[string]any)["name"])
}

func TestWriteSeriesMirrorsEpisodes(t *testing.T) {
	w, root := newTestWriter(t)

	source := map[string]any{"name": "Mad Men", "credits": map[string]any{"cast": []any{}}}
	seasonFiles := []localcache.SeasonFile{
		{Name: "season-1.json", Data: map[string]any{"season_number": float64(1), "credits": map[string]any{"cast": []any{}}}},
		{Name: "season-1-episode-1.json", Data: map[string]any{"credits": map[string]any{"cast": []any{}}}},
	}
	records := []cast.Record{{TMDBID: 23532, Name: "乔·哈姆", Character: "唐·德雷柏"}}

	require.NoError(t, w.WriteSeries("1104", source, records, seasonFiles, true))

	dir := filepath.Join(root, "override", localcache.TMDBTVDir, "1104")
	for _, name := range []string{"series.json", "season-1.json", "season-1-episode-1.json"} {
		data, err := localcache.ReadJSON(filepath.Join(dir, name))
		require.NoError(t, err, name)
		credits := data["credits"].(map[string]any)
		castList := credits["cast"].([]any)
		require.Len(t, castList, 1, name)
		assert.Equal(t, "乔·哈姆", castList[0].(map[string]any)["name"], name)
	}

	// Season sidecar fields survive.
	data, err := localcache.ReadJSON(filepath.Join(dir, "season-1.json"))
	require.NoError(t, err)
	assert.Equal(t, float64(1), data["season_number"])
}

func TestWriteSeriesSkipsEpisodesWhenDisabled(t *testing.T) {
	w, root := newTestWriter(t)

	source := map[string]any{"name": "Mad Men"}
	seasonFiles := []localcache.SeasonFile{{Name: "season-1.json", Data: map[string]any{}}}

	require.NoError(t, w.WriteSeries("1104", source, nil, seasonFiles, false))

	_, err := os.Stat(filepath.Join(root, "override", localcache.TMDBTVDir, "1104", "season-1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestOverrideRoundTrip(t *testing.T) {
	w, _ := newTestWriter(t)

	source := map[string]any{
		"id":    float64(11),
		"title": "Star Wars",
		"casts": map[string]any{"cast": []any{}},
	}
	records := []cast.Record{
		{TMDBID: 2, Name: "马克·哈米尔", Character: "卢克", Order: 0},
		{TMDBID: 3, Name: "哈里森·福特", Character: "汉·索罗", Order: 1},
	}
	require.NoError(t, w.WriteMovie("11", source, records))

	first, err := w.ReadBack("Movie", "11", "all.json")
	require.NoError(t, err)

	// Writing the same data again must be byte-stable after JSON
	// normalization.
	require.NoError(t, w.WriteMovie("11", source, records))
	second, err := w.ReadBack("Movie", "11", "all.json")
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.True(t, reflect.DeepEqual(first, second))
	assert.Equal(t, string(a), string(b))
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	w, root := newTestWriter(t)

	require.NoError(t, w.WriteMovie("603", map[string]any{"title": "x"}, nil))

	entries, err := os.ReadDir(filepath.Join(root, "override", localcache.TMDBMovieDir, "603"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

type fakeImageSource struct {
	downloads []string
	children  []emby.Item
}

func (f *fakeImageSource) DownloadImage(_ context.Context, itemID string, kind emby.ImageKind, _ int, destPath string) error {
	f.downloads = append(f.downloads, filepath.Base(destPath))
	return os.WriteFile(destPath, []byte("img"), 0o644)
}

func (f *fakeImageSource) GetSeriesChildren(_ context.Context, _ string) ([]emby.Item, error) {
	return f.children, nil
}

func TestSyncItemImages(t *testing.T) {
	w, _ := newTestWriter(t)
	one := 1
	two := 2

	source := &fakeImageSource{
		children: []emby.Item{
			{ID: "s1", Type: "Season", IndexNumber: &one, ImageTags: map[string]string{"Primary": "t"}},
			{ID: "e1", Type: "Episode", ParentIndexNumber: &one, IndexNumber: &two, ImageTags: map[string]string{"Primary": "t"}},
			{ID: "e2", Type: "Episode", ParentIndexNumber: &one, IndexNumber: &one}, // no image
		},
	}
	item := &emby.Item{
		ID:   "42",
		Name: "Mad Men",
		Type: "Series",
		ProviderIDs: map[string]string{
			"Tmdb": "1104",
		},
		ImageTags:         map[string]string{"Primary": "tag"},
		BackdropImageTags: []string{"tag"},
	}

	require.NoError(t, w.SyncItemImages(context.Background(), source, item, AllImageKinds))

	assert.ElementsMatch(t, []string{"poster.jpg", "fanart.jpg", "season-1.jpg", "season-1-episode-2.jpg"}, source.downloads)
}

func TestKindsFromDescription(t *testing.T) {
	assert.Equal(t, []emby.ImageKind{emby.ImagePrimary}, KindsFromDescription("Primary image was updated"))
	assert.Equal(t, []emby.ImageKind{emby.ImageBackdrop}, KindsFromDescription("backdrop changed"))
	assert.Equal(t, AllImageKinds, KindsFromDescription("something else"))
}
