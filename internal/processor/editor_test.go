package processor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castflow/castflow/internal/localcache"
)

func newEditorFixture(t *testing.T) (*fixture, *Editor) {
	t.Helper()
	f := newFixture(t)
	return f, NewEditor(f.processor)
}

func TestEditorOpenLoadsMovieCast(t *testing.T) {
	f, editor := newEditorFixture(t)
	ctx := context.Background()

	f.server.items["100"] = movieItem("100", "603")
	f.writeCache(t, filepath.Join(localcache.TMDBMovieDir, "603", "all.json"),
		`{"id":603,"title":"The Matrix","casts":{"cast":[
			{"id":530,"name":"Carrie-Anne Moss","character":"Trinity","order":1,"profile_path":"/cm.jpg"},
			{"id":6384,"name":"Keanu Reeves","character":"Neo","order":0}
		]}}`)

	view, err := editor.Open(ctx, "100")
	require.NoError(t, err)
	require.Len(t, view.Entries, 2)
	assert.Equal(t, "Keanu Reeves", view.Entries[0].Name, "entries come back in cast order")
	assert.Equal(t, 6384, view.Entries[0].TMDBID)
	assert.Equal(t, "/cm.jpg", view.Entries[1].ProfilePath)
}

func TestEditorOpenFailsWithoutTmdbID(t *testing.T) {
	f, editor := newEditorFixture(t)
	f.server.items["100"] = movieItem("100", "")

	_, err := editor.Open(context.Background(), "100")
	assert.Error(t, err)
}

func TestEditorSaveMergesEditsOntoFullRecords(t *testing.T) {
	f, editor := newEditorFixture(t)
	ctx := context.Background()

	f.server.items["100"] = movieItem("100", "603")
	f.writeCache(t, filepath.Join(localcache.TMDBMovieDir, "603", "all.json"),
		`{"id":603,"title":"The Matrix","casts":{"cast":[
			{"id":6384,"name":"Keanu Reeves","character":"Neo","order":0,"credit_id":"52fe425bc3a36847f80181c1","gender":2},
			{"id":530,"name":"Carrie-Anne Moss","character":"Trinity","order":1}
		]}}`)

	view, err := editor.Open(ctx, "100")
	require.NoError(t, err)
	require.Len(t, view.Entries, 2)

	// Rename one actor, drop the other.
	edits := []EditEntry{{TMDBID: 6384, Name: "基努·里维斯", Character: "尼奥"}}
	result, err := editor.Save(ctx, "100", edits)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CastCount)
	assert.Equal(t, 10.0, result.Score)

	// The override keeps the untouched TMDB fields of the kept record.
	written, err := f.writer.ReadBack("Movie", "603", "all.json")
	require.NoError(t, err)
	castList := written["casts"].(map[string]any)["cast"].([]any)
	require.Len(t, castList, 1)
	first := castList[0].(map[string]any)
	assert.Equal(t, "基努·里维斯", first["name"])
	assert.Equal(t, "Keanu Reeves", first["original_name"])
	assert.Equal(t, "52fe425bc3a36847f80181c1", first["credit_id"])

	// Session closed after save.
	_, err = editor.Translate(ctx, "100")
	assert.Error(t, err)
}

func TestEditorTranslateUsesCache(t *testing.T) {
	f, editor := newEditorFixture(t)
	ctx := context.Background()

	require.NoError(t, f.processor.translator.SaveManual(ctx, "Keanu Reeves", "基努·里维斯"))

	f.server.items["100"] = movieItem("100", "603")
	f.writeCache(t, filepath.Join(localcache.TMDBMovieDir, "603", "all.json"),
		`{"id":603,"casts":{"cast":[{"id":6384,"name":"Keanu Reeves","character":"Neo","order":0}]}}`)

	_, err := editor.Open(ctx, "100")
	require.NoError(t, err)

	view, err := editor.Translate(ctx, "100")
	require.NoError(t, err)
	require.Len(t, view.Entries, 1)
	assert.Equal(t, "基努·里维斯", view.Entries[0].Name)
	assert.Equal(t, "Keanu Reeves", view.Entries[0].OriginalName)
}

func TestEditorAbandonDropsSession(t *testing.T) {
	f, editor := newEditorFixture(t)
	ctx := context.Background()

	f.server.items["100"] = movieItem("100", "603")
	f.writeCache(t, filepath.Join(localcache.TMDBMovieDir, "603", "all.json"),
		`{"id":603,"casts":{"cast":[{"id":6384,"name":"Keanu Reeves","order":0}]}}`)

	_, err := editor.Open(ctx, "100")
	require.NoError(t, err)
	editor.Abandon("100")

	_, err = editor.Save(ctx, "100", nil)
	assert.Error(t, err)
}
