package database_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castflow/castflow/internal/database"
	"github.com/castflow/castflow/internal/testutil"
)

func newTransfer(t *testing.T) (*database.Transfer, *testutil.TestDB) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	return database.NewTransfer(tdb.DB, testutil.NopLogger()), tdb
}

func TestExportRoundTripsThroughParse(t *testing.T) {
	transfer, tdb := newTransfer(t)
	ctx := context.Background()

	_, err := tdb.Conn.ExecContext(ctx,
		"INSERT INTO translation_cache (original_text, translated_text, engine_used) VALUES ('Keanu Reeves', '基努·里维斯', 'manual')")
	require.NoError(t, err)

	backup, err := transfer.Export(ctx, []string{"translation_cache", "watchlist"})
	require.NoError(t, err)
	require.Len(t, backup.Data["translation_cache"], 1)
	assert.Empty(t, backup.Data["watchlist"])

	raw, err := json.Marshal(backup)
	require.NoError(t, err)
	parsed, err := database.ParseBackup(raw)
	require.NoError(t, err)
	assert.Equal(t, "基努·里维斯", parsed.Data["translation_cache"][0]["translated_text"])
}

func TestExportRejectsUnknownTable(t *testing.T) {
	transfer, _ := newTransfer(t)
	_, err := transfer.Export(context.Background(), []string{"sqlite_master"})
	assert.Error(t, err)
}

func TestImportOverwriteReplacesTable(t *testing.T) {
	transfer, tdb := newTransfer(t)
	ctx := context.Background()

	_, err := tdb.Conn.ExecContext(ctx,
		"INSERT INTO watchlist (item_id, tmdb_id, item_name, item_type, status) VALUES ('old', '1', 'Old Show', 'Series', 'Watching')")
	require.NoError(t, err)

	backup := &database.Backup{Data: map[string][]map[string]any{
		"watchlist": {
			{"item_id": "new", "tmdb_id": "2", "item_name": "New Show", "item_type": "Series", "status": "Watching"},
		},
	}}
	stats, err := transfer.Import(ctx, backup, []string{"watchlist"}, database.ModeOverwrite)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Deleted)
	assert.Equal(t, 1, stats[0].Inserted)

	var name string
	require.NoError(t, tdb.Conn.QueryRowContext(ctx,
		"SELECT item_name FROM watchlist WHERE item_id = 'new'").Scan(&name))
	assert.Equal(t, "New Show", name)
	var count int
	require.NoError(t, tdb.Conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM watchlist").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestImportMergeUpsertsByLogicalKey(t *testing.T) {
	transfer, tdb := newTransfer(t)
	ctx := context.Background()

	_, err := tdb.Conn.ExecContext(ctx,
		"INSERT INTO watchlist (item_id, tmdb_id, item_name, item_type, status) VALUES ('w1', '1', 'Show', 'Series', 'Watching')")
	require.NoError(t, err)

	backup := &database.Backup{Data: map[string][]map[string]any{
		"watchlist": {
			{"item_id": "w1", "tmdb_id": "1", "item_name": "Show", "item_type": "Series", "status": "Completed"},
			{"item_id": "w2", "tmdb_id": "2", "item_name": "Other", "item_type": "Series", "status": "Watching"},
		},
	}}
	_, err = transfer.Import(ctx, backup, []string{"watchlist"}, database.ModeMerge)
	require.NoError(t, err)

	var status string
	require.NoError(t, tdb.Conn.QueryRowContext(ctx,
		"SELECT status FROM watchlist WHERE item_id = 'w1'").Scan(&status))
	assert.Equal(t, "Completed", status, "merge overwrites by logical key")
	var count int
	require.NoError(t, tdb.Conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM watchlist").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestImportMergeSkipsTableWithoutKey(t *testing.T) {
	transfer, _ := newTransfer(t)

	backup := &database.Backup{Data: map[string][]map[string]any{
		"tracked_actor_media": {
			{"subscription_id": 1, "tmdb_media_id": 2, "media_type": "Movie", "title": "x", "status": "missing"},
		},
	}}
	stats, err := transfer.Import(context.Background(), backup, []string{"tracked_actor_media"}, database.ModeMerge)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.True(t, stats[0].Skipped)
}

func TestImportMergeIdentityMapCollapsesDuplicates(t *testing.T) {
	transfer, tdb := newTransfer(t)
	ctx := context.Background()

	// Two local rows that the backup row proves are the same person.
	_, err := tdb.Conn.ExecContext(ctx,
		"INSERT INTO person_identity_map (primary_name, tmdb_person_id) VALUES ('Keanu Reeves', 6384)")
	require.NoError(t, err)
	_, err = tdb.Conn.ExecContext(ctx,
		"INSERT INTO person_identity_map (primary_name, douban_celebrity_id) VALUES ('基努·里维斯', '1054527')")
	require.NoError(t, err)

	backup := &database.Backup{Data: map[string][]map[string]any{
		"person_identity_map": {
			{"primary_name": "Keanu Reeves", "tmdb_person_id": 6384, "douban_celebrity_id": "1054527", "imdb_id": "nm0000206"},
		},
	}}
	_, err = transfer.Import(ctx, backup, []string{"person_identity_map"}, database.ModeMerge)
	require.NoError(t, err)

	var count int
	require.NoError(t, tdb.Conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM person_identity_map").Scan(&count))
	assert.Equal(t, 1, count, "backup row merged the two local rows")

	var imdb string
	require.NoError(t, tdb.Conn.QueryRowContext(ctx,
		"SELECT imdb_id FROM person_identity_map WHERE tmdb_person_id = 6384").Scan(&imdb))
	assert.Equal(t, "nm0000206", imdb)
}

func TestImportMergeTranslationCacheRespectsPriority(t *testing.T) {
	transfer, tdb := newTransfer(t)
	ctx := context.Background()

	_, err := tdb.Conn.ExecContext(ctx,
		"INSERT INTO translation_cache (original_text, translated_text, engine_used) VALUES ('Neo', '尼奥', 'manual')")
	require.NoError(t, err)
	_, err = tdb.Conn.ExecContext(ctx,
		"INSERT INTO translation_cache (original_text, translated_text, engine_used) VALUES ('Trinity', '特里尼蒂', 'google')")
	require.NoError(t, err)

	backup := &database.Backup{Data: map[string][]map[string]any{
		"translation_cache": {
			{"original_text": "Neo", "translated_text": "机翻尼奥", "engine_used": "google"},
			{"original_text": "Trinity", "translated_text": "崔妮蒂", "engine_used": "manual"},
			{"original_text": "Morpheus", "translated_text": "墨菲斯", "engine_used": "openai"},
		},
	}}
	stats, err := transfer.Import(ctx, backup, []string{"translation_cache"}, database.ModeMerge)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Inserted)
	assert.Equal(t, 1, stats[0].Updated)
	assert.Equal(t, 1, stats[0].Kept)

	var neo string
	require.NoError(t, tdb.Conn.QueryRowContext(ctx,
		"SELECT translated_text FROM translation_cache WHERE original_text = 'Neo'").Scan(&neo))
	assert.Equal(t, "尼奥", neo, "manual entry beats imported machine translation")

	var trinity string
	require.NoError(t, tdb.Conn.QueryRowContext(ctx,
		"SELECT translated_text FROM translation_cache WHERE original_text = 'Trinity'").Scan(&trinity))
	assert.Equal(t, "崔妮蒂", trinity, "imported manual entry beats local machine translation")
}

func TestImportEmptyTableDataIsSkipped(t *testing.T) {
	transfer, _ := newTransfer(t)

	backup := &database.Backup{Data: map[string][]map[string]any{"watchlist": {}}}
	stats, err := transfer.Import(context.Background(), backup, []string{"watchlist"}, database.ModeMerge)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.True(t, stats[0].Skipped)
}

func TestParseBackupRejectsGarbage(t *testing.T) {
	_, err := database.ParseBackup([]byte("not json"))
	assert.Error(t, err)
	_, err = database.ParseBackup([]byte(`{"version":1,"data":{}}`))
	assert.Error(t, err)
}
