package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/identity"
	"github.com/castflow/castflow/internal/translation"
)

// Transfer backs selected tables up to JSON and restores them. Restore
// runs in one transaction: either every chosen table lands or none do.
type Transfer struct {
	db     *DB
	logger zerolog.Logger
}

// NewTransfer creates the import/export helper.
func NewTransfer(db *DB, logger zerolog.Logger) *Transfer {
	return &Transfer{
		db:     db,
		logger: logger.With().Str("component", "transfer").Logger(),
	}
}

// Backup is the on-disk JSON shape: a version header plus raw rows per
// table.
type Backup struct {
	Version    int                         `json:"version"`
	ExportedAt string                      `json:"exported_at"`
	Data       map[string][]map[string]any `json:"data"`
}

// ImportMode selects the restore strategy.
type ImportMode string

const (
	// ModeOverwrite empties each table before inserting the backup rows.
	ModeOverwrite ImportMode = "overwrite"
	// ModeMerge folds backup rows into existing data by logical key.
	ModeMerge ImportMode = "merge"
)

// TableStats reports what the import did to one table.
type TableStats struct {
	Table    string `json:"table"`
	Label    string `json:"label"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Kept     int    `json:"kept"`
	Deleted  int    `json:"deleted"`
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason,omitempty"`
}

// transferTables is the exportable surface in dump order. Surrogate ids
// never travel; each table's logical key below is what survives a trip
// through another instance.
var transferTables = []string{
	"person_identity_map",
	"translation_cache",
	"watchlist",
	"actor_subscriptions",
	"tracked_actor_media",
	"collections_info",
	"custom_collections",
	"media_metadata",
	"processed_log",
	"failed_log",
	"users",
}

// tableLabels carries the display names the web UI shows in summaries.
var tableLabels = map[string]string{
	"person_identity_map": "演员映射表",
	"translation_cache":   "翻译缓存",
	"watchlist":           "智能追剧列表",
	"actor_subscriptions": "演员订阅配置",
	"tracked_actor_media": "已追踪的演员作品",
	"collections_info":    "电影合集信息",
	"custom_collections":  "自建合集",
	"media_metadata":      "媒体元数据",
	"processed_log":       "已处理列表",
	"failed_log":          "待复核列表",
	"users":               "用户账户",
}

// logicalKeys names the conflict target for the generic merge. Tables
// absent here cannot merge and are skipped in merge mode.
// tracked_actor_media is rebuilt by the next actor scan, so merging its
// foreign keys across databases is not worth the risk.
var logicalKeys = map[string][]string{
	"watchlist":           {"item_id"},
	"actor_subscriptions": {"tmdb_person_id"},
	"collections_info":    {"emby_collection_id"},
	"custom_collections":  {"name"},
	"media_metadata":      {"tmdb_id", "item_type"},
	"processed_log":       {"item_id"},
	"failed_log":          {"item_id"},
	"users":               {"username"},
}

// surrogateColumns are dropped on both export writes and import reads;
// autoincrement ids never survive a transfer.
var surrogateColumns = map[string]bool{"map_id": true, "id": true}

var identColumn = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// TableLabel returns the display name for a table.
func TableLabel(table string) string {
	if label, ok := tableLabels[table]; ok {
		return label
	}
	return table
}

// ExportableTables lists the tables a backup may contain.
func ExportableTables() []string {
	out := make([]string, len(transferTables))
	copy(out, transferTables)
	return out
}

func validTable(name string) bool {
	for _, t := range transferTables {
		if t == name {
			return true
		}
	}
	return false
}

// Export dumps the requested tables (all exportable tables when the
// list is empty) into a Backup.
func (t *Transfer) Export(ctx context.Context, tables []string) (*Backup, error) {
	if len(tables) == 0 {
		tables = transferTables
	}
	backup := &Backup{
		Version:    1,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Data:       make(map[string][]map[string]any, len(tables)),
	}
	for _, table := range tables {
		if !validTable(table) {
			return nil, fmt.Errorf("unknown table %q", table)
		}
		rows, err := t.dumpTable(ctx, table)
		if err != nil {
			return nil, err
		}
		backup.Data[table] = rows
		t.logger.Debug().Str("table", table).Int("rows", len(rows)).Msg("table exported")
	}
	return backup, nil
}

func (t *Transfer) dumpTable(ctx context.Context, table string) ([]map[string]any, error) {
	rows, err := t.db.conn.QueryContext(ctx, "SELECT * FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("dump %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if surrogateColumns[col] {
				continue
			}
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ParseBackup decodes and sanity-checks an uploaded backup file.
func ParseBackup(content []byte) (*Backup, error) {
	var backup Backup
	if err := json.Unmarshal(content, &backup); err != nil {
		return nil, fmt.Errorf("parse backup file: %w", err)
	}
	if len(backup.Data) == 0 {
		return nil, fmt.Errorf("backup file contains no data")
	}
	return &backup, nil
}

// Import restores the chosen tables from a backup in a single
// transaction. The identity map and the translation cache get their own
// merge strategies; everything else merges by logical key or, in
// overwrite mode, replaces the local table wholesale.
func (t *Transfer) Import(ctx context.Context, backup *Backup, tables []string, mode ImportMode) ([]TableStats, error) {
	if mode != ModeOverwrite && mode != ModeMerge {
		return nil, fmt.Errorf("unknown import mode %q", mode)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables selected for import")
	}
	for _, table := range tables {
		if !validTable(table) {
			return nil, fmt.Errorf("unknown table %q", table)
		}
	}

	tx, err := t.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin import transaction: %w", err)
	}
	defer tx.Rollback()

	var stats []TableStats
	for _, table := range tables {
		rows := backup.Data[table]
		if len(rows) == 0 {
			stats = append(stats, TableStats{Table: table, Label: TableLabel(table), Skipped: true, Reason: "备份中无数据"})
			continue
		}

		var st TableStats
		switch {
		case table == "person_identity_map" && mode == ModeMerge:
			st, err = t.mergeIdentityMap(ctx, tx, rows)
		case table == "translation_cache" && mode == ModeMerge:
			st, err = t.mergeTranslationCache(ctx, tx, rows)
		default:
			st, err = t.importGeneric(ctx, tx, table, rows, mode)
		}
		if err != nil {
			return nil, fmt.Errorf("import %s: %w", table, err)
		}
		st.Table = table
		st.Label = TableLabel(table)
		stats = append(stats, st)
		t.logger.Info().Str("table", table).
			Int("inserted", st.Inserted).Int("updated", st.Updated).
			Int("kept", st.Kept).Int("deleted", st.Deleted).
			Msg("table imported")
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit import transaction: %w", err)
	}
	return stats, nil
}

// mergeIdentityMap feeds every backup row through the identity store's
// reconciliation, so conflicting rows collapse into the lowest map id
// exactly as live processing would collapse them.
func (t *Transfer) mergeIdentityMap(ctx context.Context, tx *sql.Tx, rows []map[string]any) (TableStats, error) {
	ids := identity.NewStore(tx, t.logger)

	before, err := ids.Count(ctx)
	if err != nil {
		return TableStats{}, err
	}

	applied := 0
	for _, row := range rows {
		candidate := identity.Candidate{
			Name:     stringField(row, "primary_name"),
			EmbyID:   stringField(row, "emby_person_id"),
			TMDBID:   intField(row, "tmdb_person_id"),
			IMDBID:   stringField(row, "imdb_id"),
			DoubanID: stringField(row, "douban_celebrity_id"),
		}
		if _, err := ids.Upsert(ctx, candidate); err != nil {
			t.logger.Warn().Err(err).Str("name", candidate.Name).Msg("identity row rejected during import")
			continue
		}
		applied++
	}

	after, err := ids.Count(ctx)
	if err != nil {
		return TableStats{}, err
	}

	st := TableStats{Kept: len(rows) - applied}
	if after > before {
		st.Inserted = after - before
		st.Updated = applied - st.Inserted
	} else {
		st.Updated = applied
		st.Deleted = before - after
	}
	return st, nil
}

// mergeTranslationCache keeps whichever side of each conflict has the
// higher engine priority (manual > AI > free engines).
func (t *Transfer) mergeTranslationCache(ctx context.Context, tx *sql.Tx, rows []map[string]any) (TableStats, error) {
	cache := translation.NewCache(tx, t.logger)

	before, err := cache.Count(ctx)
	if err != nil {
		return TableStats{}, err
	}

	applied := 0
	for _, row := range rows {
		text := stringField(row, "original_text")
		if text == "" {
			continue
		}
		entry := translation.Entry{
			OriginalText: text,
			EngineUsed:   stringField(row, "engine_used"),
		}
		if v := stringField(row, "translated_text"); v != "" {
			entry.Translated = &v
		}
		wrote, err := cache.Merge(ctx, entry)
		if err != nil {
			return TableStats{}, err
		}
		if wrote {
			applied++
		}
	}

	after, err := cache.Count(ctx)
	if err != nil {
		return TableStats{}, err
	}

	inserted := after - before
	return TableStats{
		Inserted: inserted,
		Updated:  applied - inserted,
		Kept:     len(rows) - applied,
	}, nil
}

// importGeneric handles every table without a bespoke strategy:
// overwrite empties the table first, merge upserts on the logical key.
func (t *Transfer) importGeneric(ctx context.Context, tx *sql.Tx, table string, rows []map[string]any, mode ImportMode) (TableStats, error) {
	keys := logicalKeys[table]
	if mode == ModeMerge && len(keys) == 0 {
		return TableStats{Skipped: true, Reason: "该表不支持合并导入"}, nil
	}

	var st TableStats
	if mode == ModeOverwrite {
		result, err := tx.ExecContext(ctx, "DELETE FROM "+table)
		if err != nil {
			return TableStats{}, fmt.Errorf("clear table: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			st.Deleted = int(n)
		}
	}

	columns, err := rowColumns(rows[0])
	if err != nil {
		return TableStats{}, err
	}

	query := buildInsert(table, columns, keys, mode)
	for _, row := range rows {
		args := make([]any, len(columns))
		for i, col := range columns {
			args[i] = row[col]
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return TableStats{}, fmt.Errorf("insert row: %w", err)
		}
		st.Inserted++
	}
	return st, nil
}

// rowColumns returns the insertable columns of a backup row in a
// stable order, rejecting anything that does not look like an
// identifier. Backup files are user uploads.
func rowColumns(row map[string]any) ([]string, error) {
	columns := make([]string, 0, len(row))
	for col := range row {
		if surrogateColumns[col] {
			continue
		}
		if !identColumn.MatchString(col) {
			return nil, fmt.Errorf("invalid column name %q in backup", col)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns, nil
}

func buildInsert(table string, columns, keys []string, mode ImportMode) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), placeholders)
	if mode != ModeMerge {
		return query
	}

	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}
	var updates []string
	for _, col := range columns {
		if !keySet[col] {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	if len(updates) == 0 {
		return query + " ON CONFLICT(" + strings.Join(keys, ", ") + ") DO NOTHING"
	}
	return query + " ON CONFLICT(" + strings.Join(keys, ", ") +
		") DO UPDATE SET " + strings.Join(updates, ", ")
}

func stringField(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func intField(row map[string]any, key string) int {
	switch v := row[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		var n int
		fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}
