// Package collections maintains the library's collection features:
// the local media-metadata cache the filter engine queries, info rows
// mirroring the server's native boxsets, and custom collections driven
// by imported lists or filter rules.
package collections

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Member statuses tracked for list-sourced collections.
const (
	StatusInLibrary  = "in_library"
	StatusMissing    = "missing"
	StatusSubscribed = "subscribed"
	StatusUnreleased = "unreleased"
)

var ErrNotFound = errors.New("collection not found")

// Querier is the db/tx split shared with the other stores.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MediaRow is one library item's filterable metadata.
type MediaRow struct {
	TMDBID        string   `json:"tmdbId"`
	ItemType      string   `json:"itemType"`
	Title         string   `json:"title"`
	OriginalTitle string   `json:"originalTitle"`
	ReleaseYear   int      `json:"releaseYear"`
	Rating        float64  `json:"rating"`
	ReleaseDate   string   `json:"releaseDate"`
	DateAdded     string   `json:"dateAdded"`
	Genres        []string `json:"genres"`
	Actors        []string `json:"actors"`
	Directors     []string `json:"directors"`
	Studios       []string `json:"studios"`
	Countries     []string `json:"countries"`
	InLibrary     bool     `json:"inLibrary"`
}

// Member is one entry of a list-sourced collection's snapshot.
type Member struct {
	TMDBID      int    `json:"tmdb_id"`
	Title       string `json:"title"`
	ReleaseDate string `json:"release_date"`
	PosterPath  string `json:"poster_path,omitempty"`
	Status      string `json:"status"`
	EmbyItemID  string `json:"emby_item_id,omitempty"`
}

// Info mirrors one native server boxset.
type Info struct {
	EmbyCollectionID string    `json:"embyCollectionId"`
	Name             string    `json:"name"`
	TMDBCollectionID string    `json:"tmdbCollectionId"`
	ItemType         string    `json:"itemType"`
	Status           string    `json:"status"`
	HasMissing       bool      `json:"hasMissing"`
	Members          []Member  `json:"members"`
	PosterPath       string    `json:"posterPath"`
	InLibraryCount   int       `json:"inLibraryCount"`
	LastCheckedAt    time.Time `json:"lastCheckedAt"`
}

// Custom is one custom collection row. Definition stays raw: the
// filter engine and the importer parse it by Type.
type Custom struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"` // "list" | "filter"
	Definition     json.RawMessage `json:"definition"`
	Status         string          `json:"status"`
	EmbyID         string          `json:"embyCollectionId"`
	ItemType       string          `json:"itemType"`
	HealthStatus   string          `json:"healthStatus"`
	InLibraryCount int             `json:"inLibraryCount"`
	MissingCount   int             `json:"missingCount"`
	Members        []Member        `json:"members"`
	PosterPath     string          `json:"posterPath"`
	SortOrder      int             `json:"sortOrder"`
}

// Store bundles the three collection tables behind one querier.
type Store struct {
	q      Querier
	logger zerolog.Logger
}

// NewStore creates a collections store bound to db.
func NewStore(db Querier, logger zerolog.Logger) *Store {
	return &Store{
		q:      db,
		logger: logger.With().Str("component", "collections").Logger(),
	}
}

// WithTx returns a copy running on tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	clone := *s
	clone.q = tx
	return &clone
}

// --- media_metadata ---

// UpsertMedia writes one media row, replacing any previous snapshot.
func (s *Store) UpsertMedia(ctx context.Context, row MediaRow) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO media_metadata
			(tmdb_id, item_type, title, original_title, release_year, rating,
			 release_date, date_added, genres_json, actors_json, directors_json,
			 studios_json, countries_json, in_library, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (tmdb_id, item_type) DO UPDATE SET
			title = excluded.title,
			original_title = excluded.original_title,
			release_year = excluded.release_year,
			rating = excluded.rating,
			release_date = excluded.release_date,
			date_added = excluded.date_added,
			genres_json = excluded.genres_json,
			actors_json = excluded.actors_json,
			directors_json = excluded.directors_json,
			studios_json = excluded.studios_json,
			countries_json = excluded.countries_json,
			in_library = excluded.in_library,
			last_synced_at = CURRENT_TIMESTAMP`,
		row.TMDBID, row.ItemType, row.Title, row.OriginalTitle, row.ReleaseYear, row.Rating,
		row.ReleaseDate, row.DateAdded, jsonList(row.Genres), jsonList(row.Actors),
		jsonList(row.Directors), jsonList(row.Studios), jsonList(row.Countries), boolInt(row.InLibrary))
	if err != nil {
		return fmt.Errorf("upsert media %s/%s: %w", row.ItemType, row.TMDBID, err)
	}
	return nil
}

// MarkMediaAbsentBefore flags rows not refreshed since the cutoff as
// out of library. The populate task stamps everything it sees, so the
// leftovers are items that vanished.
func (s *Store) MarkMediaAbsentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		"UPDATE media_metadata SET in_library = 0 WHERE last_synced_at < ?",
		cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("mark absent media: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListMedia returns the in-library rows, optionally narrowed by type.
func (s *Store) ListMedia(ctx context.Context, itemType string) ([]MediaRow, error) {
	query := `SELECT tmdb_id, item_type, COALESCE(title,''), COALESCE(original_title,''),
		COALESCE(release_year,0), COALESCE(rating,0), COALESCE(release_date,''),
		COALESCE(date_added,''), COALESCE(genres_json,'[]'), COALESCE(actors_json,'[]'),
		COALESCE(directors_json,'[]'), COALESCE(studios_json,'[]'), COALESCE(countries_json,'[]'),
		in_library
		FROM media_metadata WHERE in_library = 1`
	var args []any
	if itemType != "" {
		query += " AND item_type = ?"
		args = append(args, itemType)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list media metadata: %w", err)
	}
	defer rows.Close()

	var out []MediaRow
	for rows.Next() {
		var r MediaRow
		var genres, actors, directors, studios, countries string
		var inLib int
		if err := rows.Scan(&r.TMDBID, &r.ItemType, &r.Title, &r.OriginalTitle,
			&r.ReleaseYear, &r.Rating, &r.ReleaseDate, &r.DateAdded,
			&genres, &actors, &directors, &studios, &countries, &inLib); err != nil {
			return nil, fmt.Errorf("scan media row: %w", err)
		}
		r.Genres = parseList(genres)
		r.Actors = parseList(actors)
		r.Directors = parseList(directors)
		r.Studios = parseList(studios)
		r.Countries = parseList(countries)
		r.InLibrary = inLib != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// LibraryTMDBIDs returns the set of in-library TMDB ids per item type.
func (s *Store) LibraryTMDBIDs(ctx context.Context, itemType string) (map[string]bool, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT tmdb_id FROM media_metadata WHERE in_library = 1 AND item_type = ?", itemType)
	if err != nil {
		return nil, fmt.Errorf("list library tmdb ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tmdb id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// --- collections_info ---

// SaveInfo upserts one native-collection snapshot.
func (s *Store) SaveInfo(ctx context.Context, info Info) error {
	members, err := json.Marshal(info.Members)
	if err != nil {
		return fmt.Errorf("encode collection members: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO collections_info
			(emby_collection_id, name, tmdb_collection_id, item_type, status,
			 has_missing, missing_movies_json, poster_path, in_library_count, last_checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (emby_collection_id) DO UPDATE SET
			name = excluded.name,
			tmdb_collection_id = excluded.tmdb_collection_id,
			item_type = excluded.item_type,
			status = excluded.status,
			has_missing = excluded.has_missing,
			missing_movies_json = excluded.missing_movies_json,
			poster_path = excluded.poster_path,
			in_library_count = excluded.in_library_count,
			last_checked_at = CURRENT_TIMESTAMP`,
		info.EmbyCollectionID, info.Name, info.TMDBCollectionID, info.ItemType, info.Status,
		boolInt(info.HasMissing), string(members), info.PosterPath, info.InLibraryCount)
	if err != nil {
		return fmt.Errorf("save collection info %s: %w", info.Name, err)
	}
	return nil
}

// GetInfo fetches one native-collection snapshot; nil when absent.
func (s *Store) GetInfo(ctx context.Context, embyCollectionID string) (*Info, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT emby_collection_id, COALESCE(name,''), COALESCE(tmdb_collection_id,''),
		       COALESCE(item_type,'Movie'), COALESCE(status,''), has_missing,
		       COALESCE(missing_movies_json,'[]'), COALESCE(poster_path,''),
		       in_library_count
		FROM collections_info WHERE emby_collection_id = ?`, embyCollectionID)
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return info, err
}

// ListInfo returns every native-collection snapshot.
func (s *Store) ListInfo(ctx context.Context) ([]Info, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT emby_collection_id, COALESCE(name,''), COALESCE(tmdb_collection_id,''),
		       COALESCE(item_type,'Movie'), COALESCE(status,''), has_missing,
		       COALESCE(missing_movies_json,'[]'), COALESCE(poster_path,''),
		       in_library_count
		FROM collections_info ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list collection info: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, rows.Err()
}

// PruneInfo deletes snapshots whose boxset vanished from the server.
func (s *Store) PruneInfo(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		res, err := s.q.ExecContext(ctx, "DELETE FROM collections_info")
		if err != nil {
			return 0, fmt.Errorf("prune collection info: %w", err)
		}
		n, _ := res.RowsAffected()
		return n, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",")
	args := make([]any, len(keep))
	for i, id := range keep {
		args[i] = id
	}
	res, err := s.q.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM collections_info WHERE emby_collection_id NOT IN (%s)", placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("prune collection info: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanInfo(row interface{ Scan(...any) error }) (*Info, error) {
	var info Info
	var hasMissing int
	var members string
	err := row.Scan(&info.EmbyCollectionID, &info.Name, &info.TMDBCollectionID,
		&info.ItemType, &info.Status, &hasMissing, &members,
		&info.PosterPath, &info.InLibraryCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan collection info: %w", err)
	}
	info.HasMissing = hasMissing != 0
	if err := json.Unmarshal([]byte(members), &info.Members); err != nil {
		info.Members = nil
	}
	return &info, nil
}

// --- custom_collections ---

// CreateCustom inserts a custom collection and returns its id.
func (s *Store) CreateCustom(ctx context.Context, c Custom) (int64, error) {
	if c.ItemType == "" {
		c.ItemType = "Movie"
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO custom_collections (name, type, definition_json, status, item_type, sort_order)
		VALUES (?, ?, ?, COALESCE(NULLIF(?,''),'active'), ?, ?)`,
		c.Name, c.Type, string(c.Definition), c.Status, c.ItemType, c.SortOrder)
	if err != nil {
		return 0, fmt.Errorf("create custom collection %q: %w", c.Name, err)
	}
	return res.LastInsertId()
}

// UpdateCustomDefinition rewrites a collection's name and rules.
func (s *Store) UpdateCustomDefinition(ctx context.Context, id int64, name string, definition json.RawMessage, itemType string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE custom_collections SET name = ?, definition_json = ?, item_type = ? WHERE id = ?`,
		name, string(definition), itemType, id)
	if err != nil {
		return fmt.Errorf("update custom collection %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCustomResult stores one refresh outcome.
func (s *Store) SaveCustomResult(ctx context.Context, id int64, embyID, health string, inLibrary, missing int, members []Member, posterPath string) error {
	encoded, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("encode custom members: %w", err)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE custom_collections SET
			emby_collection_id = ?, health_status = ?, in_library_count = ?,
			missing_count = ?, generated_media_info_json = ?, poster_path = ?,
			last_synced_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		embyID, health, inLibrary, missing, string(encoded), posterPath, id)
	if err != nil {
		return fmt.Errorf("save custom collection result %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCustom fetches one custom collection.
func (s *Store) GetCustom(ctx context.Context, id int64) (*Custom, error) {
	row := s.q.QueryRowContext(ctx, customColumns+" WHERE id = ?", id)
	c, err := scanCustom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListCustom returns all custom collections ordered for display.
func (s *Store) ListCustom(ctx context.Context) ([]Custom, error) {
	rows, err := s.q.QueryContext(ctx, customColumns+" ORDER BY sort_order, id")
	if err != nil {
		return nil, fmt.Errorf("list custom collections: %w", err)
	}
	defer rows.Close()

	var out []Custom
	for rows.Next() {
		c, err := scanCustom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteCustom removes a custom collection row. The server-side boxset
// is left alone; the user may keep it.
func (s *Store) DeleteCustom(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM custom_collections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete custom collection %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const customColumns = `SELECT id, name, type, definition_json, COALESCE(status,'active'),
	COALESCE(emby_collection_id,''), COALESCE(item_type,'Movie'),
	COALESCE(health_status,''), in_library_count, missing_count,
	COALESCE(generated_media_info_json,'[]'), COALESCE(poster_path,''), sort_order
	FROM custom_collections`

func scanCustom(row interface{ Scan(...any) error }) (*Custom, error) {
	var c Custom
	var definition, members string
	err := row.Scan(&c.ID, &c.Name, &c.Type, &definition, &c.Status, &c.EmbyID,
		&c.ItemType, &c.HealthStatus, &c.InLibraryCount, &c.MissingCount,
		&members, &c.PosterPath, &c.SortOrder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan custom collection: %w", err)
	}
	c.Definition = json.RawMessage(definition)
	if err := json.Unmarshal([]byte(members), &c.Members); err != nil {
		c.Members = nil
	}
	return &c, nil
}

func jsonList(values []string) string {
	if values == nil {
		values = []string{}
	}
	encoded, _ := json.Marshal(values)
	return string(encoded)
}

func parseList(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
