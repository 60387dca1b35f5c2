// Package identity maintains the person identity map: one row per
// physical person, reconciling the media server, TMDB, IMDb and Douban
// IDs under which the catalogs know them.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrEmptyCandidate is returned by Upsert when neither a name nor any
// external ID was provided.
var ErrEmptyCandidate = errors.New("identity candidate has no name and no external ids")

// maxIDLength bounds every external ID column; longer values are
// garbage from a misbehaving upstream and are dropped on normalize.
const maxIDLength = 64

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// letting store methods run standalone or inside a task's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Person is one identity-map row. Zero values encode NULL columns.
type Person struct {
	MapID         int64
	PrimaryName   string
	EmbyPersonID  string
	TMDBPersonID  int
	IMDBID        string
	DoubanID      string
	LastSyncedAt  time.Time
	LastUpdatedAt time.Time
}

// Candidate carries whatever a caller learned about a person from one
// source. Empty fields mean unknown.
type Candidate struct {
	Name     string
	EmbyID   string
	TMDBID   int
	IMDBID   string
	DoubanID string
}

func (c *Candidate) normalize() {
	c.Name = strings.TrimSpace(c.Name)
	c.EmbyID = normalizeID(c.EmbyID)
	c.IMDBID = normalizeID(c.IMDBID)
	c.DoubanID = normalizeID(c.DoubanID)
	if c.TMDBID < 0 {
		c.TMDBID = 0
	}
}

func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > maxIDLength {
		return ""
	}
	return id
}

func (c Candidate) empty() bool {
	return c.Name == "" && c.EmbyID == "" && c.TMDBID == 0 && c.IMDBID == "" && c.DoubanID == ""
}

func (c Candidate) hasAnyID() bool {
	return c.EmbyID != "" || c.TMDBID != 0 || c.IMDBID != "" || c.DoubanID != ""
}

// Store reads and writes person_identity_map rows through q, which is
// either the shared connection or an open transaction.
type Store struct {
	q      Querier
	logger zerolog.Logger
}

// NewStore creates an identity store bound to db.
func NewStore(db Querier, logger zerolog.Logger) *Store {
	return &Store{
		q:      db,
		logger: logger.With().Str("component", "identity").Logger(),
	}
}

// WithTx returns a copy of the store whose statements run on tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	clone := *s
	clone.q = tx
	return &clone
}

const personColumns = `map_id, primary_name,
	COALESCE(emby_person_id, ''), COALESCE(tmdb_person_id, 0),
	COALESCE(imdb_id, ''), COALESCE(douban_celebrity_id, ''),
	last_synced_at, last_updated_at`

func scanPerson(row interface{ Scan(...any) error }) (*Person, error) {
	var p Person
	var synced sql.NullTime
	err := row.Scan(&p.MapID, &p.PrimaryName, &p.EmbyPersonID, &p.TMDBPersonID,
		&p.IMDBID, &p.DoubanID, &synced, &p.LastUpdatedAt)
	if err != nil {
		return nil, err
	}
	// NULL means never enriched; the zero time keeps it obvious.
	p.LastSyncedAt = synced.Time
	return &p, nil
}

// FindByAnyID looks the candidate's IDs up one at a time, TMDB first,
// then server, IMDb, Douban, and returns the first row hit. A nil
// result with nil error means no row matched.
func (s *Store) FindByAnyID(ctx context.Context, c Candidate) (*Person, error) {
	c.normalize()

	type probe struct {
		column string
		value  any
		ok     bool
	}
	probes := []probe{
		{"tmdb_person_id", c.TMDBID, c.TMDBID != 0},
		{"emby_person_id", c.EmbyID, c.EmbyID != ""},
		{"imdb_id", c.IMDBID, c.IMDBID != ""},
		{"douban_celebrity_id", c.DoubanID, c.DoubanID != ""},
	}

	for _, pr := range probes {
		if !pr.ok {
			continue
		}
		query := fmt.Sprintf("SELECT %s FROM person_identity_map WHERE %s = ?", personColumns, pr.column)
		p, err := scanPerson(s.q.QueryRowContext(ctx, query, pr.value))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find person by %s: %w", pr.column, err)
		}
		return p, nil
	}
	return nil, nil
}

// GetByMapID fetches a single row by surrogate key.
func (s *Store) GetByMapID(ctx context.Context, mapID int64) (*Person, error) {
	query := fmt.Sprintf("SELECT %s FROM person_identity_map WHERE map_id = ?", personColumns)
	p, err := scanPerson(s.q.QueryRowContext(ctx, query, mapID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get person %d: %w", mapID, err)
	}
	return p, nil
}

// Upsert reconciles the candidate against existing rows and returns the
// map id that now carries all of the candidate's IDs.
//
// Rows matching any candidate ID are merged into the one with the
// smallest map_id; external IDs are authoritative, so sharing one means
// sharing an identity. With no ID hit, a row with the exact same name
// and no conflicting IDs absorbs the candidate. Otherwise a fresh row
// is inserted.
func (s *Store) Upsert(ctx context.Context, c Candidate) (int64, error) {
	c.normalize()
	if c.empty() {
		return 0, ErrEmptyCandidate
	}

	if c.hasAnyID() {
		matches, err := s.findAllByIDs(ctx, c)
		if err != nil {
			return 0, err
		}
		if len(matches) > 0 {
			return s.mergeInto(ctx, matches, c)
		}
	}

	if c.Name != "" {
		if mapID, ok, err := s.fuseByName(ctx, c); err != nil {
			return 0, err
		} else if ok {
			return mapID, nil
		}
	}

	return s.insert(ctx, c)
}

func (s *Store) findAllByIDs(ctx context.Context, c Candidate) ([]*Person, error) {
	var conds []string
	var args []any
	if c.TMDBID != 0 {
		conds = append(conds, "tmdb_person_id = ?")
		args = append(args, c.TMDBID)
	}
	if c.EmbyID != "" {
		conds = append(conds, "emby_person_id = ?")
		args = append(args, c.EmbyID)
	}
	if c.IMDBID != "" {
		conds = append(conds, "imdb_id = ?")
		args = append(args, c.IMDBID)
	}
	if c.DoubanID != "" {
		conds = append(conds, "douban_celebrity_id = ?")
		args = append(args, c.DoubanID)
	}

	query := fmt.Sprintf("SELECT %s FROM person_identity_map WHERE %s ORDER BY map_id ASC",
		personColumns, strings.Join(conds, " OR "))
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select persons by ids: %w", err)
	}
	defer rows.Close()

	var out []*Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// mergeInto folds every matched row into the one with the smallest
// map_id, fills the survivor from the candidate and the absorbed rows,
// then deletes the absorbed rows.
func (s *Store) mergeInto(ctx context.Context, matches []*Person, c Candidate) (int64, error) {
	sort.Slice(matches, func(i, j int) bool { return matches[i].MapID < matches[j].MapID })
	survivor := matches[0]

	for _, victim := range matches[1:] {
		if survivor.EmbyPersonID == "" {
			survivor.EmbyPersonID = victim.EmbyPersonID
		}
		if survivor.TMDBPersonID == 0 {
			survivor.TMDBPersonID = victim.TMDBPersonID
		}
		if survivor.IMDBID == "" {
			survivor.IMDBID = victim.IMDBID
		}
		if survivor.DoubanID == "" {
			survivor.DoubanID = victim.DoubanID
		}
	}

	if survivor.EmbyPersonID == "" {
		survivor.EmbyPersonID = c.EmbyID
	}
	if survivor.TMDBPersonID == 0 {
		survivor.TMDBPersonID = c.TMDBID
	}
	if survivor.IMDBID == "" {
		survivor.IMDBID = c.IMDBID
	}
	if survivor.DoubanID == "" {
		survivor.DoubanID = c.DoubanID
	}
	if c.Name != "" {
		survivor.PrimaryName = c.Name
	}

	// Delete victims first so the survivor's unique columns are free.
	for _, victim := range matches[1:] {
		if _, err := s.q.ExecContext(ctx, "DELETE FROM person_identity_map WHERE map_id = ?", victim.MapID); err != nil {
			return 0, fmt.Errorf("delete merged person %d: %w", victim.MapID, err)
		}
		s.logger.Debug().
			Int64("survivor", survivor.MapID).
			Int64("merged", victim.MapID).
			Str("name", survivor.PrimaryName).
			Msg("merged duplicate identity rows")
	}

	if err := s.update(ctx, survivor); err != nil {
		return 0, err
	}
	return survivor.MapID, nil
}

// fuseByName finds a same-named row that can safely absorb the
// candidate's IDs. A row that already carries any external ID is
// skipped when the candidate brings IDs of its own: same name plus
// different catalogs is how homonyms look.
func (s *Store) fuseByName(ctx context.Context, c Candidate) (int64, bool, error) {
	query := fmt.Sprintf("SELECT %s FROM person_identity_map WHERE primary_name = ? ORDER BY map_id ASC", personColumns)
	rows, err := s.q.QueryContext(ctx, query, c.Name)
	if err != nil {
		return 0, false, fmt.Errorf("select persons by name: %w", err)
	}
	defer rows.Close()

	var fuseable *Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return 0, false, fmt.Errorf("scan person: %w", err)
		}
		rowHasID := p.EmbyPersonID != "" || p.TMDBPersonID != 0 || p.IMDBID != "" || p.DoubanID != ""
		if c.hasAnyID() && rowHasID {
			continue
		}
		fuseable = p
		break
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}
	// Release the connection before writing: with MaxOpenConns(1) the
	// open cursor would otherwise block the update below forever.
	rows.Close()
	if fuseable == nil {
		return 0, false, nil
	}

	if fuseable.EmbyPersonID == "" {
		fuseable.EmbyPersonID = c.EmbyID
	}
	if fuseable.TMDBPersonID == 0 {
		fuseable.TMDBPersonID = c.TMDBID
	}
	if fuseable.IMDBID == "" {
		fuseable.IMDBID = c.IMDBID
	}
	if fuseable.DoubanID == "" {
		fuseable.DoubanID = c.DoubanID
	}
	if err := s.update(ctx, fuseable); err != nil {
		return 0, false, err
	}
	return fuseable.MapID, true, nil
}

func (s *Store) insert(ctx context.Context, c Candidate) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO person_identity_map
			(primary_name, emby_person_id, tmdb_person_id, imdb_id, douban_celebrity_id, last_updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		c.Name, nullStr(c.EmbyID), nullInt(c.TMDBID), nullStr(c.IMDBID), nullStr(c.DoubanID))
	if err != nil {
		return 0, fmt.Errorf("insert person %q: %w", c.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert person %q: %w", c.Name, err)
	}
	return id, nil
}

func (s *Store) update(ctx context.Context, p *Person) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE person_identity_map
		SET primary_name = ?, emby_person_id = ?, tmdb_person_id = ?,
		    imdb_id = ?, douban_celebrity_id = ?, last_updated_at = CURRENT_TIMESTAMP
		WHERE map_id = ?`,
		p.PrimaryName, nullStr(p.EmbyPersonID), nullInt(p.TMDBPersonID),
		nullStr(p.IMDBID), nullStr(p.DoubanID), p.MapID)
	if err != nil {
		return fmt.Errorf("update person %d: %w", p.MapID, err)
	}
	return nil
}

// Delete removes a row outright. Used by the enricher when TMDB reports
// the person id as gone.
func (s *Store) Delete(ctx context.Context, mapID int64) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM person_identity_map WHERE map_id = ?", mapID); err != nil {
		return fmt.Errorf("delete person %d: %w", mapID, err)
	}
	return nil
}

// TouchSynced stamps last_synced_at on the given rows.
func (s *Store) TouchSynced(ctx context.Context, mapIDs []int64) error {
	for _, id := range mapIDs {
		if _, err := s.q.ExecContext(ctx,
			"UPDATE person_identity_map SET last_synced_at = CURRENT_TIMESTAMP WHERE map_id = ?", id); err != nil {
			return fmt.Errorf("touch person %d: %w", id, err)
		}
	}
	return nil
}

// ListMissingIMDBByTMDB returns up to limit rows that have a TMDB id
// but no IMDb id and were last synced before cutoff.
func (s *Store) ListMissingIMDBByTMDB(ctx context.Context, cutoff time.Time, limit int) ([]*Person, error) {
	return s.listMissingIMDB(ctx, "tmdb_person_id", cutoff, limit)
}

// ListMissingIMDBByDouban returns up to limit rows that have a Douban
// id but no IMDb id and were last synced before cutoff.
func (s *Store) ListMissingIMDBByDouban(ctx context.Context, cutoff time.Time, limit int) ([]*Person, error) {
	return s.listMissingIMDB(ctx, "douban_celebrity_id", cutoff, limit)
}

func (s *Store) listMissingIMDB(ctx context.Context, idColumn string, cutoff time.Time, limit int) ([]*Person, error) {
	// CURRENT_TIMESTAMP is UTC "YYYY-MM-DD HH:MM:SS"; compare as text in
	// the same layout so mixed writers stay comparable.
	query := fmt.Sprintf(`
		SELECT %s FROM person_identity_map
		WHERE %s IS NOT NULL AND imdb_id IS NULL
		  AND (last_synced_at IS NULL OR last_synced_at < ?)
		ORDER BY map_id ASC LIMIT ?`, personColumns, idColumn)
	rows, err := s.q.QueryContext(ctx, query, cutoff.UTC().Format("2006-01-02 15:04:05"), limit)
	if err != nil {
		return nil, fmt.Errorf("list persons missing imdb: %w", err)
	}
	defer rows.Close()

	var out []*Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearEmbyIDs nulls every emby_person_id. Part of the rebuild
// workflow, after the server-side person purge.
func (s *Store) ClearEmbyIDs(ctx context.Context) (int64, error) {
	res, err := s.q.ExecContext(ctx, "UPDATE person_identity_map SET emby_person_id = NULL WHERE emby_person_id IS NOT NULL")
	if err != nil {
		return 0, fmt.Errorf("clear emby ids: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of identity rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM person_identity_map").Scan(&n); err != nil {
		return 0, fmt.Errorf("count persons: %w", err)
	}
	return n, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}
