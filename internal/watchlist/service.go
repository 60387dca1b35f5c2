// Package watchlist tracks in-progress series: rows are added from
// webhooks or a bulk library scan, and a refresh pass re-checks each
// watching series against TMDB for air status and the next episode.
package watchlist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/emby"
	"github.com/castflow/castflow/internal/metadata/tmdb"
)

// Entry statuses.
const (
	StatusWatching  = "Watching"
	StatusCompleted = "Completed"
	StatusPaused    = "Paused"
)

var ErrNotFound = errors.New("watchlist entry not found")

// Querier is the db/tx split shared with the other stores.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NextEpisode is the stored next_episode_to_air snapshot.
type NextEpisode struct {
	AirDate       string `json:"air_date"`
	SeasonNumber  int    `json:"season_number"`
	EpisodeNumber int    `json:"episode_number"`
	Name          string `json:"name,omitempty"`
}

// Entry is one watchlist row.
type Entry struct {
	ItemID      string       `json:"itemId"`
	TMDBID      string       `json:"tmdbId"`
	ItemName    string       `json:"itemName"`
	ItemType    string       `json:"itemType"`
	Status      string       `json:"status"`
	TMDBStatus  string       `json:"tmdbStatus"`
	NextEpisode *NextEpisode `json:"nextEpisode,omitempty"`
	PausedUntil string       `json:"pausedUntil,omitempty"`
}

// MediaServer is the slice of the server adapter the watchlist uses.
type MediaServer interface {
	GetLibraries(ctx context.Context) ([]emby.Library, error)
	GetLibraryItems(ctx context.Context, itemTypes string, libraryIDs []string) ([]emby.Item, error)
}

// SeriesCatalog supplies series air status from TMDB.
type SeriesCatalog interface {
	GetTvDetails(ctx context.Context, tvID int) (*tmdb.TVDetails, error)
}

// Report receives coarse progress from long operations; nil is fine.
type Report func(percent int, message string)

func (r Report) emit(percent int, message string) {
	if r != nil {
		r(percent, message)
	}
}

// Service owns the watchlist table and its refresh logic.
type Service struct {
	q       Querier
	server  MediaServer
	catalog SeriesCatalog
	logger  zerolog.Logger
}

// NewService wires the watchlist.
func NewService(db Querier, server MediaServer, catalog SeriesCatalog, logger zerolog.Logger) *Service {
	return &Service{
		q:       db,
		server:  server,
		catalog: catalog,
		logger:  logger.With().Str("component", "watchlist").Logger(),
	}
}

// Add inserts an entry as Watching; existing entries are untouched.
// Returns whether a row was added.
func (s *Service) Add(ctx context.Context, itemID, tmdbID, name string) (bool, error) {
	if itemID == "" || tmdbID == "" || name == "" {
		return false, errors.New("watchlist entry needs item id, tmdb id and name")
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO watchlist (item_id, tmdb_id, item_name, item_type, status)
		VALUES (?, ?, ?, 'Series', 'Watching')`,
		itemID, tmdbID, name)
	if err != nil {
		return false, fmt.Errorf("add watchlist entry %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Str("series", name).Msg("series added to watchlist")
	}
	return n > 0, nil
}

// MaybeAdd adds a webhook item when it is a series with a TMDB id.
func (s *Service) MaybeAdd(ctx context.Context, item *emby.Item) (bool, error) {
	if item == nil || item.Type != "Series" {
		return false, nil
	}
	tmdbID := item.ProviderID("Tmdb")
	if tmdbID == "" {
		return false, nil
	}
	return s.Add(ctx, item.ID, tmdbID, item.Name)
}

// AddAllSeries scans the server's series libraries and adds every
// series carrying a TMDB id. Returns the number of new entries.
func (s *Service) AddAllSeries(ctx context.Context, report Report) (int, error) {
	report.emit(0, "正在获取媒体库列表...")
	libraries, err := s.server.GetLibraries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list libraries: %w", err)
	}
	var libraryIDs []string
	for _, lib := range libraries {
		if lib.CollectionType == "tvshows" || lib.CollectionType == "mixed" {
			libraryIDs = append(libraryIDs, lib.ID)
		}
	}
	if len(libraryIDs) == 0 {
		report.emit(100, "没有找到剧集媒体库")
		return 0, nil
	}

	report.emit(10, "正在从服务器获取所有剧集...")
	series, err := s.server.GetLibraryItems(ctx, "Series", libraryIDs)
	if err != nil {
		return 0, fmt.Errorf("list series: %w", err)
	}

	report.emit(60, fmt.Sprintf("共找到 %d 部剧集，正在写入...", len(series)))
	added := 0
	for _, item := range series {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		tmdbID := item.ProviderID("Tmdb")
		if tmdbID == "" || item.Name == "" {
			continue
		}
		ok, err := s.Add(ctx, item.ID, tmdbID, item.Name)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	report.emit(100, fmt.Sprintf("扫描完成: 共 %d 部剧集，新增 %d 部", len(series), added))
	return added, nil
}

// Refresh re-checks every watching series via TMDB: air status and
// next episode are stored, ended series flip to Completed. An empty
// itemID refreshes everything.
func (s *Service) Refresh(ctx context.Context, itemID string, report Report) error {
	entries, err := s.list(ctx, itemID)
	if err != nil {
		return err
	}

	today := time.Now().Format("2006-01-02")
	total := len(entries)
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if total > 0 {
			report.emit(i*100/total, fmt.Sprintf("(%d/%d) 正在检查: %s", i+1, total, entry.ItemName))
		}
		if entry.Status != StatusWatching {
			continue
		}
		if entry.PausedUntil != "" && entry.PausedUntil > today {
			continue
		}
		if err := s.refreshOne(ctx, entry); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logger.Warn().Err(err).Str("series", entry.ItemName).Msg("watchlist refresh failed")
		}
	}
	report.emit(100, "追剧检查完成")
	return nil
}

func (s *Service) refreshOne(ctx context.Context, entry Entry) error {
	tvID, err := strconv.Atoi(entry.TMDBID)
	if err != nil {
		return fmt.Errorf("entry %s has non-numeric tmdb id %q", entry.ItemName, entry.TMDBID)
	}

	details, err := s.catalog.GetTvDetails(ctx, tvID)
	if err != nil {
		if errors.Is(err, tmdb.ErrNotFound) {
			// TMDB dropped the series; keep the row but stop polling.
			return s.finish(ctx, entry.ItemID, StatusCompleted, "", nil)
		}
		return err
	}

	status := StatusWatching
	if details.Status == "Ended" || details.Status == "Canceled" {
		status = StatusCompleted
	}

	var next *NextEpisode
	if details.NextEpisodeToAir != nil {
		next = &NextEpisode{
			AirDate:       details.NextEpisodeToAir.AirDate,
			SeasonNumber:  details.NextEpisodeToAir.SeasonNumber,
			EpisodeNumber: details.NextEpisodeToAir.EpisodeNumber,
			Name:          details.NextEpisodeToAir.Name,
		}
		// A scheduled episode overrides a stale Ended status.
		status = StatusWatching
	}
	return s.finish(ctx, entry.ItemID, status, details.Status, next)
}

func (s *Service) finish(ctx context.Context, itemID, status, tmdbStatus string, next *NextEpisode) error {
	nextJSON := ""
	if next != nil {
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode next episode: %w", err)
		}
		nextJSON = string(encoded)
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE watchlist SET status = ?, tmdb_status = ?, next_episode_json = ?,
			last_checked_at = CURRENT_TIMESTAMP
		WHERE item_id = ?`,
		status, tmdbStatus, nextJSON, itemID)
	if err != nil {
		return fmt.Errorf("update watchlist entry %s: %w", itemID, err)
	}
	return nil
}

// List returns all entries ordered by name.
func (s *Service) List(ctx context.Context) ([]Entry, error) {
	return s.list(ctx, "")
}

func (s *Service) list(ctx context.Context, itemID string) ([]Entry, error) {
	query := `SELECT item_id, COALESCE(tmdb_id,''), COALESCE(item_name,''),
		COALESCE(item_type,'Series'), COALESCE(status,'Watching'),
		COALESCE(tmdb_status,''), COALESCE(next_episode_json,''),
		COALESCE(paused_until,'')
		FROM watchlist`
	var args []any
	if itemID != "" {
		query += " WHERE item_id = ?"
		args = append(args, itemID)
	}
	query += " ORDER BY item_name"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var nextJSON string
		if err := rows.Scan(&e.ItemID, &e.TMDBID, &e.ItemName, &e.ItemType,
			&e.Status, &e.TMDBStatus, &nextJSON, &e.PausedUntil); err != nil {
			return nil, fmt.Errorf("scan watchlist entry: %w", err)
		}
		if nextJSON != "" {
			var next NextEpisode
			if err := json.Unmarshal([]byte(nextJSON), &next); err == nil {
				e.NextEpisode = &next
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateStatus sets an entry's status by hand.
func (s *Service) UpdateStatus(ctx context.Context, itemID, status string) error {
	switch status {
	case StatusWatching, StatusCompleted, StatusPaused:
	default:
		return fmt.Errorf("unknown watchlist status %q", status)
	}
	res, err := s.q.ExecContext(ctx,
		"UPDATE watchlist SET status = ? WHERE item_id = ?", status, itemID)
	if err != nil {
		return fmt.Errorf("update watchlist status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Pause suppresses refreshes for an entry until the given date.
func (s *Service) Pause(ctx context.Context, itemID string, until time.Time) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE watchlist SET paused_until = ? WHERE item_id = ?",
		until.Format("2006-01-02"), itemID)
	if err != nil {
		return fmt.Errorf("pause watchlist entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes an entry.
func (s *Service) Remove(ctx context.Context, itemID string) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM watchlist WHERE item_id = ?", itemID)
	if err != nil {
		return fmt.Errorf("remove watchlist entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
