package collections

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/emby"
)

// LibrarySource lists libraries and pages their items.
type LibrarySource interface {
	GetLibraries(ctx context.Context) ([]emby.Library, error)
	GetLibraryItems(ctx context.Context, itemTypes string, libraryIDs []string) ([]emby.Item, error)
}

// SidecarReader reads the cached TMDB JSON for one title. The server
// item carries everything except countries, which only live in the
// sidecar's production_countries.
type SidecarReader interface {
	MovieJSON(tmdbID string) (map[string]any, error)
	SeriesJSON(tmdbID string) (map[string]any, error)
}

// MetadataSync fills the media_metadata table the filter engine
// queries: one row per library movie or series, swept for items that
// left the library since the last run.
type MetadataSync struct {
	store     *Store
	server    LibrarySource
	local     SidecarReader
	blacklist map[string]bool
	logger    zerolog.Logger
}

// NewMetadataSync wires the metadata populator. blacklist is the
// comma-separated library-name list from the config.
func NewMetadataSync(store *Store, server LibrarySource, local SidecarReader, blacklist string, logger zerolog.Logger) *MetadataSync {
	skip := make(map[string]bool)
	for _, name := range strings.Split(blacklist, ",") {
		if name = strings.TrimSpace(name); name != "" {
			skip[name] = true
		}
	}
	return &MetadataSync{
		store:     store,
		server:    server,
		local:     local,
		blacklist: skip,
		logger:    logger.With().Str("component", "metadata-sync").Logger(),
	}
}

// Run snapshots every movie and series library into media_metadata and
// marks rows untouched by this pass as out of the library.
func (m *MetadataSync) Run(ctx context.Context, report Report) (int, error) {
	start := time.Now()
	report.emit(0, "正在从媒体服务器获取媒体列表...")

	libraries, err := m.server.GetLibraries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list libraries: %w", err)
	}
	var libraryIDs []string
	for _, lib := range libraries {
		if m.blacklist[lib.Name] {
			continue
		}
		switch lib.CollectionType {
		case "movies", "tvshows", "mixed", "":
			libraryIDs = append(libraryIDs, lib.ID)
		}
	}
	if len(libraryIDs) == 0 {
		report.emit(100, "没有可同步的媒体库")
		return 0, nil
	}

	items, err := m.server.GetLibraryItems(ctx, "Movie,Series", libraryIDs)
	if err != nil {
		return 0, fmt.Errorf("list library items: %w", err)
	}

	total := len(items)
	synced := 0
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		if total > 0 && i%50 == 0 {
			report.emit(10+int(float64(i)/float64(total)*80), fmt.Sprintf("(%d/%d) 提取: %s", i+1, total, item.Name))
		}

		tmdbID := item.ProviderID(emby.ProviderTmdb)
		if tmdbID == "" || (item.Type != "Movie" && item.Type != "Series") {
			continue
		}
		row := m.rowFromItem(&item, tmdbID)
		if err := m.store.UpsertMedia(ctx, row); err != nil {
			return synced, err
		}
		synced++
	}

	report.emit(95, "正在清理已离库的条目...")
	removed, err := m.store.MarkMediaAbsentBefore(ctx, start)
	if err != nil {
		return synced, err
	}
	m.logger.Info().Int("synced", synced).Int64("removed", removed).Msg("media metadata synced")
	report.emit(100, fmt.Sprintf("元数据同步完成，共处理 %d 条", synced))
	return synced, nil
}

// SnapshotItem upserts a single item's metadata row and returns it.
// The webhook uses this so new arrivals are filterable immediately,
// without waiting for the next full sync.
func (m *MetadataSync) SnapshotItem(ctx context.Context, item *emby.Item) (MediaRow, bool, error) {
	tmdbID := item.ProviderID(emby.ProviderTmdb)
	if tmdbID == "" || (item.Type != "Movie" && item.Type != "Series") {
		return MediaRow{}, false, nil
	}
	row := m.rowFromItem(item, tmdbID)
	if err := m.store.UpsertMedia(ctx, row); err != nil {
		return MediaRow{}, false, err
	}
	return row, true, nil
}

func (m *MetadataSync) rowFromItem(item *emby.Item, tmdbID string) MediaRow {
	row := MediaRow{
		TMDBID:        tmdbID,
		ItemType:      item.Type,
		Title:         item.Name,
		OriginalTitle: item.OriginalTitle,
		ReleaseYear:   item.ProductionYear,
		Rating:        item.CommunityRating,
		ReleaseDate:   datePart(item.PremiereDate),
		DateAdded:     datePart(item.DateCreated),
		Genres:        item.Genres,
		Countries:     m.countriesFor(tmdbID, item.Type),
		InLibrary:     true,
	}
	for _, studio := range item.Studios {
		row.Studios = append(row.Studios, studio.Name)
	}
	for _, person := range item.People {
		switch person.Type {
		case "Actor":
			row.Actors = append(row.Actors, person.Name)
		case "Director":
			row.Directors = append(row.Directors, person.Name)
		}
	}
	return row
}

// countriesFor reads production_countries from the local TMDB sidecar.
// A missing sidecar just leaves countries empty.
func (m *MetadataSync) countriesFor(tmdbID, itemType string) []string {
	var data map[string]any
	var err error
	if itemType == "Movie" {
		data, err = m.local.MovieJSON(tmdbID)
	} else {
		data, err = m.local.SeriesJSON(tmdbID)
	}
	if err != nil || data == nil {
		return nil
	}

	raw, _ := data["production_countries"].([]any)
	var countries []string
	for _, entry := range raw {
		if country, ok := entry.(map[string]any); ok {
			if name, _ := country["name"].(string); name != "" {
				countries = append(countries, name)
			}
		}
	}
	return countries
}

func datePart(timestamp string) string {
	if len(timestamp) >= 10 {
		return timestamp[:10]
	}
	return timestamp
}
