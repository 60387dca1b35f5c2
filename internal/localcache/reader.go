// Package localcache reads the sidecar metadata tree maintained by the
// external scraper: TMDB JSON mirrors under cache/tmdb-movies2 and
// cache/tmdb-tv, Douban scrape results under cache/douban-movies and
// cache/douban-tv. The tree is read-only to this system.
package localcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ErrCacheMiss marks a required sidecar file that is absent or
// unreadable. Items hitting it go to the failed log, not the retry
// path.
var ErrCacheMiss = errors.New("local cache file missing")

// Directory names inside <root>/cache and <root>/override.
const (
	TMDBMovieDir   = "tmdb-movies2"
	TMDBTVDir      = "tmdb-tv"
	DoubanMovieDir = "douban-movies"
	DoubanTVDir    = "douban-tv"
)

// TMDBDirFor maps an item type to its TMDB cache directory.
func TMDBDirFor(itemType string) string {
	if itemType == "Series" {
		return TMDBTVDir
	}
	return TMDBMovieDir
}

// DoubanDirFor maps an item type to its Douban cache directory.
func DoubanDirFor(itemType string) string {
	if itemType == "Series" {
		return DoubanTVDir
	}
	return DoubanMovieDir
}

var seasonFileRe = regexp.MustCompile(`^season(?:-\d+)?(?:-episode-\d+)?\.json$`)

// Reader resolves and parses sidecar JSON files under one root.
type Reader struct {
	root   string
	logger zerolog.Logger
}

// NewReader creates a reader over <root>/cache.
func NewReader(root string, logger zerolog.Logger) *Reader {
	return &Reader{
		root:   root,
		logger: logger.With().Str("component", "localcache").Logger(),
	}
}

// Root returns the localdata root path.
func (r *Reader) Root() string {
	return r.root
}

// CachePath returns <root>/cache/<dir>/<tmdbID>.
func (r *Reader) CachePath(dir, tmdbID string) string {
	return filepath.Join(r.root, "cache", dir, tmdbID)
}

// ReadJSON parses one sidecar file into a generic map, preserving all
// fields for the override writer's clone-and-replace.
func ReadJSON(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCacheMiss, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrCacheMiss, path)
	}
	return out, nil
}

// MovieJSON reads a movie's all.json.
func (r *Reader) MovieJSON(tmdbID string) (map[string]any, error) {
	return ReadJSON(filepath.Join(r.CachePath(TMDBMovieDir, tmdbID), "all.json"))
}

// SeriesJSON reads a series' series.json.
func (r *Reader) SeriesJSON(tmdbID string) (map[string]any, error) {
	return ReadJSON(filepath.Join(r.CachePath(TMDBTVDir, tmdbID), "series.json"))
}

// SeasonFile is one season-*.json or season-*-episode-*.json sidecar.
type SeasonFile struct {
	Name string
	Data map[string]any
}

// SeasonFiles lists a series' per-season and per-episode sidecars in
// stable name order. A missing directory returns an empty slice: not
// every series has per-season files.
func (r *Reader) SeasonFiles(tmdbID string) ([]SeasonFile, error) {
	dir := r.CachePath(TMDBTVDir, tmdbID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache dir %s: %w", dir, err)
	}

	var out []SeasonFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !seasonFileRe.MatchString(name) || name == "series.json" {
			continue
		}
		data, err := ReadJSON(filepath.Join(dir, name))
		if err != nil {
			r.logger.Warn().Err(err).Str("file", name).Msg("skipping unreadable season sidecar")
			continue
		}
		out = append(out, SeasonFile{Name: name, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CastFromJSON pulls the cast array out of a sidecar: casts.cast for
// movies, credits.cast for series and episodes.
func CastFromJSON(data map[string]any) []map[string]any {
	for _, outer := range []string{"casts", "credits"} {
		section, ok := data[outer].(map[string]any)
		if !ok {
			continue
		}
		rawCast, ok := section["cast"].([]any)
		if !ok {
			continue
		}
		out := make([]map[string]any, 0, len(rawCast))
		for _, entry := range rawCast {
			if m, ok := entry.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// DoubanCastEntry is one actor from a scraped Douban sidecar.
type DoubanCastEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	OriginalName string `json:"original_name"`
	Character    string `json:"character"`
}

// FindDoubanCast locates a Douban sidecar by IMDb id first (directory
// name contains it), then by Douban id (directory named <id>_*), and
// returns its actors list. Nil without error means no sidecar.
func (r *Reader) FindDoubanCast(imdbID, doubanID, itemType string) ([]DoubanCastEntry, error) {
	dir := filepath.Join(r.root, "cache", DoubanDirFor(itemType))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read douban cache dir: %w", err)
	}

	match := ""
	if imdbID != "" {
		for _, entry := range entries {
			name := entry.Name()
			// 0_ prefixed dirs are failed scrapes.
			if !entry.IsDir() || strings.HasPrefix(name, "0_") {
				continue
			}
			if strings.Contains(name, imdbID) {
				match = name
				break
			}
		}
	}
	if match == "" && doubanID != "" {
		for _, entry := range entries {
			if entry.IsDir() && strings.HasPrefix(entry.Name(), doubanID+"_") {
				match = entry.Name()
				break
			}
		}
	}
	if match == "" {
		return nil, nil
	}

	files, err := os.ReadDir(filepath.Join(dir, match))
	if err != nil {
		return nil, fmt.Errorf("read douban sidecar dir: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, match, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("read douban sidecar: %w", err)
		}
		// The scraper stores the cast under "actors".
		var payload struct {
			Actors []DoubanCastEntry `json:"actors"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			r.logger.Warn().Str("file", f.Name()).Msg("invalid douban sidecar, ignoring")
			return nil, nil
		}
		r.logger.Debug().Str("dir", match).Int("actors", len(payload.Actors)).Msg("using local douban sidecar")
		return payload.Actors, nil
	}
	return nil, nil
}

// AggregateTVCast merges a series' cast across series.json and every
// season/episode sidecar, de-duplicated by TMDB person id with the
// first-seen order kept. Feeds the manual editor, which wants the
// complete ensemble rather than the root-level six.
func (r *Reader) AggregateTVCast(tmdbID string) ([]map[string]any, error) {
	series, err := r.SeriesJSON(tmdbID)
	if err != nil {
		return nil, err
	}

	seen := make(map[float64]bool)
	var out []map[string]any
	add := func(cast []map[string]any) {
		for _, member := range cast {
			id, ok := member["id"].(float64)
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, member)
		}
	}

	add(CastFromJSON(series))
	seasons, err := r.SeasonFiles(tmdbID)
	if err != nil {
		return nil, err
	}
	for _, sf := range seasons {
		add(CastFromJSON(sf.Data))
	}
	return out, nil
}
