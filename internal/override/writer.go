// Package override writes the side-load metadata the media server
// prefers over its own scraped data: per-item JSON files cloned from
// the local TMDB cache with the cast array replaced, plus synced
// images. All writes are atomic (tmp file then rename).
package override

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/cast"
	"github.com/castflow/castflow/internal/localcache"
)

// Writer owns the <root>/override tree.
type Writer struct {
	root   string
	logger zerolog.Logger
}

// NewWriter creates a writer rooted at the localdata path.
func NewWriter(root string, logger zerolog.Logger) *Writer {
	return &Writer{
		root:   root,
		logger: logger.With().Str("component", "override").Logger(),
	}
}

// ItemDir returns <root>/override/<dir>/<tmdbID>.
func (w *Writer) ItemDir(itemType, tmdbID string) string {
	return filepath.Join(w.root, "override", localcache.TMDBDirFor(itemType), tmdbID)
}

// writeJSON writes data atomically: a .tmp sibling is renamed into
// place so the server never reads a half-written file.
func (w *Writer) writeJSON(path string, data map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create override dir: %w", err)
	}

	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode override %s: %w", path, err)
	}

	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.New().String()[:8])
	if err := os.WriteFile(tmp, payload, 0o640); err != nil {
		return fmt.Errorf("write override temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename override into place: %w", err)
	}
	return nil
}

// withCast deep-clones source and replaces the cast array under the
// given section ("casts" for movies, "credits" for series). Every
// other field of the source cache JSON is preserved verbatim.
func withCast(source map[string]any, section string, records []cast.Record) (map[string]any, error) {
	raw, err := json.Marshal(source)
	if err != nil {
		return nil, fmt.Errorf("clone source json: %w", err)
	}
	var clone map[string]any
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, fmt.Errorf("clone source json: %w", err)
	}

	castJSON, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode cast records: %w", err)
	}
	var castAny []any
	if err := json.Unmarshal(castJSON, &castAny); err != nil {
		return nil, fmt.Errorf("encode cast records: %w", err)
	}

	sec, ok := clone[section].(map[string]any)
	if !ok {
		sec = map[string]any{}
		clone[section] = sec
	}
	sec["cast"] = castAny
	return clone, nil
}

// WriteMovie writes the movie's all.json with casts.cast replaced.
func (w *Writer) WriteMovie(tmdbID string, source map[string]any, records []cast.Record) error {
	data, err := withCast(source, "casts", records)
	if err != nil {
		return err
	}
	path := filepath.Join(w.ItemDir("Movie", tmdbID), "all.json")
	if err := w.writeJSON(path, data); err != nil {
		return err
	}
	w.logger.Debug().Str("tmdb", tmdbID).Int("cast", len(records)).Msg("wrote movie override")
	return nil
}

// WriteSeries writes the series' series.json with credits.cast
// replaced. When processEpisodes is set, the same final cast is
// mirrored into every season and episode sidecar found in the source
// cache.
func (w *Writer) WriteSeries(tmdbID string, source map[string]any, records []cast.Record, seasonFiles []localcache.SeasonFile, processEpisodes bool) error {
	data, err := withCast(source, "credits", records)
	if err != nil {
		return err
	}
	dir := w.ItemDir("Series", tmdbID)
	if err := w.writeJSON(filepath.Join(dir, "series.json"), data); err != nil {
		return err
	}

	if processEpisodes {
		for _, sf := range seasonFiles {
			mirrored, err := withCast(sf.Data, "credits", records)
			if err != nil {
				return err
			}
			if err := w.writeJSON(filepath.Join(dir, sf.Name), mirrored); err != nil {
				return err
			}
		}
	}

	w.logger.Debug().
		Str("tmdb", tmdbID).
		Int("cast", len(records)).
		Int("mirrored", len(seasonFiles)).
		Bool("episodes", processEpisodes).
		Msg("wrote series override")
	return nil
}

// ReadBack parses a previously written override file. Used by tests
// and the review UI preview.
func (w *Writer) ReadBack(itemType, tmdbID, name string) (map[string]any, error) {
	return localcache.ReadJSON(filepath.Join(w.ItemDir(itemType, tmdbID), name))
}
