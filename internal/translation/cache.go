// Package translation provides cached text translation: a persistent
// cache backed by translation_cache, an AI batch translator and a
// chain of fallback engines.
package translation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// FailedEnginePrefix marks negative cache entries: the text was sent
// out before and came back empty or unchanged.
const FailedEnginePrefix = "failed_"

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Entry is one translation_cache row. A nil Translated with a failed_
// engine is a negative entry.
type Entry struct {
	OriginalText string
	Translated   *string
	EngineUsed   string
}

// Negative reports whether the entry records a known-failed translation.
func (e Entry) Negative() bool {
	return e.Translated == nil || *e.Translated == ""
}

// enginePriority ranks sources when two caches disagree about the same
// text. Hand-entered translations beat AI output, which beats the free
// engines.
var enginePriority = map[string]int{
	"manual":  2,
	"openai":  1,
	"zhipuai": 1,
	"gemini":  1,
}

// PriorityFor returns the merge priority of an engine name.
func PriorityFor(engine string) int {
	return enginePriority[engine]
}

// Cache reads and writes the persistent translation cache.
type Cache struct {
	q      Querier
	logger zerolog.Logger
}

// NewCache creates a cache bound to db.
func NewCache(db Querier, logger zerolog.Logger) *Cache {
	return &Cache{
		q:      db,
		logger: logger.With().Str("component", "translation-cache").Logger(),
	}
}

// WithTx returns a copy of the cache whose statements run on tx.
func (c *Cache) WithTx(tx *sql.Tx) *Cache {
	clone := *c
	clone.q = tx
	return &clone
}

// Get fetches the entry for text. Nil with nil error means no entry.
func (c *Cache) Get(ctx context.Context, text string) (*Entry, error) {
	row := c.q.QueryRowContext(ctx,
		"SELECT original_text, translated_text, COALESCE(engine_used, '') FROM translation_cache WHERE original_text = ?",
		strings.TrimSpace(text))

	var e Entry
	err := row.Scan(&e.OriginalText, &e.Translated, &e.EngineUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get translation for %q: %w", text, err)
	}
	return &e, nil
}

// Save stores a successful translation.
func (c *Cache) Save(ctx context.Context, text, translated, engine string) error {
	return c.put(ctx, text, &translated, engine)
}

// SaveFailure stores a negative entry so the text is not retried. The
// engine name records which engine gave up.
func (c *Cache) SaveFailure(ctx context.Context, text, engine string) error {
	return c.put(ctx, text, nil, FailedEnginePrefix+"or_same_via_"+engine)
}

func (c *Cache) put(ctx context.Context, text string, translated *string, engine string) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO translation_cache (original_text, translated_text, engine_used)
		VALUES (?, ?, ?)
		ON CONFLICT (original_text) DO UPDATE SET
			translated_text = excluded.translated_text,
			engine_used = excluded.engine_used`,
		strings.TrimSpace(text), translated, engine)
	if err != nil {
		return fmt.Errorf("save translation for %q: %w", text, err)
	}
	return nil
}

// Merge applies an entry from another cache (a database import),
// keeping whichever side has the higher engine priority. Ties keep the
// local entry. Returns true when the incoming entry was written.
func (c *Cache) Merge(ctx context.Context, incoming Entry) (bool, error) {
	local, err := c.Get(ctx, incoming.OriginalText)
	if err != nil {
		return false, err
	}
	if local != nil && PriorityFor(local.EngineUsed) >= PriorityFor(incoming.EngineUsed) {
		return false, nil
	}
	if err := c.put(ctx, incoming.OriginalText, incoming.Translated, incoming.EngineUsed); err != nil {
		return false, err
	}
	return true, nil
}

// All streams every cache row. Used by the database export.
func (c *Cache) All(ctx context.Context) ([]Entry, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT original_text, translated_text, COALESCE(engine_used, '') FROM translation_cache ORDER BY original_text")
	if err != nil {
		return nil, fmt.Errorf("list translations: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.OriginalText, &e.Translated, &e.EngineUsed); err != nil {
			return nil, fmt.Errorf("scan translation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of cached entries.
func (c *Cache) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM translation_cache").Scan(&n); err != nil {
		return 0, fmt.Errorf("count translations: %w", err)
	}
	return n, nil
}
