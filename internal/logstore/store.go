// Package logstore persists the per-item outcome logs: processed items
// with their quality score, failed items with a human-readable reason.
// An item lives in exactly one of the two logs at any time.
package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ProcessedEntry is one processed_log row.
type ProcessedEntry struct {
	ItemID      string    `json:"itemId"`
	ItemName    string    `json:"itemName"`
	Score       float64   `json:"score"`
	ProcessedAt time.Time `json:"processedAt"`
}

// FailedEntry is one failed_log row.
type FailedEntry struct {
	ItemID       string    `json:"itemId"`
	ItemName     string    `json:"itemName"`
	ItemType     string    `json:"itemType"`
	ErrorMessage string    `json:"errorMessage"`
	Score        float64   `json:"score"`
	FailedAt     time.Time `json:"failedAt"`
}

// Store reads and writes the outcome logs.
type Store struct {
	q      Querier
	logger zerolog.Logger
}

// NewStore creates a log store bound to db.
func NewStore(db Querier, logger zerolog.Logger) *Store {
	return &Store{
		q:      db,
		logger: logger.With().Str("component", "logstore").Logger(),
	}
}

// WithTx returns a copy of the store whose statements run on tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	clone := *s
	clone.q = tx
	return &clone
}

// MarkProcessed records a successful run and clears any failed entry,
// keeping the two logs mutually exclusive.
func (s *Store) MarkProcessed(ctx context.Context, itemID, itemName string, score float64) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM failed_log WHERE item_id = ?", itemID); err != nil {
		return fmt.Errorf("clear failed entry for %s: %w", itemID, err)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO processed_log (item_id, item_name, score, processed_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (item_id) DO UPDATE SET
			item_name = excluded.item_name,
			score = excluded.score,
			processed_at = CURRENT_TIMESTAMP`,
		itemID, itemName, score)
	if err != nil {
		return fmt.Errorf("mark %s processed: %w", itemID, err)
	}
	return nil
}

// MarkFailed records a failed run and clears any processed entry.
func (s *Store) MarkFailed(ctx context.Context, itemID, itemName, itemType, reason string, score float64) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM processed_log WHERE item_id = ?", itemID); err != nil {
		return fmt.Errorf("clear processed entry for %s: %w", itemID, err)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO failed_log (item_id, item_name, item_type, error_message, score, failed_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (item_id) DO UPDATE SET
			item_name = excluded.item_name,
			item_type = excluded.item_type,
			error_message = excluded.error_message,
			score = excluded.score,
			failed_at = CURRENT_TIMESTAMP`,
		itemID, itemName, itemType, reason, score)
	if err != nil {
		return fmt.Errorf("mark %s failed: %w", itemID, err)
	}
	return nil
}

// IsProcessed reports whether the item has a processed entry.
func (s *Store) IsProcessed(ctx context.Context, itemID string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM processed_log WHERE item_id = ?", itemID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", itemID, err)
	}
	return n > 0, nil
}

// GetFailed returns the failed entry for an item, or nil when absent.
func (s *Store) GetFailed(ctx context.Context, itemID string) (*FailedEntry, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT item_id, COALESCE(item_name, ''), COALESCE(item_type, ''),
		       COALESCE(error_message, ''), COALESCE(score, 0), failed_at
		FROM failed_log WHERE item_id = ?`, itemID)

	var e FailedEntry
	err := row.Scan(&e.ItemID, &e.ItemName, &e.ItemType, &e.ErrorMessage, &e.Score, &e.FailedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get failed entry %s: %w", itemID, err)
	}
	return &e, nil
}

// ListFailed returns a page of failed entries, most recent first, plus
// the total count for pagination.
func (s *Store) ListFailed(ctx context.Context, offset, limit int) ([]FailedEntry, int, error) {
	var total int
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM failed_log").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count failed entries: %w", err)
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT item_id, COALESCE(item_name, ''), COALESCE(item_type, ''),
		       COALESCE(error_message, ''), COALESCE(score, 0), failed_at
		FROM failed_log ORDER BY failed_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list failed entries: %w", err)
	}
	defer rows.Close()

	var out []FailedEntry
	for rows.Next() {
		var e FailedEntry
		if err := rows.Scan(&e.ItemID, &e.ItemName, &e.ItemType, &e.ErrorMessage, &e.Score, &e.FailedAt); err != nil {
			return nil, 0, fmt.Errorf("scan failed entry: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// ListProcessedIDs returns every processed item id. Feeds the full
// image sync, which revisits items already enriched.
func (s *Store) ListProcessedIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT item_id FROM processed_log ORDER BY processed_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list processed ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan processed id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListFailedIDs returns every failed item id, oldest failure first.
func (s *Store) ListFailedIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT item_id FROM failed_log ORDER BY failed_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list failed ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan failed id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClearProcessed wipes the processed log, forcing a full reprocess on
// the next scan.
func (s *Store) ClearProcessed(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM processed_log"); err != nil {
		return fmt.Errorf("clear processed log: %w", err)
	}
	s.logger.Info().Msg("processed log cleared")
	return nil
}

// Counts returns the sizes of both logs.
func (s *Store) Counts(ctx context.Context) (processed, failed int, err error) {
	if err = s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM processed_log").Scan(&processed); err != nil {
		return 0, 0, fmt.Errorf("count processed: %w", err)
	}
	if err = s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM failed_log").Scan(&failed); err != nil {
		return 0, 0, fmt.Errorf("count failed: %w", err)
	}
	return processed, failed, nil
}
