// Package subscriptions follows individual actors: each subscription
// names a TMDB person plus filters, and the tracking scan diffs the
// actor's credits against the library, keeping per-work status rows
// and optionally pushing missing released works to the subscribe
// backend.
package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/emby"
	"github.com/castflow/castflow/internal/metadata/tmdb"
	"github.com/castflow/castflow/internal/moviepilot"
)

// Tracked media statuses.
const (
	StatusInLibrary  = "in_library"
	StatusMissing    = "missing"
	StatusSubscribed = "subscribed"
	StatusUnreleased = "unreleased"
)

var ErrNotFound = errors.New("subscription not found")

// Querier is the db/tx split shared with the other stores.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Subscription is one followed actor with scan filters.
type Subscription struct {
	ID           int64    `json:"id"`
	TMDBPersonID int      `json:"tmdbPersonId"`
	ActorName    string   `json:"actorName"`
	ProfilePath  string   `json:"profilePath,omitempty"`
	StartYear    int      `json:"startYear"`
	MediaTypes   []string `json:"mediaTypes"`
	MinRating    float64  `json:"minRating"`
	Status       string   `json:"status"`
}

// TrackedMedia is one of the actor's works with its library status.
type TrackedMedia struct {
	TMDBMediaID int    `json:"tmdbMediaId"`
	MediaType   string `json:"mediaType"` // "Movie" | "Series"
	Title       string `json:"title"`
	ReleaseDate string `json:"releaseDate"`
	PosterPath  string `json:"posterPath,omitempty"`
	Status      string `json:"status"`
}

// MediaServer is the slice of the server adapter the scan uses.
type MediaServer interface {
	GetLibraries(ctx context.Context) ([]emby.Library, error)
	GetLibraryItems(ctx context.Context, itemTypes string, libraryIDs []string) ([]emby.Item, error)
}

// ActorCatalog supplies person credits from TMDB.
type ActorCatalog interface {
	GetPersonDetails(ctx context.Context, personID int) (*tmdb.PersonDetails, error)
	GetPersonCredits(ctx context.Context, personID int) (*tmdb.CombinedCredits, error)
}

// Subscriber pushes missing works to the acquisition backend.
type Subscriber interface {
	Enabled() bool
	SubscribeMovie(ctx context.Context, tmdbID int, title string) error
	SubscribeSeries(ctx context.Context, tmdbID, season int, title string) error
}

// Report receives coarse progress; nil is fine.
type Report func(percent int, message string)

func (r Report) emit(percent int, message string) {
	if r != nil {
		r(percent, message)
	}
}

// Service owns the subscription tables and the tracking scan.
type Service struct {
	q          Querier
	server     MediaServer
	catalog    ActorCatalog
	subscriber Subscriber
	logger     zerolog.Logger
}

// NewService wires the actor-subscription engine.
func NewService(db Querier, server MediaServer, catalog ActorCatalog, subscriber Subscriber, logger zerolog.Logger) *Service {
	return &Service{
		q:          db,
		server:     server,
		catalog:    catalog,
		subscriber: subscriber,
		logger:     logger.With().Str("component", "subscriptions").Logger(),
	}
}

// Subscribe follows an actor. Name and profile are filled from TMDB
// when missing.
func (s *Service) Subscribe(ctx context.Context, sub Subscription) (int64, error) {
	if sub.TMDBPersonID <= 0 {
		return 0, errors.New("subscription needs a TMDB person id")
	}
	if sub.ActorName == "" {
		details, err := s.catalog.GetPersonDetails(ctx, sub.TMDBPersonID)
		if err != nil {
			return 0, fmt.Errorf("look up person %d: %w", sub.TMDBPersonID, err)
		}
		sub.ActorName = details.Name
		if details.ProfilePath != nil {
			sub.ProfilePath = *details.ProfilePath
		}
	}
	if sub.StartYear <= 0 {
		sub.StartYear = 1900
	}
	if len(sub.MediaTypes) == 0 {
		sub.MediaTypes = []string{"Movie", "TV"}
	}
	if sub.MinRating <= 0 {
		sub.MinRating = 6.0
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO actor_subscriptions
			(tmdb_person_id, actor_name, profile_path, start_year, media_types, min_rating, status)
		VALUES (?, ?, ?, ?, ?, ?, 'active')`,
		sub.TMDBPersonID, sub.ActorName, sub.ProfilePath, sub.StartYear,
		strings.Join(sub.MediaTypes, ","), sub.MinRating)
	if err != nil {
		return 0, fmt.Errorf("subscribe actor %s: %w", sub.ActorName, err)
	}
	id, _ := res.LastInsertId()
	s.logger.Info().Str("actor", sub.ActorName).Int64("subscription", id).Msg("actor subscribed")
	return id, nil
}

// Get fetches one subscription.
func (s *Service) Get(ctx context.Context, id int64) (*Subscription, error) {
	row := s.q.QueryRowContext(ctx, subscriptionColumns+" WHERE id = ?", id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

// List returns all subscriptions.
func (s *Service) List(ctx context.Context) ([]Subscription, error) {
	rows, err := s.q.QueryContext(ctx, subscriptionColumns+" ORDER BY actor_name")
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// SetStatus enables or pauses a subscription.
func (s *Service) SetStatus(ctx context.Context, id int64, status string) error {
	if status != "active" && status != "paused" {
		return fmt.Errorf("unknown subscription status %q", status)
	}
	res, err := s.q.ExecContext(ctx,
		"UPDATE actor_subscriptions SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("update subscription %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Unsubscribe removes a subscription; tracked rows cascade.
func (s *Service) Unsubscribe(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM actor_subscriptions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete subscription %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TrackedFor returns the tracked works of one subscription.
func (s *Service) TrackedFor(ctx context.Context, subscriptionID int64) ([]TrackedMedia, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT tmdb_media_id, media_type, COALESCE(title,''), COALESCE(release_date,''),
		       COALESCE(poster_path,''), status
		FROM tracked_actor_media WHERE subscription_id = ?
		ORDER BY release_date DESC`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list tracked media: %w", err)
	}
	defer rows.Close()

	var out []TrackedMedia
	for rows.Next() {
		var m TrackedMedia
		if err := rows.Scan(&m.TMDBMediaID, &m.MediaType, &m.Title, &m.ReleaseDate, &m.PosterPath, &m.Status); err != nil {
			return nil, fmt.Errorf("scan tracked media: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ScanAll runs the tracking scan for every active subscription.
func (s *Service) ScanAll(ctx context.Context, report Report) error {
	subs, err := s.List(ctx)
	if err != nil {
		return err
	}

	report.emit(0, "正在获取媒体库TMDB ID...")
	libraryIDs, err := s.libraryTMDBIDs(ctx)
	if err != nil {
		return err
	}

	total := len(subs)
	for i, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sub.Status != "active" {
			continue
		}
		if total > 0 {
			report.emit(i*100/total, fmt.Sprintf("(%d/%d) 正在扫描: %s", i+1, total, sub.ActorName))
		}
		if err := s.scanOne(ctx, &sub, libraryIDs); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logger.Error().Err(err).Str("actor", sub.ActorName).Msg("actor scan failed")
		}
	}
	report.emit(100, "演员订阅扫描完成")
	return nil
}

// ScanOne refreshes a single subscription against the library.
func (s *Service) ScanOne(ctx context.Context, id int64) error {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	libraryIDs, err := s.libraryTMDBIDs(ctx)
	if err != nil {
		return err
	}
	return s.scanOne(ctx, sub, libraryIDs)
}

func (s *Service) scanOne(ctx context.Context, sub *Subscription, libraryIDs map[string]bool) error {
	credits, err := s.catalog.GetPersonCredits(ctx, sub.TMDBPersonID)
	if err != nil {
		return fmt.Errorf("fetch credits for %s: %w", sub.ActorName, err)
	}

	previous, err := s.previousStatuses(ctx, sub.ID)
	if err != nil {
		return err
	}

	today := time.Now().Format("2006-01-02")
	tracked := make([]TrackedMedia, 0, len(credits.Cast))
	seen := make(map[string]bool)
	for _, credit := range credits.Cast {
		media, ok := s.evaluateCredit(sub, credit, today)
		if !ok {
			continue
		}
		key := media.MediaType + "/" + strconv.Itoa(media.TMDBMediaID)
		if seen[key] {
			continue
		}
		seen[key] = true

		switch {
		case libraryIDs[strconv.Itoa(media.TMDBMediaID)]:
			media.Status = StatusInLibrary
		case previous[key] == StatusSubscribed:
			media.Status = StatusSubscribed
		case media.Status == StatusUnreleased:
			// keep
		default:
			media.Status = StatusMissing
		}

		if media.Status == StatusMissing && s.autoSubscribe(ctx, media) {
			media.Status = StatusSubscribed
		}
		tracked = append(tracked, media)
	}

	if err := s.replaceTracked(ctx, sub.ID, tracked); err != nil {
		return err
	}
	s.logger.Info().Str("actor", sub.ActorName).Int("works", len(tracked)).Msg("actor scan complete")
	return nil
}

// evaluateCredit applies the subscription's filters; the returned
// status is either unreleased or empty (decided later).
func (s *Service) evaluateCredit(sub *Subscription, credit tmdb.Credit, today string) (TrackedMedia, bool) {
	mediaType := ""
	switch credit.MediaType {
	case "movie":
		mediaType = "Movie"
	case "tv":
		mediaType = "Series"
	default:
		return TrackedMedia{}, false
	}
	if !s.wantsType(sub, credit.MediaType) {
		return TrackedMedia{}, false
	}

	date := credit.Date()
	if date != "" && len(date) >= 4 {
		if year, err := strconv.Atoi(date[:4]); err == nil && year < sub.StartYear {
			return TrackedMedia{}, false
		}
	}

	media := TrackedMedia{
		TMDBMediaID: credit.ID,
		MediaType:   mediaType,
		Title:       credit.DisplayTitle(),
		ReleaseDate: date,
	}
	if credit.PosterPath != nil {
		media.PosterPath = *credit.PosterPath
	}

	if date == "" || date > today {
		media.Status = StatusUnreleased
		return media, true
	}

	// Rated releases below the floor are noise (talk shows, cameos).
	if credit.VoteCount > 0 && credit.VoteAverage < sub.MinRating {
		return TrackedMedia{}, false
	}
	return media, true
}

func (s *Service) wantsType(sub *Subscription, tmdbType string) bool {
	for _, t := range sub.MediaTypes {
		if (tmdbType == "movie" && strings.EqualFold(t, "Movie")) ||
			(tmdbType == "tv" && (strings.EqualFold(t, "TV") || strings.EqualFold(t, "Series"))) {
			return true
		}
	}
	return false
}

func (s *Service) autoSubscribe(ctx context.Context, media TrackedMedia) bool {
	if s.subscriber == nil || !s.subscriber.Enabled() {
		return false
	}
	var err error
	if media.MediaType == "Series" {
		err = s.subscriber.SubscribeSeries(ctx, media.TMDBMediaID, 1, media.Title)
	} else {
		err = s.subscriber.SubscribeMovie(ctx, media.TMDBMediaID, media.Title)
	}
	if err != nil && !errors.Is(err, moviepilot.ErrSubscribed) {
		s.logger.Warn().Err(err).Str("title", media.Title).Msg("subscribe failed")
		return false
	}
	return true
}

func (s *Service) previousStatuses(ctx context.Context, subscriptionID int64) (map[string]string, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT tmdb_media_id, media_type, status FROM tracked_actor_media WHERE subscription_id = ?",
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("load tracked statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id int
		var mediaType, status string
		if err := rows.Scan(&id, &mediaType, &status); err != nil {
			return nil, fmt.Errorf("scan tracked status: %w", err)
		}
		out[mediaType+"/"+strconv.Itoa(id)] = status
	}
	return out, rows.Err()
}

func (s *Service) replaceTracked(ctx context.Context, subscriptionID int64, tracked []TrackedMedia) error {
	if _, err := s.q.ExecContext(ctx,
		"DELETE FROM tracked_actor_media WHERE subscription_id = ?", subscriptionID); err != nil {
		return fmt.Errorf("clear tracked media: %w", err)
	}
	for _, m := range tracked {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO tracked_actor_media
				(subscription_id, tmdb_media_id, media_type, title, release_date, poster_path, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			subscriptionID, m.TMDBMediaID, m.MediaType, m.Title, m.ReleaseDate, m.PosterPath, m.Status)
		if err != nil {
			return fmt.Errorf("save tracked media %s: %w", m.Title, err)
		}
	}
	if _, err := s.q.ExecContext(ctx,
		"UPDATE actor_subscriptions SET last_checked_at = CURRENT_TIMESTAMP WHERE id = ?",
		subscriptionID); err != nil {
		return fmt.Errorf("stamp subscription %d: %w", subscriptionID, err)
	}
	return nil
}

func (s *Service) libraryTMDBIDs(ctx context.Context) (map[string]bool, error) {
	libraries, err := s.server.GetLibraries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	var ids []string
	for _, lib := range libraries {
		if lib.CollectionType == "movies" || lib.CollectionType == "tvshows" || lib.CollectionType == "mixed" {
			ids = append(ids, lib.ID)
		}
	}
	items, err := s.server.GetLibraryItems(ctx, "Movie,Series", ids)
	if err != nil {
		return nil, fmt.Errorf("list library items: %w", err)
	}
	out := make(map[string]bool, len(items))
	for _, item := range items {
		if id := item.ProviderID("Tmdb"); id != "" {
			out[id] = true
		}
	}
	return out, nil
}

const subscriptionColumns = `SELECT id, tmdb_person_id, actor_name, COALESCE(profile_path,''),
	start_year, COALESCE(media_types,'Movie,TV'), min_rating, COALESCE(status,'active')
	FROM actor_subscriptions`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var sub Subscription
	var mediaTypes string
	err := row.Scan(&sub.ID, &sub.TMDBPersonID, &sub.ActorName, &sub.ProfilePath,
		&sub.StartYear, &mediaTypes, &sub.MinRating, &sub.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.MediaTypes = strings.Split(mediaTypes, ",")
	return &sub, nil
}
