package collections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/metadata/tmdb"
)

// ListDefinition is the stored body of a list-type custom collection.
type ListDefinition struct {
	URL      string `json:"url"`
	ItemType string `json:"item_type"`
}

// TMDBSource is the slice of the TMDB client the importer uses.
type TMDBSource interface {
	GetCollectionDetails(ctx context.Context, collectionID int) (*tmdb.CollectionDetails, error)
	FindByImdbID(ctx context.Context, imdbID string) (*tmdb.FindResult, error)
}

var (
	tmdbCollectionURL = regexp.MustCompile(`themoviedb\.org/collection/(\d+)`)
	imdbTitleLink     = regexp.MustCompile(`/title/(tt\d+)/?`)
)

// Importer resolves list definitions to ordered TMDB id lists.
type Importer struct {
	tmdb       TMDBSource
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewImporter builds an importer over the given TMDB source.
func NewImporter(source TMDBSource, logger zerolog.Logger) *Importer {
	return &Importer{
		tmdb:       source,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		logger:     logger.With().Str("component", "list-importer").Logger(),
	}
}

// ParseListDefinition decodes a stored list definition.
func ParseListDefinition(raw json.RawMessage) (*ListDefinition, error) {
	var def ListDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode list definition: %w", err)
	}
	if strings.TrimSpace(def.URL) == "" {
		return nil, errors.New("list definition has no url")
	}
	if def.ItemType == "" {
		def.ItemType = "Movie"
	}
	return &def, nil
}

// Resolve turns a list definition into TMDB ids in list order.
func (i *Importer) Resolve(ctx context.Context, def *ListDefinition) ([]int, error) {
	source := strings.TrimSpace(def.URL)

	if m := tmdbCollectionURL.FindStringSubmatch(source); m != nil {
		id, _ := strconv.Atoi(m[1])
		return i.fromTMDBCollection(ctx, id)
	}
	if id, err := strconv.Atoi(source); err == nil {
		// A bare number is treated as a TMDB collection id.
		return i.fromTMDBCollection(ctx, id)
	}
	if strings.Contains(source, "imdb.com") {
		return i.fromIMDBPage(ctx, source, def.ItemType)
	}
	return nil, fmt.Errorf("unsupported list source %q", source)
}

func (i *Importer) fromTMDBCollection(ctx context.Context, collectionID int) ([]int, error) {
	details, err := i.tmdb.GetCollectionDetails(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("fetch TMDB collection %d: %w", collectionID, err)
	}
	ids := make([]int, 0, len(details.Parts))
	for _, part := range details.Parts {
		ids = append(ids, part.ID)
	}
	i.logger.Debug().Int("collection", collectionID).Int("members", len(ids)).Msg("resolved TMDB collection")
	return ids, nil
}

// fromIMDBPage scrapes an IMDb chart or list page for title links and
// maps each tt-id through the TMDB find endpoint. Titles TMDB does not
// know are skipped, not fatal.
func (i *Importer) fromIMDBPage(ctx context.Context, pageURL, itemType string) ([]int, error) {
	imdbIDs, err := i.scrapeIMDBIDs(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	var ids []int
	seen := make(map[int]bool)
	for _, imdbID := range imdbIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := i.tmdb.FindByImdbID(ctx, imdbID)
		if err != nil {
			if errors.Is(err, tmdb.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("resolve %s via TMDB: %w", imdbID, err)
		}

		var id int
		if itemType == "Series" {
			if len(found.TVResults) > 0 {
				id = found.TVResults[0].ID
			}
		} else if len(found.MovieResults) > 0 {
			id = found.MovieResults[0].ID
		}
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	i.logger.Info().Str("url", pageURL).Int("imdb_ids", len(imdbIDs)).Int("resolved", len(ids)).Msg("resolved IMDb list")
	return ids, nil
}

func (i *Importer) scrapeIMDBIDs(ctx context.Context, pageURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create IMDb request: %w", err)
	}
	// IMDb serves a bot-detection page to default Go clients.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch IMDb page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch IMDb page: status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse IMDb page: %w", err)
	}

	var ids []string
	seen := make(map[string]bool)
	doc.Find("a[href*='/title/tt']").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		m := imdbTitleLink.FindStringSubmatch(href)
		if m == nil || seen[m[1]] {
			return
		}
		seen[m[1]] = true
		ids = append(ids, m[1])
	})
	if len(ids) == 0 {
		return nil, fmt.Errorf("no title links found at %s", pageURL)
	}
	return ids, nil
}
