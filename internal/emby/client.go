// Package emby is the media-server adapter: item details, people,
// cast updates, image downloads, collections and refresh triggers.
// The server's own metadata is never trusted past what the pipeline
// needs; overrides do the real work.
package emby

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/config"
)

var (
	ErrNotConfigured = errors.New("emby server is not configured")
	ErrNotFound      = errors.New("emby item not found")
	ErrAPIError      = errors.New("emby API error")
)

// detailFields is requested on every item fetch so the processor sees
// provider ids and the full People list without a second round trip.
const detailFields = "ProviderIds,People,Genres,Studios,PremiereDate,DateCreated,CommunityRating,ProductionYear,OriginalTitle"

// Client talks to one Emby (or Jellyfin-compatible) server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	userID     string
	logger     zerolog.Logger
}

// NewClient creates an Emby client from config.
func NewClient(cfg config.EmbyConfig, logger zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		userID:     cfg.UserID,
		logger:     logger.With().Str("component", "emby").Logger(),
	}
}

// IsConfigured reports whether the client can reach a server.
func (c *Client) IsConfigured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

// UserID returns the configured admin user id.
func (c *Client) UserID() string {
	return c.userID
}

// GetItemDetails fetches one item with people and provider ids.
func (c *Client) GetItemDetails(ctx context.Context, itemID string) (*Item, error) {
	params := url.Values{}
	params.Set("Fields", detailFields)

	var item Item
	if err := c.get(ctx, fmt.Sprintf("/Users/%s/Items/%s", c.userID, itemID), params, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetLibraries lists the user's views.
func (c *Client) GetLibraries(ctx context.Context) ([]Library, error) {
	var page struct {
		Items []Library `json:"Items"`
	}
	if err := c.get(ctx, fmt.Sprintf("/Users/%s/Views", c.userID), nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// GetLibraryItems pages through all movies and series under the given
// library roots. Empty libraryIDs means the whole library.
func (c *Client) GetLibraryItems(ctx context.Context, itemTypes string, libraryIDs []string) ([]Item, error) {
	if itemTypes == "" {
		itemTypes = "Movie,Series"
	}

	parents := libraryIDs
	if len(parents) == 0 {
		parents = []string{""}
	}

	var all []Item
	for _, parent := range parents {
		const pageSize = 200
		for start := 0; ; start += pageSize {
			params := url.Values{}
			params.Set("IncludeItemTypes", itemTypes)
			params.Set("Recursive", "true")
			params.Set("Fields", detailFields)
			params.Set("StartIndex", fmt.Sprintf("%d", start))
			params.Set("Limit", fmt.Sprintf("%d", pageSize))
			if parent != "" {
				params.Set("ParentId", parent)
			}

			var page itemsPage
			if err := c.get(ctx, fmt.Sprintf("/Users/%s/Items", c.userID), params, &page); err != nil {
				return nil, err
			}
			all = append(all, page.Items...)
			if start+len(page.Items) >= page.TotalRecordCount || len(page.Items) == 0 {
				break
			}
		}
	}

	c.logger.Debug().Int("items", len(all)).Str("types", itemTypes).Msg("fetched library items")
	return all, nil
}

// GetSeriesChildren returns the seasons and episodes of a series.
func (c *Client) GetSeriesChildren(ctx context.Context, seriesID string) ([]Item, error) {
	params := url.Values{}
	params.Set("ParentId", seriesID)
	params.Set("IncludeItemTypes", "Season,Episode")
	params.Set("Recursive", "true")
	params.Set("Fields", "ProviderIds,ProductionYear")

	var page itemsPage
	if err := c.get(ctx, fmt.Sprintf("/Users/%s/Items", c.userID), params, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// GetPersons pages through the server's person catalog.
func (c *Client) GetPersons(ctx context.Context, startIndex, limit int) ([]Item, int, error) {
	params := url.Values{}
	params.Set("StartIndex", fmt.Sprintf("%d", startIndex))
	params.Set("Limit", fmt.Sprintf("%d", limit))
	params.Set("Fields", "ProviderIds")

	var page itemsPage
	if err := c.get(ctx, "/Persons", params, &page); err != nil {
		return nil, 0, err
	}
	return page.Items, page.TotalRecordCount, nil
}

// UpdatePersonDetails renames a person. Emby item updates are full
// writes, so the current object is fetched first and posted back with
// the new name.
func (c *Client) UpdatePersonDetails(ctx context.Context, personID, newName string) error {
	raw, err := c.getRaw(ctx, fmt.Sprintf("/Users/%s/Items/%s", c.userID, personID), nil)
	if err != nil {
		return err
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("decode person %s: %w", personID, err)
	}
	obj["Name"] = newName

	return c.postJSON(ctx, "/Items/"+personID, obj)
}

// UpdateItemCast replaces an item's People list in place, preserving
// all other fields of the server-side object.
func (c *Client) UpdateItemCast(ctx context.Context, itemID string, people []Person) error {
	raw, err := c.getRaw(ctx, fmt.Sprintf("/Users/%s/Items/%s", c.userID, itemID), nil)
	if err != nil {
		return err
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("decode item %s: %w", itemID, err)
	}
	obj["People"] = people
	// LockedFields would reintroduce the scraped cast on refresh.
	delete(obj, "LockedFields")

	return c.postJSON(ctx, "/Items/"+itemID, obj)
}

// RefreshItemMetadata triggers a server-side refresh. With replaceAll
// the server rereads side-load overrides and discards its own data.
func (c *Client) RefreshItemMetadata(ctx context.Context, itemID string, replaceAll bool) error {
	params := url.Values{}
	params.Set("Recursive", "true")
	params.Set("MetadataRefreshMode", "FullRefresh")
	params.Set("ImageRefreshMode", "FullRefresh")
	params.Set("ReplaceAllMetadata", fmt.Sprintf("%t", replaceAll))
	params.Set("ReplaceAllImages", "false")

	return c.postJSON(ctx, "/Items/"+itemID+"/Refresh?"+params.Encode(), nil)
}

// DownloadImage streams an item image into destPath. index only
// matters for backdrops, pass 0 otherwise.
func (c *Client) DownloadImage(ctx context.Context, itemID string, kind ImageKind, index int, destPath string) error {
	path := fmt.Sprintf("/Items/%s/Images/%s", itemID, kind)
	if kind == ImageBackdrop {
		path = fmt.Sprintf("%s/%d", path, index)
	}

	raw, err := c.getRaw(ctx, path, nil)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	if err := os.WriteFile(destPath, raw, 0o640); err != nil {
		return fmt.Errorf("write image %s: %w", destPath, err)
	}
	return nil
}

// HasImage reports whether the item carries an image tag of the kind.
func HasImage(item *Item, kind ImageKind) bool {
	if kind == ImageBackdrop {
		return len(item.BackdropImageTags) > 0
	}
	_, ok := item.ImageTags[string(kind)]
	return ok
}

// GetBoxsets lists the server's native collections.
func (c *Client) GetBoxsets(ctx context.Context) ([]Item, error) {
	params := url.Values{}
	params.Set("IncludeItemTypes", "BoxSet")
	params.Set("Recursive", "true")
	params.Set("Fields", "ProviderIds,ImageTags")

	var page itemsPage
	if err := c.get(ctx, fmt.Sprintf("/Users/%s/Items", c.userID), params, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// GetCollectionChildren lists the members of a boxset.
func (c *Client) GetCollectionChildren(ctx context.Context, collectionID string) ([]Item, error) {
	params := url.Values{}
	params.Set("ParentId", collectionID)
	params.Set("Fields", "ProviderIds")

	var page itemsPage
	if err := c.get(ctx, fmt.Sprintf("/Users/%s/Items", c.userID), params, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// FindItemsByTmdbIDs maps TMDB ids to library items of the given type.
func (c *Client) FindItemsByTmdbIDs(ctx context.Context, itemType string, tmdbIDs []string) (map[string]Item, error) {
	items, err := c.GetLibraryItems(ctx, itemType, nil)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(tmdbIDs))
	for _, id := range tmdbIDs {
		want[id] = true
	}

	out := make(map[string]Item)
	for _, item := range items {
		if tmdb := item.ProviderID(ProviderTmdb); tmdb != "" && want[tmdb] {
			out[tmdb] = item
		}
	}
	return out, nil
}

// CreateOrUpdateCollection makes a boxset containing the library items
// whose TMDB ids match, or replaces the membership of an existing one.
// Returns the collection id and the TMDB ids actually found in the
// library.
func (c *Client) CreateOrUpdateCollection(ctx context.Context, name string, tmdbIDs []string, itemType string) (string, []string, error) {
	matched, err := c.FindItemsByTmdbIDs(ctx, itemType, tmdbIDs)
	if err != nil {
		return "", nil, err
	}

	var itemIDs, matchedTmdb []string
	for tmdb, item := range matched {
		itemIDs = append(itemIDs, item.ID)
		matchedTmdb = append(matchedTmdb, tmdb)
	}

	// Reuse an existing boxset of the same name.
	boxsets, err := c.GetBoxsets(ctx)
	if err != nil {
		return "", nil, err
	}
	for _, b := range boxsets {
		if b.Name == name {
			if len(itemIDs) > 0 {
				params := url.Values{}
				params.Set("Ids", strings.Join(itemIDs, ","))
				if err := c.postJSON(ctx, "/Collections/"+b.ID+"/Items?"+params.Encode(), nil); err != nil {
					return "", nil, err
				}
			}
			return b.ID, matchedTmdb, nil
		}
	}

	params := url.Values{}
	params.Set("Name", name)
	params.Set("Ids", strings.Join(itemIDs, ","))

	raw, err := c.postRaw(ctx, "/Collections?"+params.Encode(), nil)
	if err != nil {
		return "", nil, err
	}
	var created struct {
		ID string `json:"Id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return "", nil, fmt.Errorf("decode collection response: %w", err)
	}

	c.logger.Info().Str("name", name).Int("members", len(itemIDs)).Msg("created collection")
	return created.ID, matchedTmdb, nil
}

// AppendItemToCollection adds a single library item to a boxset.
func (c *Client) AppendItemToCollection(ctx context.Context, collectionID, itemID string) error {
	params := url.Values{}
	params.Set("Ids", itemID)
	return c.postJSON(ctx, "/Collections/"+collectionID+"/Items?"+params.Encode(), nil)
}

// ClearAllPersonsViaApi deletes every person object on the server.
// Only the rebuild workflow calls this; actor links regrow on the next
// library scan. progress receives a 0-100 percentage.
func (c *Client) ClearAllPersonsViaApi(ctx context.Context, progress func(percent int)) error {
	const pageSize = 500
	deleted := 0

	_, total, err := c.GetPersons(ctx, 0, 1)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Always fetch page zero: deletions shift the window.
		persons, _, err := c.GetPersons(ctx, 0, pageSize)
		if err != nil {
			return err
		}
		if len(persons) == 0 {
			break
		}
		for _, p := range persons {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.delete(ctx, "/Items/"+p.ID); err != nil {
				c.logger.Warn().Err(err).Str("person", p.Name).Msg("failed to delete person")
				continue
			}
			deleted++
		}
		if progress != nil {
			pct := deleted * 100 / total
			if pct > 100 {
				pct = 100
			}
			progress(pct)
		}
	}

	c.logger.Info().Int("deleted", deleted).Msg("cleared server persons")
	return nil
}

// StartLibraryScan triggers a full background refresh of every
// library. The server answers before the scan finishes.
func (c *Client) StartLibraryScan(ctx context.Context) error {
	return c.postJSON(ctx, "/Library/Refresh", nil)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	raw, err := c.getRaw(ctx, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode emby response: %w", err)
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	if params == nil {
		params = url.Values{}
	}
	reqURL := c.baseURL + path
	if strings.Contains(path, "?") {
		reqURL += "&" + params.Encode()
	} else {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Emby-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("emby request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d on %s", ErrAPIError, resp.StatusCode, path)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	_, err := c.postRaw(ctx, path, body)
	return err
}

func (c *Client) postRaw(ctx context.Context, path string, body any) ([]byte, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Emby-Token", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("emby request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d on %s", ErrAPIError, resp.StatusCode, path)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) delete(ctx context.Context, path string) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Emby-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("emby request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: status %d on %s", ErrAPIError, resp.StatusCode, path)
	}
	return nil
}
