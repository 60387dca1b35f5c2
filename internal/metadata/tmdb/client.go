// Package tmdb is the TMDB adapter: person search and details with
// external ids, movie/TV details, combined credits and collection
// lookups. HTTP 404 surfaces as ErrNotFound so callers can tell a
// vanished id from a transient failure.
package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/config"
)

var (
	ErrAPIKeyMissing = errors.New("TMDB API key is not configured")
	ErrNotFound      = errors.New("TMDB resource not found")
	ErrAPIError      = errors.New("TMDB API error")
	ErrRateLimited   = errors.New("TMDB API rate limited")
)

// Client is a TMDB API client.
type Client struct {
	httpClient *http.Client
	config     config.TMDBConfig
	logger     zerolog.Logger
}

// NewClient creates a new TMDB client.
func NewClient(cfg config.TMDBConfig, logger zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		config: cfg,
		logger: logger.With().Str("component", "tmdb").Logger(),
	}
}

// IsConfigured returns true if the API key is set.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// SearchPerson searches people by name, Chinese results preferred via
// the zh-CN language hint.
func (c *Client) SearchPerson(ctx context.Context, name string) ([]PersonResult, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}

	endpoint := fmt.Sprintf("%s/search/person", c.config.BaseURL)
	params := url.Values{}
	params.Set("api_key", c.config.APIKey)
	params.Set("query", name)
	params.Set("language", "zh-CN")
	params.Set("include_adult", "false")

	var response SearchPersonResponse
	if err := c.doRequest(ctx, endpoint, params, &response); err != nil {
		return nil, err
	}

	c.logger.Debug().Str("query", name).Int("results", len(response.Results)).Msg("person search completed")
	return response.Results, nil
}

// GetPersonDetails fetches a person with external ids and aliases.
func (c *Client) GetPersonDetails(ctx context.Context, personID int) (*PersonDetails, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}

	endpoint := fmt.Sprintf("%s/person/%d", c.config.BaseURL, personID)
	params := url.Values{}
	params.Set("api_key", c.config.APIKey)
	params.Set("language", "zh-CN")
	params.Set("append_to_response", "external_ids")

	var details PersonDetails
	if err := c.doRequest(ctx, endpoint, params, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// GetPersonCredits fetches a person's combined movie and TV credits.
func (c *Client) GetPersonCredits(ctx context.Context, personID int) (*CombinedCredits, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}

	endpoint := fmt.Sprintf("%s/person/%d/combined_credits", c.config.BaseURL, personID)
	params := url.Values{}
	params.Set("api_key", c.config.APIKey)
	params.Set("language", "zh-CN")

	var credits CombinedCredits
	if err := c.doRequest(ctx, endpoint, params, &credits); err != nil {
		return nil, err
	}

	c.logger.Debug().Int("person", personID).Int("credits", len(credits.Cast)).Msg("got person credits")
	return &credits, nil
}

// GetMovieDetails fetches one movie.
func (c *Client) GetMovieDetails(ctx context.Context, movieID int) (*MovieDetails, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}

	endpoint := fmt.Sprintf("%s/movie/%d", c.config.BaseURL, movieID)
	params := url.Values{}
	params.Set("api_key", c.config.APIKey)
	params.Set("language", "zh-CN")

	var details MovieDetails
	if err := c.doRequest(ctx, endpoint, params, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// GetTvDetails fetches one series with external ids.
func (c *Client) GetTvDetails(ctx context.Context, tvID int) (*TVDetails, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}

	endpoint := fmt.Sprintf("%s/tv/%d", c.config.BaseURL, tvID)
	params := url.Values{}
	params.Set("api_key", c.config.APIKey)
	params.Set("language", "zh-CN")
	params.Set("append_to_response", "external_ids")

	var details TVDetails
	if err := c.doRequest(ctx, endpoint, params, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// GetCollectionDetails fetches a TMDB collection and its parts.
func (c *Client) GetCollectionDetails(ctx context.Context, collectionID int) (*CollectionDetails, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}

	endpoint := fmt.Sprintf("%s/collection/%d", c.config.BaseURL, collectionID)
	params := url.Values{}
	params.Set("api_key", c.config.APIKey)
	params.Set("language", "zh-CN")

	var details CollectionDetails
	if err := c.doRequest(ctx, endpoint, params, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// FindByImdbID resolves an IMDb title id to TMDB movie/TV results.
func (c *Client) FindByImdbID(ctx context.Context, imdbID string) (*FindResult, error) {
	if !c.IsConfigured() {
		return nil, ErrAPIKeyMissing
	}

	endpoint := fmt.Sprintf("%s/find/%s", c.config.BaseURL, imdbID)
	params := url.Values{}
	params.Set("api_key", c.config.APIKey)
	params.Set("language", "zh-CN")
	params.Set("external_source", "imdb_id")

	var result FindResult
	if err := c.doRequest(ctx, endpoint, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetImageURL returns a full image URL for a given path and size.
// Size options: "w92", "w185", "w342", "w500", "original".
func (c *Client) GetImageURL(path string, size string) string {
	if path == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s%s", c.config.ImageBaseURL, size, path)
}

// doRequest performs an HTTP GET request and decodes the JSON response.
func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values, result any) error {
	reqURL := endpoint
	if len(params) > 0 {
		reqURL = fmt.Sprintf("%s?%s", endpoint, params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("url", endpoint).Msg("HTTP request failed")
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.StatusMessage != "" {
			c.logger.Debug().
				Int("status", resp.StatusCode).
				Str("message", errResp.StatusMessage).
				Msg("TMDB API error")
		}

		switch resp.StatusCode {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: invalid API key", ErrAPIError)
		case http.StatusTooManyRequests:
			return ErrRateLimited
		default:
			return fmt.Errorf("%w: status %d", ErrAPIError, resp.StatusCode)
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
