// Package moviepilot is the optional subscribe backend: missing
// collection members and tracked actor media get pushed to a
// MoviePilot instance which handles the actual acquisition.
package moviepilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/config"
)

var (
	ErrDisabled   = errors.New("moviepilot is not configured")
	ErrLoginFail  = errors.New("moviepilot login failed")
	ErrSubscribed = errors.New("moviepilot reports the subscription already exists")
)

// Client talks to a MoviePilot instance. Tokens are cached and
// refreshed on 401.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	enabled    bool
	logger     zerolog.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewClient creates a MoviePilot client from config.
func NewClient(cfg config.MoviePilotConfig, logger zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		enabled:    cfg.Enabled && cfg.URL != "",
		logger:     logger.With().Str("component", "moviepilot").Logger(),
	}
}

// Enabled reports whether subscribe calls can be attempted.
func (c *Client) Enabled() bool {
	return c.enabled
}

// SetBaseURL points the client elsewhere; tests use it.
func (c *Client) SetBaseURL(base string) {
	c.baseURL = strings.TrimSuffix(base, "/")
	c.enabled = c.baseURL != ""
}

// SubscribeMovie subscribes a movie by TMDB id.
func (c *Client) SubscribeMovie(ctx context.Context, tmdbID int, title string) error {
	return c.subscribe(ctx, map[string]any{
		"name":   title,
		"tmdbid": tmdbID,
		"type":   "电影",
	})
}

// SubscribeSeries subscribes one season of a series by TMDB id.
func (c *Client) SubscribeSeries(ctx context.Context, tmdbID, season int, title string) error {
	if season <= 0 {
		season = 1
	}
	return c.subscribe(ctx, map[string]any{
		"name":   title,
		"tmdbid": tmdbID,
		"type":   "电视剧",
		"season": season,
	})
}

func (c *Client) subscribe(ctx context.Context, body map[string]any) error {
	if !c.enabled {
		return ErrDisabled
	}

	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	status, respBody, err := c.post(ctx, "/api/v1/subscribe/", token, body)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		// Stale token; login once more and retry.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		token, err = c.ensureToken(ctx)
		if err != nil {
			return err
		}
		status, respBody, err = c.post(ctx, "/api/v1/subscribe/", token, body)
		if err != nil {
			return err
		}
	}
	if status != http.StatusOK {
		return fmt.Errorf("moviepilot subscribe: status %d", status)
	}

	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("decode moviepilot response: %w", err)
	}
	if !result.Success {
		if strings.Contains(result.Message, "已存在") {
			return ErrSubscribed
		}
		return fmt.Errorf("moviepilot subscribe rejected: %s", result.Message)
	}

	c.logger.Info().Interface("request", body).Msg("subscribed via moviepilot")
	return nil
}

// ensureToken logs in when the cached bearer token is absent or old.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.expires) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/login/access-token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("moviepilot login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrLoginFail, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", ErrLoginFail
	}

	c.token = payload.AccessToken
	c.expires = time.Now().Add(30 * time.Minute)
	return c.token, nil
}

func (c *Client) post(ctx context.Context, path, token string, body map[string]any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("moviepilot request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read moviepilot response: %w", err)
	}
	return resp.StatusCode, raw, nil
}
