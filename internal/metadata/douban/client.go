// Package douban is the Douban adapter. It resolves a media item to a
// Douban subject and returns its Chinese cast list, and looks up
// celebrity details for identity enrichment. Responses behind the
// login wall surface as ErrNeedLogin; a user cookie lifts them.
package douban

import (
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

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/config"
)

var (
	ErrNotFound  = errors.New("douban subject not found")
	ErrNeedLogin = errors.New("douban requires login for this request")
	ErrAPIError  = errors.New("douban API error")
)

const (
	defaultAPIBase  = "https://frodo.douban.com/api/v2"
	defaultWebBase  = "https://movie.douban.com"
	mobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 15_4 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148"
)

// CastMember is one actor from a Douban subject.
type CastMember struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	OriginalName string `json:"original_name"`
	Character    string `json:"character"`
}

// ActingResult is the cast list for one subject.
type ActingResult struct {
	SubjectID string       `json:"subject_id"`
	Cast      []CastMember `json:"cast"`
}

// CelebrityDetails is a celebrity page with its key/value info table.
// The IMDb id hides in Extra.Info as ["IMDb编号", "nm..."].
type CelebrityDetails struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Extra struct {
		Info [][]string `json:"info"`
	} `json:"extra"`
}

// IMDbID extracts the IMDb id from the info table, empty when absent.
func (c *CelebrityDetails) IMDbID() string {
	for _, pair := range c.Extra.Info {
		if len(pair) == 2 && pair[0] == "IMDb编号" {
			return strings.TrimSpace(pair[1])
		}
	}
	return ""
}

// Client talks to Douban's mobile API with an optional user cookie and
// a per-call cooldown shared across all callers.
type Client struct {
	httpClient *http.Client
	apiBase    string
	webBase    string
	cookie     string
	cooldown   time.Duration
	logger     zerolog.Logger

	mu       sync.Mutex
	lastCall time.Time
}

// NewClient creates a Douban client from config.
func NewClient(cfg config.DoubanConfig, logger zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiBase:    defaultAPIBase,
		webBase:    defaultWebBase,
		cookie:     cfg.Cookie,
		cooldown:   time.Duration(cfg.CooldownSeconds * float64(time.Second)),
		logger:     logger.With().Str("component", "douban").Logger(),
	}
}

// SetBaseURLs overrides the upstream endpoints; tests point them at a
// local server.
func (c *Client) SetBaseURLs(apiBase, webBase string) {
	c.apiBase = strings.TrimSuffix(apiBase, "/")
	c.webBase = strings.TrimSuffix(webBase, "/")
}

// waitCooldown blocks until the per-call cooldown has elapsed, or the
// context is cancelled.
func (c *Client) waitCooldown(ctx context.Context) error {
	c.mu.Lock()
	wait := c.cooldown - time.Since(c.lastCall)
	c.lastCall = time.Now().Add(wait)
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetActing resolves the media to a subject and returns its cast.
// doubanIDOverride skips the search entirely; otherwise the subject is
// searched by name and narrowed by year.
func (c *Client) GetActing(ctx context.Context, name, imdbID, mediaType, year, doubanIDOverride string) (*ActingResult, error) {
	subjectType := "movie"
	if mediaType == "tv" || mediaType == "Series" {
		subjectType = "tv"
	}

	subjectID := strings.TrimSpace(doubanIDOverride)
	if subjectID == "" {
		var err error
		subjectID, err = c.searchSubject(ctx, name, subjectType, year)
		if err != nil {
			return nil, err
		}
	}

	cast, err := c.subjectCelebrities(ctx, subjectType, subjectID)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().Str("subject", subjectID).Int("cast", len(cast)).Str("name", name).Msg("fetched douban cast")
	return &ActingResult{SubjectID: subjectID, Cast: cast}, nil
}

type searchResponse struct {
	Items []struct {
		Target struct {
			ID   string `json:"id"`
			Name string `json:"title"`
			Year string `json:"year"`
		} `json:"target"`
		TargetType string `json:"target_type"`
	} `json:"items"`
}

func (c *Client) searchSubject(ctx context.Context, name, subjectType, year string) (string, error) {
	params := url.Values{}
	params.Set("q", name)
	params.Set("count", "10")

	var resp searchResponse
	if err := c.getAPI(ctx, "/search/weixin", params, &resp); err != nil {
		return "", err
	}

	var fallback string
	for _, item := range resp.Items {
		if item.TargetType != subjectType {
			continue
		}
		if fallback == "" {
			fallback = item.Target.ID
		}
		if year != "" && item.Target.Year == year {
			return item.Target.ID, nil
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("%w: %s (%s)", ErrNotFound, name, year)
	}
	return fallback, nil
}

type celebritiesResponse struct {
	Actors []struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		LatinName  string `json:"latin_name"`
		Character  string `json:"character"`
		RolesField string `json:"roles"`
	} `json:"actors"`
}

func (c *Client) subjectCelebrities(ctx context.Context, subjectType, subjectID string) ([]CastMember, error) {
	var resp celebritiesResponse
	path := fmt.Sprintf("/%s/%s/celebrities", subjectType, subjectID)
	if err := c.getAPI(ctx, path, nil, &resp); err != nil {
		return nil, err
	}

	cast := make([]CastMember, 0, len(resp.Actors))
	for _, a := range resp.Actors {
		cast = append(cast, CastMember{
			ID:           a.ID,
			Name:         a.Name,
			OriginalName: a.LatinName,
			Character:    cleanDoubanRole(a.Character),
		})
	}
	return cast, nil
}

// cleanDoubanRole strips Douban's "饰 " prefix convention.
func cleanDoubanRole(role string) string {
	role = strings.TrimSpace(role)
	for _, prefix := range []string{"饰演", "饰", "配音", "配"} {
		if strings.HasPrefix(role, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(role, prefix))
		}
	}
	return role
}

// GetCelebrityDetails fetches a celebrity with its info table. Falls
// back to scraping the web page when the API omits the table.
func (c *Client) GetCelebrityDetails(ctx context.Context, celebrityID string) (*CelebrityDetails, error) {
	var details CelebrityDetails
	err := c.getAPI(ctx, "/celebrity/"+celebrityID, nil, &details)
	if err != nil {
		return nil, err
	}
	details.ID = celebrityID

	if details.IMDbID() == "" {
		if imdb, scrapeErr := c.scrapeCelebrityIMDb(ctx, celebrityID); scrapeErr == nil && imdb != "" {
			details.Extra.Info = append(details.Extra.Info, []string{"IMDb编号", imdb})
		}
	}
	return &details, nil
}

// scrapeCelebrityIMDb reads the IMDb id off the celebrity's public web
// page. The info list renders as "IMDb编号: nm0000123".
func (c *Client) scrapeCelebrityIMDb(ctx context.Context, celebrityID string) (string, error) {
	if err := c.waitCooldown(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.webBase+"/celebrity/"+celebrityID+"/", nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", mobileUserAgent)
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("douban page request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return "", ErrNeedLogin
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrAPIError, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse celebrity page: %w", err)
	}

	var imdb string
	doc.Find("div.info li, ul.info li").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if !strings.Contains(text, "IMDb") {
			return true
		}
		if idx := strings.Index(text, "nm"); idx >= 0 {
			imdb = strings.TrimSpace(strings.Fields(text[idx:])[0])
			return false
		}
		return true
	})
	return imdb, nil
}

func (c *Client) getAPI(ctx context.Context, path string, params url.Values, result any) error {
	if err := c.waitCooldown(ctx); err != nil {
		return err
	}

	if params == nil {
		params = url.Values{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", mobileUserAgent)
	req.Header.Set("Referer", "https://servicewechat.com/wx2f9b06c1de1ccfca/84/page-frame.html")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("douban request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read douban response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		return ErrNeedLogin
	default:
		return fmt.Errorf("%w: status %d on %s", ErrAPIError, resp.StatusCode, path)
	}

	// Login-gated payloads sometimes come back 200 with an error body.
	if strings.Contains(string(body), "need_login") {
		return ErrNeedLogin
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decode douban response: %w", err)
	}
	return nil
}
