// Package update checks GitHub releases for a newer version. It only
// reports; installing a new build is left to the operator.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/config"
)

// State is the checker's lifecycle state.
type State string

const (
	StateIdle            State = "idle"
	StateChecking        State = "checking"
	StateUpToDate        State = "up-to-date"
	StateUpdateAvailable State = "update-available"
	StateError           State = "error"
)

// checkInterval is how long a check result stays fresh.
const checkInterval = 6 * time.Hour

// ReleaseInfo describes the latest published release.
type ReleaseInfo struct {
	Version      string    `json:"version"`
	TagName      string    `json:"tagName"`
	ReleaseNotes string    `json:"releaseNotes"`
	URL          string    `json:"url"`
	PublishedAt  time.Time `json:"publishedAt"`
}

// Status is the checker's current view.
type Status struct {
	State          State        `json:"state"`
	CurrentVersion string       `json:"currentVersion"`
	LatestRelease  *ReleaseInfo `json:"latestRelease,omitempty"`
	Error          string       `json:"error,omitempty"`
	LastChecked    *time.Time   `json:"lastChecked,omitempty"`
}

type githubRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	PublishedAt time.Time `json:"published_at"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
}

// Service polls the GitHub releases API.
type Service struct {
	httpClient     *http.Client
	apiURL         string
	token          string
	currentVersion string
	logger         zerolog.Logger

	mu     sync.Mutex
	status Status
}

// NewService creates a release checker for the configured repo.
func NewService(cfg config.UpdateConfig, currentVersion string, logger zerolog.Logger) *Service {
	return &Service{
		httpClient:     &http.Client{Timeout: 15 * time.Second},
		apiURL:         fmt.Sprintf("https://api.github.com/repos/%s/releases/latest", cfg.Repo),
		token:          cfg.GithubToken,
		currentVersion: currentVersion,
		logger:         logger.With().Str("component", "update").Logger(),
		status: Status{
			State:          StateIdle,
			CurrentVersion: currentVersion,
		},
	}
}

// SetAPIURL points the checker elsewhere; tests use it.
func (s *Service) SetAPIURL(url string) {
	s.apiURL = url
}

// Status returns the last known check result.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Check queries GitHub unless a fresh result is cached. force skips
// the cache.
func (s *Service) Check(ctx context.Context, force bool) (Status, error) {
	s.mu.Lock()
	if !force && s.status.LastChecked != nil && time.Since(*s.status.LastChecked) < checkInterval {
		cached := s.status
		s.mu.Unlock()
		return cached, nil
	}
	s.status.State = StateChecking
	s.mu.Unlock()

	release, err := s.fetchLatest(ctx)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastChecked = &now
	if err != nil {
		s.status.State = StateError
		s.status.Error = err.Error()
		return s.status, err
	}
	s.status.Error = ""

	newer, cmpErr := IsNewerThan(release.TagName, s.currentVersion)
	if cmpErr != nil {
		// Dev builds carry non-semver versions; report the release
		// without claiming it is newer.
		s.logger.Debug().Err(cmpErr).Msg("version comparison failed")
		newer = false
	}

	if newer {
		s.status.State = StateUpdateAvailable
		s.status.LatestRelease = &ReleaseInfo{
			Version:      release.TagName,
			TagName:      release.TagName,
			ReleaseNotes: release.Body,
			URL:          release.HTMLURL,
			PublishedAt:  release.PublishedAt,
		}
		s.logger.Info().Str("current", s.currentVersion).Str("latest", release.TagName).Msg("update available")
	} else {
		s.status.State = StateUpToDate
		s.status.LatestRelease = nil
	}
	return s.status, nil
}

func (s *Service) fetchLatest(ctx context.Context) (*githubRelease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github API returned status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("decode release response: %w", err)
	}
	if release.Draft || release.Prerelease {
		return nil, fmt.Errorf("latest release %s is not a stable release", release.TagName)
	}
	return &release, nil
}
