package translation

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

	"github.com/rs/zerolog"
)

// ErrEmptyResult is returned by an engine when the upstream answered
// without a usable translation.
var ErrEmptyResult = errors.New("engine returned no translation")

// Engine translates one text into Simplified Chinese.
type Engine interface {
	Name() string
	Translate(ctx context.Context, text string) (string, error)
}

// NewEngines builds the fallback chain from configured engine names.
// Unknown names are skipped with a warning so a stale config cannot
// break startup.
func NewEngines(names []string, logger zerolog.Logger) []Engine {
	log := logger.With().Str("component", "translation").Logger()
	httpClient := &http.Client{Timeout: 15 * time.Second}

	var out []Engine
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "google":
			out = append(out, &googleEngine{httpClient: httpClient})
		case "bing":
			out = append(out, &bingEngine{httpClient: httpClient})
		case "":
		default:
			log.Warn().Str("engine", name).Msg("unknown translation engine in config, skipping")
		}
	}
	return out
}

// googleEngine uses the public gtx endpoint, the same one the web
// widget calls. No API key, but rate limits apply.
type googleEngine struct {
	httpClient *http.Client
}

func (g *googleEngine) Name() string { return "google" }

func (g *googleEngine) Translate(ctx context.Context, text string) (string, error) {
	params := url.Values{}
	params.Set("client", "gtx")
	params.Set("sl", "auto")
	params.Set("tl", "zh-CN")
	params.Set("dt", "t")
	params.Set("q", text)

	reqURL := "https://translate.googleapis.com/translate_a/single?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("create google request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("google request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("google status %d", resp.StatusCode)
	}

	// Response is nested arrays: [[["译文","source",...],...],...].
	var payload []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode google response: %w", err)
	}
	if len(payload) == 0 {
		return "", ErrEmptyResult
	}

	var segments [][]json.RawMessage
	if err := json.Unmarshal(payload[0], &segments); err != nil {
		return "", fmt.Errorf("decode google segments: %w", err)
	}

	var sb strings.Builder
	for _, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		var part string
		if err := json.Unmarshal(seg[0], &part); err != nil {
			continue
		}
		sb.WriteString(part)
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResult
	}
	return sb.String(), nil
}

// bingEngine uses the Edge browser's translate backend: a short-lived
// anonymous JWT from the auth endpoint, then the cognitive services
// translate API.
type bingEngine struct {
	httpClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

const (
	bingAuthURL      = "https://edge.microsoft.com/translate/auth"
	bingTranslateURL = "https://api-edge.cognitive.microsofttranslator.com/translate?from=&to=zh-Hans&api-version=3.0"
	// Tokens are valid for ~10 minutes; refresh early.
	bingTokenLifetime = 8 * time.Minute
)

func (b *bingEngine) Name() string { return "bing" }

func (b *bingEngine) authToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && time.Now().Before(b.tokenExpiry) {
		return b.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bingAuthURL, nil)
	if err != nil {
		return "", fmt.Errorf("create bing auth request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("bing auth failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bing auth status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err != nil {
		return "", fmt.Errorf("read bing token: %w", err)
	}

	b.token = strings.TrimSpace(string(body))
	b.tokenExpiry = time.Now().Add(bingTokenLifetime)
	return b.token, nil
}

func (b *bingEngine) Translate(ctx context.Context, text string) (string, error) {
	token, err := b.authToken(ctx)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal([]map[string]string{{"Text": text}})
	if err != nil {
		return "", fmt.Errorf("encode bing request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bingTranslateURL, strings.NewReader(string(payload)))
	if err != nil {
		return "", fmt.Errorf("create bing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("bing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bing status %d", resp.StatusCode)
	}

	var result []struct {
		Translations []struct {
			Text string `json:"text"`
		} `json:"translations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode bing response: %w", err)
	}
	if len(result) == 0 || len(result[0].Translations) == 0 || result[0].Translations[0].Text == "" {
		return "", ErrEmptyResult
	}
	return result[0].Translations[0].Text, nil
}
