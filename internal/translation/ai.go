package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/config"
)

// ErrAIDisabled is returned when the AI translator is called without
// being configured.
var ErrAIDisabled = errors.New("ai translator is not configured")

const aiSystemPrompt = `你是一个影视领域的专业翻译。把给定的 JSON 数组中的每个英文人名或角色名翻译成简体中文。
人名使用通行译名（如 "Jon Hamm" -> "乔·哈姆"），角色名意译。
只返回一个 JSON 对象，键是原文，值是译文。无法翻译的条目省略。不要输出任何其他内容。`

// AITranslator batches texts into a single chat-completions call
// against any OpenAI-compatible endpoint.
type AITranslator struct {
	cfg        config.AIConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewAITranslator creates the batch translator. Returns nil when the
// feature is disabled so callers can treat it as absent.
func NewAITranslator(cfg config.AIConfig, logger zerolog.Logger) *AITranslator {
	if !cfg.Enabled || cfg.APIKey == "" {
		return nil
	}
	return &AITranslator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With().Str("component", "ai-translator").Logger(),
	}
}

// Provider names the engine for cache attribution. OpenAI-compatible
// gateways are all recorded as "openai" unless the model name makes the
// vendor obvious.
func (a *AITranslator) Provider() string {
	model := strings.ToLower(a.cfg.Model)
	switch {
	case strings.Contains(model, "glm"):
		return "zhipuai"
	case strings.Contains(model, "gemini"):
		return "gemini"
	default:
		return "openai"
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// TranslateBatch sends all texts in one call and returns original to
// translated pairs. Texts the model skipped are absent from the map.
func (a *AITranslator) TranslateBatch(ctx context.Context, texts []string) (map[string]string, error) {
	if a == nil {
		return nil, ErrAIDisabled
	}
	if len(texts) == 0 {
		return map[string]string{}, nil
	}

	userPayload, err := json.Marshal(texts)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	reqBody, err := json.Marshal(chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: aiSystemPrompt},
			{Role: "user", Content: string(userPayload)},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	endpoint := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat completion status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, ErrEmptyResult
	}

	content := extractJSONObject(chat.Choices[0].Message.Content)
	var mapping map[string]string
	if err := json.Unmarshal([]byte(content), &mapping); err != nil {
		return nil, fmt.Errorf("parse model output: %w", err)
	}

	a.logger.Debug().Int("requested", len(texts)).Int("translated", len(mapping)).Msg("ai batch translated")
	return mapping, nil
}

// extractJSONObject tolerates models that wrap the object in a code
// fence or prose by slicing from the first { to the last }.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
