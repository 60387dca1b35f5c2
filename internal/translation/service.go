package translation

import (
	"context"
	"database/sql"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
)

// Service sequences the translation precedence: cache, AI batch,
// fallback engines, negative cache. It never fails a caller; the worst
// outcome is the original text coming back.
type Service struct {
	cache   *Cache
	ai      *AITranslator
	engines []Engine
	logger  zerolog.Logger
}

// NewService wires the service. ai may be nil when disabled.
func NewService(cache *Cache, ai *AITranslator, engines []Engine, logger zerolog.Logger) *Service {
	return &Service{
		cache:   cache,
		ai:      ai,
		engines: engines,
		logger:  logger.With().Str("component", "translation").Logger(),
	}
}

// WithTx returns a copy whose cache reads and writes run on tx, so a
// task's translations commit with the rest of its item transaction.
func (s *Service) WithTx(tx *sql.Tx) *Service {
	clone := *s
	clone.cache = s.cache.WithTx(tx)
	return &clone
}

// ShouldSkip reports whether a text needs no translation at all: empty
// or blank, already Chinese, or a one/two letter all-caps initial.
func ShouldSkip(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if containsCJK(trimmed) {
		return true
	}
	if len(trimmed) <= 2 && trimmed == strings.ToUpper(trimmed) && isAllLetters(trimmed) {
		return true
	}
	return false
}

func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

func isAllLetters(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return len(s) > 0
}

// SaveManual records a human-entered translation. Manual entries win
// every merge, so this permanently overrides machine output.
func (s *Service) SaveManual(ctx context.Context, text, translated string) error {
	return s.cache.Save(ctx, strings.TrimSpace(text), strings.TrimSpace(translated), "manual")
}

// Translate resolves one text through the full precedence chain and
// returns the best available form, which may be the input itself.
func (s *Service) Translate(ctx context.Context, text string) string {
	result := s.TranslateBatch(ctx, []string{text})
	if translated, ok := result[strings.TrimSpace(text)]; ok {
		return translated
	}
	return text
}

// TranslateBatch translates every text that needs it and returns a map
// from trimmed original to final form. Inputs filtered by ShouldSkip
// and negative-cached inputs map to themselves without any network
// call.
func (s *Service) TranslateBatch(ctx context.Context, texts []string) map[string]string {
	out := make(map[string]string, len(texts))
	var unseen []string

	for _, raw := range texts {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		if _, done := out[text]; done {
			continue
		}
		if ShouldSkip(text) {
			out[text] = text
			continue
		}

		entry, err := s.cache.Get(ctx, text)
		if err != nil {
			s.logger.Error().Err(err).Str("text", text).Msg("translation cache read failed")
			out[text] = text
			continue
		}
		if entry != nil {
			if entry.Negative() {
				out[text] = text
			} else {
				out[text] = *entry.Translated
			}
			continue
		}
		unseen = append(unseen, text)
	}

	if len(unseen) == 0 {
		return out
	}

	remaining := s.translateWithAI(ctx, unseen, out)
	for _, text := range remaining {
		out[text] = s.translateWithEngines(ctx, text)
	}
	return out
}

// translateWithAI runs the batched AI call and returns the texts it
// could not cover. Any AI failure degrades to the engine chain.
func (s *Service) translateWithAI(ctx context.Context, texts []string, out map[string]string) []string {
	if s.ai == nil {
		return texts
	}

	mapping, err := s.ai.TranslateBatch(ctx, texts)
	if err != nil {
		s.logger.Warn().Err(err).Int("texts", len(texts)).Msg("ai batch translation failed, falling back to engines")
		return texts
	}

	provider := s.ai.Provider()
	var remaining []string
	for _, text := range texts {
		translated := strings.TrimSpace(mapping[text])
		if translated == "" || strings.EqualFold(translated, text) {
			remaining = append(remaining, text)
			continue
		}
		if err := s.cache.Save(ctx, text, translated, provider); err != nil {
			s.logger.Error().Err(err).Str("text", text).Msg("failed to cache ai translation")
		}
		out[text] = translated
	}
	return remaining
}

// translateWithEngines walks the fallback chain for one text. The
// first engine returning a non-empty result that differs from the
// input wins; total failure is negative-cached.
func (s *Service) translateWithEngines(ctx context.Context, text string) string {
	lastEngine := "unknown"
	for _, engine := range s.engines {
		lastEngine = engine.Name()
		translated, err := engine.Translate(ctx, text)
		if err != nil {
			s.logger.Debug().Err(err).Str("engine", engine.Name()).Str("text", text).Msg("engine translation failed")
			continue
		}
		translated = strings.TrimSpace(translated)
		if translated == "" || strings.EqualFold(translated, text) {
			continue
		}
		if err := s.cache.Save(ctx, text, translated, engine.Name()); err != nil {
			s.logger.Error().Err(err).Str("text", text).Msg("failed to cache translation")
		}
		return translated
	}

	if err := s.cache.SaveFailure(ctx, text, lastEngine); err != nil {
		s.logger.Error().Err(err).Str("text", text).Msg("failed to negative-cache translation")
	}
	return text
}
