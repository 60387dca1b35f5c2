// Package processor runs the per-item cast pipeline: seed the cast
// from the media server, fuse in the Douban Chinese cast, translate
// what remains, render the final list into an override file and record
// the outcome. Each item's database effects commit in one transaction.
package processor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/cast"
	"github.com/castflow/castflow/internal/config"
	"github.com/castflow/castflow/internal/database"
	"github.com/castflow/castflow/internal/emby"
	"github.com/castflow/castflow/internal/identity"
	"github.com/castflow/castflow/internal/localcache"
	"github.com/castflow/castflow/internal/logstore"
	"github.com/castflow/castflow/internal/metadata/douban"
	"github.com/castflow/castflow/internal/override"
	"github.com/castflow/castflow/internal/translation"
)

// MediaServer is the slice of the Emby client the pipeline calls.
type MediaServer interface {
	GetItemDetails(ctx context.Context, itemID string) (*emby.Item, error)
	RefreshItemMetadata(ctx context.Context, itemID string, replaceAll bool) error
}

// DoubanSource resolves a media item to its Douban cast.
type DoubanSource interface {
	GetActing(ctx context.Context, name, imdbID, mediaType, year, doubanIDOverride string) (*douban.ActingResult, error)
}

// Processor wires the per-item pipeline's collaborators.
type Processor struct {
	db         *database.DB
	identity   *identity.Store
	logs       *logstore.Store
	translator *translation.Service
	server     MediaServer
	douban     DoubanSource
	local      *localcache.Reader
	override   *override.Writer
	cfg        config.ProcessingConfig
	logger     zerolog.Logger
}

// New creates a processor. douban may be nil; the pipeline then relies
// on local Douban sidecars alone.
func New(db *database.DB, ids *identity.Store, logs *logstore.Store, translator *translation.Service,
	server MediaServer, doubanSource DoubanSource, local *localcache.Reader, writer *override.Writer,
	cfg config.ProcessingConfig, logger zerolog.Logger) *Processor {
	return &Processor{
		db:         db,
		identity:   ids,
		logs:       logs,
		translator: translator,
		server:     server,
		douban:     doubanSource,
		local:      local,
		override:   writer,
		cfg:        cfg,
		logger:     logger.With().Str("component", "processor").Logger(),
	}
}

// Result summarizes one item's run.
type Result struct {
	ItemID    string
	ItemName  string
	ItemType  string
	CastCount int
	Score     float64
	Failed    bool
	Reason    string
	Skipped   bool
}

// ProcessItem runs the full pipeline for one server item. Episodes
// resolve to their parent series. Errors reaching the caller are
// infrastructure failures; content-level failures land in the failed
// log and come back as a non-error Result.
func (p *Processor) ProcessItem(ctx context.Context, itemID string) (*Result, error) {
	item, err := p.server.GetItemDetails(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("fetch item %s: %w", itemID, err)
	}

	if item.Type == "Episode" && item.SeriesID != "" {
		return p.ProcessItem(ctx, item.SeriesID)
	}
	if item.Type != "Movie" && item.Type != "Series" {
		p.logger.Debug().Str("item", item.Name).Str("type", item.Type).Msg("unsupported item type, skipping")
		return &Result{ItemID: item.ID, ItemName: item.Name, ItemType: item.Type, Skipped: true}, nil
	}

	tmdbID := item.ProviderID(emby.ProviderTmdb)
	if tmdbID == "" {
		return p.fail(ctx, item, "缺少TMDB ID", 0)
	}

	source, err := p.readSource(item.Type, tmdbID)
	if err != nil {
		return p.fail(ctx, item, fmt.Sprintf("本地元数据缺失: %s", tmdbID), 0)
	}

	candidates, err := p.doubanCandidates(ctx, item)
	if err != nil {
		// Douban being down degrades the result, it does not abort it.
		p.logger.Warn().Err(err).Str("item", item.Name).Msg("douban lookup failed, proceeding without")
	}

	tx, err := p.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin item transaction: %w", err)
	}
	defer tx.Rollback()

	ids := p.identity.WithTx(tx)
	logs := p.logs.WithTx(tx)
	translator := p.translator.WithTx(tx)

	records := p.seedFromItem(ctx, ids, item, localcache.CastFromJSON(source))
	records, overflow := p.mergeDoubanCandidates(ctx, ids, records, candidates)
	records = p.promoteOverflow(ctx, ids, records, overflow, p.cfg.MaxActors)
	records = truncate(records, p.cfg.MaxActors)
	p.translateRecords(ctx, translator, records)

	isAnimation := hasAnimationGenre(item.Genres)
	final := cast.Finalize(records, cast.FormatOptions{
		IsAnimation:   isAnimation,
		AddRolePrefix: p.cfg.AddRolePrefix,
	})
	score := cast.EvaluateQuality(final, len(item.People), len(final), isAnimation)

	if err := p.writeOverride(item.Type, tmdbID, source, final); err != nil {
		return nil, err
	}

	result := &Result{
		ItemID:    item.ID,
		ItemName:  item.Name,
		ItemType:  item.Type,
		CastCount: len(final),
		Score:     score,
	}
	if score < p.cfg.MinScore {
		result.Failed = true
		result.Reason = fmt.Sprintf("评分过低: %.1f", score)
		err = logs.MarkFailed(ctx, item.ID, item.Name, item.Type, result.Reason, score)
	} else {
		err = logs.MarkProcessed(ctx, item.ID, item.Name, score)
	}
	if err != nil {
		return nil, fmt.Errorf("record outcome for %s: %w", item.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit item transaction: %w", err)
	}

	if err := p.server.RefreshItemMetadata(ctx, item.ID, p.cfg.RefreshReplaceAll); err != nil {
		p.logger.Warn().Err(err).Str("item", item.Name).Msg("post-write refresh failed")
	}

	p.logger.Info().
		Str("item", item.Name).
		Str("type", item.Type).
		Int("cast", len(final)).
		Float64("score", score).
		Bool("low_score", result.Failed).
		Msg("item processed")
	return result, nil
}

// ApplyManualCast writes a human-edited cast list for an item,
// recording name pairs as manual translations and marking the item
// processed with a perfect score.
func (p *Processor) ApplyManualCast(ctx context.Context, itemID string, records []cast.Record) (*Result, error) {
	item, err := p.server.GetItemDetails(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("fetch item %s: %w", itemID, err)
	}
	tmdbID := item.ProviderID(emby.ProviderTmdb)
	if tmdbID == "" {
		return nil, fmt.Errorf("item %s has no tmdb id", itemID)
	}
	source, err := p.readSource(item.Type, tmdbID)
	if err != nil {
		return nil, fmt.Errorf("read source metadata for %s: %w", tmdbID, err)
	}

	tx, err := p.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin item transaction: %w", err)
	}
	defer tx.Rollback()

	translator := p.translator.WithTx(tx)
	for _, r := range records {
		if r.OriginalName == "" || r.OriginalName == r.Name || !cast.ContainsChinese(r.Name) {
			continue
		}
		if err := translator.SaveManual(ctx, r.OriginalName, r.Name); err != nil {
			p.logger.Warn().Err(err).Str("name", r.OriginalName).Msg("failed to save manual translation")
		}
	}

	final := cast.Finalize(records, cast.FormatOptions{
		IsAnimation:   hasAnimationGenre(item.Genres),
		AddRolePrefix: p.cfg.AddRolePrefix,
	})
	if err := p.writeOverride(item.Type, tmdbID, source, final); err != nil {
		return nil, err
	}
	if err := p.logs.WithTx(tx).MarkProcessed(ctx, item.ID, item.Name, 10.0); err != nil {
		return nil, fmt.Errorf("record outcome for %s: %w", item.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit item transaction: %w", err)
	}

	if err := p.server.RefreshItemMetadata(ctx, item.ID, p.cfg.RefreshReplaceAll); err != nil {
		p.logger.Warn().Err(err).Str("item", item.Name).Msg("post-write refresh failed")
	}
	return &Result{ItemID: item.ID, ItemName: item.Name, ItemType: item.Type, CastCount: len(final), Score: 10.0}, nil
}

func (p *Processor) readSource(itemType, tmdbID string) (map[string]any, error) {
	if itemType == "Movie" {
		return p.local.MovieJSON(tmdbID)
	}
	return p.local.SeriesJSON(tmdbID)
}

func (p *Processor) writeOverride(itemType, tmdbID string, source map[string]any, final []cast.Record) error {
	if itemType == "Movie" {
		if err := p.override.WriteMovie(tmdbID, source, final); err != nil {
			return fmt.Errorf("write movie override %s: %w", tmdbID, err)
		}
		return nil
	}
	seasonFiles, err := p.local.SeasonFiles(tmdbID)
	if err != nil {
		p.logger.Warn().Err(err).Str("tmdb", tmdbID).Msg("season sidecars unreadable, writing series only")
	}
	if err := p.override.WriteSeries(tmdbID, source, final, seasonFiles, p.cfg.ProcessEpisodes); err != nil {
		return fmt.Errorf("write series override %s: %w", tmdbID, err)
	}
	return nil
}

// doubanCandidates resolves the item's Douban cast: local sidecars
// first, then the live API when a client is configured.
func (p *Processor) doubanCandidates(ctx context.Context, item *emby.Item) ([]cast.Candidate, error) {
	imdbID := item.ProviderID(emby.ProviderImdb)
	doubanID := item.ProviderID(emby.ProviderDouban)

	local, err := p.local.FindDoubanCast(imdbID, doubanID, item.Type)
	if err != nil {
		p.logger.Warn().Err(err).Str("item", item.Name).Msg("douban sidecar lookup failed")
	}
	if len(local) > 0 {
		candidates := make([]cast.Candidate, 0, len(local))
		for _, e := range local {
			candidates = append(candidates, cast.Candidate{
				Name:         e.Name,
				OriginalName: e.OriginalName,
				Role:         e.Character,
				DoubanID:     e.ID,
			})
		}
		return cast.DedupeCandidates(candidates), nil
	}

	if p.douban == nil {
		return nil, nil
	}

	mediaType := "movie"
	if item.Type == "Series" {
		mediaType = "tv"
	}
	var year string
	if item.ProductionYear > 0 {
		year = strconv.Itoa(item.ProductionYear)
	}
	acting, err := p.douban.GetActing(ctx, item.Name, imdbID, mediaType, year, doubanID)
	if err != nil {
		return nil, err
	}
	if acting == nil {
		return nil, nil
	}
	candidates := make([]cast.Candidate, 0, len(acting.Cast))
	for _, m := range acting.Cast {
		candidates = append(candidates, cast.Candidate{
			Name:         m.Name,
			OriginalName: m.OriginalName,
			Role:         m.Character,
			DoubanID:     m.ID,
		})
	}
	return cast.DedupeCandidates(candidates), nil
}

// translateRecords batches every name and role still needing Chinese
// through the translation service and applies the results in place.
func (p *Processor) translateRecords(ctx context.Context, translator *translation.Service, records []cast.Record) {
	var texts []string
	for i := range records {
		records[i].Character = cast.CleanCharacterName(records[i].Character)
		texts = append(texts, records[i].Name, records[i].Character)
	}

	translated := translator.TranslateBatch(ctx, texts)
	for i := range records {
		if v, ok := translated[strings.TrimSpace(records[i].Name)]; ok && v != records[i].Name {
			if records[i].OriginalName == "" {
				records[i].OriginalName = records[i].Name
			}
			records[i].Name = v
		}
		if v, ok := translated[strings.TrimSpace(records[i].Character)]; ok {
			records[i].Character = v
		}
	}
}

func hasAnimationGenre(genres []string) bool {
	for _, g := range genres {
		if strings.EqualFold(g, "Animation") || g == "动画" || g == "动漫" {
			return true
		}
	}
	return false
}

// fail records a content-level failure in the failed log without a
// surrounding transaction.
func (p *Processor) fail(ctx context.Context, item *emby.Item, reason string, score float64) (*Result, error) {
	if err := p.logs.MarkFailed(ctx, item.ID, item.Name, item.Type, reason, score); err != nil {
		return nil, fmt.Errorf("record failure for %s: %w", item.ID, err)
	}
	p.logger.Warn().Str("item", item.Name).Str("reason", reason).Msg("item failed")
	return &Result{ItemID: item.ID, ItemName: item.Name, ItemType: item.Type, Failed: true, Reason: reason}, nil
}
