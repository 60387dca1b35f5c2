package processor

import (
	"context"
	"strconv"
	"strings"

	"github.com/castflow/castflow/internal/cast"
	"github.com/castflow/castflow/internal/emby"
	"github.com/castflow/castflow/internal/identity"
)

// seedFromItem materializes cast records from the server item's People
// list, enriched with the TMDB credit fields found in the source cache
// JSON, and reconciles each into the identity map.
func (p *Processor) seedFromItem(ctx context.Context, ids *identity.Store, item *emby.Item, sourceCast []map[string]any) []cast.Record {
	// Index the cache credits by TMDB person id for field carry-over.
	credits := make(map[int]map[string]any, len(sourceCast))
	for _, member := range sourceCast {
		if id, ok := member["id"].(float64); ok {
			credits[int(id)] = member
		}
	}

	var seeds []cast.Record
	for i, person := range item.People {
		if person.Name == "" || person.ID == "" {
			continue
		}
		if person.Type != "" && person.Type != "Actor" {
			continue
		}

		tmdbID, _ := strconv.Atoi(person.ProviderID(emby.ProviderTmdb))
		record := cast.Record{
			TMDBID:       tmdbID,
			Name:         person.Name,
			OriginalName: person.OriginalName,
			Character:    person.Role,
			Order:        i,
			EmbyPersonID: person.ID,
			IMDBID:       person.ProviderID(emby.ProviderImdb),
			DoubanID:     person.ProviderID(emby.ProviderDouban),
		}
		if credit, ok := credits[tmdbID]; ok {
			fillFromCredit(&record, credit)
		}

		mapID, err := ids.Upsert(ctx, identity.Candidate{
			Name:     record.Name,
			EmbyID:   record.EmbyPersonID,
			TMDBID:   record.TMDBID,
			IMDBID:   record.IMDBID,
			DoubanID: record.DoubanID,
		})
		if err != nil {
			// Keep the entry unreconciled; the pipeline still renders it.
			p.logger.Warn().Err(err).Str("person", record.Name).Msg("identity upsert failed, continuing unreconciled")
		} else if known, err := ids.GetByMapID(ctx, mapID); err == nil && known != nil {
			if record.TMDBID == 0 {
				record.TMDBID = known.TMDBPersonID
			}
			if record.IMDBID == "" {
				record.IMDBID = known.IMDBID
			}
			if record.DoubanID == "" {
				record.DoubanID = known.DoubanID
			}
		}

		seeds = append(seeds, record)
	}
	return seeds
}

func fillFromCredit(record *cast.Record, credit map[string]any) {
	if v, ok := credit["original_name"].(string); ok && record.OriginalName == "" {
		record.OriginalName = v
	}
	if v, ok := credit["gender"].(float64); ok {
		record.Gender = int(v)
	}
	if v, ok := credit["adult"].(bool); ok {
		record.Adult = v
	}
	if v, ok := credit["popularity"].(float64); ok {
		record.Popularity = v
	}
	if v, ok := credit["known_for_department"].(string); ok {
		record.KnownForDepartment = v
	}
	if v, ok := credit["profile_path"].(string); ok && v != "" {
		record.ProfilePath = &v
	}
	if v, ok := credit["credit_id"].(string); ok {
		record.CreditID = v
	}
	if v, ok := credit["cast_id"].(float64); ok {
		castID := int(v)
		record.CastID = &castID
	}
}

// mergeDoubanCandidates fuses the Douban cast into the seeds: matches
// by Douban id first, then by case-folded name cross products. Matched
// seeds gain the Douban id, a Chinese display name and the better
// role. Unmatched candidates are returned for overflow disposition.
func (p *Processor) mergeDoubanCandidates(ctx context.Context, ids *identity.Store, seeds []cast.Record, candidates []cast.Candidate) ([]cast.Record, []cast.Candidate) {
	var overflow []cast.Candidate

	for _, candidate := range candidates {
		idx := matchSeed(seeds, candidate)
		if idx < 0 {
			overflow = append(overflow, candidate)
			continue
		}

		seed := &seeds[idx]
		if seed.DoubanID == "" {
			seed.DoubanID = candidate.DoubanID
		}
		// A Chinese display name from Douban beats a Latin one.
		if cast.ContainsChinese(candidate.Name) && !cast.ContainsChinese(seed.Name) {
			if seed.OriginalName == "" {
				seed.OriginalName = seed.Name
			}
			seed.Name = candidate.Name
		}
		seed.Character = cast.SelectBestRole(seed.Character, cast.CleanCharacterName(candidate.Role))

		if _, err := ids.Upsert(ctx, identity.Candidate{
			Name:     seed.Name,
			EmbyID:   seed.EmbyPersonID,
			TMDBID:   seed.TMDBID,
			IMDBID:   seed.IMDBID,
			DoubanID: seed.DoubanID,
		}); err != nil {
			p.logger.Warn().Err(err).Str("person", seed.Name).Msg("identity upsert failed during douban merge")
		}
	}
	return seeds, overflow
}

// matchSeed finds the seed a Douban candidate refers to: equal Douban
// id wins, then any case-folded equality between the candidate's
// name/original name and the seed's name/original name.
func matchSeed(seeds []cast.Record, candidate cast.Candidate) int {
	if candidate.DoubanID != "" {
		for i := range seeds {
			if seeds[i].DoubanID == candidate.DoubanID {
				return i
			}
		}
	}
	for i := range seeds {
		for _, seedName := range []string{seeds[i].Name, seeds[i].OriginalName} {
			if seedName == "" {
				continue
			}
			for _, candName := range []string{candidate.Name, candidate.OriginalName} {
				if candName != "" && strings.EqualFold(seedName, candName) {
					return i
				}
			}
		}
	}
	return -1
}

// promoteOverflow inserts unmatched Douban candidates whose identity
// map entry resolves to a TMDB person not already in the cast. No live
// TMDB search happens here; the map is the only promotion path.
func (p *Processor) promoteOverflow(ctx context.Context, ids *identity.Store, seeds []cast.Record, overflow []cast.Candidate, limit int) []cast.Record {
	if len(seeds) >= limit {
		for _, c := range overflow {
			p.logger.Debug().Str("name", c.Name).Msg("cast full, discarding douban candidate")
		}
		return seeds
	}

	inCast := make(map[int]bool, len(seeds))
	for _, s := range seeds {
		if s.TMDBID != 0 {
			inCast[s.TMDBID] = true
		}
	}

	for _, candidate := range overflow {
		if len(seeds) >= limit {
			p.logger.Debug().Str("name", candidate.Name).Msg("cast full, discarding douban candidate")
			continue
		}
		if candidate.DoubanID == "" {
			p.logger.Debug().Str("name", candidate.Name).Msg("no douban id, discarding candidate")
			continue
		}

		known, err := ids.FindByAnyID(ctx, identity.Candidate{DoubanID: candidate.DoubanID})
		if err != nil {
			p.logger.Warn().Err(err).Str("name", candidate.Name).Msg("identity lookup failed for overflow candidate")
			continue
		}
		if known == nil || known.TMDBPersonID == 0 || inCast[known.TMDBPersonID] {
			p.logger.Debug().Str("name", candidate.Name).Msg("no mapped tmdb person, discarding candidate")
			continue
		}

		seeds = append(seeds, cast.Record{
			TMDBID:       known.TMDBPersonID,
			Name:         candidate.Name,
			OriginalName: candidate.OriginalName,
			Character:    cast.CleanCharacterName(candidate.Role),
			Order:        cast.OrderUnset,
			IMDBID:       known.IMDBID,
			DoubanID:     candidate.DoubanID,
			NewlyAdded:   true,
		})
		inCast[known.TMDBPersonID] = true
		p.logger.Debug().Str("name", candidate.Name).Int("tmdb", known.TMDBPersonID).Msg("promoted douban candidate into cast")
	}
	return seeds
}

// truncate keeps the first limit records by display order, unknown
// positions last.
func truncate(records []cast.Record, limit int) []cast.Record {
	if len(records) <= limit {
		return records
	}
	sorted := make([]cast.Record, len(records))
	copy(sorted, records)
	// Stable selection: order ascending with unset orders at the back.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && orderKey(sorted[j-1].Order) > orderKey(sorted[j].Order); j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[:limit]
}

func orderKey(order int) int {
	if order < 0 {
		return 999
	}
	return order
}
