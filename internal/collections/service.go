package collections

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/emby"
	"github.com/castflow/castflow/internal/metadata/tmdb"
	"github.com/castflow/castflow/internal/moviepilot"
)

// nativeWorkers bounds concurrent boxset lookups during a refresh.
const nativeWorkers = 5

// MediaServer is the slice of the server adapter the engine uses.
type MediaServer interface {
	GetBoxsets(ctx context.Context) ([]emby.Item, error)
	GetCollectionChildren(ctx context.Context, collectionID string) ([]emby.Item, error)
	GetItemDetails(ctx context.Context, itemID string) (*emby.Item, error)
	CreateOrUpdateCollection(ctx context.Context, name string, tmdbIDs []string, itemType string) (string, []string, error)
	AppendItemToCollection(ctx context.Context, collectionID, itemID string) error
}

// MediaCatalog is the slice of the TMDB client the engine uses for
// member release dates and posters.
type MediaCatalog interface {
	GetMovieDetails(ctx context.Context, movieID int) (*tmdb.MovieDetails, error)
	GetTvDetails(ctx context.Context, tvID int) (*tmdb.TVDetails, error)
	GetCollectionDetails(ctx context.Context, collectionID int) (*tmdb.CollectionDetails, error)
}

// Subscriber pushes missing members to the acquisition backend.
type Subscriber interface {
	Enabled() bool
	SubscribeMovie(ctx context.Context, tmdbID int, title string) error
	SubscribeSeries(ctx context.Context, tmdbID, season int, title string) error
}

// Service drives both native boxset snapshots and custom collections.
type Service struct {
	store      *Store
	server     MediaServer
	catalog    MediaCatalog
	importer   *Importer
	subscriber Subscriber
	logger     zerolog.Logger
}

// NewService wires the collection engine.
func NewService(store *Store, server MediaServer, catalog MediaCatalog, importer *Importer, subscriber Subscriber, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		server:     server,
		catalog:    catalog,
		importer:   importer,
		subscriber: subscriber,
		logger:     logger.With().Str("component", "collections").Logger(),
	}
}

// Report receives coarse progress from long refreshes; nil is fine.
type Report func(percent int, message string)

func (r Report) emit(percent int, message string) {
	if r != nil {
		r(percent, message)
	}
}

// --- native boxsets (collections_info) ---

// RefreshNative snapshots every server boxset that carries a TMDB
// collection id: members are classified against the library and the
// snapshot rows upserted, with vanished boxsets pruned first.
func (s *Service) RefreshNative(ctx context.Context, report Report) error {
	report.emit(0, "正在获取服务器合集列表...")
	boxsets, err := s.server.GetBoxsets(ctx)
	if err != nil {
		return fmt.Errorf("list server boxsets: %w", err)
	}

	keep := make([]string, 0, len(boxsets))
	for _, b := range boxsets {
		keep = append(keep, b.ID)
	}
	if _, err := s.store.PruneInfo(ctx, keep); err != nil {
		return err
	}

	type outcome struct {
		info *Info
		name string
		err  error
	}

	jobs := make(chan emby.Item)
	results := make(chan outcome)

	var wg sync.WaitGroup
	workers := nativeWorkers
	if len(boxsets) < workers {
		workers = len(boxsets)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for boxset := range jobs {
				info, err := s.snapshotBoxset(ctx, boxset)
				results <- outcome{info: info, name: boxset.Name, err: err}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, boxset := range boxsets {
			select {
			case jobs <- boxset:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	done, total := 0, len(boxsets)
	for out := range results {
		done++
		if total > 0 {
			report.emit(done*100/total, fmt.Sprintf("处理中: %s (%d/%d)", out.name, done, total))
		}
		if out.err != nil {
			if errors.Is(out.err, context.Canceled) {
				return out.err
			}
			s.logger.Warn().Err(out.err).Str("collection", out.name).Msg("boxset snapshot failed")
			continue
		}
		if out.info == nil {
			continue
		}
		if err := s.store.SaveInfo(ctx, *out.info); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// snapshotBoxset builds the snapshot for one boxset; nil when the
// boxset carries no TMDB collection id.
func (s *Service) snapshotBoxset(ctx context.Context, boxset emby.Item) (*Info, error) {
	collectionID := firstProviderID(&boxset, "TmdbCollection", "TmdbCollectionId", "Tmdb")
	if collectionID == "" {
		return nil, nil
	}
	numericID, err := strconv.Atoi(collectionID)
	if err != nil {
		return nil, nil
	}

	children, err := s.server.GetCollectionChildren(ctx, boxset.ID)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", boxset.Name, err)
	}
	inLibrary := make(map[string]bool, len(children))
	for _, child := range children {
		if id := child.ProviderID("Tmdb"); id != "" {
			inLibrary[id] = true
		}
	}

	details, err := s.catalog.GetCollectionDetails(ctx, numericID)
	if err != nil {
		if errors.Is(err, tmdb.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch TMDB collection %d: %w", numericID, err)
	}

	previous := make(map[string]Member)
	if prior, err := s.store.GetInfo(ctx, boxset.ID); err == nil && prior != nil {
		for _, m := range prior.Members {
			previous[strconv.Itoa(m.TMDBID)] = m
		}
	}

	members, hasMissing := classifyMembers(collectionSeeds(details), inLibrary, previous)

	info := &Info{
		EmbyCollectionID: boxset.ID,
		Name:             boxset.Name,
		TMDBCollectionID: collectionID,
		ItemType:         "Movie",
		Status:           healthStatus(hasMissing),
		HasMissing:       hasMissing,
		Members:          members,
		InLibraryCount:   len(inLibrary),
		LastCheckedAt:    time.Now(),
	}
	if tag := boxset.ImageTags["Primary"]; tag != "" {
		info.PosterPath = fmt.Sprintf("/Items/%s/Images/Primary?tag=%s", boxset.ID, tag)
	}
	return info, nil
}

// --- custom collections ---

// RefreshAllCustom refreshes every active custom collection in order.
func (s *Service) RefreshAllCustom(ctx context.Context, report Report) error {
	customs, err := s.store.ListCustom(ctx)
	if err != nil {
		return err
	}
	total := len(customs)
	for idx, c := range customs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Status != "active" {
			continue
		}
		if total > 0 {
			report.emit(idx*100/total, fmt.Sprintf("(%d/%d) 正在处理: %s", idx+1, total, c.Name))
		}
		if err := s.RefreshCustom(ctx, c.ID); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logger.Error().Err(err).Str("collection", c.Name).Msg("custom collection refresh failed")
		}
	}
	return nil
}

// RefreshCustom regenerates one custom collection: resolve its target
// ids, sync the server boxset, then record membership and health.
func (s *Service) RefreshCustom(ctx context.Context, id int64) error {
	c, err := s.store.GetCustom(ctx, id)
	if err != nil {
		return err
	}

	tmdbIDs, err := s.resolveTargets(ctx, c)
	if err != nil {
		return fmt.Errorf("resolve collection %q: %w", c.Name, err)
	}
	if len(tmdbIDs) == 0 {
		s.logger.Warn().Str("collection", c.Name).Msg("collection resolved to no members")
		return s.store.SaveCustomResult(ctx, c.ID, "", "ok", 0, 0, nil, "")
	}

	idStrings := make([]string, len(tmdbIDs))
	for i, n := range tmdbIDs {
		idStrings[i] = strconv.Itoa(n)
	}
	embyID, matched, err := s.server.CreateOrUpdateCollection(ctx, c.Name, idStrings, c.ItemType)
	if err != nil {
		return fmt.Errorf("sync collection %q to server: %w", c.Name, err)
	}

	posterPath := ""
	if embyID != "" {
		if details, err := s.server.GetItemDetails(ctx, embyID); err == nil {
			if tag := details.ImageTags["Primary"]; tag != "" {
				posterPath = fmt.Sprintf("/Items/%s/Images/Primary?tag=%s", embyID, tag)
			}
		}
	}

	if c.Type != "list" {
		// Filter collections track no per-member status.
		return s.store.SaveCustomResult(ctx, c.ID, embyID, "ok", len(matched), 0, nil, posterPath)
	}

	inLibrary := make(map[string]bool, len(matched))
	for _, m := range matched {
		inLibrary[m] = true
	}
	previous := make(map[string]Member, len(c.Members))
	for _, m := range c.Members {
		previous[strconv.Itoa(m.TMDBID)] = m
	}

	seeds, err := s.memberSeeds(ctx, tmdbIDs, c.ItemType)
	if err != nil {
		return err
	}
	members, hasMissing := classifyMembers(seeds, inLibrary, previous)
	missing := 0
	for _, m := range members {
		if m.Status == StatusMissing {
			missing++
		}
	}
	return s.store.SaveCustomResult(ctx, c.ID, embyID, healthStatus(hasMissing), len(inLibrary), missing, members, posterPath)
}

func (s *Service) resolveTargets(ctx context.Context, c *Custom) ([]int, error) {
	switch c.Type {
	case "list":
		def, err := ParseListDefinition(c.Definition)
		if err != nil {
			return nil, err
		}
		return s.importer.Resolve(ctx, def)
	case "filter":
		def, err := ParseFilterDefinition(c.Definition)
		if err != nil {
			return nil, err
		}
		rows, err := s.store.ListMedia(ctx, c.ItemType)
		if err != nil {
			return nil, err
		}
		var ids []int
		for _, row := range def.Filter(rows) {
			if n, err := strconv.Atoi(row.TMDBID); err == nil {
				ids = append(ids, n)
			}
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("unknown collection type %q", c.Type)
	}
}

// memberSeeds fetches title/date/poster for each target id. Ids TMDB
// no longer serves are dropped.
func (s *Service) memberSeeds(ctx context.Context, tmdbIDs []int, itemType string) ([]memberSeed, error) {
	seeds := make([]memberSeed, 0, len(tmdbIDs))
	for _, id := range tmdbIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var seed memberSeed
		if itemType == "Series" {
			details, err := s.catalog.GetTvDetails(ctx, id)
			if err != nil {
				if errors.Is(err, tmdb.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("fetch TV %d: %w", id, err)
			}
			seed = memberSeed{ID: id, Title: details.Name, ReleaseDate: details.FirstAirDate, PosterPath: deref(details.PosterPath)}
		} else {
			details, err := s.catalog.GetMovieDetails(ctx, id)
			if err != nil {
				if errors.Is(err, tmdb.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("fetch movie %d: %w", id, err)
			}
			seed = memberSeed{ID: id, Title: details.Title, ReleaseDate: details.ReleaseDate, PosterPath: deref(details.PosterPath)}
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// --- auto-subscribe ---

// SubscribeStats summarizes one auto-subscribe run.
type SubscribeStats struct {
	Attempted  int
	Subscribed int
	Skipped    int
}

// AutoSubscribe walks every snapshot in has_missing state and pushes
// released missing members to the subscribe backend, flipping their
// status on success.
func (s *Service) AutoSubscribe(ctx context.Context, report Report) (SubscribeStats, error) {
	var stats SubscribeStats
	if s.subscriber == nil || !s.subscriber.Enabled() {
		s.logger.Info().Msg("subscribe backend disabled, skipping auto-subscribe")
		return stats, nil
	}

	report.emit(0, "正在检查原生合集缺失影片...")
	infos, err := s.store.ListInfo(ctx)
	if err != nil {
		return stats, err
	}
	for i := range infos {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		info := &infos[i]
		if !info.HasMissing {
			continue
		}
		changed := s.subscribeMissing(ctx, info.Members, "Movie", &stats)
		if changed {
			info.HasMissing = anyMissing(info.Members)
			info.Status = healthStatus(info.HasMissing)
			if err := s.store.SaveInfo(ctx, *info); err != nil {
				return stats, err
			}
		}
	}

	report.emit(50, "正在检查自定义合集缺失影片...")
	customs, err := s.store.ListCustom(ctx)
	if err != nil {
		return stats, err
	}
	for i := range customs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		c := &customs[i]
		if c.Type != "list" || c.HealthStatus != "has_missing" {
			continue
		}
		changed := s.subscribeMissing(ctx, c.Members, c.ItemType, &stats)
		if changed {
			missing := 0
			for _, m := range c.Members {
				if m.Status == StatusMissing {
					missing++
				}
			}
			err := s.store.SaveCustomResult(ctx, c.ID, c.EmbyID, healthStatus(missing > 0),
				c.InLibraryCount, missing, c.Members, c.PosterPath)
			if err != nil {
				return stats, err
			}
		}
	}

	report.emit(100, fmt.Sprintf("订阅完成: %d 部已提交", stats.Subscribed))
	return stats, nil
}

// subscribeMissing mutates members in place, returning whether any
// status changed.
func (s *Service) subscribeMissing(ctx context.Context, members []Member, itemType string, stats *SubscribeStats) bool {
	today := time.Now().Format("2006-01-02")
	changed := false
	for i := range members {
		m := &members[i]
		if m.Status != StatusMissing {
			continue
		}
		if m.ReleaseDate == "" || m.ReleaseDate > today {
			stats.Skipped++
			continue
		}
		stats.Attempted++

		var err error
		if itemType == "Series" {
			err = s.subscriber.SubscribeSeries(ctx, m.TMDBID, 1, m.Title)
		} else {
			err = s.subscriber.SubscribeMovie(ctx, m.TMDBID, m.Title)
		}
		switch {
		case err == nil, errors.Is(err, moviepilot.ErrSubscribed):
			m.Status = StatusSubscribed
			stats.Subscribed++
			changed = true
		default:
			s.logger.Warn().Err(err).Str("title", m.Title).Msg("subscribe failed")
		}
	}
	return changed
}

// --- webhook append ---

// AppendMatching adds a freshly added item to every filter collection
// whose rules accept its metadata.
func (s *Service) AppendMatching(ctx context.Context, itemID string, row MediaRow) error {
	customs, err := s.store.ListCustom(ctx)
	if err != nil {
		return err
	}
	for _, c := range customs {
		if c.Type != "filter" || c.EmbyID == "" || c.Status != "active" {
			continue
		}
		if c.ItemType != "" && c.ItemType != row.ItemType {
			continue
		}
		def, err := ParseFilterDefinition(c.Definition)
		if err != nil {
			s.logger.Warn().Err(err).Str("collection", c.Name).Msg("skipping collection with bad definition")
			continue
		}
		if !def.Matches(row) {
			continue
		}
		if err := s.server.AppendItemToCollection(ctx, c.EmbyID, itemID); err != nil {
			s.logger.Warn().Err(err).Str("collection", c.Name).Msg("append to collection failed")
			continue
		}
		s.logger.Info().Str("collection", c.Name).Str("item", row.Title).Msg("item appended to filter collection")
	}
	return nil
}

// --- shared helpers ---

type memberSeed struct {
	ID          int
	Title       string
	ReleaseDate string
	PosterPath  string
}

func collectionSeeds(details *tmdb.CollectionDetails) []memberSeed {
	seeds := make([]memberSeed, 0, len(details.Parts))
	for _, part := range details.Parts {
		seeds = append(seeds, memberSeed{
			ID:          part.ID,
			Title:       part.Title,
			ReleaseDate: part.ReleaseDate,
			PosterPath:  deref(part.PosterPath),
		})
	}
	return seeds
}

// classifyMembers derives each member's status: in-library wins, a
// prior subscribed sticks, future dates are unreleased, the rest are
// missing.
func classifyMembers(seeds []memberSeed, inLibrary map[string]bool, previous map[string]Member) ([]Member, bool) {
	today := time.Now().Format("2006-01-02")
	members := make([]Member, 0, len(seeds))
	hasMissing := false
	for _, seed := range seeds {
		key := strconv.Itoa(seed.ID)
		member := Member{
			TMDBID:      seed.ID,
			Title:       seed.Title,
			ReleaseDate: seed.ReleaseDate,
			PosterPath:  seed.PosterPath,
		}
		switch {
		case inLibrary[key]:
			member.Status = StatusInLibrary
		case previous[key].Status == StatusSubscribed:
			member.Status = StatusSubscribed
		case seed.ReleaseDate != "" && seed.ReleaseDate > today:
			member.Status = StatusUnreleased
		default:
			member.Status = StatusMissing
			hasMissing = true
		}
		members = append(members, member)
	}
	return members, hasMissing
}

func anyMissing(members []Member) bool {
	for _, m := range members {
		if m.Status == StatusMissing {
			return true
		}
	}
	return false
}

func healthStatus(hasMissing bool) string {
	if hasMissing {
		return "has_missing"
	}
	return "ok"
}

func firstProviderID(item *emby.Item, keys ...string) string {
	for _, key := range keys {
		if v := item.ProviderID(key); v != "" {
			return v
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
