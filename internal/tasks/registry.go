package tasks

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/cast"
	"github.com/castflow/castflow/internal/collections"
	"github.com/castflow/castflow/internal/config"
	"github.com/castflow/castflow/internal/database"
	"github.com/castflow/castflow/internal/emby"
	"github.com/castflow/castflow/internal/identity"
	"github.com/castflow/castflow/internal/logstore"
	"github.com/castflow/castflow/internal/override"
	"github.com/castflow/castflow/internal/processor"
	"github.com/castflow/castflow/internal/progress"
	"github.com/castflow/castflow/internal/subscriptions"
	"github.com/castflow/castflow/internal/translation"
	"github.com/castflow/castflow/internal/update"
	"github.com/castflow/castflow/internal/watchlist"
)

// personSyncBatch is the page size of the person-map sync; each page
// commits in its own transaction so an aborted sync keeps progress.
const personSyncBatch = 500

// Registry binds every background task body to the services it drives.
type Registry struct {
	Cfg         *config.Config
	DB          *database.DB
	Server      *emby.Client
	Processor   *processor.Processor
	Identity    *identity.Store
	Enricher    *identity.Enricher
	Translator  *translation.Service
	Logs        *logstore.Store
	Writer      *override.Writer
	Collections *collections.Service
	Metadata    *collections.MetadataSync
	Watchlist   *watchlist.Service
	Subs        *subscriptions.Service
	Transfer    *database.Transfer
	Update      *update.Service
	Logger      zerolog.Logger
}

// RegisterAll registers every task on the manager. Registration order
// is the order the task list shows in the UI.
func (r *Registry) RegisterAll(m *Manager) error {
	defs := []Definition{
		{Key: "full-scan", Name: "全量扫描", Description: "处理媒体库中所有未处理的电影和剧集", Type: progress.ActivityTypeScan, Run: r.runFullScan},
		{Key: "populate-metadata", Name: "快速同步媒体元数据", Description: "为筛选引擎填充本地媒体元数据缓存", Type: progress.ActivityTypeScan, Run: r.runPopulateMetadata},
		{Key: "sync-person-map", Name: "同步演员映射表", Description: "从媒体服务器同步全部演员到本地映射表", Type: progress.ActivityTypeScan, Run: r.runSyncPersonMap},
		{Key: "process-watchlist", Name: "智能追剧刷新", Description: "检查在追剧集的最新状态", Type: progress.ActivityTypeMaintenance, Run: r.runProcessWatchlist},
		{Key: "add-all-series", Name: "全量添加剧集到追剧", Description: "将媒体库中所有剧集加入智能追剧列表", Type: progress.ActivityTypeMaintenance, Run: r.runAddAllSeries},
		{Key: "enrich-aliases", Name: "演员元数据补充", Description: "为映射表补充 IMDb 等外部 ID", Type: progress.ActivityTypeEnrichment, Run: r.runEnrichAliases},
		{Key: "actor-cleanup", Name: "演员名翻译", Description: "翻译媒体服务器上未汉化的演员名", Type: progress.ActivityTypeEnrichment, Run: r.runActorCleanup},
		{Key: "refresh-collections", Name: "电影合集刷新", Description: "分析原生合集的缺失影片", Type: progress.ActivityTypeCollections, Run: r.runRefreshCollections},
		{Key: "custom-collections", Name: "自建合集刷新", Description: "生成并分析全部自建合集", Type: progress.ActivityTypeCollections, Run: r.runCustomCollections},
		{Key: "auto-subscribe", Name: "智能订阅", Description: "订阅合集中缺失的已上映影片", Type: progress.ActivityTypeCollections, Run: r.runAutoSubscribe},
		{Key: "actor-tracking", Name: "演员订阅扫描", Description: "扫描订阅演员的最新作品", Type: progress.ActivityTypeMaintenance, Run: r.runActorTracking},
		{Key: "reprocess-review", Name: "重新处理待复核项", Description: "重新处理待复核列表中的全部项目", Type: progress.ActivityTypeScan, Run: r.runReprocessReview},
		{Key: "sync-images", Name: "全量图片同步", Description: "为已处理项目下载海报等图片到本地", Type: progress.ActivityTypeMaintenance, Run: r.runSyncImages},
		{Key: "rebuild-actors", Name: "重建演员数据库", Description: "解除全部演员关联并触发深度刷新", Type: progress.ActivityTypeRebuild, Run: r.runRebuildActors},
		{Key: "import-database", Name: "数据库导入", Description: "从备份文件恢复所选数据表", Type: progress.ActivityTypeMaintenance, Run: r.runImportDatabase},
		{Key: "update-check", Name: "检查更新", Description: "查询最新发布版本", Type: progress.ActivityTypeMaintenance, Run: r.runUpdateCheck},
	}
	for _, def := range defs {
		if err := m.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// libraryIDs lists the scannable library roots minus the blacklist.
func (r *Registry) libraryIDs(ctx context.Context) ([]string, error) {
	libraries, err := r.Server.GetLibraries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	skip := make(map[string]bool)
	for _, name := range splitList(r.Cfg.Emby.LibraryBlacklist) {
		skip[name] = true
	}
	var ids []string
	for _, lib := range libraries {
		if skip[lib.Name] {
			continue
		}
		switch lib.CollectionType {
		case "movies", "tvshows", "mixed", "":
			ids = append(ids, lib.ID)
		}
	}
	return ids, nil
}

func (r *Registry) runFullScan(ctx context.Context, rc *RunContext) error {
	force, _ := rc.Args()["force"].(bool)
	if force {
		if err := r.Logs.ClearProcessed(ctx); err != nil {
			return err
		}
		rc.Logf("强制模式：已清空处理记录")
	}

	rc.SetProgress(0, "正在获取媒体列表...")
	ids, err := r.libraryIDs(ctx)
	if err != nil {
		return err
	}
	items, err := r.Server.GetLibraryItems(ctx, "Movie,Series", ids)
	if err != nil {
		return err
	}

	total := len(items)
	processed, skipped, failed := 0, 0, 0
	delay := time.Duration(r.Cfg.Processing.DelaySeconds * float64(time.Second))

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc.SetProgress(i*100/max(total, 1), fmt.Sprintf("(%d/%d) 正在处理: %s", i+1, total, item.Name))

		if !force {
			done, err := r.Logs.IsProcessed(ctx, item.ID)
			if err != nil {
				return err
			}
			if done {
				skipped++
				continue
			}
		}

		result, err := r.Processor.ProcessItem(ctx, item.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.Logger.Error().Err(err).Str("item", item.Name).Msg("full scan item errored")
			failed++
			continue
		}
		if result.Failed {
			failed++
		} else {
			processed++
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	rc.Logf("扫描完成：处理 %d，跳过 %d，待复核 %d", processed, skipped, failed)
	rc.SetProgress(100, fmt.Sprintf("扫描完成，共处理 %d 项", processed))
	return nil
}

func (r *Registry) runPopulateMetadata(ctx context.Context, rc *RunContext) error {
	_, err := r.Metadata.Run(ctx, rc.SetProgress)
	return err
}

// runSyncPersonMap walks every person object on the server and
// reconciles it into the identity map, one transaction per page.
func (r *Registry) runSyncPersonMap(ctx context.Context, rc *RunContext) error {
	rc.SetProgress(0, "正在统计服务器演员数量...")
	_, total, err := r.Server.GetPersons(ctx, 0, 1)
	if err != nil {
		return err
	}
	if total == 0 {
		rc.SetProgress(100, "服务器上没有演员条目")
		return nil
	}

	processed, upserted, skipped, errored := 0, 0, 0, 0
	for start := 0; start < total; start += personSyncBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		persons, _, err := r.Server.GetPersons(ctx, start, personSyncBatch)
		if err != nil {
			return err
		}
		if len(persons) == 0 {
			break
		}

		tx, err := r.DB.Conn().BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin person batch: %w", err)
		}
		ids := r.Identity.WithTx(tx)
		for _, person := range persons {
			processed++
			if person.Name == "" {
				skipped++
				continue
			}
			tmdbID, _ := strconv.Atoi(person.ProviderID(emby.ProviderTmdb))
			_, err := ids.Upsert(ctx, identity.Candidate{
				Name:     person.Name,
				EmbyID:   person.ID,
				TMDBID:   tmdbID,
				IMDBID:   person.ProviderID(emby.ProviderImdb),
				DoubanID: person.ProviderID(emby.ProviderDouban),
			})
			if err != nil {
				errored++
				continue
			}
			upserted++
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit person batch: %w", err)
		}
		rc.SetProgress(processed*100/total, fmt.Sprintf("已同步 %d/%d 个演员", processed, total))
	}

	rc.Logf("映射表同步完成：处理 %d，写入 %d，跳过 %d，失败 %d", processed, upserted, skipped, errored)
	rc.SetProgress(100, fmt.Sprintf("同步完成，共 %d 个演员", upserted))
	return nil
}

func (r *Registry) runProcessWatchlist(ctx context.Context, rc *RunContext) error {
	itemID, _ := rc.StringArg("item_id")
	return r.Watchlist.Refresh(ctx, itemID, watchlist.Report(rc.SetProgress))
}

// runAddAllSeries chains the watchlist refresh after the bulk add, the
// way the scan button behaves in the UI.
func (r *Registry) runAddAllSeries(ctx context.Context, rc *RunContext) error {
	added, err := r.Watchlist.AddAllSeries(ctx, watchlist.Report(rc.SetProgress))
	if err != nil {
		return err
	}
	if added == 0 {
		rc.SetProgress(100, "没有发现可新增的剧集")
		return nil
	}
	rc.Logf("新增 %d 部剧集，开始检查状态", added)
	return r.Watchlist.Refresh(ctx, "", watchlist.Report(rc.SetProgress))
}

func (r *Registry) runEnrichAliases(ctx context.Context, rc *RunContext) error {
	opts := identity.EnricherOptions{
		MaxDuration:  time.Duration(r.Cfg.Enricher.DurationMinutes) * time.Minute,
		SyncInterval: time.Duration(r.Cfg.Enricher.SyncIntervalDays) * 24 * time.Hour,
		Workers:      r.Cfg.Enricher.Workers,
	}
	stats, err := r.Enricher.Run(ctx, opts, func(msg string) { rc.SetProgress(-1, msg) })
	if err != nil {
		return err
	}
	rc.Logf("元数据补充完成：检查 %d，更新 %d，失败 %d", stats.Checked, stats.Updated, stats.Failed)
	if stats.TimedOut {
		rc.SetProgress(100, "已达到本次运行时长上限，下次继续")
	} else {
		rc.SetProgress(100, fmt.Sprintf("补充完成，更新 %d 条", stats.Updated))
	}
	return nil
}

// runActorCleanup renames server persons whose names the translation
// cache can already localize. A small pause between updates keeps the
// server responsive.
func (r *Registry) runActorCleanup(ctx context.Context, rc *RunContext) error {
	rc.SetProgress(0, "正在准备需要翻译的演员数据...")
	_, total, err := r.Server.GetPersons(ctx, 0, 1)
	if err != nil {
		return err
	}

	processed, updated := 0, 0
	for start := 0; start < total; start += personSyncBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		persons, _, err := r.Server.GetPersons(ctx, start, personSyncBatch)
		if err != nil {
			return err
		}
		if len(persons) == 0 {
			break
		}

		for _, person := range persons {
			processed++
			if person.Name == "" || cast.ContainsChinese(person.Name) || translation.ShouldSkip(person.Name) {
				continue
			}
			translated := r.Translator.Translate(ctx, person.Name)
			if translated == "" || translated == person.Name {
				continue
			}
			if err := r.Server.UpdatePersonDetails(ctx, person.ID, translated); err != nil {
				r.Logger.Warn().Err(err).Str("person", person.Name).Msg("person rename failed")
				continue
			}
			updated++
			rc.SetProgress(processed*100/max(total, 1), fmt.Sprintf("(%d/%d) 正在更新: %s -> %s", processed, total, person.Name, translated))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
	}

	rc.SetProgress(100, fmt.Sprintf("任务完成，共更新 %d 个演员名", updated))
	return nil
}

func (r *Registry) runRefreshCollections(ctx context.Context, rc *RunContext) error {
	return r.Collections.RefreshNative(ctx, rc.SetProgress)
}

func (r *Registry) runCustomCollections(ctx context.Context, rc *RunContext) error {
	if id, ok := rc.IntArg("collection_id"); ok {
		rc.SetProgress(-1, "正在刷新自建合集...")
		if err := r.Collections.RefreshCustom(ctx, id); err != nil {
			return err
		}
		rc.SetProgress(100, "自建合集刷新完成")
		return nil
	}
	return r.Collections.RefreshAllCustom(ctx, rc.SetProgress)
}

func (r *Registry) runAutoSubscribe(ctx context.Context, rc *RunContext) error {
	stats, err := r.Collections.AutoSubscribe(ctx, rc.SetProgress)
	if err != nil {
		return err
	}
	rc.Logf("智能订阅完成：尝试 %d，订阅 %d，跳过 %d", stats.Attempted, stats.Subscribed, stats.Skipped)
	return nil
}

func (r *Registry) runActorTracking(ctx context.Context, rc *RunContext) error {
	if id, ok := rc.IntArg("subscription_id"); ok {
		rc.SetProgress(-1, "正在扫描该演员的作品...")
		if err := r.Subs.ScanOne(ctx, id); err != nil {
			return err
		}
		rc.SetProgress(100, "演员作品扫描完成")
		return nil
	}
	return r.Subs.ScanAll(ctx, subscriptions.Report(rc.SetProgress))
}

func (r *Registry) runReprocessReview(ctx context.Context, rc *RunContext) error {
	if itemID, ok := rc.StringArg("item_id"); ok && itemID != "" {
		rc.SetProgress(-1, "正在重新处理该项目...")
		result, err := r.Processor.ProcessItem(ctx, itemID)
		if err != nil {
			return err
		}
		if result.Failed {
			rc.SetProgress(100, fmt.Sprintf("处理未通过: %s", result.Reason))
		} else {
			rc.SetProgress(100, fmt.Sprintf("重新处理完成: %s", result.ItemName))
		}
		return nil
	}

	ids, err := r.Logs.ListFailedIDs(ctx)
	if err != nil {
		return err
	}
	total := len(ids)
	if total == 0 {
		rc.SetProgress(100, "待复核列表为空")
		return nil
	}

	for i, itemID := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc.SetProgress(i*100/total, fmt.Sprintf("正在重新处理 %d/%d", i+1, total))
		if _, err := r.Processor.ProcessItem(ctx, itemID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.Logger.Warn().Err(err).Str("item", itemID).Msg("reprocess failed")
		}
	}
	rc.SetProgress(100, fmt.Sprintf("重新处理完成，共 %d 项", total))
	return nil
}

func (r *Registry) runSyncImages(ctx context.Context, rc *RunContext) error {
	ids, err := r.Logs.ListProcessedIDs(ctx)
	if err != nil {
		return err
	}
	total := len(ids)
	if total == 0 {
		rc.SetProgress(100, "没有已处理的项目")
		return nil
	}

	synced := 0
	for i, itemID := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := r.Server.GetItemDetails(ctx, itemID)
		if err != nil {
			r.Logger.Warn().Err(err).Str("item", itemID).Msg("image sync item fetch failed")
			continue
		}
		rc.SetProgress(i*100/total, fmt.Sprintf("(%d/%d) 正在同步图片: %s", i+1, total, item.Name))
		if err := r.Writer.SyncItemImages(ctx, r.Server, item, override.AllImageKinds); err != nil {
			r.Logger.Warn().Err(err).Str("item", item.Name).Msg("image sync failed")
			continue
		}
		synced++
	}
	rc.SetProgress(100, fmt.Sprintf("图片同步完成，共 %d 项", synced))
	return nil
}

// runRebuildActors is destructive: it deletes every person object on
// the server and clears local links, then hands off to the server's
// own deep refresh. sync-person-map relinks ids afterwards.
func (r *Registry) runRebuildActors(ctx context.Context, rc *RunContext) error {
	rc.SetProgress(0, "阶段 1/3: 正在解除所有媒体的演员关联...")
	err := r.Server.ClearAllPersonsViaApi(ctx, func(pct int) {
		rc.SetProgress(pct*60/100, "阶段 1/3: 正在解除所有媒体的演员关联...")
	})
	if err != nil {
		return err
	}

	rc.SetProgress(60, "阶段 2/3: 正在清空本地映射表中的服务器ID...")
	cleared, err := r.Identity.ClearEmbyIDs(ctx)
	if err != nil {
		return err
	}
	rc.Logf("已清空 %d 条本地映射的服务器ID", cleared)

	rc.SetProgress(65, "阶段 3/3: 正在触发所有媒体库的深度刷新...")
	if err := r.Server.StartLibraryScan(ctx); err != nil {
		r.Logger.Warn().Err(err).Msg("library refresh request failed")
	}
	rc.SetProgress(100, "重建第一阶段完成。请等待服务器刷新结束后执行【同步演员映射表】。")
	return nil
}

func (r *Registry) runImportDatabase(ctx context.Context, rc *RunContext) error {
	content, ok := rc.StringArg("content")
	if !ok {
		return fmt.Errorf("import task needs backup file content")
	}
	mode, _ := rc.StringArg("mode")
	var tables []string
	if raw, ok := rc.Args()["tables"].([]any); ok {
		for _, entry := range raw {
			if name, ok := entry.(string); ok {
				tables = append(tables, name)
			}
		}
	}

	backup, err := database.ParseBackup([]byte(content))
	if err != nil {
		return err
	}
	rc.SetProgress(-1, "正在导入数据库备份...")
	stats, err := r.Transfer.Import(ctx, backup, tables, database.ImportMode(mode))
	if err != nil {
		return err
	}
	for _, st := range stats {
		if st.Skipped {
			rc.Logf("表 '%s': 跳过 (%s)", st.Label, st.Reason)
			continue
		}
		rc.Logf("表 '%s': 新增 %d 条, 更新 %d 条, 保留 %d 条", st.Label, st.Inserted, st.Updated, st.Kept)
	}
	rc.SetProgress(100, "导入成功完成")
	return nil
}

func (r *Registry) runUpdateCheck(ctx context.Context, rc *RunContext) error {
	rc.SetProgress(-1, "正在检查最新版本...")
	status, err := r.Update.Check(ctx, true)
	if err != nil {
		return err
	}
	rc.SetProgress(100, fmt.Sprintf("检查完成: %s", status.State))
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
