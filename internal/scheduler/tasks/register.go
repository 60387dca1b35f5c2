// Package tasks maps the configured cron expressions onto the task
// manager. Each schedule just submits its task key; a busy slot means
// the run is skipped and the next cron tick tries again.
package tasks

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/config"
	"github.com/castflow/castflow/internal/scheduler"
	taskmgr "github.com/castflow/castflow/internal/tasks"
)

// schedule binds one config field to a task key.
type schedule struct {
	id   string
	name string
	key  string
	cron string
}

// RegisterAll wires every non-empty cron expression from the config.
func RegisterAll(s *scheduler.Scheduler, cfg config.ScheduleConfig, manager *taskmgr.Manager, logger zerolog.Logger) error {
	schedules := []schedule{
		{id: "scheduled-full-scan", name: "定时全量扫描", key: "full-scan", cron: cfg.FullScan},
		{id: "scheduled-populate-metadata", name: "定时元数据同步", key: "populate-metadata", cron: cfg.PopulateMetadata},
		{id: "scheduled-enrich-aliases", name: "定时演员元数据补充", key: "enrich-aliases", cron: cfg.EnrichAliases},
		{id: "scheduled-refresh-collections", name: "定时合集刷新", key: "refresh-collections", cron: cfg.RefreshCollections},
		{id: "scheduled-process-watchlist", name: "定时追剧刷新", key: "process-watchlist", cron: cfg.ProcessWatchlist},
		{id: "scheduled-auto-subscribe", name: "定时智能订阅", key: "auto-subscribe", cron: cfg.AutoSubscribe},
		{id: "scheduled-actor-tracking", name: "定时演员订阅扫描", key: "actor-tracking", cron: cfg.ActorTracking},
		{id: "scheduled-update-check", name: "定时检查更新", key: "update-check", cron: cfg.UpdateCheck},
	}

	for _, sched := range schedules {
		if sched.cron == "" {
			continue
		}
		sched := sched
		err := s.RegisterTask(scheduler.TaskConfig{
			ID:   sched.id,
			Name: sched.name,
			Cron: sched.cron,
			Func: func(ctx context.Context) error {
				accepted, err := manager.Submit(sched.key)
				if err != nil {
					return err
				}
				if !accepted {
					logger.Info().Str("task", sched.key).Msg("task slot busy, scheduled run skipped")
				}
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("register schedule %s: %w", sched.id, err)
		}
	}
	return nil
}
