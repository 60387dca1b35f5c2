package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/castflow/castflow/internal/api"
	"github.com/castflow/castflow/internal/auth"
	"github.com/castflow/castflow/internal/collections"
	"github.com/castflow/castflow/internal/config"
	"github.com/castflow/castflow/internal/database"
	"github.com/castflow/castflow/internal/emby"
	"github.com/castflow/castflow/internal/identity"
	"github.com/castflow/castflow/internal/localcache"
	"github.com/castflow/castflow/internal/logger"
	"github.com/castflow/castflow/internal/logstore"
	"github.com/castflow/castflow/internal/metadata/douban"
	"github.com/castflow/castflow/internal/metadata/tmdb"
	"github.com/castflow/castflow/internal/moviepilot"
	"github.com/castflow/castflow/internal/override"
	"github.com/castflow/castflow/internal/processor"
	"github.com/castflow/castflow/internal/progress"
	"github.com/castflow/castflow/internal/scheduler"
	schedtasks "github.com/castflow/castflow/internal/scheduler/tasks"
	"github.com/castflow/castflow/internal/subscriptions"
	"github.com/castflow/castflow/internal/tasks"
	"github.com/castflow/castflow/internal/translation"
	"github.com/castflow/castflow/internal/update"
	"github.com/castflow/castflow/internal/watchlist"
	"github.com/castflow/castflow/internal/webhook"
	"github.com/castflow/castflow/internal/websocket"
)

func main() {
	// A .env next to the binary feeds CASTFLOW_* variables into viper.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if err := cfg.Validate(); err != nil {
		panic("invalid config: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:           cfg.Logging.Level,
		Format:          cfg.Logging.Format,
		Path:            cfg.Logging.Path,
		MaxSizeMB:       cfg.Logging.MaxSizeMB,
		MaxBackups:      cfg.Logging.MaxBackups,
		MaxAgeDays:      cfg.Logging.MaxAgeDays,
		Compress:        cfg.Logging.Compress,
		EnableStreaming: true,
		BufferSize:      1000,
	})
	defer log.Close()

	log.Info().Str("version", config.Version).Msg("starting CastFlow")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	hub := websocket.NewHub()
	go hub.Run()
	log.SetBroadcastHub(hub)

	authService, err := auth.NewService(db.Conn(), cfg.Auth, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize auth")
	}
	if err := authService.EnsureAdminUser(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to provision admin user")
	}

	// Clients.
	server := emby.NewClient(cfg.Emby, log.Logger)
	catalog := tmdb.NewClient(cfg.TMDB, log.Logger)
	doubanClient := douban.NewClient(cfg.Douban, log.Logger)
	subscriber := moviepilot.NewClient(cfg.MoviePilot, log.Logger)

	// Stores and the translation stack.
	ids := identity.NewStore(db.Conn(), log.Logger)
	logs := logstore.NewStore(db.Conn(), log.Logger)
	cache := translation.NewCache(db.Conn(), log.Logger)
	translator := translation.NewService(
		cache,
		translation.NewAITranslator(cfg.Translation.AI, log.Logger),
		translation.NewEngines(cfg.Translation.Engines, log.Logger),
		log.Logger,
	)
	enricher := identity.NewEnricher(db.Conn(), ids, catalog, doubanClient, log.Logger)

	// Local sidecar tree and the cast pipeline.
	local := localcache.NewReader(cfg.LocalData.Path, log.Logger)
	writer := override.NewWriter(cfg.LocalData.Path, log.Logger)
	proc := processor.New(db, ids, logs, translator, server, doubanClient, local, writer, cfg.Processing, log.Logger)
	editor := processor.NewEditor(proc)

	// Collections, watchlist, subscriptions.
	collStore := collections.NewStore(db.Conn(), log.Logger)
	collService := collections.NewService(collStore, server, catalog, collections.NewImporter(catalog, log.Logger), subscriber, log.Logger)
	metaSync := collections.NewMetadataSync(collStore, server, local, cfg.Emby.LibraryBlacklist, log.Logger)
	watchlistService := watchlist.NewService(db.Conn(), server, catalog, log.Logger)
	subsService := subscriptions.NewService(db.Conn(), server, catalog, subscriber, log.Logger)

	transfer := database.NewTransfer(db, log.Logger)
	updateService := update.NewService(cfg.Update, config.Version, log.Logger)

	// Task slot and registry.
	manager := tasks.NewManager(progress.NewManager(hub, log.Logger), log.Logger)
	registry := &tasks.Registry{
		Cfg:         cfg,
		DB:          db,
		Server:      server,
		Processor:   proc,
		Identity:    ids,
		Enricher:    enricher,
		Translator:  translator,
		Logs:        logs,
		Writer:      writer,
		Collections: collService,
		Metadata:    metaSync,
		Watchlist:   watchlistService,
		Subs:        subsService,
		Transfer:    transfer,
		Update:      updateService,
		Logger:      log.Logger,
	}
	if err := registry.RegisterAll(manager); err != nil {
		log.Fatal().Err(err).Msg("failed to register tasks")
	}

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	if err := schedtasks.RegisterAll(sched, cfg.Schedule, manager, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("failed to register schedules")
	}
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	webhookHandlers := webhook.NewHandlers(
		server, server, proc, watchlistService, metaSync, collService, writer,
		cfg.Processing.SyncImages, log.Logger,
	)

	srv := api.NewServer(api.Deps{
		Config:        config.NewManager(cfg, *configPath),
		Auth:          auth.NewHandlers(authService),
		Hub:           hub,
		Tasks:         manager,
		Logs:          logs,
		Editor:        editor,
		Transfer:      transfer,
		Version:       config.Version,
		Collections:   collections.NewHandlers(collStore, collService, manager.SubmitArgs),
		Watchlist:     watchlist.NewHandlers(watchlistService, manager.SubmitArgs),
		Subscriptions: subscriptions.NewHandlers(subsService, manager.SubmitArgs),
		Update:        update.NewHandlers(updateService),
		Webhook:       webhookHandlers,
	}, log.Logger)

	go func() {
		if err := srv.Start(cfg.Server.Address()); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Str("address", cfg.Server.Address()).Msg("CastFlow is ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	manager.Stop()
	if err := sched.Stop(); err != nil {
		log.Warn().Err(err).Msg("scheduler shutdown failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}
