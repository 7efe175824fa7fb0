package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"docsync/live/internal/app"
	"docsync/live/internal/auth"
	"docsync/live/internal/broadcast"
	"docsync/live/internal/cache"
	"docsync/live/internal/collab"
	"docsync/live/internal/config"
	"docsync/live/internal/export"
	"docsync/live/internal/gitrepo"
	"docsync/live/internal/masking"
	"docsync/live/internal/search"
	"docsync/live/internal/store"
	"docsync/live/internal/util"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("docsync live server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := make(map[string]app.Pinger)
	deps := app.Deps{Logger: logger, Health: health}

	var (
		docs    store.DocumentStore
		checker auth.IdentityChecker
		db      *sql.DB
	)
	switch {
	case cfg.APIBaseURL != "":
		apiStore := store.NewAPIStore(cfg.APIBaseURL, nil)
		docs = apiStore
		checker = auth.NewAPIIdentityChecker(cfg.APIBaseURL, nil)
		health["store"] = apiStore
		logger.Info("using application API for persistence", "api_base_url", cfg.APIBaseURL)
	case cfg.DatabaseURL != "":
		var err error
		db, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, store.Migrations(cfg.MigrationsDir)); err != nil {
			return err
		}
		pgStore := store.NewPostgresStore(db)
		docs = pgStore
		checker = auth.NewLocalIdentityChecker(auth.SessionLookupFunc(func(ctx context.Context, cookie string) (auth.SessionRecord, error) {
			rec, err := pgStore.LookupSession(ctx, cookie)
			if err != nil {
				return auth.SessionRecord{}, err
			}
			return auth.SessionRecord{UserID: rec.UserID, DisplayName: rec.DisplayName, Role: rec.Role}, nil
		}), store.ErrNotFound)
		deps.Sessions = pgStore
		health["store"] = pgStore
		logger.Info("using postgres for persistence")
	default:
		return errors.New("API_BASE_URL or DATABASE_URL must be set")
	}

	engine := masking.New(
		masking.DefaultRules(masking.RuleOptions{EmailVisible: cfg.MaskEmailVisible}),
		masking.WithLogger(logger),
		masking.WithRedactHook(collab.CountRedaction),
	)
	relay := broadcast.NewRelay(logger)

	var pgfts *search.PgFTS
	if db != nil {
		pgfts = search.NewPgFTS(db)
	}
	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searchService := search.NewService(meili, pgfts, logger)
	deps.Search = searchService

	managerOpts := []collab.Option{
		collab.WithLogger(logger),
		collab.WithDebounce(cfg.DebounceInterval),
		collab.WithPersistTimeout(cfg.PersistTimeout),
		collab.WithIndexer(searchService),
	}

	if cfg.RedisURL != "" {
		stateCache, err := cache.NewStateCache(cfg.RedisURL, cfg.StateCacheTTL)
		if err != nil {
			return err
		}
		defer stateCache.Close()
		managerOpts = append(managerOpts, collab.WithStateCache(stateCache))
		health["redis"] = stateCache

		node := cfg.NodeID
		if node == "" {
			node = util.NewID("node")
		}
		bridge := broadcast.NewRedisBridge(stateCache.Client(), node, logger)
		if err := bridge.Run(ctx, relay); err != nil {
			return err
		}
		relay.SetBridge(bridge)
		logger.Info("redis relay bridge running", "node", node)
	}

	if cfg.S3Endpoint != "" {
		archive, err := store.NewArchiveStore(ctx, store.ArchiveConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return err
		}
		deps.Archive = archive
	}

	if cfg.RevisionsDir != "" {
		if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
			return err
		}
		deps.Revisions = gitrepo.New(cfg.RevisionsDir)
	}

	manager := collab.NewManager(docs, engine, relay, managerOpts...)
	deps.Docs = docs
	deps.Manager = manager
	deps.Engine = engine
	deps.Gateway = auth.NewGateway(checker, logger)
	deps.Exporter = export.NewService(engine)

	if meili != nil && pgfts != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("docsync live server listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	httpServer.CloseConnections()
	manager.Close()
	return nil
}
