package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cold-bot/browser"
	"cold-bot/config"
	"cold-bot/models"
	"cold-bot/oracle"
	"cold-bot/orchestrator"
	"cold-bot/outreach"
	"cold-bot/scraper"
	"cold-bot/services"
	"cold-bot/storage"
	"cold-bot/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	live := flag.Bool("live", false, "send real messages instead of a dry run")
	check := flag.Bool("check", false, "check config, store and oracle, then exit")
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	logger := utils.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg.DryRun = !*live
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		return 1
	}

	logger.Info("=== cold-bot starting ===")
	logger.Info("Config: %d start URLs | storage: %s | oracle: %s/%s | dry_run: %v",
		len(cfg.StartURLs), cfg.Storage.Driver, cfg.Oracle.Provider, cfg.Oracle.Model, cfg.DryRun)

	registry := scraper.NewRegistry()
	if err := registry.Apply(cfg.Sites); err != nil {
		logger.Error("Invalid site overrides: %v", err)
		return 1
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("Failed to open the lead store: %v", err)
		if cfg.Storage.Driver == "postgres" {
			logger.Error("Make sure Docker is running: docker compose up -d")
		}
		return 1
	}
	defer store.Close()

	scorer, err := openOracle(ctx, cfg, logger)
	if err != nil {
		logger.Error("Scoring oracle unavailable: %v", err)
		return 1
	}

	if *check {
		return healthCheck(ctx, cfg, store, scorer, logger)
	}

	budget := outreach.Budget{
		PerMinute: cfg.Limits.RequestsPerMinute,
		PerHour:   cfg.Limits.MaxContactsPerHour,
		PerCycle:  cfg.Limits.MaxSendsPerCycle,
	}
	limiter, closeLimiter, err := openLimiter(ctx, cfg, store, budget, logger)
	if err != nil {
		logger.Error("Failed to set up the rate limiter: %v", err)
		return 1
	}
	defer closeLimiter()

	var email outreach.EmailSender
	if !cfg.DryRun {
		email, err = outreach.NewEmailSender(ctx, cfg.Email)
		if err != nil {
			logger.Error("Failed to set up the %s sender: %v", cfg.Email.Provider, err)
			return 1
		}
	}

	composer := outreach.NewComposer(cfg.Messages)
	if err := composer.Validate(); err != nil {
		logger.Error("Invalid message templates: %v", err)
		return 1
	}

	exporter, err := storage.NewAgentCSVWriter(cfg.AgentExportPath)
	if err != nil {
		logger.Error("Failed to open the agent export: %v", err)
		return 1
	}
	defer exporter.Close()

	dedup := services.NewDedupStore(store)
	dispatcher := outreach.NewDispatcher(outreach.DispatcherDeps{
		Store:    store,
		Dedup:    dedup,
		Limiter:  limiter,
		Composer: composer,
		Email:    email,
		Flows: []outreach.Flow{
			outreach.NewMessengerFlow(cfg.Limits.FormTimeout(), logger),
			outreach.NewFormFlow(cfg.Limits.FormTimeout(), logger),
		},
		Queues: map[models.Channel]*storage.QueueFile{
			models.ChannelFBMessenger: storage.NewQueueFile(cfg.Queues.FBMessenger),
			models.ChannelSiteForm:    storage.NewQueueFile(cfg.Queues.SiteForm),
		},
		Logger: logger,
	})

	var robots *browser.RobotsGate
	if cfg.RespectRobots {
		robots = browser.NewRobotsGate(nil, cfg.UserAgent, logger)
	}

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Registry:   registry,
		Engine:     scraper.NewEngine(logger),
		Classifier: services.NewClassifier(scorer, logger),
		Dedup:      dedup,
		Dispatcher: dispatcher,
		Limiter:    limiter,
		Store:      store,
		Exporter:   exporter,
		Report:     services.NewReportService(logger),
		Robots:     robots,
		NewDriver: func(ctx context.Context) (browser.Driver, error) {
			return browser.NewChromeDriver(ctx, browser.ChromeOptions{
				Headless:  cfg.Headless,
				UserAgent: cfg.UserAgent,
				ExecPath:  cfg.ChromeBin,
			})
		},
		Reload: func() (*config.Config, error) {
			next, err := loadConfig()
			if err != nil {
				return nil, err
			}
			if err := registry.Apply(next.Sites); err != nil {
				return nil, err
			}
			return next, nil
		},
		Logger: logger,
	})
	if err := orch.CheckAdapters(); err != nil {
		logger.Error("No adapter for a start URL: %v", err)
		return 1
	}

	if err := orch.Run(ctx, *once); err != nil {
		logger.Error("Bot stopped with an error: %v", err)
		return 1
	}
	logger.Info("=== cold-bot stopped after %d cycles ===", orch.Status().Cycle)
	return 0
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Driver == "memory" {
		return storage.NewMemoryStore(), nil
	}
	return storage.NewPostgresStore(ctx, cfg.Storage.DSN())
}

// openOracle connects the scoring oracle. An unreachable oracle is fatal
// only when the classifier requires it; otherwise the classifier runs on
// rules alone and listings the rules cannot settle are skipped.
func openOracle(ctx context.Context, cfg *config.Config, logger *utils.Logger) (oracle.Oracle, error) {
	o, err := oracle.New(ctx, cfg.Oracle, logger)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Oracle.Timeout())
		err = o.Ping(pingCtx)
		cancel()
	}
	if err != nil {
		if cfg.Classifier.OracleRequired || errors.Is(err, models.ErrConfig) {
			return nil, err
		}
		logger.Warn("[oracle] continuing without oracle: %v", err)
		return nil, nil
	}
	return o, nil
}

// openLimiter prefers the shared Redis budget when REDIS_URL is set. The
// hourly window is seeded from the lead log so a restart does not reset it.
func openLimiter(ctx context.Context, cfg *config.Config, store storage.Store, b outreach.Budget, logger *utils.Logger) (outreach.Limiter, func(), error) {
	sent, err := store.SentSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		return nil, nil, fmt.Errorf("read recent sends: %w", err)
	}

	if cfg.RedisURL != "" {
		rl, err := outreach.NewRedisLimiterFromURL(ctx, cfg.RedisURL, b)
		if err != nil {
			return nil, nil, err
		}
		if err := rl.Seed(ctx, sent); err != nil {
			rl.Close()
			return nil, nil, err
		}
		logger.Info("[limiter] redis budget, %d sends in the last hour", len(sent))
		return rl, func() { rl.Close() }, nil
	}

	wl := outreach.NewWindowLimiter(b)
	wl.Seed(sent)
	logger.Info("[limiter] in-process budget, %d sends in the last hour", len(sent))
	return wl, func() {}, nil
}

func healthCheck(ctx context.Context, cfg *config.Config, store storage.Store, scorer oracle.Oracle, logger *utils.Logger) int {
	code := 0
	report := func(name string, err error) {
		if err != nil {
			logger.Error("[check] %-8s FAIL: %v", name, err)
			code = 1
			return
		}
		logger.Info("[check] %-8s ok", name)
	}

	report("config", nil)
	report("store", store.Ping(ctx))
	if scorer == nil {
		logger.Warn("[check] oracle   not reachable, not required")
	} else {
		report("oracle", scorer.Ping(ctx))
	}
	if cfg.RedisURL != "" {
		rl, err := outreach.NewRedisLimiterFromURL(ctx, cfg.RedisURL, outreach.Budget{})
		if err == nil {
			rl.Close()
		}
		report("redis", err)
	}
	return code
}
