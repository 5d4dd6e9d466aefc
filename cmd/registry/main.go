package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LeventeLantos/bingo-registry/internal/cache"
	"github.com/LeventeLantos/bingo-registry/internal/campaign"
	"github.com/LeventeLantos/bingo-registry/internal/client"
	"github.com/LeventeLantos/bingo-registry/internal/config"
	"github.com/LeventeLantos/bingo-registry/internal/db"
	"github.com/LeventeLantos/bingo-registry/internal/events"
	"github.com/LeventeLantos/bingo-registry/internal/inventory"
	"github.com/LeventeLantos/bingo-registry/internal/logger"
	"github.com/LeventeLantos/bingo-registry/internal/metrics"
	"github.com/LeventeLantos/bingo-registry/internal/notify"
	"github.com/LeventeLantos/bingo-registry/internal/ocr"
	"github.com/LeventeLantos/bingo-registry/internal/registration"
	"github.com/LeventeLantos/bingo-registry/internal/repo"
	"github.com/LeventeLantos/bingo-registry/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	lg := logger.New(logger.Config{Level: cfg.Log.Level, Encoding: cfg.Log.Encoding})
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("registry stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

// app holds the services an HTTP or CLI front end drives.
type app struct {
	registration *registration.Service
	campaigns    *campaign.Engine
	inventory    *inventory.Manager
	events       *events.Hub
}

func run(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	lg.Info("registry starting",
		zap.String("env", cfg.Env),
		zap.Bool("redis", cfg.Redis.Enabled()),
		zap.Bool("nats", cfg.NATS.URL != ""),
		zap.Bool("telegram", cfg.Telegram.Enabled()),
		zap.Duration("interval_unit", cfg.Campaign.IntervalUnit),
	)

	conn, err := db.Open(ctx, db.Options{
		URL:             cfg.Database.PostgresURL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}

	m := metrics.New()
	hub := events.NewHub(lg.Named("events")).OnDrop(func(events.Event) { m.EventsDropped.Inc() })

	store, err := storage.NewMinioStore(storage.Options{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	}, lg.Named("storage"))
	if err != nil {
		return err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return err
	}

	var progress cache.ProgressCache
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		progress = cache.NewRedisCache(rdb, cfg.Redis.TTL)
	}

	if cfg.NATS.URL != "" {
		nc, err := notify.Connect(cfg.NATS.URL, lg.Named("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		sub := hub.Subscribe(256)
		defer sub.Close()
		go notify.NewBridge(nc, cfg.NATS.SubjectPrefix, lg.Named("nats")).Run(ctx, sub)
	}

	var notifier registration.AdminNotifier = notify.LogNotifier{Log: lg.Named("admin")}
	if cfg.Telegram.Enabled() {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.AdminChatID, "", nil, lg.Named("telegram"))
		if err != nil {
			return err
		}
		notifier = tg
	}

	gateway := client.NewGatewayClient(cfg.Gateway.URL, cfg.Gateway.Token, cfg.Gateway.CountryCode, cfg.Gateway.Timeout)
	classifier := ocr.NewKeywordClassifier(client.NewOCRClient(cfg.OCR.URL, cfg.OCR.Timeout), nil, cfg.OCR.MinKeywords)

	users := repo.NewPostgresUserRepo(conn)
	tables := repo.NewPostgresTableRepo(conn)
	inv := inventory.NewManager(tables, m, lg.Named("inventory"))

	followUps := registration.NewTimerFollowUps(lg.Named("followups"))
	regOpts := registration.DefaultOptions()
	regOpts.OTPTTL = cfg.Registration.OTPTTL
	regOpts.ArtifactDelay = cfg.Registration.ArtifactDelay
	regOpts.ConfirmationDelay = cfg.Registration.ConfirmationDelay
	regOpts.SocialDelay = cfg.Registration.SocialDelay
	regOpts.ExposeOTP = cfg.Registration.ExposeOTP
	regOpts.Retry.Attempts = cfg.Registration.SendAttempts
	regOpts.Retry.Backoff = cfg.Registration.RetryBackoff
	regOpts.Retry.NotReadyBackoff = cfg.Registration.NotReadyBackoff

	svc := registration.NewService(registration.Deps{
		Users:      users,
		Tables:     tables,
		Inventory:  inv,
		Gateway:    gateway,
		Classifier: classifier,
		Artifacts:  store,
		FollowUps:  followUps,
		Notifier:   notifier,
		Metrics:    m,
		Log:        lg.Named("registration"),
	}, regOpts)

	campOpts := campaign.DefaultOptions()
	campOpts.IntervalUnit = cfg.Campaign.IntervalUnit
	campOpts.JitterMin = cfg.Campaign.JitterMin
	campOpts.JitterMax = cfg.Campaign.JitterMax
	engine := campaign.NewEngine(campaign.Deps{
		Campaigns: repo.NewPostgresCampaignRepo(conn),
		Cohort:    repo.NewPostgresCohortRepo(conn),
		Gateway:   gateway,
		Images:    store,
		Events:    hub,
		Progress:  progress,
		Metrics:   m,
		Log:       lg.Named("campaign"),
	}, campOpts)

	a := &app{registration: svc, campaigns: engine, inventory: inv, events: hub}

	if ids, err := a.campaigns.Recover(ctx); err != nil {
		return fmt.Errorf("recover campaigns: %w", err)
	} else if len(ids) > 0 {
		lg.Warn("campaigns paused after restart", zap.Int64s("campaign_ids", ids))
	}

	stats, err := a.inventory.Stats(ctx)
	if err != nil {
		return err
	}
	lg.Info("table pool", zap.Int("total", stats.Total), zap.Int("available", stats.Available))

	serveErr := make(chan error, 1)
	go func() { serveErr <- m.Serve(ctx, cfg.Metrics.Address, lg.Named("metrics")) }()

	lg.Info("registry ready",
		zap.String("metrics_addr", cfg.Metrics.Address),
		zap.Int("event_subscribers", a.events.Subscribers()))

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	lg.Info("registry shutting down")
	a.campaigns.Shutdown()
	followUps.Shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
