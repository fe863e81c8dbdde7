package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/menteilabs/relay/internal/api"
	"github.com/menteilabs/relay/internal/config"
	"github.com/menteilabs/relay/internal/events"
	"github.com/menteilabs/relay/internal/logger"
	"github.com/menteilabs/relay/internal/messaging"
	"github.com/menteilabs/relay/internal/metrics"
	"github.com/menteilabs/relay/internal/presence"
	"github.com/menteilabs/relay/internal/store"
	"github.com/menteilabs/relay/internal/transport"
	"github.com/menteilabs/relay/internal/ws"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	zl, err := logger.New(logger.Config{
		Development: cfg.App.Env != "production",
		Level:       cfg.App.LogLevel,
	})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// durable tier: Mongo when configured, in-process otherwise
	var backend store.Backend
	var directory messaging.Directory
	if cfg.Mongo.URI != "" {
		client, err := store.NewMongoClient(ctx, cfg.Mongo.URI)
		if err != nil {
			zl.Fatalw("mongo connect", "err", err)
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		db := client.Database(cfg.Mongo.Database)
		backend = store.NewMongoBackend(db)
		directory = store.NewMongoDirectory(db)
	} else {
		zl.Warnw("no mongo uri configured, using in-process store")
		backend = store.NewMemoryBackend()
		directory = store.NewMemoryDirectory()
	}
	st := store.New(backend, cfg.History.CacheSize, zl)

	// realtime tier: Redis fan-out when configured, in-process otherwise
	var tp transport.Transport
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		tp = transport.NewRedisTransport(rdb, cfg.Redis.Prefix, cfg.PresenceTTL, zl)
	} else {
		zl.Warnw("no redis addr configured, using in-process transport")
		tp = transport.NewMemoryTransport()
	}
	if err := tp.Connect(ctx); err != nil {
		zl.Fatalw("transport connect", "err", err)
	}
	defer tp.Close()

	tracker := presence.NewTracker(cfg.PresenceTTL, zl)
	go tracker.Run(ctx, cfg.PresenceTTL/2)

	var producer *events.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		producer = events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicMessageSent)
		defer producer.Close()

		archiver := events.NewArchiver(cfg.Kafka.Brokers, cfg.Kafka.TopicMessageSent, cfg.Kafka.GroupID, st, zl)
		defer archiver.Close()
		go archiver.Run(ctx)
	}

	var chanEv *events.ChannelEvents
	if cfg.NATS.URL != "" {
		chanEv, err = events.NewChannelEvents(cfg.NATS.URL, zl)
		if err != nil {
			zl.Fatalw("nats connect", "err", err)
		}
		defer chanEv.Close()
		if err := chanEv.SubscribeChannelCreated("relay", st); err != nil {
			zl.Fatalw("nats subscribe", "err", err)
		}
	}

	svc := messaging.NewService(messaging.Options{
		GlobalChannelID:   cfg.App.GlobalChannelID,
		HistoryLimit:      cfg.History.DefaultLimit,
		MaxContentSize:    cfg.WS.MaxMessageSizeBytes,
		StatsTTL:          cfg.StatsTTL,
		PresencePoll:      cfg.PresencePoll,
		PresenceHeartbeat: cfg.PresenceTTL / 2,
	}, st, tracker, tp, directory, producer, chanEv, zl)

	if _, err := svc.EnsureGlobalChannel(ctx); err != nil {
		zl.Warnw("global channel init", "err", err)
	}

	bridge := ws.NewBridge(svc, cfg.WSPingInterval, cfg.WSWriteDeadline, cfg.WS.MaxMessageSizeBytes, zl)
	app := api.NewServer(cfg, svc, bridge, zl)

	errs := make(chan error, 1)
	go func() {
		zl.Infow("starting relay", "port", cfg.App.Port)
		errs <- app.Listen(":" + cfg.App.Port)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case e := <-errs:
		zl.Fatalw("server error", "err", e)
	case s := <-sig:
		zl.Infow("signal received", "signal", s.String())
	}

	if err := app.Shutdown(); err != nil {
		zl.Warnw("shutdown", "err", err)
	}
	zl.Infow("shutting down")
}
