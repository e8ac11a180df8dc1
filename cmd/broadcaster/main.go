package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulseboard/pulseboard/internal/config"
	"github.com/pulseboard/pulseboard/internal/handler"
	"github.com/pulseboard/pulseboard/internal/hub"
	"github.com/pulseboard/pulseboard/internal/ingest"
	"github.com/pulseboard/pulseboard/internal/store"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/broadcaster.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}

	log.Info().Msg("Starting Pulseboard broadcaster...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Relational store
	pg, err := store.NewPostgres(ctx, cfg.Postgres.DSN, cfg.Events.ReplayWindow)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Postgres")
	}
	defer pg.Close()
	if err := pg.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize schema")
	}
	log.Info().Msg("Connected to Postgres")

	// Cache layer; optional, reads fall back to Postgres when absent
	var st store.Store = pg
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		st = store.NewCachedStore(pg, rdb, cfg.Cache.TTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Read cache enabled")
	}

	// Connection broadcaster
	broadcastHub := hub.New()
	go broadcastHub.Run(ctx)

	// Normalized-event firehose; optional
	var sink ingest.EventSink
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics["events"] != "" {
		firehose := ingest.NewFirehose(cfg.Kafka.Brokers, cfg.Kafka.Topics["events"])
		defer firehose.Close()
		sink = firehose
		log.Info().Str("topic", cfg.Kafka.Topics["events"]).Msg("Event firehose enabled")
	}

	pipeline := ingest.NewPipeline(st, broadcastHub, sink, ingest.Options{
		Timeout:       cfg.Ingest.Timeout,
		RetryAttempts: cfg.Ingest.RetryAttempts,
		RetryBackoff:  cfg.Ingest.RetryBackoff,
	})

	// Kafka intake for upstream monitors; optional next to the HTTP surface
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics["signals"] != "" {
		consumer := ingest.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics["signals"], cfg.Kafka.ConsumerGroup, pipeline)
		defer consumer.Close()
		go consumer.Start(ctx)
	}

	// HTTP surface
	httpHandler := handler.NewHTTPHandler(pipeline, st)
	liveHandler := handler.NewLiveHandler(broadcastHub, st, handler.LiveOptions{
		SendBuffer:   cfg.Hub.SendBuffer,
		IdleTimeout:  cfg.Hub.IdleTimeout,
		WriteTimeout: cfg.Hub.WriteTimeout,
		ReplayLimit:  cfg.Events.ReplayWindow,
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(handler.CORSMiddleware)

	r.Get("/health", handler.HealthCheck)
	r.Post("/v1/performance", httpHandler.HandlePerformance)
	r.Post("/v1/kills", httpHandler.HandleKill)
	r.Post("/v1/fatigue", httpHandler.HandleFatigue)
	r.Post("/v1/suggestions", httpHandler.HandleSuggestion)
	r.Post("/v1/variants", httpHandler.HandleRegisterVariant)
	r.Get("/metrics/{personaID}", httpHandler.HandleMetrics)
	r.Get("/variants/{personaID}/active", httpHandler.HandleActiveVariants)
	r.Get("/live/{personaID}", liveHandler.HandleLive)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: r,
	}

	go func() {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to serve HTTP")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	httpServer.Shutdown(context.Background())
	cancel()
	log.Info().Msg("Shutdown complete")
}
