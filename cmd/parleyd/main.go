package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/history"
	"github.com/parley-chat/parley/internal/kv"
	"github.com/parley-chat/parley/internal/llm"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/msgstore"
	"github.com/parley-chat/parley/internal/ratelimit"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/server"
	"github.com/parley-chat/parley/internal/telemetry"
	"github.com/parley-chat/parley/internal/usage"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		// No logger yet.
		os.Stderr.WriteString("parleyd: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting parleyd")
	cfg.LogConfig(logger)

	prom := telemetry.NewProm()

	store := kv.NewRedis(kv.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}

	provider := llm.NewAnthropicClient(cfg.LLMEndpoint, cfg.LLMAPIKey, logger)
	cache := llm.NewCache(store, cfg.LLMCacheEnabled, llm.DefaultCacheTTL, prom, logger)
	bridge := llm.NewBridge(provider, cache, llm.Config{
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
	}, prom, logger)

	deps := server.Deps{
		Store:    store,
		Registry: registry.New(prom, logger),
		Limiter: ratelimit.New(store, ratelimit.Config{
			MaxConnsPerIP:   cfg.MaxConnsPerIP,
			MaxConnsPerUser: cfg.MaxConnsPerUser,
			MessagesPerSec:  cfg.MessagesPerSec,
			MessagesPerMin:  cfg.MessagesPerMin,
			MessagesPerHour: cfg.MessagesPerHour,
			MessagesPerDay:  cfg.MessagesPerDay,
		}, prom, logger),
		Validator: auth.NewValidator([]byte(cfg.TokenSecret), auth.NewKVRepository(store)),
		History:   history.New(store, cfg.HistoryMax, cfg.HistoryRetention, prom, logger),
		Streamer:  bridge,
		Usage:     usage.New(store, prom, logger),
		Metrics:   prom.Handler(),
		Sink:      prom,
		Logger:    logger,
	}

	if cfg.NATSURL != "" {
		pub, err := msgstore.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, prom, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("message bus unavailable")
		}
		defer pub.Close()
		deps.Repo = pub
		deps.Bus = pub
	}

	srv := server.New(cfg, deps)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("server start failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := srv.Shutdown(cfg.ShutdownGrace); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
