package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"

	"reelcast/internal/api"
	"reelcast/internal/config"
	"reelcast/internal/queue"
	"reelcast/internal/ratelimit"
	"reelcast/internal/store"
	"reelcast/internal/tiktok"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	q := queue.New(cfg)
	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.New(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	ttClient := tiktok.NewClient(cfg)
	auth := tiktok.NewManager(st, ttClient)

	server := api.New(cfg, st, q, auth, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func setupLogger(cfg config.Config) {
	log.DefaultLogger = log.Logger{
		Level:      log.ParseLevel(cfg.LogLevel),
		TimeFormat: time.RFC3339,
	}
	if cfg.Env == "dev" {
		log.DefaultLogger.Writer = &log.ConsoleWriter{ColorOutput: true}
	}
}
