package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/phuslu/log"

	"reelcast/internal/caption"
	"reelcast/internal/config"
	"reelcast/internal/instagram"
	"reelcast/internal/media"
	"reelcast/internal/queue"
	"reelcast/internal/storage"
	"reelcast/internal/store"
	"reelcast/internal/telemetry"
	"reelcast/internal/tiktok"
	"reelcast/internal/worker"
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

	objects, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init object storage")
	}

	ttClient := tiktok.NewClient(cfg)
	creds := tiktok.NewManager(st, ttClient)

	pipe := worker.NewPipeline(cfg, worker.Deps{
		Store:      st,
		Downloader: instagram.New(cfg.StepTimeout),
		Processor:  media.New(cfg.FFmpegPath),
		Objects:    objects,
		Captioner:  caption.New(ctx, cfg),
		Publisher:  tiktok.NewPublisher(ttClient, creds, cfg.TikTokMockMode),
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = fmt.Sprintf("worker-%d", os.Getpid())
	}

	log.Info().Int("concurrency", cfg.WorkerConcurrency).
		Dur("lease", cfg.RunLeaseTimeout).Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		id := fmt.Sprintf("%s-%d", hostname, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.NewProcessor(id, q, pipe, cfg.WorkerPollInterval, cfg.RunLeaseTimeout).Start(ctx)
		}()
	}
	wg.Wait()
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
