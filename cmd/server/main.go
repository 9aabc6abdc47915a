package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/suPer8Hu/nahara-chat/internal/app"
	"github.com/suPer8Hu/nahara-chat/internal/config"
	"github.com/suPer8Hu/nahara-chat/internal/httpapi"
	"github.com/suPer8Hu/nahara-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/nahara-chat/internal/logging"
	"github.com/suPer8Hu/nahara-chat/internal/orchestrator"
	"github.com/suPer8Hu/nahara-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/nahara-chat/internal/worker"
)

func main() {
	// .env is optional; real environment wins
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	if cfg.GeminiAPIKey == "" {
		log.Fatalf("GEMINI_API_KEY is required")
	}
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	// title jobs: RabbitMQ when configured, otherwise an in-process pool
	pool := worker.NewPool(cfg.WorkerConcurrency, logger.With("component", "worker"))
	var titles orchestrator.TitleQueue = orchestrator.NewLocalQueue(pool, a.Titles)
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatalf("rabbit publisher: %v", err)
		}
		a.OnClose(pub.Close)
		titles = orchestrator.QueueFunc(pub.PublishTitleJob)

		// only this process writes the store, so it always applies results
		consume(ctx, a, cfg, rabbitmq.ResultsQueue(cfg.RabbitQueue), app.TitleResultHandler(a.Titles))
		if cfg.TitleConsumer {
			consume(ctx, a, cfg, cfg.RabbitQueue, app.TitleJobHandler(a.Titles, a.Models, pub))
		}
	}

	orch := orchestrator.New(a.Store, a.Models, a.Completion, titles, logger.With("component", "orchestrator"))
	h := handlers.NewHandler(a.Models, a.Store, a.Completion, orch, logger, cfg.RequestTimeout)
	router := httpapi.NewRouter(h, cfg, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.WithCORS(router, cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "store", cfg.StoreBackend, "models", len(a.Models.All()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Warn("title pool did not drain", "err", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("close", "err", err)
	}
}

func consume(ctx context.Context, a *app.App, cfg config.Config, queue string, handle rabbitmq.Handler) {
	c, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, queue, rabbitmq.ConsumerOptions{
		Concurrency: cfg.WorkerConcurrency,
		Logger:      a.Log,
	})
	if err != nil {
		log.Fatalf("rabbit consumer %s: %v", queue, err)
	}
	a.OnClose(c.Close)
	go func() {
		if err := c.Run(ctx, handle); err != nil {
			a.Log.Error("consumer stopped", "queue", queue, "err", err)
		}
	}()
}
