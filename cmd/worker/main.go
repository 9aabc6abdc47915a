package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/suPer8Hu/nahara-chat/internal/app"
	"github.com/suPer8Hu/nahara-chat/internal/config"
	"github.com/suPer8Hu/nahara-chat/internal/logging"
	"github.com/suPer8Hu/nahara-chat/internal/orchestrator"
	"github.com/suPer8Hu/nahara-chat/internal/store/rabbitmq"
)

// The worker proposes titles for queued conversation snapshots and sends
// them back on the results queue. It never opens the conversation store;
// the server stays its only writer.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	if cfg.RabbitURL == "" {
		log.Fatalf("RABBIT_URL is required")
	}
	if cfg.GeminiAPIKey == "" {
		log.Fatalf("GEMINI_API_KEY is required")
	}

	core, err := app.NewCore(cfg, logger)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	gen := orchestrator.NewTitleGenerator(nil, core.Models, core.Completion, logger.With("component", "titles"))

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.RabbitQueue, rabbitmq.ConsumerOptions{
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("rabbit consumer: %v", err)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", cfg.WorkerConcurrency)
	if err := consumer.Run(ctx, app.TitleJobHandler(gen, core.Models, pub)); err != nil {
		logger.Error("consumer stopped", "err", err)
	}
}
