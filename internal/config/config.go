package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	RequestTimeout time.Duration
	CORSOrigins    []string
	MaxBodyBytes   int64
	ChatRateLimit  float64
	ChatRateBurst  int

	LogLevel  string
	LogFormat string

	// Gemini
	GeminiAPIKey string
	GeminiAPIURL string

	// Ollama (models with provider: ollama)
	OllamaBaseURL string

	// OpenRouter (models with provider: openrouter)
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OpenRouterSiteURL string
	OpenRouterAppName string

	// model catalogue override, empty = embedded catalogue
	ModelsFile string

	// conversation store
	StoreBackend            string
	StorePath               string
	StoreKey                string
	StoreMaxAttachmentBytes int64

	DBDSN         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// rabbitMQ (title jobs)
	RabbitURL         string
	RabbitQueue       string
	TitleConsumer     bool
	WorkerConcurrency int
}

func Load() Config {
	port := getEnv("PORT", "8080")

	requestTimeout := 120 * time.Second
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			requestTimeout = d
		}
	}

	origins := make([]string, 0, 2)
	for _, o := range strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	// base64 attachments make chat bodies large
	maxBody := int64(25 << 20)
	if n, ok := getInt64("MAX_BODY_BYTES"); ok && n > 0 {
		maxBody = n
	}

	rateLimit := 2.0
	if v := os.Getenv("CHAT_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			rateLimit = f
		}
	}
	rateBurst := 5
	if n, ok := getInt64("CHAT_RATE_BURST"); ok && n > 0 {
		rateBurst = int(n)
	}

	maxAttachmentBytes := int64(32 << 20)
	if n, ok := getInt64("STORE_MAX_ATTACHMENT_BYTES"); ok && n >= 0 {
		maxAttachmentBytes = n
	}

	redisDB := 0
	if n, ok := getInt64("REDIS_DB"); ok {
		redisDB = int(n)
	}

	concurrency := 2
	if n, ok := getInt64("WORKER_CONCURRENCY"); ok && n > 0 {
		concurrency = int(n)
	}
	if concurrency > 50 {
		concurrency = 50
	}

	return Config{
		Port:           port,
		RequestTimeout: requestTimeout,
		CORSOrigins:    origins,
		MaxBodyBytes:   maxBody,
		ChatRateLimit:  rateLimit,
		ChatRateBurst:  rateBurst,

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		GeminiAPIKey: strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiAPIURL: strings.TrimSpace(os.Getenv("GEMINI_API_URL")),

		OllamaBaseURL: getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),

		OpenRouterAPIKey:  strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterSiteURL: os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName: getEnv("OPENROUTER_APP_NAME", "Nahara"),

		ModelsFile: os.Getenv("MODELS_FILE"),

		StoreBackend:            strings.ToLower(getEnv("STORE_BACKEND", "file")),
		StorePath:               getEnv("STORE_PATH", "data/conversations.json"),
		StoreKey:                getEnv("STORE_KEY", "conversations"),
		StoreMaxAttachmentBytes: maxAttachmentBytes,

		// DSN demo:
		// app:apppass@tcp(127.0.0.1:3306)/nahara?charset=utf8mb4&parseTime=true&loc=Local
		// sqlite:data/nahara.db
		DBDSN:         getEnv("DB_DSN", "sqlite:data/nahara.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitQueue:       getEnv("RABBIT_QUEUE", "title_jobs"),
		TitleConsumer:     getEnv("TITLE_CONSUMER", "true") == "true",
		WorkerConcurrency: concurrency,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
