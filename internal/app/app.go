// Package app wires configuration into the shared services used by both
// binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/suPer8Hu/nahara-chat/internal/ai"
	"github.com/suPer8Hu/nahara-chat/internal/chat"
	"github.com/suPer8Hu/nahara-chat/internal/completion"
	"github.com/suPer8Hu/nahara-chat/internal/config"
	"github.com/suPer8Hu/nahara-chat/internal/db"
	"github.com/suPer8Hu/nahara-chat/internal/models"
	"github.com/suPer8Hu/nahara-chat/internal/orchestrator"
	"github.com/suPer8Hu/nahara-chat/internal/store"
	"github.com/suPer8Hu/nahara-chat/internal/store/filestore"
	"github.com/suPer8Hu/nahara-chat/internal/store/redisstore"
	"github.com/suPer8Hu/nahara-chat/internal/store/sqlstore"
)

// Core is what every process needs to talk to models.
type Core struct {
	Config     config.Config
	Log        *slog.Logger
	Models     *models.Registry
	Providers  *ai.Registry
	Completion *completion.Client
}

// App is a Core plus the conversation store it owns.
type App struct {
	*Core
	Store  *chat.Store
	Titles *orchestrator.TitleGenerator

	closers []func() error
}

// LoadModels returns the embedded catalogue, or the MODELS_FILE override.
func LoadModels(cfg config.Config) (*models.Registry, error) {
	if cfg.ModelsFile != "" {
		return models.LoadFile(cfg.ModelsFile)
	}
	return models.NewRegistry()
}

// NewProviders registers every upstream backend a catalogue entry can name.
func NewProviders(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("gemini", ai.GeminiFactory(cfg.GeminiAPIKey, cfg.GeminiAPIURL))
	reg.Register("ollama", ai.OllamaFactory(cfg.OllamaBaseURL))
	reg.Register("openrouter", ai.OpenRouterFactory(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName))
	return reg
}

// OpenBackend opens the key/value backend named by STORE_BACKEND.
func OpenBackend(ctx context.Context, cfg config.Config) (store.Backend, func() error, error) {
	noop := func() error { return nil }
	switch cfg.StoreBackend {
	case "", "file":
		return filestore.NewOS(cfg.StorePath), noop, nil
	case "memory":
		return store.NewMemory(), noop, nil
	case "redis":
		rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return rs, rs.Close, nil
	case "sql":
		gdb, err := db.Open(cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		repo, err := sqlstore.New(gdb)
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() error {
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		}
		return repo, closeDB, nil
	default:
		return nil, nil, fmt.Errorf("unsupported STORE_BACKEND=%q", cfg.StoreBackend)
	}
}

// storeKey derives the document key. The file backend names its file after
// STORE_PATH so the configured path is honoured.
func storeKey(cfg config.Config) string {
	if cfg.StoreBackend == "" || cfg.StoreBackend == "file" {
		base := filepath.Base(cfg.StorePath)
		return base[:len(base)-len(filepath.Ext(base))]
	}
	return cfg.StoreKey
}

// checkProviders rejects catalogue entries naming a backend nobody registered.
func checkProviders(registry *models.Registry, providers *ai.Registry) error {
	names := providers.Names()
	known := make([]interface{}, len(names))
	for i, n := range names {
		known[i] = n
	}
	for _, m := range registry.All() {
		if err := validation.Validate(m.Provider, validation.In(known...)); err != nil {
			return fmt.Errorf("model %q: provider %q: %w", m.ID, m.Provider, err)
		}
	}
	return nil
}

func NewCore(cfg config.Config, log *slog.Logger) (*Core, error) {
	registry, err := LoadModels(cfg)
	if err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	providers := NewProviders(cfg)
	if err := checkProviders(registry, providers); err != nil {
		return nil, err
	}
	return &Core{
		Config:     cfg,
		Log:        log,
		Models:     registry,
		Providers:  providers,
		Completion: completion.NewClient(providers, registry, log.With("component", "completion")),
	}, nil
}

func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	core, err := NewCore(cfg, log)
	if err != nil {
		return nil, err
	}

	backend, closeBackend, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	st, err := chat.Open(ctx, backend, core.Models, chat.Options{
		Key:                storeKey(cfg),
		MaxAttachmentBytes: cfg.StoreMaxAttachmentBytes,
		Logger:             log,
	})
	if err != nil {
		_ = closeBackend()
		return nil, err
	}

	return &App{
		Core:    core,
		Store:   st,
		Titles:  orchestrator.NewTitleGenerator(st, core.Models, core.Completion, log.With("component", "titles")),
		closers: []func() error{closeBackend},
	}, nil
}

// OnClose registers fn to run on Close, in reverse order.
func (a *App) OnClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close flushes the store and releases backends.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Store.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush store: %w", err))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
