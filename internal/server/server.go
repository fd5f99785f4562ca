package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/deckhand-ai/deckhand/config"
	"github.com/deckhand-ai/deckhand/internal/agent/core"
	"github.com/deckhand-ai/deckhand/internal/agent/telemetry"
	"github.com/deckhand-ai/deckhand/internal/fetch"
	"github.com/deckhand-ai/deckhand/internal/search"
	"github.com/deckhand-ai/deckhand/internal/store"
)

type apiValidator struct {
	validate *validator.Validate
}

func (v *apiValidator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// Run wires storage, capabilities, the orchestrator and the HTTP API, then
// serves until the process exits.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Validator = &apiValidator{validate: validator.New()}

	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	origins := cfg.Server.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	if cfg.Storage.Driver == "postgres" {
		if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
			baseLogger.Printf("migrate: %v (continuing, schema may already exist)", err)
		}
	}

	kv, err := store.Open(cfg.Storage, nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	llm, err := core.NewLLMCapability(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm capability: %w", err)
	}
	speech, err := core.NewSpeechCapability(cfg.Speech, cfg.Server.MediaDir)
	if err != nil {
		return fmt.Errorf("speech capability: %w", err)
	}
	media, err := core.NewMediaCapability(cfg.Media, llm, cfg.Server.MediaDir)
	if err != nil {
		return fmt.Errorf("media capability: %w", err)
	}
	fetcher := fetch.New(cfg.Research)

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	orch := core.NewOrchestrator(cfg, kv, tele, llm, media, speech, fetcher)

	idx, err := search.NewIndex()
	if err != nil {
		return err
	}
	if err := reindexDecks(context.Background(), orch, idx); err != nil {
		baseLogger.Printf("search reindex: %v", err)
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(tele.Registry(), promhttp.HandlerOpts{})))
	e.Static("/media", cfg.Server.MediaDir)

	api := e.Group("/api")
	if cfg.Server.JWTSecret != "" {
		api.Use(EchoAuthMiddleware([]byte(cfg.Server.JWTSecret)))
	}

	dh := &DecksHandler{Config: cfg, Orch: orch, Index: idx}
	dh.Register(api.Group("/decks"))
	sh := &SearchHandler{Index: idx}
	sh.Register(api)

	if cfg.Server.Retention.Cron != "" {
		sched := &Scheduler{
			Config: cfg,
			KV:     kv,
			Runs:   orch.Runs(),
			Index:  idx,
			Rdb:    retentionRedis(cfg),
			Stop:   make(chan struct{}),
		}
		sched.Start()
	}

	if addr == "" {
		addr = cfg.Server.Address
	}
	if addr == "" {
		addr = ":10001"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// reindexDecks rebuilds the in-memory search index from finished runs after
// a restart.
func reindexDecks(ctx context.Context, orch *core.Orchestrator, idx *search.Index) error {
	runs, err := orch.Runs().List(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Status != core.RunDone {
			continue
		}
		deck, ok, err := orch.Store(run.ID).FinalDeck(ctx)
		if err != nil || !ok {
			continue
		}
		if err := idx.IndexDeck(deck); err != nil {
			return err
		}
	}
	return nil
}

// retentionRedis returns a lock client when the store itself runs on redis,
// where several server replicas may share state. Other backends are
// single-node and need no lock.
func retentionRedis(cfg *config.Config) *redis.Client {
	if cfg.Storage.Driver != "redis" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
}
