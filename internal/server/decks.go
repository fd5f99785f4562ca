package server

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/deckhand-ai/deckhand/config"
	"github.com/deckhand-ai/deckhand/internal/agent/core"
	"github.com/deckhand-ai/deckhand/internal/search"
)

// DecksHandler exposes deck generation runs: create, list, inspect, the
// final deck, the raw event feed and the live NDJSON stream.
type DecksHandler struct {
	Config *config.Config
	Orch   *core.Orchestrator
	Index  *search.Index
	logger *log.Logger
}

type createDeckRequest struct {
	LearningGoal  string   `json:"learning_goal" validate:"required,min=3"`
	Objective     string   `json:"objective"`
	SlideCount    int      `json:"slide_count" validate:"omitempty,min=4,max=40"`
	ReferenceURLs []string `json:"reference_urls" validate:"omitempty,dive,url"`
}

// IDResponse is the canonical "created" reply.
type IDResponse struct {
	ID string `json:"id"`
}

func (h *DecksHandler) Register(g *echo.Group) {
	h.logger = log.New(log.Writer(), "[DECKS] ", log.LstdFlags)
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/result", h.result)
	g.GET("/:id/events", h.events)
	g.GET("/:id/stream", h.stream)
}

// create registers a run and launches the pipeline in the background. The
// response carries the run id; progress is available immediately through the
// events and stream endpoints.
func (h *DecksHandler) create(c echo.Context) error {
	var req createDeckRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	now := time.Now().UTC()
	run := core.Run{
		ID:             uuid.New().String(),
		LearningGoal:   req.LearningGoal,
		Objective:      req.Objective,
		SlideCountHint: req.SlideCount,
		ReferenceURLs:  req.ReferenceURLs,
		Status:         core.RunQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.Orch.Runs().Put(c.Request().Context(), run); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.Config.Pipeline.RunTimeout+time.Minute)
		defer cancel()
		deck, err := h.Orch.Execute(ctx, run)
		if err != nil {
			h.logger.Printf("run %s: %v", run.ID, err)
			return
		}
		if h.Index != nil {
			if err := h.Index.IndexDeck(deck); err != nil {
				h.logger.Printf("run %s: index deck: %v", run.ID, err)
			}
		}
	}()

	return c.JSON(http.StatusAccepted, IDResponse{ID: run.ID})
}

func (h *DecksHandler) list(c echo.Context) error {
	runs, err := h.Orch.Runs().List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if runs == nil {
		runs = []core.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *DecksHandler) get(c echo.Context) error {
	run, ok, err := h.Orch.Runs().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}

// result returns the assembled deck with per-slide playback readiness. While
// the pipeline is still running it composes a preview from the slides drafted
// so far; the preview is never persisted, only the runner writes the final
// deck.
func (h *DecksHandler) result(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	run, ok, err := h.Orch.Runs().Get(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}

	store := h.Orch.Store(id)
	deck, final, err := store.FinalDeck(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !final {
		if run.Finished() {
			return echo.NewHTTPError(http.StatusNotFound, "run produced no deck")
		}
		deck, err = core.NewAssembler().Compose(ctx, store, id)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	ready := make([]bool, 0, len(deck.Slides))
	for _, s := range deck.Slides {
		ready = append(ready, s.ReadyForPlayback())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id":             run.ID,
		"status":             run.Status,
		"error":              run.Error,
		"final":              final,
		"deck":               deck,
		"ready_for_playback": ready,
	})
}

// events returns pipeline events with seq greater than the after parameter.
func (h *DecksHandler) events(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, ok, err := h.Orch.Runs().Get(ctx, id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}

	after := int64(0)
	if v := c.QueryParam("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "after must be a non-negative integer")
		}
		after = parsed
	}
	events, err := h.Orch.Store(id).Events.After(ctx, after)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if events == nil {
		events = []core.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

// stream serves the live NDJSON feed: slides as they appear, updates as they
// change, the event log, heartbeats and a terminal final or error line.
func (h *DecksHandler) stream(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, ok, err := h.Orch.Runs().Get(ctx, id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}

	after := int64(0)
	if v := c.QueryParam("after"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			after = parsed
		}
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	streamer := core.NewStreamer(h.Orch.Store(id), h.Orch.Runs(), core.StreamOptions{
		PollInterval:  h.Config.Server.Stream.PollInterval,
		Heartbeat:     h.Config.Server.Stream.Heartbeat,
		StartAfterSeq: after,
	})
	if err := streamer.Stream(ctx, id, resp, flusher.Flush); err != nil && ctx.Err() == nil {
		h.logger.Printf("stream %s: %v", id, err)
	}
	return nil
}

// SearchHandler queries the full-text index over finished decks.
type SearchHandler struct {
	Index *search.Index
}

func (h *SearchHandler) Register(g *echo.Group) {
	g.GET("/search", h.search)
}

func (h *SearchHandler) search(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	k := 10
	if v := c.QueryParam("k"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 100 {
			k = parsed
		}
	}
	hits, err := h.Index.Search(q, k)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if hits == nil {
		hits = []search.Hit{}
	}
	return c.JSON(http.StatusOK, map[string]any{"query": q, "hits": hits})
}
