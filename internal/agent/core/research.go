package core

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/deckhand-ai/deckhand/config"
	"github.com/deckhand-ai/deckhand/internal/agent/telemetry"
)

// ResearchWorker gathers background material for the learning goal. It never
// leaves a claimed task without a usable summary: when the language model is
// unavailable or keeps failing, a deterministic fallback summary is written
// instead.
type ResearchWorker struct {
	config    *config.Config
	llm       LLMCapability
	fetcher   SourceFetcher
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewResearchWorker creates a research worker instance
func NewResearchWorker(cfg *config.Config, llm LLMCapability, fetcher SourceFetcher, tel *telemetry.Telemetry) *ResearchWorker {
	return &ResearchWorker{
		config:    cfg,
		llm:       llm,
		fetcher:   fetcher,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
	}
}

func (w *ResearchWorker) Phase() Phase { return PhaseResearch }

// Run claims every pending research task and processes them in order.
func (w *ResearchWorker) Run(ctx context.Context, store *TaskStore) error {
	tasks, err := store.Research.ClaimAll(ctx)
	if err != nil {
		return fmt.Errorf("claim research tasks: %w", err)
	}
	for _, task := range tasks {
		if err := w.process(ctx, store, task); err != nil {
			return err
		}
	}
	return nil
}

func (w *ResearchWorker) process(ctx context.Context, store *TaskStore, task ResearchTask) error {
	start := time.Now()
	event := telemetry.WorkerEvent{
		Phase:     string(PhaseResearch),
		StartTime: start,
		ModelUsed: w.config.LLM.ModelFor("research"),
	}
	defer func() {
		event.EndTime = time.Now()
		event.Duration = event.EndTime.Sub(event.StartTime)
		w.telemetry.RecordWorkerEvent(ctx, event)
	}()

	if strings.TrimSpace(task.LearningGoal) == "" {
		event.Error = "missing learning goal"
		return store.Research.Update(ctx, task.ID, func(t *ResearchTask) error {
			t.Status = TaskFailed
			t.Error = "invalid input: missing learning goal"
			return nil
		})
	}

	excerpts := w.fetchReferences(ctx, task.ReferenceURLs)

	summary, sources, usage, retries := w.summarize(ctx, store, task, excerpts)
	event.Retries = retries
	event.InputTokens = usage.input
	event.OutputTokens = usage.output
	rateIn, rateOut := w.config.LLM.RatesFor(event.ModelUsed)
	event.Cost = w.telemetry.CalculateCost(usage.input, usage.output, rateIn, rateOut)

	if summary == "" {
		summary, sources = w.fallbackResearch(task, excerpts)
		w.logger.Printf("task %s: using fallback summary for %q", task.ID, task.LearningGoal)
	}

	event.Success = true
	return store.Research.Update(ctx, task.ID, func(t *ResearchTask) error {
		t.Status = TaskDone
		t.Error = ""
		t.Attempts = retries + 1
		t.ResearchSummary = summary
		t.Sources = sources
		return nil
	})
}

type tokenUsage struct {
	input  int64
	output int64
}

// summarize asks the model for a research summary, retrying transient
// failures. A failed or absent model yields empty output; the caller falls
// back.
func (w *ResearchWorker) summarize(ctx context.Context, store *TaskStore, task ResearchTask, excerpts []SourceExcerpt) (string, []Source, tokenUsage, int) {
	if w.llm == nil {
		return "", nil, tokenUsage{}, 0
	}

	if w.config.Pipeline.SupervisorTools {
		_, _ = store.Events.Append(ctx, EventToolStart, map[string]any{"tool": "research_summary", "task_id": task.ID})
	}

	var (
		summary string
		sources []Source
		usage   tokenUsage
		retries int
	)
	policy := RetryPolicy{
		Retries:   w.config.Pipeline.MaxRetries,
		BaseDelay: w.config.Pipeline.RetryBaseDelay,
		MaxDelay:  w.config.Pipeline.RetryMaxDelay,
		OnRetry:   func(int) { retries++ },
	}
	err := policy.Do(ctx, w.logger, "research summary", func(ctx context.Context, attempt int) error {
		prompt := w.createResearchPrompt(task, excerpts)
		if attempt > 0 {
			// later attempts trade nuance for parseability
			prompt = w.createSimpleResearchPrompt(task)
		}
		text, in, out, err := w.llm.GenerateWithTokens(ctx, []Message{
			{Role: "user", Content: prompt},
		}, GenerateOptions{
			Model:       w.config.LLM.ModelFor("research"),
			Temperature: 0.3,
			MaxTokens:   2000,
			Timeout:     w.config.Pipeline.GenerateTimeout,
		})
		usage.input += in
		usage.output += out
		if err != nil {
			return err
		}
		s, src, err := w.parseResearchResponse(text)
		if err != nil {
			return err
		}
		summary, sources = s, src
		return nil
	})

	if w.config.Pipeline.SupervisorTools {
		_, _ = store.Events.Append(ctx, EventToolEnd, map[string]any{"tool": "research_summary", "task_id": task.ID, "success": err == nil})
	}
	if err != nil {
		w.logger.Printf("task %s: research summary failed after %d retries: %v", task.ID, retries, err)
		return "", nil, usage, retries
	}
	return summary, sources, usage, retries
}

// fetchReferences pulls readable text from the caller's reference URLs. Any
// failure just drops that URL; references enrich research, they never gate it.
func (w *ResearchWorker) fetchReferences(ctx context.Context, urls []string) []SourceExcerpt {
	if w.fetcher == nil || !w.config.Research.FetchSources || len(urls) == 0 {
		return nil
	}
	var out []SourceExcerpt
	for _, u := range urls {
		fetchStart := time.Now()
		fetchCtx, cancel := context.WithTimeout(ctx, w.config.Research.FetchTimeout)
		excerpt, err := w.fetcher.Fetch(fetchCtx, u)
		cancel()
		fe := telemetry.FetchEvent{
			Host:     hostOf(u),
			Duration: time.Since(fetchStart),
			Success:  err == nil,
			Chars:    len(excerpt.Text),
		}
		if err != nil {
			fe.Error = err.Error()
			w.logger.Printf("reference fetch failed for %s: %v", u, err)
		} else {
			out = append(out, excerpt)
		}
		w.telemetry.RecordFetchEvent(ctx, fe)
	}
	return out
}

func (w *ResearchWorker) createResearchPrompt(task ResearchTask, excerpts []SourceExcerpt) string {
	refBlock := ""
	if len(excerpts) > 0 {
		var b strings.Builder
		b.WriteString("\nREFERENCE EXCERPTS:\n")
		for _, e := range excerpts {
			title := e.Title
			if title == "" {
				title = e.URL
			}
			fmt.Fprintf(&b, "--- %s (%s)\n%s\n", title, e.URL, e.Text)
		}
		refBlock = b.String()
	}

	return fmt.Sprintf(`You are a research assistant preparing background material for an educational slide deck.

LEARNING GOAL: %s
OBJECTIVE: %s
%s
REQUIREMENTS:
1. Summarize the essential background a teacher needs to explain this topic well
2. Cover the key concepts, common misconceptions and one or two concrete examples
3. Keep the summary factual and specific; avoid filler
4. Suggest further reading with real, well-known URLs only

OUTPUT FORMAT (JSON):
{
  "research_summary": "A few paragraphs of background material",
  "sources": [
    {"title": "...", "url": "https://...", "snippet": "why it is relevant", "relevance_score": 0.9}
  ]
}

Reply with the JSON object only.`, task.LearningGoal, task.Objective, refBlock)
}

func (w *ResearchWorker) createSimpleResearchPrompt(task ResearchTask) string {
	return fmt.Sprintf(`Write background material for teaching "%s".

Reply with exactly this JSON shape and nothing else:
{"research_summary": "a few paragraphs of background", "sources": []}`, task.LearningGoal)
}

func (w *ResearchWorker) parseResearchResponse(response string) (string, []Source, error) {
	var out struct {
		ResearchSummary string   `json:"research_summary"`
		Sources         []Source `json:"sources"`
	}
	if err := DecodeLoose(response, &out); err != nil {
		return "", nil, fmt.Errorf("parse research response: %w", err)
	}
	if strings.TrimSpace(out.ResearchSummary) == "" {
		return "", nil, fmt.Errorf("empty research_summary in response")
	}
	return strings.TrimSpace(out.ResearchSummary), out.Sources, nil
}

// fallbackResearch derives a serviceable summary from the inputs alone. The
// deck that follows will be plain, but the pipeline keeps moving.
func (w *ResearchWorker) fallbackResearch(task ResearchTask, excerpts []SourceExcerpt) (string, []Source) {
	var b strings.Builder
	fmt.Fprintf(&b, "Overview of %s.", task.LearningGoal)
	if task.Objective != "" {
		fmt.Fprintf(&b, " Focus: %s.", task.Objective)
	}
	b.WriteString(" This deck introduces the topic, walks through its core concepts with examples, and closes with a summary of the main takeaways.")
	for _, e := range excerpts {
		if e.Title != "" {
			fmt.Fprintf(&b, " Reference material: %s.", e.Title)
		}
	}

	sources := make([]Source, 0, len(task.ReferenceURLs))
	for _, u := range task.ReferenceURLs {
		sources = append(sources, Source{Title: hostOf(u), URL: u, RelevanceScore: 0.5})
	}
	if len(sources) == 0 {
		// downstream phases expect at least one source to cite
		sources = append(sources, Source{
			Title:          fmt.Sprintf("Introductory material on %s", task.LearningGoal),
			URL:            "https://en.wikipedia.org/wiki/Special:Search?search=" + url.QueryEscape(task.LearningGoal),
			Snippet:        "General background reading for the learning goal.",
			RelevanceScore: 0.3,
		})
	}
	return b.String(), sources
}

// hostOf extracts the hostname from a URL string, falling back to the raw
// string for unparseable input.
func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return raw
	}
	return strings.ToLower(u.Host)
}
