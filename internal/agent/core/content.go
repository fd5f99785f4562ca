package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deckhand-ai/deckhand/config"
	"github.com/deckhand-ai/deckhand/internal/agent/telemetry"
)

// narrationWPM is the speaking rate used to estimate slide durations before
// real narration audio exists.
const narrationWPM = 150

// ContentWorker drafts the curriculum and the slides. Slides are appended to
// the claimed task one at a time, as soon as each is ready, so the streaming
// layer can show a partial deck while the rest is still being written.
type ContentWorker struct {
	config    *config.Config
	llm       LLMCapability
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewContentWorker creates a content worker instance
func NewContentWorker(cfg *config.Config, llm LLMCapability, tel *telemetry.Telemetry) *ContentWorker {
	return &ContentWorker{
		config:    cfg,
		llm:       llm,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[CONTENT] ", log.LstdFlags),
	}
}

func (w *ContentWorker) Phase() Phase { return PhaseContent }

// Run claims the first pending content task and drafts its slides. When no
// task is pending it returns immediately.
func (w *ContentWorker) Run(ctx context.Context, store *TaskStore) error {
	task, ok, err := store.Content.ClaimOne(ctx)
	if err != nil {
		return fmt.Errorf("claim content task: %w", err)
	}
	if !ok {
		return nil
	}
	return w.process(ctx, store, task)
}

func (w *ContentWorker) process(ctx context.Context, store *TaskStore, task ContentTask) error {
	start := time.Now()
	event := telemetry.WorkerEvent{
		Phase:     string(PhaseContent),
		StartTime: start,
		ModelUsed: w.config.LLM.ModelFor("content"),
	}
	var usage tokenUsage
	defer func() {
		event.EndTime = time.Now()
		event.Duration = event.EndTime.Sub(event.StartTime)
		event.InputTokens = usage.input
		event.OutputTokens = usage.output
		rateIn, rateOut := w.config.LLM.RatesFor(event.ModelUsed)
		event.Cost = w.telemetry.CalculateCost(usage.input, usage.output, rateIn, rateOut)
		w.telemetry.RecordWorkerEvent(ctx, event)
	}()

	if strings.TrimSpace(task.LearningGoal) == "" {
		event.Error = "missing learning goal"
		return store.Content.Update(ctx, task.ID, func(t *ContentTask) error {
			t.Status = TaskFailed
			t.Error = "invalid input: missing learning goal"
			return nil
		})
	}

	summary, sourceURLs := w.researchContext(ctx, store)

	curriculum, retries := w.buildCurriculum(ctx, task, summary, &usage)
	event.Retries = retries
	if curriculum == nil {
		c := fallbackCurriculum(task.LearningGoal, task.SlideCountHint)
		curriculum = &c
		w.logger.Printf("task %s: using fallback curriculum for %q", task.ID, task.LearningGoal)
	}
	if task.SlideCountHint > 0 {
		clamped := clampCurriculum(*curriculum, task.SlideCountHint)
		curriculum = &clamped
	}
	if err := store.Content.Update(ctx, task.ID, func(t *ContentTask) error {
		t.Curriculum = curriculum
		return nil
	}); err != nil {
		return err
	}

	// Numbering continues past any slides earlier content tasks produced.
	next, err := store.NextSlideNumber(ctx)
	if err != nil {
		return err
	}

	title := buildTitleSlide(next, *curriculum, task.LearningGoal)
	if err := w.appendSlide(ctx, store, task.ID, title); err != nil {
		return err
	}
	next++

	var drafted []Slide
	for _, topic := range curriculum.Topics {
		for i := 0; i < topic.SlidesNeeded; i++ {
			slide, r := w.draftSlide(ctx, task, topic, i, next, summary, &usage)
			event.Retries += r
			if slide == nil {
				fb := fallbackSlide(next, topic, i)
				slide = &fb
				w.logger.Printf("task %s: using fallback slide %d for topic %q", task.ID, next, topic.Title)
			}
			slide.Sources = sourceURLs
			if err := w.appendSlide(ctx, store, task.ID, *slide); err != nil {
				return err
			}
			drafted = append(drafted, *slide)
			next++
		}
	}

	summarySlide := buildSummarySlide(next, *curriculum, drafted)
	if err := w.appendSlide(ctx, store, task.ID, summarySlide); err != nil {
		return err
	}

	event.Success = true
	return store.Content.Update(ctx, task.ID, func(t *ContentTask) error {
		t.Status = TaskDone
		t.Error = ""
		t.Attempts = event.Retries + 1
		return nil
	})
}

// appendSlide attaches one finished slide to the owning task and announces it
// on the event feed.
func (w *ContentWorker) appendSlide(ctx context.Context, store *TaskStore, taskID string, slide Slide) error {
	if err := store.AppendSlide(ctx, taskID, slide); err != nil {
		return fmt.Errorf("append slide %d: %w", slide.SlideNumber, err)
	}
	_, err := store.Events.Append(ctx, EventSlideCreated, map[string]any{
		"slide_number": slide.SlideNumber,
		"title":        slide.Title,
		"task_id":      taskID,
	})
	return err
}

// researchContext collects the latest finished research output. Content can
// run without it; the prompts just lose their grounding material.
func (w *ContentWorker) researchContext(ctx context.Context, store *TaskStore) (string, []string) {
	tasks, err := store.Research.ListByStatus(ctx, TaskDone)
	if err != nil || len(tasks) == 0 {
		return "", nil
	}
	latest := tasks[len(tasks)-1]
	urls := make([]string, 0, len(latest.Sources))
	for _, s := range latest.Sources {
		if s.URL != "" {
			urls = append(urls, s.URL)
		}
	}
	return latest.ResearchSummary, urls
}

// buildCurriculum asks the model for a topic outline. Nil means the caller
// must fall back.
func (w *ContentWorker) buildCurriculum(ctx context.Context, task ContentTask, summary string, usage *tokenUsage) (*Curriculum, int) {
	if w.llm == nil {
		return nil, 0
	}
	var (
		curriculum Curriculum
		retries    int
	)
	policy := RetryPolicy{
		Retries:   w.config.Pipeline.MaxRetries,
		BaseDelay: w.config.Pipeline.RetryBaseDelay,
		MaxDelay:  w.config.Pipeline.RetryMaxDelay,
		OnRetry:   func(int) { retries++ },
	}
	err := policy.Do(ctx, w.logger, "curriculum outline", func(ctx context.Context, attempt int) error {
		text, in, out, err := w.llm.GenerateWithTokens(ctx, []Message{
			{Role: "user", Content: w.createCurriculumPrompt(task, summary)},
		}, GenerateOptions{
			Model:       w.config.LLM.ModelFor("content"),
			Temperature: 0.4,
			MaxTokens:   1500,
			Timeout:     w.config.Pipeline.GenerateTimeout,
		})
		usage.input += in
		usage.output += out
		if err != nil {
			return err
		}
		c, err := parseCurriculumResponse(text)
		if err != nil {
			return err
		}
		curriculum = c
		return nil
	})
	if err != nil {
		w.logger.Printf("task %s: curriculum outline failed after %d retries: %v", task.ID, retries, err)
		return nil, retries
	}
	return &curriculum, retries
}

func (w *ContentWorker) createCurriculumPrompt(task ContentTask, summary string) string {
	background := ""
	if summary != "" {
		background = "\nBACKGROUND MATERIAL:\n" + summary + "\n"
	}
	hint := ""
	if task.SlideCountHint > 0 {
		hint = fmt.Sprintf("\nThe full deck, including title and summary slides, should be about %d slides.", task.SlideCountHint)
	}
	return fmt.Sprintf(`You are planning an educational slide deck.

LEARNING GOAL: %s
OBJECTIVE: %s
%s
Break the goal into 3 to 6 teachable topics, ordered from fundamentals to applications.%s

OUTPUT FORMAT (JSON):
{
  "title": "Deck title",
  "topics": [
    {"title": "Topic name", "key_concepts": ["concept", "concept"], "slides_needed": 2}
  ]
}

Reply with the JSON object only.`, task.LearningGoal, task.Objective, background, hint)
}

func parseCurriculumResponse(response string) (Curriculum, error) {
	var c Curriculum
	if err := DecodeLoose(response, &c); err != nil {
		return c, fmt.Errorf("parse curriculum response: %w", err)
	}
	if strings.TrimSpace(c.Title) == "" || len(c.Topics) == 0 {
		return c, fmt.Errorf("curriculum response missing title or topics")
	}
	if len(c.Topics) > 6 {
		c.Topics = c.Topics[:6]
	}
	for i := range c.Topics {
		if c.Topics[i].SlidesNeeded < 1 {
			c.Topics[i].SlidesNeeded = 1
		}
	}
	return c, nil
}

// draftSlide asks the model for one slide of the topic. Nil means the caller
// must fall back.
func (w *ContentWorker) draftSlide(ctx context.Context, task ContentTask, topic Topic, index, number int, summary string, usage *tokenUsage) (*Slide, int) {
	if w.llm == nil {
		return nil, 0
	}
	var (
		slide   Slide
		retries int
	)
	policy := RetryPolicy{
		Retries:   w.config.Pipeline.MaxRetries,
		BaseDelay: w.config.Pipeline.RetryBaseDelay,
		MaxDelay:  w.config.Pipeline.RetryMaxDelay,
		OnRetry:   func(int) { retries++ },
	}
	label := fmt.Sprintf("slide %d", number)
	err := policy.Do(ctx, w.logger, label, func(ctx context.Context, attempt int) error {
		text, in, out, err := w.llm.GenerateWithTokens(ctx, []Message{
			{Role: "user", Content: w.createSlidePrompt(task, topic, index, summary)},
		}, GenerateOptions{
			Model:       w.config.LLM.ModelFor("content"),
			Temperature: 0.5,
			MaxTokens:   1200,
			Timeout:     w.config.Pipeline.GenerateTimeout,
		})
		usage.input += in
		usage.output += out
		if err != nil {
			return err
		}
		s, err := parseSlideResponse(text, number)
		if err != nil {
			return err
		}
		slide = s
		return nil
	})
	if err != nil {
		w.logger.Printf("task %s: %s failed after %d retries: %v", task.ID, label, retries, err)
		return nil, retries
	}
	return &slide, retries
}

func (w *ContentWorker) createSlidePrompt(task ContentTask, topic Topic, index int, summary string) string {
	background := ""
	if summary != "" {
		background = "\nBACKGROUND MATERIAL:\n" + summary + "\n"
	}
	return fmt.Sprintf(`You are writing slide %d of the topic "%s" for a lesson on "%s".

KEY CONCEPTS: %s
%s
REQUIREMENTS:
1. One clear idea per slide, written for a learner seeing the topic for the first time
2. Speaker notes are the narration script: conversational, 3 to 5 sentences
3. Pick the slide type from: content, example, practice, quiz
4. Pick the layout from: full_text, bullet_points, text_image, diagram

OUTPUT FORMAT (JSON):
{
  "title": "Slide title",
  "type": "content",
  "layout": "bullet_points",
  "blocks": [
    {"type": "text", "value": "short lead-in"},
    {"type": "bullet_list", "value": "first point\nsecond point\nthird point"}
  ],
  "speaker_notes": "What the narrator says for this slide."
}

Reply with the JSON object only.`, index+1, topic.Title, task.LearningGoal, strings.Join(topic.KeyConcepts, ", "), background)
}

func parseSlideResponse(response string, number int) (Slide, error) {
	var out struct {
		Title  string `json:"title"`
		Type   string `json:"type"`
		Layout string `json:"layout"`
		Blocks []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"blocks"`
		SpeakerNotes string `json:"speaker_notes"`
	}
	if err := DecodeLoose(response, &out); err != nil {
		return Slide{}, fmt.Errorf("parse slide response: %w", err)
	}
	if strings.TrimSpace(out.Title) == "" || len(out.Blocks) == 0 {
		return Slide{}, fmt.Errorf("slide response missing title or blocks")
	}

	slideType := SlideType(out.Type)
	switch slideType {
	case SlideContent, SlideExample, SlidePractice, SlideQuiz:
	default:
		slideType = SlideContent
	}
	layout := SlideLayout(out.Layout)
	switch layout {
	case LayoutFullText, LayoutBulletPoints, LayoutTextImage, LayoutDiagram:
	default:
		layout = LayoutBulletPoints
	}

	blocks := make([]ContentBlock, 0, len(out.Blocks))
	for _, b := range out.Blocks {
		bt := BlockType(b.Type)
		if bt != BlockText && bt != BlockBulletList {
			// visuals come from the visual worker, never from drafting
			bt = BlockText
		}
		if strings.TrimSpace(b.Value) == "" {
			continue
		}
		blocks = append(blocks, ContentBlock{Type: bt, Value: b.Value})
	}
	if len(blocks) == 0 {
		return Slide{}, fmt.Errorf("slide response has no usable blocks")
	}

	return Slide{
		ID:              uuid.New().String(),
		SlideNumber:     number,
		Type:            slideType,
		Layout:          layout,
		Title:           strings.TrimSpace(out.Title),
		Contents:        blocks,
		SpeakerNotes:    strings.TrimSpace(out.SpeakerNotes),
		DurationSeconds: EstimateNarrationSeconds(out.SpeakerNotes, narrationWPM),
		Version:         1,
	}, nil
}

// fallbackCurriculum derives an outline from the learning goal alone. It is
// intentionally plain; its job is to keep the deck non-empty when the model
// is unavailable.
func fallbackCurriculum(goal string, hint int) Curriculum {
	goal = strings.TrimSpace(goal)
	c := Curriculum{
		Title: "Understanding " + goal,
		Topics: []Topic{
			{
				Title:        "Introduction to " + goal,
				KeyConcepts:  []string{"What " + goal + " is", "Why it matters", "Where it shows up"},
				SlidesNeeded: 1,
			},
			{
				Title:        goal + " in practice",
				KeyConcepts:  []string{"The core ideas", "A worked example", "Common mistakes to avoid"},
				SlidesNeeded: 2,
			},
			{
				Title:        "Going further with " + goal,
				KeyConcepts:  []string{"More advanced aspects", "Related topics", "Suggested next steps"},
				SlidesNeeded: 1,
			},
		},
	}
	if hint > 0 {
		c = clampCurriculum(c, hint)
	}
	return c
}

// clampCurriculum trims per-topic slide counts until the total, including the
// title and summary slides, fits the hint. Every topic keeps at least one
// slide so the outline stays intact.
func clampCurriculum(c Curriculum, hint int) Curriculum {
	if hint < len(c.Topics)+2 {
		hint = len(c.Topics) + 2
	}
	for c.TotalSlides() > hint {
		trimmed := false
		for i := len(c.Topics) - 1; i >= 0; i-- {
			if c.Topics[i].SlidesNeeded > 1 {
				c.Topics[i].SlidesNeeded--
				trimmed = true
				break
			}
		}
		if !trimmed {
			break
		}
	}
	return c
}

func buildTitleSlide(number int, c Curriculum, goal string) Slide {
	title := c.Title
	if strings.TrimSpace(title) == "" {
		title = goal
	}
	notes := fmt.Sprintf("Welcome. In this lesson we will work through %s, one topic at a time.", goal)
	return Slide{
		ID:          uuid.New().String(),
		SlideNumber: number,
		Type:        SlideTitle,
		Layout:      LayoutFullText,
		Title:       title,
		Contents: []ContentBlock{
			{Type: BlockText, Value: title},
			{Type: BlockText, Value: "A guided lesson on " + goal},
		},
		SpeakerNotes:    notes,
		DurationSeconds: EstimateNarrationSeconds(notes, narrationWPM),
		Version:         1,
	}
}

func buildSummarySlide(number int, c Curriculum, drafted []Slide) Slide {
	points := make([]string, 0, len(c.Topics))
	for _, t := range c.Topics {
		points = append(points, t.Title)
	}
	if len(points) == 0 {
		for _, s := range drafted {
			points = append(points, s.Title)
		}
	}
	notes := "Let's recap. We covered " + strings.Join(points, ", ") + ". Review the slides for anything that felt quick, then try the concepts yourself."
	return Slide{
		ID:          uuid.New().String(),
		SlideNumber: number,
		Type:        SlideSummary,
		Layout:      LayoutBulletPoints,
		Title:       "Summary",
		Contents: []ContentBlock{
			{Type: BlockText, Value: "What we covered"},
			{Type: BlockBulletList, Value: strings.Join(points, "\n")},
		},
		SpeakerNotes:    notes,
		DurationSeconds: EstimateNarrationSeconds(notes, narrationWPM),
		Version:         1,
	}
}

// fallbackSlide turns a topic's key concepts into a plain bullet slide.
func fallbackSlide(number int, topic Topic, index int) Slide {
	title := topic.Title
	if topic.SlidesNeeded > 1 {
		title = fmt.Sprintf("%s (%d)", topic.Title, index+1)
	}
	concepts := topic.KeyConcepts
	if len(concepts) == 0 {
		concepts = []string{topic.Title}
	}
	notes := fmt.Sprintf("This slide covers %s. The key points are: %s.", topic.Title, strings.Join(concepts, "; "))
	return Slide{
		ID:          uuid.New().String(),
		SlideNumber: number,
		Type:        SlideContent,
		Layout:      LayoutBulletPoints,
		Title:       title,
		Contents: []ContentBlock{
			{Type: BlockText, Value: topic.Title},
			{Type: BlockBulletList, Value: strings.Join(concepts, "\n")},
		},
		SpeakerNotes:    notes,
		DurationSeconds: EstimateNarrationSeconds(notes, narrationWPM),
		Version:         1,
	}
}
