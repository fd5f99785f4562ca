package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deckhand-ai/deckhand/internal/store"
)

func newTestOrchestrator(t *testing.T, llm LLMCapability, media MediaCapability, speech SpeechCapability) (*Orchestrator, Run) {
	t.Helper()
	kv := store.NewMemoryKV()
	orch := NewOrchestrator(testConfig(), kv, newTelemetry(), llm, media, speech, nil)
	now := time.Now().UTC()
	run := Run{
		ID:           "run-under-test",
		LearningGoal: "photosynthesis",
		Status:       RunQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := orch.Runs().Put(context.Background(), run); err != nil {
		t.Fatalf("Put run: %v", err)
	}
	return orch, run
}

// With no model, no media and no speech the pipeline still delivers a full
// deck through the deterministic fallbacks.
func TestExecuteWithoutAnyCapability(t *testing.T) {
	orch, run := newTestOrchestrator(t, nil, nil, nil)
	ctx := context.Background()

	deck, err := orch.Execute(ctx, run)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(deck.Slides) != 6 {
		t.Fatalf("expected the 6-slide fallback deck, got %d", len(deck.Slides))
	}
	if deck.Slides[0].Type != SlideTitle {
		t.Fatalf("first slide must be the title, got %s", deck.Slides[0].Type)
	}
	if deck.Slides[len(deck.Slides)-1].Type != SlideSummary {
		t.Fatalf("last slide must be the summary, got %s", deck.Slides[len(deck.Slides)-1].Type)
	}
	for i, s := range deck.Slides {
		if s.SlideNumber != i+1 {
			t.Fatalf("deck numbering broken at %d: %+v", i, s)
		}
	}

	stored, ok, err := orch.Runs().Get(ctx, run.ID)
	if err != nil || !ok {
		t.Fatalf("Get run: ok=%v err=%v", ok, err)
	}
	if stored.Status != RunDone {
		t.Fatalf("expected done, got %s (%s)", stored.Status, stored.Error)
	}
	if stored.CompletedAt == nil {
		t.Fatalf("CompletedAt not set")
	}
	if stored.SlideCount != 6 {
		t.Fatalf("run record slide count %d, want 6", stored.SlideCount)
	}
	if stored.Phase != PhaseComplete {
		t.Fatalf("expected complete phase, got %s", stored.Phase)
	}

	ts := orch.Store(run.ID)
	final, ok, err := ts.FinalDeck(ctx)
	if err != nil || !ok {
		t.Fatalf("FinalDeck: ok=%v err=%v", ok, err)
	}
	if len(final.Slides) != 6 {
		t.Fatalf("persisted deck has %d slides, want 6", len(final.Slides))
	}

	events, err := ts.Events.After(ctx, 0)
	if err != nil {
		t.Fatalf("After: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected progress events")
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event feed has a gap at %d: seq %d", i, ev.Seq)
		}
	}
}

// routingLLM answers by prompt kind so one stub can serve the planner and
// the content worker in the same run.
type routingLLM struct {
	mu       sync.Mutex
	planning string
	calls    int
}

func (r *routingLLM) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	text, _, _, err := r.GenerateWithTokens(ctx, messages, opts)
	return text, err
}

func (r *routingLLM) GenerateWithTokens(ctx context.Context, messages []Message, opts GenerateOptions) (string, int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	prompt := messages[len(messages)-1].Content
	switch {
	case strings.Contains(prompt, "coordinating an educational slide deck pipeline"):
		return r.planning, 10, 10, nil
	case strings.Contains(prompt, "planning an educational slide deck"):
		return `{"title": "Photosynthesis", "topics": [{"title": "Light reactions", "key_concepts": ["chlorophyll"], "slides_needed": 1}]}`, 10, 10, nil
	case strings.Contains(prompt, "You are writing slide"):
		return `{"title": "Capturing light", "type": "content", "layout": "bullet_points",
			"blocks": [{"type": "text", "value": "Chlorophyll absorbs photons."}],
			"speaker_notes": "Light energy starts the whole process."}`, 10, 10, nil
	case strings.Contains(prompt, "research assistant"):
		return `{"research_summary": "Photosynthesis converts light into chemical energy.", "sources": []}`, 10, 10, nil
	}
	return "", 0, 0, nil
}

// A planning model that keeps proposing the same phase cannot stall the run;
// the iteration ceiling forces assembly and the deck keeps every drafted
// slide.
func TestExecuteCeilingOverridesModel(t *testing.T) {
	llm := &routingLLM{planning: `{"phase": "content", "reasoning": "more depth"}`}
	kv := store.NewMemoryKV()
	cfg := testConfig()
	cfg.Pipeline.PlannerModel = true
	cfg.Pipeline.StuckThreshold = 99
	cfg.Pipeline.MaxIterations = 4
	orch := NewOrchestrator(cfg, kv, newTelemetry(), llm, nil, nil, nil)

	now := time.Now().UTC()
	run := Run{ID: "ceiling-run", LearningGoal: "photosynthesis", Status: RunQueued, CreatedAt: now, UpdatedAt: now}
	if err := orch.Runs().Put(context.Background(), run); err != nil {
		t.Fatalf("Put run: %v", err)
	}

	deck, err := orch.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// three content iterations, each drafting title + topic + summary
	if len(deck.Slides) != 9 {
		t.Fatalf("expected 9 slides from 3 content rounds, got %d", len(deck.Slides))
	}
	for i, s := range deck.Slides {
		if s.SlideNumber != i+1 {
			t.Fatalf("numbering broken at %d: %+v", i, s)
		}
	}

	stored, _, err := orch.Runs().Get(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Get run: %v", err)
	}
	if stored.Status != RunDone {
		t.Fatalf("expected done, got %s (%s)", stored.Status, stored.Error)
	}
}

type panicLLM struct{}

func (panicLLM) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	panic("model exploded")
}

func (panicLLM) GenerateWithTokens(ctx context.Context, messages []Message, opts GenerateOptions) (string, int64, int64, error) {
	panic("model exploded")
}

func TestExecuteRecoversFromPlannerPanic(t *testing.T) {
	kv := store.NewMemoryKV()
	cfg := testConfig()
	cfg.Pipeline.PlannerModel = true
	orch := NewOrchestrator(cfg, kv, newTelemetry(), panicLLM{}, nil, nil, nil)

	now := time.Now().UTC()
	run := Run{ID: "panic-run", LearningGoal: "gravity", Status: RunQueued, CreatedAt: now, UpdatedAt: now}
	if err := orch.Runs().Put(context.Background(), run); err != nil {
		t.Fatalf("Put run: %v", err)
	}

	deck, err := orch.Execute(context.Background(), run)
	if err == nil {
		t.Fatalf("expected an error from a panicking planner")
	}
	if !strings.Contains(err.Error(), "pipeline panic") {
		t.Fatalf("unexpected error %v", err)
	}
	if len(deck.Slides) != 0 {
		t.Fatalf("nothing was drafted, deck should be empty")
	}

	stored, _, err := orch.Runs().Get(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Get run: %v", err)
	}
	if stored.Status != RunFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Fatalf("failed runs still close out")
	}
}

type panicMedia struct {
	mu    sync.Mutex
	calls int
}

func (p *panicMedia) GenerateImage(ctx context.Context, prompt string, kind AssetType) (MediaResult, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	panic("renderer crashed")
}

// A worker panic is contained to its phase; the run still completes with the
// text-only deck.
func TestExecuteContainsWorkerPanic(t *testing.T) {
	media := &panicMedia{}
	kv := store.NewMemoryKV()
	orch := NewOrchestrator(testConfig(), kv, newTelemetry(), nil, media, nil, nil)

	now := time.Now().UTC()
	// the goal's fallback slide titles cue diagrams, so the visual worker
	// actually reaches the media capability
	run := Run{ID: "contained-run", LearningGoal: "the water cycle", Status: RunQueued, CreatedAt: now, UpdatedAt: now}
	if err := orch.Runs().Put(context.Background(), run); err != nil {
		t.Fatalf("Put run: %v", err)
	}

	deck, err := orch.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(deck.Slides) != 6 {
		t.Fatalf("expected the full text deck, got %d slides", len(deck.Slides))
	}
	if media.calls == 0 {
		t.Fatalf("test never reached the media capability")
	}
	for _, s := range deck.Slides {
		if s.HasVisual() {
			t.Fatalf("no visual should survive a crashed renderer: %+v", s)
		}
	}

	stored, _, err := orch.Runs().Get(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Get run: %v", err)
	}
	if stored.Status != RunDone {
		t.Fatalf("a contained panic must not fail the run, got %s (%s)", stored.Status, stored.Error)
	}
}

func TestExecuteDeadContextFailsCleanly(t *testing.T) {
	orch, run := newTestOrchestrator(t, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orch.Execute(ctx, run)
	if err == nil {
		t.Fatalf("expected an error with a dead context")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("unexpected error %v", err)
	}

	stored, _, gerr := orch.Runs().Get(context.Background(), run.ID)
	if gerr != nil {
		t.Fatalf("Get run: %v", gerr)
	}
	if stored.Status != RunFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
}

func TestWaitSatisfiedPerPhase(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, nil, nil)
	ts := newTestStore()
	ctx := context.Background()

	// research: waits on the decision's task ids
	research := pendingResearch("r1", time.Now().UTC())
	if err := ts.Research.Put(ctx, research.ID, research); err != nil {
		t.Fatalf("Put: %v", err)
	}
	decision := PlannerDecision{Phase: PhaseResearch, TaskIDs: []string{"r1"}}
	ok, err := orch.waitSatisfied(ctx, ts, decision, 0)
	if err != nil || ok {
		t.Fatalf("pending research should not satisfy, ok=%v err=%v", ok, err)
	}
	if err := ts.Research.Update(ctx, "r1", func(task *ResearchTask) error {
		task.Status = TaskDone
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	ok, err = orch.waitSatisfied(ctx, ts, decision, 0)
	if err != nil || !ok {
		t.Fatalf("done research should satisfy, ok=%v err=%v", ok, err)
	}

	// content: waits for new slides, not task status
	decision = PlannerDecision{Phase: PhaseContent}
	ok, _ = orch.waitSatisfied(ctx, ts, decision, 0)
	if ok {
		t.Fatalf("no slides yet, content wait should hold")
	}
	seedSlides(t, ts, textSlide(1, "first", ""))
	ok, _ = orch.waitSatisfied(ctx, ts, decision, 0)
	if !ok {
		t.Fatalf("a new slide should satisfy the content wait")
	}
	ok, _ = orch.waitSatisfied(ctx, ts, decision, 1)
	if ok {
		t.Fatalf("slidesBefore=1 means nothing new yet")
	}

	// voice: waits for the whole table to drain
	voice := pendingVoice(1, "notes")
	if err := ts.Voice.Put(ctx, voice.ID, voice); err != nil {
		t.Fatalf("Put: %v", err)
	}
	decision = PlannerDecision{Phase: PhaseVoice}
	ok, _ = orch.waitSatisfied(ctx, ts, decision, 0)
	if ok {
		t.Fatalf("open voice tasks should hold the wait")
	}
	if err := ts.Voice.Update(ctx, voice.ID, func(task *VoiceTask) error {
		task.Status = TaskDone
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	ok, _ = orch.waitSatisfied(ctx, ts, decision, 0)
	if !ok {
		t.Fatalf("drained voice table should satisfy")
	}

	// a decision that created nothing has nothing to wait for
	decision = PlannerDecision{Phase: PhaseVisual}
	ok, err = orch.waitSatisfied(ctx, ts, decision, 0)
	if err != nil || !ok {
		t.Fatalf("no task ids should satisfy immediately, ok=%v err=%v", ok, err)
	}
}
