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

// QualityLevel grades one phase's output during assessment.
type QualityLevel string

const (
	QualityNone  QualityLevel = "none"
	QualityBasic QualityLevel = "basic"
	QualityGood  QualityLevel = "good"
)

// Assessment is the planner's view of what the pipeline has produced so far.
// Visual and voice are graded from the slides themselves, not from their
// task tables, because those workers write their results onto the slides.
type Assessment struct {
	Research QualityLevel `json:"research"`
	Content  QualityLevel `json:"content"`
	Visual   QualityLevel `json:"visual"`
	Voice    QualityLevel `json:"voice"`

	SlideCount     int      `json:"slide_count"`
	SlidesNoVisual int      `json:"slides_without_visual"`
	SlidesNoVoice  int      `json:"slides_without_voice"`
	ContentOpen    bool     `json:"content_open"`
	Missing        []string `json:"missing_components,omitempty"`
}

// Planner is the state-machine brain of a run. Each invocation assesses the
// task store, decides the next phase, creates the tasks that phase needs and
// publishes the decision. It never fails the pipeline: a broken planning
// model is replaced by the deterministic rules.
type Planner struct {
	config    *config.Config
	llm       LLMCapability
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewPlanner creates a new planner instance
func NewPlanner(cfg *config.Config, llm LLMCapability, tel *telemetry.Telemetry) *Planner {
	return &Planner{
		config:    cfg,
		llm:       llm,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Decide runs one planner invocation: assess, pick the next phase, create
// that phase's tasks and publish the decision. It mutates state in place and
// returns the published decision.
func (p *Planner) Decide(ctx context.Context, store *TaskStore, state *PlannerState) (PlannerDecision, error) {
	state.IterationCount++

	assess, err := p.Assess(ctx, store, state)
	if err != nil {
		return PlannerDecision{}, fmt.Errorf("assess run %s: %w", state.RunID, err)
	}

	phase, reasoning := p.nextPhase(ctx, assess, state)

	if phase == state.CurrentPhase {
		state.SamePhaseStreak++
	} else {
		state.SamePhaseStreak = 1
	}
	state.CurrentPhase = phase

	var taskIDs []string
	if phase != PhaseComplete && phase != PhaseAssembly {
		taskIDs, err = p.createTasks(ctx, store, state, phase, assess)
		if err != nil {
			return PlannerDecision{}, fmt.Errorf("create %s tasks: %w", phase, err)
		}
	}

	if p.config.Pipeline.SupervisorTools && phase != PhaseComplete {
		extra, err := p.superviseSlides(ctx, store, state)
		if err != nil {
			p.logger.Printf("run %s: supervisor sweep failed: %v", state.RunID, err)
		} else {
			taskIDs = append(taskIDs, extra...)
		}
	}

	decision := PlannerDecision{
		Phase:     phase,
		Iteration: state.IterationCount,
		Objective: p.objectiveFor(phase, state),
		TaskIDs:   taskIDs,
		Metadata: map[string]any{
			"reasoning":  reasoning,
			"assessment": assess,
		},
	}
	if err := p.publish(ctx, store, decision); err != nil {
		return PlannerDecision{}, err
	}
	p.logger.Printf("run %s: iteration %d phase %s (%s)", state.RunID, state.IterationCount, phase, reasoning)
	return decision, nil
}

// Assess inspects every table and grades what each phase has produced.
func (p *Planner) Assess(ctx context.Context, store *TaskStore, state *PlannerState) (Assessment, error) {
	var a Assessment

	research, err := store.Research.ListByStatus(ctx, TaskDone)
	if err != nil {
		return a, err
	}
	a.Research = gradeResearch(research)

	slides, err := store.Slides(ctx)
	if err != nil {
		return a, err
	}
	a.SlideCount = len(slides)
	contentOpen, err := store.Content.HasOpen(ctx)
	if err != nil {
		return a, err
	}
	a.ContentOpen = contentOpen
	a.Content = gradeContent(slides, contentOpen)

	for _, s := range slides {
		if _, wants := visualPlanFor(s); wants {
			a.SlidesNoVisual++
		}
		if s.NeedsVoice() {
			a.SlidesNoVoice++
		}
	}
	a.Visual = gradeEnhancement(slides, a.SlidesNoVisual, func(s Slide) bool { return s.HasVisual() })
	a.Voice = gradeEnhancement(slides, a.SlidesNoVoice, func(s Slide) bool { return s.AudioURL != "" })

	if a.Research == QualityNone {
		a.Missing = append(a.Missing, string(PhaseResearch))
	}
	if a.Content == QualityNone {
		a.Missing = append(a.Missing, string(PhaseContent))
	}
	if a.SlidesNoVisual > 0 {
		a.Missing = append(a.Missing, string(PhaseVisual))
	}
	if a.SlidesNoVoice > 0 {
		a.Missing = append(a.Missing, string(PhaseVoice))
	}
	return a, nil
}

func gradeResearch(done []ResearchTask) QualityLevel {
	if len(done) == 0 {
		return QualityNone
	}
	latest := done[len(done)-1]
	if strings.TrimSpace(latest.ResearchSummary) == "" {
		return QualityNone
	}
	if len(latest.Sources) == 0 || len(latest.ResearchSummary) < 200 {
		return QualityBasic
	}
	return QualityGood
}

func gradeContent(slides []Slide, open bool) QualityLevel {
	if len(slides) == 0 {
		return QualityNone
	}
	hasSummary := false
	for _, s := range slides {
		if s.Type == SlideSummary {
			hasSummary = true
			break
		}
	}
	if open || !hasSummary {
		return QualityBasic
	}
	return QualityGood
}

func gradeEnhancement(slides []Slide, missing int, enhanced func(Slide) bool) QualityLevel {
	if len(slides) == 0 {
		return QualityNone
	}
	if missing == 0 {
		return QualityGood
	}
	for _, s := range slides {
		if enhanced(s) {
			return QualityBasic
		}
	}
	return QualityNone
}

// nextPhase picks the next phase. The liveness guards run first and cannot
// be overridden by the planning model: an existing final deck always means
// complete, the iteration ceiling aborts to assembly, and a phase that has
// already been decided StuckThreshold times in a row is forced onward.
func (p *Planner) nextPhase(ctx context.Context, assess Assessment, state *PlannerState) (Phase, string) {
	if len(state.FinalDeck) > 0 {
		return PhaseComplete, "final deck already assembled"
	}
	if state.IterationCount >= p.config.Pipeline.MaxIterations {
		if assess.SlideCount > 0 {
			return PhaseAssembly, fmt.Sprintf("iteration ceiling %d reached, assembling what exists", p.config.Pipeline.MaxIterations)
		}
		return PhaseComplete, fmt.Sprintf("iteration ceiling %d reached with no content", p.config.Pipeline.MaxIterations)
	}
	if state.SamePhaseStreak >= p.config.Pipeline.StuckThreshold && state.CurrentPhase.Valid() {
		next := state.CurrentPhase.Next()
		if next == PhaseAssembly && assess.SlideCount == 0 {
			next = PhaseComplete
		}
		return next, fmt.Sprintf("stuck in %s for %d iterations, forcing progression", state.CurrentPhase, state.SamePhaseStreak)
	}

	if p.config.Pipeline.PlannerModel && p.llm != nil {
		if phase, reasoning, err := p.consultModel(ctx, assess, state); err == nil {
			return phase, reasoning
		} else {
			p.logger.Printf("run %s: planning model failed, using deterministic rules: %v", state.RunID, err)
		}
	}
	return deterministicPhase(assess)
}

// deterministicPhase is the fixed precedence: research and content must
// exist before anything else, then visuals, then narration, then a return
// to content while it is still drafting, then assembly.
func deterministicPhase(assess Assessment) (Phase, string) {
	switch {
	case assess.Research == QualityNone:
		return PhaseResearch, "no research output yet"
	case assess.Content == QualityNone:
		return PhaseContent, "no slides drafted yet"
	case assess.SlidesNoVisual > 0:
		return PhaseVisual, fmt.Sprintf("%d slides still want a visual", assess.SlidesNoVisual)
	case assess.SlidesNoVoice > 0:
		return PhaseVoice, fmt.Sprintf("%d slides still need narration", assess.SlidesNoVoice)
	case assess.Content == QualityBasic:
		return PhaseContent, "deck outline not fully drafted yet"
	default:
		return PhaseAssembly, "all components present, assembling"
	}
}

// consultModel asks the planning model which phase to run next. Anything but
// a clean, valid answer is an error; the caller falls back to the
// deterministic rules.
func (p *Planner) consultModel(ctx context.Context, assess Assessment, state *PlannerState) (Phase, string, error) {
	prompt := p.createPlanningPrompt(assess, state)
	text, err := p.llm.Generate(ctx, []Message{{Role: "user", Content: prompt}}, GenerateOptions{
		Model:       p.config.LLM.ModelFor("planning"),
		Temperature: 0.2,
		MaxTokens:   400,
		Timeout:     p.config.Pipeline.GenerateTimeout,
	})
	if err != nil {
		return "", "", err
	}
	var out struct {
		Phase     string `json:"phase"`
		Reasoning string `json:"reasoning"`
	}
	if err := DecodeLoose(text, &out); err != nil {
		return "", "", fmt.Errorf("parse planning response: %w", err)
	}
	phase := Phase(strings.ToLower(strings.TrimSpace(out.Phase)))
	if !phase.Valid() {
		return "", "", fmt.Errorf("planning model proposed unknown phase %q", out.Phase)
	}
	// The model cannot invent progress. Complete is only ever reached
	// through assembly, and assembly needs slides to work with.
	if phase == PhaseComplete {
		if assess.SlideCount == 0 {
			return "", "", fmt.Errorf("planning model proposed complete with no deck")
		}
		phase = PhaseAssembly
	}
	if phase == PhaseAssembly && assess.SlideCount == 0 {
		return "", "", fmt.Errorf("planning model proposed assembly with no content")
	}
	reasoning := strings.TrimSpace(out.Reasoning)
	if reasoning == "" {
		reasoning = "planning model decision"
	}
	return phase, reasoning, nil
}

func (p *Planner) createPlanningPrompt(assess Assessment, state *PlannerState) string {
	return fmt.Sprintf(`You are coordinating an educational slide deck pipeline.

LEARNING GOAL: %s
CURRENT PHASE: %s (decided %d times in a row)
ITERATION: %d of %d

PIPELINE STATE:
- research quality: %s
- content quality: %s (%d slides so far, drafting still open: %v)
- slides without a visual: %d
- slides without narration: %d

PHASES: research, content, visual, voice, assembly, complete.
Research and content must exist before visuals or narration are useful.
Once nothing is missing, choose assembly. Never choose complete while
slides exist but were not assembled.

OUTPUT FORMAT (JSON):
{"phase": "content", "reasoning": "one sentence"}

Reply with the JSON object only.`,
		state.LearningGoal, state.CurrentPhase, state.SamePhaseStreak,
		state.IterationCount, p.config.Pipeline.MaxIterations,
		assess.Research, assess.Content, assess.SlideCount, assess.ContentOpen,
		assess.SlidesNoVisual, assess.SlidesNoVoice)
}

// createTasks seeds the chosen phase's table. Research, content and visual
// get at most one open task at a time; voice gets one task per slide that
// needs narration, deduplicated by slide number.
func (p *Planner) createTasks(ctx context.Context, store *TaskStore, state *PlannerState, phase Phase, assess Assessment) ([]string, error) {
	objective := p.objectiveFor(phase, state)
	now := time.Now().UTC()
	meta := TaskMeta{
		Status:       TaskPending,
		Objective:    objective,
		LearningGoal: state.LearningGoal,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	switch phase {
	case PhaseResearch:
		open, err := store.Research.HasOpen(ctx)
		if err != nil || open {
			return nil, err
		}
		meta.ID = uuid.New().String()
		task := ResearchTask{TaskMeta: meta, ReferenceURLs: state.ReferenceURLs}
		if err := store.Research.Put(ctx, task.ID, task); err != nil {
			return nil, err
		}
		return []string{task.ID}, nil

	case PhaseContent:
		open, err := store.Content.HasOpen(ctx)
		if err != nil || open {
			return nil, err
		}
		meta.ID = uuid.New().String()
		task := ContentTask{TaskMeta: meta, SlideCountHint: state.SlideCountHint}
		if err := store.Content.Put(ctx, task.ID, task); err != nil {
			return nil, err
		}
		return []string{task.ID}, nil

	case PhaseVisual:
		open, err := store.Visual.HasOpen(ctx)
		if err != nil || open {
			return nil, err
		}
		meta.ID = uuid.New().String()
		task := VisualTask{TaskMeta: meta}
		if err := store.Visual.Put(ctx, task.ID, task); err != nil {
			return nil, err
		}
		return []string{task.ID}, nil

	case PhaseVoice:
		slides, err := store.Slides(ctx)
		if err != nil {
			return nil, err
		}
		return p.enqueueVoice(ctx, store, state, slides, objective)
	}
	return nil, nil
}

// enqueueVoice creates one voice task per slide that needs narration and has
// no open task yet. Slides are the dedupe key.
func (p *Planner) enqueueVoice(ctx context.Context, store *TaskStore, state *PlannerState, slides []Slide, objective string) ([]string, error) {
	claimed, err := voiceSlidesOpen(ctx, store)
	if err != nil {
		return nil, err
	}
	var ids []string
	now := time.Now().UTC()
	for _, s := range slides {
		if !s.NeedsVoice() || claimed[s.SlideNumber] {
			continue
		}
		task := VoiceTask{
			TaskMeta: TaskMeta{
				ID:           uuid.New().String(),
				Status:       TaskPending,
				Objective:    objective,
				LearningGoal: state.LearningGoal,
				CreatedAt:    now,
				UpdatedAt:    now,
			},
			SlideNumber:  s.SlideNumber,
			SpeakerNotes: s.SpeakerNotes,
		}
		if err := store.Voice.Put(ctx, task.ID, task); err != nil {
			return nil, err
		}
		claimed[s.SlideNumber] = true
		ids = append(ids, task.ID)
	}
	return ids, nil
}

// voiceSlidesOpen returns the slide numbers that already have an open voice
// task.
func voiceSlidesOpen(ctx context.Context, store *TaskStore) (map[int]bool, error) {
	open, err := store.Voice.ListByStatus(ctx, TaskPending, TaskInProgress)
	if err != nil {
		return nil, err
	}
	claimed := make(map[int]bool, len(open))
	for _, t := range open {
		claimed[t.SlideNumber] = true
	}
	return claimed, nil
}

// superviseSlides is the tool-calling extension: without waiting for the
// visual or voice phase to come around, enqueue targeted tasks for slides
// whose titles cue a diagram or whose narration is ready to record.
func (p *Planner) superviseSlides(ctx context.Context, store *TaskStore, state *PlannerState) ([]string, error) {
	slides, err := store.Slides(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	now := time.Now().UTC()

	openVisual, err := store.Visual.ListByStatus(ctx, TaskPending, TaskInProgress)
	if err != nil {
		return nil, err
	}
	visualTargets := make(map[int]bool, len(openVisual))
	sweepOpen := false
	for _, t := range openVisual {
		if t.TargetSlide == 0 {
			sweepOpen = true
		}
		visualTargets[t.TargetSlide] = true
	}
	for _, s := range slides {
		if sweepOpen || visualTargets[s.SlideNumber] {
			continue
		}
		if s.Type == SlideTitle || s.Type == SlideSummary || s.HasVisual() || !diagramWorthy(s.Title) {
			continue
		}
		task := VisualTask{
			TaskMeta: TaskMeta{
				ID:           uuid.New().String(),
				Status:       TaskPending,
				Objective:    fmt.Sprintf("Add a diagram to slide %d (%s)", s.SlideNumber, s.Title),
				LearningGoal: state.LearningGoal,
				CreatedAt:    now,
				UpdatedAt:    now,
			},
			TargetSlide: s.SlideNumber,
		}
		if err := store.Visual.Put(ctx, task.ID, task); err != nil {
			return nil, err
		}
		visualTargets[s.SlideNumber] = true
		ids = append(ids, task.ID)
	}

	voiceIDs, err := p.enqueueVoice(ctx, store, state, slides, "Narrate slides whose notes are ready")
	if err != nil {
		return nil, err
	}
	return append(ids, voiceIDs...), nil
}

func (p *Planner) objectiveFor(phase Phase, state *PlannerState) string {
	switch phase {
	case PhaseResearch:
		return fmt.Sprintf("Gather background material for teaching %q", state.LearningGoal)
	case PhaseContent:
		return fmt.Sprintf("Draft the curriculum and slides for %q", state.LearningGoal)
	case PhaseVisual:
		return "Enhance drafted slides with images and diagrams"
	case PhaseVoice:
		return "Narrate slides whose notes are ready"
	case PhaseAssembly:
		return "Assemble the final deck"
	default:
		return "Deck generation finished"
	}
}

// publish records the decision as a state snapshot and an event.
func (p *Planner) publish(ctx context.Context, store *TaskStore, decision PlannerDecision) error {
	if err := store.State.PutJSON(ctx, StateKeyDecision, decision); err != nil {
		return fmt.Errorf("store planner decision: %w", err)
	}
	payload := map[string]any{
		"phase":     string(decision.Phase),
		"iteration": decision.Iteration,
	}
	if r, ok := decision.Metadata["reasoning"]; ok {
		payload["reasoning"] = r
	}
	if _, err := store.Events.Append(ctx, EventPlannerPhase, payload); err != nil {
		return fmt.Errorf("publish planner decision: %w", err)
	}
	p.telemetry.RecordPhaseTransition(string(decision.Phase))
	return nil
}
