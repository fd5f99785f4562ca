package core

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/deckhand-ai/deckhand/config"
	"github.com/deckhand-ai/deckhand/internal/agent/telemetry"
	"github.com/deckhand-ai/deckhand/internal/store"
)

// Worker is a phase executor: it claims whatever its table holds right now,
// works through it and exits. Workers are re-invoked by the orchestrator on
// every matching planner decision.
type Worker interface {
	Phase() Phase
	Run(ctx context.Context, store *TaskStore) error
}

// Orchestrator drives the planner/worker cycle for one run at a time: the
// planner decides a phase, the matching worker is invoked, the orchestrator
// waits a bounded time for its output and hands control back to the planner.
// Whatever happens, a run ends with one best-effort assembly pass, so the
// caller always gets a deck rather than nothing.
type Orchestrator struct {
	config    *config.Config
	kv        store.KV
	runs      *RunStore
	planner   *Planner
	assembler *Assembler
	workers   map[Phase]Worker
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewOrchestrator wires the planner, assembler and the four phase workers.
func NewOrchestrator(cfg *config.Config, kv store.KV, tel *telemetry.Telemetry, llm LLMCapability, media MediaCapability, speech SpeechCapability, fetcher SourceFetcher) *Orchestrator {
	workers := map[Phase]Worker{
		PhaseResearch: NewResearchWorker(cfg, llm, fetcher, tel),
		PhaseContent:  NewContentWorker(cfg, llm, tel),
		PhaseVisual:   NewVisualWorker(cfg, media, tel),
		PhaseVoice:    NewVoiceWorker(cfg, speech, tel),
	}
	return &Orchestrator{
		config:    cfg,
		kv:        kv,
		runs:      NewRunStore(kv),
		planner:   NewPlanner(cfg, llm, tel),
		assembler: NewAssembler(),
		workers:   workers,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
	}
}

// Runs exposes the run records for the API layer.
func (o *Orchestrator) Runs() *RunStore { return o.runs }

// Store returns the run-scoped task store used by one run.
func (o *Orchestrator) Store(runID string) *TaskStore {
	return NewRunTaskStore(o.kv, runID)
}

// Execute drives one run to completion and returns the assembled deck. The
// run record is kept current throughout so pollers and the streaming layer
// can follow along.
func (o *Orchestrator) Execute(ctx context.Context, run Run) (deck Deck, err error) {
	start := time.Now()
	taskStore := o.Store(run.ID)
	state := NewPlannerState(run)

	o.telemetry.RecordRunStart(ctx, run.ID)
	if err := o.runs.Update(ctx, run.ID, func(r *Run) {
		r.Status = RunRunning
		r.Phase = PhaseResearch
	}); err != nil {
		return Deck{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.config.Pipeline.RunTimeout)
	defer cancel()

	// A panicking worker or planner must still leave a deck behind.
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("run %s: recovered from panic: %v", run.ID, r)
			deck, err = o.finish(run, taskStore, state, start, fmt.Errorf("pipeline panic: %v", r))
		}
	}()

	for {
		decision, derr := o.planner.Decide(ctx, taskStore, state)
		if derr != nil {
			return o.finish(run, taskStore, state, start, derr)
		}
		o.updateRunProgress(ctx, run.ID, taskStore, state)

		switch decision.Phase {
		case PhaseComplete:
			return o.finish(run, taskStore, state, start, nil)
		case PhaseAssembly:
			assembled, aerr := o.assembler.Assemble(ctx, taskStore, run.ID)
			if aerr != nil || len(assembled.Slides) == 0 {
				return o.finish(run, taskStore, state, start, aerr)
			}
			state.FinalDeck = assembled.Slides
			continue
		}

		if ctx.Err() != nil {
			return o.finish(run, taskStore, state, start, fmt.Errorf("run timed out in phase %s", decision.Phase))
		}

		o.invokeWorker(ctx, taskStore, decision)
		if cerr := o.collectOutputs(ctx, taskStore, state); cerr != nil {
			return o.finish(run, taskStore, state, start, cerr)
		}
	}
}

// invokeWorker starts the phase worker and waits a bounded time for its
// output: the tasks the decision created for research and visual, the first
// new slides for content, the whole table for voice. Hitting the timeout
// just logs a warning; the worker keeps running and its late writes are
// picked up on the next cycle.
func (o *Orchestrator) invokeWorker(ctx context.Context, taskStore *TaskStore, decision PlannerDecision) {
	worker, ok := o.workers[decision.Phase]
	if !ok {
		return
	}

	slidesBefore := 0
	if decision.Phase == PhaseContent {
		if slides, err := taskStore.Slides(ctx); err == nil {
			slidesBefore = len(slides)
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s worker panic: %v", decision.Phase, r)
			}
		}()
		done <- worker.Run(ctx, taskStore)
	}()

	timeout := o.config.Pipeline.PhaseTimeouts.Timeout(string(decision.Phase))
	deadline := time.Now().Add(timeout)

	for {
		select {
		case err := <-done:
			if err != nil {
				o.logger.Printf("%s worker: %v", decision.Phase, err)
			}
			return
		case <-ctx.Done():
			return
		case <-time.After(o.config.Pipeline.PollInterval):
		}

		if time.Now().After(deadline) {
			o.logger.Printf("warning: %s phase still running after %s, moving on with what exists", decision.Phase, timeout)
			return
		}
		satisfied, err := o.waitSatisfied(ctx, taskStore, decision, slidesBefore)
		if err != nil {
			o.logger.Printf("%s wait: %v", decision.Phase, err)
			return
		}
		if satisfied {
			return
		}
	}
}

// waitSatisfied checks the phase's own notion of "produced something".
func (o *Orchestrator) waitSatisfied(ctx context.Context, taskStore *TaskStore, decision PlannerDecision, slidesBefore int) (bool, error) {
	switch decision.Phase {
	case PhaseResearch:
		return tasksTerminal(ctx, taskStore.Research, decision.TaskIDs)
	case PhaseVisual:
		return tasksTerminal(ctx, taskStore.Visual, decision.TaskIDs)
	case PhaseContent:
		slides, err := taskStore.Slides(ctx)
		if err != nil {
			return false, err
		}
		return len(slides) > slidesBefore, nil
	case PhaseVoice:
		open, err := taskStore.Voice.HasOpen(ctx)
		if err != nil {
			return false, err
		}
		return !open, nil
	}
	return true, nil
}

// tasksTerminal reports whether every listed task reached done or failed.
// With no ids to watch there is nothing to wait for.
func tasksTerminal[T taskRecord](ctx context.Context, table Table[T], ids []string) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	for _, id := range ids {
		task, ok, err := table.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if !task.taskMeta().Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// collectOutputs snapshots every table's terminal tasks into the planner
// state after a worker phase.
func (o *Orchestrator) collectOutputs(ctx context.Context, taskStore *TaskStore, state *PlannerState) error {
	research, err := taskStore.Research.ListByStatus(ctx, TaskDone, TaskFailed)
	if err != nil {
		return err
	}
	state.ResearchOutputs = research

	content, err := taskStore.Content.ListByStatus(ctx, TaskDone, TaskFailed)
	if err != nil {
		return err
	}
	state.ContentOutputs = content

	visual, err := taskStore.Visual.ListByStatus(ctx, TaskDone, TaskFailed)
	if err != nil {
		return err
	}
	state.VisualOutputs = visual

	voice, err := taskStore.Voice.ListByStatus(ctx, TaskDone, TaskFailed)
	if err != nil {
		return err
	}
	state.VoiceOutputs = voice
	return nil
}

func (o *Orchestrator) updateRunProgress(ctx context.Context, runID string, taskStore *TaskStore, state *PlannerState) {
	slideCount := 0
	if slides, err := taskStore.Slides(ctx); err == nil {
		slideCount = len(slides)
	}
	if err := o.runs.Update(ctx, runID, func(r *Run) {
		r.Phase = state.CurrentPhase
		r.Iteration = state.IterationCount
		r.SlideCount = slideCount
	}); err != nil {
		o.logger.Printf("run %s: progress update failed: %v", runID, err)
	}
}

// finish runs the best-effort assembly, closes out the run record and
// reports telemetry. It is the single exit path of Execute, reached on
// success, error, timeout and panic alike.
func (o *Orchestrator) finish(run Run, taskStore *TaskStore, state *PlannerState, start time.Time, cause error) (Deck, error) {
	// The run context may already be dead; closing out uses its own budget.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deck, ok, err := taskStore.FinalDeck(ctx)
	if !ok || err != nil {
		deck, err = o.assembler.Assemble(ctx, taskStore, run.ID)
		if err != nil && cause == nil {
			cause = err
		}
	}

	now := time.Now().UTC()
	status := RunDone
	errText := ""
	if cause != nil {
		o.logger.Printf("run %s: finished degraded: %v", run.ID, cause)
		errText = cause.Error()
		if len(deck.Slides) == 0 {
			status = RunFailed
		}
	}
	if uerr := o.runs.Update(ctx, run.ID, func(r *Run) {
		r.Status = status
		r.Phase = PhaseComplete
		r.Iteration = state.IterationCount
		r.SlideCount = len(deck.Slides)
		r.Error = errText
		r.CompletedAt = &now
	}); uerr != nil {
		o.logger.Printf("run %s: final update failed: %v", run.ID, uerr)
	}

	o.telemetry.RecordRunEvent(ctx, telemetry.RunEvent{
		RunID:        run.ID,
		LearningGoal: run.LearningGoal,
		StartTime:    start,
		EndTime:      now,
		Duration:     now.Sub(start),
		Success:      status == RunDone,
		Error:        errText,
		SlideCount:   len(deck.Slides),
	})

	if status == RunFailed {
		return deck, fmt.Errorf("run %s failed: %s", run.ID, errText)
	}
	return deck, nil
}
