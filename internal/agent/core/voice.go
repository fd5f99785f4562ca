package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deckhand-ai/deckhand/config"
	"github.com/deckhand-ai/deckhand/internal/agent/telemetry"
)

// VoiceWorker narrates slides. Unlike the other workers it claims every
// pending task at once and synthesizes them concurrently, bounded by the
// configured concurrency limit.
type VoiceWorker struct {
	config    *config.Config
	speech    SpeechCapability
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewVoiceWorker creates a voice worker instance
func NewVoiceWorker(cfg *config.Config, speech SpeechCapability, tel *telemetry.Telemetry) *VoiceWorker {
	return &VoiceWorker{
		config:    cfg,
		speech:    speech,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[VOICE] ", log.LstdFlags),
	}
}

func (w *VoiceWorker) Phase() Phase { return PhaseVoice }

// Run claims all pending voice tasks and processes them concurrently. When
// none are pending it returns immediately.
func (w *VoiceWorker) Run(ctx context.Context, store *TaskStore) error {
	tasks, err := store.Voice.ClaimAll(ctx)
	if err != nil {
		return fmt.Errorf("claim voice tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.Pipeline.VoiceConcurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return w.process(ctx, store, task)
		})
	}
	return g.Wait()
}

func (w *VoiceWorker) process(ctx context.Context, store *TaskStore, task VoiceTask) error {
	start := time.Now()
	event := telemetry.WorkerEvent{
		Phase:     string(PhaseVoice),
		StartTime: start,
	}
	defer func() {
		event.EndTime = time.Now()
		event.Duration = event.EndTime.Sub(event.StartTime)
		w.telemetry.RecordWorkerEvent(ctx, event)
	}()

	slide, found, err := w.findSlide(ctx, store, task.SlideNumber)
	if err != nil {
		return err
	}
	if !found {
		event.Error = "slide not found"
		return store.Voice.Update(ctx, task.ID, func(t *VoiceTask) error {
			t.Status = TaskFailed
			t.Error = fmt.Sprintf("slide %d not found", task.SlideNumber)
			return nil
		})
	}

	// A duplicate task for an already narrated slide is absorbed here.
	if slide.AudioURL != "" {
		event.Success = true
		return store.Voice.Update(ctx, task.ID, func(t *VoiceTask) error {
			t.Status = TaskDone
			t.Error = ""
			t.AudioURL = slide.AudioURL
			t.DurationSeconds = slide.AudioDuration
			return nil
		})
	}

	notes := strings.TrimSpace(slide.SpeakerNotes)
	if notes == "" {
		notes = strings.TrimSpace(task.SpeakerNotes)
	}
	if notes == "" {
		event.Success = true
		return store.Voice.Update(ctx, task.ID, func(t *VoiceTask) error {
			t.Status = TaskDone
			t.Error = ""
			return nil
		})
	}

	if w.speech == nil {
		w.logger.Printf("task %s: speech capability unavailable, slide %d stays silent", task.ID, task.SlideNumber)
		event.Success = true
		return store.Voice.Update(ctx, task.ID, func(t *VoiceTask) error {
			t.Status = TaskDone
			t.Error = ""
			return nil
		})
	}

	result, retries, err := w.synthesize(ctx, task, notes)
	event.Retries = retries
	if err != nil {
		event.Error = err.Error()
		return store.Voice.Update(ctx, task.ID, func(t *VoiceTask) error {
			t.Status = TaskFailed
			t.Error = err.Error()
			t.Attempts = retries + 1
			return nil
		})
	}

	_, _, err = store.MutateSlide(ctx, task.SlideNumber, func(s *Slide) error {
		if s.AudioURL != "" {
			return nil
		}
		s.AudioURL = result.AudioURL
		s.AudioDuration = result.DurationSeconds
		if result.DurationSeconds > 0 {
			s.DurationSeconds = result.DurationSeconds
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := store.Events.Append(ctx, EventVoiceReady, map[string]any{
		"slide_number":     task.SlideNumber,
		"audio_url":        result.AudioURL,
		"duration_seconds": result.DurationSeconds,
	}); err != nil {
		return err
	}

	event.Success = true
	return store.Voice.Update(ctx, task.ID, func(t *VoiceTask) error {
		t.Status = TaskDone
		t.Error = ""
		t.Attempts = retries + 1
		t.AudioURL = result.AudioURL
		t.DurationSeconds = result.DurationSeconds
		return nil
	})
}

func (w *VoiceWorker) findSlide(ctx context.Context, store *TaskStore, number int) (Slide, bool, error) {
	slides, err := store.Slides(ctx)
	if err != nil {
		return Slide{}, false, err
	}
	for _, s := range slides {
		if s.SlideNumber == number {
			return s, true, nil
		}
	}
	return Slide{}, false, nil
}

func (w *VoiceWorker) synthesize(ctx context.Context, task VoiceTask, notes string) (SpeechResult, int, error) {
	var (
		result  SpeechResult
		retries int
	)
	policy := RetryPolicy{
		Retries:   w.config.Pipeline.MaxRetries,
		BaseDelay: w.config.Pipeline.RetryBaseDelay,
		MaxDelay:  w.config.Pipeline.RetryMaxDelay,
		OnRetry:   func(int) { retries++ },
	}
	label := fmt.Sprintf("narration for slide %d", task.SlideNumber)
	err := policy.Do(ctx, w.logger, label, func(ctx context.Context, attempt int) error {
		synthCtx, cancel := context.WithTimeout(ctx, w.config.Pipeline.SpeechTimeout)
		defer cancel()
		r, err := w.speech.Synthesize(synthCtx, notes, VoiceOptions{
			Voice:  w.config.Speech.Voice,
			Format: w.config.Speech.Format,
		})
		if err != nil {
			return err
		}
		if r.AudioURL == "" {
			return fmt.Errorf("speech capability returned no audio")
		}
		result = r
		return nil
	})
	if err != nil {
		return SpeechResult{}, retries, err
	}
	if result.DurationSeconds <= 0 {
		result.DurationSeconds = EstimateNarrationSeconds(notes, narrationWPM)
	}
	return result, retries, nil
}
