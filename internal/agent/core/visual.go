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

// diagramCues are title fragments that suggest a structural drawing rather
// than an illustration.
var diagramCues = []string{
	"process", "flow", "architecture", "structure", "cycle",
	"pipeline", "steps", "stages", "lifecycle", "workflow", "how it works",
}

// VisualWorker enhances drafted slides with images and diagrams. It reads
// slides from the content table, including ones whose task is still in
// progress, and writes each generated asset straight back onto its slide.
type VisualWorker struct {
	config    *config.Config
	media     MediaCapability
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewVisualWorker creates a visual worker instance
func NewVisualWorker(cfg *config.Config, media MediaCapability, tel *telemetry.Telemetry) *VisualWorker {
	return &VisualWorker{
		config:    cfg,
		media:     media,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[VISUAL] ", log.LstdFlags),
	}
}

func (w *VisualWorker) Phase() Phase { return PhaseVisual }

// Run claims the first pending visual task and enhances its target slides.
// When no task is pending it returns immediately.
func (w *VisualWorker) Run(ctx context.Context, store *TaskStore) error {
	task, ok, err := store.Visual.ClaimOne(ctx)
	if err != nil {
		return fmt.Errorf("claim visual task: %w", err)
	}
	if !ok {
		return nil
	}
	return w.process(ctx, store, task)
}

func (w *VisualWorker) process(ctx context.Context, store *TaskStore, task VisualTask) error {
	start := time.Now()
	event := telemetry.WorkerEvent{
		Phase:     string(PhaseVisual),
		StartTime: start,
		ModelUsed: w.config.LLM.ModelFor("visual"),
	}
	defer func() {
		event.EndTime = time.Now()
		event.Duration = event.EndTime.Sub(event.StartTime)
		w.telemetry.RecordWorkerEvent(ctx, event)
	}()

	slides, err := store.Slides(ctx)
	if err != nil {
		return err
	}

	targets := w.selectTargets(slides, task.TargetSlide)
	if len(targets) == 0 {
		event.Success = true
		return store.Visual.Update(ctx, task.ID, func(t *VisualTask) error {
			t.Status = TaskDone
			t.Error = ""
			return nil
		})
	}
	if w.media == nil {
		w.logger.Printf("task %s: media capability unavailable, slides keep their text-only form", task.ID)
		event.Success = true
		return store.Visual.Update(ctx, task.ID, func(t *VisualTask) error {
			t.Status = TaskDone
			t.Error = ""
			return nil
		})
	}

	var (
		assets  []VisualAsset
		lastErr error
	)
	for _, target := range targets {
		asset, retries, err := w.enhance(ctx, store, target.slide, target.kind)
		event.Retries += retries
		if err != nil {
			lastErr = err
			w.logger.Printf("task %s: visual for slide %d failed: %v", task.ID, target.slide.SlideNumber, err)
			continue
		}
		assets = append(assets, asset)
	}

	if len(assets) == 0 && lastErr != nil {
		event.Error = lastErr.Error()
		return store.Visual.Update(ctx, task.ID, func(t *VisualTask) error {
			t.Status = TaskFailed
			t.Error = lastErr.Error()
			t.Attempts = event.Retries + 1
			return nil
		})
	}

	event.Success = true
	return store.Visual.Update(ctx, task.ID, func(t *VisualTask) error {
		t.Status = TaskDone
		t.Error = ""
		t.Attempts = event.Retries + 1
		t.VisualAssets = append(t.VisualAssets, assets...)
		return nil
	})
}

type visualTarget struct {
	slide Slide
	kind  AssetType
}

// selectTargets picks the slides worth enhancing. A task pinned to one slide
// number enhances only that slide; otherwise every current slide is
// considered.
func (w *VisualWorker) selectTargets(slides []Slide, pinned int) []visualTarget {
	var out []visualTarget
	for _, s := range slides {
		if pinned > 0 && s.SlideNumber != pinned {
			continue
		}
		kind, ok := visualPlanFor(s)
		if !ok {
			continue
		}
		out = append(out, visualTarget{slide: s, kind: kind})
	}
	return out
}

// visualPlanFor decides whether a slide warrants a visual and of which kind.
// Title and summary slides stay clean, slides that already carry a visual
// are left alone.
func visualPlanFor(s Slide) (AssetType, bool) {
	switch s.Type {
	case SlideTitle, SlideSummary, SlideTransition:
		return "", false
	}
	if s.HasVisual() {
		return "", false
	}
	if s.Layout == LayoutDiagram || diagramWorthy(s.Title) {
		return AssetMermaidDiagram, true
	}
	if s.Layout == LayoutTextImage {
		return AssetEducationalImage, true
	}
	if s.Type == SlideExample || s.Type == SlidePractice {
		return AssetEducationalImage, true
	}
	return "", false
}

// diagramWorthy reports whether a slide title sounds like a process or
// structure, the cases where a drawing beats a photo.
func diagramWorthy(title string) bool {
	lower := strings.ToLower(title)
	for _, cue := range diagramCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// enhance generates one asset and writes it onto the slide's block list,
// bumping the slide version.
func (w *VisualWorker) enhance(ctx context.Context, store *TaskStore, slide Slide, kind AssetType) (VisualAsset, int, error) {
	var (
		result  MediaResult
		retries int
	)
	policy := RetryPolicy{
		Retries:   w.config.Pipeline.MaxRetries,
		BaseDelay: w.config.Pipeline.RetryBaseDelay,
		MaxDelay:  w.config.Pipeline.RetryMaxDelay,
		OnRetry:   func(int) { retries++ },
	}
	label := fmt.Sprintf("visual for slide %d", slide.SlideNumber)
	err := policy.Do(ctx, w.logger, label, func(ctx context.Context, attempt int) error {
		genCtx, cancel := context.WithTimeout(ctx, w.config.Pipeline.ImageTimeout)
		defer cancel()
		r, err := w.media.GenerateImage(genCtx, w.visualPrompt(slide, kind), kind)
		if err != nil {
			return err
		}
		if r.ImageURL == "" && r.MermaidCode == "" {
			return fmt.Errorf("media capability returned an empty asset")
		}
		result = r
		return nil
	})
	if err != nil {
		return VisualAsset{}, retries, err
	}

	asset := VisualAsset{
		AssetID:     uuid.New().String(),
		SlideNumber: slide.SlideNumber,
		AssetType:   kind,
		ImageURL:    result.ImageURL,
		MermaidCode: result.MermaidCode,
	}

	block := ContentBlock{Type: BlockImage, Value: asset.ImageURL}
	if asset.MermaidCode != "" {
		block = ContentBlock{Type: BlockDiagram, Value: asset.MermaidCode}
	}
	_, found, err := store.MutateSlide(ctx, slide.SlideNumber, func(s *Slide) error {
		if s.HasVisual() {
			// another pass got here first
			return nil
		}
		s.Contents = append(s.Contents, block)
		return nil
	})
	if err != nil {
		return VisualAsset{}, retries, err
	}
	if !found {
		return VisualAsset{}, retries, fmt.Errorf("slide %d no longer exists", slide.SlideNumber)
	}

	if _, err := store.Events.Append(ctx, EventVisualAdded, map[string]any{
		"slide_number": slide.SlideNumber,
		"asset_type":   string(kind),
		"asset_id":     asset.AssetID,
	}); err != nil {
		return VisualAsset{}, retries, err
	}
	return asset, retries, nil
}

func (w *VisualWorker) visualPrompt(slide Slide, kind AssetType) string {
	var text []string
	for _, b := range slide.Contents {
		if !b.Type.Visual() {
			text = append(text, b.Value)
		}
	}
	body := strings.Join(text, "\n")
	if kind == AssetMermaidDiagram || kind == AssetConceptualDiagram {
		return fmt.Sprintf("A diagram for an educational slide titled %q. It should make the structure easy to follow.\n\nSLIDE CONTENT:\n%s", slide.Title, body)
	}
	return fmt.Sprintf("A clean, friendly illustration for an educational slide titled %q. No embedded text.\n\nSLIDE CONTENT:\n%s", slide.Title, body)
}
