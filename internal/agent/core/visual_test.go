package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func pendingVisual(target int) VisualTask {
	now := time.Now().UTC()
	return VisualTask{
		TaskMeta: TaskMeta{
			ID:           uuid.New().String(),
			Status:       TaskPending,
			LearningGoal: "networking",
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		TargetSlide: target,
	}
}

func TestVisualPlanFor(t *testing.T) {
	title := textSlide(1, "The routing process", "")
	title.Type = SlideTitle
	summary := textSlide(2, "Summary", "")
	summary.Type = SlideSummary

	enhanced := textSlide(3, "Packet flow", "")
	enhanced.Contents = append(enhanced.Contents, ContentBlock{Type: BlockDiagram, Value: "graph TD; A-->B"})

	diagramLayout := textSlide(4, "Plain title", "")
	diagramLayout.Layout = LayoutDiagram

	cued := textSlide(5, "The TCP handshake steps", "")

	imageLayout := textSlide(6, "Plain title", "")
	imageLayout.Layout = LayoutTextImage

	example := textSlide(7, "Plain title", "")
	example.Type = SlideExample

	plain := textSlide(8, "Port numbers", "")

	cases := []struct {
		name  string
		slide Slide
		kind  AssetType
		wants bool
	}{
		{"title slide", title, "", false},
		{"summary slide", summary, "", false},
		{"already enhanced", enhanced, "", false},
		{"diagram layout", diagramLayout, AssetMermaidDiagram, true},
		{"diagram cue in title", cued, AssetMermaidDiagram, true},
		{"text_image layout", imageLayout, AssetEducationalImage, true},
		{"example slide", example, AssetEducationalImage, true},
		{"plain bullet slide", plain, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, wants := visualPlanFor(tc.slide)
			if wants != tc.wants || kind != tc.kind {
				t.Fatalf("expected (%q, %v), got (%q, %v)", tc.kind, tc.wants, kind, wants)
			}
		})
	}
}

func TestVisualWorkerSweepEnhancesSlides(t *testing.T) {
	media := &stubMedia{}
	w := NewVisualWorker(testConfig(), media, newTelemetry())
	ts := newTestStore()
	ctx := context.Background()

	diagram := textSlide(1, "The DNS lookup flow", "notes")
	image := textSlide(2, "Name servers", "notes")
	image.Layout = LayoutTextImage
	plain := textSlide(3, "Record types", "notes")
	seedSlides(t, ts, diagram, image, plain)

	task := pendingVisual(0)
	if err := ts.Visual.Put(ctx, task.ID, task); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := w.Run(ctx, ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stored, _, err := ts.Visual.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != TaskDone {
		t.Fatalf("expected done, got %s (%s)", stored.Status, stored.Error)
	}
	if len(stored.VisualAssets) != 2 {
		t.Fatalf("expected 2 assets recorded, got %d", len(stored.VisualAssets))
	}
	if media.calls != 2 {
		t.Fatalf("expected 2 media calls, got %d", media.calls)
	}
	if media.kinds[0] != AssetMermaidDiagram || media.kinds[1] != AssetEducationalImage {
		t.Fatalf("unexpected asset kinds %v", media.kinds)
	}

	slides, err := ts.Slides(ctx)
	if err != nil {
		t.Fatalf("Slides: %v", err)
	}
	if !slides[0].HasVisual() || slides[0].Version != 2 {
		t.Fatalf("slide 1 not enhanced: %+v", slides[0])
	}
	if got := slides[0].Contents[len(slides[0].Contents)-1]; got.Type != BlockDiagram {
		t.Fatalf("expected diagram block, got %s", got.Type)
	}
	if got := slides[1].Contents[len(slides[1].Contents)-1]; got.Type != BlockImage || got.Value == "" {
		t.Fatalf("expected image block with a URL, got %+v", got)
	}
	if slides[2].HasVisual() {
		t.Fatalf("plain slide must stay text only")
	}

	events, err := ts.Events.After(ctx, 0)
	if err != nil {
		t.Fatalf("After: %v", err)
	}
	added := 0
	for _, ev := range events {
		if ev.Type == EventVisualAdded {
			added++
		}
	}
	if added != 2 {
		t.Fatalf("expected 2 visual_added events, got %d", added)
	}
}

func TestVisualWorkerPinnedTarget(t *testing.T) {
	media := &stubMedia{}
	w := NewVisualWorker(testConfig(), media, newTelemetry())
	ts := newTestStore()
	ctx := context.Background()

	seedSlides(t, ts,
		textSlide(1, "The build pipeline", "notes"),
		textSlide(2, "Release workflow", "notes"),
	)

	task := pendingVisual(2)
	if err := ts.Visual.Put(ctx, task.ID, task); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := w.Run(ctx, ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if media.calls != 1 {
		t.Fatalf("pinned task must touch one slide, got %d calls", media.calls)
	}
	slides, _ := ts.Slides(ctx)
	if slides[0].HasVisual() {
		t.Fatalf("slide 1 must stay untouched")
	}
	if !slides[1].HasVisual() {
		t.Fatalf("slide 2 was not enhanced")
	}
}

func TestVisualWorkerNoMediaCompletes(t *testing.T) {
	w := NewVisualWorker(testConfig(), nil, newTelemetry())
	ts := newTestStore()
	ctx := context.Background()

	seedSlides(t, ts, textSlide(1, "The water cycle", "notes"))
	task := pendingVisual(0)
	if err := ts.Visual.Put(ctx, task.ID, task); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := w.Run(ctx, ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stored, _, err := ts.Visual.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != TaskDone {
		t.Fatalf("no media must still complete the task, got %s", stored.Status)
	}
	slides, _ := ts.Slides(ctx)
	if slides[0].HasVisual() {
		t.Fatalf("slides must stay text only without a media capability")
	}
}

func TestVisualWorkerNoTargetsCompletes(t *testing.T) {
	media := &stubMedia{}
	w := NewVisualWorker(testConfig(), media, newTelemetry())
	ts := newTestStore()
	ctx := context.Background()

	seedSlides(t, ts, textSlide(1, "Plain facts", "notes"))
	task := pendingVisual(0)
	if err := ts.Visual.Put(ctx, task.ID, task); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := w.Run(ctx, ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stored, _, _ := ts.Visual.Get(ctx, task.ID)
	if stored.Status != TaskDone {
		t.Fatalf("expected done, got %s", stored.Status)
	}
	if media.calls != 0 {
		t.Fatalf("no targets must mean no media calls, got %d", media.calls)
	}
}

func TestVisualWorkerAllFailuresFailTask(t *testing.T) {
	media := &stubMedia{err: errors.New("image endpoint down")}
	w := NewVisualWorker(testConfig(), media, newTelemetry())
	ts := newTestStore()
	ctx := context.Background()

	seedSlides(t, ts, textSlide(1, "The OSI layers architecture", "notes"))
	task := pendingVisual(0)
	if err := ts.Visual.Put(ctx, task.ID, task); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := w.Run(ctx, ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stored, _, err := ts.Visual.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != TaskFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.Error == "" {
		t.Fatalf("failure must record the error")
	}
	// MaxRetries 1 means two attempts per target
	if media.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", media.calls)
	}
	slides, _ := ts.Slides(ctx)
	if slides[0].HasVisual() {
		t.Fatalf("failed generation must not modify the slide")
	}
}

// Voice first, visual second: the later enhancement must not drop the audio
// the earlier one wrote onto the slide.
func TestVisualKeepsEarlierNarration(t *testing.T) {
	ts := newTestStore()
	ctx := context.Background()

	slide := textSlide(1, "The request lifecycle", "what happens when you hit enter")
	seedSlides(t, ts, slide)

	speech := &stubSpeech{duration: 9}
	vw := NewVoiceWorker(testConfig(), speech, newTelemetry())
	now := time.Now().UTC()
	voiceTask := VoiceTask{
		TaskMeta:    TaskMeta{ID: uuid.New().String(), Status: TaskPending, CreatedAt: now, UpdatedAt: now},
		SlideNumber: 1,
	}
	if err := ts.Voice.Put(ctx, voiceTask.ID, voiceTask); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := vw.Run(ctx, ts); err != nil {
		t.Fatalf("voice Run: %v", err)
	}

	media := &stubMedia{}
	iw := NewVisualWorker(testConfig(), media, newTelemetry())
	visTask := pendingVisual(0)
	if err := ts.Visual.Put(ctx, visTask.ID, visTask); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := iw.Run(ctx, ts); err != nil {
		t.Fatalf("visual Run: %v", err)
	}

	slides, err := ts.Slides(ctx)
	if err != nil {
		t.Fatalf("Slides: %v", err)
	}
	got := slides[0]
	if got.AudioURL == "" {
		t.Fatalf("visual enhancement dropped the narration")
	}
	if !got.HasVisual() {
		t.Fatalf("slide was not enhanced")
	}
	if got.Version != 3 {
		t.Fatalf("expected version 3 after two enrichments, got %d", got.Version)
	}

	deck, err := NewAssembler().Compose(ctx, ts, "run-under-test")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if len(deck.Slides) != 1 || deck.Slides[0].AudioURL == "" || !deck.Slides[0].HasVisual() {
		t.Fatalf("composed deck lost an enrichment: %+v", deck.Slides[0])
	}
}
