package core

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

// overlaps reports whether two laid-out blocks share any canvas area.
func overlaps(a, b ContentBlock) bool {
	if a.Size == nil || b.Size == nil {
		return false
	}
	if a.Position.X+a.Size.Width <= b.Position.X || b.Position.X+b.Size.Width <= a.Position.X {
		return false
	}
	if a.Position.Y+a.Size.Height <= b.Position.Y || b.Position.Y+b.Size.Height <= a.Position.Y {
		return false
	}
	return true
}

func layoutSlide(layout SlideLayout, blocks ...ContentBlock) Slide {
	return Slide{
		ID:          uuid.New().String(),
		SlideNumber: 1,
		Type:        SlideContent,
		Layout:      layout,
		Title:       "t",
		Contents:    blocks,
		Version:     1,
	}
}

func TestAutoLayoutNeverOverlaps(t *testing.T) {
	mix := []ContentBlock{
		{Type: BlockText, Value: "lead-in"},
		{Type: BlockBulletList, Value: "a\nb\nc"},
		{Type: BlockImage, Value: "https://img.test/1.png"},
		{Type: BlockText, Value: "caption"},
		{Type: BlockDiagram, Value: "graph TD; A-->B"},
	}
	for _, layout := range []SlideLayout{LayoutFullText, LayoutBulletPoints, LayoutTextImage, LayoutDiagram, SlideLayout("unheard_of")} {
		t.Run(string(layout), func(t *testing.T) {
			s := layoutSlide(layout, mix...)
			AutoLayout(&s)
			for _, b := range s.Contents {
				if b.Size == nil {
					t.Fatalf("block %q was not sized", b.Value)
				}
				if b.Size.Width <= 0 || b.Size.Height <= 0 {
					t.Fatalf("block %q has degenerate size %+v", b.Value, b.Size)
				}
				if b.Position.X < 0 || b.Position.Y < 0 {
					t.Fatalf("block %q off canvas at %+v", b.Value, b.Position)
				}
			}
			for i := 0; i < len(s.Contents); i++ {
				for j := i + 1; j < len(s.Contents); j++ {
					if overlaps(s.Contents[i], s.Contents[j]) {
						t.Fatalf("blocks %d and %d overlap: %+v vs %+v",
							i, j, s.Contents[i], s.Contents[j])
					}
				}
			}
		})
	}
}

func TestAutoLayoutSplitsColumnsByLayout(t *testing.T) {
	s := layoutSlide(LayoutTextImage,
		ContentBlock{Type: BlockText, Value: "left"},
		ContentBlock{Type: BlockImage, Value: "right"},
	)
	AutoLayout(&s)
	text, visual := s.Contents[0], s.Contents[1]
	if text.Position.X != 6 || text.Size.Width != 48 {
		t.Fatalf("text column misplaced: %+v %+v", text.Position, text.Size)
	}
	if visual.Position.X != 60 || visual.Size.Width != 34 {
		t.Fatalf("visual column misplaced: %+v %+v", visual.Position, visual.Size)
	}

	s = layoutSlide(LayoutDiagram,
		ContentBlock{Type: BlockText, Value: "side note"},
		ContentBlock{Type: BlockDiagram, Value: "graph LR; A-->B"},
	)
	AutoLayout(&s)
	if s.Contents[1].Size.Width != 52 {
		t.Fatalf("diagram layout must give the visual the wide column, got %+v", s.Contents[1].Size)
	}
}

func TestAutoLayoutCrowdedColumnStaysOnCanvas(t *testing.T) {
	blocks := make([]ContentBlock, 30)
	for i := range blocks {
		blocks[i] = ContentBlock{Type: BlockText, Value: "line"}
	}
	s := layoutSlide(LayoutFullText, blocks...)
	AutoLayout(&s)
	for _, b := range s.Contents {
		if b.Size.Height <= 0 {
			t.Fatalf("crowded column produced non-positive height %v", b.Size.Height)
		}
		if b.Position.Y+b.Size.Height > layoutBottom+0.01 {
			t.Fatalf("block spills past the canvas bottom: y=%v h=%v", b.Position.Y, b.Size.Height)
		}
	}
}

func TestComposeOrdersMergedSlides(t *testing.T) {
	ts := newTestStore()
	ctx := context.Background()

	// two content tasks drafted interleaved slide numbers
	seedSlides(t, ts, textSlide(3, "three", ""), textSlide(1, "one", ""))
	seedSlides(t, ts, textSlide(4, "four", ""), textSlide(2, "two", ""))

	deck, err := NewAssembler().Compose(ctx, ts, "run-under-test")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if len(deck.Slides) != 4 {
		t.Fatalf("expected 4 slides, got %d", len(deck.Slides))
	}
	for i, s := range deck.Slides {
		if s.SlideNumber != i+1 {
			t.Fatalf("deck out of order at %d: %+v", i, s)
		}
	}
	if deck.RunID != "run-under-test" {
		t.Fatalf("unexpected run id %q", deck.RunID)
	}
}

func TestDeckTitlePrefersTitleSlide(t *testing.T) {
	intro := textSlide(2, "Photosynthesis from scratch", "")
	intro.Type = SlideTitle
	slides := []Slide{textSlide(1, "first drafted", ""), intro}
	if got := deckTitle(slides); got != "Photosynthesis from scratch" {
		t.Fatalf("expected the title slide's title, got %q", got)
	}
	if got := deckTitle([]Slide{textSlide(1, "only slide", "")}); got != "only slide" {
		t.Fatalf("expected first slide fallback, got %q", got)
	}
	if got := deckTitle(nil); got != "" {
		t.Fatalf("expected empty title for no slides, got %q", got)
	}
}

func TestComposeDoesNotPersist(t *testing.T) {
	ts := newTestStore()
	ctx := context.Background()
	seedSlides(t, ts, textSlide(1, "draft", ""))

	if _, err := NewAssembler().Compose(ctx, ts, "run-under-test"); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if _, ok, _ := ts.FinalDeck(ctx); ok {
		t.Fatalf("Compose must not write the final deck")
	}

	deck, err := NewAssembler().Assemble(ctx, ts, "run-under-test")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	stored, ok, err := ts.FinalDeck(ctx)
	if err != nil || !ok {
		t.Fatalf("FinalDeck: ok=%v err=%v", ok, err)
	}
	if len(stored.Slides) != len(deck.Slides) {
		t.Fatalf("persisted deck differs: %d vs %d slides", len(stored.Slides), len(deck.Slides))
	}
}

func TestComposeEmptyStoreYieldsEmptyDeck(t *testing.T) {
	ts := newTestStore()
	deck, err := NewAssembler().Compose(context.Background(), ts, "run-under-test")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if deck.Slides == nil || len(deck.Slides) != 0 {
		t.Fatalf("expected an empty, non-nil slide list, got %#v", deck.Slides)
	}
}

func TestAssembleLeavesStoredSlidesUntouched(t *testing.T) {
	ts := newTestStore()
	ctx := context.Background()
	seedSlides(t, ts, textSlide(1, "draft", ""))

	if _, err := NewAssembler().Assemble(ctx, ts, "run-under-test"); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	slides, err := ts.Slides(ctx)
	if err != nil {
		t.Fatalf("Slides: %v", err)
	}
	if slides[0].Contents[0].Size != nil {
		t.Fatalf("layout must run on the merged copies, not the stored slides")
	}
}
