package core

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Layout canvas constants, percentage coordinates.
const (
	layoutTop    = 20.0 // below the title band
	layoutBottom = 95.0
	layoutGap    = 3.0
)

// Assembler merges every drafted slide into the final deck and recomputes
// block positions with deterministic placement rules. Visual and voice
// results already live on the slides at this point, so layout is the only
// remaining work. Slides in the task store are never touched; layout runs on
// the merged copies.
type Assembler struct {
	logger *log.Logger
}

// NewAssembler creates an assembler instance
func NewAssembler() *Assembler {
	return &Assembler{logger: log.New(log.Writer(), "[ASSEMBLER] ", log.LstdFlags)}
}

// Compose builds a deck from whatever slides exist without persisting it.
// An empty deck is a valid result; callers decide whether that is an error.
func (a *Assembler) Compose(ctx context.Context, store *TaskStore, runID string) (Deck, error) {
	slides, err := store.Slides(ctx)
	if err != nil {
		return Deck{}, fmt.Errorf("collect slides: %w", err)
	}
	for i := range slides {
		AutoLayout(&slides[i])
	}
	deck := Deck{
		RunID:     runID,
		Title:     deckTitle(slides),
		Slides:    slides,
		CreatedAt: time.Now().UTC(),
	}
	if deck.Slides == nil {
		deck.Slides = []Slide{}
	}
	return deck, nil
}

// Assemble composes the final deck and persists it, which marks the run as
// ready to complete.
func (a *Assembler) Assemble(ctx context.Context, store *TaskStore, runID string) (Deck, error) {
	deck, err := a.Compose(ctx, store, runID)
	if err != nil {
		return Deck{}, err
	}
	if err := store.PutFinalDeck(ctx, deck); err != nil {
		return Deck{}, fmt.Errorf("store final deck: %w", err)
	}
	a.logger.Printf("run %s: assembled %d slides", runID, len(deck.Slides))
	return deck, nil
}

func deckTitle(slides []Slide) string {
	for _, s := range slides {
		if s.Type == SlideTitle {
			return s.Title
		}
	}
	if len(slides) > 0 {
		return slides[0].Title
	}
	return ""
}

// AutoLayout recomputes every block's position and size on the slide. Text
// and visual blocks are placed in disjoint regions chosen by the slide
// layout, so no two blocks can overlap whatever the model produced.
func AutoLayout(s *Slide) {
	var text, visual []*ContentBlock
	for i := range s.Contents {
		b := &s.Contents[i]
		if b.Type.Visual() {
			visual = append(visual, b)
		} else {
			text = append(text, b)
		}
	}
	if len(text) == 0 && len(visual) == 0 {
		return
	}

	switch s.Layout {
	case LayoutTextImage:
		stackColumn(text, 6, 48, layoutTop, layoutBottom)
		stackColumn(visual, 60, 34, layoutTop, layoutBottom)
	case LayoutBulletPoints:
		stackColumn(text, 6, 52, layoutTop, layoutBottom)
		stackColumn(visual, 62, 32, 55, layoutBottom)
	case LayoutDiagram:
		stackColumn(text, 6, 32, layoutTop, layoutBottom)
		stackColumn(visual, 42, 52, layoutTop, layoutBottom)
	default:
		// full_text and anything unrecognized: one centered column
		all := make([]*ContentBlock, 0, len(s.Contents))
		for i := range s.Contents {
			all = append(all, &s.Contents[i])
		}
		stackColumn(all, 6, 88, layoutTop, layoutBottom)
	}
}

// stackColumn lays blocks out top to bottom inside one column. Heights are
// split evenly; the gap collapses when the column gets crowded rather than
// letting blocks spill past the bottom.
func stackColumn(blocks []*ContentBlock, x, width, top, bottom float64) {
	n := len(blocks)
	if n == 0 {
		return
	}
	gap := layoutGap
	h := (bottom - top - gap*float64(n-1)) / float64(n)
	if h <= 0 {
		gap = 0
		h = (bottom - top) / float64(n)
	}
	y := top
	for _, b := range blocks {
		b.Position = Position{X: x, Y: y}
		b.Size = &Size{Width: width, Height: h}
		y += h + gap
	}
}
