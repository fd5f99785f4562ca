package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// StreamOptions bound the streamer's polling and heartbeat cadence.
type StreamOptions struct {
	PollInterval  time.Duration
	Heartbeat     time.Duration
	StartAfterSeq int64 // resume point for the event feed
}

// Streamer turns the evolving task store of one run into newline-delimited
// JSON. Every line is one self-contained object: a slide on first sight, a
// slide_update on any later change, the raw pipeline events, heartbeats
// while nothing happens and one terminal final or error line.
type Streamer struct {
	store *TaskStore
	runs  *RunStore
	opts  StreamOptions
}

// NewStreamer builds a streamer over one run's task store.
func NewStreamer(taskStore *TaskStore, runs *RunStore, opts StreamOptions) *Streamer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}
	return &Streamer{store: taskStore, runs: runs, opts: opts}
}

// slideMark is the change-detection state per slide number. A version bump
// is the primary signal; block count and audio cover writers that forgot to
// bump.
type slideMark struct {
	version  int
	blocks   int
	audioURL string
}

func markOf(s Slide) slideMark {
	return slideMark{version: s.Version, blocks: len(s.Contents), audioURL: s.AudioURL}
}

// Stream writes NDJSON lines until the run finishes or ctx is cancelled.
// flush pushes buffered bytes to the client after every line; pass nil when
// the writer does not buffer. A client never sees a slide_update for a slide
// number it has not seen a slide line for.
func (s *Streamer) Stream(ctx context.Context, runID string, w io.Writer, flush func()) error {
	enc := json.NewEncoder(w)
	if flush == nil {
		flush = func() {}
	}

	seen := make(map[int]slideMark)
	lastSeq := s.opts.StartAfterSeq
	lastEmit := time.Now()

	emit := func(v any) error {
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("stream write: %w", err)
		}
		flush()
		lastEmit = time.Now()
		return nil
	}

	for {
		slides, err := s.store.Slides(ctx)
		if err != nil {
			return err
		}
		for _, slide := range slides {
			mark, ok := seen[slide.SlideNumber]
			if !ok {
				if err := emit(map[string]any{"type": "slide", "slide": slide}); err != nil {
					return err
				}
				seen[slide.SlideNumber] = markOf(slide)
				continue
			}
			if mark != markOf(slide) {
				if err := emit(map[string]any{
					"type":         "slide_update",
					"slide_number": slide.SlideNumber,
					"slide":        slide,
				}); err != nil {
					return err
				}
				seen[slide.SlideNumber] = markOf(slide)
			}
		}

		events, err := s.store.Events.After(ctx, lastSeq)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
			lastSeq = ev.Seq
		}

		run, ok, err := s.runs.Get(ctx, runID)
		if err != nil {
			return err
		}
		if !ok {
			return emit(map[string]any{"type": "error", "error": "run not found"})
		}
		if run.Finished() {
			return s.emitTerminal(ctx, run, emit)
		}

		if time.Since(lastEmit) >= s.opts.Heartbeat {
			if err := emit(map[string]any{"type": "heartbeat", "ts": time.Now().UTC()}); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.PollInterval):
		}
	}
}

// emitTerminal closes the stream with the assembled deck when one exists,
// the raw slides as a fallback, or an error line for a run that failed with
// nothing to show.
func (s *Streamer) emitTerminal(ctx context.Context, run Run, emit func(any) error) error {
	deck, ok, err := s.store.FinalDeck(ctx)
	if err != nil {
		return err
	}
	slides := deck.Slides
	if !ok {
		slides, err = s.store.Slides(ctx)
		if err != nil {
			return err
		}
	}
	if run.Status == RunFailed && len(slides) == 0 {
		msg := run.Error
		if msg == "" {
			msg = "run failed"
		}
		return emit(map[string]any{"type": "error", "error": msg})
	}
	if slides == nil {
		slides = []Slide{}
	}
	return emit(map[string]any{"type": "final", "slides": slides, "title": deck.Title})
}
