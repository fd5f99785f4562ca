package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/deckhand-ai/deckhand/internal/store"
)

func decodeStream(t *testing.T, raw string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad stream line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan stream: %v", err)
	}
	return lines
}

func streamHarness(t *testing.T, status RunStatus) (store.KV, *TaskStore, *RunStore, Run) {
	t.Helper()
	kv := store.NewMemoryKV()
	runs := NewRunStore(kv)
	now := time.Now().UTC()
	run := Run{ID: "stream-run", LearningGoal: "g", Status: status, CreatedAt: now, UpdatedAt: now}
	if err := runs.Put(context.Background(), run); err != nil {
		t.Fatalf("Put run: %v", err)
	}
	return kv, NewRunTaskStore(kv, run.ID), runs, run
}

// A client must see a slide before any update to it, the raw events in
// order, and exactly one terminal line at the end.
func TestStreamOrdersSlideBeforeUpdate(t *testing.T) {
	_, ts, runs, run := streamHarness(t, RunRunning)
	ctx := context.Background()

	seedSlides(t, ts, textSlide(1, "Intro", "notes"))

	streamer := NewStreamer(ts, runs, StreamOptions{PollInterval: 2 * time.Millisecond})
	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- streamer.Stream(context.Background(), run.ID, &buf, nil) }()

	step := 30 * time.Millisecond
	time.Sleep(step)
	if _, err := ts.Events.Append(ctx, EventPlannerPhase, map[string]any{"phase": "voice"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	time.Sleep(step)
	if _, _, err := ts.MutateSlide(ctx, 1, func(s *Slide) error {
		s.AudioURL = "/media/1.mp3"
		return nil
	}); err != nil {
		t.Fatalf("MutateSlide: %v", err)
	}
	time.Sleep(step)
	deck := Deck{RunID: run.ID, Title: "Intro", Slides: []Slide{textSlide(1, "Intro", "notes")}}
	if err := ts.PutFinalDeck(ctx, deck); err != nil {
		t.Fatalf("PutFinalDeck: %v", err)
	}
	if err := runs.Update(ctx, run.ID, func(r *Run) { r.Status = RunDone }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stream: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not terminate")
	}

	lines := decodeStream(t, buf.String())
	if len(lines) < 4 {
		t.Fatalf("expected slide, event, update and final lines, got %d: %v", len(lines), lines)
	}

	slideAt, updateAt, eventAt := -1, -1, -1
	for i, l := range lines {
		switch l["type"] {
		case "slide":
			if slideAt == -1 {
				slideAt = i
			}
		case "slide_update":
			if updateAt == -1 {
				updateAt = i
			}
		case EventPlannerPhase:
			eventAt = i
		}
	}
	if slideAt == -1 || updateAt == -1 || eventAt == -1 {
		t.Fatalf("missing line kinds: slide=%d update=%d event=%d", slideAt, updateAt, eventAt)
	}
	if slideAt > updateAt {
		t.Fatalf("slide_update emitted before the slide itself")
	}

	last := lines[len(lines)-1]
	if last["type"] != "final" {
		t.Fatalf("expected terminal final line, got %v", last)
	}
	slides, ok := last["slides"].([]any)
	if !ok || len(slides) != 1 {
		t.Fatalf("final line missing slides: %v", last)
	}
	if last["title"] != "Intro" {
		t.Fatalf("final line missing title: %v", last)
	}
}

func TestStreamFailedRunWithNothingEmitsError(t *testing.T) {
	_, ts, runs, run := streamHarness(t, RunFailed)
	if err := runs.Update(context.Background(), run.ID, func(r *Run) { r.Error = "boom" }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	streamer := NewStreamer(ts, runs, StreamOptions{PollInterval: 2 * time.Millisecond})
	var buf bytes.Buffer
	if err := streamer.Stream(context.Background(), run.ID, &buf, nil); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	lines := decodeStream(t, buf.String())
	if len(lines) != 1 {
		t.Fatalf("expected a single error line, got %d", len(lines))
	}
	if lines[0]["type"] != "error" || lines[0]["error"] != "boom" {
		t.Fatalf("unexpected terminal line %v", lines[0])
	}
}

func TestStreamHeartbeatWhileIdle(t *testing.T) {
	_, ts, runs, run := streamHarness(t, RunRunning)

	streamer := NewStreamer(ts, runs, StreamOptions{
		PollInterval: 2 * time.Millisecond,
		Heartbeat:    5 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	err := streamer.Stream(ctx, run.ID, &buf, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	beats := 0
	for _, l := range decodeStream(t, buf.String()) {
		if l["type"] == "heartbeat" {
			beats++
		}
	}
	if beats == 0 {
		t.Fatalf("expected heartbeats while idle")
	}
}

func TestStreamResumeSkipsConsumedEvents(t *testing.T) {
	_, ts, runs, run := streamHarness(t, RunDone)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := ts.Events.Append(ctx, EventSlideCreated, map[string]any{"slide_number": i + 1}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	deck := Deck{RunID: run.ID, Title: "t", Slides: []Slide{textSlide(1, "t", "")}}
	if err := ts.PutFinalDeck(ctx, deck); err != nil {
		t.Fatalf("PutFinalDeck: %v", err)
	}

	streamer := NewStreamer(ts, runs, StreamOptions{
		PollInterval:  2 * time.Millisecond,
		StartAfterSeq: 2,
	})
	var buf bytes.Buffer
	if err := streamer.Stream(ctx, run.ID, &buf, nil); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	lines := decodeStream(t, buf.String())
	for _, l := range lines {
		if seq, ok := l["seq"].(float64); ok && seq <= 2 {
			t.Fatalf("consumed event re-emitted: %v", l)
		}
	}
	if lines[0]["type"] != EventSlideCreated || lines[0]["seq"].(float64) != 3 {
		t.Fatalf("expected event seq 3 first, got %v", lines[0])
	}
	if lines[len(lines)-1]["type"] != "final" {
		t.Fatalf("expected final line last, got %v", lines[len(lines)-1])
	}
}

func TestStreamUnknownRun(t *testing.T) {
	kv := store.NewMemoryKV()
	ts := NewRunTaskStore(kv, "ghost")
	runs := NewRunStore(kv)

	streamer := NewStreamer(ts, runs, StreamOptions{PollInterval: 2 * time.Millisecond})
	var buf bytes.Buffer
	if err := streamer.Stream(context.Background(), "ghost", &buf, nil); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	lines := decodeStream(t, buf.String())
	if len(lines) != 1 || lines[0]["type"] != "error" {
		t.Fatalf("expected one error line, got %v", lines)
	}
}
