package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func claimedResearch(t *testing.T, ts *TaskStore, goal string, refs ...string) string {
	t.Helper()
	task := pendingResearch("research-1", time.Now().UTC())
	task.LearningGoal = goal
	task.Objective = "explain it to newcomers"
	task.ReferenceURLs = refs
	if err := ts.Research.Put(context.Background(), task.ID, task); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return task.ID
}

func TestResearchWorkerFallbackWithoutModel(t *testing.T) {
	ts := newTestStore()
	ctx := context.Background()
	id := claimedResearch(t, ts, "photosynthesis")

	w := NewResearchWorker(testConfig(), nil, nil, newTelemetry())
	if err := w.Run(ctx, ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, ok, err := ts.Research.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if task.Status != TaskDone {
		t.Fatalf("expected done, got %s (%s)", task.Status, task.Error)
	}
	if task.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", task.Attempts)
	}
	if !strings.Contains(task.ResearchSummary, "Overview of photosynthesis.") {
		t.Fatalf("fallback summary missing overview: %q", task.ResearchSummary)
	}
	if !strings.Contains(task.ResearchSummary, "explain it to newcomers") {
		t.Fatalf("fallback summary dropped the objective: %q", task.ResearchSummary)
	}
	if len(task.Sources) != 1 {
		t.Fatalf("expected one fabricated source, got %d", len(task.Sources))
	}
	src := task.Sources[0]
	if !strings.HasPrefix(src.URL, "https://en.wikipedia.org/wiki/Special:Search?search=") {
		t.Fatalf("unexpected fallback source URL %q", src.URL)
	}
	if src.RelevanceScore != 0.3 {
		t.Fatalf("expected fabricated source score 0.3, got %v", src.RelevanceScore)
	}
}

func TestResearchWorkerFallbackUsesReferences(t *testing.T) {
	ts := newTestStore()
	ctx := context.Background()
	id := claimedResearch(t, ts, "cell biology",
		"https://example.org/cells",
		"https://biology.dev/notes")

	cfg := testConfig()
	cfg.Research.FetchSources = true
	w := NewResearchWorker(cfg, nil, stubFetcher{}, newTelemetry())
	if err := w.Run(ctx, ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, _, err := ts.Research.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != TaskDone {
		t.Fatalf("expected done, got %s (%s)", task.Status, task.Error)
	}
	if !strings.Contains(task.ResearchSummary, "Excerpt from https://example.org/cells") {
		t.Fatalf("summary ignores fetched excerpt titles: %q", task.ResearchSummary)
	}
	if len(task.Sources) != 2 {
		t.Fatalf("expected one source per reference URL, got %d", len(task.Sources))
	}
	if task.Sources[0].Title != "example.org" || task.Sources[1].Title != "biology.dev" {
		t.Fatalf("sources not titled by host: %+v", task.Sources)
	}
	for _, s := range task.Sources {
		if s.RelevanceScore != 0.5 {
			t.Fatalf("expected reference score 0.5, got %v", s.RelevanceScore)
		}
	}
}

func TestResearchWorkerScriptedModel(t *testing.T) {
	ts := newTestStore()
	ctx := context.Background()
	id := claimedResearch(t, ts, "plate tectonics")

	llm := &stubLLM{replies: []string{
		"Here is the material:\n```json\n{\"research_summary\": \"  Plates move atop the mantle. Boundaries make mountains and quakes.\", \"sources\": [{\"title\": \"USGS primer\", \"url\": \"https://usgs.gov/plates\", \"relevance_score\": 0.9}]}\n```",
	}}
	w := NewResearchWorker(testConfig(), llm, nil, newTelemetry())
	if err := w.Run(ctx, ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, _, err := ts.Research.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != TaskDone || task.Attempts != 1 {
		t.Fatalf("expected done on first attempt, got %s attempts=%d", task.Status, task.Attempts)
	}
	if task.ResearchSummary != "Plates move atop the mantle. Boundaries make mountains and quakes." {
		t.Fatalf("summary not trimmed from model reply: %q", task.ResearchSummary)
	}
	if len(task.Sources) != 1 || task.Sources[0].Title != "USGS primer" {
		t.Fatalf("model sources not stored: %+v", task.Sources)
	}
	if llm.calls != 1 {
		t.Fatalf("expected a single model call, got %d", llm.calls)
	}
}

func TestResearchWorkerModelFailureFallsBack(t *testing.T) {
	ts := newTestStore()
	ctx := context.Background()
	id := claimedResearch(t, ts, "the rock cycle")

	llm := &stubLLM{err: errors.New("provider down")}
	w := NewResearchWorker(testConfig(), llm, nil, newTelemetry())
	if err := w.Run(ctx, ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, _, err := ts.Research.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != TaskDone {
		t.Fatalf("model failure must fall back, got %s (%s)", task.Status, task.Error)
	}
	if task.Attempts != 2 {
		t.Fatalf("expected retry then fallback, got attempts=%d", task.Attempts)
	}
	if llm.calls != 2 {
		t.Fatalf("expected 2 model calls, got %d", llm.calls)
	}
	if !strings.Contains(task.ResearchSummary, "Overview of the rock cycle.") {
		t.Fatalf("fallback summary missing: %q", task.ResearchSummary)
	}
	if len(task.Sources) == 0 {
		t.Fatalf("fallback must fabricate a source")
	}
}

func TestResearchWorkerUnparseableReplyFallsBack(t *testing.T) {
	ts := newTestStore()
	ctx := context.Background()
	id := claimedResearch(t, ts, "volcanoes")

	llm := &stubLLM{replies: []string{"no json here", "still chatting"}}
	w := NewResearchWorker(testConfig(), llm, nil, newTelemetry())
	if err := w.Run(ctx, ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task, _, err := ts.Research.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != TaskDone || task.Attempts != 2 {
		t.Fatalf("expected fallback after parse retries, got %s attempts=%d", task.Status, task.Attempts)
	}
	if !strings.Contains(task.ResearchSummary, "Overview of volcanoes.") {
		t.Fatalf("expected fallback summary, got %q", task.ResearchSummary)
	}
}

func TestResearchWorkerMissingGoal(t *testing.T) {
	ts := newTestStore()
	ctx := context.Background()

	task := pendingResearch("research-empty", time.Now().UTC())
	task.LearningGoal = "   "
	if err := ts.Research.Put(ctx, task.ID, task); err != nil {
		t.Fatalf("Put: %v", err)
	}

	llm := &stubLLM{replies: []string{"{}"}}
	w := NewResearchWorker(testConfig(), llm, nil, newTelemetry())
	if err := w.Run(ctx, ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _, err := ts.Research.Get(ctx, "research-empty")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != TaskFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error != "invalid input: missing learning goal" {
		t.Fatalf("unexpected error %q", got.Error)
	}
	if llm.calls != 0 {
		t.Fatalf("model consulted for an empty goal")
	}
}

func TestResearchWorkerToolEvents(t *testing.T) {
	ts := newTestStore()
	ctx := context.Background()
	claimedResearch(t, ts, "gravity")

	cfg := testConfig()
	cfg.Pipeline.SupervisorTools = true
	llm := &stubLLM{replies: []string{`{"research_summary": "Gravity pulls masses together.", "sources": []}`}}
	w := NewResearchWorker(cfg, llm, nil, newTelemetry())
	if err := w.Run(ctx, ts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events, err := ts.Events.After(ctx, 0)
	if err != nil {
		t.Fatalf("After: %v", err)
	}
	var start, end *Event
	for i := range events {
		switch events[i].Type {
		case EventToolStart:
			start = &events[i]
		case EventToolEnd:
			end = &events[i]
		}
	}
	if start == nil || end == nil {
		t.Fatalf("expected tool_start and tool_end events, got %v", events)
	}
	if start.Payload["tool"] != "research_summary" {
		t.Fatalf("unexpected tool payload %v", start.Payload)
	}
	if end.Payload["success"] != true {
		t.Fatalf("expected successful tool_end, got %v", end.Payload)
	}

	// Without a model the tool is never invoked, so nothing is published.
	ts2 := newTestStore()
	claimedResearch(t, ts2, "gravity")
	w2 := NewResearchWorker(cfg, nil, nil, newTelemetry())
	if err := w2.Run(ctx, ts2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events2, err := ts2.Events.After(ctx, 0)
	if err != nil {
		t.Fatalf("After: %v", err)
	}
	if len(events2) != 0 {
		t.Fatalf("expected no tool events without a model, got %v", events2)
	}
}

func TestHostOf(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://Example.org/cells", "example.org"},
		{" https://a.b/c ", "a.b"},
		{"not a url", "not a url"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := hostOf(tc.in); got != tc.want {
			t.Fatalf("hostOf(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
