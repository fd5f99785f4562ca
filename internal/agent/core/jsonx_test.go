package core

import "testing"

func TestExtractJSONFromFence(t *testing.T) {
	text := "Here is the plan:\n```json\n{\"phase\": \"content\"}\n```\nLet me know."
	got, ok := ExtractJSON(text)
	if !ok {
		t.Fatalf("expected extraction to succeed")
	}
	if got != `{"phase": "content"}` {
		t.Fatalf("expected fenced object, got %q", got)
	}
}

func TestExtractJSONFromProse(t *testing.T) {
	text := `Sure! The answer is {"title": "Photosynthesis", "topics": []} as requested.`
	got, ok := ExtractJSON(text)
	if !ok {
		t.Fatalf("expected extraction to succeed")
	}
	if got != `{"title": "Photosynthesis", "topics": []}` {
		t.Fatalf("unexpected extraction: %q", got)
	}
}

func TestExtractJSONArrayFallback(t *testing.T) {
	text := `The slides are [1, 2, 3] in order.`
	got, ok := ExtractJSON(text)
	if !ok || got != "[1, 2, 3]" {
		t.Fatalf("expected array extraction, got %q ok=%v", got, ok)
	}
}

func TestExtractJSONHandlesBracesInStrings(t *testing.T) {
	text := `prefix {"note": "use {curly} braces", "n": 1} suffix`
	got, ok := ExtractJSON(text)
	if !ok {
		t.Fatalf("expected extraction to succeed")
	}
	if got != `{"note": "use {curly} braces", "n": 1}` {
		t.Fatalf("brace scan stopped early: %q", got)
	}
}

func TestExtractJSONNothingThere(t *testing.T) {
	if got, ok := ExtractJSON("no structured data at all"); ok {
		t.Fatalf("expected failure, got %q", got)
	}
}

func TestDecodeLooseRepairsTrailingComma(t *testing.T) {
	var out struct {
		Phase string `json:"phase"`
	}
	if err := DecodeLoose(`{"phase": "visual",}`, &out); err != nil {
		t.Fatalf("DecodeLoose: %v", err)
	}
	if out.Phase != "visual" {
		t.Fatalf("expected visual, got %q", out.Phase)
	}
}

func TestDecodeLooseRepairsSmartQuotes(t *testing.T) {
	var out struct {
		Title string `json:"title"`
	}
	text := "{“title”: “Cell Biology”}"
	if err := DecodeLoose(text, &out); err != nil {
		t.Fatalf("DecodeLoose: %v", err)
	}
	if out.Title != "Cell Biology" {
		t.Fatalf("expected Cell Biology, got %q", out.Title)
	}
}

func TestDecodeLooseKeepsQuotesInsideStrings(t *testing.T) {
	var out struct {
		Note string `json:"note"`
	}
	if err := DecodeLoose(`{"note": "a \"quoted\" word"}`, &out); err != nil {
		t.Fatalf("DecodeLoose: %v", err)
	}
	if out.Note != `a "quoted" word` {
		t.Fatalf("escaped quotes mangled: %q", out.Note)
	}
}

func TestDecodeLooseGarbage(t *testing.T) {
	var out map[string]any
	if err := DecodeLoose("I cannot answer that.", &out); err == nil {
		t.Fatalf("expected error for output with no JSON")
	}
}
