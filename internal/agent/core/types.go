package core

import (
	"context"
	"time"
)

// Phase is the single authoritative state-machine variable of a pipeline run.
type Phase string

const (
	PhaseResearch Phase = "research"
	PhaseContent  Phase = "content"
	PhaseVisual   Phase = "visual"
	PhaseVoice    Phase = "voice"
	PhaseAssembly Phase = "assembly"
	PhaseComplete Phase = "complete"
)

// PhaseOrder is the forced-progression sequence used for stuck phases and the
// iteration ceiling.
var PhaseOrder = []Phase{PhaseResearch, PhaseContent, PhaseVisual, PhaseVoice, PhaseAssembly, PhaseComplete}

// Next returns the phase after p in the forced-progression sequence.
// Complete and unknown phases stay complete.
func (p Phase) Next() Phase {
	for i, ph := range PhaseOrder {
		if ph == p && i+1 < len(PhaseOrder) {
			return PhaseOrder[i+1]
		}
	}
	return PhaseComplete
}

// Valid reports whether p is one of the known pipeline phases.
func (p Phase) Valid() bool {
	for _, ph := range PhaseOrder {
		if ph == p {
			return true
		}
	}
	return false
}

// TaskStatus is the lifecycle of a task row.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether a task in this status will never change again.
func (s TaskStatus) Terminal() bool { return s == TaskDone || s == TaskFailed }

// TaskMeta is the shared base shape of every task row: identity, lifecycle
// and the objective text copied from the originating phase decision.
type TaskMeta struct {
	ID           string     `json:"id"`
	Status       TaskStatus `json:"status"`
	Objective    string     `json:"objective,omitempty"`
	LearningGoal string     `json:"learning_goal,omitempty"`
	Error        string     `json:"error,omitempty"`
	Attempts     int        `json:"attempts,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (m TaskMeta) taskMeta() TaskMeta { return m }
func (m *TaskMeta) meta() *TaskMeta   { return m }

// Source is a suggested reading produced by the research phase.
type Source struct {
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	Snippet        string  `json:"snippet,omitempty"`
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

// ResearchTask carries the research summary and suggested sources.
type ResearchTask struct {
	TaskMeta
	ReferenceURLs   []string `json:"reference_urls,omitempty"`
	ResearchSummary string   `json:"research_summary,omitempty"`
	Sources         []Source `json:"sources,omitempty"`
}

// BlockType classifies a content block on a slide.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockBulletList BlockType = "bullet_list"
	BlockImage      BlockType = "image"
	BlockDiagram    BlockType = "diagram"
)

// Visual reports whether the block renders as an image or diagram.
func (t BlockType) Visual() bool { return t == BlockImage || t == BlockDiagram }

// Position is a percentage coordinate on the slide canvas, 0-100.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a percentage extent on the slide canvas, 0-100.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ContentBlock is one positioned element on a slide. Positions are computed
// by the auto-layout pass, never supplied raw, so blocks on one slide never
// overlap.
type ContentBlock struct {
	Type     BlockType `json:"type"`
	Value    string    `json:"value"`
	Position Position  `json:"position"`
	Size     *Size     `json:"size,omitempty"`
}

// SlideType classifies the pedagogical role of a slide.
type SlideType string

const (
	SlideTitle      SlideType = "title"
	SlideContent    SlideType = "content"
	SlideExample    SlideType = "example"
	SlidePractice   SlideType = "practice"
	SlideQuiz       SlideType = "quiz"
	SlideSummary    SlideType = "summary"
	SlideTransition SlideType = "transition"
)

// SlideLayout selects the auto-layout placement rules.
type SlideLayout string

const (
	LayoutFullText     SlideLayout = "full_text"
	LayoutBulletPoints SlideLayout = "bullet_points"
	LayoutTextImage    SlideLayout = "text_image"
	LayoutDiagram      SlideLayout = "diagram"
)

// Slide is the atomic deliverable unit. Created by the content worker,
// enriched in place by the visual and voice workers, read-only once the
// assembler has produced a final deck. Version is bumped on every mutation
// and is the change-detection signal for the streaming layer.
type Slide struct {
	ID              string         `json:"id"`
	SlideNumber     int            `json:"slide_number"`
	Type            SlideType      `json:"type"`
	Layout          SlideLayout    `json:"layout"`
	Title           string         `json:"title"`
	Contents        []ContentBlock `json:"contents"`
	SpeakerNotes    string         `json:"speaker_notes,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	Sources         []string       `json:"sources,omitempty"`
	AudioURL        string         `json:"audio_url,omitempty"`
	AudioDuration   float64        `json:"audio_duration,omitempty"`
	Version         int            `json:"version"`
}

// HasVisual reports whether any block on the slide is an image or diagram.
func (s Slide) HasVisual() bool {
	for _, b := range s.Contents {
		if b.Type.Visual() {
			return true
		}
	}
	return false
}

// NeedsVoice reports whether the slide has narration text but no audio yet.
func (s Slide) NeedsVoice() bool {
	return s.SpeakerNotes != "" && s.AudioURL == ""
}

// ReadyForPlayback reports whether a client can play the slide as narrated:
// either narration audio exists or the slide has nothing to narrate.
func (s Slide) ReadyForPlayback() bool {
	return s.SpeakerNotes == "" || s.AudioURL != ""
}

// Topic is one curriculum entry with the number of slides it should produce.
type Topic struct {
	Title        string   `json:"title"`
	KeyConcepts  []string `json:"key_concepts,omitempty"`
	SlidesNeeded int      `json:"slides_needed"`
}

// Curriculum is the ordered outline the content worker drafts slides from.
type Curriculum struct {
	Title  string  `json:"title"`
	Topics []Topic `json:"topics"`
}

// TotalSlides is the slide count the curriculum calls for, including the
// title and summary slides.
func (c Curriculum) TotalSlides() int {
	n := 2
	for _, t := range c.Topics {
		n += t.SlidesNeeded
	}
	return n
}

// ContentTask carries the curriculum and the slides drafted so far. Slides
// are appended as they are created so partial decks are visible
// mid-generation.
type ContentTask struct {
	TaskMeta
	SlideCountHint int         `json:"slide_count_hint,omitempty"`
	Curriculum     *Curriculum `json:"curriculum,omitempty"`
	Slides         []Slide     `json:"slides,omitempty"`
}

// AssetType classifies what the media capability produced.
type AssetType string

const (
	AssetEducationalImage  AssetType = "educational_image"
	AssetConceptualDiagram AssetType = "conceptual_diagram"
	AssetMermaidDiagram    AssetType = "mermaid_diagram"
)

// VisualAsset is one generated image or diagram, keyed to a slide number.
// The slide reference is not enforced; an asset may point at a slide that
// does not exist yet.
type VisualAsset struct {
	AssetID     string    `json:"asset_id"`
	SlideNumber int       `json:"slide_number"`
	AssetType   AssetType `json:"asset_type"`
	ImageURL    string    `json:"image_url,omitempty"`
	MermaidCode string    `json:"mermaid_code,omitempty"`
	Position    Position  `json:"position"`
	Size        *Size     `json:"size,omitempty"`
}

// VisualTask enhances either one target slide or every current slide when
// TargetSlide is zero.
type VisualTask struct {
	TaskMeta
	TargetSlide  int           `json:"target_slide,omitempty"`
	VisualAssets []VisualAsset `json:"visual_assets,omitempty"`
}

// VoiceTask narrates exactly one slide.
type VoiceTask struct {
	TaskMeta
	SlideNumber     int     `json:"slide_number"`
	SpeakerNotes    string  `json:"speaker_notes,omitempty"`
	AudioURL        string  `json:"audio_url,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Event is one append-only progress record. Seq values are strictly
// increasing and gap-free among existing entries.
type Event struct {
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Event types published by the pipeline.
const (
	EventSlideCreated = "slide_created"
	EventVisualAdded  = "visual_added"
	EventVoiceReady   = "voice_ready"
	EventPlannerPhase = "planner_phase"
	EventToolStart    = "tool_start"
	EventToolEnd      = "tool_end"
)

// Deck is the assembled output of a run.
type Deck struct {
	RunID     string    `json:"run_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	Slides    []Slide   `json:"slides"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// RunStatus is the lifecycle of one end-to-end generation request.
type RunStatus string

const (
	RunQueued  RunStatus = "queued"
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunFailed  RunStatus = "failed"
)

// Run is the durable record of one generation request.
type Run struct {
	ID             string     `json:"id"`
	LearningGoal   string     `json:"learning_goal"`
	Objective      string     `json:"objective,omitempty"`
	SlideCountHint int        `json:"slide_count_hint,omitempty"`
	ReferenceURLs  []string   `json:"reference_urls,omitempty"`
	Status         RunStatus  `json:"status"`
	Phase          Phase      `json:"phase,omitempty"`
	Iteration      int        `json:"iteration,omitempty"`
	SlideCount     int        `json:"slide_count,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Finished reports whether the run reached a terminal status.
func (r Run) Finished() bool { return r.Status == RunDone || r.Status == RunFailed }

// PlannerState is carried across planner invocations within one run. It is
// not persisted beyond the run.
type PlannerState struct {
	RunID           string
	LearningGoal    string
	Objective       string
	SlideCountHint  int
	ReferenceURLs   []string
	CurrentPhase    Phase
	SamePhaseStreak int
	IterationCount  int
	ResearchOutputs []ResearchTask
	ContentOutputs  []ContentTask
	VisualOutputs   []VisualTask
	VoiceOutputs    []VoiceTask
	FinalDeck       []Slide
}

// NewPlannerState seeds the state machine for a run.
func NewPlannerState(run Run) *PlannerState {
	return &PlannerState{
		RunID:          run.ID,
		LearningGoal:   run.LearningGoal,
		Objective:      run.Objective,
		SlideCountHint: run.SlideCountHint,
		ReferenceURLs:  run.ReferenceURLs,
		CurrentPhase:   PhaseResearch,
	}
}

// PlannerDecision is one published phase decision.
type PlannerDecision struct {
	Phase     Phase          `json:"phase"`
	Iteration int            `json:"iteration"`
	Objective string         `json:"objective,omitempty"`
	TaskIDs   []string       `json:"task_ids,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Message is one turn handed to the language model capability.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateOptions constrain one language model call.
type GenerateOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// LLMCapability is the narrow boundary to the language model. Callers must
// tolerate malformed output on any call that requested structured JSON.
type LLMCapability interface {
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)
	GenerateWithTokens(ctx context.Context, messages []Message, opts GenerateOptions) (text string, inputTokens int64, outputTokens int64, err error)
}

// MediaResult is either an image URL or mermaid source, depending on the
// asset kind requested.
type MediaResult struct {
	ImageURL    string
	MermaidCode string
}

// MediaCapability generates one visual asset.
type MediaCapability interface {
	GenerateImage(ctx context.Context, prompt string, kind AssetType) (MediaResult, error)
}

// WordTimestamp marks one word's span within synthesized narration.
type WordTimestamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SpeechResult is the output of one narration synthesis.
type SpeechResult struct {
	AudioURL        string
	DurationSeconds float64
	WordTimestamps  []WordTimestamp
}

// VoiceOptions select voice and encoding for narration synthesis.
type VoiceOptions struct {
	Voice  string
	Format string
}

// SpeechCapability synthesizes narration for one slide.
type SpeechCapability interface {
	Synthesize(ctx context.Context, text string, opts VoiceOptions) (SpeechResult, error)
}

// SourceExcerpt is readable text pulled from one reference URL.
type SourceExcerpt struct {
	URL   string
	Title string
	Text  string
}

// SourceFetcher retrieves and extracts readable text from a reference URL.
type SourceFetcher interface {
	Fetch(ctx context.Context, url string) (SourceExcerpt, error)
}
