package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/deckhand-ai/deckhand/internal/store"
)

// Table names within one run scope.
const (
	TableResearchTasks = "research_tasks"
	TableContentTasks  = "content_tasks"
	TableVisualTasks   = "visual_tasks"
	TableVoiceTasks    = "voice_tasks"
	TableEvents        = "events"
	TableSystemState   = "system_state"
)

// System-state keys.
const (
	stateKeyEventsSeq = "events_seq"
	StateKeyDecision  = "planner_decision"
	StateKeyFinalDeck = "final_deck"
)

type taskRecord interface {
	taskMeta() TaskMeta
}

// Table is a typed view over one task table. Every call goes straight to the
// backend so reads always see the latest committed write.
type Table[T taskRecord] struct {
	kv   store.KV
	name string
}

// NewTable binds a record type to a table name.
func NewTable[T taskRecord](kv store.KV, name string) Table[T] {
	return Table[T]{kv: kv, name: name}
}

// Name returns the underlying table name.
func (t Table[T]) Name() string { return t.name }

// Get loads one task by id.
func (t Table[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var v T
	raw, ok, err := t.kv.Get(ctx, t.name, id)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode %s/%s: %w", t.name, id, err)
	}
	return v, true, nil
}

// Put upserts one task by id.
func (t Table[T]) Put(ctx context.Context, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", t.name, id, err)
	}
	return t.kv.Put(ctx, t.name, id, raw)
}

// List returns every task in insertion order (creation time, then id).
func (t Table[T]) List(ctx context.Context) ([]T, error) {
	raw, err := t.kv.All(ctx, t.name)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for id, b := range raw {
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", t.name, id, err)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		mi, mj := out[i].taskMeta(), out[j].taskMeta()
		if !mi.CreatedAt.Equal(mj.CreatedAt) {
			return mi.CreatedAt.Before(mj.CreatedAt)
		}
		return mi.ID < mj.ID
	})
	return out, nil
}

// ListByStatus returns tasks whose status matches any of the given values,
// in insertion order.
func (t Table[T]) ListByStatus(ctx context.Context, statuses ...TaskStatus) ([]T, error) {
	all, err := t.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []T
	for _, v := range all {
		s := v.taskMeta().Status
		for _, want := range statuses {
			if s == want {
				out = append(out, v)
				break
			}
		}
	}
	return out, nil
}

// HasOpen reports whether any task is pending or in progress.
func (t Table[T]) HasOpen(ctx context.Context) (bool, error) {
	open, err := t.ListByStatus(ctx, TaskPending, TaskInProgress)
	if err != nil {
		return false, err
	}
	return len(open) > 0, nil
}

// ClaimOne transitions the first pending task to in_progress and returns it.
// The claim is a check-then-write, which holds because at most one worker
// instance runs per table at a time.
func (t Table[T]) ClaimOne(ctx context.Context) (T, bool, error) {
	var zero T
	pending, err := t.ListByStatus(ctx, TaskPending)
	if err != nil || len(pending) == 0 {
		return zero, false, err
	}
	v := pending[0]
	m := any(&v).(interface{ meta() *TaskMeta }).meta()
	m.Status = TaskInProgress
	m.UpdatedAt = time.Now().UTC()
	if err := t.Put(ctx, m.ID, v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// ClaimAll transitions every pending task to in_progress and returns them.
func (t Table[T]) ClaimAll(ctx context.Context) ([]T, error) {
	pending, err := t.ListByStatus(ctx, TaskPending)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range pending {
		m := any(&pending[i]).(interface{ meta() *TaskMeta }).meta()
		m.Status = TaskInProgress
		m.UpdatedAt = now
		if err := t.Put(ctx, m.ID, pending[i]); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// Update applies mutate to the stored task and writes it back.
func (t Table[T]) Update(ctx context.Context, id string, mutate func(*T) error) error {
	v, ok, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s/%s: not found", t.name, id)
	}
	if err := mutate(&v); err != nil {
		return err
	}
	m := any(&v).(interface{ meta() *TaskMeta }).meta()
	m.UpdatedAt = time.Now().UTC()
	return t.Put(ctx, id, v)
}

// EventLog is the append-only progress feed. Sequence numbers come from a
// single atomic counter so they are strictly increasing and gap-free.
type EventLog struct {
	kv store.KV
}

func NewEventLog(kv store.KV) *EventLog { return &EventLog{kv: kv} }

// Append allocates the next sequence number and stores the event under it.
func (l *EventLog) Append(ctx context.Context, typ string, payload map[string]any) (int64, error) {
	seq, err := l.kv.Incr(ctx, TableSystemState, stateKeyEventsSeq)
	if err != nil {
		return 0, fmt.Errorf("allocate event seq: %w", err)
	}
	ev := Event{Seq: seq, Type: typ, Payload: payload, Timestamp: time.Now().UTC()}
	raw, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	if err := l.kv.Put(ctx, TableEvents, strconv.FormatInt(seq, 10), raw); err != nil {
		return 0, err
	}
	return seq, nil
}

// After returns events with seq greater than last, ascending.
func (l *EventLog) After(ctx context.Context, last int64) ([]Event, error) {
	raw, err := l.kv.All(ctx, TableEvents)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raw))
	for key, b := range raw {
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", key, err)
		}
		if ev.Seq > last {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// StateStore reads and writes JSON snapshots in the system_state table.
type StateStore struct {
	kv store.KV
}

func NewStateStore(kv store.KV) *StateStore { return &StateStore{kv: kv} }

func (s *StateStore) PutJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, TableSystemState, key, raw)
}

func (s *StateStore) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := s.kv.Get(ctx, TableSystemState, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode system_state/%s: %w", key, err)
	}
	return true, nil
}

// TaskStore bundles the typed tables of one run scope. Every pipeline
// component works through this view.
type TaskStore struct {
	Research Table[ResearchTask]
	Content  Table[ContentTask]
	Visual   Table[VisualTask]
	Voice    Table[VoiceTask]
	Events   *EventLog
	State    *StateStore
	kv       store.KV

	// mu serializes slide writes. Concurrent narration tasks may target
	// slides of the same content task, and the backends have no
	// compare-and-swap.
	mu sync.Mutex
}

// NewTaskStore builds the typed view over a (possibly already scoped) kv.
func NewTaskStore(kv store.KV) *TaskStore {
	return &TaskStore{
		Research: NewTable[ResearchTask](kv, TableResearchTasks),
		Content:  NewTable[ContentTask](kv, TableContentTasks),
		Visual:   NewTable[VisualTask](kv, TableVisualTasks),
		Voice:    NewTable[VoiceTask](kv, TableVoiceTasks),
		Events:   NewEventLog(kv),
		State:    NewStateStore(kv),
		kv:       kv,
	}
}

// NewRunTaskStore scopes every table to one run so concurrent runs cannot
// see each other's rows.
func NewRunTaskStore(kv store.KV, runID string) *TaskStore {
	return NewTaskStore(store.Scoped(kv, store.RunPrefix(runID)))
}

// DropRun removes every scoped table of a finished run.
func DropRun(ctx context.Context, kv store.KV, runID string) error {
	scoped := store.Scoped(kv, store.RunPrefix(runID))
	for _, table := range []string{
		TableResearchTasks, TableContentTasks, TableVisualTasks,
		TableVoiceTasks, TableEvents, TableSystemState,
	} {
		if err := scoped.DropTable(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// Slides returns the current slides across all content tasks, deduplicated
// by slide number (the highest version wins) and sorted ascending.
func (s *TaskStore) Slides(ctx context.Context) ([]Slide, error) {
	tasks, err := s.Content.List(ctx)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[int]Slide)
	for _, task := range tasks {
		for _, sl := range task.Slides {
			prev, ok := byNumber[sl.SlideNumber]
			if !ok || sl.Version >= prev.Version {
				byNumber[sl.SlideNumber] = sl
			}
		}
	}
	out := make([]Slide, 0, len(byNumber))
	for _, sl := range byNumber {
		out = append(out, sl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlideNumber < out[j].SlideNumber })
	return out, nil
}

// NextSlideNumber returns one past the highest slide number across all
// content tasks, so numbering stays monotonic when several content tasks
// contribute to one deck.
func (s *TaskStore) NextSlideNumber(ctx context.Context) (int, error) {
	slides, err := s.Slides(ctx)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, sl := range slides {
		if sl.SlideNumber > max {
			max = sl.SlideNumber
		}
	}
	return max + 1, nil
}

// AppendSlide attaches one slide to a content task under the same lock as
// MutateSlide, so a narration update racing the append cannot drop it.
func (s *TaskStore) AppendSlide(ctx context.Context, taskID string, slide Slide) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Content.Update(ctx, taskID, func(t *ContentTask) error {
		t.Slides = append(t.Slides, slide)
		return nil
	})
}

// MutateSlide finds the slide by number inside its owning content task,
// applies mutate, bumps the slide version and writes the task back. This is
// the single primitive behind the visual and voice workers' cross-table
// enrichment writes.
func (s *TaskStore) MutateSlide(ctx context.Context, slideNumber int, mutate func(*Slide) error) (Slide, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.Content.List(ctx)
	if err != nil {
		return Slide{}, false, err
	}
	for _, task := range tasks {
		for i := range task.Slides {
			if task.Slides[i].SlideNumber != slideNumber {
				continue
			}
			var updated Slide
			err := s.Content.Update(ctx, task.ID, func(t *ContentTask) error {
				for j := range t.Slides {
					if t.Slides[j].SlideNumber == slideNumber {
						if err := mutate(&t.Slides[j]); err != nil {
							return err
						}
						t.Slides[j].Version++
						updated = t.Slides[j]
						return nil
					}
				}
				return fmt.Errorf("slide %d vanished from task %s", slideNumber, t.ID)
			})
			if err != nil {
				return Slide{}, false, err
			}
			return updated, true, nil
		}
	}
	return Slide{}, false, nil
}

// FinalDeck loads the assembled deck snapshot, if one exists.
func (s *TaskStore) FinalDeck(ctx context.Context) (Deck, bool, error) {
	var deck Deck
	ok, err := s.State.GetJSON(ctx, StateKeyFinalDeck, &deck)
	return deck, ok, err
}

// PutFinalDeck persists the assembled deck snapshot.
func (s *TaskStore) PutFinalDeck(ctx context.Context, deck Deck) error {
	return s.State.PutJSON(ctx, StateKeyFinalDeck, deck)
}

// RunStore keeps the global run records, outside any run scope.
type RunStore struct {
	kv store.KV
}

const tableRuns = "runs"

func NewRunStore(kv store.KV) *RunStore { return &RunStore{kv: kv} }

func (r *RunStore) Put(ctx context.Context, run Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, tableRuns, run.ID, raw)
}

func (r *RunStore) Get(ctx context.Context, id string) (Run, bool, error) {
	var run Run
	raw, ok, err := r.kv.Get(ctx, tableRuns, id)
	if err != nil || !ok {
		return run, false, err
	}
	if err := json.Unmarshal(raw, &run); err != nil {
		return run, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

// List returns runs newest first.
func (r *RunStore) List(ctx context.Context) ([]Run, error) {
	raw, err := r.kv.All(ctx, tableRuns)
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(raw))
	for id, b := range raw {
		var run Run
		if err := json.Unmarshal(b, &run); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", id, err)
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *RunStore) Delete(ctx context.Context, id string) error {
	return r.kv.Delete(ctx, tableRuns, id)
}

// Update applies mutate to the stored run and writes it back.
func (r *RunStore) Update(ctx context.Context, id string, mutate func(*Run)) error {
	run, ok, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s: not found", id)
	}
	mutate(&run)
	run.UpdatedAt = time.Now().UTC()
	return r.Put(ctx, run)
}
