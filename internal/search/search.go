package search

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/deckhand-ai/deckhand/internal/agent/core"
)

// slideDoc is what gets indexed, one document per slide.
type slideDoc struct {
	RunID       string `json:"run_id"`
	DeckTitle   string `json:"deck_title"`
	SlideNumber int    `json:"slide_number"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Notes       string `json:"notes"`
}

// Hit is one search result slide.
type Hit struct {
	RunID       string  `json:"run_id"`
	DeckTitle   string  `json:"deck_title"`
	SlideNumber int     `json:"slide_number"`
	Title       string  `json:"title"`
	Snippet     string  `json:"snippet"`
	Score       float64 `json:"score"`
	Rank        int     `json:"rank"`
}

// Index is an in-memory full-text index over finished decks. Decks are added
// when their run completes and removed when the run record is pruned. The
// index rebuilds from the store on restart, so nothing is persisted.
type Index struct {
	bleve bleve.Index
	meta  map[string]slideDoc
	mu    sync.RWMutex
}

// NewIndex creates an empty deck index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create search index: %w", err)
	}
	return &Index{bleve: idx, meta: make(map[string]slideDoc)}, nil
}

// IndexDeck adds every slide of a finished deck.
func (x *Index) IndexDeck(deck core.Deck) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, s := range deck.Slides {
		doc := slideDoc{
			RunID:       deck.RunID,
			DeckTitle:   deck.Title,
			SlideNumber: s.SlideNumber,
			Title:       s.Title,
			Body:        slideBody(s),
			Notes:       s.SpeakerNotes,
		}
		id := fmt.Sprintf("%s/%d", deck.RunID, s.SlideNumber)
		if err := x.bleve.Index(id, doc); err != nil {
			return fmt.Errorf("index slide %s: %w", id, err)
		}
		x.meta[id] = doc
	}
	return nil
}

// RemoveDeck drops every slide of a pruned run from the index.
func (x *Index) RemoveDeck(runID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	prefix := runID + "/"
	for id := range x.meta {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if err := x.bleve.Delete(id); err != nil {
			return err
		}
		delete(x.meta, id)
	}
	return nil
}

// Search runs a query-string search and returns the top k slides.
func (x *Index) Search(q string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	res, err := x.bleve.Search(searchReq)
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []Hit
	for i, hit := range res.Hits {
		doc, ok := x.meta[hit.ID]
		if !ok {
			continue
		}
		out = append(out, Hit{
			RunID:       doc.RunID,
			DeckTitle:   doc.DeckTitle,
			SlideNumber: doc.SlideNumber,
			Title:       doc.Title,
			Snippet:     snippet(doc.Body),
			Score:       hit.Score,
			Rank:        i + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func slideBody(s core.Slide) string {
	var parts []string
	for _, b := range s.Contents {
		if !b.Type.Visual() {
			parts = append(parts, b.Value)
		}
	}
	return strings.Join(parts, "\n")
}

func snippet(s string) string {
	if len(s) <= 300 {
		return s
	}
	return s[:300] + "..."
}
