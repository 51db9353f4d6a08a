// Package recall feeds long-term memory into a run. A Retriever finds
// snippets relevant to the current task; the recall node merges them into
// the blackboard's context slot, whose append merge rule accumulates
// snippets across retrievals without clobbering earlier ones.
package recall

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/skeinworks/skein/run"
	"github.com/skeinworks/skein/run/state"
)

// Snippet is one recalled memory.
type Snippet struct {
	// Source identifies where the snippet came from.
	Source string `json:"source"`

	// Text is the recalled content.
	Text string `json:"text"`

	// Score ranks relevance; higher is more relevant.
	Score float64 `json:"score"`
}

// Retriever finds snippets relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Snippet, error)
}

// Node builds a recall node. The query function derives the lookup from
// the snapshot; a nil function uses the latest user message. Retrieved
// snippets land in blackboard["context"].
func Node(r Retriever, limit int, query func(snapshot *state.RunState) string) run.Node {
	if limit <= 0 {
		limit = 5
	}
	return run.NodeFunc(func(ctx context.Context, snapshot *state.RunState, rc *run.RunContext) run.NodeResult {
		q := ""
		if query != nil {
			q = query(snapshot)
		} else {
			for i := len(snapshot.Messages) - 1; i >= 0; i-- {
				if snapshot.Messages[i].Role == "user" {
					q = snapshot.Messages[i].Content
					break
				}
			}
		}
		if q == "" {
			return run.NodeResult{}
		}

		snippets, err := r.Retrieve(ctx, q, limit)
		if err != nil {
			return run.NodeResult{Err: err}
		}
		if len(snippets) == 0 {
			return run.NodeResult{}
		}

		items := make([]any, len(snippets))
		for i, s := range snippets {
			items[i] = map[string]any{"source": s.Source, "text": s.Text, "score": s.Score}
		}
		rc.EmitCustom("recall_done", map[string]any{"query": q, "count": len(snippets)})
		return run.NodeResult{
			Delta: state.Update{Blackboard: map[string]any{"context": items}},
		}
	})
}

// MemoryStore is a small in-process Retriever for development and tests.
// Retrieval scores by naive term overlap between query and snippet text.
type MemoryStore struct {
	mu       sync.RWMutex
	snippets []Snippet
}

// NewMemoryStore creates an empty in-process retriever.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Add stores a snippet.
func (m *MemoryStore) Add(source, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snippets = append(m.snippets, Snippet{Source: source, Text: text})
}

// Retrieve implements Retriever.
func (m *MemoryStore) Retrieve(_ context.Context, query string, limit int) ([]Snippet, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var scored []Snippet
	for _, s := range m.snippets {
		text := strings.ToLower(s.Text)
		hits := 0
		for _, t := range terms {
			if strings.Contains(text, t) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		s.Score = float64(hits) / float64(len(terms))
		scored = append(scored, s)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
