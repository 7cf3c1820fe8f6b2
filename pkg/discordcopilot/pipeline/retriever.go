package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/store"
)

// Retrieval is the Retriever output. Chunks are ranked by similarity
// descending, ties by chunk id. A failed step leaves Chunks empty and sets
// the matching error.
type Retrieval struct {
	Chunks    []store.Chunk
	EmbedErr  error
	SearchErr error
}

// Contents returns the chunk texts in ranked order.
func (r Retrieval) Contents() []string {
	if len(r.Chunks) == 0 {
		return nil
	}
	out := make([]string, len(r.Chunks))
	for i, c := range r.Chunks {
		out[i] = c.Content
	}
	return out
}

// Retriever embeds the message and searches the knowledge store.
type Retriever struct {
	embedder  Embedder
	knowledge KnowledgeStore
	topK      int
	threshold float64
}

// NewRetriever creates a Retriever returning at most topK chunks with a
// similarity of at least threshold.
func NewRetriever(e Embedder, k KnowledgeStore, topK int, threshold float64) *Retriever {
	return &Retriever{embedder: e, knowledge: k, topK: topK, threshold: threshold}
}

// Retrieve never fails the cycle: embedding or search errors are reported in
// the result and yield no chunks.
func (r *Retriever) Retrieve(ctx context.Context, text string) Retrieval {
	if r == nil || r.embedder == nil || r.knowledge == nil || r.topK <= 0 {
		return Retrieval{}
	}
	if strings.TrimSpace(text) == "" {
		return Retrieval{}
	}

	vector, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return Retrieval{EmbedErr: fmt.Errorf("embed message: %w", err)}
	}
	if len(vector) == 0 {
		return Retrieval{EmbedErr: fmt.Errorf("embed message: empty vector")}
	}

	chunks, err := r.knowledge.SearchChunks(ctx, vector, r.topK, r.threshold)
	if err != nil {
		return Retrieval{SearchErr: fmt.Errorf("search chunks: %w", err)}
	}

	return Retrieval{Chunks: rankChunks(chunks, r.topK, r.threshold)}
}

// rankChunks re-applies the threshold, ranking and cap so the result does
// not depend on the ordering guarantees of a particular backend.
func rankChunks(chunks []store.Chunk, k int, threshold float64) []store.Chunk {
	ranked := make([]store.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Similarity >= threshold {
			ranked = append(ranked, c)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Similarity != ranked[j].Similarity {
			return ranked[i].Similarity > ranked[j].Similarity
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}
