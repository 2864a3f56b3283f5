// Package memory provides a recall store over completed plans. Past
// queries and their outcomes are embedded into a vector collection and
// surfaced as the memory section of the decomposer's context block.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/stepwise-dev/stepwise/internal/logger"
)

const collectionName = "plan-recall"

// embeddingDim is the dimensionality of the fallback local embedding.
const embeddingDim = 128

// Recall stores summaries of completed plans and retrieves the ones
// most similar to a new query.
type Recall struct {
	mu         sync.Mutex
	collection *chromem.Collection
	maxRecalls int
	seq        int
}

// New creates a recall store. A nil embedding function selects the
// built-in local embedding, which needs no network access.
func New(maxRecalls int, embed chromem.EmbeddingFunc) (*Recall, error) {
	if maxRecalls <= 0 {
		maxRecalls = 3
	}
	if embed == nil {
		embed = localEmbedding
	}

	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create recall collection: %w", err)
	}

	return &Recall{
		collection: collection,
		maxRecalls: maxRecalls,
	}, nil
}

// Remember records one completed plan outcome.
func (r *Recall) Remember(ctx context.Context, query, outcome string) error {
	r.mu.Lock()
	r.seq++
	id := fmt.Sprintf("plan-%06d", r.seq)
	r.mu.Unlock()

	content := query
	if outcome != "" {
		content += "\noutcome: " + outcome
	}

	err := r.collection.AddDocument(ctx, chromem.Document{
		ID:      id,
		Content: content,
		Metadata: map[string]string{
			"query": query,
		},
	})
	if err != nil {
		return fmt.Errorf("remember plan: %w", err)
	}
	return nil
}

// MemorySection renders the context block for a new query. An empty
// string means no relevant memory; the decomposer's prompt stays
// byte-identical to the no-memory form in that case.
func (r *Recall) MemorySection(ctx context.Context, query string) string {
	count := r.collection.Count()
	if count == 0 || strings.TrimSpace(query) == "" {
		return ""
	}

	n := r.maxRecalls
	if n > count {
		n = count
	}

	results, err := r.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		logger.GetLogger().Warn().Err(err).Msg("Recall query failed")
		return ""
	}
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant past requests:\n")
	for _, result := range results {
		b.WriteString("- ")
		b.WriteString(strings.ReplaceAll(result.Content, "\n", "; "))
		b.WriteString("\n")
	}
	return b.String()
}

// Count returns the number of remembered plans.
func (r *Recall) Count() int {
	return r.collection.Count()
}

// localEmbedding is a deterministic bag-of-words embedding. It trades
// semantic quality for zero dependencies; swap in a real embedding
// function for production recall.
func localEmbedding(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, embeddingDim)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,!?;:\"'()[]{}")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum32()
		vec[sum%embeddingDim] += 1
		vec[(sum>>8)%embeddingDim] += 0.5
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
