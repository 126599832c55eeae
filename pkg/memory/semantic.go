package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/rendis/loom/pkg/schema"
)

// queryPrefix is prepended to search queries before embedding; retrieval
// models distinguish passage and query embeddings through it.
const queryPrefix = "Represent this sentence for searching relevant passages: "

// DefaultSearchLimit is the hit count used when a caller passes k <= 0.
const DefaultSearchLimit = 10

// MinSimilarity is the cosine similarity floor below which hits are
// dropped from search results.
const MinSimilarity = 0.5

// Embedder computes a vector representation of a text. Supplied by the
// host; the engine never depends on a specific backend.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed calls the wrapped function.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// SearchHit is one ranked result of a semantic search.
type SearchHit struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

type document struct {
	text      string
	embedding []float32
}

// SemanticStore holds namespaced documents with their embeddings and
// answers nearest-neighbor queries by brute-force cosine similarity.
// It is authoritative state, not a cache: nothing is evicted. Unlike
// Memory, a store may be shared by concurrent runs, so access is locked.
type SemanticStore struct {
	embedder Embedder

	mu         sync.RWMutex
	namespaces map[string][]document
}

// NewSemanticStore creates an empty store backed by the given embedder.
func NewSemanticStore(embedder Embedder) *SemanticStore {
	return &SemanticStore{
		embedder:   embedder,
		namespaces: make(map[string][]document),
	}
}

// Insert embeds the text and stores it under the namespace.
func (s *SemanticStore) Insert(ctx context.Context, namespace, text string) error {
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeOperator, "embed document: %s", err.Error()).WithCause(err)
	}
	s.mu.Lock()
	s.namespaces[namespace] = append(s.namespaces[namespace], document{text: text, embedding: emb})
	s.mu.Unlock()
	return nil
}

// Search embeds the query and returns up to k documents of the namespace
// ranked by cosine similarity descending. Hits below MinSimilarity are
// dropped.
func (s *SemanticStore) Search(ctx context.Context, namespace, query string, k int) ([]SearchHit, error) {
	if k <= 0 {
		k = DefaultSearchLimit
	}
	emb, err := s.embedder.Embed(ctx, queryPrefix+query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperator, "embed query: %s", err.Error()).WithCause(err)
	}

	s.mu.RLock()
	docs := s.namespaces[namespace]
	s.mu.RUnlock()

	hits := make([]SearchHit, 0, len(docs))
	for _, doc := range docs {
		score := cosine(emb, doc.embedding)
		if score < MinSimilarity {
			continue
		}
		hits = append(hits, SearchHit{Text: doc.text, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Count returns the number of documents in the namespace.
func (s *SemanticStore) Count(namespace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.namespaces[namespace])
}

// cosine computes cosine similarity between two vectors. Mismatched or
// zero-length vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
