package vecindex

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/applianceworks/partsassist-backend/internal/domain/kb"
	"github.com/applianceworks/partsassist-backend/internal/pkg/logger"
)

const (
	DefaultTopK           = 3
	DefaultScoreThreshold = float32(0.3)
)

// Embedder maps text to fixed-width vectors. The width is fixed per model
// and must match between build and query.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// Match is one search hit: the document plus its cosine similarity to the
// query and its stable position in the index.
type Match struct {
	Score    float32     `json:"score"`
	Position int         `json:"position"`
	Document kb.Document `json:"document"`
}

// Index holds unit-normalized embeddings and their documents in two
// position-aligned sequences. Immutable after Build or Load, so Search is
// safe for unbounded concurrent use.
type Index struct {
	log      *logger.Logger
	embedder Embedder

	dim     int
	vectors [][]float32
	docs    []kb.Document
}

func New(log *logger.Logger, embedder Embedder) *Index {
	if log != nil {
		log = log.With("service", "VectorIndex")
	}
	return &Index{log: log, embedder: embedder}
}

func (x *Index) Len() int { return len(x.docs) }
func (x *Index) Dim() int { return x.dim }

// Build embeds every document and normalizes the vectors to unit length.
// All-or-nothing: on any failure the index is left unset.
func (x *Index) Build(ctx context.Context, docs []kb.Document) error {
	if x.embedder == nil {
		return &BuildError{Reason: "no embedder configured"}
	}
	if len(docs) == 0 {
		return &BuildError{Reason: "no documents to index"}
	}

	texts := make([]string, len(docs))
	for i := range docs {
		texts[i] = docs[i].Text
	}

	vecs, err := x.embedder.Embed(ctx, texts)
	if err != nil {
		return &BuildError{Reason: "embedding failed", Cause: err}
	}
	if len(vecs) != len(docs) {
		return &BuildError{Reason: fmt.Sprintf("embedder returned %d vectors for %d documents", len(vecs), len(docs))}
	}

	dim := len(vecs[0])
	if dim == 0 {
		return &BuildError{Reason: "embedder returned empty vector"}
	}
	normalized := make([][]float32, len(vecs))
	for i, v := range vecs {
		if len(v) != dim {
			return &BuildError{Reason: fmt.Sprintf("vector %d has width %d, expected %d", i, len(v), dim)}
		}
		nv, err := normalize(v)
		if err != nil {
			return &BuildError{Reason: fmt.Sprintf("vector %d", i), Cause: err}
		}
		normalized[i] = nv
	}

	x.dim = dim
	x.vectors = normalized
	x.docs = append([]kb.Document(nil), docs...)

	if x.log != nil {
		x.log.Info("Index built", "documents", len(docs), "dim", dim)
	}
	return nil
}

// Search embeds the query and scans every record with an inner product,
// which equals cosine similarity because both sides are unit vectors.
// Results are filtered to score > threshold, ordered by descending score
// (ties by ascending position) and truncated to k. An empty result is not
// an error.
func (x *Index) Search(ctx context.Context, query string, k int, threshold float32) ([]Match, error) {
	if x.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	if len(x.vectors) == 0 {
		return nil, fmt.Errorf("index is empty")
	}
	if k <= 0 {
		k = DefaultTopK
	}

	vecs, err := x.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != x.dim {
		return nil, fmt.Errorf("query embedding width mismatch: got %d, index has %d", lenFirst(vecs), x.dim)
	}
	q, err := normalize(vecs[0])
	if err != nil {
		return nil, fmt.Errorf("normalize query: %w", err)
	}

	matches := make([]Match, 0, k)
	for i, v := range x.vectors {
		score := dot(q, v)
		if score <= threshold {
			continue
		}
		matches = append(matches, Match{Score: score, Position: i, Document: x.docs[i]})
	}
	sort.SliceStable(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score > matches[b].Score
		}
		return matches[a].Position < matches[b].Position
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, fmt.Errorf("cannot normalize zero or non-finite vector")
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out, nil
}

func lenFirst(vecs [][]float32) int {
	if len(vecs) == 0 {
		return 0
	}
	return len(vecs[0])
}
