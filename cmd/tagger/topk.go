package main

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/chriskillpack/tagger"
	"github.com/chriskillpack/tagger/classifier"
)

var errNoEmbedding = errors.New("record has no image embedding, it was tagged without the classifier")

type recscore struct {
	rec   *tagger.Record
	score float32
}

type MinHeap []recscore

func (h MinHeap) Len() int { return len(h) }
func (h MinHeap) Less(i, j int) bool {
	if h[i].score == h[j].score {
		// Older records lose ties.
		return h[i].rec.Id > h[j].rec.Id
	}
	return h[i].score < h[j].score
}
func (h MinHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *MinHeap) Push(x any) {
	*h = append(*h, x.(recscore))
}

func (h *MinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]

	return x
}

// TopKTracker keeps track on the top K scoring records
type TopKTracker struct {
	k    int
	heap MinHeap
}

func NewTopKTracker(k int) *TopKTracker {
	topk := &TopKTracker{
		k:    k,
		heap: make(MinHeap, 0, k),
	}
	heap.Init(&topk.heap)
	return topk
}

func (t *TopKTracker) ProcessItem(rec *tagger.Record, score float32) {
	item := recscore{rec, score}
	if len(t.heap) < t.k {
		heap.Push(&t.heap, item)
		return
	}

	if (MinHeap{t.heap[0], item}).Less(0, 1) {
		heap.Pop(&t.heap)
		heap.Push(&t.heap, item)
	}
}

// GetTopK returns the tracked records, best first.
func (t *TopKTracker) GetTopK() []recscore {
	tempHeap := make(MinHeap, len(t.heap))
	copy(tempHeap, t.heap)

	// Pop items in ascending order
	result := make([]recscore, len(tempHeap))
	for i := len(tempHeap) - 1; i >= 0; i-- {
		result[i] = heap.Pop(&tempHeap).(recscore)
	}
	return result
}

func computeCosineSimilarity(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0.0, fmt.Errorf("embeddings are different lengths, %d and %d", len(a), len(b))
	}

	dot := classifier.Dot(a, b)

	// Compute the magnitudes of the two vectors
	ma := classifier.Dot(a, a)
	mb := classifier.Dot(b, b)
	if ma < 1e-6 || mb < 1e-6 {
		return 0, nil
	}

	return float32(dot / math.Sqrt(ma*mb)), nil
}

// findSimilar returns record id and the k other records whose image
// embeddings are closest to it.
func findSimilar(ctx context.Context, db *tagger.DB, id, k int) (*tagger.Record, *TopKTracker, error) {
	rec, err := db.GetRecord(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rec.Embedding == nil {
		return nil, nil, errNoEmbedding
	}

	recs, err := db.RecordsWithEmbeddings(ctx)
	if err != nil {
		return nil, nil, err
	}

	topk := NewTopKTracker(k)
	for _, other := range recs {
		if other.Id == rec.Id {
			continue
		}
		score, err := computeCosineSimilarity(rec.Embedding, other.Embedding)
		if err != nil {
			// Embeddings from a different encoder, not comparable.
			continue
		}
		topk.ProcessItem(other, score)
	}
	return rec, topk, nil
}
