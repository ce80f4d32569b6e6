package classifier

import (
	"fmt"
	"math"
	"sort"
)

// Normalize scales v in place to unit L2 norm. Zero vectors are left alone.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// Dot computes the unnormalized dot-product between two vectors. It assumes
// that a and b are equal length.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range len(a) {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Matrix holds one unit-norm embedding row per vocabulary entry. It is not
// modified after construction.
type Matrix struct {
	rows [][]float32
	dim  int
}

// NewMatrix normalizes rows and checks they share a dimension.
func NewMatrix(rows [][]float32) (*Matrix, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no embeddings")
	}
	dim := len(rows[0])
	m := &Matrix{rows: make([][]float32, len(rows)), dim: dim}
	for i, r := range rows {
		if len(r) != dim || dim == 0 {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(r), dim)
		}
		m.rows[i] = Normalize(append([]float32(nil), r...))
	}
	return m, nil
}

// Len returns the number of rows.
func (m *Matrix) Len() int { return len(m.rows) }

// Dim returns the embedding dimension.
func (m *Matrix) Dim() int { return m.dim }

// Scores returns scale * dot(v, row) for every row. v should already be unit
// norm so the dot product is the cosine similarity.
func (m *Matrix) Scores(v []float32, scale float64) ([]float64, error) {
	if len(v) != m.dim {
		return nil, fmt.Errorf("embedding has dimension %d, want %d", len(v), m.dim)
	}
	out := make([]float64, len(m.rows))
	for i, r := range m.rows {
		out[i] = scale * Dot(v, r)
	}
	return out, nil
}

// Softmax returns the softmax of logits. The maximum is subtracted first so
// large logits do not overflow.
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxv := logits[0]
	for _, l := range logits[1:] {
		maxv = max(maxv, l)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(l - maxv)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the index of the largest value, the first one on ties. It
// returns -1 for an empty slice.
func Argmax(xs []float64) int {
	best := -1
	for i, x := range xs {
		if best < 0 || x > xs[best] {
			best = i
		}
	}
	return best
}

// TopK returns the indices of the k largest values, largest first. Equal
// values keep index order.
func TopK(xs []float64, k int) []int {
	k = min(k, len(xs))
	if k <= 0 {
		return nil
	}
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return xs[idx[a]] > xs[idx[b]] })
	return idx[:k]
}
