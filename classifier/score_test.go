package classifier

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestNewMatrix(t *testing.T) {
	m, err := NewMatrix([][]float32{{2, 0}, {0, 5}})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, 2, m.Dim())

	scores, err := m.Scores([]float32{1, 0}, 100)
	require.NoError(t, err)
	assert.InDelta(t, 100, scores[0], 1e-6)
	assert.InDelta(t, 0, scores[1], 1e-6)

	_, err = m.Scores([]float32{1, 0, 0}, 100)
	assert.Error(t, err)

	_, err = NewMatrix([][]float32{{1, 0}, {1}})
	assert.Error(t, err)
	_, err = NewMatrix(nil)
	assert.Error(t, err)
}

func TestNewMatrixCopiesRows(t *testing.T) {
	row := []float32{3, 4}
	_, err := NewMatrix([][]float32{row})
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, row)
}

func TestSoftmax(t *testing.T) {
	p := Softmax([]float64{1, 1, 1, 1})
	for _, x := range p {
		assert.InDelta(t, 0.25, x, 1e-9)
	}

	// Scaled cosine similarities reach 100, exp(100) alone would be huge.
	p = Softmax([]float64{100, 99, -100})
	var sum float64
	for _, x := range p {
		assert.False(t, math.IsNaN(x) || math.IsInf(x, 0))
		sum += x
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.Greater(t, p[0], p[1])

	assert.Nil(t, Softmax(nil))
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, -1, Argmax(nil))
	assert.Equal(t, 2, Argmax([]float64{1, 2, 3}))
	assert.Equal(t, 1, Argmax([]float64{1, 5, 5, 2}))
}

func TestTopK(t *testing.T) {
	xs := []float64{0.1, 0.5, 0.2, 0.5, 0.05}
	assert.Equal(t, []int{1, 3, 2}, TopK(xs, 3))
	assert.Equal(t, []int{1, 3, 2, 0, 4}, TopK(xs, 10))
	assert.Nil(t, TopK(xs, 0))
	assert.Nil(t, TopK(xs, -1))
	assert.Nil(t, TopK(nil, 3))
}
