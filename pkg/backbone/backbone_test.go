package backbone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batch(t *testing.T, ids [][]int) *TokenBatch {
	t.Helper()
	mask := make([][]float64, len(ids))
	for i := range ids {
		mask[i] = make([]float64, len(ids[i]))
		for j := range mask[i] {
			mask[i][j] = 1
		}
	}
	b, err := NewTokenBatch(ids, mask)
	require.NoError(t, err)
	return b
}

func TestNewTokenBatchRejectsRagged(t *testing.T) {
	_, err := NewTokenBatch([][]int{{1, 2}, {3}}, [][]float64{{1, 1}, {1}})
	assert.Error(t, err)
}

func TestEmbeddingForwardLooksUpRows(t *testing.T) {
	enc := NewEmbedding(5, 3)
	tbl := enc.Parameters()[0].Floats()

	h, err := enc.Forward(batch(t, [][]int{{2, 0}}))
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, h.Shape())

	got := h.Floats()
	assert.Equal(t, tbl[6:9], got[0:3])
	assert.Equal(t, tbl[0:3], got[3:6])
}

func TestEmbeddingForwardRejectsOutOfVocab(t *testing.T) {
	enc := NewEmbedding(4, 2)
	_, err := enc.Forward(batch(t, [][]int{{4}}))
	assert.Error(t, err)
}

func TestEmbeddingGradientAccumulatesPerToken(t *testing.T) {
	enc := NewEmbedding(3, 2)

	// Token 1 appears twice, so its row's gradient doubles.
	h, err := enc.Forward(batch(t, [][]int{{1, 1, 0}}))
	require.NoError(t, err)
	h.SumAll().Backward()

	g := enc.Parameters()[0].Grad
	require.NotNil(t, g)
	assert.Equal(t, []float64{1, 1, 2, 2, 0, 0}, g)
}

func TestCloneIsIndependent(t *testing.T) {
	enc := NewEmbedding(3, 2)
	cp := enc.Clone()

	enc.Parameters()[0].Floats()[0] = 99
	assert.NotEqual(t, 99.0, cp.Parameters()[0].Floats()[0])
}

func TestSaveAndFromPretrainedRoundTrip(t *testing.T) {
	dir := t.TempDir()

	enc := NewEmbedding(6, 4)
	require.NoError(t, enc.SavePretrained(dir))

	loaded, err := FromPretrained(dir)
	require.NoError(t, err)
	assert.Equal(t, enc.Hidden(), loaded.Hidden())
	assert.Equal(t, enc.Parameters()[0].Floats(), loaded.Parameters()[0].Floats())
}

func TestFromPretrainedRegistry(t *testing.T) {
	Register("tiny-test-encoder", func() (Encoder, error) {
		return NewEmbedding(8, 2), nil
	})

	enc, err := FromPretrained("tiny-test-encoder")
	require.NoError(t, err)
	assert.Equal(t, 2, enc.Hidden())

	_, err = FromPretrained("no-such-model")
	assert.Error(t, err)
}
