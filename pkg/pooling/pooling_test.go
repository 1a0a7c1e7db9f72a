package pooling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/soundprediction/biencoder/pkg/autograd"
)

func denseMask(data []float64, b, s int) *tensor.Dense {
	return tensor.New(tensor.WithShape(b, s), tensor.WithBacking(data))
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("mean")
	require.NoError(t, err)
	assert.Equal(t, Mean, m)

	m, err = ParseMethod("cls")
	require.NoError(t, err)
	assert.Equal(t, CLS, m)

	_, err = ParseMethod("max")
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestMeanPoolMaskedAverage(t *testing.T) {
	// batch=2, seq=3, dim=2
	hidden := autograd.FromSlice([]float64{
		1, 2, 3, 4, 5, 6, // example 0
		10, 20, 30, 40, 50, 60, // example 1
	}, 2, 3, 2)
	// Example 0 masks out the last token, example 1 keeps all three.
	mask := denseMask([]float64{1, 1, 0, 1, 1, 1}, 2, 3)

	out, err := Pool(hidden, mask, Mean)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, out.Shape())

	got := out.Floats()
	assert.InDelta(t, 2.0, got[0], 1e-12) // (1+3)/2
	assert.InDelta(t, 3.0, got[1], 1e-12) // (2+4)/2
	assert.InDelta(t, 30.0, got[2], 1e-12)
	assert.InDelta(t, 40.0, got[3], 1e-12)
}

func TestMeanPoolAllOnesMaskIsPlainAverage(t *testing.T) {
	hidden := autograd.FromSlice([]float64{1, 2, 3, 4, 5, 6}, 1, 3, 2)
	mask := denseMask([]float64{1, 1, 1}, 1, 3)

	out, err := Pool(hidden, mask, Mean)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, out.Floats()[0], 1e-12)
	assert.InDelta(t, 4.0, out.Floats()[1], 1e-12)
}

func TestMeanPoolGradient(t *testing.T) {
	hidden := autograd.VariableFromSlice([]float64{1, 2, 3, 4, 5, 6}, 1, 3, 2)
	mask := denseMask([]float64{1, 0, 1}, 1, 3)

	out, err := Pool(hidden, mask, Mean)
	require.NoError(t, err)
	out.SumAll().Backward()

	// Two real tokens: each unmasked position receives 1/2, padding gets 0.
	assert.Equal(t, []float64{0.5, 0.5, 0, 0, 0.5, 0.5}, hidden.Grad)
}

func TestCLSPoolIgnoresMask(t *testing.T) {
	hidden := autograd.VariableFromSlice([]float64{7, 8, 1, 1, 2, 2}, 1, 3, 2)
	mask := denseMask([]float64{0, 0, 0}, 1, 3)

	out, err := Pool(hidden, mask, CLS)
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 8}, out.Floats())

	out.SumAll().Backward()
	assert.Equal(t, []float64{1, 1, 0, 0, 0, 0}, hidden.Grad)
}

func TestPoolRejectsUnknownMethod(t *testing.T) {
	hidden := autograd.FromSlice([]float64{1, 2}, 1, 1, 2)
	mask := denseMask([]float64{1}, 1, 1)

	_, err := Pool(hidden, mask, Method("first-last"))
	assert.ErrorIs(t, err, ErrUnknownMethod)
}
