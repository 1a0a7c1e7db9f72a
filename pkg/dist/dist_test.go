package dist

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/soundprediction/biencoder/pkg/autograd"
)

func TestNewGathererRequiresContext(t *testing.T) {
	_, err := NewGatherer(nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestGatherNilPassesThrough(t *testing.T) {
	g, err := NewGatherer(Single())
	require.NoError(t, err)

	out, err := g.Gather(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestSingleWorldGatherIsNoOp(t *testing.T) {
	g, err := NewGatherer(Single())
	require.NoError(t, err)

	in := autograd.VariableFromSlice([]float64{1, 2, 3, 4}, 2, 2)
	out, err := g.Gather(in)
	require.NoError(t, err)

	assert.Equal(t, in.Shape(), out.Shape())
	assert.Equal(t, in.Floats(), out.Floats())

	// The local gradient chain survives the round trip.
	out.SumAll().Backward()
	assert.Equal(t, []float64{1, 1, 1, 1}, in.Grad)
}

func TestLocalGroupGatherOrdersByRankAndKeepsLocalGradient(t *testing.T) {
	group, err := NewLocalGroup(2)
	require.NoError(t, err)

	inputs := []*autograd.Tensor{
		autograd.VariableFromSlice([]float64{1, 1}, 1, 2),
		autograd.VariableFromSlice([]float64{2, 2}, 1, 2),
	}
	outputs := make([]*autograd.Tensor, 2)

	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ctx, err := group.Context(rank)
			if !assert.NoError(t, err) {
				return
			}
			g, err := NewGatherer(ctx)
			if !assert.NoError(t, err) {
				return
			}
			out, err := g.Gather(inputs[rank])
			if assert.NoError(t, err) {
				outputs[rank] = out
			}
		}(rank)
	}
	wg.Wait()

	// Both replicas see the full union, in rank order.
	for rank := 0; rank < 2; rank++ {
		assert.Equal(t, []float64{1, 1, 2, 2}, outputs[rank].Floats(), "rank %d", rank)
	}

	// Backward on rank 0's output reaches only rank 0's input.
	outputs[0].SumAll().Backward()
	assert.Equal(t, []float64{1, 1}, inputs[0].Grad)
	assert.Nil(t, inputs[1].Grad)
}

func TestLocalGroupGatherValues(t *testing.T) {
	group, err := NewLocalGroup(2)
	require.NoError(t, err)

	teacher := []*tensor.Dense{
		tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float64{1, 0})),
		tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float64{0, 2})),
	}
	outputs := make([]*tensor.Dense, 2)

	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ctx, _ := group.Context(rank)
			g, _ := NewGatherer(ctx)
			out, err := g.GatherValues(teacher[rank])
			if assert.NoError(t, err) {
				outputs[rank] = out
			}
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < 2; rank++ {
		assert.Equal(t, []float64{1, 0, 0, 2}, outputs[rank].Data().([]float64))
		assert.Equal(t, []int{2, 2}, []int(outputs[rank].Shape()))
	}
}

func TestGatherValuesConcurrentRoundsStayIsolated(t *testing.T) {
	group, err := NewLocalGroup(2)
	require.NoError(t, err)

	// Both replicas gather value tensors repeatedly and in parallel; the own
	// slot must be restored without touching the slice shared by the group.
	const rounds = 8
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ctx, _ := group.Context(rank)
			g, _ := NewGatherer(ctx)
			for r := 0; r < rounds; r++ {
				in := tensor.New(tensor.WithShape(1, 1),
					tensor.WithBacking([]float64{float64(rank*100 + r)}))
				out, err := g.GatherValues(in)
				if !assert.NoError(t, err) {
					return
				}
				got := out.Data().([]float64)
				if !assert.Equal(t, []float64{float64(r), float64(100 + r)}, got, "rank %d round %d", rank, r) {
					return
				}
			}
		}(rank)
	}
	wg.Wait()
}

func TestLocalGroupRejectsBadRank(t *testing.T) {
	group, err := NewLocalGroup(2)
	require.NoError(t, err)

	_, err = group.Context(2)
	assert.Error(t, err)
	_, err = group.Context(-1)
	assert.Error(t, err)
}

func TestLocalGroupRepeatedRounds(t *testing.T) {
	group, err := NewLocalGroup(2)
	require.NoError(t, err)

	const rounds = 5
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ctx, _ := group.Context(rank)
			for r := 0; r < rounds; r++ {
				v := float64(rank*100 + r)
				in := tensor.New(tensor.WithShape(1, 1), tensor.WithBacking([]float64{v}))
				out, err := ctx.AllGather(in)
				if !assert.NoError(t, err) || !assert.Len(t, out, 2) {
					return
				}
				assert.Equal(t, float64(r), out[0].Data().([]float64)[0])
				assert.Equal(t, float64(100+r), out[1].Data().([]float64)[0])
			}
		}(rank)
	}
	wg.Wait()
}
