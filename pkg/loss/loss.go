// Package loss computes the training loss from a similarity matrix and its
// supervision targets under a selectable policy.
package loss

import (
	"errors"
	"fmt"

	"gorgonia.org/tensor"

	"github.com/soundprediction/biencoder/pkg/autograd"
)

// Type selects the loss formulation.
type Type string

const (
	// Softmax is plain cross-entropy against one positive class per query.
	Softmax Type = "softmax"
	// MultiSoftmax is per-example cross-entropy against a float target
	// matrix, averaged over examples with nonzero loss.
	MultiSoftmax Type = "multi-softmax"
	// PositiveMass is -log of the softmax probability mass placed on
	// positive candidates, over rows that have any.
	PositiveMass Type = "myloss"
	// Hinge is margin-based hinge embedding loss over the binarized target,
	// the multi-encoder training variant.
	Hinge Type = "hinge"
)

// hingeMargin is fixed by the training recipe.
const hingeMargin = 0.5

// ErrUnknownType reports an unrecognized loss_type configuration value.
var ErrUnknownType = errors.New("loss: unknown loss type")

// ErrMissingTarget reports a target kind the selected engine cannot consume.
var ErrMissingTarget = errors.New("loss: target kind does not match loss type")

// Target carries one of the two supervision forms: integer positive-class
// columns (implicit in-batch targets) or a scattered float matrix built from
// teacher relevance.
type Target struct {
	Classes []int
	Matrix  *tensor.Dense
}

// Engine computes a scalar loss with gradient history from scores and target.
type Engine interface {
	Compute(scores *autograd.Tensor, target Target) (*autograd.Tensor, error)
}

// New selects an engine by type. Unknown types are a fatal configuration
// error surfaced immediately.
func New(t Type) (Engine, error) {
	switch t {
	case Softmax:
		return softmaxEngine{}, nil
	case MultiSoftmax:
		return multiSoftmaxEngine{}, nil
	case PositiveMass:
		return positiveMassEngine{}, nil
	case Hinge:
		return hingeEngine{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

type softmaxEngine struct{}

func (softmaxEngine) Compute(scores *autograd.Tensor, target Target) (*autograd.Tensor, error) {
	if target.Classes == nil {
		return nil, fmt.Errorf("%w: softmax needs class targets", ErrMissingTarget)
	}
	return scores.LogSoftmax().Pick(target.Classes).MeanAll().Neg(), nil
}

type multiSoftmaxEngine struct{}

func (multiSoftmaxEngine) Compute(scores *autograd.Tensor, target Target) (*autograd.Tensor, error) {
	if target.Matrix == nil {
		return nil, fmt.Errorf("%w: multi-softmax needs a target matrix", ErrMissingTarget)
	}
	t := autograd.New(target.Matrix)

	// Per-example cross-entropy with no reduction.
	perRow := scores.LogSoftmax().Mul(t).RowSum().Neg()

	nonzero := 0
	for _, v := range perRow.Floats() {
		if v != 0 {
			nonzero++
		}
	}
	if nonzero == 0 {
		// Zero loss that still scales the summed graph, keeping
		// backpropagation well-defined on an empty-positive batch.
		return perRow.SumAll().Scale(0), nil
	}
	return perRow.SumAll().Scale(1 / float64(nonzero)), nil
}

type positiveMassEngine struct{}

func (positiveMassEngine) Compute(scores *autograd.Tensor, target Target) (*autograd.Tensor, error) {
	if target.Matrix == nil {
		return nil, fmt.Errorf("%w: myloss needs a target matrix", ErrMissingTarget)
	}
	shape := []int(target.Matrix.Shape())
	rows, cols := shape[0], shape[1]
	vals := target.Matrix.Data().([]float64)

	mask := make([]bool, rows)
	kept := 0
	for r := 0; r < rows; r++ {
		var sum float64
		for c := 0; c < cols; c++ {
			sum += vals[r*cols+c]
		}
		if sum > 0 {
			mask[r] = true
			kept++
		}
	}
	if kept == 0 {
		// Fresh zero with gradient tracking enabled, not detached.
		return autograd.Scalar(0, true), nil
	}

	validScores := scores.SelectRows(mask)
	validTarget := make([]float64, 0, kept*cols)
	for r := 0; r < rows; r++ {
		if mask[r] {
			validTarget = append(validTarget, vals[r*cols:(r+1)*cols]...)
		}
	}
	t := autograd.FromSlice(validTarget, kept, cols)

	positiveMass := validScores.Softmax().Mul(t).RowSum().Clamp(1e-9, 1.0)
	return positiveMass.Log().Neg().MeanAll(), nil
}

type hingeEngine struct{}

func (hingeEngine) Compute(scores *autograd.Tensor, target Target) (*autograd.Tensor, error) {
	if target.Matrix == nil {
		return nil, fmt.Errorf("%w: hinge needs a target matrix", ErrMissingTarget)
	}
	vals := target.Matrix.Data().([]float64)
	if len(vals) != len(scores.Floats()) {
		return nil, fmt.Errorf("loss: target shape %v does not match scores %v",
			target.Matrix.Shape(), scores.Shape())
	}

	// Binarize to ±1: the +1 branch contributes the distance itself, the
	// -1 branch contributes max(0, margin - distance).
	pos := make([]float64, len(vals))
	neg := make([]float64, len(vals))
	for i, v := range vals {
		if v == 1 {
			pos[i] = 1
		} else {
			neg[i] = 1
		}
	}
	shape := scores.Shape()
	posMask := autograd.FromSlice(pos, shape...)
	negMask := autograd.FromSlice(neg, shape...)

	distance := scores.Neg().AddScalar(1)
	posPart := distance.Mul(posMask)
	negPart := distance.Neg().AddScalar(hingeMargin).Relu().Mul(negMask)
	return posPart.Add(negPart).MeanAll(), nil
}
