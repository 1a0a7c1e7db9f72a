// Package pooling reduces per-token hidden states to one sentence embedding
// per sequence.
package pooling

import (
	"errors"
	"fmt"

	"gorgonia.org/tensor"

	"github.com/soundprediction/biencoder/pkg/autograd"
)

// Method selects how a token sequence is collapsed into a single vector.
type Method string

const (
	// Mean averages token hidden states, weighted by the attention mask.
	Mean Method = "mean"
	// CLS takes the hidden state at sequence position 0.
	CLS Method = "cls"
)

// ErrUnknownMethod reports a pooling method outside {mean, cls}.
var ErrUnknownMethod = errors.New("pooling: unknown sentence pooling method")

// ParseMethod validates a configured pooling method string.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case Mean, CLS:
		return Method(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// Pool collapses hidden states of shape (batch, seq, dim) to embeddings of
// shape (batch, dim). The mask has shape (batch, seq) with nonzero entries
// marking real tokens; every sequence is assumed to contain at least one.
func Pool(hidden *autograd.Tensor, mask *tensor.Dense, method Method) (*autograd.Tensor, error) {
	shape := hidden.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("pooling: hidden states must be 3-D, got %v", shape)
	}
	b, s, d := shape[0], shape[1], shape[2]

	switch method {
	case Mean:
		ms := []int(mask.Shape())
		if len(ms) != 2 || ms[0] != b || ms[1] != s {
			return nil, fmt.Errorf("pooling: mask shape %v does not match hidden states %v", ms, shape)
		}
		return meanPool(hidden, mask.Data().([]float64), b, s, d), nil
	case CLS:
		return clsPool(hidden, b, s, d), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

// meanPool computes sum(hidden * mask) / sum(mask) per example along the
// sequence axis. The backward pass spreads each embedding gradient back over
// the unmasked token positions, scaled by the same mask weights.
func meanPool(hidden *autograd.Tensor, mask []float64, b, s, d int) *autograd.Tensor {
	h := hidden.Floats()
	out := make([]float64, b*d)
	counts := make([]float64, b)

	for i := 0; i < b; i++ {
		for j := 0; j < s; j++ {
			m := mask[i*s+j]
			if m == 0 {
				continue
			}
			counts[i] += m
			off := (i*s + j) * d
			for k := 0; k < d; k++ {
				out[i*d+k] += h[off+k] * m
			}
		}
		for k := 0; k < d; k++ {
			out[i*d+k] /= counts[i]
		}
	}

	res := autograd.FromSlice(out, b, d)
	if !hidden.RequiresGrad {
		return res
	}
	res.RequiresGrad = true
	res.Children = []*autograd.Tensor{hidden}
	res.Back = func() {
		hg := hidden.EnsureGrad()
		g := res.Grad
		for i := 0; i < b; i++ {
			for j := 0; j < s; j++ {
				m := mask[i*s+j]
				if m == 0 {
					continue
				}
				off := (i*s + j) * d
				w := m / counts[i]
				for k := 0; k < d; k++ {
					hg[off+k] += g[i*d+k] * w
				}
			}
		}
	}
	return res
}

// clsPool selects the first sequence position of every example.
func clsPool(hidden *autograd.Tensor, b, s, d int) *autograd.Tensor {
	h := hidden.Floats()
	out := make([]float64, b*d)
	for i := 0; i < b; i++ {
		copy(out[i*d:(i+1)*d], h[i*s*d:i*s*d+d])
	}

	res := autograd.FromSlice(out, b, d)
	if !hidden.RequiresGrad {
		return res
	}
	res.RequiresGrad = true
	res.Children = []*autograd.Tensor{hidden}
	res.Back = func() {
		hg := hidden.EnsureGrad()
		for i := 0; i < b; i++ {
			for k := 0; k < d; k++ {
				hg[i*s*d+k] += res.Grad[i*d+k]
			}
		}
	}
	return res
}
