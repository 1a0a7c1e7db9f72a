// Package autograd implements an eager reverse-mode automatic
// differentiation engine over dense float64 tensors.
//
// Every operation records its inputs and a backward closure on the output
// node, so a forward pass builds the computation graph as it runs. Calling
// Backward on a scalar result walks the graph in reverse topological order
// and accumulates gradients into every node that requires them.
//
// The node struct is deliberately open: packages that need a bespoke
// operation (sentence pooling, embedding lookup) construct a Tensor directly
// and attach their own backward closure.
package autograd

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// Tensor is one node in the computation graph.
//
// Data holds the materialized value. Grad is laid out exactly like Data's
// backing slice and is allocated lazily on first accumulation. Children are
// the inputs this node was computed from, and Back propagates this node's
// gradient into them.
type Tensor struct {
	Data         *tensor.Dense
	Grad         []float64
	RequiresGrad bool
	Children     []*Tensor
	Back         func()
}

// New wraps a dense value as a constant graph leaf. Gradients do not flow
// into constants; a tensor received from another process through a collective
// exchange is wrapped this way.
func New(d *tensor.Dense) *Tensor {
	return &Tensor{Data: d}
}

// Variable wraps a dense value as a trainable leaf.
func Variable(d *tensor.Dense) *Tensor {
	return &Tensor{Data: d, RequiresGrad: true}
}

// FromSlice builds a constant leaf from a backing slice and shape.
func FromSlice(data []float64, shape ...int) *Tensor {
	return New(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)))
}

// VariableFromSlice builds a trainable leaf from a backing slice and shape.
func VariableFromSlice(data []float64, shape ...int) *Tensor {
	return Variable(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)))
}

// Scalar builds a rank-1, single-element leaf. Losses are represented this
// way so that their backing is always a slice.
func Scalar(v float64, requiresGrad bool) *Tensor {
	t := FromSlice([]float64{v}, 1)
	t.RequiresGrad = requiresGrad
	return t
}

// Floats returns the backing slice of Data. Mutating it mutates the tensor.
func (t *Tensor) Floats() []float64 {
	return t.Data.Data().([]float64)
}

// Shape returns the dimensions of Data.
func (t *Tensor) Shape() []int {
	return []int(t.Data.Shape())
}

// Value returns the sole element of a single-element tensor.
func (t *Tensor) Value() float64 {
	d := t.Floats()
	if len(d) != 1 {
		panic(fmt.Sprintf("autograd: Value on tensor of %d elements", len(d)))
	}
	return d[0]
}

// EnsureGrad returns the gradient slice, allocating zeros on first use.
func (t *Tensor) EnsureGrad() []float64 {
	if t.Grad == nil {
		t.Grad = make([]float64, len(t.Floats()))
	}
	return t.Grad
}

// ZeroGrad drops any accumulated gradient.
func (t *Tensor) ZeroGrad() {
	t.Grad = nil
}

// Backward runs reverse-mode autodiff from this node to all ancestors.
//
// The graph is first ordered topologically so a node is processed only after
// everything computed from it, then the output gradient is seeded with ones
// and each node's backward closure is invoked in reverse order.
func (t *Tensor) Backward() {
	var topo []*Tensor
	visited := make(map[*Tensor]bool)

	var build func(*Tensor)
	build = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, c := range n.Children {
			build(c)
		}
		topo = append(topo, n)
	}
	build(t)

	seed := t.EnsureGrad()
	for i := range seed {
		seed[i] = 1
	}
	for i := len(topo) - 1; i >= 0; i-- {
		n := topo[i]
		if n.Back != nil && n.Grad != nil {
			n.Back()
		}
	}
}

// node assembles an op result. When no input carries gradients the result is
// a plain constant and the graph is truncated at this point.
func node(data []float64, shape []int, back func(out *Tensor), children ...*Tensor) *Tensor {
	out := FromSlice(data, shape...)
	for _, c := range children {
		if c.RequiresGrad {
			out.RequiresGrad = true
			break
		}
	}
	if out.RequiresGrad {
		out.Children = children
		out.Back = func() { back(out) }
	}
	return out
}

func sameShape(a, b *Tensor, op string) {
	as, bs := a.Shape(), b.Shape()
	if len(as) != len(bs) {
		panic(fmt.Sprintf("autograd: %s shape mismatch %v vs %v", op, as, bs))
	}
	for i := range as {
		if as[i] != bs[i] {
			panic(fmt.Sprintf("autograd: %s shape mismatch %v vs %v", op, as, bs))
		}
	}
}

// Add returns the elementwise sum of two same-shape tensors.
func (t *Tensor) Add(o *Tensor) *Tensor {
	sameShape(t, o, "Add")
	a, b := t.Floats(), o.Floats()
	data := make([]float64, len(a))
	for i := range a {
		data[i] = a[i] + b[i]
	}
	return node(data, t.Shape(), func(out *Tensor) {
		g := out.Grad
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			for i := range g {
				tg[i] += g[i]
			}
		}
		if o.RequiresGrad {
			og := o.EnsureGrad()
			for i := range g {
				og[i] += g[i]
			}
		}
	}, t, o)
}

// Sub returns the elementwise difference of two same-shape tensors.
func (t *Tensor) Sub(o *Tensor) *Tensor {
	sameShape(t, o, "Sub")
	a, b := t.Floats(), o.Floats()
	data := make([]float64, len(a))
	for i := range a {
		data[i] = a[i] - b[i]
	}
	return node(data, t.Shape(), func(out *Tensor) {
		g := out.Grad
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			for i := range g {
				tg[i] += g[i]
			}
		}
		if o.RequiresGrad {
			og := o.EnsureGrad()
			for i := range g {
				og[i] -= g[i]
			}
		}
	}, t, o)
}

// Mul returns the elementwise (Hadamard) product of two same-shape tensors.
func (t *Tensor) Mul(o *Tensor) *Tensor {
	sameShape(t, o, "Mul")
	a, b := t.Floats(), o.Floats()
	data := make([]float64, len(a))
	for i := range a {
		data[i] = a[i] * b[i]
	}
	return node(data, t.Shape(), func(out *Tensor) {
		g := out.Grad
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			for i := range g {
				tg[i] += g[i] * b[i]
			}
		}
		if o.RequiresGrad {
			og := o.EnsureGrad()
			for i := range g {
				og[i] += g[i] * a[i]
			}
		}
	}, t, o)
}

// Scale multiplies every element by a constant.
func (t *Tensor) Scale(c float64) *Tensor {
	a := t.Floats()
	data := make([]float64, len(a))
	for i := range a {
		data[i] = a[i] * c
	}
	return node(data, t.Shape(), func(out *Tensor) {
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			for i, g := range out.Grad {
				tg[i] += g * c
			}
		}
	}, t)
}

// AddScalar adds a constant to every element.
func (t *Tensor) AddScalar(c float64) *Tensor {
	a := t.Floats()
	data := make([]float64, len(a))
	for i := range a {
		data[i] = a[i] + c
	}
	return node(data, t.Shape(), func(out *Tensor) {
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			for i, g := range out.Grad {
				tg[i] += g
			}
		}
	}, t)
}

// Neg negates every element.
func (t *Tensor) Neg() *Tensor {
	return t.Scale(-1)
}

// Log applies the natural logarithm elementwise.
func (t *Tensor) Log() *Tensor {
	a := t.Floats()
	data := make([]float64, len(a))
	for i := range a {
		data[i] = math.Log(a[i])
	}
	return node(data, t.Shape(), func(out *Tensor) {
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			for i, g := range out.Grad {
				tg[i] += g / a[i]
			}
		}
	}, t)
}

// Relu applies max(0, x) elementwise.
func (t *Tensor) Relu() *Tensor {
	a := t.Floats()
	data := make([]float64, len(a))
	for i := range a {
		if a[i] > 0 {
			data[i] = a[i]
		}
	}
	return node(data, t.Shape(), func(out *Tensor) {
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			for i, g := range out.Grad {
				if a[i] > 0 {
					tg[i] += g
				}
			}
		}
	}, t)
}

// Clamp limits every element to [lo, hi]. Gradients pass through only where
// the input already lay inside the interval.
func (t *Tensor) Clamp(lo, hi float64) *Tensor {
	a := t.Floats()
	data := make([]float64, len(a))
	for i := range a {
		data[i] = math.Min(math.Max(a[i], lo), hi)
	}
	return node(data, t.Shape(), func(out *Tensor) {
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			for i, g := range out.Grad {
				if a[i] >= lo && a[i] <= hi {
					tg[i] += g
				}
			}
		}
	}, t)
}

// Reshape returns a copy of the tensor with new dimensions of equal size.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	a := t.Floats()
	if n != len(a) {
		panic(fmt.Sprintf("autograd: Reshape %v to %v changes size", t.Shape(), shape))
	}
	data := make([]float64, len(a))
	copy(data, a)
	return node(data, shape, func(out *Tensor) {
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			for i, g := range out.Grad {
				tg[i] += g
			}
		}
	}, t)
}
