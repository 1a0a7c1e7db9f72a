package autograd

import (
	"fmt"
	"math"
)

// MatMul returns the matrix product of a (m,k) tensor and a (k,n) tensor.
func (t *Tensor) MatMul(o *Tensor) *Tensor {
	ts, os := t.Shape(), o.Shape()
	if len(ts) != 2 || len(os) != 2 || ts[1] != os[0] {
		panic(fmt.Sprintf("autograd: MatMul shape mismatch %v x %v", ts, os))
	}
	m, k, n := ts[0], ts[1], os[1]
	a, b := t.Floats(), o.Floats()
	data := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				data[i*n+j] += av * b[p*n+j]
			}
		}
	}
	return node(data, []int{m, n}, func(out *Tensor) {
		g := out.Grad
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			// dA = dOut * B^T
			for i := 0; i < m; i++ {
				for p := 0; p < k; p++ {
					var s float64
					for j := 0; j < n; j++ {
						s += g[i*n+j] * b[p*n+j]
					}
					tg[i*k+p] += s
				}
			}
		}
		if o.RequiresGrad {
			og := o.EnsureGrad()
			// dB = A^T * dOut
			for p := 0; p < k; p++ {
				for j := 0; j < n; j++ {
					var s float64
					for i := 0; i < m; i++ {
						s += a[i*k+p] * g[i*n+j]
					}
					og[p*n+j] += s
				}
			}
		}
	}, t, o)
}

// MatMulT multiplies t (Q,D) against the transpose of o over its last two
// axes. A 2-D o (P,D) yields (Q,P); a 3-D o (B,N,D) treats the leading axis
// as a batch and yields (B,Q,N).
func (t *Tensor) MatMulT(o *Tensor) *Tensor {
	ts, os := t.Shape(), o.Shape()
	if len(ts) != 2 {
		panic(fmt.Sprintf("autograd: MatMulT left operand must be 2-D, got %v", ts))
	}
	q, d := ts[0], ts[1]
	a, b := t.Floats(), o.Floats()

	switch len(os) {
	case 2:
		p := os[0]
		if os[1] != d {
			panic(fmt.Sprintf("autograd: MatMulT shape mismatch %v x %v", ts, os))
		}
		data := make([]float64, q*p)
		for i := 0; i < q; i++ {
			for j := 0; j < p; j++ {
				var s float64
				for x := 0; x < d; x++ {
					s += a[i*d+x] * b[j*d+x]
				}
				data[i*p+j] = s
			}
		}
		return node(data, []int{q, p}, func(out *Tensor) {
			g := out.Grad
			if t.RequiresGrad {
				tg := t.EnsureGrad()
				for i := 0; i < q; i++ {
					for x := 0; x < d; x++ {
						var s float64
						for j := 0; j < p; j++ {
							s += g[i*p+j] * b[j*d+x]
						}
						tg[i*d+x] += s
					}
				}
			}
			if o.RequiresGrad {
				og := o.EnsureGrad()
				for j := 0; j < p; j++ {
					for x := 0; x < d; x++ {
						var s float64
						for i := 0; i < q; i++ {
							s += g[i*p+j] * a[i*d+x]
						}
						og[j*d+x] += s
					}
				}
			}
		}, t, o)
	case 3:
		bb, n := os[0], os[1]
		if os[2] != d {
			panic(fmt.Sprintf("autograd: MatMulT shape mismatch %v x %v", ts, os))
		}
		data := make([]float64, bb*q*n)
		for k := 0; k < bb; k++ {
			for i := 0; i < q; i++ {
				for j := 0; j < n; j++ {
					var s float64
					for x := 0; x < d; x++ {
						s += a[i*d+x] * b[(k*n+j)*d+x]
					}
					data[(k*q+i)*n+j] = s
				}
			}
		}
		return node(data, []int{bb, q, n}, func(out *Tensor) {
			g := out.Grad
			if t.RequiresGrad {
				tg := t.EnsureGrad()
				for k := 0; k < bb; k++ {
					for i := 0; i < q; i++ {
						for j := 0; j < n; j++ {
							gv := g[(k*q+i)*n+j]
							for x := 0; x < d; x++ {
								tg[i*d+x] += gv * b[(k*n+j)*d+x]
							}
						}
					}
				}
			}
			if o.RequiresGrad {
				og := o.EnsureGrad()
				for k := 0; k < bb; k++ {
					for i := 0; i < q; i++ {
						for j := 0; j < n; j++ {
							gv := g[(k*q+i)*n+j]
							for x := 0; x < d; x++ {
								og[(k*n+j)*d+x] += gv * a[i*d+x]
							}
						}
					}
				}
			}
		}, t, o)
	default:
		panic(fmt.Sprintf("autograd: MatMulT right operand must be 2-D or 3-D, got %v", os))
	}
}

func (t *Tensor) rows2d(op string) (rows, cols int) {
	s := t.Shape()
	if len(s) != 2 {
		panic(fmt.Sprintf("autograd: %s requires a 2-D tensor, got %v", op, s))
	}
	return s[0], s[1]
}

// Softmax applies a numerically stable softmax to every row of a 2-D tensor.
func (t *Tensor) Softmax() *Tensor {
	rows, cols := t.rows2d("Softmax")
	a := t.Floats()
	data := make([]float64, len(a))
	for r := 0; r < rows; r++ {
		row := a[r*cols : (r+1)*cols]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float64
		for c, v := range row {
			e := math.Exp(v - max)
			data[r*cols+c] = e
			sum += e
		}
		for c := range row {
			data[r*cols+c] /= sum
		}
	}
	return node(data, []int{rows, cols}, func(out *Tensor) {
		g := out.Grad
		if !t.RequiresGrad {
			return
		}
		tg := t.EnsureGrad()
		for r := 0; r < rows; r++ {
			off := r * cols
			var dot float64
			for c := 0; c < cols; c++ {
				dot += g[off+c] * data[off+c]
			}
			for c := 0; c < cols; c++ {
				tg[off+c] += data[off+c] * (g[off+c] - dot)
			}
		}
	}, t)
}

// LogSoftmax applies log(softmax) to every row of a 2-D tensor.
func (t *Tensor) LogSoftmax() *Tensor {
	rows, cols := t.rows2d("LogSoftmax")
	a := t.Floats()
	data := make([]float64, len(a))
	for r := 0; r < rows; r++ {
		row := a[r*cols : (r+1)*cols]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(v - max)
		}
		lse := max + math.Log(sum)
		for c, v := range row {
			data[r*cols+c] = v - lse
		}
	}
	return node(data, []int{rows, cols}, func(out *Tensor) {
		g := out.Grad
		if !t.RequiresGrad {
			return
		}
		tg := t.EnsureGrad()
		for r := 0; r < rows; r++ {
			off := r * cols
			var sum float64
			for c := 0; c < cols; c++ {
				sum += g[off+c]
			}
			for c := 0; c < cols; c++ {
				tg[off+c] += g[off+c] - math.Exp(data[off+c])*sum
			}
		}
	}, t)
}

// RowSum reduces a (B,C) tensor to (B,1) by summing each row.
func (t *Tensor) RowSum() *Tensor {
	rows, cols := t.rows2d("RowSum")
	a := t.Floats()
	data := make([]float64, rows)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			data[r] += a[r*cols+c]
		}
	}
	return node(data, []int{rows, 1}, func(out *Tensor) {
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			for r := 0; r < rows; r++ {
				g := out.Grad[r]
				for c := 0; c < cols; c++ {
					tg[r*cols+c] += g
				}
			}
		}
	}, t)
}

// SumAll reduces a tensor to a single-element sum.
func (t *Tensor) SumAll() *Tensor {
	a := t.Floats()
	var s float64
	for _, v := range a {
		s += v
	}
	return node([]float64{s}, []int{1}, func(out *Tensor) {
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			g := out.Grad[0]
			for i := range tg {
				tg[i] += g
			}
		}
	}, t)
}

// MeanAll reduces a tensor to a single-element mean.
func (t *Tensor) MeanAll() *Tensor {
	n := float64(len(t.Floats()))
	return t.SumAll().Scale(1 / n)
}

// Pick selects one column per row of a (B,C) tensor, yielding (B,1).
func (t *Tensor) Pick(cols []int) *Tensor {
	rows, width := t.rows2d("Pick")
	if len(cols) != rows {
		panic(fmt.Sprintf("autograd: Pick needs %d indices, got %d", rows, len(cols)))
	}
	a := t.Floats()
	data := make([]float64, rows)
	for r, c := range cols {
		if c < 0 || c >= width {
			panic(fmt.Sprintf("autograd: Pick index %d out of row width %d", c, width))
		}
		data[r] = a[r*width+c]
	}
	return node(data, []int{rows, 1}, func(out *Tensor) {
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			for r, c := range cols {
				tg[r*width+c] += out.Grad[r]
			}
		}
	}, t)
}

// SelectRows keeps the rows of a (B,C) tensor whose mask entry is true.
// The backward pass scatters gradients into the surviving rows only.
func (t *Tensor) SelectRows(mask []bool) *Tensor {
	rows, cols := t.rows2d("SelectRows")
	if len(mask) != rows {
		panic(fmt.Sprintf("autograd: SelectRows needs %d mask entries, got %d", rows, len(mask)))
	}
	a := t.Floats()
	var kept []int
	for r, keep := range mask {
		if keep {
			kept = append(kept, r)
		}
	}
	data := make([]float64, len(kept)*cols)
	for i, r := range kept {
		copy(data[i*cols:(i+1)*cols], a[r*cols:(r+1)*cols])
	}
	return node(data, []int{len(kept), cols}, func(out *Tensor) {
		if t.RequiresGrad {
			tg := t.EnsureGrad()
			for i, r := range kept {
				for c := 0; c < cols; c++ {
					tg[r*cols+c] += out.Grad[i*cols+c]
				}
			}
		}
	}, t)
}

// L2NormalizeRows scales every row of a (B,C) tensor to unit Euclidean norm.
// Zero rows are left untouched.
func (t *Tensor) L2NormalizeRows() *Tensor {
	rows, cols := t.rows2d("L2NormalizeRows")
	a := t.Floats()
	data := make([]float64, len(a))
	norms := make([]float64, rows)
	for r := 0; r < rows; r++ {
		var s float64
		for c := 0; c < cols; c++ {
			v := a[r*cols+c]
			s += v * v
		}
		n := math.Sqrt(s)
		norms[r] = n
		if n == 0 {
			continue
		}
		for c := 0; c < cols; c++ {
			data[r*cols+c] = a[r*cols+c] / n
		}
	}
	return node(data, []int{rows, cols}, func(out *Tensor) {
		g := out.Grad
		if !t.RequiresGrad {
			return
		}
		tg := t.EnsureGrad()
		for r := 0; r < rows; r++ {
			n := norms[r]
			if n == 0 {
				continue
			}
			off := r * cols
			var dot float64
			for c := 0; c < cols; c++ {
				dot += g[off+c] * a[off+c]
			}
			n3 := n * n * n
			for c := 0; c < cols; c++ {
				tg[off+c] += g[off+c]/n - a[off+c]*dot/n3
			}
		}
	}, t)
}

// Concat stacks 2-D tensors with equal column counts along the row axis.
// Constant inputs simply receive no gradient, which is how embeddings
// exchanged across processes stay detached while the local slot keeps its
// gradient chain.
func Concat(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("autograd: Concat of nothing")
	}
	_, cols := ts[0].rows2d("Concat")
	total := 0
	for _, t := range ts {
		r, c := t.rows2d("Concat")
		if c != cols {
			panic(fmt.Sprintf("autograd: Concat column mismatch %d vs %d", c, cols))
		}
		total += r
	}
	data := make([]float64, total*cols)
	off := 0
	for _, t := range ts {
		a := t.Floats()
		copy(data[off:off+len(a)], a)
		off += len(a)
	}
	return node(data, []int{total, cols}, func(out *Tensor) {
		off := 0
		for _, t := range ts {
			n := len(t.Floats())
			if t.RequiresGrad {
				tg := t.EnsureGrad()
				for i := 0; i < n; i++ {
					tg[i] += out.Grad[off+i]
				}
			}
			off += n
		}
	}, ts...)
}
