// Package scores turns query and passage embeddings into a temperature-scaled
// similarity matrix and builds the supervised targets to train against:
// either the implicit in-batch positives or a target matrix scattered from an
// external teacher relevance signal.
package scores

import (
	"errors"
	"fmt"

	"gorgonia.org/tensor"

	"github.com/soundprediction/biencoder/pkg/autograd"
)

var (
	// ErrTemperature reports a non-positive similarity temperature.
	ErrTemperature = errors.New("scores: temperature must be positive")
	// ErrBlockAlignment reports a passage count that is not an exact
	// multiple of the query count in implicit-target mode.
	ErrBlockAlignment = errors.New("scores: passage count must be an exact multiple of query count")
	// ErrScatterBounds reports teacher relevance columns that fall outside
	// the similarity row width.
	ErrScatterBounds = errors.New("scores: teacher relevance does not fit the similarity row")
	// ErrNegativeRelevance reports a teacher relevance value below zero.
	ErrNegativeRelevance = errors.New("scores: teacher relevance values must be non-negative")
)

// Similarity computes q·pᵀ scaled by 1/temperature and flattened to
// (query-count, -1). A 3-D p is compared over its last two axes, so each
// query sees every candidate of every batch entry.
func Similarity(q, p *autograd.Tensor, temperature float64) (*autograd.Tensor, error) {
	if temperature <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrTemperature, temperature)
	}
	s := q.MatMulT(p).Scale(1 / temperature)
	rows := q.Shape()[0]
	return s.Reshape(rows, len(s.Floats())/rows), nil
}

// Raw computes the unscaled similarity matrix, used for evaluation where no
// loss is formed.
func Raw(q, p *autograd.Tensor) *autograd.Tensor {
	return q.MatMulT(p)
}

// ImplicitTargets returns the positive-passage column for every query under
// the contiguous-block layout: query i's positive sits at i × (P/Q).
// The layout assumption is enforced rather than silently producing
// misaligned targets.
func ImplicitTargets(queryCount, passageCount int) ([]int, error) {
	if queryCount <= 0 {
		return nil, fmt.Errorf("scores: query count must be positive, got %d", queryCount)
	}
	if passageCount%queryCount != 0 {
		return nil, fmt.Errorf("%w: %d passages for %d queries", ErrBlockAlignment, passageCount, queryCount)
	}
	k := passageCount / queryCount
	targets := make([]int, queryCount)
	for i := range targets {
		targets[i] = i * k
	}
	return targets, nil
}

// Scatter builds a (rows, cols) target matrix from a (rows, n) teacher
// relevance matrix: row i's n values land at flat columns i×n .. i×n+n,
// the candidate block belonging to query i; everything else stays zero.
func Scatter(rows, cols int, teacher *tensor.Dense) (*tensor.Dense, error) {
	shape := []int(teacher.Shape())
	if len(shape) != 2 {
		return nil, fmt.Errorf("scores: teacher relevance must be 2-D, got %v", shape)
	}
	b, n := shape[0], shape[1]
	if b != rows {
		return nil, fmt.Errorf("scores: teacher batch %d does not match %d similarity rows", b, rows)
	}
	if (rows-1)*n+n > cols {
		return nil, fmt.Errorf("%w: %d columns per query, %d score columns", ErrScatterBounds, n, cols)
	}

	vals := teacher.Data().([]float64)
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < n; j++ {
			v := vals[i*n+j]
			if v < 0 {
				return nil, fmt.Errorf("%w: %v at row %d column %d", ErrNegativeRelevance, v, i, j)
			}
			out[i*cols+i*n+j] = v
		}
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(out)), nil
}
