// Package dist expands the contrastive negative pool across parallel
// training replicas. The distributed runtime is abstracted behind an
// explicit, injectable Context capability; an in-process LocalGroup
// implementation lets several goroutine replicas train against each other's
// negatives inside one Go process.
package dist

import (
	"errors"
	"fmt"
	"sync"

	"gorgonia.org/tensor"

	"github.com/soundprediction/biencoder/pkg/autograd"
)

// ErrNotInitialized reports a negative-gather request without an initialized
// distributed context.
var ErrNotInitialized = errors.New("dist: distributed context has not been initialized for representation all-gather")

// Context is the capability the gatherer needs from a distributed runtime.
type Context interface {
	Rank() int
	WorldSize() int
	// AllGather blocks until every replica has contributed a tensor and
	// returns all of them in rank order. Returned tensors are copies; they
	// carry no gradient history.
	AllGather(t *tensor.Dense) ([]*tensor.Dense, error)
}

// Gatherer concatenates embeddings from every replica into one batch.
type Gatherer struct {
	ctx Context
}

// NewGatherer fails fast when no context is available: requesting negatives
// across devices without a distributed runtime is a configuration error.
func NewGatherer(ctx Context) (*Gatherer, error) {
	if ctx == nil {
		return nil, ErrNotInitialized
	}
	return &Gatherer{ctx: ctx}, nil
}

// Rank returns the calling replica's position.
func (g *Gatherer) Rank() int { return g.ctx.Rank() }

// WorldSize returns the number of participating replicas.
func (g *Gatherer) WorldSize() int { return g.ctx.WorldSize() }

// Gather exchanges a (batch, dim) tensor with every replica and concatenates
// the results in rank order. The slot belonging to the calling replica is
// overwritten with its original tensor: the copy received back through the
// exchange carries no gradient history, the original keeps the local chain
// intact. A nil tensor passes through unchanged.
func (g *Gatherer) Gather(t *autograd.Tensor) (*autograd.Tensor, error) {
	if t == nil {
		return nil, nil
	}
	parts, err := g.ctx.AllGather(t.Data)
	if err != nil {
		return nil, fmt.Errorf("dist: %w", err)
	}
	slots := make([]*autograd.Tensor, len(parts))
	for i, p := range parts {
		slots[i] = autograd.New(p)
	}
	slots[g.ctx.Rank()] = t
	return autograd.Concat(slots...), nil
}

// GatherValues exchanges a plain value tensor (teacher relevance) and
// concatenates along the batch axis in rank order.
func (g *Gatherer) GatherValues(d *tensor.Dense) (*tensor.Dense, error) {
	if d == nil {
		return nil, nil
	}
	parts, err := g.ctx.AllGather(d)
	if err != nil {
		return nil, fmt.Errorf("dist: %w", err)
	}
	// The context may hand every replica the same slice, so restore the own
	// slot in a private copy rather than writing into the shared one.
	slots := make([]*tensor.Dense, len(parts))
	copy(slots, parts)
	slots[g.ctx.Rank()] = d

	shape := []int(d.Shape())
	cols := 1
	for _, s := range shape[1:] {
		cols *= s
	}
	rows := 0
	for _, p := range slots {
		rows += []int(p.Shape())[0]
	}
	out := make([]float64, 0, rows*cols)
	for _, p := range slots {
		out = append(out, p.Data().([]float64)...)
	}
	outShape := append([]int{rows}, shape[1:]...)
	return tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(out)), nil
}

// single is the world-of-one context: gathering is the identity.
type single struct{}

func (single) Rank() int      { return 0 }
func (single) WorldSize() int { return 1 }
func (single) AllGather(t *tensor.Dense) ([]*tensor.Dense, error) {
	return []*tensor.Dense{t.Clone().(*tensor.Dense)}, nil
}

// Single returns a context for one replica.
func Single() Context { return single{} }

// LocalGroup is an in-process world of n replicas. Each replica's goroutine
// obtains its Context once and then every AllGather rendezvouses: the call
// blocks until all n replicas of the round have contributed, so all replicas
// must gather the same number of times per step.
type LocalGroup struct {
	size       int
	mu         sync.Mutex
	cond       *sync.Cond
	slots      []*tensor.Dense
	results    []*tensor.Dense
	arrived    int
	generation int
}

// NewLocalGroup creates a rendezvous group of n replicas.
func NewLocalGroup(n int) (*LocalGroup, error) {
	if n <= 0 {
		return nil, fmt.Errorf("dist: group size must be positive, got %d", n)
	}
	g := &LocalGroup{size: n, slots: make([]*tensor.Dense, n)}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

// Context returns the capability for one rank of the group.
func (g *LocalGroup) Context(rank int) (Context, error) {
	if rank < 0 || rank >= g.size {
		return nil, fmt.Errorf("dist: rank %d outside group of %d", rank, g.size)
	}
	return &localContext{group: g, rank: rank}, nil
}

func (g *LocalGroup) allGather(rank int, t *tensor.Dense) ([]*tensor.Dense, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gen := g.generation
	g.slots[rank] = t
	g.arrived++
	if g.arrived == g.size {
		results := make([]*tensor.Dense, g.size)
		for i, s := range g.slots {
			// Copies, like a tensor that crossed the wire.
			results[i] = s.Clone().(*tensor.Dense)
			g.slots[i] = nil
		}
		g.results = results
		g.arrived = 0
		g.generation++
		g.cond.Broadcast()
	} else {
		for gen == g.generation {
			g.cond.Wait()
		}
	}
	return g.results, nil
}

type localContext struct {
	group *LocalGroup
	rank  int
}

func (c *localContext) Rank() int      { return c.rank }
func (c *localContext) WorldSize() int { return c.group.size }
func (c *localContext) AllGather(t *tensor.Dense) ([]*tensor.Dense, error) {
	return c.group.allGather(c.rank, t)
}
