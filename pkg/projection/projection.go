// Package projection implements the optional learned linear head applied to
// pooled sentence embeddings, with its own persistence format: a safetensors
// parameter file plus a JSON sidecar describing the head's shape.
package projection

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/soundprediction/biencoder/pkg/autograd"
	"github.com/soundprediction/biencoder/pkg/safetensors"
)

const (
	// WeightsFile holds the head parameters within a model directory.
	WeightsFile = "pooler.safetensors"
	// ConfigFile holds the shape sidecar within a model directory.
	ConfigFile = "pooler_config.json"
)

// ErrInvalidSide reports a projection request for a side outside
// {query, passage}.
var ErrInvalidSide = errors.New("projection: side must be query or passage")

// Side selects which encoder's embeddings are being projected.
type Side string

const (
	Query   Side = "query"
	Passage Side = "passage"
)

// Config is the persisted shape of a head, written alongside the weights so
// a loader can reconstruct an identically-shaped head without external hints.
type Config struct {
	InputDim  int  `json:"input_dim"`
	OutputDim int  `json:"output_dim"`
	Tied      bool `json:"tied"`
}

// linear is one dense map with bias.
type linear struct {
	weight *autograd.Tensor // (in, out)
	bias   *autograd.Tensor // (out)
}

func newLinear(in, out int) *linear {
	limit := math.Sqrt(6.0 / float64(in+out))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rand.Float64()*2 - 1) * limit
	}
	return &linear{
		weight: autograd.VariableFromSlice(w, in, out),
		bias:   autograd.VariableFromSlice(make([]float64, out), out),
	}
}

// apply computes x*W + b for x of shape (batch, in).
func (l *linear) apply(x *autograd.Tensor) *autograd.Tensor {
	y := x.MatMul(l.weight)
	shape := y.Shape()
	b, out := shape[0], shape[1]

	bv := l.bias.Floats()
	data := make([]float64, b*out)
	yv := y.Floats()
	for i := 0; i < b; i++ {
		for j := 0; j < out; j++ {
			data[i*out+j] = yv[i*out+j] + bv[j]
		}
	}

	res := autograd.FromSlice(data, b, out)
	res.RequiresGrad = true
	res.Children = []*autograd.Tensor{y, l.bias}
	res.Back = func() {
		yg := y.EnsureGrad()
		bg := l.bias.EnsureGrad()
		for i := 0; i < b; i++ {
			for j := 0; j < out; j++ {
				g := res.Grad[i*out+j]
				yg[i*out+j] += g
				bg[j] += g
			}
		}
	}
	return res
}

// Head projects query-side and passage-side embeddings. A tied head owns one
// parameter set referenced by both accessors; an untied head owns two
// independent linear maps of the same shape.
type Head struct {
	cfg    Config
	q      *linear
	p      *linear
	logger *slog.Logger
}

// New constructs a freshly-initialized head.
func New(inputDim, outputDim int, tied bool, logger *slog.Logger) *Head {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Head{
		cfg:    Config{InputDim: inputDim, OutputDim: outputDim, Tied: tied},
		q:      newLinear(inputDim, outputDim),
		logger: logger,
	}
	if tied {
		h.p = h.q
	} else {
		h.p = newLinear(inputDim, outputDim)
	}
	return h
}

// Config returns the head's persisted shape.
func (h *Head) Config() Config { return h.cfg }

// Project applies the side's linear map to a (batch, input_dim) tensor.
func (h *Head) Project(x *autograd.Tensor, side Side) (*autograd.Tensor, error) {
	switch side {
	case Query:
		return h.q.apply(x), nil
	case Passage:
		return h.p.apply(x), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
}

// ProjectQuery applies the query-side map.
func (h *Head) ProjectQuery(x *autograd.Tensor) *autograd.Tensor { return h.q.apply(x) }

// ProjectPassage applies the passage-side map.
func (h *Head) ProjectPassage(x *autograd.Tensor) *autograd.Tensor { return h.p.apply(x) }

// Parameters returns the head's trainable tensors, without duplicates for a
// tied head.
func (h *Head) Parameters() []*autograd.Tensor {
	params := []*autograd.Tensor{h.q.weight, h.q.bias}
	if h.p != h.q {
		params = append(params, h.p.weight, h.p.bias)
	}
	return params
}

// Load restores weights from dir if a parameter file exists there. A missing
// file is the train-from-scratch path, not an error.
func (h *Head) Load(dir string) error {
	path := filepath.Join(dir, WeightsFile)
	if _, err := os.Stat(path); err != nil {
		h.logger.Info("training projection head from scratch")
		return nil
	}
	h.logger.Info("loading projection head", "path", path)

	tensors, err := safetensors.Load(path)
	if err != nil {
		return fmt.Errorf("projection: %w", err)
	}
	if err := h.q.restore(tensors, "linear_q"); err != nil {
		return err
	}
	if !h.cfg.Tied {
		if err := h.p.restore(tensors, "linear_p"); err != nil {
			return err
		}
	}
	return nil
}

func (l *linear) restore(tensors map[string]safetensors.Tensor, prefix string) error {
	w, ok := tensors[prefix+".weight"]
	if !ok {
		return fmt.Errorf("projection: tensor %s.weight not found", prefix)
	}
	b, ok := tensors[prefix+".bias"]
	if !ok {
		return fmt.Errorf("projection: tensor %s.bias not found", prefix)
	}
	if len(w.Data) != len(l.weight.Floats()) || len(b.Data) != len(l.bias.Floats()) {
		return fmt.Errorf("projection: saved %s shape %v does not match head config", prefix, w.Shape)
	}
	copy(l.weight.Floats(), w.Data)
	copy(l.bias.Floats(), b.Data)
	return nil
}

// Save persists the parameters and the shape sidecar into dir.
func (h *Head) Save(dir string) error {
	tensors := map[string]safetensors.Tensor{
		"linear_q.weight": {Shape: h.q.weight.Shape(), Data: h.q.weight.Floats()},
		"linear_q.bias":   {Shape: h.q.bias.Shape(), Data: h.q.bias.Floats()},
	}
	if !h.cfg.Tied {
		tensors["linear_p.weight"] = safetensors.Tensor{Shape: h.p.weight.Shape(), Data: h.p.weight.Floats()}
		tensors["linear_p.bias"] = safetensors.Tensor{Shape: h.p.bias.Shape(), Data: h.p.bias.Floats()}
	}
	if err := safetensors.Save(filepath.Join(dir, WeightsFile), tensors); err != nil {
		return fmt.Errorf("projection: %w", err)
	}

	cfgJSON, err := json.Marshal(h.cfg)
	if err != nil {
		return fmt.Errorf("projection: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), cfgJSON, 0o644); err != nil {
		return fmt.Errorf("projection: %w", err)
	}
	return nil
}

// Detect reports whether dir holds both a parameter file and a shape
// sidecar. Presence of both is the sole signal used to auto-load a head.
func Detect(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, WeightsFile)); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err != nil {
		return false
	}
	return true
}

// LoadFrom reconstructs a head entirely from a saved directory: the sidecar
// supplies the shape, the parameter file the weights.
func LoadFrom(dir string, logger *slog.Logger) (*Head, error) {
	cfgJSON, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("projection: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(cfgJSON, &cfg); err != nil {
		return nil, fmt.Errorf("projection: %w", err)
	}
	h := New(cfg.InputDim, cfg.OutputDim, cfg.Tied, logger)
	if err := h.Load(dir); err != nil {
		return nil, err
	}
	return h, nil
}
