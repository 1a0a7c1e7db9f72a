// Package trainer runs the contrastive training loop: forward, backward,
// parameter update, metrics. Optimization is plain SGD; parameters are
// updated strictly between forward passes.
package trainer

import (
	"errors"
	"fmt"
	"log/slog"

	"gorgonia.org/tensor"

	"github.com/soundprediction/biencoder"
	"github.com/soundprediction/biencoder/pkg/autograd"
	"github.com/soundprediction/biencoder/pkg/backbone"
	"github.com/soundprediction/biencoder/pkg/config"
	"github.com/soundprediction/biencoder/pkg/telemetry"
)

// ErrNoLoss reports a training step whose forward pass produced no loss,
// which happens when a batch is missing one side.
var ErrNoLoss = errors.New("trainer: forward pass produced no loss")

// SGD applies plain stochastic gradient descent.
type SGD struct {
	lr float64
}

// NewSGD creates an optimizer with the given learning rate.
func NewSGD(lr float64) (*SGD, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("trainer: learning rate must be positive, got %g", lr)
	}
	return &SGD{lr: lr}, nil
}

// Step applies one update to every parameter carrying a gradient.
func (o *SGD) Step(params []*autograd.Tensor) {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		vals := p.Floats()
		for i, g := range p.Grad {
			vals[i] -= o.lr * g
		}
	}
}

// ZeroGrad clears accumulated gradients before the next forward pass.
func (o *SGD) ZeroGrad(params []*autograd.Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Example is one training batch: a query batch, its block-contiguous passage
// batch, and optional graded teacher relevance of shape (queries, passages
// per query).
type Example struct {
	Query   *backbone.TokenBatch
	Passage *backbone.TokenBatch
	Teacher *tensor.Dense
}

// Trainer drives epochs of examples through a model.
type Trainer struct {
	model  *biencoder.BiEncoder
	opt    *SGD
	cfg    config.TrainingConfig
	sink   *telemetry.Sink
	logger *slog.Logger
}

// New wires a trainer. sink may be nil to skip metrics persistence.
func New(model *biencoder.BiEncoder, cfg config.TrainingConfig, sink *telemetry.Sink, logger *slog.Logger) (*Trainer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := NewSGD(cfg.LearningRate)
	if err != nil {
		return nil, err
	}
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("trainer: epochs must be positive, got %d", cfg.Epochs)
	}
	return &Trainer{model: model, opt: opt, cfg: cfg, sink: sink, logger: logger}, nil
}

// Step runs one optimizer step and returns the loss value.
func (t *Trainer) Step(epoch, step int, ex Example) (float64, error) {
	t.model.SetTraining(true)
	params := t.model.Parameters()
	t.opt.ZeroGrad(params)

	out, err := t.model.Forward(ex.Query, ex.Passage, ex.Teacher)
	if err != nil {
		return 0, err
	}
	if out.Loss == nil {
		return 0, ErrNoLoss
	}

	out.Loss.Backward()
	t.opt.Step(params)

	lossVal := out.Loss.Value()
	if t.sink != nil {
		batchSize, _ := ex.Query.Size()
		if err := t.sink.Record(telemetry.StepRecord{
			Epoch:        epoch,
			Step:         step,
			Loss:         lossVal,
			LearningRate: t.cfg.LearningRate,
			BatchSize:    batchSize,
			WorldSize:    t.model.WorldSize(),
		}); err != nil {
			t.logger.Warn("failed to record training metrics", "error", err)
		}
	}
	return lossVal, nil
}

// Train runs the configured number of epochs over the examples, saving the
// model into the output directory when one is configured.
func (t *Trainer) Train(examples []Example) error {
	if len(examples) == 0 {
		return errors.New("trainer: no training examples")
	}

	step := 0
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		var epochLoss float64
		for _, ex := range examples {
			lossVal, err := t.Step(epoch, step, ex)
			if err != nil {
				return err
			}
			epochLoss += lossVal
			step++
		}
		t.logger.Info("epoch complete",
			"epoch", epoch, "steps", step, "mean_loss", epochLoss/float64(len(examples)))
	}

	if t.sink != nil {
		if err := t.sink.Flush(); err != nil {
			t.logger.Warn("failed to flush training metrics", "error", err)
		}
	}
	if t.cfg.OutputDir != "" {
		t.logger.Info("saving model", "path", t.cfg.OutputDir)
		return t.model.Save(t.cfg.OutputDir)
	}
	return nil
}
