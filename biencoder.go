package biencoder

import (
	"fmt"
	"log/slog"

	"gorgonia.org/tensor"

	"github.com/soundprediction/biencoder/pkg/autograd"
	"github.com/soundprediction/biencoder/pkg/backbone"
	"github.com/soundprediction/biencoder/pkg/config"
	"github.com/soundprediction/biencoder/pkg/dist"
	"github.com/soundprediction/biencoder/pkg/loss"
	"github.com/soundprediction/biencoder/pkg/pooling"
	"github.com/soundprediction/biencoder/pkg/projection"
	"github.com/soundprediction/biencoder/pkg/scores"
)

// EncoderOutput is the result of one forward pass. Inference passes fill only
// the representations for the sides that were given; evaluation fills raw
// scores without a loss; training fills everything.
type EncoderOutput struct {
	QReps  *autograd.Tensor
	PReps  *autograd.Tensor
	Scores *autograd.Tensor
	Loss   *autograd.Tensor
}

// BiEncoder scores query/passage relevance with two text encoders sharing an
// embedding space. Parameters are mutated only by the optimizer between
// forward calls; the forward path itself is read-only with respect to them.
type BiEncoder struct {
	lmQ      backbone.Encoder
	lmP      backbone.Encoder
	head     *projection.Head
	gatherer *dist.Gatherer
	engine   loss.Engine
	method   pooling.Method
	cfg      config.ModelConfig
	training bool
	logger   *slog.Logger
}

// New wires a model from its parts. Pass the same Encoder for both sides to
// tie the weights. distCtx may be nil unless cfg.NegativesXDevice is set, in
// which case a missing context is a fatal configuration error.
func New(lmQ, lmP backbone.Encoder, head *projection.Head, distCtx dist.Context, cfg config.ModelConfig, logger *slog.Logger) (*BiEncoder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	method, err := pooling.ParseMethod(cfg.SentencePoolingMethod)
	if err != nil {
		return nil, err
	}
	engine, err := loss.New(loss.Type(cfg.LossType))
	if err != nil {
		return nil, err
	}
	if cfg.Temperature <= 0 {
		return nil, fmt.Errorf("%w: %g", scores.ErrTemperature, cfg.Temperature)
	}

	var gatherer *dist.Gatherer
	if cfg.NegativesXDevice {
		gatherer, err = dist.NewGatherer(distCtx)
		if err != nil {
			return nil, err
		}
		logger.Info("sharing negatives across replicas",
			"rank", gatherer.Rank(), "world_size", gatherer.WorldSize())
	}

	return &BiEncoder{
		lmQ:      lmQ,
		lmP:      lmP,
		head:     head,
		gatherer: gatherer,
		engine:   engine,
		method:   method,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// SetTraining switches between the training forward (loss computed from
// scaled scores) and the evaluation forward (raw scores, no loss).
func (m *BiEncoder) SetTraining(on bool) { m.training = on }

// Training reports the current mode.
func (m *BiEncoder) Training() bool { return m.training }

// Tied reports whether both sides share one encoder instance.
func (m *BiEncoder) Tied() bool { return m.lmQ == m.lmP }

// Head returns the projection head, or nil when none is attached.
func (m *BiEncoder) Head() *projection.Head { return m.head }

// WorldSize returns the number of replicas sharing negatives, 1 when
// training is single-replica.
func (m *BiEncoder) WorldSize() int {
	if m.gatherer == nil {
		return 1
	}
	return m.gatherer.WorldSize()
}

// Parameters returns every trainable tensor exactly once: tied encoders and
// tied heads contribute a single parameter set.
func (m *BiEncoder) Parameters() []*autograd.Tensor {
	params := m.lmQ.Parameters()
	if m.lmP != m.lmQ {
		params = append(params, m.lmP.Parameters()...)
	}
	if m.head != nil {
		params = append(params, m.head.Parameters()...)
	}
	return params
}

// EncodeQuery embeds a query batch: backbone, pooling, optional projection,
// optional L2 normalization. A nil batch returns nil.
func (m *BiEncoder) EncodeQuery(batch *backbone.TokenBatch) (*autograd.Tensor, error) {
	return m.encode(batch, m.lmQ, projection.Query)
}

// EncodePassage embeds a passage batch.
func (m *BiEncoder) EncodePassage(batch *backbone.TokenBatch) (*autograd.Tensor, error) {
	return m.encode(batch, m.lmP, projection.Passage)
}

func (m *BiEncoder) encode(batch *backbone.TokenBatch, lm backbone.Encoder, side projection.Side) (*autograd.Tensor, error) {
	if batch == nil {
		return nil, nil
	}
	hidden, err := lm.Forward(batch)
	if err != nil {
		return nil, err
	}
	reps, err := pooling.Pool(hidden, batch.AttentionMask, m.method)
	if err != nil {
		return nil, err
	}
	if m.head != nil {
		reps, err = m.head.Project(reps, side)
		if err != nil {
			return nil, err
		}
	}
	if m.cfg.Normalize {
		reps = reps.L2NormalizeRows()
	}
	return reps, nil
}

// Forward runs one pass. With only one side present it is an encoding call
// and returns just the representations. In training mode it builds scaled
// scores and a loss: against scattered teacher relevance when teacherScore is
// given, against implicit in-batch positives otherwise. In evaluation mode it
// returns raw unscaled scores and no loss.
func (m *BiEncoder) Forward(query, passage *backbone.TokenBatch, teacherScore *tensor.Dense) (*EncoderOutput, error) {
	qReps, err := m.EncodeQuery(query)
	if err != nil {
		return nil, err
	}
	pReps, err := m.EncodePassage(passage)
	if err != nil {
		return nil, err
	}

	// for inference
	if qReps == nil || pReps == nil {
		return &EncoderOutput{QReps: qReps, PReps: pReps}, nil
	}

	if !m.training {
		return &EncoderOutput{
			QReps:  qReps,
			PReps:  pReps,
			Scores: scores.Raw(qReps, pReps),
		}, nil
	}

	if teacherScore != nil {
		return m.teacherForward(qReps, pReps, teacherScore)
	}
	return m.implicitForward(qReps, pReps)
}

// teacherForward trains against graded relevance scattered into the full
// similarity matrix: teacher row i lands in columns [i*N, (i+1)*N).
func (m *BiEncoder) teacherForward(qReps, pReps *autograd.Tensor, teacherScore *tensor.Dense) (*EncoderOutput, error) {
	if m.gatherer != nil {
		var err error
		if qReps, err = m.gatherer.Gather(qReps); err != nil {
			return nil, err
		}
		if pReps, err = m.gatherer.Gather(pReps); err != nil {
			return nil, err
		}
		if teacherScore, err = m.gatherer.GatherValues(teacherScore); err != nil {
			return nil, err
		}
	}

	s, err := scores.Similarity(qReps, pReps, m.cfg.Temperature)
	if err != nil {
		return nil, err
	}
	shape := s.Shape()
	target, err := scores.Scatter(shape[0], shape[1], teacherScore)
	if err != nil {
		return nil, err
	}
	l, err := m.engine.Compute(s, loss.Target{Matrix: target})
	if err != nil {
		return nil, err
	}
	return &EncoderOutput{QReps: qReps, PReps: pReps, Scores: s, Loss: l}, nil
}

// implicitForward trains against in-batch positives: query i's positive sits
// at column i*(passages/queries), assuming block-contiguous passage layout.
func (m *BiEncoder) implicitForward(qReps, pReps *autograd.Tensor) (*EncoderOutput, error) {
	if m.gatherer != nil {
		var err error
		if qReps, err = m.gatherer.Gather(qReps); err != nil {
			return nil, err
		}
		if pReps, err = m.gatherer.Gather(pReps); err != nil {
			return nil, err
		}
	}

	s, err := scores.Similarity(qReps, pReps, m.cfg.Temperature)
	if err != nil {
		return nil, err
	}
	targets, err := scores.ImplicitTargets(qReps.Shape()[0], pReps.Shape()[0])
	if err != nil {
		return nil, err
	}
	l, err := m.engine.Compute(s, loss.Target{Classes: targets})
	if err != nil {
		return nil, err
	}
	return &EncoderOutput{QReps: qReps, PReps: pReps, Scores: s, Loss: l}, nil
}
