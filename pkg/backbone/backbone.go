// Package backbone defines the narrow interface the encoding pipeline
// expects from a pretrained text encoder, plus a small trainable
// embedding-lookup encoder used as the reference implementation.
//
// A backbone consumes a token batch and produces the final hidden-state
// sequence (batch, seq, hidden); everything downstream of that — pooling,
// projection, similarity, loss — lives outside this package.
package backbone

import (
	"fmt"
	"os"
	"path/filepath"

	"gorgonia.org/tensor"

	"github.com/soundprediction/biencoder/pkg/autograd"
)

// TokenBatch carries one side's tokenized inputs. Production is external
// (tokenization is out of scope); this package only consumes it.
type TokenBatch struct {
	// InputIDs is a rectangular (batch, seq) matrix of token ids.
	InputIDs [][]int
	// AttentionMask is a (batch, seq) matrix with nonzero entries at real
	// token positions.
	AttentionMask *tensor.Dense
}

// NewTokenBatch builds a batch from ids and a 0/1 mask of the same shape.
func NewTokenBatch(ids [][]int, mask [][]float64) (*TokenBatch, error) {
	if len(ids) == 0 || len(ids) != len(mask) {
		return nil, fmt.Errorf("backbone: ids and mask must have the same nonzero batch size")
	}
	seq := len(ids[0])
	flat := make([]float64, 0, len(ids)*seq)
	for i := range ids {
		if len(ids[i]) != seq || len(mask[i]) != seq {
			return nil, fmt.Errorf("backbone: ragged batch at row %d", i)
		}
		flat = append(flat, mask[i]...)
	}
	return &TokenBatch{
		InputIDs:      ids,
		AttentionMask: tensor.New(tensor.WithShape(len(ids), seq), tensor.WithBacking(flat)),
	}, nil
}

// Size returns (batch, seq).
func (b *TokenBatch) Size() (int, int) {
	if len(b.InputIDs) == 0 {
		return 0, 0
	}
	return len(b.InputIDs), len(b.InputIDs[0])
}

// Encoder is the pretrained-backbone surface the pipeline depends on.
type Encoder interface {
	// Forward returns the final hidden-state sequence (batch, seq, hidden).
	Forward(batch *TokenBatch) (*autograd.Tensor, error)
	// Hidden returns the hidden dimension.
	Hidden() int
	// Parameters returns the trainable tensors.
	Parameters() []*autograd.Tensor
	// Clone returns a deep copy with an independent parameter set.
	Clone() Encoder
	// SavePretrained writes the encoder into dir so FromPretrained can
	// reconstruct it.
	SavePretrained(dir string) error
}

type factory func() (Encoder, error)

var registry = map[string]factory{}

// Register makes a named pretrained-model identifier loadable through
// FromPretrained.
func Register(name string, f func() (Encoder, error)) {
	registry[name] = f
}

// FromPretrained loads an encoder from a local model directory or a
// registered identifier.
func FromPretrained(pathOrID string) (Encoder, error) {
	if fi, err := os.Stat(pathOrID); err == nil && fi.IsDir() {
		return loadDir(pathOrID)
	}
	if f, ok := registry[pathOrID]; ok {
		return f()
	}
	return nil, fmt.Errorf("backbone: %q is neither a model directory nor a registered identifier", pathOrID)
}

func loadDir(dir string) (Encoder, error) {
	cfg, err := readConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	switch cfg.ModelType {
	case embeddingModelType:
		return loadEmbedding(dir, cfg)
	default:
		return nil, fmt.Errorf("backbone: unsupported model_type %q in %s", cfg.ModelType, dir)
	}
}
