package backbone

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/soundprediction/biencoder/pkg/autograd"
	"github.com/soundprediction/biencoder/pkg/safetensors"
)

const (
	// ConfigFile is the model-directory configuration sidecar.
	ConfigFile = "config.json"
	// WeightsFile holds the backbone parameters.
	WeightsFile = "model.safetensors"

	embeddingModelType = "embedding"
	embeddingTableName = "embeddings.weight"
)

type modelConfig struct {
	ModelType  string `json:"model_type"`
	VocabSize  int    `json:"vocab_size"`
	HiddenSize int    `json:"hidden_size"`
}

func readConfig(path string) (modelConfig, error) {
	var cfg modelConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("backbone: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("backbone: %w", err)
	}
	return cfg, nil
}

// EmbeddingEncoder is a trainable lookup-table backbone: the hidden state of
// every token is its row in an embedding table. Small enough to train in
// tests, yet shaped exactly like a transformer from the pipeline's view.
type EmbeddingEncoder struct {
	vocab  int
	hidden int
	table  *autograd.Tensor // (vocab, hidden)
}

// NewEmbedding constructs a randomly-initialized embedding encoder.
func NewEmbedding(vocab, hidden int) *EmbeddingEncoder {
	data := make([]float64, vocab*hidden)
	for i := range data {
		data[i] = rand.NormFloat64() * 0.02
	}
	return &EmbeddingEncoder{
		vocab:  vocab,
		hidden: hidden,
		table:  autograd.VariableFromSlice(data, vocab, hidden),
	}
}

// Hidden returns the hidden dimension.
func (e *EmbeddingEncoder) Hidden() int { return e.hidden }

// Parameters returns the embedding table.
func (e *EmbeddingEncoder) Parameters() []*autograd.Tensor {
	return []*autograd.Tensor{e.table}
}

// Forward looks up every token id, producing (batch, seq, hidden) hidden
// states. The backward pass accumulates embedding-row gradients.
func (e *EmbeddingEncoder) Forward(batch *TokenBatch) (*autograd.Tensor, error) {
	b, s := batch.Size()
	if b == 0 {
		return nil, fmt.Errorf("backbone: empty token batch")
	}
	d := e.hidden
	tbl := e.table.Floats()

	data := make([]float64, b*s*d)
	for i := 0; i < b; i++ {
		for j := 0; j < s; j++ {
			id := batch.InputIDs[i][j]
			if id < 0 || id >= e.vocab {
				return nil, fmt.Errorf("backbone: token id %d outside vocabulary of %d", id, e.vocab)
			}
			copy(data[(i*s+j)*d:(i*s+j+1)*d], tbl[id*d:(id+1)*d])
		}
	}

	out := autograd.FromSlice(data, b, s, d)
	out.RequiresGrad = true
	out.Children = []*autograd.Tensor{e.table}
	out.Back = func() {
		tg := e.table.EnsureGrad()
		for i := 0; i < b; i++ {
			for j := 0; j < s; j++ {
				id := batch.InputIDs[i][j]
				off := (i*s + j) * d
				for k := 0; k < d; k++ {
					tg[id*d+k] += out.Grad[off+k]
				}
			}
		}
	}
	return out, nil
}

// Clone returns an encoder with an independent copy of the table.
func (e *EmbeddingEncoder) Clone() Encoder {
	data := append([]float64(nil), e.table.Floats()...)
	return &EmbeddingEncoder{
		vocab:  e.vocab,
		hidden: e.hidden,
		table:  autograd.VariableFromSlice(data, e.vocab, e.hidden),
	}
}

// SavePretrained writes config.json and model.safetensors into dir.
func (e *EmbeddingEncoder) SavePretrained(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("backbone: %w", err)
	}
	cfg := modelConfig{ModelType: embeddingModelType, VocabSize: e.vocab, HiddenSize: e.hidden}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("backbone: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), cfgJSON, 0o644); err != nil {
		return fmt.Errorf("backbone: %w", err)
	}
	tensors := map[string]safetensors.Tensor{
		embeddingTableName: {Shape: e.table.Shape(), Data: e.table.Floats()},
	}
	if err := safetensors.Save(filepath.Join(dir, WeightsFile), tensors); err != nil {
		return fmt.Errorf("backbone: %w", err)
	}
	return nil
}

func loadEmbedding(dir string, cfg modelConfig) (*EmbeddingEncoder, error) {
	tensors, err := safetensors.Load(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("backbone: %w", err)
	}
	tbl, ok := tensors[embeddingTableName]
	if !ok {
		return nil, fmt.Errorf("backbone: tensor %s not found in %s", embeddingTableName, dir)
	}
	if len(tbl.Data) != cfg.VocabSize*cfg.HiddenSize {
		return nil, fmt.Errorf("backbone: %s has %d elements, config says %dx%d",
			embeddingTableName, len(tbl.Data), cfg.VocabSize, cfg.HiddenSize)
	}
	return &EmbeddingEncoder{
		vocab:  cfg.VocabSize,
		hidden: cfg.HiddenSize,
		table:  autograd.VariableFromSlice(tbl.Data, cfg.VocabSize, cfg.HiddenSize),
	}, nil
}
