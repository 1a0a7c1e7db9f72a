package dto

import (
	"errors"
	"strings"
)

// MaxBatchSize caps how many sequences one request may carry.
const MaxBatchSize = 256

// ValidSides defines acceptable encoder sides
var ValidSides = map[string]bool{
	"query":   true,
	"passage": true,
}

// TokenInput is one tokenized batch: ids and a 0/1 attention mask of the
// same rectangular shape.
type TokenInput struct {
	InputIDs      [][]int     `json:"input_ids" binding:"required"`
	AttentionMask [][]float64 `json:"attention_mask" binding:"required"`
}

// Validate performs validation on TokenInput
func (t *TokenInput) Validate() error {
	if len(t.InputIDs) == 0 {
		return errors.New("input_ids cannot be empty")
	}
	if len(t.InputIDs) > MaxBatchSize {
		return errors.New("batch too large")
	}
	if len(t.AttentionMask) != len(t.InputIDs) {
		return errors.New("attention_mask must match input_ids batch size")
	}
	seq := len(t.InputIDs[0])
	for i := range t.InputIDs {
		if len(t.InputIDs[i]) != seq || len(t.AttentionMask[i]) != seq {
			return errors.New("input_ids and attention_mask must be rectangular")
		}
	}
	return nil
}

// EmbedRequest asks for embeddings of one side's batch
type EmbedRequest struct {
	Side string `json:"side" binding:"required"`
	TokenInput
}

// Validate performs validation on EmbedRequest
func (r *EmbedRequest) Validate() error {
	if !ValidSides[strings.ToLower(r.Side)] {
		return errors.New("invalid side: must be query or passage")
	}
	return r.TokenInput.Validate()
}

// EmbedResponse carries one embedding row per input sequence
type EmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dim        int         `json:"dim"`
}

// ScoreRequest asks for raw similarity scores between two batches
type ScoreRequest struct {
	Query   TokenInput `json:"query" binding:"required"`
	Passage TokenInput `json:"passage" binding:"required"`
}

// Validate performs validation on ScoreRequest
func (r *ScoreRequest) Validate() error {
	if err := r.Query.Validate(); err != nil {
		return errors.New("query: " + err.Error())
	}
	if err := r.Passage.Validate(); err != nil {
		return errors.New("passage: " + err.Error())
	}
	return nil
}

// ScoreResponse carries a query-by-passage score matrix
type ScoreResponse struct {
	Scores [][]float64 `json:"scores"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}
