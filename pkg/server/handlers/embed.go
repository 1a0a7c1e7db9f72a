package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/biencoder"
	"github.com/soundprediction/biencoder/pkg/autograd"
	"github.com/soundprediction/biencoder/pkg/backbone"
	"github.com/soundprediction/biencoder/pkg/server/dto"
)

// EmbedHandler serves embedding and scoring requests
type EmbedHandler struct {
	model *biencoder.BiEncoder
}

// NewEmbedHandler creates a new embed handler
func NewEmbedHandler(m *biencoder.BiEncoder) *EmbedHandler {
	return &EmbedHandler{model: m}
}

// Embed handles POST /api/v1/embed
func (h *EmbedHandler) Embed(c *gin.Context) {
	var req dto.EmbedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	batch, err := backbone.NewTokenBatch(req.InputIDs, req.AttentionMask)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	var reps *autograd.Tensor
	if strings.ToLower(req.Side) == "query" {
		reps, err = h.model.EncodeQuery(batch)
	} else {
		reps, err = h.model.EncodePassage(batch)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, embedResponse(reps))
}

// Score handles POST /api/v1/score
func (h *EmbedHandler) Score(c *gin.Context) {
	var req dto.ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	query, err := backbone.NewTokenBatch(req.Query.InputIDs, req.Query.AttentionMask)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	passage, err := backbone.NewTokenBatch(req.Passage.InputIDs, req.Passage.AttentionMask)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	out, err := h.model.Forward(query, passage, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.ScoreResponse{Scores: toRows(out.Scores)})
}

func embedResponse(reps *autograd.Tensor) dto.EmbedResponse {
	rows := toRows(reps)
	dim := 0
	if len(rows) > 0 {
		dim = len(rows[0])
	}
	return dto.EmbedResponse{Embeddings: rows, Dim: dim}
}

func toRows(t *autograd.Tensor) [][]float64 {
	shape := t.Shape()
	rows, cols := shape[0], shape[1]
	vals := t.Floats()
	out := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		out[i] = append([]float64(nil), vals[i*cols:(i+1)*cols]...)
	}
	return out
}
