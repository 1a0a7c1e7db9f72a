package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/soundprediction/biencoder"
	"github.com/soundprediction/biencoder/pkg/backbone"
	"github.com/soundprediction/biencoder/pkg/config"
	"github.com/soundprediction/biencoder/pkg/server/dto"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host: "localhost",
			Port: 8080,
			Mode: "test",
		},
	}
}

func testModel(t *testing.T) *biencoder.BiEncoder {
	t.Helper()
	enc := backbone.NewEmbedding(4, 2)
	copy(enc.Parameters()[0].Floats(), []float64{
		1, 0,
		0, 1,
		1, 1,
		2, 0,
	})
	m, err := biencoder.New(enc, enc, nil, nil, config.ModelConfig{
		SentencePoolingMethod: "mean",
		Temperature:           1.0,
		LossType:              "softmax",
	}, nil)
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}
	return m
}

func TestNew(t *testing.T) {
	cfg := testConfig()

	// Test with nil model (server should still be created)
	server := New(cfg, nil)
	if server == nil {
		t.Fatal("expected non-nil server")
	}

	if server.config != cfg {
		t.Error("expected config to be set")
	}
}

func TestSetup(t *testing.T) {
	server := New(testConfig(), nil)
	server.Setup()

	if server.router == nil {
		t.Error("expected router to be initialized")
	}

	if server.server == nil {
		t.Error("expected http.Server to be initialized")
	}

	expectedAddr := "localhost:8080"
	if server.server.Addr != expectedAddr {
		t.Errorf("expected addr %s, got %s", expectedAddr, server.server.Addr)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(testConfig(), nil)
	server.Setup()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestReadyEndpointWithoutModel(t *testing.T) {
	server := New(testConfig(), nil)
	server.Setup()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestEmbedEndpoint(t *testing.T) {
	server := New(testConfig(), testModel(t))
	server.Setup()

	body, _ := json.Marshal(dto.EmbedRequest{
		Side: "query",
		TokenInput: dto.TokenInput{
			InputIDs:      [][]int{{0}, {3}},
			AttentionMask: [][]float64{{1}, {1}},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/embed", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp dto.EmbedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Dim != 2 || len(resp.Embeddings) != 2 {
		t.Errorf("unexpected response shape: %+v", resp)
	}
	if resp.Embeddings[0][0] != 1 || resp.Embeddings[1][0] != 2 {
		t.Errorf("unexpected embeddings: %+v", resp.Embeddings)
	}
}

func TestEmbedEndpointRejectsBadSide(t *testing.T) {
	server := New(testConfig(), testModel(t))
	server.Setup()

	body, _ := json.Marshal(dto.EmbedRequest{
		Side: "document",
		TokenInput: dto.TokenInput{
			InputIDs:      [][]int{{0}},
			AttentionMask: [][]float64{{1}},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/embed", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestScoreEndpoint(t *testing.T) {
	server := New(testConfig(), testModel(t))
	server.Setup()

	body, _ := json.Marshal(dto.ScoreRequest{
		Query: dto.TokenInput{
			InputIDs:      [][]int{{0}},
			AttentionMask: [][]float64{{1}},
		},
		Passage: dto.TokenInput{
			InputIDs:      [][]int{{0}, {3}},
			AttentionMask: [][]float64{{1}, {1}},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/score", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp dto.ScoreResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	want := [][]float64{{1, 2}}
	if len(resp.Scores) != 1 || resp.Scores[0][0] != want[0][0] || resp.Scores[0][1] != want[0][1] {
		t.Errorf("unexpected scores: %+v", resp.Scores)
	}
}
