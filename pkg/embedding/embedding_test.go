package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IM-26-AI/QueryMind/pkg/config"
)

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Zero(t, sim)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine(config.EmbeddingConfig{}, "")
	require.NoError(t, err)
	assert.Nil(t, engine)

	engine, err = NewEngine(config.EmbeddingConfig{Provider: "ollama", Model: "nomic"}, "")
	require.NoError(t, err)
	assert.Equal(t, "ollama:nomic", engine.Name())

	_, err = NewEngine(config.EmbeddingConfig{Provider: "genai"}, "")
	assert.Error(t, err, "genai requires an API key")

	_, err = NewEngine(config.EmbeddingConfig{Provider: "word2vec"}, "")
	assert.Error(t, err)
}

func TestOllamaEngineEmbedBatch(t *testing.T) {
	var prompts []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompts = append(prompts, req.Prompt)
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{float32(len(req.Prompt)), 1}})
	}))
	defer server.Close()

	engine := NewOllamaEngine(server.URL+"/", "test")
	vectors, err := engine.EmbedBatch(context.Background(), []string{"a", "bbb"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "bbb"}, prompts)
	assert.Equal(t, [][]float32{{1, 1}, {3, 1}}, vectors)
}

func TestOllamaEngineStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewOllamaEngine(server.URL, "missing").Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
