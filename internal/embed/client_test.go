package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockEmbedServer(t *testing.T, dims int, extraTags func(w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		if extraTags != nil {
			extraTags(w)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "qwen3-embedding:0.6b"}},
		})
	})
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		var n int
		switch v := req.Input.(type) {
		case string:
			n = 1
		case []any:
			n = len(v)
		}
		embeddings := make([][]float64, n)
		for i := range embeddings {
			vec := make([]float64, dims)
			vec[0] = 1.0
			embeddings[i] = vec
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: embeddings})
	})
	return httptest.NewServer(mux)
}

func TestNewClient_DetectsModelAndDimensions(t *testing.T) {
	srv := mockEmbedServer(t, 8, nil)
	defer srv.Close()

	c, err := NewClient(context.Background(), Config{BaseURL: srv.URL, Model: "qwen3-embedding:0.6b"})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "qwen3-embedding:0.6b", c.ModelName())
	assert.Equal(t, 8, c.Dimensions())
	assert.Equal(t, Connected, c.State())
}

func TestNewClient_FallsBackToConfiguredModel(t *testing.T) {
	srv := mockEmbedServer(t, 4, func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "nomic-embed-text"}},
		})
	})
	defer srv.Close()

	c, err := NewClient(context.Background(), Config{
		BaseURL:        srv.URL,
		Model:          "missing-model",
		FallbackModels: []string{"nomic-embed-text"},
	})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "nomic-embed-text", c.ModelName())
}

func TestNewClient_NoModelAvailable_ReturnsModelNotFound(t *testing.T) {
	srv := mockEmbedServer(t, 4, func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{}})
	})
	defer srv.Close()

	_, err := NewClient(context.Background(), Config{BaseURL: srv.URL, Model: "missing"})
	require.Error(t, err)
	var mnf *ModelNotFound
	assert.ErrorAs(t, err, &mnf)
}

func TestEmbed_EmptyText_ReturnsZeroVectorWithoutCallingService(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "m"}}})
	}))
	defer srv.Close()

	c, err := NewClient(context.Background(), Config{BaseURL: srv.URL, Model: "m", Dimensions: 4, SkipHealthCheck: true})
	require.NoError(t, err)
	defer c.Close()

	v, err := c.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 4), v)
	assert.Equal(t, 0, calls)
}

func TestEmbed_NormalizesVector(t *testing.T) {
	srv := mockEmbedServer(t, 3, nil)
	defer srv.Close()

	c, err := NewClient(context.Background(), Config{BaseURL: srv.URL, Model: "qwen3-embedding:0.6b"})
	require.NoError(t, err)
	defer c.Close()

	v, err := c.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sumSq, 1e-6)
}

func TestEmbedBatch_SplitsAcrossBatchSize(t *testing.T) {
	var maxBatch int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "m"}}})
	})
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		var n int
		if arr, ok := req.Input.([]any); ok {
			n = len(arr)
			if n > maxBatch {
				maxBatch = n
			}
		} else {
			n = 1
		}
		embeddings := make([][]float64, n)
		for i := range embeddings {
			embeddings[i] = []float64{1, 0}
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: embeddings})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(context.Background(), Config{BaseURL: srv.URL, Model: "m", Dimensions: 2, BatchSize: 2, SkipHealthCheck: true})
	require.NoError(t, err)
	defer c.Close()

	texts := []string{"a", "b", "c", "d", "e"}
	results, err := c.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, results, 5)
	assert.LessOrEqual(t, maxBatch, 2)
}

func TestDoEmbedWithRetry_RetriesOnServiceUnavailableThenSucceeds(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "m"}}})
	})
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float64{{1, 0}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(context.Background(), Config{
		BaseURL: srv.URL, Model: "m", Dimensions: 2, SkipHealthCheck: true,
		InitialRetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond, MaxRetries: 3,
	})
	require.NoError(t, err)
	defer c.Close()

	v, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestEmbed_ContextCancelled_ReturnsCancelledError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "m"}}})
	})
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float64{{1, 0}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(context.Background(), Config{BaseURL: srv.URL, Model: "m", Dimensions: 2, SkipHealthCheck: true, MaxRetries: 1})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Embed(ctx, "hello")
	require.Error(t, err)
	var cancelled *Cancelled
	assert.ErrorAs(t, err, &cancelled)
}
