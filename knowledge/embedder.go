package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Embedder turns batches of chunk texts into vectors. Output order matches
// input order.
type Embedder interface {
	Embed(ctx context.Context, inputs []string, model string) ([][]float32, error)
}

type httpEmbedder struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
	maxBatch     int
	expectDim    int
	extraHeader  http.Header
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// AllowedEmbeddingModels returns the embedding model names finalize accepts.
// EMBEDDING_ALLOWED_MODELS is a comma-separated override.
func AllowedEmbeddingModels() []string {
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_ALLOWED_MODELS")); raw != "" {
		parts := strings.Split(raw, ",")
		models := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				models = append(models, trimmed)
			}
		}
		if len(models) > 0 {
			return models
		}
	}
	return []string{"text-embedding-v4", "text-embedding-3-small", "text-embedding-3-large"}
}

// IsKnownEmbeddingModel reports whether model passes finalize validation.
func IsKnownEmbeddingModel(model string) bool {
	trimmed := strings.TrimSpace(model)
	for _, known := range AllowedEmbeddingModels() {
		if trimmed == known {
			return true
		}
	}
	return false
}

// NewHTTPEmbedderFromEnv builds an embedder for an OpenAI-compatible
// /embeddings endpoint using EMBEDDING_* environment variables.
func NewHTTPEmbedderFromEnv() (Embedder, error) {
	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("knowledge: embedding API key is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid embedding base URL %q", baseURL)
	}

	defaultModel := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if defaultModel == "" {
		defaultModel = AllowedEmbeddingModels()[0]
	}

	maxBatch := 16
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_MAX_BATCH")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxBatch = parsed
		}
	}

	expectDim := 0
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			expectDim = parsed
		}
	}

	return &httpEmbedder{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseURL:      baseURL,
		apiKey:       apiKey,
		defaultModel: defaultModel,
		maxBatch:     maxBatch,
		expectDim:    expectDim,
		extraHeader: http.Header{
			"User-Agent": []string{"minerva-ingest/1.0"},
		},
	}, nil
}

func (e *httpEmbedder) Embed(ctx context.Context, inputs []string, model string) ([][]float32, error) {
	if e == nil {
		return nil, errors.New("knowledge: embedder is not configured")
	}
	sanitized := make([]string, 0, len(inputs))
	for _, item := range inputs {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		sanitized = append(sanitized, trimmed)
	}
	if len(sanitized) == 0 {
		return nil, nil
	}

	modelID := strings.TrimSpace(model)
	if modelID == "" {
		modelID = e.defaultModel
	}

	maxBatch := e.maxBatch
	if maxBatch <= 0 {
		maxBatch = 16
	}

	var results [][]float32
	for start := 0; start < len(sanitized); start += maxBatch {
		end := start + maxBatch
		if end > len(sanitized) {
			end = len(sanitized)
		}
		batchVectors, err := e.embedBatch(ctx, sanitized[start:end], modelID)
		if err != nil {
			return nil, err
		}
		results = append(results, batchVectors...)
	}
	return results, nil
}

func (e *httpEmbedder) embedBatch(ctx context.Context, batch []string, model string) ([][]float32, error) {
	payload := embeddingRequest{
		Model: model,
		Input: batch,
	}
	if e.expectDim > 0 {
		dim := e.expectDim
		payload.Dimensions = &dim
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("knowledge: encode embedding payload: %w", err)
	}

	endpoint := e.baseURL + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	for key, values := range e.extraHeader {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("knowledge: embedding API status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("knowledge: decode embedding response: %w", err)
	}

	if len(decoded.Data) != len(batch) {
		return nil, fmt.Errorf("knowledge: embedding response count mismatch (expected %d, got %d)", len(batch), len(decoded.Data))
	}

	vectors := make([][]float32, len(decoded.Data))
	for i, item := range decoded.Data {
		vector := make([]float32, 0, len(item.Embedding))
		for _, value := range item.Embedding {
			vector = append(vector, float32(value))
		}
		if e.expectDim > 0 && len(vector) != e.expectDim {
			return nil, fmt.Errorf("knowledge: embedding length %d does not match expected %d", len(vector), e.expectDim)
		}
		vectors[i] = vector
	}

	return vectors, nil
}
