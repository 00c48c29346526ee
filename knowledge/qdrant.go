package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Point is one embedded chunk written to the vector index.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// SearchResult is one scored hit from a similarity search.
type SearchResult struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// VectorStore is the similarity-search index collaborator.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, vectorSize int) error
	UpsertPoints(ctx context.Context, collection string, points []Point) error
	DeletePoints(ctx context.Context, collection string, pointIDs []string) error
	Search(ctx context.Context, collection string, vector []float32, limit int, filter map[string]interface{}) ([]SearchResult, error)
}

// CollectionForKB derives the index collection name for a knowledge base.
func CollectionForKB(kbID string) string {
	compact := strings.ReplaceAll(strings.TrimSpace(kbID), "-", "")
	if compact == "" {
		return "kb_chunks"
	}
	return fmt.Sprintf("kb_%s_chunks", compact)
}

type qdrantClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	vectorSize int
}

// NewQdrantClientFromEnv builds a VectorStore against the Qdrant HTTP API.
// QDRANT_URL defaults to http://localhost:6333.
func NewQdrantClientFromEnv() (VectorStore, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}

	apiKey := strings.TrimSpace(os.Getenv("QDRANT_API_KEY"))

	vectorSize := 0
	if raw := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			vectorSize = parsed
		}
	}

	return &qdrantClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		vectorSize: vectorSize,
	}, nil
}

func (c *qdrantClient) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	if c == nil {
		return errors.New("knowledge: qdrant client is not configured")
	}
	size := vectorSize
	if size <= 0 {
		size = c.vectorSize
	}
	if size <= 0 {
		return errors.New("knowledge: vector size must be positive")
	}

	payload := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     size,
			"distance": "Cosine",
		},
	}
	endpoint := fmt.Sprintf("%s/collections/%s", c.baseURL, url.PathEscape(name))
	return c.send(ctx, http.MethodPut, endpoint, payload, nil, "ensure collection")
}

func (c *qdrantClient) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	if c == nil {
		return errors.New("knowledge: qdrant client is not configured")
	}
	if len(points) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": points}
	endpoint := fmt.Sprintf("%s/collections/%s/points", c.baseURL, url.PathEscape(collection))
	return c.send(ctx, http.MethodPut, endpoint, payload, nil, "upsert")
}

func (c *qdrantClient) DeletePoints(ctx context.Context, collection string, pointIDs []string) error {
	if c == nil {
		return errors.New("knowledge: qdrant client is not configured")
	}
	if len(pointIDs) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": pointIDs}
	endpoint := fmt.Sprintf("%s/collections/%s/points", c.baseURL, url.PathEscape(collection))
	return c.send(ctx, http.MethodDelete, endpoint, payload, nil, "delete")
}

func (c *qdrantClient) Search(ctx context.Context, collection string, vector []float32, limit int, filter map[string]interface{}) ([]SearchResult, error) {
	if c == nil {
		return nil, errors.New("knowledge: qdrant client is not configured")
	}
	if len(vector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		payload["filter"] = filter
	}

	var decoded struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	endpoint := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, url.PathEscape(collection))
	if err := c.send(ctx, http.MethodPost, endpoint, payload, &decoded, "search"); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		results = append(results, SearchResult{
			ID:      stringifyQdrantID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return results, nil
}

func (c *qdrantClient) send(ctx context.Context, method string, endpoint string, payload interface{}, out interface{}, op string) error {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return fmt.Errorf("knowledge: encode %s payload: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("knowledge: create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("knowledge: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("knowledge: %s status %s: %s", op, resp.Status, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("knowledge: decode %s response: %w", op, err)
		}
	}
	return nil
}

func stringifyQdrantID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
