// Package knowledge fetches retrieval context for a query from a knowledge service.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result is the outcome of one retrieval. Err is set when Success is false.
type Result struct {
	Success bool
	Context string
	Err     error
}

// Retriever returns context relevant to text within a knowledge scope.
type Retriever interface {
	Query(ctx context.Context, text, scopeID string) Result
}

// HTTPConfig configures an HTTPRetriever.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	TopK       int
	HTTPClient *http.Client
}

// HTTPRetriever queries a knowledge service over HTTP.
//
// The service receives POST {base}/query with {"query","scopeId","topK"} and
// answers with either {"context": "..."} or {"chunks": [{"text": "..."}]}.
type HTTPRetriever struct {
	baseURL    string
	apiKey     string
	topK       int
	httpClient *http.Client
}

func NewHTTPRetriever(cfg HTTPConfig) (*HTTPRetriever, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("knowledge base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	return &HTTPRetriever{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		topK:       topK,
		httpClient: httpClient,
	}, nil
}

type queryRequest struct {
	Query   string `json:"query"`
	ScopeID string `json:"scopeId"`
	TopK    int    `json:"topK"`
}

type queryResponse struct {
	Context string `json:"context"`
	Chunks  []struct {
		Text string `json:"text"`
	} `json:"chunks"`
}

func (r *HTTPRetriever) Query(ctx context.Context, text, scopeID string) Result {
	found, err := r.query(ctx, text, scopeID)
	if err != nil {
		zap.S().Debugw("knowledge_query_failed", "scope_id", scopeID, "error", err)
		return Result{Err: err}
	}
	return Result{Success: true, Context: found}
}

func (r *HTTPRetriever) query(ctx context.Context, text, scopeID string) (string, error) {
	body, err := json.Marshal(queryRequest{Query: text, ScopeID: scopeID, TopK: r.topK})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Context != "" {
		return out.Context, nil
	}
	parts := make([]string, 0, len(out.Chunks))
	for _, c := range out.Chunks {
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
