package respond

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/attune-health/attune/pkg/contracts"
)

// HTTPRenderer calls the response generator service.
type HTTPRenderer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRenderer creates a renderer client.
func NewHTTPRenderer(baseURL string, timeout time.Duration) *HTTPRenderer {
	return &HTTPRenderer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type renderResponse struct {
	Text string `json:"text"`
}

// Render asks the generator to phrase the action.
func (r *HTTPRenderer) Render(ctx context.Context, req contracts.RenderRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode render request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/render", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create render request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("render request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("renderer returned status %d", resp.StatusCode)
	}

	var out renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode render response: %w", err)
	}
	return out.Text, nil
}

// HTTPRetriever calls the example-retrieval service.
type HTTPRetriever struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRetriever creates a retriever client.
func NewHTTPRetriever(baseURL string, timeout time.Duration) *HTTPRetriever {
	return &HTTPRetriever{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type retrieveRequest struct {
	RetrievalTag string `json:"retrieval_tag"`
	Text         string `json:"text"`
}

type retrieveResponse struct {
	Examples []string `json:"examples"`
}

// FindSimilar returns prior exchanges similar to the current one.
func (r *HTTPRetriever) FindSimilar(ctx context.Context, retrievalTag, text string) ([]string, error) {
	body, err := json.Marshal(retrieveRequest{RetrievalTag: retrievalTag, Text: text})
	if err != nil {
		return nil, fmt.Errorf("encode retrieve request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/similar", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create retrieve request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("retrieve request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("retrieval returned status %d", resp.StatusCode)
	}

	var out retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode retrieve response: %w", err)
	}
	return out.Examples, nil
}
