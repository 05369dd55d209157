// Package detect provides the HTTP client for the external semantic
// classifier. The classifier turns one free-text user turn, plus a
// short window of recent history, into a structured detection vector.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/attune-health/attune/pkg/models"
)

// historyWindow bounds how much recent context is sent with each
// classification request. The classifier only needs short-term context
// to keep its flags stable across a loop.
const historyWindow = 6

// HTTPClassifier calls a classifier service over HTTP.
type HTTPClassifier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClassifier creates a classifier client. The timeout bounds the
// whole request; on expiry the turn pipeline falls back without the
// detection vector.
func NewHTTPClassifier(baseURL string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	Text    string        `json:"text"`
	History []historyTurn `json:"history,omitempty"`
}

type historyTurn struct {
	User     string `json:"user"`
	Response string `json:"response"`
}

// Classify sends the turn to the classifier service.
func (c *HTTPClassifier) Classify(ctx context.Context, text string, recentHistory []models.Turn) (models.DetectionVector, error) {
	req := classifyRequest{Text: text}
	start := len(recentHistory) - historyWindow
	if start < 0 {
		start = 0
	}
	for _, t := range recentHistory[start:] {
		req.History = append(req.History, historyTurn{User: t.UserText, Response: t.Response})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return models.DetectionVector{}, fmt.Errorf("encode classify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return models.DetectionVector{}, fmt.Errorf("create classify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.DetectionVector{}, fmt.Errorf("classify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return models.DetectionVector{}, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var det models.DetectionVector
	if err := json.NewDecoder(resp.Body).Decode(&det); err != nil {
		return models.DetectionVector{}, fmt.Errorf("decode detection vector: %w", err)
	}
	return det, nil
}
