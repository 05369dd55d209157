package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/attune-health/attune/pkg/contracts"
	"github.com/attune-health/attune/pkg/models"
)

// HTTPSubsystem is a contracts.Subsystem backed by a routine service
// reachable over HTTP. One client per trigger name; the routine kind is
// part of the URL path.
type HTTPSubsystem struct {
	baseURL string
	kind    string
	client  *http.Client
}

// NewHTTPSubsystem creates a subsystem client for one routine kind.
func NewHTTPSubsystem(baseURL, kind string, timeout time.Duration) *HTTPSubsystem {
	return &HTTPSubsystem{
		baseURL: baseURL,
		kind:    kind,
		client:  &http.Client{Timeout: timeout},
	}
}

type startRequest struct {
	SessionID string `json:"session_id"`
}

type startResponse struct {
	Handle string `json:"handle"`
	Intro  string `json:"intro"`
}

func (h *HTTPSubsystem) Start(ctx context.Context, sessionID string) (string, string, error) {
	var out startResponse
	err := h.post(ctx, "/start", startRequest{SessionID: sessionID}, &out)
	if err != nil {
		return "", "", err
	}
	if out.Handle == "" {
		return "", "", fmt.Errorf("subsystem %q returned empty handle", h.kind)
	}
	return out.Handle, out.Intro, nil
}

type feedRequest struct {
	Handle string `json:"handle"`
	Text   string `json:"text"`
}

func (h *HTTPSubsystem) Feed(ctx context.Context, handle, text string) (contracts.SubsystemStatus, error) {
	var out contracts.SubsystemStatus
	err := h.post(ctx, "/feed", feedRequest{Handle: handle, Text: text}, &out)
	return out, err
}

type completeRequest struct {
	Handle string `json:"handle"`
}

type completeResponse struct {
	Done    bool                    `json:"done"`
	Outcome models.SubsystemOutcome `json:"outcome"`
}

func (h *HTTPSubsystem) IsComplete(ctx context.Context, handle string) (bool, models.SubsystemOutcome, error) {
	var out completeResponse
	err := h.post(ctx, "/complete", completeRequest{Handle: handle}, &out)
	return out.Done, out.Outcome, err
}

func (h *HTTPSubsystem) Abort(ctx context.Context, handle string) error {
	return h.post(ctx, "/abort", completeRequest{Handle: handle}, nil)
}

func (h *HTTPSubsystem) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", h.kind, err)
	}
	url := fmt.Sprintf("%s/v1/routines/%s%s", h.baseURL, h.kind, path)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", h.kind, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request: %w", h.kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("subsystem %q returned status %d", h.kind, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", h.kind, err)
	}
	return nil
}
