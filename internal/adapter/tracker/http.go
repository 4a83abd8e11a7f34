package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// HTTPClient talks to a tracker gateway over HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a client for baseURL.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type applyRequest struct {
	Operations []domain.Operation `json:"operations"`
}

type applyResponse struct {
	ExternalRefs []string `json:"external_refs"`
	Error        string   `json:"error,omitempty"`
}

// ApplyOperations posts the operation list in one request.
func (c *HTTPClient) ApplyOperations(ctx context.Context, repo string, ops []domain.Operation) ([]string, error) {
	body, err := json.Marshal(applyRequest{Operations: ops})
	if err != nil {
		return nil, &domain.PermanentWriteError{Class: "invalid_operations", Err: err}
	}

	endpoint := fmt.Sprintf("%s/v1/repos/%s/operations", c.baseURL, url.PathEscape(repo))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.PermanentWriteError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if key := IdempotencyKey(ctx); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Classify(fmt.Errorf("tracker request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := classifyStatus(resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var out applyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		// The write landed; an unreadable body must not trigger a retry.
		return nil, &domain.PermanentWriteError{Class: "tracker_bad_response", Err: err}
	}
	return out.ExternalRefs, nil
}

func classifyStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("tracker returned status %d: %s", code, strings.TrimSpace(string(body)))
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return &domain.TransientWriteError{Err: err}
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return &domain.PermanentWriteError{Class: "tracker_unauthorized", Err: err}
	case code == http.StatusConflict:
		return &domain.PermanentWriteError{Class: "tracker_conflict", Err: err}
	default:
		return &domain.PermanentWriteError{Class: "tracker_rejected", Err: err}
	}
}
