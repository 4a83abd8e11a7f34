package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// HTTP runs graph steps on a remote runner that answers POST /step with an
// SSE stream. "usage" events carry token counts; the first "tool_request",
// "proposal", "complete" or "fail" event ends the step.
type HTTP struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTP creates an engine for the runner at endpoint.
func NewHTTP(endpoint string) *HTTP {
	return &HTTP{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for streaming
		},
	}
}

type stepRequest struct {
	RunID          string             `json:"run_id"`
	GraphID        string             `json:"graph_id"`
	ThreadID       string             `json:"thread_id,omitempty"`
	Goal           string             `json:"goal"`
	Inputs         domain.RunInputs   `json:"inputs"`
	Tools          []string           `json:"tools,omitempty"`
	Attempt        int                `json:"attempt"`
	Usage          domain.Usage       `json:"usage"`
	Budget         domain.Budget      `json:"budget"`
	LastToolResult *domain.ToolResult `json:"last_tool_result,omitempty"`
	Interrupt      *domain.Interrupt  `json:"interrupt,omitempty"`
}

// Step implements Engine.
func (h *HTTP) Step(ctx context.Context, run domain.Run, usage domain.Usage) (Outcome, error) {
	body, err := json.Marshal(stepRequest{
		RunID:          run.RunID,
		GraphID:        run.Spec.Execution.GraphID,
		ThreadID:       run.Spec.Execution.ThreadID,
		Goal:           run.Spec.Goal,
		Inputs:         run.Spec.Inputs,
		Tools:          run.Spec.Execution.Tools,
		Attempt:        run.Attempt,
		Usage:          usage,
		Budget:         run.Spec.Execution.Budget,
		LastToolResult: run.LastToolResult,
		Interrupt:      run.PendingInterrupt,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/step", bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Run-ID", run.RunID)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to call engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return Outcome{}, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var out Outcome
	var tokens int64
	done := false
	err = parseSSE(resp.Body, func(ev SSEEvent) error {
		if done {
			return nil
		}
		switch ev.Event {
		case "usage":
			var u struct {
				Tokens int64 `json:"tokens"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &u); err != nil {
				return fmt.Errorf("failed to parse usage event: %w", err)
			}
			tokens += u.Tokens
		case "tool_request":
			var tr ToolRequest
			if err := json.Unmarshal([]byte(ev.Data), &tr); err != nil {
				return fmt.Errorf("failed to parse tool_request event: %w", err)
			}
			out, done = Outcome{Kind: OutcomeToolRequest, ToolRequest: &tr}, true
		case "proposal":
			var p domain.ChangesetProposal
			if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
				return fmt.Errorf("failed to parse proposal event: %w", err)
			}
			out, done = Outcome{Kind: OutcomeProposal, Proposal: &p}, true
		case "complete":
			var c struct {
				Outputs []Output `json:"outputs"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &c); err != nil {
				return fmt.Errorf("failed to parse complete event: %w", err)
			}
			out, done = Outcome{Kind: OutcomeComplete, Outputs: c.Outputs}, true
		case "fail":
			var f struct {
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
				return fmt.Errorf("failed to parse fail event: %w", err)
			}
			out, done = Outcome{Kind: OutcomeFail, Reason: f.Reason}, true
		}
		// Ignore unknown events
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if !done {
		return Outcome{}, fmt.Errorf("engine stream ended without an outcome")
	}
	out.Tokens = tokens
	return out, nil
}

// parseSSE parses an SSE stream and calls the handler for each event.
func parseSSE(reader io.Reader, handler func(SSEEvent) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}
