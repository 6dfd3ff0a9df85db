package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// GenerateOpts carries the optional completion parameters named in §6's
// subprocess API.
type GenerateOpts struct {
	MaxTokens   int      `json:"n_predict,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type completionRequest struct {
	Prompt string `json:"prompt"`
	GenerateOpts
	Stream bool `json:"stream"`
}

type completionResponse struct {
	Content    string `json:"content"`
	Tokens     int    `json:"tokens_predicted"`
	StopReason string `json:"stop_reason"`
}

// Generate issues a non-streaming completion request.
func (a *Adapter) Generate(ctx context.Context, prompt string, opts GenerateOpts) (GenerateResult, error) {
	if !a.Ready() {
		return GenerateResult{}, fmt.Errorf("inference: not ready")
	}

	body, err := json.Marshal(completionRequest{Prompt: prompt, GenerateOpts: opts})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("inference: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return GenerateResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("inference: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return GenerateResult{}, ErrModelNotLoaded
	}
	if resp.StatusCode != http.StatusOK {
		return GenerateResult{}, fmt.Errorf("inference: subprocess returned status %d", resp.StatusCode)
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return GenerateResult{}, fmt.Errorf("inference: decode response: %w", err)
	}
	return GenerateResult{Text: cr.Content, TokenCount: cr.Tokens, StopReason: cr.StopReason}, nil
}

// GenerateStream issues a streaming completion request, invoking onToken
// for each non-empty content chunk until the [DONE] sentinel, an explicit
// stop flag, or ctx expiry.
func (a *Adapter) GenerateStream(ctx context.Context, prompt string, opts GenerateOpts, onToken func(string)) (GenerateResult, error) {
	if !a.Ready() {
		return GenerateResult{}, fmt.Errorf("inference: not ready")
	}

	body, err := json.Marshal(completionRequest{Prompt: prompt, GenerateOpts: opts, Stream: true})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("inference: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return GenerateResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("inference: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return GenerateResult{}, ErrModelNotLoaded
	}
	if resp.StatusCode != http.StatusOK {
		return GenerateResult{}, fmt.Errorf("inference: subprocess returned status %d", resp.StatusCode)
	}

	var full bytes.Buffer
	stopReason := ""
	err = scanEvents(resp.Body, func(ev streamEvent) bool {
		if ev.Content != "" {
			full.WriteString(ev.Content)
			onToken(ev.Content)
		}
		if ev.Stop {
			stopReason = ev.StopReason
			return false
		}
		return true
	})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("inference: stream error: %w", err)
	}
	return GenerateResult{Text: full.String(), StopReason: stopReason}, nil
}

// ChatStream appends userMsg to the in-adapter conversation history as a
// {role:user} turn, sends the entire history, and appends the assistant's
// reply as a {role:assistant} turn once streaming completes.
func (a *Adapter) ChatStream(ctx context.Context, userMsg string, opts GenerateOpts, onToken func(string)) (GenerateResult, error) {
	if !a.Ready() {
		return GenerateResult{}, fmt.Errorf("inference: not ready")
	}

	a.mu.Lock()
	a.history = append(a.history, chatTurn{Role: "user", Content: userMsg})
	history := append([]chatTurn(nil), a.history...)
	a.mu.Unlock()

	payload := map[string]any{
		"messages": history,
		"stream":   true,
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("inference: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return GenerateResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("inference: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return GenerateResult{}, ErrModelNotLoaded
	}
	if resp.StatusCode != http.StatusOK {
		return GenerateResult{}, fmt.Errorf("inference: subprocess returned status %d", resp.StatusCode)
	}

	var full bytes.Buffer
	stopReason := ""
	err = scanEvents(resp.Body, func(ev streamEvent) bool {
		if ev.Content != "" {
			full.WriteString(ev.Content)
			onToken(ev.Content)
		}
		if ev.Stop {
			stopReason = ev.StopReason
			return false
		}
		return true
	})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("inference: stream error: %w", err)
	}

	a.mu.Lock()
	a.history = append(a.history, chatTurn{Role: "assistant", Content: full.String()})
	a.mu.Unlock()

	return GenerateResult{Text: full.String(), StopReason: stopReason}, nil
}
