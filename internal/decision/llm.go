package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/neurorouter"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

// LLMConfig holds parameters for an OpenAI-compatible chat endpoint.
type LLMConfig struct {
	APIURL    string        `yaml:"api_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LLM asks a chat model to pick the remedy. Any transport failure, rate
// limit or out-of-vocabulary answer is returned as an error wrapping
// model.ErrRecoveryUnavailable so callers apply their fixed fallback.
type LLM struct {
	cfg  LLMConfig
	http *http.Client
}

func NewLLM(cfg LLMConfig) *LLM {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &LLM{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

const systemPrompt = `You are a same-day delivery dispatcher. You receive one delivery problem as JSON and must pick exactly one remedy from the allowed list.

Return ONLY valid JSON, no markdown fences, no commentary:
{"action":"<one of the allowed actions>","reasoning":"<one sentence>"}`

type modelAnswer struct {
	Action    string `json:"action"`
	Reasoning string `json:"reasoning"`
}

func (l *LLM) DecideEmergency(ctx context.Context, s Situation) (Choice[EmergencyAction], error) {
	return ask(ctx, l, s, emergencyActions)
}

func (l *LLM) DecideRecovery(ctx context.Context, s Situation) (Choice[RecoveryAction], error) {
	return ask(ctx, l, s, recoveryActions)
}

func (l *LLM) DecideFailure(ctx context.Context, s Situation) (Choice[FailureStrategy], error) {
	return ask(ctx, l, s, failureActions)
}

func ask[A ~string](ctx context.Context, l *LLM, s Situation, allowed []A) (Choice[A], error) {
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = string(a)
	}
	situation, err := json.Marshal(s)
	if err != nil {
		return Choice[A]{}, fmt.Errorf("marshal situation: %w", err)
	}
	user := fmt.Sprintf("Allowed actions: %s\nProblem: %s", strings.Join(names, ", "), situation)

	raw, err := l.complete(ctx, user)
	if err != nil {
		return Choice[A]{}, fmt.Errorf("%w: %w", model.ErrRecoveryUnavailable, err)
	}

	var ans modelAnswer
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &ans); err != nil {
		return Choice[A]{}, fmt.Errorf("%w: cannot parse answer: %s", model.ErrRecoveryUnavailable, truncate(raw, 200))
	}
	action := A(strings.ToLower(strings.TrimSpace(ans.Action)))
	if !valid(action, allowed) {
		return Choice[A]{}, fmt.Errorf("%w: action %q not allowed", model.ErrRecoveryUnavailable, ans.Action)
	}
	return Choice[A]{Action: action, Reasoning: ans.Reasoning}, nil
}

func (l *LLM) complete(ctx context.Context, user string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"model": l.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": user},
		},
		"max_tokens":  l.cfg.MaxTokens,
		"temperature": 0,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if l.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("decision request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("decision HTTP 429: %w", neurorouter.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("decision HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Choices) == 0 {
		return "", fmt.Errorf("empty decision response")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// cleanJSON strips markdown fences and leading/trailing whitespace.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Fallback tries primary first and falls back to secondary on any error.
type Fallback struct {
	Primary   interface {
		EmergencyDecider
		RecoveryDecider
	}
	Secondary Rules
}

func (f Fallback) DecideEmergency(ctx context.Context, s Situation) (Choice[EmergencyAction], error) {
	if c, err := f.Primary.DecideEmergency(ctx, s); err == nil {
		return c, nil
	}
	return f.Secondary.DecideEmergency(ctx, s)
}

func (f Fallback) DecideRecovery(ctx context.Context, s Situation) (Choice[RecoveryAction], error) {
	if c, err := f.Primary.DecideRecovery(ctx, s); err == nil {
		return c, nil
	}
	return f.Secondary.DecideRecovery(ctx, s)
}

func (f Fallback) DecideFailure(ctx context.Context, s Situation) (Choice[FailureStrategy], error) {
	if c, err := f.Primary.DecideFailure(ctx, s); err == nil {
		return c, nil
	}
	return f.Secondary.DecideFailure(ctx, s)
}
