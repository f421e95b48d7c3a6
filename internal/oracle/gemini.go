// internal/oracle/gemini.go

// Package oracle adapts LLM providers to the single Route seam the agent
// loop consumes. Implementations own their retries, rate limiting and
// health bookkeeping so the loop can treat every returned error as final.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// Health is a point-in-time view of a provider adapter's wellbeing.
type Health struct {
	Healthy             bool
	ConsecutiveFailures int
	LastError           string
	LastSuccess         time.Time
}

// GeminiOracle drives decisions through the Gemini generateContent API
// using native function calling.
type GeminiOracle struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	cfg        config.OracleConfig
	limiter    *rate.Limiter

	// backoffFactory is swapped in tests for a faster strategy.
	backoffFactory func() backoff.BackOff

	mu                  sync.Mutex
	healthy             bool
	consecutiveFailures int
	lastErr             error
	lastSuccess         time.Time
}

var _ schemas.Oracle = (*GeminiOracle)(nil)

// -- Gemini API request/response structures (internal to this file) --

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequestPayload struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"system_instruction,omitempty"`
	Tools             []geminiTool           `json:"tools,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiOracle initializes the adapter.
func NewGeminiOracle(cfg config.OracleConfig, logger *zap.Logger) (*GeminiOracle, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	endpoint := fmt.Sprintf(
		"https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), 1)
	}

	return &GeminiOracle{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		cfg:      cfg,
		limiter:  limiter,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.Named("oracle.gemini"),
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
		healthy: true,
	}, nil
}

// Route sends the transcript and the tool surface to the API and returns
// the model's next turn. Transient API errors are retried with exponential
// backoff up to the configured budget; the returned error is final.
func (o *GeminiOracle) Route(ctx context.Context, transcript []schemas.Turn, tools []schemas.ToolDefinition) (schemas.Turn, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return schemas.Turn{}, fmt.Errorf("rate limit wait canceled: %w", err)
		}
	}

	payload, err := buildPayload(transcript, tools, o.cfg)
	if err != nil {
		return schemas.Turn{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return schemas.Turn{}, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := o.backoffFactory()
	if o.cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(o.cfg.MaxRetries))
	}

	// Snapshot the client so a concurrent Invalidate cannot race the request.
	o.mu.Lock()
	client := o.httpClient
	o.mu.Unlock()

	var turn schemas.Turn
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewBuffer(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", o.apiKey)

		startTime := time.Now()
		resp, err := client.Do(httpReq)
		duration := time.Since(startTime)

		if err != nil {
			o.logger.Warn("Network error during oracle request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return o.handleAPIError(resp.StatusCode, respBody)
		}

		var responsePayload geminiResponsePayload
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}

		parsed, err := parseCandidate(responsePayload)
		if err != nil {
			return err
		}

		o.logger.Info("Oracle decision complete",
			zap.Duration("duration", duration),
			zap.Int("prompt_tokens", responsePayload.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", responsePayload.UsageMetadata.CandidatesTokenCount),
		)
		turn = parsed
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		o.markFailure(err)
		return schemas.Turn{}, err
	}
	o.markSuccess()
	return turn, nil
}

// Health reports the adapter's current health fields.
func (o *GeminiOracle) Health() Health {
	o.mu.Lock()
	defer o.mu.Unlock()

	h := Health{
		Healthy:             o.healthy,
		ConsecutiveFailures: o.consecutiveFailures,
		LastSuccess:         o.lastSuccess,
	}
	if o.lastErr != nil {
		h.LastError = o.lastErr.Error()
	}
	return h
}

// Invalidate drops the cached transport state and marks the adapter
// unhealthy until the next successful call. Use it when the caller has
// independent evidence the connection or credentials have gone bad.
func (o *GeminiOracle) Invalidate() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.httpClient.CloseIdleConnections()
	o.httpClient = &http.Client{Timeout: o.cfg.Timeout}
	o.healthy = false
	o.logger.Info("Oracle client state invalidated.")
}

func (o *GeminiOracle) markSuccess() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.healthy = true
	o.consecutiveFailures = 0
	o.lastErr = nil
	o.lastSuccess = time.Now()
}

func (o *GeminiOracle) markFailure(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.consecutiveFailures++
	o.lastErr = err
	o.healthy = false
}

func (o *GeminiOracle) handleAPIError(statusCode int, body []byte) error {
	o.logger.Error("Gemini API returned error status",
		zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("gemini API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient errors, retry.
	default:
		return backoff.Permanent(err) // Permanent errors.
	}
}

// buildPayload maps the provider-neutral transcript onto the Gemini wire
// format. System turns become the system instruction; tool results become
// functionResponse parts keyed by the function name.
func buildPayload(transcript []schemas.Turn, tools []schemas.ToolDefinition, cfg config.OracleConfig) (geminiRequestPayload, error) {
	payload := geminiRequestPayload{
		GenerationConfig: geminiGenerationConfig{
			Temperature:     float64(cfg.Temperature),
			MaxOutputTokens: cfg.MaxTokens,
		},
	}

	if len(tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(tools))
		for _, td := range tools {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			})
		}
		payload.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	for _, turn := range transcript {
		switch turn.Role {
		case schemas.RoleSystem:
			payload.SystemInstruction = &geminiContent{
				Parts: []geminiPart{{Text: turn.Content}},
			}
		case schemas.RoleUser:
			payload.Contents = append(payload.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: turn.Content}},
			})
		case schemas.RoleAssistant:
			content := geminiContent{Role: "model"}
			if turn.ToolCall != nil {
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{
						Name: turn.ToolCall.Name,
						Args: turn.ToolCall.Arguments,
					},
				})
			}
			if turn.Content != "" {
				content.Parts = append(content.Parts, geminiPart{Text: turn.Content})
			}
			if len(content.Parts) == 0 {
				continue
			}
			payload.Contents = append(payload.Contents, content)
		case schemas.RoleTool:
			payload.Contents = append(payload.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     turn.ToolCallID,
						Response: map[string]interface{}{"content": turn.Content},
					},
				}},
			})
		default:
			return geminiRequestPayload{}, fmt.Errorf("transcript contains unsupported role %q", turn.Role)
		}
	}
	return payload, nil
}

// parseCandidate maps the first candidate back onto a provider-neutral
// turn. A function-call part wins over plain text.
func parseCandidate(resp geminiResponsePayload) (schemas.Turn, error) {
	if len(resp.Candidates) == 0 {
		return schemas.Turn{}, backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
	}

	candidate := resp.Candidates[0]
	if len(candidate.Content.Parts) == 0 {
		if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
			return schemas.Turn{}, backoff.Permanent(
				fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
		}
		return schemas.Turn{}, fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
	}

	turn := schemas.Turn{Role: schemas.RoleAssistant}
	for _, part := range candidate.Content.Parts {
		if part.FunctionCall != nil && turn.ToolCall == nil {
			turn.ToolCall = &schemas.ToolCall{
				ID:        part.FunctionCall.Name,
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			}
			continue
		}
		if part.Text != "" {
			turn.Content += part.Text
		}
	}
	return turn, nil
}
