package similarity

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is the model used for similarity scoring. Error comparison is
// a simple judgment, so the cost-efficient tier is enough.
const DefaultModel = "claude-3-5-haiku-20241022"

// AnthropicConfig holds configuration for the AI-backed oracle.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API. Required.
	APIKey string

	// Model to use. Default: DefaultModel.
	Model string

	// MaxRetries is the number of retries after a failed API call.
	// Default: 3.
	MaxRetries int

	// InitialBackoff is the delay before the first retry; it doubles per
	// attempt. Default: 1s.
	InitialBackoff time.Duration
}

// Validate checks the configuration.
func (c *AnthropicConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative (got %d)", c.MaxRetries)
	}
	return nil
}

// AnthropicOracle scores error similarity with a model call. Responses are
// parsed as JSON `{"similarity": <0..1>}`. Expensive relative to the local
// oracle; always wrap with Memoized.
type AnthropicOracle struct {
	client         anthropic.Client
	model          string
	maxRetries     int
	initialBackoff time.Duration
}

var _ Oracle = (*AnthropicOracle)(nil)

// NewAnthropicOracle creates an AI-backed similarity oracle.
func NewAnthropicOracle(cfg AnthropicConfig) (*AnthropicOracle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	backoff := cfg.InitialBackoff
	if backoff == 0 {
		backoff = time.Second
	}

	return &AnthropicOracle{
		client:         anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:          model,
		maxRetries:     maxRetries,
		initialBackoff: backoff,
	}, nil
}

type similarityResponse struct {
	Similarity float64 `json:"similarity"`
}

// Score asks the model to rate how likely the two normalized errors describe
// the same underlying failure.
func (o *AnthropicOracle) Score(ctx context.Context, a, b string) (float64, error) {
	prompt := o.buildPrompt(a, b)

	var responseText string
	err := o.retryWithBackoff(ctx, func(ctx context.Context) error {
		resp, apiErr := o.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(o.model),
			MaxTokens: 200,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		for _, block := range resp.Content {
			if block.Type == "text" {
				responseText += block.Text
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("anthropic API call failed: %w", err)
	}

	score, err := parseSimilarityResponse(responseText)
	if err != nil {
		return 0, fmt.Errorf("failed to parse similarity response: %w", err)
	}
	return score, nil
}

func (o *AnthropicOracle) buildPrompt(a, b string) string {
	return fmt.Sprintf(`You compare two test failure error messages and rate how likely they describe the same underlying failure.

The messages are pre-normalized: timestamps, addresses, durations, and quoted literals are already stripped, so focus on the failure shape (exception type, assertion structure, failing operation).

Error A:
%s

Error B:
%s

Respond with ONLY a JSON object: {"similarity": <number between 0.0 and 1.0>}`, a, b)
}

// parseSimilarityResponse extracts the similarity score, tolerating prose
// around the JSON object.
func parseSimilarityResponse(text string) (float64, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return 0, fmt.Errorf("no JSON object in response: %s", truncate(text, 120))
	}

	var resp similarityResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &resp); err != nil {
		return 0, fmt.Errorf("invalid JSON: %w", err)
	}
	if resp.Similarity < 0 || resp.Similarity > 1 {
		return 0, fmt.Errorf("similarity out of range: %.2f", resp.Similarity)
	}
	return resp.Similarity, nil
}

// retryWithBackoff retries transient API failures with exponential backoff.
func (o *AnthropicOracle) retryWithBackoff(ctx context.Context, fn func(context.Context) error) error {
	backoff := o.initialBackoff
	var lastErr error

	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("[SIMILARITY] retrying AI call (attempt %d/%d) after %v: %v",
				attempt, o.maxRetries, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("all %d retries exhausted: %w", o.maxRetries, lastErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
