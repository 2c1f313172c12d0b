package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/smart-speaker/internal/dialog"
	"github.com/lexiqai/smart-speaker/internal/observability"
	"github.com/lexiqai/smart-speaker/internal/resilience"
)

// ContentStreamer is the part of the genai models service used here.
type ContentStreamer interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiConfig configures the reply generator
type GeminiConfig struct {
	APIKey string
	Model  string
}

// GeminiClient streams replies from Gemini.
type GeminiClient struct {
	models  ContentStreamer
	model   string
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
	logger  zerolog.Logger
}

// NewGeminiClient creates a client for the Gemini API backend.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, breaker *resilience.CircuitBreaker, retry *resilience.RetryConfig, logger zerolog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return NewGeminiClientWithModels(client.Models, cfg.Model, breaker, retry, logger), nil
}

// NewGeminiClientWithModels wires an existing models service.
func NewGeminiClientWithModels(models ContentStreamer, model string, breaker *resilience.CircuitBreaker, retry *resilience.RetryConfig, logger zerolog.Logger) *GeminiClient {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if retry == nil {
		retry = &resilience.RetryConfig{MaxAttempts: 1}
	}
	return &GeminiClient{models: models, model: model, breaker: breaker, retry: retry, logger: logger}
}

// Breaker returns the circuit breaker guarding generation, or nil.
func (g *GeminiClient) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

// BuildContents turns the conversation into Gemini contents: system turns
// become the system instruction, the prompt is the final user turn.
func BuildContents(prompt string, history []dialog.Turn) ([]*genai.Content, *genai.Content) {
	var system []string
	var contents []*genai.Content
	for _, turn := range history {
		switch turn.Role {
		case dialog.RoleSystem:
			system = append(system, turn.Content)
		case dialog.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(turn.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(turn.Content, genai.RoleUser))
		}
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	var instruction *genai.Content
	if len(system) > 0 {
		instruction = genai.NewContentFromText(strings.Join(system, "\n"), genai.RoleUser)
	}
	return contents, instruction
}

// StreamReply implements ReplyGenerator. Connection failures before the
// first fragment are retried; later failures end the stream with Err.
func (g *GeminiClient) StreamReply(ctx context.Context, prompt string, history []dialog.Turn) (<-chan *ReplyChunk, error) {
	contents, instruction := BuildContents(prompt, history)
	config := &genai.GenerateContentConfig{SystemInstruction: instruction}

	out := make(chan *ReplyChunk, 32)
	go func() {
		defer close(out)

		send := func(c *ReplyChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		emitted := false
		attempt := func(ctx context.Context) error {
			for resp, err := range g.models.GenerateContentStream(ctx, g.model, contents, config) {
				if err != nil {
					return err
				}
				text := responseText(resp)
				if !emitted {
					text = strings.TrimLeftFunc(text, unicode.IsSpace)
				}
				if text == "" {
					continue
				}
				emitted = true
				if !send(&ReplyChunk{Text: text}) {
					return ctx.Err()
				}
			}
			return nil
		}
		retryable := func(err error) bool {
			return !emitted && resilience.IsRetryableNetworkError(err)
		}

		call := func() error { return resilience.RetryContext(ctx, attempt, g.retry, retryable) }
		var err error
		if g.breaker != nil {
			err = g.breaker.Call(call)
			observability.UpdateCircuitBreakerState("llm", int(g.breaker.GetState()))
		} else {
			err = call()
		}

		if err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error().Err(err).Bool("partial", emitted).Msg("Reply generation failed")
			observability.CaptureError(err, "llm_failure", "orchestrator")
			if g.breaker != nil {
				observability.IncrementCircuitBreakerFailures("llm")
			}
			send(&ReplyChunk{Err: fmt.Errorf("generate reply: %w", err)})
		}
	}()
	return out, nil
}

// responseText joins the visible text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	content := resp.Candidates[0].Content
	if content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}
