package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RichardoC/llm-relay/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

// ContentGenerator is the part of a langchaingo model the gateway needs.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

type GatewayConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Result is the outcome of one completion call. Reply is always set: it holds
// the model text on success and the fallback sentence on failure.
type Result struct {
	Reply   string
	Latency time.Duration
	Length  int
	Failure *Failure
}

func (r Result) OK() bool {
	return r.Failure == nil
}

type Gateway struct {
	model   ContentGenerator
	prompts *PromptBuilder
	tokens  TokenCounter
	cfg     GatewayConfig
	logger  *zap.Logger
}

// NewOpenAI returns a client for any OpenAI-compatible completion endpoint.
func NewOpenAI(cfg GatewayConfig) (*openai.LLM, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	llm, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithBaseURL(baseURL),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return llm, nil
}

func NewGateway(model ContentGenerator, prompts *PromptBuilder, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		model:   model,
		prompts: prompts,
		cfg:     cfg,
		logger:  logger,
	}
}

// WithTokenCounter makes request logs carry a prompt token estimate.
func (g *Gateway) WithTokenCounter(c TokenCounter) *Gateway {
	g.tokens = c
	return g
}

// Send asks the model for a reply. It never fails: errors are classified,
// logged and turned into a fallback reply.
func (g *Gateway) Send(ctx context.Context, convID, userText string, history []models.Turn) Result {
	start := time.Now()
	prompt := g.prompts.Build(convID, userText, history)

	fields := []zap.Field{
		zap.String("chat_id", convID),
		zap.String("model", g.cfg.Model),
		zap.Int("message_length", len(userText)),
		zap.Int("prompt_turns", len(prompt)),
	}
	if g.tokens != nil {
		fields = append(fields, zap.Int("prompt_tokens", g.tokens.Count(prompt)))
	}
	g.logger.Info("LLM request", fields...)

	// The call outlives its caller; only the configured timeout bounds it.
	ctx = context.WithoutCancel(ctx)
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	resp, err := g.model.GenerateContent(ctx, toMessageContent(prompt),
		llms.WithModel(g.cfg.Model),
		llms.WithTemperature(g.cfg.Temperature),
		llms.WithMaxTokens(g.cfg.MaxTokens),
	)
	if err == nil && (resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil) {
		err = errors.New("api returned no completion choices")
	}
	if err != nil {
		failure := Classify(err)
		g.logger.Error("LLM error",
			zap.String("chat_id", convID),
			zap.String("kind", string(failure.Kind)),
			zap.String("message", failure.Raw))
		return Result{
			Reply:   failure.Kind.Fallback(),
			Latency: time.Since(start),
			Failure: &failure,
		}
	}

	text := resp.Choices[0].Content
	latency := time.Since(start)
	g.logger.Info("LLM response",
		zap.String("chat_id", convID),
		zap.Duration("response_time", latency),
		zap.Int("response_length", len(text)))

	return Result{Reply: text, Latency: latency, Length: len(text)}
}

func toMessageContent(turns []models.Turn) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(turns))
	for _, t := range turns {
		out = append(out, llms.TextParts(messageType(t.Role), t.Content))
	}
	return out
}

func messageType(r models.Role) llms.ChatMessageType {
	switch r {
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
