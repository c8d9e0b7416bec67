package llm

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/RichardoC/llm-relay/internal/models"
	"go.uber.org/zap"
)

// DefaultSystemPrompt is used whenever the configured prompt cannot be read.
const DefaultSystemPrompt = "You are a friendly AI assistant. Answer politely and professionally."

type SystemPromptSource interface {
	Load() (string, error)
}

// FilePrompt reads the system prompt from a file on every Load.
type FilePrompt struct {
	Path string
}

func (f FilePrompt) Load() (string, error) {
	if f.Path == "" {
		return "", errors.New("system prompt path is empty")
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("system prompt file %s is empty", f.Path)
	}
	return text, nil
}

type PromptBuilder struct {
	source SystemPromptSource
	logger *zap.Logger
}

func NewPromptBuilder(source SystemPromptSource, logger *zap.Logger) *PromptBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromptBuilder{source: source, logger: logger}
}

// Build returns the system turn, the history and the new user turn, in that order.
func (b *PromptBuilder) Build(convID, userText string, history []models.Turn) []models.Turn {
	prompt := make([]models.Turn, 0, len(history)+2)
	prompt = append(prompt, models.SystemTurn(b.systemPrompt(convID)))
	prompt = append(prompt, history...)
	return append(prompt, models.UserTurn(userText))
}

func (b *PromptBuilder) systemPrompt(convID string) string {
	if b.source == nil {
		return DefaultSystemPrompt
	}
	text, err := b.source.Load()
	if err != nil {
		b.logger.Debug("Using default system prompt",
			zap.String("chat_id", convID),
			zap.Error(err))
		return DefaultSystemPrompt
	}
	return text
}
