// Package ai wraps the OpenAI chat completion API behind a small corrector
// interface. It is a pure collaborator: it never touches balances and is only
// called after the ledger has accepted the debit for a request.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"lingvobot/core/logger"
)

const requestTimeout = 30 * time.Second

// rolePrompt frames the assistant as an English tutor.
const rolePrompt = "You are a helpful English teacher."

// metaInstructions steer the model into either correction or translation mode.
const metaInstructions = "Always decide: correction vs translation." +
	" If translation, output only natural English translation." +
	" If correction, include a Markdown table with columns:" +
	" | Original | Error Type | Explanation | Correction |," +
	" then provide the corrected sentence. Keep responses concise."

// Config holds tuning parameters for the collaborator.
type Config struct {
	APIKey            string
	Model             string
	Temperature       float32
	MaxResponseTokens int
}

// Turn is one earlier exchange replayed into the model context so the model
// sees the recent conversation.
type Turn struct {
	UserMessage string
	AIResponse  string
}

// Service calls the OpenAI chat completion endpoint.
type Service struct {
	client *openai.Client
	cfg    Config
}

// New constructs the collaborator. The API key is required.
func New(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("ai: OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxResponseTokens <= 0 {
		cfg.MaxResponseTokens = 1000
	}
	return &Service{client: openai.NewClient(cfg.APIKey), cfg: cfg}, nil
}

// Correct runs the user's text through the model and returns the corrected or
// translated reply together with the total token usage. Prior turns are
// replayed oldest first between the system prompts and the new text.
func (s *Service) Correct(ctx context.Context, text string, prior []Turn) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 3+2*len(prior))
	messages = append(messages,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: rolePrompt},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: metaInstructions},
	)
	for _, t := range prior {
		messages = append(messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: t.UserMessage},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: t.AIResponse},
		)
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxResponseTokens,
		Messages:    messages,
	})
	if err != nil {
		logger.AI.Error("completion failed",
			slog.String("event", "ai.complete"),
			slog.Duration("duration", logger.Took(start)),
			slog.String("err", err.Error()),
		)
		return "", 0, fmt.Errorf("ai: completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", 0, fmt.Errorf("ai: empty response from model")
	}

	tokens := resp.Usage.TotalTokens
	logger.AI.Debug("completion",
		slog.String("event", "ai.complete"),
		slog.String("model", s.cfg.Model),
		slog.Int("tokens", tokens),
		slog.Duration("duration", logger.Took(start)),
	)
	return resp.Choices[0].Message.Content, tokens, nil
}
