// Package llm wraps an OpenAI-compatible chat API behind the two call
// shapes the platform consumes: multi-turn simulation chat and single-shot
// structured JSON generation for the judge.
package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// Client abstracts the generative model collaborator.
type Client interface {
	// Chat replays the conversation history with a system instruction and
	// a new user message, returning one assistant reply.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// GenerateJSON submits a single content block under an instruction
	// document and asks for a JSON-shaped response. The returned text is
	// raw model output; callers must still parse it defensively.
	GenerateJSON(ctx context.Context, req JSONRequest) (string, error)
}

// Turn is one prior exchange turn in a chat history.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// ChatRequest is a multi-turn chat completion request.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	History      []Turn
	UserMessage  string
	Temperature  float32
}

// ChatResponse holds the assistant reply of a chat completion.
type ChatResponse struct {
	Content string
}

// JSONRequest is a single-shot structured generation request.
type JSONRequest struct {
	Model        string
	Instructions string
	Content      string
}

// OpenAIClient implements Client against an OpenAI-compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client from functional options.
func NewOpenAIClient(opts ...Option) *OpenAIClient {
	cfg := &clientConfig{
		apiKey: "not-needed",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	config := openai.DefaultConfig(cfg.apiKey)
	if cfg.baseURL != "" {
		config.BaseURL = cfg.baseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		model:  cfg.model,
	}
}

// Chat sends a multi-turn chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserMessage,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.resolveModel(req.Model),
		Messages:    messages,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("chat completion failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	return &ChatResponse{Content: resp.Choices[0].Message.Content}, nil
}

// GenerateJSON sends a single-shot request with JSON response formatting.
func (c *OpenAIClient) GenerateJSON(ctx context.Context, req JSONRequest) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.resolveModel(req.Model),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.Instructions},
			{Role: openai.ChatMessageRoleUser, Content: req.Content},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", classify(fmt.Errorf("json generation failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}

	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) resolveModel(requested string) string {
	if requested != "" {
		return requested
	}
	return c.model
}
