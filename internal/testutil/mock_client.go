// Package testutil provides shared test helpers.
package testutil

import (
	"context"

	"github.com/nudgeable/promptlab/internal/llm"
)

// MockLLMClient is a configurable mock for llm.Client used across test
// packages.
type MockLLMClient struct {
	// ChatResponse is returned by Chat when ChatErr is nil.
	ChatResponse string

	// ChatErr, when set, fails every Chat call.
	ChatErr error

	// JSONResponses are returned by GenerateJSON in order; the last entry
	// repeats once the slice is exhausted.
	JSONResponses []string

	// JSONErr, when set, fails every GenerateJSON call.
	JSONErr error

	// ChatCalls and JSONCalls count invocations.
	ChatCalls int
	JSONCalls int

	// LastChat and LastJSON store the most recent requests for inspection.
	LastChat llm.ChatRequest
	LastJSON llm.JSONRequest
}

func (m *MockLLMClient) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.ChatCalls++
	m.LastChat = req

	if m.ChatErr != nil {
		return nil, m.ChatErr
	}

	content := m.ChatResponse
	if content == "" {
		content = "mock reply"
	}
	return &llm.ChatResponse{Content: content}, nil
}

func (m *MockLLMClient) GenerateJSON(_ context.Context, req llm.JSONRequest) (string, error) {
	m.JSONCalls++
	m.LastJSON = req

	if m.JSONErr != nil {
		return "", m.JSONErr
	}

	if len(m.JSONResponses) == 0 {
		return "{}", nil
	}
	idx := m.JSONCalls - 1
	if idx >= len(m.JSONResponses) {
		idx = len(m.JSONResponses) - 1
	}
	return m.JSONResponses[idx], nil
}
