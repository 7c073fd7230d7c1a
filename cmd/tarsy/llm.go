package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tarsy-bot/tarsy/pkg/agent"
)

// llmClientFactory builds the LLM transport adapter. The adapter is
// deployment-specific and linked into the final build; the base build
// carries none and falls back to a client that fails every generation
// with a clear error.
var llmClientFactory func(addr string) (agent.LLMClient, error)

func newLLMClient(addr string) (agent.LLMClient, error) {
	if llmClientFactory != nil {
		return llmClientFactory(addr)
	}
	slog.Warn("No LLM adapter linked into this build; sessions will fail at the first LLM call",
		"addr", addr)
	return unavailableLLM{}, nil
}

// unavailableLLM satisfies the client contract when no adapter is
// present. Every call fails; the executor records the failure on the
// stage like any other LLM error.
type unavailableLLM struct{}

func (unavailableLLM) Generate(context.Context, *agent.GenerateInput) (<-chan agent.Chunk, error) {
	return nil, errors.New("LLM adapter not configured")
}

func (unavailableLLM) Close() error { return nil }
