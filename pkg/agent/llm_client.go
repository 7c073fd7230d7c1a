package agent

import (
	"context"

	"github.com/tarsy-bot/tarsy/pkg/config"
)

// LLMClient is the provider contract. Implementations wrap a concrete
// SDK and expose a channel-based streaming API; errors are delivered as
// ErrorChunk values, not as a second return path mid-stream.
type LLMClient interface {
	// Generate sends a conversation to the LLM and returns a stream of
	// chunks. The channel is closed when the stream completes.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)

	// Close releases the underlying connection.
	Close() error
}

// GenerateInput is one LLM request.
type GenerateInput struct {
	SessionID        string
	StageExecutionID string
	Messages         []ConversationMessage
	Provider         *config.LLMProviderConfig

	// ThinkingLevel enables provider-native extended thinking when set
	// ("high" for the native-thinking strategies).
	ThinkingLevel string

	// NativeToolsOverride carries a per-request native-tools config for
	// providers that support it. nil means provider defaults.
	NativeToolsOverride map[string]any

	// ParallelMetadata distinguishes replica requests so providers can
	// vary sampling across otherwise-identical calls.
	ParallelMetadata map[string]any
}

// ConversationMessage is one turn of the conversation.
type ConversationMessage struct {
	Role    string
	Content string
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeThinking ChunkType = "thinking"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a chunk of the LLM's text response.
type TextChunk struct{ Content string }

// ThinkingChunk is a chunk of the LLM's internal reasoning.
type ThinkingChunk struct{ Content string }

// ToolCallChunk signals a provider-native tool call request.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for this call.
type UsageChunk struct{ InputTokens, OutputTokens, TotalTokens, ThinkingTokens int }

// ErrorChunk signals an error from the provider.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ThinkingChunk) chunkType() ChunkType { return ChunkTypeThinking }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }
