package config

// IterationStrategy selects the controller that drives an agent's stage.
type IterationStrategy string

const (
	// IterationStrategyReact runs the ReAct think/act/observe tool loop.
	IterationStrategyReact IterationStrategy = "react"
	// IterationStrategyReactStage is the ReAct loop scoped to a single stage
	// of a multi-stage chain (partial conclusions allowed).
	IterationStrategyReactStage IterationStrategy = "react_stage"
	// IterationStrategySynthesis is a single LLM call over prior stage
	// outputs, no tools.
	IterationStrategySynthesis IterationStrategy = "synthesis"
	// IterationStrategyNativeThinking is a single call with provider-native
	// extended thinking enabled.
	IterationStrategyNativeThinking IterationStrategy = "native_thinking"
	// IterationStrategySynthesisNativeThinking is synthesis with native
	// thinking enabled.
	IterationStrategySynthesisNativeThinking IterationStrategy = "synthesis_native_thinking"
	// IterationStrategyScoring drives the session-quality judge conversation.
	IterationStrategyScoring IterationStrategy = "scoring"
)

// IsValid checks if the iteration strategy is valid
func (s IterationStrategy) IsValid() bool {
	switch s {
	case IterationStrategyReact,
		IterationStrategyReactStage,
		IterationStrategySynthesis,
		IterationStrategyNativeThinking,
		IterationStrategySynthesisNativeThinking,
		IterationStrategyScoring:
		return true
	default:
		return false
	}
}

// UsesTools reports whether the strategy dispatches MCP tool calls.
func (s IterationStrategy) UsesTools() bool {
	return s == IterationStrategyReact || s == IterationStrategyReactStage
}

// SuccessPolicy defines success criteria for parallel stages
type SuccessPolicy string

const (
	// SuccessPolicyAll requires all agents to succeed
	SuccessPolicyAll SuccessPolicy = "all"
	// SuccessPolicyAny requires at least one agent to succeed (default)
	SuccessPolicyAny SuccessPolicy = "any"
)

// IsValid checks if the success policy is valid
func (p SuccessPolicy) IsValid() bool {
	return p == SuccessPolicyAll || p == SuccessPolicyAny
}

// TransportType defines MCP server transport types
type TransportType string

const (
	// TransportTypeStdio uses subprocess communication via stdin/stdout
	TransportTypeStdio TransportType = "stdio"
	// TransportTypeHTTP uses streamable HTTP JSON-RPC
	TransportTypeHTTP TransportType = "http"
)

// IsValid checks if the transport type is valid
func (t TransportType) IsValid() bool {
	return t == TransportTypeStdio || t == TransportTypeHTTP
}

// LLMProviderType defines supported LLM providers
type LLMProviderType string

const (
	// LLMProviderTypeGoogle is Google Gemini API
	LLMProviderTypeGoogle LLMProviderType = "google"
	// LLMProviderTypeOpenAI is OpenAI API
	LLMProviderTypeOpenAI LLMProviderType = "openai"
	// LLMProviderTypeAnthropic is Anthropic Claude API
	LLMProviderTypeAnthropic LLMProviderType = "anthropic"
	// LLMProviderTypeXAI is xAI Grok API
	LLMProviderTypeXAI LLMProviderType = "xai"
)

// IsValid checks if the LLM provider type is valid
func (t LLMProviderType) IsValid() bool {
	switch t {
	case LLMProviderTypeGoogle,
		LLMProviderTypeOpenAI,
		LLMProviderTypeAnthropic,
		LLMProviderTypeXAI:
		return true
	default:
		return false
	}
}

// EventBusBackend selects how live events reach subscribers.
type EventBusBackend string

const (
	// EventBusBackendNotify uses Postgres LISTEN/NOTIFY wake-ups.
	EventBusBackendNotify EventBusBackend = "notify"
	// EventBusBackendPolling queries the events table on a timer.
	EventBusBackendPolling EventBusBackend = "polling"
)

// IsValid checks if the event bus backend is valid
func (b EventBusBackend) IsValid() bool {
	return b == EventBusBackendNotify || b == EventBusBackendPolling
}
