package config

// Shared types used across configuration structs

// TransportConfig defines MCP server transport configuration
type TransportConfig struct {
	Type TransportType `yaml:"type"`

	// For stdio transport
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"` // Environment overrides for stdio subprocess

	// For http transport
	URL         string            `yaml:"url,omitempty"`
	BearerToken string            `yaml:"bearer_token,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"` // Extra HTTP headers; Authorization is rejected
	VerifySSL   *bool             `yaml:"verify_ssl,omitempty"`
	Timeout     int               `yaml:"timeout,omitempty"` // In seconds
}

// MaskingConfig defines data masking configuration for MCP servers
type MaskingConfig struct {
	Enabled        bool             `yaml:"enabled"`
	PatternGroups  []string         `yaml:"pattern_groups,omitempty"`
	Patterns       []string         `yaml:"patterns,omitempty"`
	CustomPatterns []MaskingPattern `yaml:"custom_patterns,omitempty"`
}

// MaskingPattern defines a regex-based masking pattern
type MaskingPattern struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Description string `yaml:"description,omitempty"`
}

// BoolPtr returns a pointer to b. Convenience for *bool struct fields.
func BoolPtr(b bool) *bool { return &b }

// IntPtr returns a pointer to n. Convenience for *int struct fields.
func IntPtr(n int) *int { return &n }

// StageAgentConfig is an agent reference with stage-level overrides.
// Used in stage.agents[] even for single-agent stages. Parallel execution
// occurs when len(agents) > 1 or replicas > 1.
type StageAgentConfig struct {
	Name              string            `yaml:"name"`
	LLMProvider       string            `yaml:"llm_provider,omitempty"`
	IterationStrategy IterationStrategy `yaml:"iteration_strategy,omitempty"`
	MaxIterations     *int              `yaml:"max_iterations,omitempty"`
	MCPServers        []string          `yaml:"mcp_servers,omitempty"`
}

// SynthesisConfig defines the synthesis step that follows a parallel stage.
type SynthesisConfig struct {
	Agent             string            `yaml:"agent,omitempty"`
	LLMProvider       string            `yaml:"llm_provider,omitempty"`
	IterationStrategy IterationStrategy `yaml:"iteration_strategy,omitempty"`
}

// ChatConfig defines follow-up chat configuration for a chain.
type ChatConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Agent         string `yaml:"agent,omitempty"`
	LLMProvider   string `yaml:"llm_provider,omitempty"`
	MaxIterations *int   `yaml:"max_iterations,omitempty"`
}

// ScoringConfig defines scoring agent configuration for session quality evaluation
type ScoringConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Agent       string `yaml:"agent,omitempty"`
	LLMProvider string `yaml:"llm_provider,omitempty"`
}
